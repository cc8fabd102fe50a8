// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ocidelta/pkg/fileutil"
	"github.com/yeetrun/ocidelta/pkg/oci"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
)

// Files at the root of a local layout.
const (
	layoutFile = ocispec.ImageLayoutFile // oci-layout
	indexFile  = "index.json"
	tokenFile  = ".token"
	blobsDir   = "blobs/sha256"
)

var supportedLayoutVersion = semver.MustParse(ocispec.ImageLayoutVersion)

// ensureLocal opens the layout directory at dir. With forWrite the
// directory, blobs/sha256 and oci-layout are created as needed.
func (r *Registry) ensureLocal(dir string, forWrite bool) error {
	root, err := os.OpenRoot(dir)
	if errors.Is(err, fs.ErrNotExist) && forWrite {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return ocierr.New(ocierr.SetupFailed, "create registry", err)
		}
		root, err = os.OpenRoot(dir)
	}
	if err != nil {
		return ocierr.FromOS("open registry "+dir, err, ocierr.SetupFailed)
	}
	ok := false
	defer func() {
		if !ok {
			root.Close()
		}
	}()

	if forWrite {
		if err := root.MkdirAll(blobsDir, 0o755); err != nil {
			return ocierr.New(ocierr.SetupFailed, "create registry", err)
		}
	}

	b, err := readRegular(root, layoutFile)
	switch {
	case errors.Is(err, fs.ErrNotExist) && forWrite:
		layout := []byte(`{"imageLayoutVersion": "` + ocispec.ImageLayoutVersion + `"}`)
		if err := fileutil.ReplaceFile(filepath.Join(dir, layoutFile), layout, 0o644); err != nil {
			return ocierr.New(ocierr.SetupFailed, "create registry", err)
		}
	case err != nil:
		return err
	default:
		if err := verifyLayout(b); err != nil {
			return err
		}
	}

	if tok, err := readRegular(root, tokenFile); err == nil {
		r.token.Store(string(tok))
	}

	r.dir = dir
	r.root = root
	ok = true
	return nil
}

func verifyLayout(b []byte) error {
	var layout ocispec.ImageLayout
	if err := json.Unmarshal(b, &layout); err != nil {
		return ocierr.New(ocierr.InvalidData, "read oci-layout", err)
	}
	if layout.Version == "" {
		return ocierr.Errorf(ocierr.InvalidData, "", "Unsupported oci repo: oci-layout version missing")
	}
	v, err := semver.StrictNewVersion(layout.Version)
	if err != nil || !v.Equal(supportedLayoutVersion) {
		return ocierr.Errorf(ocierr.NotSupported, "", "Unsupported existing oci-layout version %s (only %s supported)", layout.Version, ocispec.ImageLayoutVersion)
	}
	return nil
}

// openRegular opens name inside root for reading. Anything but a regular
// file is refused.
func openRegular(root *os.Root, name string) (*os.File, fs.FileInfo, error) {
	f, err := root.Open(name)
	if err != nil {
		return nil, nil, ocierr.FromOS("open "+name, err, ocierr.Failure)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, ocierr.New(ocierr.Failure, "stat "+name, err)
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, nil, ocierr.Errorf(ocierr.InvalidData, "", "Non-regular file in OCI registry at %s", name)
	}
	return f, fi, nil
}

func readRegular(root *os.Root, name string) ([]byte, error) {
	f, _, err := openRegular(root, name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, ocierr.New(ocierr.Failure, "read "+name, err)
	}
	return b, nil
}

func (r *Registry) requireWrite() error {
	if r.root == nil || !r.forWrite {
		return ocierr.Errorf(ocierr.NotSupported, "", "Write not supported to registry")
	}
	return nil
}

func (r *Registry) blobPath(d digest.Digest) string {
	return filepath.Join(r.dir, blobsDir, d.Encoded())
}

// StoreBlob writes data under its sha256 digest and returns the digest.
// Storing the same bytes twice leaves one intact copy.
func (r *Registry) StoreBlob(ctx context.Context, data []byte) (digest.Digest, error) {
	if err := r.requireWrite(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d := digest.SHA256.FromBytes(data)
	if err := fileutil.ReplaceFile(r.blobPath(d), data, 0o644); err != nil {
		return "", ocierr.New(ocierr.Failure, "store blob "+d.String(), err)
	}
	r.log.Debugf("stored blob %s (%d bytes)", d, len(data))
	return d, nil
}

// StoreJSON encodes v, stores it as a blob and returns its descriptor
// with the given media type.
func (r *Registry) StoreJSON(ctx context.Context, v any, mediaType string) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("encode %s: %w", mediaType, err)
	}
	d, err := r.StoreBlob(ctx, b)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	return oci.NewDescriptor(mediaType, d, int64(len(b))), nil
}

// LoadIndex reads index.json of a local layout.
func (r *Registry) LoadIndex() (*ocispec.Index, error) {
	if r.root == nil {
		return nil, ocierr.Errorf(ocierr.NotSupported, "", "index.json is only available for local registries")
	}
	b, err := readRegular(r.root, indexFile)
	if err != nil {
		return nil, err
	}
	v, err := oci.ParseVersioned(b, ocispec.MediaTypeImageIndex)
	if err != nil {
		return nil, err
	}
	return v.AsIndex()
}

// SaveIndex atomically replaces index.json.
func (r *Registry) SaveIndex(idx *ocispec.Index) error {
	if err := r.requireWrite(); err != nil {
		return err
	}
	if idx.MediaType == "" {
		idx.MediaType = ocispec.MediaTypeImageIndex
	}
	if idx.SchemaVersion == 0 {
		idx.SchemaVersion = 2
	}
	b, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := fileutil.ReplaceFile(filepath.Join(r.dir, indexFile), b, 0o644); err != nil {
		return ocierr.New(ocierr.Failure, "save index", err)
	}
	return nil
}

// hasBlob reports whether the layout holds path. Symlinks are not followed.
func (r *Registry) hasBlob(subpath string) bool {
	_, err := r.root.Lstat(subpath)
	return err == nil
}

func localPath(uri string) (string, bool) {
	p, ok := strings.CutPrefix(uri, "file:")
	if !ok || !strings.HasPrefix(p, "/") {
		return "", false
	}
	// file:///x and file:/x both name /x.
	if rest, ok := strings.CutPrefix(p, "//"); ok {
		p = rest
		if !strings.HasPrefix(p, "/") {
			return "", false
		}
	}
	return filepath.Clean(p), true
}
