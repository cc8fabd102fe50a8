// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ocidelta/pkg/delta"
	"github.com/yeetrun/ocidelta/pkg/fileutil"
	"github.com/yeetrun/ocidelta/pkg/oci"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
)

// ApplyDelta reconstructs a layer from the delta in src against tree. The
// uncompressed tar is returned in a private temporary file positioned at
// offset 0.
func (r *Registry) ApplyDelta(ctx context.Context, src io.Reader, tree fs.FS) (*os.File, error) {
	f, err := fileutil.OpenUnlinkedTemp(r.tmpDir, "oci-delta-layer-*")
	if err != nil {
		return nil, ocierr.New(ocierr.SetupFailed, "create delta output", err)
	}
	if err := delta.Apply(ctx, src, tree, f, r.deltaOptions()); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, ocierr.New(ocierr.Failure, "apply delta", err)
	}
	return f, nil
}

// ApplyDeltaToBlob reconstructs a layer from the delta in src against tree
// and stores the uncompressed tar under its own digest, which is returned.
// Callers compare it with the diffID they expect.
func (r *Registry) ApplyDeltaToBlob(ctx context.Context, src io.Reader, tree fs.FS) (digest.Digest, error) {
	if err := r.requireWrite(); err != nil {
		return "", err
	}
	tmp, err := fileutil.OpenTmpfileLinkable(filepath.Join(r.dir, blobsDir))
	if err != nil {
		return "", ocierr.New(ocierr.SetupFailed, "create delta output", err)
	}
	defer tmp.Close()

	dg := digest.SHA256.Digester()
	if err := delta.Apply(ctx, src, tree, io.MultiWriter(tmp, dg.Hash()), r.deltaOptions()); err != nil {
		return "", err
	}
	d := dg.Digest()
	if err := tmp.Chmod(0o644); err != nil {
		return "", ocierr.New(ocierr.Failure, "apply delta", err)
	}
	if err := tmp.Link(r.blobPath(d), fileutil.LinkNoReplaceIgnoreExist); err != nil {
		return "", ocierr.New(ocierr.Failure, "apply delta", err)
	}
	r.log.Debugf("reconstructed layer %s from delta", d)
	return d, nil
}

func (r *Registry) deltaOptions() delta.Options {
	return delta.Options{TmpDir: r.tmpDir, Logger: r.log}
}

// FindDeltaManifest looks for a delta manifest whose target is the image
// manifest target. A remote registry with deltaURL set is asked for that
// document first; the repository's delta index is consulted when that
// fails or targets another image. A nil result means no usable delta
// exists. Lookup errors are not fatal since the full layers can always be
// fetched instead.
func (r *Registry) FindDeltaManifest(ctx context.Context, repo string, target digest.Digest, deltaURL string) *ocispec.Manifest {
	if !r.IsLocal() && deltaURL != "" {
		m, err := r.loadDeltaURL(ctx, deltaURL)
		switch {
		case err != nil:
			r.log.WithError(err).Infof("no delta manifest at %s, trying delta index", deltaURL)
		case !oci.IsDeltaFor(m, target):
			r.log.Infof("delta manifest at %s does not target %s, trying delta index", deltaURL, target)
		default:
			return m
		}
	}

	idx, err := r.loadDeltaIndex(ctx, repo)
	if err != nil {
		r.log.WithError(err).Debug("no delta index")
		return nil
	}
	desc, ok := oci.FindDeltaFor(idx, target)
	if !ok {
		r.log.Debugf("no delta for %s in delta index", target)
		return nil
	}
	v, _, err := r.LoadVersioned(ctx, repo, desc.Digest.String(), desc.URLs)
	if err != nil {
		r.log.WithError(err).Debugf("failed to load delta manifest %s", desc.Digest)
		return nil
	}
	m, err := v.AsManifest()
	if err != nil {
		r.log.WithError(err).Debugf("delta manifest %s", desc.Digest)
		return nil
	}
	return m
}

func (r *Registry) loadDeltaURL(ctx context.Context, deltaURL string) (*ocispec.Manifest, error) {
	u, err := r.remote.resolveRef(deltaURL)
	if err != nil {
		return nil, err
	}
	b, _, err := r.remote.load(ctx, u, r.Token())
	if err != nil {
		return nil, err
	}
	v, err := oci.ParseVersioned(b, ocispec.MediaTypeImageManifest)
	if err != nil {
		return nil, err
	}
	return v.AsManifest()
}

// loadDeltaIndex returns the index published under the delta index tag.
// Local layouts record the tag in index.json.
func (r *Registry) loadDeltaIndex(ctx context.Context, repo string) (*ocispec.Index, error) {
	ref := oci.DeltaIndexTag
	if r.IsLocal() {
		idx, err := r.LoadIndex()
		if err != nil {
			return nil, err
		}
		desc, ok := oci.FindManifest(idx, oci.DeltaIndexTag)
		if !ok {
			return nil, ocierr.Errorf(ocierr.NotFound, "", "no %s in index", oci.DeltaIndexTag)
		}
		ref = desc.Digest.String()
	}
	v, _, err := r.LoadVersioned(ctx, repo, ref, nil)
	if err != nil {
		return nil, err
	}
	return v.AsIndex()
}
