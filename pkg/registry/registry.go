// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/yeetrun/ocidelta/pkg/fileutil"
	"github.com/yeetrun/ocidelta/pkg/oci"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
	"tailscale.com/syncs"
)

var log = logrus.WithField("component", "registry")

// DownloadTmpDirEnv overrides the directory downloads are staged in.
const DownloadTmpDirEnv = "OCIDELTA_DOWNLOAD_TMPDIR"

// DefaultTmpDir returns the staging directory for downloads. Layers can be
// large, so /var/tmp is preferred over $TMPDIR.
func DefaultTmpDir() string {
	if d := os.Getenv(DownloadTmpDirEnv); d != "" {
		return d
	}
	return "/var/tmp"
}

// Config configures a Registry. It is read once by New.
type Config struct {
	// URI is file:/<path> for a local OCI layout or an http(s) URL for a
	// remote registry.
	URI string
	// ForWrite creates the local layout if needed and enables writes.
	// Remote registries cannot be opened for write.
	ForWrite bool
	// TmpDir stages downloads and delta sources. Defaults to DefaultTmpDir.
	TmpDir string
	// CAFile is an optional PEM bundle trusted for a remote registry.
	CAFile string
	// Logger defaults to the package logger.
	Logger *logrus.Entry
	// HTTPClient is the base client for remote registries.
	HTTPClient *http.Client
}

// ProgressFunc receives the number of bytes transferred so far by a single
// download. It is called synchronously and must not block.
type ProgressFunc func(n int64)

// Registry is a content-addressed blob store, either a local OCI layout or
// a remote registry speaking the distribution API.
type Registry struct {
	uri      string
	forWrite bool
	tmpDir   string
	log      *logrus.Entry

	// Local layouts.
	dir  string
	root *os.Root

	// Remote registries.
	remote *fetcher

	token syncs.AtomicValue[string]
}

// New opens the registry described by cfg.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &Registry{
		uri:      cfg.URI,
		forWrite: cfg.ForWrite,
		tmpDir:   cfg.TmpDir,
		log:      cfg.Logger,
	}
	if r.log == nil {
		r.log = log
	}
	r.log = r.log.WithField("registry", cfg.URI)
	if r.tmpDir == "" {
		r.tmpDir = DefaultTmpDir()
	}
	if fi, err := os.Stat(r.tmpDir); err != nil {
		return nil, ocierr.New(ocierr.SetupFailed, "open tmp dir", err)
	} else if !fi.IsDir() {
		return nil, ocierr.Errorf(ocierr.SetupFailed, "", "tmp dir %s is not a directory", r.tmpDir)
	}

	if strings.HasPrefix(cfg.URI, "file:") {
		dir, ok := localPath(cfg.URI)
		if !ok {
			return nil, ocierr.Errorf(ocierr.InvalidData, "", "Invalid url %s", cfg.URI)
		}
		if err := r.ensureLocal(dir, cfg.ForWrite); err != nil {
			return nil, err
		}
		return r, nil
	}
	if cfg.ForWrite {
		return nil, ocierr.Errorf(ocierr.NotSupported, "", "Writes are not supported for remote OCI registries")
	}
	f, err := newFetcher(cfg, r.log)
	if err != nil {
		return nil, err
	}
	r.remote = f
	return r, nil
}

// Close releases the local layout directory.
func (r *Registry) Close() error {
	if r.root != nil {
		return r.root.Close()
	}
	return nil
}

// IsLocal reports whether r is a local OCI layout.
func (r *Registry) IsLocal() bool { return r.root != nil }

// URI returns the URI r was opened with.
func (r *Registry) URI() string { return r.uri }

// Token returns the bearer token sent to the registry.
func (r *Registry) Token() string { return r.token.Load() }

// SetToken sets the bearer token. A local layout persists it in .token so
// later handles on the same mirror reuse it.
func (r *Registry) SetToken(token string) {
	r.token.Store(token)
	if r.root == nil || token == "" {
		return
	}
	if err := fileutil.ReplaceFile(filepath.Join(r.dir, tokenFile), []byte(token), 0o600); err != nil {
		r.log.WithError(err).Warn("failed to persist token")
	}
}

// DigestSubpath returns where ref lives relative to the registry root.
// Remote registries use v2/[<repo>/]{manifests|blobs}/<ref> and accept
// tags when allowTag is set. Local layouts use blobs/sha256/<hex> and
// accept digests only.
func (r *Registry) DigestSubpath(repo string, isManifest, allowTag bool, ref string) (string, error) {
	if !oci.IsDigest(ref) {
		if !allowTag {
			return "", ocierr.Errorf(ocierr.NotSupported, "", "Unsupported digest type %s", ref)
		}
		if r.IsLocal() {
			return "", ocierr.Errorf(ocierr.NotSupported, "", "Tags not supported for local oci dirs")
		}
		if ref == "" || strings.ContainsAny(ref, "/?#") || ref == "." || ref == ".." {
			return "", ocierr.Errorf(ocierr.InvalidData, "", "invalid tag %q", ref)
		}
	} else if _, err := oci.ParseDigest(ref); err != nil {
		return "", err
	}

	if r.IsLocal() {
		return blobsDir + "/" + digest.Digest(ref).Encoded(), nil
	}
	var b strings.Builder
	b.WriteString("v2/")
	if repo != "" {
		b.WriteString(strings.Trim(repo, "/"))
		b.WriteString("/")
	}
	if isManifest {
		b.WriteString("manifests/")
	} else {
		b.WriteString("blobs/")
	}
	b.WriteString(ref)
	return b.String(), nil
}

func (r *Registry) loadFile(ctx context.Context, subpath string, altURLs []string) ([]byte, string, error) {
	if r.IsLocal() {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		b, err := readRegular(r.root, subpath)
		return b, "", err
	}
	return r.remote.load(ctx, r.remote.resolve(subpath, altURLs), r.Token())
}

// LoadBlob returns the bytes of a manifest or blob and the content type
// reported by a remote registry. When ref is a digest the bytes are
// verified against it.
func (r *Registry) LoadBlob(ctx context.Context, repo string, isManifest bool, ref string, altURLs []string) ([]byte, string, error) {
	subpath, err := r.DigestSubpath(repo, isManifest, true, ref)
	if err != nil {
		return nil, "", err
	}
	b, contentType, err := r.loadFile(ctx, subpath, altURLs)
	if err != nil {
		return nil, "", err
	}
	if oci.IsDigest(ref) {
		want := digest.Digest(ref)
		if got := digest.SHA256.FromBytes(b); got != want {
			return nil, "", ocierr.New(ocierr.InvalidData, "load "+subpath, &DigestMismatchError{Expected: want, Actual: got})
		}
	}
	return b, contentType, nil
}

// LoadVersioned loads and parses a manifest, index or image list. It also
// returns the document size.
func (r *Registry) LoadVersioned(ctx context.Context, repo, ref string, altURLs []string) (*oci.Versioned, int64, error) {
	b, contentType, err := r.LoadBlob(ctx, repo, true, ref, altURLs)
	if err != nil {
		return nil, 0, err
	}
	v, err := oci.ParseVersioned(b, contentType)
	if err != nil {
		return nil, 0, err
	}
	return v, int64(len(b)), nil
}

// LoadImageConfig loads and parses an image config blob.
func (r *Registry) LoadImageConfig(ctx context.Context, repo string, d digest.Digest, altURLs []string) (*ocispec.Image, error) {
	b, _, err := r.LoadBlob(ctx, repo, false, d.String(), altURLs)
	if err != nil {
		return nil, err
	}
	return oci.ParseImageConfig(b)
}

// DownloadBlob returns a read handle on blob d positioned at offset 0.
// Local blobs are opened in place and trusted by name. Remote blobs are
// downloaded to a private temporary file and verified first.
func (r *Registry) DownloadBlob(ctx context.Context, repo string, isManifest bool, d digest.Digest, altURLs []string, progress ProgressFunc) (*os.File, error) {
	subpath, err := r.DigestSubpath(repo, isManifest, false, d.String())
	if err != nil {
		return nil, err
	}
	if r.IsLocal() {
		f, _, err := openRegular(r.root, subpath)
		return f, err
	}

	f, err := fileutil.OpenUnlinkedTemp(r.tmpDir, "oci-layer-*")
	if err != nil {
		return nil, ocierr.New(ocierr.SetupFailed, "create download file", err)
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()
	u := r.remote.resolve(subpath, altURLs)
	dg := digest.SHA256.Digester()
	if _, err := r.remote.download(ctx, u, r.Token(), io.MultiWriter(f, dg.Hash()), progress); err != nil {
		return nil, err
	}
	if got := dg.Digest(); got != d {
		return nil, ocierr.New(ocierr.Failure, "download "+u, &DigestMismatchError{Expected: d, Actual: got})
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, ocierr.New(ocierr.Failure, "download "+u, err)
	}
	ok = true
	return f, nil
}

// MirrorBlob copies blob d from src into r unless r already has it. The
// copy is verified before it becomes visible under its digest.
func (r *Registry) MirrorBlob(ctx context.Context, src *Registry, repo string, isManifest bool, d digest.Digest, altURLs []string, progress ProgressFunc) error {
	if err := r.requireWrite(); err != nil {
		return err
	}
	srcSubpath, err := src.DigestSubpath(repo, isManifest, false, d.String())
	if err != nil {
		return err
	}
	dstSubpath, err := r.DigestSubpath("", isManifest, false, d.String())
	if err != nil {
		return err
	}
	if r.hasBlob(dstSubpath) {
		r.log.Debugf("mirror %s: already present", d)
		return nil
	}

	tmp, err := fileutil.OpenTmpfileLinkable(filepath.Join(r.dir, blobsDir))
	if err != nil {
		return ocierr.New(ocierr.SetupFailed, "mirror blob", err)
	}
	defer tmp.Close()

	dg := digest.SHA256.Digester()
	w := io.MultiWriter(tmp, dg.Hash())
	if src.IsLocal() {
		in, _, err := openRegular(src.root, srcSubpath)
		if err != nil {
			return err
		}
		_, err = copyWithProgress(ctx, w, in, progress)
		in.Close()
		if err != nil {
			return err
		}
	} else {
		token := src.Token()
		if token == "" {
			token = r.Token()
		}
		if _, err := src.remote.download(ctx, src.remote.resolve(srcSubpath, altURLs), token, w, progress); err != nil {
			return err
		}
	}
	if got := dg.Digest(); got != d {
		return ocierr.New(ocierr.Failure, "mirror "+d.String(), &DigestMismatchError{Expected: d, Actual: got})
	}
	if err := tmp.Chmod(0o644); err != nil {
		return ocierr.New(ocierr.Failure, "mirror "+d.String(), err)
	}
	if err := tmp.Link(filepath.Join(r.dir, dstSubpath), fileutil.LinkNoReplaceIgnoreExist); err != nil {
		return ocierr.New(ocierr.Failure, "mirror "+d.String(), err)
	}
	r.log.Debugf("mirrored %s from %s", d, src.URI())
	return nil
}

// DigestMismatchError reports content whose sha256 differs from the digest
// it was requested under.
type DigestMismatchError struct {
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("checksum digest did not match (%s != %s)", e.Expected, e.Actual)
}

const copyBufferSize = 64 * 1024

// copyWithProgress copies src to dst, reporting the running total after
// every chunk and stopping when ctx is done.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, progress ProgressFunc) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			n += int64(nw)
			if werr != nil {
				return n, ocierr.New(ocierr.Failure, "write", werr)
			}
			if nw != nr {
				return n, ocierr.New(ocierr.Failure, "write", io.ErrShortWrite)
			}
			if progress != nil {
				progress(n)
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return n, ctxErr
			}
			return n, ocierr.New(ocierr.Failure, "read", rerr)
		}
	}
}
