// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"errors"
	"io"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ocidelta/pkg/fileutil"
	"github.com/yeetrun/ocidelta/pkg/oci"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
)

var errLayerClosed = errors.New("layer writer closed")

// LayerWriter compresses a tar stream into a gzip layer blob. It digests
// both the uncompressed input and the compressed output as it goes. The
// blob only appears in the store once Close succeeds.
type LayerWriter struct {
	reg *Registry
	tmp *fileutil.Tmpfile
	gz  *gzip.Writer

	uncompressed digest.Digester
	compressed   digest.Digester
	out          *countingWriter

	err    error
	closed bool
}

// WriteLayer starts a new layer blob in a write-enabled local layout.
func (r *Registry) WriteLayer() (*LayerWriter, error) {
	if err := r.requireWrite(); err != nil {
		return nil, err
	}
	tmp, err := fileutil.OpenTmpfileLinkable(filepath.Join(r.dir, blobsDir))
	if err != nil {
		return nil, ocierr.New(ocierr.SetupFailed, "write layer", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return nil, ocierr.New(ocierr.SetupFailed, "write layer", err)
	}
	w := &LayerWriter{
		reg:          r,
		tmp:          tmp,
		uncompressed: digest.SHA256.Digester(),
		compressed:   digest.SHA256.Digester(),
	}
	w.out = &countingWriter{w: tmp, h: w.compressed.Hash()}
	w.gz = gzip.NewWriter(w.out)
	return w, nil
}

// Write compresses p into the layer. Any error is fatal to w.
func (w *LayerWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errLayerClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.gz.Write(p)
	w.uncompressed.Hash().Write(p[:n])
	if err != nil {
		w.err = ocierr.New(ocierr.Failure, "write layer", err)
		return n, w.err
	}
	return n, nil
}

// Close flushes the compressor, links the blob under its compressed digest
// and returns the uncompressed digest (the diffID) with a descriptor for
// the blob. After Close, w is inert.
func (w *LayerWriter) Close() (digest.Digest, ocispec.Descriptor, error) {
	if w.closed {
		return "", ocispec.Descriptor{}, errLayerClosed
	}
	w.closed = true
	defer w.tmp.Close()
	if w.err != nil {
		return "", ocispec.Descriptor{}, w.err
	}
	if err := w.gz.Close(); err != nil {
		return "", ocispec.Descriptor{}, ocierr.New(ocierr.Failure, "close layer", err)
	}
	d := w.compressed.Digest()
	if err := w.tmp.Link(w.reg.blobPath(d), fileutil.LinkReplace); err != nil {
		return "", ocispec.Descriptor{}, ocierr.New(ocierr.Failure, "close layer", err)
	}
	w.reg.log.Debugf("wrote layer %s (%d bytes)", d, w.out.n)
	return w.uncompressed.Digest(), oci.NewDescriptor(ocispec.MediaTypeImageLayerGzip, d, w.out.n), nil
}

// Abort discards the layer. It is a no-op after Close.
func (w *LayerWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.tmp.Close()
}

type countingWriter struct {
	w io.Writer
	h io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.h.Write(p[:n])
	c.n += int64(n)
	return n, err
}
