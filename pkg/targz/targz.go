// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package targz opens image layer blobs as tar streams. Layers may be gzip
// or zstd compressed or plain tar; the raw blob bytes are hashed as they are
// consumed so callers can verify them once the archive has been read.
package targz

import (
	"archive/tar"
	"bufio"
	"bytes"
	_ "crypto/sha256"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
)

// Compression identifies the encoding of a layer blob.
type Compression int

const (
	Uncompressed Compression = iota
	Gzip
	Zstd
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return "tar"
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Detect reports the compression of a blob from its leading bytes.
func Detect(head []byte) Compression {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return Gzip
	case bytes.HasPrefix(head, zstdMagic):
		return Zstd
	default:
		return Uncompressed
	}
}

// Reader is a tar reader over a layer blob.
type Reader struct {
	r           *tar.Reader
	raw         io.Reader // hashing reader under the decompressor
	digester    digest.Digester
	close       func() error
	compression Compression
}

func (r *Reader) Read(p []byte) (n int, err error) {
	return r.r.Read(p)
}

func (r *Reader) Next() (*tar.Header, error) {
	return r.r.Next()
}

// Tar returns the underlying tar reader.
func (r *Reader) Tar() *tar.Reader {
	return r.r
}

// Compression reports the detected blob encoding.
func (r *Reader) Compression() Compression {
	return r.compression
}

// Close releases the decompressor.
func (r *Reader) Close() error {
	if r.close != nil {
		return r.close()
	}
	return nil
}

// Finish drains the rest of the raw blob, including any padding after the
// tar trailer, and returns the digest of every raw byte read.
func (r *Reader) Finish() (digest.Digest, error) {
	if _, err := io.Copy(io.Discard, r.raw); err != nil {
		return "", fmt.Errorf("drain layer: %w", err)
	}
	return r.digester.Digest(), nil
}

// New opens blob as a layer, detecting its compression.
func New(blob io.Reader) (*Reader, error) {
	d := digest.SHA256.Digester()
	raw := bufio.NewReader(io.TeeReader(blob, d.Hash()))
	head, err := raw.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read layer header: %w", err)
	}
	r := &Reader{raw: raw, digester: d, compression: Detect(head)}
	switch r.compression {
	case Gzip:
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return nil, fmt.Errorf("open gzip layer: %w", err)
		}
		gz.Multistream(true)
		r.r = tar.NewReader(gz)
		r.close = gz.Close
	case Zstd:
		zr, err := zstd.NewReader(raw)
		if err != nil {
			return nil, fmt.Errorf("open zstd layer: %w", err)
		}
		r.r = tar.NewReader(zr)
		r.close = func() error { zr.Close(); return nil }
	default:
		r.r = tar.NewReader(raw)
	}
	return r, nil
}
