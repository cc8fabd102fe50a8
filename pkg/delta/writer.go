// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package delta

import (
	"errors"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/yeetrun/ocidelta/pkg/codecutil"
)

// Writer encodes a delta. The first error sticks and is returned by every
// later call, including Close.
type Writer struct {
	enc *zstd.Encoder
	hdr []byte
	err error
}

// NewWriter writes the magic header to w and returns a Writer for the
// compressed op stream.
func NewWriter(w io.Writer) (*Writer, error) {
	if _, err := io.WriteString(w, Magic); err != nil {
		return nil, err
	}
	enc, err := codecutil.ZstdWriter(w)
	if err != nil {
		return nil, err
	}
	return &Writer{enc: enc, hdr: make([]byte, 0, 11)}, nil
}

func (w *Writer) op(op Op, size uint64, payload []byte) error {
	if w.err != nil {
		return w.err
	}
	w.hdr = append(w.hdr[:0], byte(op))
	w.hdr = AppendUvarint(w.hdr, size)
	if _, err := w.enc.Write(w.hdr); err != nil {
		w.err = err
		return err
	}
	if len(payload) > 0 {
		if _, err := w.enc.Write(payload); err != nil {
			w.err = err
			return err
		}
	}
	return nil
}

// Data emits literal output bytes.
func (w *Writer) Data(p []byte) error {
	return w.op(OpData, uint64(len(p)), p)
}

// Open makes name the current source file.
func (w *Writer) Open(name string) error {
	if len(name) > maxPathSize {
		return errors.New("delta source path too long")
	}
	return w.op(OpOpen, uint64(len(name)), []byte(name))
}

// Copy emits n bytes from the current source file.
func (w *Writer) Copy(n uint64) error {
	return w.op(OpCopy, n, nil)
}

// AddData emits len(diff) bytes, each the sum of the next source byte and
// the matching byte of diff.
func (w *Writer) AddData(diff []byte) error {
	return w.op(OpAddData, uint64(len(diff)), diff)
}

// Seek moves the current source file to offset off.
func (w *Writer) Seek(off uint64) error {
	return w.op(OpSeek, off, nil)
}

// Close flushes the compressed stream. It does not close the underlying
// writer.
func (w *Writer) Close() error {
	if w.err != nil {
		w.enc.Close()
		return w.err
	}
	w.err = w.enc.Close()
	if w.err == nil {
		w.err = errors.New("delta writer closed")
		return nil
	}
	return w.err
}

// Diff returns the bytes that AddData needs to turn base into target. Both
// slices must have the same length.
func Diff(base, target []byte) []byte {
	out := make([]byte, len(target))
	for i := range target {
		out[i] = target[i] - base[i]
	}
	return out
}
