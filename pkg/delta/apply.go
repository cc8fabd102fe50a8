// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package delta

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/yeetrun/ocidelta/pkg/codecutil"
	"github.com/yeetrun/ocidelta/pkg/fileutil"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
)

var log = logrus.WithField("component", "delta")

// Options configures Apply.
type Options struct {
	// TmpDir holds the seekable copies of source files. It defaults to
	// os.TempDir.
	TmpDir string
	// Logger overrides the package logger.
	Logger *logrus.Entry
}

// Apply reads a delta from r and writes the reconstructed layer to out,
// taking source data from tree. Paths named by OPEN ops are cleaned with
// CleanPath before they reach tree.
func Apply(ctx context.Context, r io.Reader, tree fs.FS, out io.Writer, opts Options) error {
	var hdr [len(Magic)]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errInvalid()
		}
		return ocierr.New(ocierr.Failure, "read delta header", err)
	}
	if string(hdr[:]) != Magic {
		return errInvalid()
	}

	dec, err := codecutil.ZstdReader(r)
	if err != nil {
		return ocierr.New(ocierr.InvalidData, "decode delta", err)
	}
	defer dec.Close()

	a := &applier{
		in:   bufio.NewReaderSize(dec, bufferSize),
		out:  out,
		tree: tree,
		opts: opts,
		buf1: make([]byte, bufferSize),
		buf2: make([]byte, bufferSize),
	}
	if a.opts.TmpDir == "" {
		a.opts.TmpDir = os.TempDir()
	}
	if a.opts.Logger == nil {
		a.opts.Logger = log
	}
	defer a.closeSource()
	return a.run(ctx)
}

type applier struct {
	in   *bufio.Reader
	out  io.Writer
	tree fs.FS
	opts Options

	src  *os.File // current source file, nil until the first OPEN
	buf1 []byte
	buf2 []byte
}

func (a *applier) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		op, size, ok, err := readOp(a.in)
		if err != nil {
			return a.decodeErr(err)
		}
		if !ok {
			return nil
		}
		switch op {
		case OpData:
			err = a.copyData(a.in, size)
		case OpOpen:
			err = a.open(size)
		case OpCopy:
			if a.src == nil {
				return errInvalid()
			}
			err = a.copyData(a.src, size)
		case OpAddData:
			if a.src == nil {
				return errInvalid()
			}
			err = a.addData(size)
		case OpSeek:
			if a.src == nil {
				return errInvalid()
			}
			if size > math.MaxInt64 {
				return errInvalid()
			}
			if _, err = a.src.Seek(int64(size), io.SeekStart); err != nil {
				err = ocierr.New(ocierr.Failure, "seek delta source", err)
			}
		default:
			return errInvalid()
		}
		if err != nil {
			return a.decodeErr(err)
		}
	}
}

// decodeErr classifies errors coming out of the zstd stream as invalid
// data. Errors already classified pass through.
func (a *applier) decodeErr(err error) error {
	var oe *ocierr.Error
	if errors.As(err, &oe) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ocierr.New(ocierr.InvalidData, "decode delta", err)
}

func (a *applier) copyData(in io.Reader, size uint64) error {
	for size > 0 {
		n, err := in.Read(a.buf1[:min(size, bufferSize)])
		if n == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				return errInvalid()
			}
			return err
		}
		if _, werr := a.out.Write(a.buf1[:n]); werr != nil {
			return ocierr.New(ocierr.Failure, "write delta output", werr)
		}
		size -= uint64(n)
	}
	return nil
}

func (a *applier) addData(size uint64) error {
	for size > 0 {
		n, err := a.src.Read(a.buf1[:min(size, bufferSize)])
		if n == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				return errInvalid()
			}
			return ocierr.New(ocierr.Failure, "read delta source", err)
		}
		if _, err := io.ReadFull(a.in, a.buf2[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return errInvalid()
			}
			return err
		}
		for i := range n {
			a.buf1[i] += a.buf2[i]
		}
		if _, err := a.out.Write(a.buf1[:n]); err != nil {
			return ocierr.New(ocierr.Failure, "write delta output", err)
		}
		size -= uint64(n)
	}
	return nil
}

func (a *applier) open(size uint64) error {
	if size > maxPathSize {
		return errInvalid()
	}
	name := make([]byte, size)
	if _, err := io.ReadFull(a.in, name); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return errInvalid()
		}
		return err
	}
	clean := CleanPath(string(name))
	a.opts.Logger.Debugf("delta source %q", clean)
	a.closeSource()

	fsName := clean
	if fsName == "" {
		fsName = "."
	}
	f, err := a.tree.Open(fsName)
	if err != nil {
		return ocierr.FromOS("open delta source", err, ocierr.Failure)
	}
	defer f.Close()

	// Source trees are not guaranteed to be seekable, so work on a copy.
	tmp, err := fileutil.OpenUnlinkedTemp(a.opts.TmpDir, "oci-delta-source-*")
	if err != nil {
		return ocierr.New(ocierr.SetupFailed, "create delta source copy", err)
	}
	if _, err := io.CopyBuffer(tmp, f, a.buf1); err != nil {
		tmp.Close()
		return ocierr.New(ocierr.Failure, fmt.Sprintf("copy delta source %s", clean), err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return ocierr.New(ocierr.Failure, "seek delta source", err)
	}
	a.src = tmp
	return nil
}

func (a *applier) closeSource() {
	if a.src != nil {
		a.src.Close()
		a.src = nil
	}
}
