// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package delta reads and writes tardf1 layer deltas.
//
// A delta starts with the 8 byte Magic, followed by a zstd stream of
// operations. Each operation is a one byte Op and a varuint size, followed
// by an op specific payload:
//
//	DATA     size bytes copied from the delta to the output
//	OPEN     size bytes of path naming the current source file
//	COPY     size bytes copied from the current source file
//	ADD_DATA size bytes of source plus size bytes of delta, summed mod 256
//	SEEK     seek the current source file to offset size
//
// Sizes are little endian base 128, the protobuf varint encoding. The
// stream ends when it runs out exactly at an operation boundary.
package delta

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/yeetrun/ocidelta/pkg/ocierr"
)

// Magic is the uncompressed header of every delta.
const Magic = "tardf1\n\x00"

// Op is a delta operation code.
type Op byte

const (
	OpData Op = iota
	OpOpen
	OpCopy
	OpAddData
	OpSeek
)

func (o Op) String() string {
	switch o {
	case OpData:
		return "DATA"
	case OpOpen:
		return "OPEN"
	case OpCopy:
		return "COPY"
	case OpAddData:
		return "ADD_DATA"
	case OpSeek:
		return "SEEK"
	default:
		return "UNKNOWN"
	}
}

const bufferSize = 64 * 1024

// maxPathSize bounds the payload of an OPEN op.
const maxPathSize = bufferSize

func errInvalid() error {
	return ocierr.Errorf(ocierr.InvalidData, "", "Invalid delta file format")
}

// AppendUvarint appends the varuint encoding of v to b.
func AppendUvarint(b []byte, v uint64) []byte {
	return binary.AppendUvarint(b, v)
}

// ReadUvarint reads a varuint. Running out of input anywhere, including
// before the first byte, is an invalid delta.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	var v uint64
	for shift := uint(0); ; shift += 7 {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, errInvalid()
			}
			return 0, err
		}
		if shift == 63 && b > 1 {
			return 0, errInvalid()
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
	}
}

// CleanPath resolves name as if it were absolute and returns it relative to
// the root again, so that ".." can never climb above the source tree.
func CleanPath(name string) string {
	return strings.TrimLeft(path.Clean("/"+name), "/")
}

// readOp reads the next opcode and size. ok is false at a clean end of
// stream.
func readOp(r *bufio.Reader) (op Op, size uint64, ok bool, err error) {
	b, err := r.ReadByte()
	if errors.Is(err, io.EOF) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	size, err = ReadUvarint(r)
	if err != nil {
		return 0, 0, false, err
	}
	return Op(b), size, true, nil
}
