// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codecutil wraps the zstd codec used by delta files.
package codecutil

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ZstdReader returns a streaming zstd decoder over r. The decoder runs
// synchronously so that a short read surfaces as an error from Read rather
// than from a background goroutine.
func ZstdReader(r io.Reader) (*zstd.Decoder, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return dec, nil
}

// ZstdWriter returns a zstd encoder writing to w.
func ZstdWriter(w io.Writer) (*zstd.Encoder, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return enc, nil
}
