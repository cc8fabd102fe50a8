// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package codecutil

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestZstdRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat("delta payload ", 4096))
	var compressed bytes.Buffer
	enc, err := ZstdWriter(&compressed)
	if err != nil {
		t.Fatalf("ZstdWriter: %v", err)
	}
	if _, err := enc.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if compressed.Len() >= len(data) {
		t.Fatalf("compressed size %d not smaller than %d", compressed.Len(), len(data))
	}
	dec, err := ZstdReader(&compressed)
	if err != nil {
		t.Fatalf("ZstdReader: %v", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("round trip mismatch")
	}
}

func TestZstdReaderGarbage(t *testing.T) {
	dec, err := ZstdReader(strings.NewReader("not zstd at all"))
	if err != nil {
		t.Fatalf("ZstdReader: %v", err)
	}
	defer dec.Close()
	if _, err := io.ReadAll(dec); err == nil {
		t.Fatal("decoding garbage succeeded")
	}
}
