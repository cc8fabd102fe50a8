// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ocierr

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/containerd/errdefs"
)

func TestKindMapsToErrdefs(t *testing.T) {
	tests := []struct {
		kind  Kind
		check func(error) bool
	}{
		{NotFound, errdefs.IsNotFound},
		{InvalidData, errdefs.IsDataLoss},
		{NotSupported, errdefs.IsNotImplemented},
		{NotAuthorized, errdefs.IsUnauthorized},
		{SetupFailed, errdefs.IsFailedPrecondition},
		{Failure, errdefs.IsUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := Errorf(tt.kind, "op", "boom")
			if !tt.check(err) {
				t.Fatalf("errdefs check failed for %v", err)
			}
			if !Is(err, tt.kind) {
				t.Fatalf("Is(%v, %v) = false", err, tt.kind)
			}
			wrapped := fmt.Errorf("outer: %w", err)
			if got := KindOf(wrapped); got != tt.kind {
				t.Fatalf("KindOf(wrapped) = %v, want %v", got, tt.kind)
			}
		})
	}
}

func TestFromOS(t *testing.T) {
	_, err := os.Open("/does/not/exist/at/all")
	wrapped := FromOS("open blob", err, SetupFailed)
	if !Is(wrapped, NotFound) {
		t.Fatalf("expected NotFound, got %v", KindOf(wrapped))
	}
	if !errors.Is(wrapped, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist to remain in chain")
	}
	if FromOS("noop", nil, Failure) != nil {
		t.Fatalf("FromOS(nil) should be nil")
	}
	other := FromOS("read", errors.New("io"), SetupFailed)
	if !Is(other, SetupFailed) {
		t.Fatalf("expected SetupFailed, got %v", KindOf(other))
	}
}

func TestErrorString(t *testing.T) {
	err := Errorf(InvalidData, "load blob", "checksum for %s is wrong", "sha256:abc")
	if got, want := err.Error(), "load blob: checksum for sha256:abc is wrong"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if got, want := New(NotFound, "", nil).Error(), "not found"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
