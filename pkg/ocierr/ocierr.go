// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ocierr defines the error kinds returned by the registry, delta and
// pull packages.
//
// Every kind unwraps to a github.com/containerd/errdefs sentinel, so callers
// may test with either Is(err, NotFound) or errdefs.IsNotFound(err).
package ocierr

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/containerd/errdefs"
)

// Kind classifies a failure.
type Kind int

const (
	// Failure is an unclassified transport or I/O failure.
	Failure Kind = iota
	// NotFound means a blob, ref or file does not exist.
	NotFound
	// InvalidData covers checksum mismatches, malformed JSON or deltas and
	// structurally invalid manifests.
	InvalidData
	// NotSupported covers unsupported digest schemes, writes to remote
	// registries and tags on local stores.
	NotSupported
	// NotAuthorized is a 401 that a token could not resolve.
	NotAuthorized
	// SetupFailed means the local layout or filesystem could not be prepared.
	SetupFailed
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case InvalidData:
		return "invalid data"
	case NotSupported:
		return "not supported"
	case NotAuthorized:
		return "not authorized"
	case SetupFailed:
		return "setup failed"
	default:
		return "failure"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case NotFound:
		return errdefs.ErrNotFound
	case InvalidData:
		return errdefs.ErrDataLoss
	case NotSupported:
		return errdefs.ErrNotImplemented
	case NotAuthorized:
		return errdefs.ErrUnauthenticated
	case SetupFailed:
		return errdefs.ErrFailedPrecondition
	default:
		return errdefs.ErrUnknown
	}
}

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String()
	default:
		return e.Kind.String()
	}
}

// Unwrap exposes both the wrapped cause and the errdefs sentinel for Kind.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Err, e.Kind.sentinel()}
}

// New returns an *Error of kind wrapping err.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns an *Error of kind with a formatted message. The %w verb is
// honored.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of the first *Error in err's chain. Errors that
// carry fs.ErrNotExist are NotFound; anything else is Failure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, fs.ErrNotExist) || errdefs.IsNotFound(err) {
		return NotFound
	}
	return Failure
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// FromOS wraps an error from the os package, mapping fs.ErrNotExist to
// NotFound and everything else to fallback.
func FromOS(op string, err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return New(NotFound, op, err)
	}
	return New(fallback, op, err)
}
