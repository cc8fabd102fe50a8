// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPError is a non-2xx response from a registry.
type HTTPError struct {
	URL        string
	StatusCode int
	// Detail is the message found in the response body, if any.
	Detail string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server returned status %d for %s: %s", e.StatusCode, e.URL, e.Detail)
	}
	return fmt.Sprintf("server returned status %d for %s", e.StatusCode, e.URL)
}

// errorDetail finds a human readable message in an error body. The
// details, message and error string fields are tried in that order, then
// the same fields on each element of an errors array.
func errorDetail(body []byte) (string, bool) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return "", false
	}
	if s, ok := errorString(v); ok {
		return s, true
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	errs, ok := obj["errors"].([]any)
	if !ok {
		return "", false
	}
	for _, e := range errs {
		if s, ok := errorString(e); ok {
			return s, true
		}
	}
	return "", false
}

func errorString(v any) (string, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	for _, key := range []string{"details", "message", "error"} {
		if s, ok := obj[key].(string); ok {
			return s, true
		}
	}
	return "", false
}

// Error codes defined by the OCI distribution spec. The server only
// produces the read-side ones.
const (
	ErrCodeBlobUnknown     = "BLOB_UNKNOWN"
	ErrCodeDigestInvalid   = "DIGEST_INVALID"
	ErrCodeManifestInvalid = "MANIFEST_INVALID"
	ErrCodeManifestUnknown = "MANIFEST_UNKNOWN"
	ErrCodeNameInvalid     = "NAME_INVALID"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeUnsupported     = "UNSUPPORTED"
)

// ErrorDescriptor represents an OCI registry error.
type ErrorDescriptor struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// ErrorResponse represents the OCI-compliant error response format.
type ErrorResponse struct {
	Errors []ErrorDescriptor `json:"errors"`
}

// WriteError writes an OCI-compliant error response.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, detail any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{
		Errors: []ErrorDescriptor{
			{
				Code:    code,
				Message: message,
				Detail:  detail,
			},
		},
	}

	json.NewEncoder(w).Encode(resp)
}

// Error implements the error interface.
func (e ErrorDescriptor) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
