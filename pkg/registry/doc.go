// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry is a content-addressed blob store for OCI images.
//
// A Registry is either a local OCI image layout (file:/path) or a remote
// registry speaking the distribution API over http(s). Both are keyed by
// sha256 digest:
//
//	local:  blobs/sha256/<hex>
//	remote: v2/<repo>/{manifests|blobs}/<digest-or-tag>
//
// Remote reads are verified against their digest before anything is
// returned or linked into a local layout. Writes go to unlinked temporary
// files that are linked under their digest only once the content has been
// checked, so a reader never sees a partial blob.
//
// Remote registries may require a bearer token. GetToken performs the
// WWW-Authenticate challenge exchange; SetToken installs the result and,
// for a local mirror, persists it for later handles.
//
// Server exposes a local layout over the read side of the distribution
// API, optionally behind a bearer token, so one machine can act as the
// mirror for others. Responses are compressed with zstd or gzip when the
// client accepts it.
package registry
