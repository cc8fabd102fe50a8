// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package oci holds the image data model shared by the registry, delta and
// pull packages: digests, descriptors, manifests, indexes and image configs,
// plus the annotations used to discover layer deltas.
package oci

import (
	_ "crypto/sha256"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
)

// MaxJSONSize is the largest manifest, index or config accepted.
const MaxJSONSize = 1024 * 1024

// Media types not covered by image-spec.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerImageConfig  = "application/vnd.docker.container.image.v1+json"
)

// Annotations used for delta discovery.
const (
	// AnnotationDeltaTarget binds a delta manifest to the image manifest
	// digest it updates to.
	AnnotationDeltaTarget = "io.github.containers.delta.target"
	// AnnotationDeltaFrom is the diffID a delta layer applies against.
	AnnotationDeltaFrom = "io.github.containers.delta.from"
	// AnnotationDeltaTo is the diffID a delta layer reconstructs.
	AnnotationDeltaTo = "io.github.containers.delta.to"
)

// DeltaIndexTag is the tag under which a repository publishes its delta index.
const DeltaIndexTag = "_deltaindex"

// ParseDigest parses s as a sha256 digest with lowercase hex.
func ParseDigest(s string) (digest.Digest, error) {
	if !strings.HasPrefix(s, digest.SHA256.String()+":") {
		return "", ocierr.Errorf(ocierr.NotSupported, "parse digest", "unsupported digest type %s", s)
	}
	d := digest.Digest(s)
	if err := d.Validate(); err != nil {
		return "", ocierr.New(ocierr.InvalidData, "parse digest", err)
	}
	return d, nil
}

// IsDigest reports whether ref looks like a digest rather than a tag.
func IsDigest(ref string) bool {
	return strings.HasPrefix(ref, digest.SHA256.String()+":")
}

// NewDescriptor returns a descriptor for a blob.
func NewDescriptor(mediaType string, dgst digest.Digest, size int64) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    dgst,
		Size:      size,
	}
}

// CheckLayers verifies that the manifest and image config agree on a
// non-zero layer count.
func CheckLayers(m *ocispec.Manifest, img *ocispec.Image) error {
	n := len(m.Layers)
	if n == 0 || n != len(img.RootFS.DiffIDs) {
		return ocierr.Errorf(ocierr.InvalidData, "", "Invalid OCI image config: %d layers, %d diff ids", n, len(img.RootFS.DiffIDs))
	}
	return nil
}

// DiffIDHex returns the hex part of a sha256 diffID, or "" if d is not one.
func DiffIDHex(d digest.Digest) string {
	if d.Algorithm() != digest.SHA256 {
		return ""
	}
	return d.Encoded()
}

// DigestFromHex rebuilds a sha256 digest from its hex form.
func DigestFromHex(hex string) (digest.Digest, error) {
	if hex == "" {
		return "", fmt.Errorf("empty digest")
	}
	return ParseDigest(digest.SHA256.String() + ":" + hex)
}
