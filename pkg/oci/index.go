// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oci

import (
	"slices"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"tailscale.com/util/mak"
)

// NewIndex returns an empty image index.
func NewIndex() *ocispec.Index {
	idx := &ocispec.Index{MediaType: ocispec.MediaTypeImageIndex}
	idx.SchemaVersion = 2
	return idx
}

// RefOf returns the ref name annotation of desc.
func RefOf(desc ocispec.Descriptor) string {
	return desc.Annotations[ocispec.AnnotationRefName]
}

// AddManifest records desc under ref, replacing any entry that already
// carries that ref.
func AddManifest(idx *ocispec.Index, ref string, desc ocispec.Descriptor) {
	desc.Annotations = cloneAnnotations(desc.Annotations)
	if ref != "" {
		mak.Set(&desc.Annotations, ocispec.AnnotationRefName, ref)
		idx.Manifests = slices.DeleteFunc(idx.Manifests, func(d ocispec.Descriptor) bool {
			return RefOf(d) == ref
		})
	}
	idx.Manifests = append(idx.Manifests, desc)
}

// FindManifest returns the descriptor recorded under ref.
func FindManifest(idx *ocispec.Index, ref string) (ocispec.Descriptor, bool) {
	if idx == nil {
		return ocispec.Descriptor{}, false
	}
	for _, d := range idx.Manifests {
		if RefOf(d) == ref {
			return d, true
		}
	}
	return ocispec.Descriptor{}, false
}

// FindDeltaFor returns the delta manifest descriptor in a delta index
// whose target annotation equals target.
func FindDeltaFor(idx *ocispec.Index, target digest.Digest) (ocispec.Descriptor, bool) {
	if idx == nil {
		return ocispec.Descriptor{}, false
	}
	for _, d := range idx.Manifests {
		if d.Annotations[AnnotationDeltaTarget] == target.String() {
			return d, true
		}
	}
	return ocispec.Descriptor{}, false
}

// FindDeltaLayer returns the layer of a delta manifest that turns the
// layer with diffID from into the layer with diffID to.
func FindDeltaLayer(m *ocispec.Manifest, from, to digest.Digest) (ocispec.Descriptor, bool) {
	if m == nil || from == "" || to == "" {
		return ocispec.Descriptor{}, false
	}
	for _, l := range m.Layers {
		if l.Annotations[AnnotationDeltaFrom] == from.String() &&
			l.Annotations[AnnotationDeltaTo] == to.String() {
			return l, true
		}
	}
	return ocispec.Descriptor{}, false
}

// IsDeltaFor reports whether m is a delta manifest for target.
func IsDeltaFor(m *ocispec.Manifest, target digest.Digest) bool {
	return m != nil && m.Annotations[AnnotationDeltaTarget] == target.String()
}

func cloneAnnotations(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
