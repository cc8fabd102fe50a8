// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oci

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
)

func TestParseDigest(t *testing.T) {
	good := digest.FromString("hello")
	if _, err := ParseDigest(good.String()); err != nil {
		t.Fatalf("ParseDigest(%s): %v", good, err)
	}
	tests := []struct {
		in   string
		kind ocierr.Kind
	}{
		{"latest", ocierr.NotSupported},
		{"sha512:" + strings.Repeat("a", 128), ocierr.NotSupported},
		{"sha256:" + strings.Repeat("A", 64), ocierr.InvalidData},
		{"sha256:abc", ocierr.InvalidData},
	}
	for _, tt := range tests {
		_, err := ParseDigest(tt.in)
		if !ocierr.Is(err, tt.kind) {
			t.Errorf("ParseDigest(%q) = %v, want kind %v", tt.in, err, tt.kind)
		}
	}
}

func TestParseVersioned(t *testing.T) {
	manifest := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json","config":{"mediaType":"application/vnd.oci.image.config.v1+json","digest":"` + digest.FromString("c").String() + `","size":1},"layers":[]}`)
	v, err := ParseVersioned(manifest, "")
	if err != nil {
		t.Fatalf("ParseVersioned: %v", err)
	}
	if v.Kind != KindManifest {
		t.Fatalf("kind = %v, want manifest", v.Kind)
	}
	if _, err := v.AsManifest(); err != nil {
		t.Fatalf("AsManifest: %v", err)
	}

	// Media type from content type when the field is absent.
	index := []byte(`{"schemaVersion":2,"manifests":[]}`)
	v, err = ParseVersioned(index, "application/vnd.oci.image.index.v1+json; charset=utf-8")
	if err != nil {
		t.Fatalf("ParseVersioned(index): %v", err)
	}
	if v.Kind != KindIndex {
		t.Fatalf("kind = %v, want index", v.Kind)
	}
	if _, err := v.AsManifest(); !ocierr.Is(err, ocierr.InvalidData) {
		t.Fatalf("AsManifest on index = %v, want InvalidData", err)
	}

	list := []byte(`{"schemaVersion":2,"mediaType":"application/vnd.docker.distribution.manifest.list.v2+json","manifests":[]}`)
	v, err = ParseVersioned(list, "")
	if err != nil {
		t.Fatalf("ParseVersioned(list): %v", err)
	}
	if v.Kind != KindImageList {
		t.Fatalf("kind = %v, want image list", v.Kind)
	}

	if _, err := ParseVersioned([]byte(`{"mediaType":"text/plain"}`), ""); !ocierr.Is(err, ocierr.InvalidData) {
		t.Fatalf("unknown media type = %v, want InvalidData", err)
	}
	big := make([]byte, MaxJSONSize+1)
	if _, err := ParseVersioned(big, ""); !ocierr.Is(err, ocierr.InvalidData) {
		t.Fatalf("oversized document = %v, want InvalidData", err)
	}
}

func TestIndexAddManifestReplacesRef(t *testing.T) {
	idx := NewIndex()
	d1 := NewDescriptor(ocispec.MediaTypeImageManifest, digest.FromString("one"), 3)
	d2 := NewDescriptor(ocispec.MediaTypeImageManifest, digest.FromString("two"), 3)
	AddManifest(idx, "app/x86_64/stable", d1)
	AddManifest(idx, "runtime/x86_64/stable", d1)
	AddManifest(idx, "app/x86_64/stable", d2)

	if len(idx.Manifests) != 2 {
		t.Fatalf("len(Manifests) = %d, want 2", len(idx.Manifests))
	}
	got, ok := FindManifest(idx, "app/x86_64/stable")
	if !ok {
		t.Fatalf("FindManifest: not found")
	}
	if got.Digest != d2.Digest {
		t.Fatalf("digest = %s, want %s", got.Digest, d2.Digest)
	}
	if d1.Annotations != nil {
		t.Fatalf("AddManifest mutated the caller's descriptor")
	}

	b, err := json.Marshal(idx)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(b), `"org.opencontainers.image.ref.name":"app/x86_64/stable"`) {
		t.Fatalf("ref annotation missing from %s", b)
	}
}

func TestFindDelta(t *testing.T) {
	target := digest.FromString("target")
	from := digest.FromString("from")
	to := digest.FromString("to")
	idx := NewIndex()
	AddManifest(idx, "", ocispec.Descriptor{
		MediaType:   ocispec.MediaTypeImageManifest,
		Digest:      digest.FromString("delta manifest"),
		Annotations: map[string]string{AnnotationDeltaTarget: target.String()},
	})
	if _, ok := FindDeltaFor(idx, digest.FromString("other")); ok {
		t.Fatalf("FindDeltaFor matched the wrong target")
	}
	if d, ok := FindDeltaFor(idx, target); !ok || d.Digest != digest.FromString("delta manifest") {
		t.Fatalf("FindDeltaFor = %v, %v", d, ok)
	}

	m := &ocispec.Manifest{
		Annotations: map[string]string{AnnotationDeltaTarget: target.String()},
		Layers: []ocispec.Descriptor{
			{Digest: digest.FromString("d1"), Annotations: map[string]string{AnnotationDeltaFrom: from.String(), AnnotationDeltaTo: digest.FromString("x").String()}},
			{Digest: digest.FromString("d2"), Annotations: map[string]string{AnnotationDeltaFrom: from.String(), AnnotationDeltaTo: to.String()}},
		},
	}
	if !IsDeltaFor(m, target) {
		t.Fatalf("IsDeltaFor = false")
	}
	l, ok := FindDeltaLayer(m, from, to)
	if !ok || l.Digest != digest.FromString("d2") {
		t.Fatalf("FindDeltaLayer = %v, %v", l, ok)
	}
	if _, ok := FindDeltaLayer(m, "", to); ok {
		t.Fatalf("FindDeltaLayer matched without a from diff id")
	}
}

func TestCheckLayers(t *testing.T) {
	m := &ocispec.Manifest{Layers: []ocispec.Descriptor{{}, {}}}
	img := &ocispec.Image{RootFS: ocispec.RootFS{DiffIDs: []digest.Digest{digest.FromString("a")}}}
	if err := CheckLayers(m, img); !ocierr.Is(err, ocierr.InvalidData) {
		t.Fatalf("CheckLayers mismatch = %v, want InvalidData", err)
	}
	if err := CheckLayers(&ocispec.Manifest{}, &ocispec.Image{}); !ocierr.Is(err, ocierr.InvalidData) {
		t.Fatalf("CheckLayers empty = %v, want InvalidData", err)
	}
	img.RootFS.DiffIDs = append(img.RootFS.DiffIDs, digest.FromString("b"))
	if err := CheckLayers(m, img); err != nil {
		t.Fatalf("CheckLayers: %v", err)
	}
}

func TestParseCommitLabels(t *testing.T) {
	got := ParseCommitLabels(map[string]string{
		LabelRef:                          "app/org.example.App/x86_64/stable",
		LabelSubject:                      "Update",
		LabelBody:                         "Long body",
		LabelTimestamp:                    "1700000000",
		LabelMetadataPrefix + "xa.token":  "1",
		LabelMetadataPrefix:               "ignored",
		"org.opencontainers.image.source": "ignored",
	})
	want := CommitLabels{
		Ref:       "app/org.example.App/x86_64/stable",
		Subject:   "Update",
		Body:      "Long body",
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Metadata:  map[string]string{"xa.token": "1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ParseCommitLabels mismatch (-want +got):\n%s", diff)
	}
}
