// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package oci

import (
	"encoding/json"
	"mime"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
)

// VersionedKind discriminates a Versioned document.
type VersionedKind int

const (
	KindManifest VersionedKind = iota + 1
	KindIndex
	KindImageList
)

func (k VersionedKind) String() string {
	switch k {
	case KindManifest:
		return "manifest"
	case KindIndex:
		return "index"
	case KindImageList:
		return "image list"
	default:
		return "unknown"
	}
}

// Versioned is a parsed top-level registry document. Exactly one of
// Manifest or Index is set, according to Kind. An image list is a Docker
// manifest list and is decoded into Index.
type Versioned struct {
	Kind      VersionedKind
	MediaType string
	Manifest  *ocispec.Manifest
	Index     *ocispec.Index
}

type versionedHeader struct {
	SchemaVersion int    `json:"schemaVersion"`
	MediaType     string `json:"mediaType"`
}

// ParseVersioned decodes data. The document's mediaType field wins; the
// HTTP content type is used when the field is absent.
func ParseVersioned(data []byte, contentType string) (*Versioned, error) {
	if len(data) > MaxJSONSize {
		return nil, ocierr.Errorf(ocierr.InvalidData, "parse manifest", "document too large (%d bytes)", len(data))
	}
	var hdr versionedHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, ocierr.New(ocierr.InvalidData, "parse manifest", err)
	}
	mediaType := hdr.MediaType
	if mediaType == "" && contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = mt
		} else {
			mediaType = contentType
		}
	}

	v := &Versioned{MediaType: mediaType}
	switch mediaType {
	case ocispec.MediaTypeImageManifest, MediaTypeDockerManifest:
		v.Kind = KindManifest
		v.Manifest = new(ocispec.Manifest)
		if err := json.Unmarshal(data, v.Manifest); err != nil {
			return nil, ocierr.New(ocierr.InvalidData, "parse manifest", err)
		}
	case ocispec.MediaTypeImageIndex:
		v.Kind = KindIndex
		v.Index = new(ocispec.Index)
		if err := json.Unmarshal(data, v.Index); err != nil {
			return nil, ocierr.New(ocierr.InvalidData, "parse index", err)
		}
	case MediaTypeDockerManifestList:
		v.Kind = KindImageList
		v.Index = new(ocispec.Index)
		if err := json.Unmarshal(data, v.Index); err != nil {
			return nil, ocierr.New(ocierr.InvalidData, "parse image list", err)
		}
	default:
		return nil, ocierr.Errorf(ocierr.InvalidData, "parse manifest", "unsupported media type %q", mediaType)
	}
	return v, nil
}

// AsManifest returns the manifest or an InvalidData error if v is not one.
func (v *Versioned) AsManifest() (*ocispec.Manifest, error) {
	if v == nil || v.Kind != KindManifest {
		return nil, ocierr.Errorf(ocierr.InvalidData, "", "Image is not a manifest")
	}
	if v.Manifest.Config.Digest == "" {
		return nil, ocierr.Errorf(ocierr.InvalidData, "", "Image is not a manifest")
	}
	return v.Manifest, nil
}

// AsIndex returns the index or an InvalidData error if v is not one.
func (v *Versioned) AsIndex() (*ocispec.Index, error) {
	if v == nil || v.Kind != KindIndex {
		return nil, ocierr.Errorf(ocierr.InvalidData, "", "document is not an index")
	}
	return v.Index, nil
}

// ParseImageConfig decodes an image config blob.
func ParseImageConfig(data []byte) (*ocispec.Image, error) {
	if len(data) > MaxJSONSize {
		return nil, ocierr.Errorf(ocierr.InvalidData, "parse image config", "config too large (%d bytes)", len(data))
	}
	img := new(ocispec.Image)
	if err := json.Unmarshal(data, img); err != nil {
		return nil, ocierr.New(ocierr.InvalidData, "parse image config", err)
	}
	for i, d := range img.RootFS.DiffIDs {
		if _, err := ParseDigest(d.String()); err != nil {
			return nil, ocierr.Errorf(ocierr.InvalidData, "parse image config", "diff id %d: %w", i, err)
		}
	}
	return img, nil
}
