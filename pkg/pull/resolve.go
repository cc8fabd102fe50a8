// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pull

import (
	"context"
	"runtime"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ocidelta/pkg/oci"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
	"github.com/yeetrun/ocidelta/pkg/registry"
)

// ResolveDigest returns the digest of the image manifest ref names in repo.
// ref is a digest or a tag. Tags of a local layout are looked up in its
// index.json. An index or image list resolves to its entry for
// linux/GOARCH.
func ResolveDigest(ctx context.Context, reg *registry.Registry, repo, ref string) (digest.Digest, error) {
	if oci.IsDigest(ref) {
		return oci.ParseDigest(ref)
	}
	if reg.IsLocal() {
		idx, err := reg.LoadIndex()
		if err != nil {
			return "", err
		}
		desc, ok := oci.FindManifest(idx, ref)
		if !ok {
			return "", ocierr.Errorf(ocierr.NotFound, "", "Ref %s not found in %s", ref, reg.URI())
		}
		if desc.MediaType != ocispec.MediaTypeImageIndex {
			return desc.Digest, nil
		}
		ref = desc.Digest.String()
	}

	b, contentType, err := reg.LoadBlob(ctx, repo, true, ref, nil)
	if err != nil {
		return "", err
	}
	v, err := oci.ParseVersioned(b, contentType)
	if err != nil {
		return "", err
	}
	if v.Kind == oci.KindManifest {
		return digest.SHA256.FromBytes(b), nil
	}
	desc, ok := platformManifest(v.Index, "linux", runtime.GOARCH)
	if !ok {
		return "", ocierr.Errorf(ocierr.NotFound, "", "No image for linux/%s in %s", runtime.GOARCH, ref)
	}
	log.Debugf("%s resolved to %s for linux/%s", ref, desc.Digest, runtime.GOARCH)
	return desc.Digest, nil
}

func platformManifest(idx *ocispec.Index, os, arch string) (ocispec.Descriptor, bool) {
	for _, d := range idx.Manifests {
		if d.Platform != nil && d.Platform.OS == os && d.Platform.Architecture == arch {
			return d, true
		}
	}
	return ocispec.Descriptor{}, false
}
