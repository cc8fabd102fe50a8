// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pull

import (
	"context"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/yeetrun/ocidelta/pkg/oci"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
	"github.com/yeetrun/ocidelta/pkg/registry"
)

// MirrorOptions describes a mirror.
type MirrorOptions struct {
	// Dst is a writable local layout.
	Dst *registry.Registry
	Src *registry.Registry

	Repository string
	Digest     digest.Digest
	DeltaURL   string
	// Remote and Ref locate the delta baseline in the tree repository.
	// Ref also names the manifest in Dst's index.
	Remote   string
	Ref      string
	NoDeltas bool
	Progress ProgressFunc
}

// Mirror copies image opts.Digest from opts.Src into opts.Dst and records
// it under opts.Ref. Layers that can be rebuilt from a delta are stored
// uncompressed under their diffID instead of their layer digest.
func (p *Puller) Mirror(ctx context.Context, opts MirrorOptions) error {
	dst, src := opts.Dst, opts.Src
	if dst == nil || src == nil {
		return ocierr.Errorf(ocierr.SetupFailed, "mirror", "missing registry")
	}
	repo := opts.Repository

	if err := dst.MirrorBlob(ctx, src, repo, true, opts.Digest, nil, nil); err != nil {
		return err
	}
	v, size, err := dst.LoadVersioned(ctx, repo, opts.Digest.String(), nil)
	if err != nil {
		return err
	}
	m, err := v.AsManifest()
	if err != nil {
		return err
	}
	if err := dst.MirrorBlob(ctx, src, repo, false, m.Config.Digest, m.Config.URLs, nil); err != nil {
		return err
	}
	img, err := dst.LoadImageConfig(ctx, repo, m.Config.Digest, nil)
	if err != nil {
		return err
	}
	if err := oci.CheckLayers(m, img); err != nil {
		return err
	}

	var base *baseline
	if !opts.NoDeltas {
		base = p.openBaseline(opts.Remote, opts.Ref)
		defer base.Close()
	}
	plan := planLayers(ctx, src, repo, opts.Digest, opts.DeltaURL, m, img.RootFS.DiffIDs, base)

	prog := newTracker(opts.Progress, plan.total(), len(m.Layers))
	for _, step := range plan {
		if step.delta != nil {
			if err := p.mirrorDelta(ctx, dst, src, repo, step, base, prog.download); err != nil {
				return err
			}
		} else if err := dst.MirrorBlob(ctx, src, repo, false, step.layer.Digest, step.layer.URLs, prog.download); err != nil {
			return err
		}
		prog.layerDone(step.size())
	}

	idx, err := dst.LoadIndex()
	if err != nil {
		p.log.WithError(err).Debug("starting a new index")
		idx = oci.NewIndex()
	}
	mediaType := v.MediaType
	if mediaType == "" {
		mediaType = ocispec.MediaTypeImageManifest
	}
	oci.AddManifest(idx, opts.Ref, oci.NewDescriptor(mediaType, opts.Digest, size))
	if err := dst.SaveIndex(idx); err != nil {
		return err
	}
	p.log.Infof("mirrored %s as %s", opts.Digest, opts.Ref)
	return nil
}

func (p *Puller) mirrorDelta(ctx context.Context, dst, src *registry.Registry, repo string, step layerStep, base *baseline, progress registry.ProgressFunc) error {
	p.log.Infof("Using delta %s for layer %s", step.delta.Digest, step.layer.Digest)
	df, err := src.DownloadBlob(ctx, repo, false, step.delta.Digest, step.delta.URLs, progress)
	if err != nil {
		return err
	}
	defer df.Close()
	got, err := dst.ApplyDeltaToBlob(ctx, df, base.root)
	if err != nil {
		return err
	}
	if got != step.diffID {
		return ocierr.Errorf(ocierr.InvalidData, "", "Wrong layer checksum, expected %s, was %s", step.diffID, got)
	}
	return nil
}
