// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pull turns OCI images into tree commits, and mirrors images
// between registries.
//
// Layers are processed strictly in order. When the tree repository already
// holds a complete commit for the ref being pulled, each layer is first
// looked up in the image's delta manifest and reconstructed from the old
// tree if a delta from the old top layer exists. Every layer is verified
// against its digest before the commit is written, and any failure aborts
// the transaction so no partial commit becomes visible.
package pull

import (
	"context"
	"errors"
	"maps"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"github.com/yeetrun/ocidelta/pkg/oci"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
	"github.com/yeetrun/ocidelta/pkg/registry"
	"github.com/yeetrun/ocidelta/pkg/tree"
	"tailscale.com/util/mak"
)

var log = logrus.WithField("component", "pull")

// Commit metadata written by Pull.
const (
	// MetadataDiffID is the hex diffID of the image's top layer. A later
	// pull of the same ref uses it to find deltas.
	MetadataDiffID = "xa.diff-id"
	// MetadataAltID is the hex digest of the image manifest.
	MetadataAltID = "xa.alt-id"
)

// Config configures a Puller.
type Config struct {
	// Repo receives pulled trees and provides delta baselines.
	Repo *tree.Repo
	// Logger defaults to the package logger.
	Logger *logrus.Entry
}

// Puller pulls images into a tree repository.
type Puller struct {
	repo *tree.Repo
	log  *logrus.Entry
}

// New returns a Puller for cfg.
func New(cfg Config) *Puller {
	p := &Puller{repo: cfg.Repo, log: cfg.Logger}
	if p.log == nil {
		p.log = log
	}
	return p
}

// PullOptions describes a pull.
type PullOptions struct {
	Registry   *registry.Registry
	Repository string
	// Digest is the image manifest to pull.
	Digest digest.Digest
	// DeltaURL optionally names a delta manifest for Digest.
	DeltaURL string
	// Remote and Ref name the ref that is updated. Ref must match the
	// image's ref label.
	Remote string
	Ref    string
	// NoDeltas forces full layer downloads.
	NoDeltas bool
	Progress ProgressFunc
}

// Pull fetches the image opts.Digest, imports its layers into a new commit
// and points the ref at it. It returns the commit ID.
func (p *Puller) Pull(ctx context.Context, opts PullOptions) (string, error) {
	if p.repo == nil {
		return "", ocierr.Errorf(ocierr.SetupFailed, "pull", "no tree repository")
	}
	reg := opts.Registry
	if reg == nil {
		return "", ocierr.Errorf(ocierr.SetupFailed, "pull", "no registry")
	}
	l := p.log.WithFields(logrus.Fields{"ref": opts.Ref, "digest": opts.Digest})

	v, _, err := reg.LoadVersioned(ctx, opts.Repository, opts.Digest.String(), nil)
	if err != nil {
		return "", err
	}
	m, err := v.AsManifest()
	if err != nil {
		return "", err
	}
	img, err := reg.LoadImageConfig(ctx, opts.Repository, m.Config.Digest, m.Config.URLs)
	if err != nil {
		return "", err
	}

	labels := oci.ParseCommitLabels(oci.ImageLabels(img))
	if labels.Ref == "" {
		return "", ocierr.Errorf(ocierr.InvalidData, "", "No ref specified for OCI image %s", opts.Digest)
	}
	if labels.Ref != opts.Ref {
		return "", ocierr.Errorf(ocierr.InvalidData, "", "Wrong ref (%s) specified for OCI image %s, expected %s", labels.Ref, opts.Digest, opts.Ref)
	}
	metadata := maps.Clone(labels.Metadata)
	mak.Set(&metadata, MetadataAltID, opts.Digest.Encoded())

	if err := oci.CheckLayers(m, img); err != nil {
		return "", err
	}
	diffIDs := img.RootFS.DiffIDs
	mak.Set(&metadata, MetadataDiffID, oci.DiffIDHex(diffIDs[len(diffIDs)-1]))

	var base *baseline
	if !opts.NoDeltas && !reg.IsLocal() {
		base = p.openBaseline(opts.Remote, opts.Ref)
		defer base.Close()
	}
	plan := planLayers(ctx, reg, opts.Repository, opts.Digest, opts.DeltaURL, m, diffIDs, base)

	txn, err := p.repo.PrepareTransaction()
	if err != nil {
		return "", err
	}
	defer txn.Abort()

	prog := newTracker(opts.Progress, plan.total(), len(m.Layers))
	for _, step := range plan {
		f, want, err := p.fetchLayer(ctx, reg, opts.Repository, step, base, prog.download)
		if err != nil {
			return "", err
		}
		got, err := txn.ImportLayer(ctx, f)
		f.Close()
		if err != nil {
			return "", err
		}
		if got != want {
			return "", ocierr.Errorf(ocierr.InvalidData, "", "Wrong layer checksum, expected %s, was %s", want, got)
		}
		prog.layerDone(step.size())
	}

	ts := labels.Timestamp
	if ts.IsZero() {
		ts = time.Unix(0, 0).UTC()
	}
	id, err := txn.WriteCommit(tree.CommitOpts{
		Subject:   labels.Subject,
		Body:      labels.Body,
		Timestamp: ts,
		Metadata:  metadata,
	})
	if err != nil {
		return "", err
	}
	txn.SetRef(opts.Remote, opts.Ref, id)
	if err := txn.Commit(); err != nil {
		return "", err
	}
	l.Infof("pulled commit %s", id)
	return id, nil
}

// fetchLayer returns an open file holding the layer and the digest its bytes
// must have. A delta is reconstructed against the baseline tree. A full
// layer missing from a local mirror is retried under its diffID, which is
// how mirrors store layers they rebuilt from deltas.
func (p *Puller) fetchLayer(ctx context.Context, reg *registry.Registry, repo string, step layerStep, base *baseline, progress registry.ProgressFunc) (*os.File, digest.Digest, error) {
	layer, diffID := step.layer, step.diffID
	if dl := step.delta; dl != nil {
		p.log.Infof("Using delta %s for layer %s", dl.Digest, layer.Digest)
		df, err := reg.DownloadBlob(ctx, repo, false, dl.Digest, dl.URLs, progress)
		if err != nil {
			return nil, "", err
		}
		defer df.Close()
		f, err := reg.ApplyDelta(ctx, df, base.root)
		if err != nil {
			return nil, "", err
		}
		return f, diffID, nil
	}

	f, err := reg.DownloadBlob(ctx, repo, false, layer.Digest, layer.URLs, progress)
	if err == nil {
		return f, layer.Digest, nil
	}
	if reg.IsLocal() && ocierr.Is(err, ocierr.NotFound) {
		if f, err2 := reg.DownloadBlob(ctx, repo, false, diffID, nil, progress); err2 == nil {
			p.log.Debugf("layer %s found under diff id %s", layer.Digest, diffID)
			return f, diffID, nil
		}
	}
	return nil, "", err
}

// baseline is the previously pulled tree of a ref.
type baseline struct {
	commit string
	diffID digest.Digest // top layer of the image it was pulled from
	root   *tree.Root
}

func (b *baseline) Close() error {
	if b == nil {
		return nil
	}
	return b.root.Close()
}

// openBaseline returns the complete commit remote:ref points at, or nil if
// there is none usable. Errors only mean no deltas.
func (p *Puller) openBaseline(remote, ref string) *baseline {
	if p.repo == nil {
		return nil
	}
	b, err := p.loadBaseline(remote, ref)
	if err != nil {
		if !errors.Is(err, errNoBaseline) {
			p.log.WithError(err).Debugf("no delta baseline for %s", ref)
		}
		return nil
	}
	p.log.Debugf("using commit %s as delta baseline for %s", b.commit, ref)
	return b
}

var errNoBaseline = errors.New("no baseline")

func (p *Puller) loadBaseline(remote, ref string) (*baseline, error) {
	id, ok, err := p.repo.ResolveRef(remote, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errNoBaseline
	}
	c, err := p.repo.LoadCommit(id)
	if err != nil {
		return nil, err
	}
	state, err := p.repo.CommitState(id)
	if err != nil {
		return nil, err
	}
	if state != tree.StateNormal {
		return nil, errNoBaseline
	}
	diffID, err := oci.DigestFromHex(c.Metadata[MetadataDiffID])
	if err != nil {
		return nil, err
	}
	root, err := p.repo.ReadCommit(id)
	if err != nil {
		return nil, err
	}
	return &baseline{commit: id, diffID: diffID, root: root}, nil
}

// layerStep is how one layer is fetched: from delta when set, otherwise
// in full.
type layerStep struct {
	layer  ocispec.Descriptor
	diffID digest.Digest
	delta  *ocispec.Descriptor
}

func (s layerStep) size() int64 {
	if s.delta != nil {
		return s.delta.Size
	}
	return s.layer.Size
}

type layerPlan []layerStep

func planLayers(ctx context.Context, reg *registry.Registry, repo string, target digest.Digest, deltaURL string, m *ocispec.Manifest, diffIDs []digest.Digest, base *baseline) layerPlan {
	plan := make(layerPlan, len(m.Layers))
	for i, layer := range m.Layers {
		plan[i] = layerStep{layer: layer, diffID: diffIDs[i]}
	}
	if base == nil {
		return plan
	}
	dm := reg.FindDeltaManifest(ctx, repo, target, deltaURL)
	if dm == nil {
		return plan
	}
	for i := range plan {
		if d, ok := oci.FindDeltaLayer(dm, base.diffID, plan[i].diffID); ok {
			plan[i].delta = &d
		}
	}
	return plan
}

func (lp layerPlan) total() int64 {
	var n int64
	for _, s := range lp {
		n += s.size()
	}
	return n
}
