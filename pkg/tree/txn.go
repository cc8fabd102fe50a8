// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/yeetrun/ocidelta/pkg/copyutil"
	"github.com/yeetrun/ocidelta/pkg/db"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
	"github.com/yeetrun/ocidelta/pkg/targz"
	"tailscale.com/util/mak"
)

// Txn accumulates layers into a staging tree and turns it into commits.
// Nothing it writes becomes reachable through refs until Commit.
type Txn struct {
	repo    *Repo
	staging string // tmp/txn-*
	root    *os.Root
	written []string // commit dirs created by this transaction
	adopted []string // partial commits left by an earlier run, same content
	refs    map[string]string
	done    bool
}

// CommitOpts describes a commit to write.
type CommitOpts struct {
	Parent    string
	Subject   string
	Body      string
	Timestamp time.Time
	Metadata  map[string]string
}

// PrepareTransaction starts a transaction with an empty staging tree.
func (r *Repo) PrepareTransaction() (*Txn, error) {
	staging, err := os.MkdirTemp(filepath.Join(r.root, tmpDir), "txn-")
	if err != nil {
		return nil, ocierr.New(ocierr.SetupFailed, "prepare transaction", err)
	}
	t := &Txn{repo: r, staging: staging}
	if err := t.resetTree(); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}
	return t, nil
}

func (t *Txn) resetTree() error {
	dir := filepath.Join(t.staging, treeDir)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return ocierr.New(ocierr.SetupFailed, "prepare transaction", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return ocierr.New(ocierr.SetupFailed, "prepare transaction", err)
	}
	t.root = root
	return nil
}

// ImportLayer extracts a layer blob, gzip or zstd compressed or plain tar,
// onto the staging tree. It consumes r to the end and returns the sha256
// of every byte read, for the caller to verify.
func (t *Txn) ImportLayer(ctx context.Context, r io.Reader) (digest.Digest, error) {
	if t.done {
		return "", errors.New("transaction finished")
	}
	layer, err := targz.New(ctxReader{ctx, r})
	if err != nil {
		return "", ocierr.New(ocierr.InvalidData, "import layer", err)
	}
	defer layer.Close()
	if err := copyutil.ApplyLayer(t.root, layer.Tar()); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", ocierr.New(ocierr.Failure, "import layer", err)
	}
	d, err := layer.Finish()
	if err != nil {
		return "", ocierr.New(ocierr.Failure, "import layer", err)
	}
	t.repo.log.Debugf("imported %s layer %s", layer.Compression(), d)
	return d, nil
}

// WriteCommit turns the staging tree into a commit and starts a new, empty
// staging tree. The commit stays partial until Commit.
func (t *Txn) WriteCommit(opts CommitOpts) (string, error) {
	if t.done {
		return "", errors.New("transaction finished")
	}
	treeDigest, err := digestTree(t.root)
	if err != nil {
		return "", fmt.Errorf("digest tree: %w", err)
	}
	c := &Commit{
		Parent:     opts.Parent,
		Subject:    opts.Subject,
		Body:       opts.Body,
		Timestamp:  opts.Timestamp.UTC().Truncate(time.Second),
		Metadata:   opts.Metadata,
		TreeDigest: treeDigest.String(),
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	c.ID = digest.SHA256.FromBytes(b).Encoded()

	dst, err := t.repo.commitPath(c.ID)
	if err != nil {
		return "", err
	}
	t.root.Close()
	if _, err := os.Stat(dst); err == nil {
		// Identical commit already exists.
		if err := os.RemoveAll(filepath.Join(t.staging, treeDir)); err != nil {
			return "", err
		}
		if _, err := os.Lstat(filepath.Join(dst, partialFile)); err == nil {
			t.adopted = append(t.adopted, dst)
		}
	} else {
		stage := filepath.Join(t.staging, "commit")
		if err := os.Mkdir(stage, 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(stage, partialFile), nil, 0o644); err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(stage, commitFile), b, 0o644); err != nil {
			return "", err
		}
		if err := os.Rename(filepath.Join(t.staging, treeDir), filepath.Join(stage, treeDir)); err != nil {
			return "", err
		}
		if err := copyutil.MoveTree(stage, dst); err != nil {
			return "", fmt.Errorf("move commit into place: %w", err)
		}
		t.written = append(t.written, dst)
	}
	if err := t.resetTree(); err != nil {
		return "", err
	}
	t.repo.log.Infof("wrote commit %s", c.ID)
	return c.ID, nil
}

// SetRef points ref on remote at id when the transaction commits.
func (t *Txn) SetRef(remote, ref, id string) {
	mak.Set(&t.refs, db.RefName(remote, ref), id)
}

// Commit marks the commits written by t complete and updates refs.
func (t *Txn) Commit() error {
	if t.done {
		return errors.New("transaction finished")
	}
	for _, dir := range slices.Concat(t.written, t.adopted) {
		if err := os.Remove(filepath.Join(dir, partialFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if len(t.refs) > 0 {
		if err := t.repo.refs.SetRefs(t.refs); err != nil {
			return fmt.Errorf("update refs: %w", err)
		}
	}
	t.done = true
	t.cleanup()
	return nil
}

// Abort discards the staging tree and every commit t wrote. It is safe to
// call after Commit.
func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	for _, dir := range t.written {
		if err := os.RemoveAll(dir); err != nil {
			t.repo.log.WithError(err).Warnf("removing aborted commit %s", dir)
		}
	}
	t.cleanup()
}

func (t *Txn) cleanup() {
	if t.root != nil {
		t.root.Close()
	}
	if err := os.RemoveAll(t.staging); err != nil {
		t.repo.log.WithError(err).Warnf("removing staging dir %s", t.staging)
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
