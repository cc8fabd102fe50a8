// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tree stores filesystem trees built from image layers as
// content-addressed commits.
//
// A repository is a directory:
//
//	refs.json             ref table (see package db)
//	commits/<id>/         one directory per commit
//	  commit.json         commit object
//	  tree/               the committed filesystem
//	  .partial            present until the writing transaction commits
//	tmp/                  transaction staging areas
//
// A commit ID is the sha256 of its canonical commit object, which includes
// a digest of the whole tree, so equal content yields equal IDs.
package tree

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeetrun/ocidelta/pkg/db"
	"github.com/yeetrun/ocidelta/pkg/ocierr"
)

var log = logrus.WithField("component", "tree")

const (
	commitsDir   = "commits"
	tmpDir       = "tmp"
	commitFile   = "commit.json"
	treeDir      = "tree"
	partialFile  = ".partial"
	refsFile     = "refs.json"
	commitIDSize = 64
)

// State is the completeness of a commit.
type State int

const (
	// StateNormal is a fully committed tree.
	StateNormal State = iota
	// StatePartial is a commit whose transaction never completed.
	StatePartial
)

func (s State) String() string {
	if s == StatePartial {
		return "partial"
	}
	return "normal"
}

// Commit is a commit object.
type Commit struct {
	ID         string            `json:"-"`
	Parent     string            `json:"parent,omitempty"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	TreeDigest string            `json:"tree"`
}

// Repo is a tree repository.
type Repo struct {
	root string
	refs *db.Store
	log  *logrus.Entry
}

// Open opens the repository at root, creating it if needed.
func Open(root string) (*Repo, error) {
	for _, d := range []string{root, filepath.Join(root, commitsDir), filepath.Join(root, tmpDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, ocierr.New(ocierr.SetupFailed, "open tree repo", err)
		}
	}
	return &Repo{
		root: root,
		refs: db.NewStore(filepath.Join(root, refsFile)),
		log:  log.WithField("repo", root),
	}, nil
}

// Path returns the repository root.
func (r *Repo) Path() string { return r.root }

// ResolveRef returns the commit that ref on remote points at. ok is false
// if the ref does not exist.
func (r *Repo) ResolveRef(remote, ref string) (id string, ok bool, err error) {
	d, err := r.refs.Get()
	if err != nil {
		return "", false, fmt.Errorf("read refs: %w", err)
	}
	id, ok = d.Lookup(db.RefName(remote, ref))
	return id, ok, nil
}

// Refs returns every ref name and its commit.
func (r *Repo) Refs() (map[string]string, error) {
	d, err := r.refs.Get()
	if err != nil {
		return nil, fmt.Errorf("read refs: %w", err)
	}
	out := make(map[string]string, len(d.Refs))
	for _, name := range d.RefNames() {
		out[name], _ = d.Lookup(name)
	}
	return out, nil
}

func (r *Repo) commitPath(id string) (string, error) {
	if !validCommitID(id) {
		return "", ocierr.Errorf(ocierr.InvalidData, "", "invalid commit id %q", id)
	}
	return filepath.Join(r.root, commitsDir, id), nil
}

func validCommitID(id string) bool {
	if len(id) != commitIDSize {
		return false
	}
	for _, c := range id {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

// LoadCommit reads a commit object.
func (r *Repo) LoadCommit(id string) (*Commit, error) {
	dir, err := r.commitPath(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(dir, commitFile))
	if err != nil {
		return nil, ocierr.FromOS("load commit "+id, err, ocierr.Failure)
	}
	c := new(Commit)
	if err := json.Unmarshal(b, c); err != nil {
		return nil, ocierr.New(ocierr.InvalidData, "load commit "+id, err)
	}
	c.ID = id
	return c, nil
}

// CommitState reports whether id was fully committed.
func (r *Repo) CommitState(id string) (State, error) {
	dir, err := r.commitPath(id)
	if err != nil {
		return 0, err
	}
	if _, err := os.Stat(filepath.Join(dir, commitFile)); err != nil {
		return 0, ocierr.FromOS("commit state "+id, err, ocierr.Failure)
	}
	if _, err := os.Lstat(filepath.Join(dir, partialFile)); err == nil {
		return StatePartial, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}
	return StateNormal, nil
}

// Root is a read-only view of a committed tree.
type Root struct {
	fs.FS
	root *os.Root
}

// Close releases the tree.
func (t *Root) Close() error {
	return t.root.Close()
}

// ReadCommit opens the tree of commit id. Lookups cannot leave the tree.
func (r *Repo) ReadCommit(id string) (*Root, error) {
	dir, err := r.commitPath(id)
	if err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(filepath.Join(dir, treeDir))
	if err != nil {
		return nil, ocierr.FromOS("read commit "+id, err, ocierr.Failure)
	}
	return &Root{FS: root.FS(), root: root}, nil
}
