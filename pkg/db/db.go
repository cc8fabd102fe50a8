// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package db provides the JSON file-backed ref table of a tree repository.
package db

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yeetrun/ocidelta/pkg/fileutil"
	"tailscale.com/util/mak"
)

var log = logrus.WithField("component", "db")

// Data is the full JSON structure of the database.
type Data struct {
	// DataVersion is the version of the data format. This is used to determine
	// how to parse the data.
	DataVersion int `json:",omitempty"`

	// Refs maps a ref name, optionally qualified as "remote:ref", to the
	// commit it points at.
	Refs map[string]*Ref `json:",omitempty"`
}

// Ref is one entry of the ref table.
type Ref struct {
	Commit  string
	Updated time.Time `json:",omitzero"`
}

// RefName returns the table key for ref on remote. An empty remote names a
// local ref.
func RefName(remote, ref string) string {
	if remote == "" {
		return ref
	}
	return remote + ":" + ref
}

// Clone returns a deep copy of d.
func (d *Data) Clone() *Data {
	if d == nil {
		return nil
	}
	c := &Data{DataVersion: d.DataVersion}
	for k, r := range d.Refs {
		if r == nil {
			continue
		}
		rc := *r
		mak.Set(&c.Refs, k, &rc)
	}
	return c
}

// Lookup returns the commit of name.
func (d *Data) Lookup(name string) (string, bool) {
	if d == nil {
		return "", false
	}
	r, ok := d.Refs[name]
	if !ok || r == nil {
		return "", false
	}
	return r.Commit, true
}

// RefNames returns the ref names in sorted order.
func (d *Data) RefNames() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.Refs))
	for k := range d.Refs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

type Store struct {
	file string

	mu sync.Mutex // protects the following
	d  *Data
}

// NewStore returns a new Store with the given file.
func NewStore(file string) *Store {
	return &Store{file: file}
}

func migrate(d *Data) (migrated bool, _ error) {
	if d.DataVersion > CurrentDataVersion {
		return false, fmt.Errorf("data version %d is newer than supported version %d", d.DataVersion, CurrentDataVersion)
	}
	for d.DataVersion < CurrentDataVersion {
		migrator, ok := migrators[d.DataVersion]
		if !ok {
			return false, fmt.Errorf("no migrator for version %d", d.DataVersion)
		}
		if err := migrator(d); err != nil {
			return false, fmt.Errorf("migrating version %d: %v", d.DataVersion, err)
		}
		d.DataVersion++
		migrated = true
	}
	return migrated, nil
}

// Get returns a copy of the stored data.
// If nothing is loaded yet, it reads s.file first.
func (s *Store) Get() (*Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.getLocked()
	if err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

func (s *Store) getLocked() (*Data, error) {
	if s.d == nil {
		created, err := s.readLocked()
		if err != nil {
			return nil, err
		}
		if created {
			s.d.DataVersion = CurrentDataVersion
		} else {
			origVersion := s.d.DataVersion
			migrated, err := migrate(s.d)
			if err != nil {
				return nil, fmt.Errorf("migrating data: %v", err)
			}
			if migrated {
				if err := s.backupLocked(origVersion); err != nil {
					return nil, fmt.Errorf("backing up migrated data: %v", err)
				}
				if err := s.saveLocked(); err != nil {
					return nil, fmt.Errorf("saving migrated data: %v", err)
				}
			}
		}
	}
	return s.d, nil
}

func (s *Store) backupLocked(ver int) error {
	backup := s.file + fmt.Sprintf(".v%d.%v", ver, fileutil.Version())
	if err := fileutil.CopyFile(s.file, backup); err != nil {
		return err
	}
	log.Infof("backed up %s to %s", s.file, backup)
	return nil
}

// Set replaces the stored data with a clone of d.
func (s *Store) Set(d *Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(d)
}

func (s *Store) setLocked(d *Data) error {
	s.d = d.Clone()
	return s.saveLocked()
}

// readLocked reads s.file into s.d.
func (s *Store) readLocked() (created bool, err error) {
	f, err := os.Open(s.file)
	if os.IsNotExist(err) {
		s.d = new(Data)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	jd := json.NewDecoder(f)
	d := new(Data)
	if err := jd.Decode(&d); err != nil {
		return false, err
	}
	s.d = d
	return false, nil
}

// saveLocked saves s.d to s.file.
func (s *Store) saveLocked() error {
	if s.d == nil {
		return nil
	}
	dir := filepath.Dir(s.file)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s.d, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.ReplaceFile(s.file, append(b, '\n'), 0o644)
}

// MutateData applies f to a copy of the data and saves the result. Nothing
// is saved if f fails.
func (s *Store) MutateData(f func(*Data) error) (*Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.getLocked()
	if err != nil {
		return nil, fmt.Errorf("failed to get data: %v", err)
	}
	d := cur.Clone()
	if d == nil {
		d = new(Data)
	}
	if err := f(d); err != nil {
		return nil, fmt.Errorf("failed to mutate data: %w", err)
	}
	if err := s.setLocked(d); err != nil {
		return nil, fmt.Errorf("failed to save data: %v", err)
	}
	return d, nil
}

// SetRefs points every name in refs at its commit in a single save.
func (s *Store) SetRefs(refs map[string]string) error {
	now := time.Now().UTC()
	_, err := s.MutateData(func(d *Data) error {
		for name, commit := range refs {
			if commit == "" {
				delete(d.Refs, name)
				continue
			}
			mak.Set(&d.Refs, name, &Ref{Commit: commit, Updated: now})
		}
		return nil
	})
	return err
}
