// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package db

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStoreSetRefs(t *testing.T) {
	file := filepath.Join(t.TempDir(), "refs.json")
	s := NewStore(file)
	if err := s.SetRefs(map[string]string{
		RefName("origin", "app/x86_64/stable"): "c1",
		RefName("", "runtime/x86_64/stable"):   "c2",
	}); err != nil {
		t.Fatalf("SetRefs: %v", err)
	}

	// A fresh store reads the file back.
	d, err := NewStore(file).Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.DataVersion != CurrentDataVersion {
		t.Fatalf("DataVersion = %d, want %d", d.DataVersion, CurrentDataVersion)
	}
	want := []string{"origin:app/x86_64/stable", "runtime/x86_64/stable"}
	if diff := cmp.Diff(want, d.RefNames()); diff != "" {
		t.Fatalf("RefNames mismatch (-want +got):\n%s", diff)
	}
	if c, ok := d.Lookup("origin:app/x86_64/stable"); !ok || c != "c1" {
		t.Fatalf("Lookup = %q, %v", c, ok)
	}

	if err := s.SetRefs(map[string]string{"runtime/x86_64/stable": ""}); err != nil {
		t.Fatal(err)
	}
	d, _ = s.Get()
	if _, ok := d.Lookup("runtime/x86_64/stable"); ok {
		t.Fatalf("ref not deleted")
	}
}

func TestMutateDataFailureDoesNotSave(t *testing.T) {
	file := filepath.Join(t.TempDir(), "refs.json")
	s := NewStore(file)
	boom := errors.New("boom")
	_, err := s.MutateData(func(d *Data) error {
		d.Refs = map[string]*Ref{"x": {Commit: "y"}}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("MutateData = %v, want boom", err)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Fatalf("file written after failed mutation: %v", err)
	}
	d, _ := s.Get()
	if len(d.Refs) != 0 {
		t.Fatalf("in-memory data changed after failed mutation: %v", d.Refs)
	}
}

func TestMigrateUnversioned(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "refs.json")
	if err := os.WriteFile(file, []byte(`{"Refs":{"origin:app":{"Commit":"abc"}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := NewStore(file).Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.DataVersion != CurrentDataVersion {
		t.Fatalf("DataVersion = %d, want %d", d.DataVersion, CurrentDataVersion)
	}
	if c, ok := d.Lookup("origin:app"); !ok || c != "abc" {
		t.Fatalf("Lookup after migration = %q, %v", c, ok)
	}
	ents, _ := os.ReadDir(dir)
	var backups int
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), "refs.json.v0.") {
			backups++
		}
	}
	if backups != 1 {
		t.Fatalf("found %d backups, want 1", backups)
	}
}

func TestRejectNewerDataVersion(t *testing.T) {
	file := filepath.Join(t.TempDir(), "refs.json")
	if err := os.WriteFile(file, []byte(`{"DataVersion":99,"Refs":{"a":{"Commit":"abc"}}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(file).Get(); err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("Get = %v, want version error", err)
	}
}
