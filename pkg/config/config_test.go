// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sample = `version = 1
repo = "trees"
mirror = "/srv/mirror"

[[remote]]
name = "origin"
url = "https://registry.example.com"
repository = "org/app"
delta_url = "https://deltas.example.com/v2/org/app/manifests/delta"
basic_auth = "user:pass"
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
	return path
}

func TestLoadFromDirSearchesUp(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, sample)
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	loc, err := LoadFromDir(nested)
	if err != nil {
		t.Fatalf("LoadFromDir error: %v", err)
	}
	if loc == nil {
		t.Fatal("config not found")
	}
	if loc.Dir != root {
		t.Fatalf("Dir = %q, want %q", loc.Dir, root)
	}
	if got := loc.RepoDir(); got != filepath.Join(root, "trees") {
		t.Fatalf("RepoDir = %q", got)
	}
	if got := loc.MirrorDir(); got != "/srv/mirror" {
		t.Fatalf("MirrorDir = %q", got)
	}
	want := Remote{
		Name:       "origin",
		URL:        "https://registry.example.com",
		Repository: "org/app",
		DeltaURL:   "https://deltas.example.com/v2/org/app/manifests/delta",
		BasicAuth:  "user:pass",
	}
	got, ok := loc.Config.Remote("origin")
	if !ok {
		t.Fatal("remote origin missing")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("remote (-want +got):\n%s", diff)
	}
	if h := got.BasicAuthHeader(); h != "Basic dXNlcjpwYXNz" {
		t.Fatalf("BasicAuthHeader = %q", h)
	}
}

func TestLoadFromDirMissing(t *testing.T) {
	loc, err := LoadFromDir(t.TempDir())
	if err != nil || loc != nil {
		t.Fatalf("LoadFromDir = %v, %v; want nil, nil", loc, err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "repo = \"r\"\n")
	t.Setenv(PathEnv, path)
	t.Chdir(t.TempDir())

	loc, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loc == nil || loc.Path != path {
		t.Fatalf("Load = %+v, want %s", loc, path)
	}
	if loc.Config.Version != Version {
		t.Fatalf("Version = %d, want the default", loc.Config.Version)
	}
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"syntax", "repo = ", "failed to parse"},
		{"unknown key", "repos = \"x\"\n", "unknown key repos"},
		{"newer", "version = 2\n", "unsupported config version 2"},
		{"unnamed remote", "[[remote]]\nurl = \"https://x\"\n", "has no name"},
		{"no url", "[[remote]]\nname = \"a\"\n", `remote "a" has no url`},
		{"duplicate", "[[remote]]\nname = \"a\"\nurl = \"https://x\"\n[[remote]]\nname = \"a\"\nurl = \"https://y\"\n", `duplicate remote "a"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := LoadFile(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("LoadFile error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(PathEnv, "")
	t.Chdir(dir)

	loc, err := LoadOrDefault()
	if err != nil {
		t.Fatalf("LoadOrDefault error: %v", err)
	}
	if loc.Path != filepath.Join(dir, FileName) {
		t.Fatalf("Path = %q", loc.Path)
	}
	loc.Config.SetRemote(Remote{Name: "zeta", URL: "https://z.example.com"})
	loc.Config.SetRemote(Remote{Name: "alpha", URL: "https://a.example.com"})
	loc.Config.SetRemote(Remote{Name: "zeta", URL: "https://z2.example.com", NoDeltas: true})
	if err := Save(loc); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	fi, err := os.Stat(loc.Path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", fi.Mode().Perm())
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	want := []Remote{
		{Name: "alpha", URL: "https://a.example.com"},
		{Name: "zeta", URL: "https://z2.example.com", NoDeltas: true},
	}
	if diff := cmp.Diff(want, loaded.Config.Remotes); diff != "" {
		t.Fatalf("remotes (-want +got):\n%s", diff)
	}
	if !loaded.Config.RemoveRemote("alpha") || loaded.Config.RemoveRemote("alpha") {
		t.Fatal("RemoveRemote did not report removal once")
	}
}
