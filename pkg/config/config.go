// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config reads and writes ocidelta.toml, which names the
// registries to pull from and where pulled trees and mirrors live.
//
//	version = 1
//	repo = "repo"
//	mirror = "mirror"
//
//	[[remote]]
//	name = "origin"
//	url = "https://registry.example.com"
//	repository = "org/app"
//
// Relative paths are relative to the directory holding the file.
package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/yeetrun/ocidelta/pkg/fileutil"
)

const (
	// FileName is the config file searched for.
	FileName = "ocidelta.toml"
	// Version is the config format written by this package.
	Version = 1
	// PathEnv names a config file to use instead of searching.
	PathEnv = "OCIDELTA_CONFIG"
)

// Config is the contents of ocidelta.toml.
type Config struct {
	Version int `toml:"version,omitempty"`
	// Repo is the tree repository pulls commit into.
	Repo string `toml:"repo,omitempty"`
	// Mirror is the local OCI layout mirrors write to.
	Mirror string `toml:"mirror,omitempty"`
	// TmpDir stages downloads. Empty means the registry default.
	TmpDir  string   `toml:"tmp_dir,omitempty"`
	Remotes []Remote `toml:"remote,omitempty"`
}

// Remote is a registry to pull from.
type Remote struct {
	Name       string `toml:"name"`
	URL        string `toml:"url"`
	Repository string `toml:"repository,omitempty"`
	DeltaURL   string `toml:"delta_url,omitempty"`
	// BasicAuth is "user:password" for the token realm.
	BasicAuth string `toml:"basic_auth,omitempty"`
	CAFile    string `toml:"ca_file,omitempty"`
	NoDeltas  bool   `toml:"no_deltas,omitempty"`
}

// BasicAuthHeader returns the Authorization header value for the token
// realm, or "".
func (r Remote) BasicAuthHeader() string {
	if r.BasicAuth == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(r.BasicAuth))
}

// Location is a loaded config file.
type Location struct {
	Path   string
	Dir    string
	Config *Config
}

// Resolve returns p relative to the config directory unless it is absolute.
func (l *Location) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.Dir, p)
}

// RepoDir returns the tree repository directory. It defaults to "repo".
func (l *Location) RepoDir() string {
	if l.Config.Repo == "" {
		return l.Resolve("repo")
	}
	return l.Resolve(l.Config.Repo)
}

// MirrorDir returns the mirror layout directory. It defaults to "mirror".
func (l *Location) MirrorDir() string {
	if l.Config.Mirror == "" {
		return l.Resolve("mirror")
	}
	return l.Resolve(l.Config.Mirror)
}

// Load finds the config for the working directory: $OCIDELTA_CONFIG if set,
// else the nearest ocidelta.toml at or above the working directory. It
// returns nil, nil if there is none.
func Load() (*Location, error) {
	if p := os.Getenv(PathEnv); p != "" {
		return LoadFile(p)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return LoadFromDir(cwd)
}

// LoadOrDefault is Load with an empty config in the working directory when
// no file exists.
func LoadOrDefault() (*Location, error) {
	loc, err := Load()
	if err != nil || loc != nil {
		return loc, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return &Location{
		Path:   filepath.Join(cwd, FileName),
		Dir:    cwd,
		Config: &Config{Version: Version},
	}, nil
}

// LoadFromDir loads the nearest ocidelta.toml at or above startDir. It
// returns nil, nil if there is none.
func LoadFromDir(startDir string) (*Location, error) {
	path, err := findPath(startDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile loads the config at path.
func LoadFile(path string) (*Location, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undec[0])
	}
	if cfg.Version == 0 {
		cfg.Version = Version
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Location{Path: path, Dir: filepath.Dir(path), Config: &cfg}, nil
}

func findPath(startDir string) (string, error) {
	dir := filepath.Clean(startDir)
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

// Save writes loc atomically, with remotes sorted by name.
func Save(loc *Location) error {
	if loc == nil || loc.Config == nil {
		return nil
	}
	if loc.Config.Version == 0 {
		loc.Config.Version = Version
	}
	if err := loc.Config.Validate(); err != nil {
		return err
	}
	slices.SortFunc(loc.Config.Remotes, func(a, b Remote) int {
		return strings.Compare(a.Name, b.Name)
	})
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(loc.Config); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(loc.Path), 0o755); err != nil {
		return err
	}
	// Basic auth credentials may be stored.
	return fileutil.ReplaceFile(loc.Path, buf.Bytes(), 0o600)
}

// Validate checks the version and that remotes are named uniquely and have
// a URL.
func (c *Config) Validate() error {
	if c.Version > Version {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	seen := make(map[string]bool)
	for i, r := range c.Remotes {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("remote %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate remote %q", r.Name)
		}
		seen[r.Name] = true
		if r.URL == "" {
			return fmt.Errorf("remote %q has no url", r.Name)
		}
	}
	return nil
}

// Remote returns the remote called name.
func (c *Config) Remote(name string) (Remote, bool) {
	if c == nil {
		return Remote{}, false
	}
	for _, r := range c.Remotes {
		if r.Name == name {
			return r, true
		}
	}
	return Remote{}, false
}

// SetRemote adds r or replaces the remote with the same name.
func (c *Config) SetRemote(r Remote) {
	for i := range c.Remotes {
		if c.Remotes[i].Name == r.Name {
			c.Remotes[i] = r
			return
		}
	}
	c.Remotes = append(c.Remotes, r)
}

// RemoveRemote deletes the remote called name and reports whether it
// existed.
func (c *Config) RemoveRemote(name string) bool {
	n := len(c.Remotes)
	c.Remotes = slices.DeleteFunc(c.Remotes, func(r Remote) bool { return r.Name == name })
	return len(c.Remotes) != n
}
