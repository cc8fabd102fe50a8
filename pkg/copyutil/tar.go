// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package copyutil

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "copyutil")

// OCI whiteout markers.
const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// TarDirectory writes a tar archive of src into w.
// Entries are relative to src, with an optional prefix applied.
func TarDirectory(w io.Writer, src string, prefix string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("expected directory, got %q", src)
	}
	tw := tar.NewWriter(w)

	src = filepath.Clean(src)
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == src {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if prefix != "" {
			name = path.Join(prefix, name)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if d.Type()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Format = tar.FormatPAX
		if d.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// ApplyLayer extracts an image layer on top of the tree in root. OCI
// whiteouts remove entries from lower layers: ".wh.<name>" deletes name and
// ".wh..wh..opq" empties its directory of everything this layer did not
// itself add.
func ApplyLayer(root *os.Root, tr *tar.Reader) error {
	a := &layerApplier{
		root:    root,
		touched: make(map[string]bool),
	}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := a.entry(hdr, tr); err != nil {
			return err
		}
	}
	return a.finish()
}

type dirMeta struct {
	name string
	mode fs.FileMode
	mod  time.Time
}

type layerApplier struct {
	root    *os.Root
	touched map[string]bool // entries written by this layer, and their parents
	dirs    []dirMeta       // applied once the layer is complete
}

func cleanEntryName(name string) (string, error) {
	clean := path.Clean("/" + name)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" {
		clean = "."
	}
	if !fs.ValidPath(clean) {
		return "", fmt.Errorf("invalid tar entry %q", name)
	}
	return clean, nil
}

func (a *layerApplier) touch(name string) {
	for name != "." && name != "" && !a.touched[name] {
		a.touched[name] = true
		name = path.Dir(name)
	}
}

func (a *layerApplier) entry(hdr *tar.Header, r io.Reader) error {
	if strings.HasPrefix(hdr.Name, "/") || slices.Contains(strings.Split(hdr.Name, "/"), "..") {
		return fmt.Errorf("invalid tar entry %q", hdr.Name)
	}
	name, err := cleanEntryName(hdr.Name)
	if err != nil {
		return err
	}
	dir, base := path.Dir(name), path.Base(name)

	switch {
	case base == whiteoutOpaque:
		return a.opaque(dir)
	case strings.HasPrefix(base, whiteoutPrefix):
		victim := path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix))
		if err := a.root.RemoveAll(victim); err != nil {
			return fmt.Errorf("whiteout %s: %w", victim, err)
		}
		return nil
	}

	if name == "." {
		if hdr.Typeflag == tar.TypeDir {
			a.dirs = append(a.dirs, dirMeta{name, fileMode(hdr), hdr.ModTime})
		}
		return nil
	}

	if dir != "." {
		if err := a.root.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	existing, err := a.root.Lstat(name)
	switch {
	case err == nil:
		if !(existing.IsDir() && hdr.Typeflag == tar.TypeDir) {
			if err := a.root.RemoveAll(name); err != nil {
				return err
			}
		}
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}
	a.touch(name)

	switch hdr.Typeflag {
	case tar.TypeDir:
		if existing == nil || !existing.IsDir() {
			if err := a.root.Mkdir(name, 0o755); err != nil {
				return err
			}
		}
		a.dirs = append(a.dirs, dirMeta{name, fileMode(hdr), hdr.ModTime})
		return nil
	case tar.TypeReg, tar.TypeRegA:
		f, err := a.root.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	case tar.TypeSymlink:
		return a.root.Symlink(hdr.Linkname, name)
	case tar.TypeLink:
		target, err := cleanEntryName(hdr.Linkname)
		if err != nil {
			return err
		}
		if err := a.root.Link(target, name); err != nil {
			return err
		}
		return nil
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		full := filepath.Join(a.root.Name(), filepath.FromSlash(name))
		if err := createSpecial(full, hdr); err != nil {
			log.WithError(err).Debugf("skipping special file %s", name)
			return nil
		}
	case tar.TypeXGlobalHeader:
		return nil
	default:
		log.Debugf("skipping tar entry %s of type %q", name, hdr.Typeflag)
		return nil
	}
	if err := a.root.Chmod(name, fileMode(hdr)); err != nil {
		return err
	}
	return a.root.Chtimes(name, hdr.AccessTime, hdr.ModTime)
}

// opaque removes every child of dir that this layer has not written.
func (a *layerApplier) opaque(dir string) error {
	ents, err := fs.ReadDir(a.root.FS(), dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range ents {
		child := path.Join(dir, e.Name())
		if a.touched[child] {
			continue
		}
		if err := a.root.RemoveAll(child); err != nil {
			return fmt.Errorf("opaque whiteout %s: %w", child, err)
		}
	}
	return nil
}

// finish sets directory modes and times, deepest first, once their
// contents are final.
func (a *layerApplier) finish() error {
	for _, d := range slices.Backward(a.dirs) {
		fi, err := a.root.Lstat(d.name)
		if err != nil || !fi.IsDir() {
			continue
		}
		if err := a.root.Chmod(d.name, d.mode); err != nil {
			return err
		}
		if err := a.root.Chtimes(d.name, d.mod, d.mod); err != nil {
			return err
		}
	}
	return nil
}

func fileMode(hdr *tar.Header) fs.FileMode {
	m := fs.FileMode(hdr.Mode).Perm()
	if hdr.Mode&04000 != 0 {
		m |= fs.ModeSetuid
	}
	if hdr.Mode&02000 != 0 {
		m |= fs.ModeSetgid
	}
	if hdr.Mode&01000 != 0 {
		m |= fs.ModeSticky
	}
	return m
}
