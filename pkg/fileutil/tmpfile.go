// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fileutil

import (
	"errors"
	"fmt"
	"os"
)

// LinkMode controls how Tmpfile.Link treats an existing destination.
type LinkMode int

const (
	// LinkNoReplaceIgnoreExist leaves an existing destination in place and
	// reports success. Content-addressed writers racing on the same name
	// rely on this.
	LinkNoReplaceIgnoreExist LinkMode = iota
	// LinkReplace atomically replaces the destination.
	LinkReplace
)

// Tmpfile is a file that has no visible name until Link is called. On
// Linux it is an O_TMPFILE inode; elsewhere it is a hidden named file that
// Close removes.
type Tmpfile struct {
	*os.File

	dir    string
	name   string // non-empty for the named fallback
	linked bool
}

var errAlreadyLinked = errors.New("tmpfile already linked")

// OpenTmpfileLinkable creates a tmpfile in dir. The file must be linked
// into a path on the same filesystem as dir.
func OpenTmpfileLinkable(dir string) (*Tmpfile, error) {
	t, err := openTmpfile(dir)
	if err != nil {
		return nil, fmt.Errorf("open tmpfile in %s: %w", dir, err)
	}
	return t, nil
}

// Link gives the tmpfile the name dst. The file stays open and readable.
func (t *Tmpfile) Link(dst string, mode LinkMode) error {
	if t.linked {
		return errAlreadyLinked
	}
	if err := t.Sync(); err != nil {
		return fmt.Errorf("sync tmpfile: %w", err)
	}
	var err error
	switch mode {
	case LinkNoReplaceIgnoreExist:
		err = t.linkNoReplace(dst)
	case LinkReplace:
		err = t.linkReplace(dst)
	default:
		err = fmt.Errorf("unknown link mode %d", mode)
	}
	if err != nil {
		return fmt.Errorf("link tmpfile to %s: %w", dst, err)
	}
	t.linked = true
	return nil
}

// Close closes the file. An unlinked tmpfile is discarded.
func (t *Tmpfile) Close() error {
	err := t.File.Close()
	if t.name != "" && !t.linked {
		if rmErr := os.Remove(t.name); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, rmErr)
		}
	}
	return err
}

func (t *Tmpfile) linkNoReplaceNamed(dst string) error {
	err := os.Link(t.name, dst)
	if err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return os.Remove(t.name)
}

func (t *Tmpfile) linkReplaceNamed(dst string) error {
	return os.Rename(t.name, dst)
}
