// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package fileutil

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

func openTmpfile(dir string) (*Tmpfile, error) {
	fd, err := unix.Open(dir, unix.O_TMPFILE|unix.O_RDWR|unix.O_CLOEXEC|unix.O_NOCTTY, 0o600)
	switch {
	case err == nil:
		return &Tmpfile{File: os.NewFile(uintptr(fd), filepath.Join(dir, "(tmpfile)")), dir: dir}, nil
	case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.EISDIR), errors.Is(err, unix.EINVAL):
		// Filesystem without O_TMPFILE support.
	default:
		return nil, &os.PathError{Op: "open", Path: dir, Err: err}
	}
	f, err := os.CreateTemp(dir, ".tmpfile-*")
	if err != nil {
		return nil, err
	}
	return &Tmpfile{File: f, dir: dir, name: f.Name()}, nil
}

func (t *Tmpfile) procPath() string {
	return "/proc/self/fd/" + strconv.Itoa(int(t.Fd()))
}

func (t *Tmpfile) linkNoReplace(dst string) error {
	if t.name != "" {
		return t.linkNoReplaceNamed(dst)
	}
	err := unix.Linkat(unix.AT_FDCWD, t.procPath(), unix.AT_FDCWD, dst, unix.AT_SYMLINK_FOLLOW)
	if err != nil && !errors.Is(err, unix.EEXIST) {
		return &os.LinkError{Op: "linkat", Old: t.procPath(), New: dst, Err: err}
	}
	return nil
}

func (t *Tmpfile) linkReplace(dst string) error {
	if t.name != "" {
		return t.linkReplaceNamed(dst)
	}
	// Link under a random sibling name, then rename over dst.
	var buf [8]byte
	for range 100 {
		if _, err := rand.Read(buf[:]); err != nil {
			return err
		}
		tmp := filepath.Join(filepath.Dir(dst), ".tmplink-"+hex.EncodeToString(buf[:]))
		err := unix.Linkat(unix.AT_FDCWD, t.procPath(), unix.AT_FDCWD, tmp, unix.AT_SYMLINK_FOLLOW)
		if errors.Is(err, unix.EEXIST) {
			continue
		}
		if err != nil {
			return &os.LinkError{Op: "linkat", Old: t.procPath(), New: tmp, Err: err}
		}
		if err := os.Rename(tmp, dst); err != nil {
			os.Remove(tmp)
			return err
		}
		return nil
	}
	return errors.New("exhausted attempts to create temporary link")
}
