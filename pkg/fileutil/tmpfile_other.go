// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package fileutil

import "os"

func openTmpfile(dir string) (*Tmpfile, error) {
	f, err := os.CreateTemp(dir, ".tmpfile-*")
	if err != nil {
		return nil, err
	}
	return &Tmpfile{File: f, dir: dir, name: f.Name()}, nil
}

func (t *Tmpfile) linkNoReplace(dst string) error {
	return t.linkNoReplaceNamed(dst)
}

func (t *Tmpfile) linkReplace(dst string) error {
	return t.linkReplaceNamed(dst)
}
