// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tree

import (
	_ "crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/opencontainers/go-digest"
)

// digestTree hashes the names, types, permissions, contents and link
// targets of every entry below root, in lexical order. Timestamps and
// ownership do not contribute.
func digestTree(root *os.Root) (digest.Digest, error) {
	d := digest.SHA256.Digester()
	h := d.Hash()
	fsys := root.FS()
	err := fs.WalkDir(fsys, ".", func(name string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%o\x00", name, uint32(info.Mode()))
		switch {
		case info.Mode().IsRegular():
			f, err := root.Open(name)
			if err != nil {
				return err
			}
			fd := digest.SHA256.Digester()
			_, err = io.Copy(fd.Hash(), f)
			f.Close()
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%d\x00%s\n", info.Size(), fd.Digest().Encoded())
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := root.Readlink(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(h, "%s\n", target)
		default:
			fmt.Fprintf(h, "\n")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return d.Digest(), nil
}
