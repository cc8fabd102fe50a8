// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package db

const CurrentDataVersion = 1

var migrators = map[int]func(*Data) error{ // Start DataVersion -> NextStep
	0: markVersioned,
}

// markVersioned upgrades files written before DataVersion existed. Their
// layout is the same as version 1.
func markVersioned(d *Data) error {
	return nil
}
