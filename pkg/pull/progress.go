// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pull

// Progress is the state of a pull or mirror.
type Progress struct {
	// TotalBytes is the sum of the sizes of everything to transfer, using
	// the delta size for layers fetched as deltas.
	TotalBytes int64
	// DoneBytes counts completed layers plus the current download.
	DoneBytes    int64
	Layers       int
	PulledLayers int
}

// ProgressFunc receives progress updates. It is called synchronously from
// the pulling goroutine and must not block.
type ProgressFunc func(Progress)

type tracker struct {
	fn       ProgressFunc
	p        Progress
	previous int64 // bytes of completed layers
}

func newTracker(fn ProgressFunc, total int64, layers int) *tracker {
	t := &tracker{fn: fn, p: Progress{TotalBytes: total, Layers: layers}}
	t.emit()
	return t
}

func (t *tracker) emit() {
	if t.fn != nil {
		t.fn(t.p)
	}
}

// download is a registry.ProgressFunc for the layer being fetched.
func (t *tracker) download(n int64) {
	t.p.DoneBytes = t.previous + n
	t.emit()
}

func (t *tracker) layerDone(size int64) {
	t.previous += size
	t.p.PulledLayers++
	t.p.DoneBytes = t.previous
	t.emit()
}
