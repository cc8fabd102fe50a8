// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/yeetrun/ocidelta/pkg/pull"
	"golang.org/x/term"
)

var (
	errorColor = color.New(color.FgRed, color.Bold)
	doneColor  = color.New(color.FgGreen)
	dimColor   = color.New(color.Faint)
)

// progressPrinter renders pull progress on a single line. On a non-terminal
// it only prints the final summary.
type progressPrinter struct {
	w     io.Writer
	quiet bool
	tty   bool
	start time.Time

	mu   sync.Mutex
	last pull.Progress
	seen bool
	// lastDraw throttles redraws to a few per second.
	lastDraw time.Time
}

func newProgressPrinter(w io.Writer, quiet bool) *progressPrinter {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &progressPrinter{w: w, quiet: quiet, tty: tty, start: time.Now()}
}

// Update records p and redraws the status line.
func (pp *progressPrinter) Update(p pull.Progress) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.last = p
	pp.seen = true
	if pp.quiet || !pp.tty {
		return
	}
	now := time.Now()
	if p.PulledLayers != p.Layers && now.Sub(pp.lastDraw) < 100*time.Millisecond {
		return
	}
	pp.lastDraw = now
	fmt.Fprintf(pp.w, "\r\033[K%s", formatProgress(p))
}

// Done finishes the status line.
func (pp *progressPrinter) Done(ok bool) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.quiet || !pp.seen {
		return
	}
	if pp.tty {
		fmt.Fprint(pp.w, "\r\033[K")
	}
	if !ok {
		return
	}
	elapsed := time.Since(pp.start).Round(100 * time.Millisecond)
	fmt.Fprintf(pp.w, "%s %d layers, %s %s\n",
		doneColor.Sprint("done:"),
		pp.last.Layers,
		formatBytes(pp.last.DoneBytes),
		dimColor.Sprintf("in %s", elapsed))
}

func formatProgress(p pull.Progress) string {
	var b strings.Builder
	fmt.Fprintf(&b, "layer %d/%d  %s", min(p.PulledLayers+1, p.Layers), p.Layers, formatBytes(p.DoneBytes))
	if p.TotalBytes > 0 {
		pct := float64(p.DoneBytes) * 100 / float64(p.TotalBytes)
		fmt.Fprintf(&b, " / %s (%.0f%%)", formatBytes(p.TotalBytes), min(pct, 100))
	}
	return b.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
