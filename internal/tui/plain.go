// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package tui renders run progress: a live ANSI table on interactive
// terminals, a single pb progress bar otherwise.
package tui

import (
	"fmt"
	"os"
	"sync"

	"github.com/cheggaaa/pb/v3"

	"github.com/pherdinauer/anacmirror/pkg/mirror"
)

// PlainRenderer drives one aggregate progress bar plus per-item lines, for
// non-interactive output (pipes, CI logs).
type PlainRenderer struct {
	mu      sync.Mutex
	bar     *pb.ProgressBar
	total   int64
	current map[string]int64
	started bool
}

// NewPlainRenderer creates a plain renderer.
func NewPlainRenderer() *PlainRenderer {
	return &PlainRenderer{current: map[string]int64{}}
}

// Handler returns a ProgressFunc feeding the bar.
func (p *PlainRenderer) Handler() mirror.ProgressFunc {
	return func(ev mirror.ProgressEvent) {
		p.mu.Lock()
		defer p.mu.Unlock()

		switch ev.Event {
		case "plan_item":
			p.total += ev.Total
		case "file_start":
			if !p.started {
				p.bar = pb.Full.Start64(p.total)
				p.bar.Set(pb.Bytes, true)
				p.started = true
			}
		case "file_progress":
			p.current[ev.Path] = ev.Downloaded
			p.refresh()
		case "file_done":
			if ev.Total > 0 {
				p.current[ev.Path] = ev.Total
			}
			p.refresh()
			fmt.Fprintf(os.Stderr, "done: %s %s\n", ev.Path, ev.Message)
		case "retry":
			fmt.Fprintf(os.Stderr, "retry: %s [%s] %s\n", ev.Path, ev.Strategy, ev.Message)
		case "error":
			fmt.Fprintf(os.Stderr, "error: %s %s\n", ev.Path, ev.Message)
		case "done":
			if p.bar != nil {
				p.bar.Finish()
			}
			fmt.Fprintln(os.Stderr, ev.Message)
		}
	}
}

func (p *PlainRenderer) refresh() {
	if p.bar == nil {
		return
	}
	var sum int64
	for _, n := range p.current {
		sum += n
	}
	p.bar.SetCurrent(sum)
}

// Close finishes the bar if it is still running.
func (p *PlainRenderer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil && p.bar.IsStarted() {
		p.bar.Finish()
	}
}
