// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"

	"github.com/pherdinauer/anacmirror/internal/config"
)

// s1Dynamic streams missing segments linearly with keep-alive ranged GETs,
// sizing its chunks from the content length. It is the workhorse strategy
// and the universal fallback: without range support it degrades to a
// whole-body GET.
type s1Dynamic struct{}

func (s1Dynamic) Name() string { return config.StrategyS1Dynamic }

func (s1Dynamic) Applicable(*Request) bool { return true }

func (s1Dynamic) Fetch(ctx context.Context, r *Request) Result {
	sc := r.Sidecar
	total := sc.KnownLength()
	if total < 0 || !sc.RangesOK() {
		return wholeBody(ctx, r, false)
	}
	if total == 0 {
		return finishEmpty(r)
	}

	// Chunks are whole segments; the configured table rounds to the
	// nearest segment multiple, never below one segment.
	segSize := sc.Segments.Size
	chunk := r.Config.DynamicChunkBytes(total)
	segs := (chunk + segSize/2) / segSize
	if segs < 1 {
		segs = 1
	}
	return fillLinear(ctx, r, fillOpts{
		reqBytes: segs * segSize,
		overlap:  int64(r.Config.OverlapBytes),
	})
}
