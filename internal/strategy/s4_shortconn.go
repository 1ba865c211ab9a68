// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"

	"github.com/pherdinauer/anacmirror/internal/config"
)

// s4ShortConn transfers in small chunks with Connection: close on every
// request, defeating origins that grow unstable over a persistent
// connection. Ordering is the same ascending fill as the dynamic strategy.
type s4ShortConn struct{}

func (s4ShortConn) Name() string { return config.StrategyS4ShortConn }

func (s4ShortConn) Applicable(*Request) bool { return true }

func (s4ShortConn) Fetch(ctx context.Context, r *Request) Result {
	sc := r.Sidecar
	total := sc.KnownLength()
	if total < 0 || !sc.RangesOK() {
		return wholeBody(ctx, r, true)
	}
	if total == 0 {
		return finishEmpty(r)
	}
	return fillLinear(ctx, r, fillOpts{
		reqBytes: r.Config.SnailChunkBytes(),
		short:    true,
		overlap:  int64(r.Config.OverlapBytes),
	})
}
