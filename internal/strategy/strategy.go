// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package strategy implements the five transfer tactics of the download
// core and the shared resume protocol they speak: write only the partial
// file, checkpoint the sidecar at segment granularity, tick progress for
// the stall detector, and reset on validator change.
package strategy

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/pherdinauer/anacmirror/internal/config"
	"github.com/pherdinauer/anacmirror/internal/httpx"
	"github.com/pherdinauer/anacmirror/internal/sidecar"
	"github.com/pherdinauer/anacmirror/pkg/mirror"
)

// Request carries everything a strategy needs for one attempt. The sidecar
// is the working document; strategies mutate it and persist checkpoints
// through the store.
type Request struct {
	Item    mirror.PlanItem
	Sidecar *sidecar.Sidecar
	Store   *sidecar.Store
	Client  *httpx.Client
	Config  *config.Config
	Log     *logrus.Entry

	// Tick reports cumulative bytes written to the partial file. Wired by
	// the cascade into the stall detector and the progress stream.
	Tick func(written int64)
}

func (r *Request) tick(n int64) {
	if r.Tick != nil {
		r.Tick(n)
	}
}

// Result is the outcome of one strategy attempt. Errors are values, not
// panics; Class places the error in the taxonomy.
type Result struct {
	OK           bool
	BytesWritten int64
	ETag         string
	Class        Class
	Err          error
}

// Strategy is one transfer tactic. Implementations are stateless; all
// per-resource state lives in the sidecar.
type Strategy interface {
	// Name is the configuration identifier (s1_dynamic, ...).
	Name() string

	// Applicable reports whether the strategy can run against the probed
	// resource state.
	Applicable(r *Request) bool

	// Fetch transfers missing bytes into the partial file. It must not
	// touch the final file.
	Fetch(ctx context.Context, r *Request) Result
}

// ForName resolves a configured strategy name.
func ForName(name string) (Strategy, bool) {
	switch name {
	case config.StrategyS1Dynamic:
		return s1Dynamic{}, true
	case config.StrategyS2Sparse:
		return s2Sparse{}, true
	case config.StrategyS3Curl:
		return s3Curl{}, true
	case config.StrategyS4ShortConn:
		return s4ShortConn{}, true
	case config.StrategyS5TailFirst:
		return s5TailFirst{}, true
	default:
		return nil, false
	}
}

// Order resolves the configured cascade order, dropping unknown names.
func Order(names []string) []Strategy {
	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		if s, ok := ForName(n); ok {
			out = append(out, s)
		}
	}
	return out
}
