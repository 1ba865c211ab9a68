// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cascade

import "github.com/pherdinauer/anacmirror/internal/strategy"

// State is the manager's position in the per-resource lifecycle.
type State int

const (
	StateIdle State = iota
	StateProbing
	StateRunning
	StateVerifying
	StateCommitted
	StateFailed
)

// String names the state for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateRunning:
		return "running"
	case StateVerifying:
		return "verifying"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Next is the pure transition function from a running strategy's result to
// the manager's next state. It knows nothing about transports or retry
// budgets; the driver decides *which* strategy runs next, Next only decides
// whether one does.
func Next(s State, res strategy.Result) State {
	if s != StateRunning {
		return s
	}
	if res.OK {
		return StateVerifying
	}
	switch res.Class {
	case strategy.ClassRetryable,
		strategy.ClassStalled,
		strategy.ClassUnsupported,
		strategy.ClassValidatorChanged:
		return StateRunning
	case strategy.ClassFatal:
		return StateFailed
	default:
		return StateFailed
	}
}

// AfterVerify maps a verification outcome to the next state: a clean hash
// commits, a mismatch re-enters the cascade from a conservative strategy.
func AfterVerify(err error) State {
	if err == nil {
		return StateCommitted
	}
	return StateRunning
}
