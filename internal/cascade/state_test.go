// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cascade

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pherdinauer/anacmirror/internal/strategy"
)

func TestNextTransitions(t *testing.T) {
	cases := []struct {
		name string
		res  strategy.Result
		want State
	}{
		{"success verifies", strategy.Result{OK: true}, StateVerifying},
		{"retryable keeps running", strategy.Result{Class: strategy.ClassRetryable}, StateRunning},
		{"stalled keeps running", strategy.Result{Class: strategy.ClassStalled}, StateRunning},
		{"unsupported keeps running", strategy.Result{Class: strategy.ClassUnsupported}, StateRunning},
		{"validator change keeps running", strategy.Result{Class: strategy.ClassValidatorChanged}, StateRunning},
		{"fatal fails", strategy.Result{Class: strategy.ClassFatal}, StateFailed},
		{"interrupted fails closed", strategy.Result{Class: strategy.ClassInterrupted}, StateFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Next(StateRunning, tc.res))
		})
	}
}

func TestNextIgnoresNonRunningStates(t *testing.T) {
	assert.Equal(t, StateCommitted, Next(StateCommitted, strategy.Result{Class: strategy.ClassFatal}))
	assert.Equal(t, StateIdle, Next(StateIdle, strategy.Result{OK: true}))
}

func TestAfterVerify(t *testing.T) {
	assert.Equal(t, StateCommitted, AfterVerify(nil))
	assert.Equal(t, StateRunning, AfterVerify(errors.New("sha256 mismatch")))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "committed", StateCommitted.String())
}
