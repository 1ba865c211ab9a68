// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pherdinauer/anacmirror/internal/config"
	"github.com/pherdinauer/anacmirror/pkg/mirror"
)

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*13 + 7) % 251)
	}
	return b
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	cfg.SparseSegmentMB = 1
	cfg.RateLimitRPS = -1
	cfg.EnableCurl = false
	cfg.Normalize()
	return cfg
}

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(log)
}

func TestRunnerRunsPlan(t *testing.T) {
	payload := testPayload(300 * 1024)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		http.ServeContent(w, r, "f", time.Unix(1700000000, 0), bytes.NewReader(payload))
	}))
	defer ts.Close()

	dir := t.TempDir()
	plan := &mirror.Plan{Items: []mirror.PlanItem{
		{DatasetSlug: "a", ResourceURL: ts.URL + "/one", DestPath: filepath.Join(dir, "one.bin"), Reason: mirror.ReasonMissing},
		{DatasetSlug: "a", ResourceURL: ts.URL + "/two", DestPath: filepath.Join(dir, "two.bin"), Reason: mirror.ReasonMissing},
	}}

	var mu sync.Mutex
	var events []string
	progress := func(ev mirror.ProgressEvent) {
		mu.Lock()
		events = append(events, ev.Event)
		mu.Unlock()
	}

	r, err := New(testConfig(t), testLog(), progress)
	require.NoError(t, err)
	summary := r.Run(context.Background(), plan)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Downloaded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, mirror.ExitOK, summary.ExitCode())

	for _, dest := range []string{"one.bin", "two.bin"} {
		data, err := os.ReadFile(filepath.Join(dir, dest))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(payload, data))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, "plan_item")
	assert.Contains(t, events, "file_start")
	assert.Contains(t, events, "file_done")
	assert.Equal(t, "done", events[len(events)-1])
}

func TestRunnerSecondRunSkips(t *testing.T) {
	payload := testPayload(64 * 1024)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "f", time.Unix(1700000000, 0), bytes.NewReader(payload))
	}))
	defer ts.Close()

	cfg := testConfig(t)
	dir := t.TempDir()
	plan := &mirror.Plan{Items: []mirror.PlanItem{
		{DatasetSlug: "a", ResourceURL: ts.URL, DestPath: filepath.Join(dir, "f.bin"), Reason: mirror.ReasonMissing},
	}}

	r, err := New(cfg, testLog(), nil)
	require.NoError(t, err)
	summary := r.Run(context.Background(), plan)
	require.Equal(t, 1, summary.Downloaded)

	r2, err := New(cfg, testLog(), nil)
	require.NoError(t, err)
	summary = r2.Run(context.Background(), plan)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, mirror.ExitNothingToDo, summary.ExitCode())
}

func TestRunnerAggregatesFailures(t *testing.T) {
	payload := testPayload(32 * 1024)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/forbidden" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		http.ServeContent(w, r, "f", time.Unix(1700000000, 0), bytes.NewReader(payload))
	}))
	defer ts.Close()

	dir := t.TempDir()
	plan := &mirror.Plan{Items: []mirror.PlanItem{
		{DatasetSlug: "a", ResourceURL: ts.URL + "/ok", DestPath: filepath.Join(dir, "ok.bin"), Reason: mirror.ReasonMissing},
		{DatasetSlug: "a", ResourceURL: ts.URL + "/forbidden", DestPath: filepath.Join(dir, "no.bin"), Reason: mirror.ReasonMissing},
	}}

	r, err := New(testConfig(t), testLog(), nil)
	require.NoError(t, err)
	summary := r.Run(context.Background(), plan)

	assert.Equal(t, 1, summary.Downloaded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, mirror.ExitPartialFailed, summary.ExitCode())
	assert.Equal(t, 1, summary.ByError["http_4xx:403"])
}

func TestDryRunOpensNoSockets(t *testing.T) {
	var requests int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
	}))
	defer ts.Close()

	dir := t.TempDir()
	plan := &mirror.Plan{Items: []mirror.PlanItem{
		{DatasetSlug: "a", ResourceURL: ts.URL, DestPath: filepath.Join(dir, "f.bin"), Reason: mirror.ReasonMissing},
	}}

	r, err := New(testConfig(t), testLog(), nil)
	require.NoError(t, err)
	decisions, err := r.DryRun(plan)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].Skip)
	assert.Equal(t, config.StrategyS1Dynamic, decisions[0].Strategy)

	mu.Lock()
	assert.Zero(t, requests)
	mu.Unlock()
}
