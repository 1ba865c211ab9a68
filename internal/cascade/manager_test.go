// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cascade

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
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
	"github.com/pherdinauer/anacmirror/internal/history"
	"github.com/pherdinauer/anacmirror/internal/httpx"
	"github.com/pherdinauer/anacmirror/internal/sidecar"
	"github.com/pherdinauer/anacmirror/pkg/mirror"
)

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*13 + 7) % 251)
	}
	return b
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type fixture struct {
	cfg   *config.Config
	store *sidecar.Store
	hist  *history.Appender
	mgr   *Manager
	dest  string
}

func newFixture(t *testing.T, tweak func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.SparseSegmentMB = 1
	cfg.RateLimitRPS = -1
	cfg.EnableCurl = false
	cfg.Normalize()
	if tweak != nil {
		tweak(cfg)
	}

	hist, err := history.NewAppender(cfg.StateDir)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	store := sidecar.NewStore(nil)
	client := httpx.New(httpx.Options{
		UserAgent:      "anacmirror-test/1",
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
	})

	return &fixture{
		cfg:   cfg,
		store: store,
		hist:  hist,
		mgr:   New(cfg, client, store, hist, logrus.NewEntry(log), nil),
		dest:  filepath.Join(dir, "mirror", "res.bin"),
	}
}

func (f *fixture) item(url string) mirror.PlanItem {
	return mirror.PlanItem{
		DatasetSlug: "anac-ds",
		ResourceURL: url,
		DestPath:    f.dest,
		Reason:      mirror.ReasonMissing,
	}
}

func (f *fixture) historyEntries(t *testing.T) []history.Entry {
	t.Helper()
	entries, err := history.Read(f.hist.Path(), "")
	require.NoError(t, err)
	return entries
}

// rangedOrigin serves a payload with full range support.
func rangedOrigin(payload []byte, etag string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		http.ServeContent(w, r, "res.bin", time.Unix(1700000000, 0), bytes.NewReader(payload))
	})
}

func TestManagerHappyPathSmallFile(t *testing.T) {
	payload := testPayload(1 << 20)
	ts := httptest.NewServer(rangedOrigin(payload, `"v1"`))
	defer ts.Close()

	f := newFixture(t, nil)
	out := f.mgr.Run(context.Background(), f.item(ts.URL))

	require.NoError(t, out.Err)
	require.Equal(t, StatusCommitted, out.Status)
	assert.Equal(t, config.StrategyS1Dynamic, out.Strategy)
	assert.Equal(t, int64(len(payload)), out.Bytes)

	// Final artifact, terminal sidecar, no partial left behind.
	final, err := os.ReadFile(f.dest)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, final))
	_, err = os.Stat(sidecar.PartPath(f.dest))
	assert.True(t, os.IsNotExist(err))

	sc, err := f.store.Load(f.dest)
	require.NoError(t, err)
	require.True(t, sc.Terminal())
	assert.Equal(t, digest(payload), sc.SHA256)
	assert.Equal(t, int64(len(payload)), sc.BytesWritten)

	entries := f.historyEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, config.StrategyS1Dynamic, entries[0].Strategy)
	assert.True(t, entries[0].OK)
	assert.Equal(t, int64(len(payload)), entries[0].Bytes)
}

func TestManagerIdempotentSkip(t *testing.T) {
	payload := testPayload(256 * 1024)
	var requests int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		rangedOrigin(payload, `"v1"`).ServeHTTP(w, r)
	}))
	defer ts.Close()

	f := newFixture(t, nil)
	item := f.item(ts.URL)

	out := f.mgr.Run(context.Background(), item)
	require.Equal(t, StatusCommitted, out.Status)
	mu.Lock()
	afterFirst := requests
	mu.Unlock()

	// Second run: zero network I/O, zero writes.
	metaBefore, err := os.ReadFile(sidecar.MetaPath(f.dest))
	require.NoError(t, err)

	out = f.mgr.Run(context.Background(), item)
	require.Equal(t, StatusSkipped, out.Status)
	mu.Lock()
	assert.Equal(t, afterFirst, requests, "skip must not touch the network")
	mu.Unlock()

	metaAfter, err := os.ReadFile(sidecar.MetaPath(f.dest))
	require.NoError(t, err)
	assert.Equal(t, metaBefore, metaAfter, "skip must not rewrite the sidecar")
}

func TestManagerResumeAfterDisconnect(t *testing.T) {
	payload := testPayload(5 << 20)
	var mu sync.Mutex
	dropped := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		shouldDrop := !dropped && r.Method == http.MethodGet && r.Header.Get("Range") != ""
		if shouldDrop {
			dropped = true
		}
		mu.Unlock()
		if shouldDrop {
			// Advertise the range, send ~1.5 MiB, cut the connection.
			w.Header().Set("ETag", `"v1"`)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(payload)-1, len(payload)))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(payload[:3<<19])
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
			}
			return
		}
		rangedOrigin(payload, `"v1"`).ServeHTTP(w, r)
	}))
	defer ts.Close()

	f := newFixture(t, nil)
	out := f.mgr.Run(context.Background(), f.item(ts.URL))

	require.Equal(t, StatusCommitted, out.Status, "err: %v", out.Err)
	final, err := os.ReadFile(f.dest)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, final), "resumed content must be byte-identical")

	sc, err := f.store.Load(f.dest)
	require.NoError(t, err)
	assert.Equal(t, digest(payload), sc.SHA256)

	entries := f.historyEntries(t)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.False(t, entries[0].OK)
	assert.True(t, entries[len(entries)-1].OK)
}

func TestManagerStallAdvancesCascade(t *testing.T) {
	payload := testPayload(3 << 20)
	var mu sync.Mutex
	stalledOnce := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		shouldStall := !stalledOnce && r.Method == http.MethodGet && r.Header.Get("Range") != ""
		if shouldStall {
			stalledOnce = true
		}
		mu.Unlock()
		if shouldStall {
			// Serve headers and a little data, then stop writing forever.
			w.Header().Set("ETag", `"v1"`)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(payload)-1, len(payload)))
			w.WriteHeader(http.StatusPartialContent)
			if fl, ok := w.(http.Flusher); ok {
				fl.Flush()
			}
			<-r.Context().Done()
			return
		}
		rangedOrigin(payload, `"v1"`).ServeHTTP(w, r)
	}))
	defer ts.Close()

	f := newFixture(t, func(cfg *config.Config) {
		cfg.SwitchAfterS = 1
		cfg.Strategies = []string{config.StrategyS1Dynamic, config.StrategyS2Sparse}
	})
	out := f.mgr.Run(context.Background(), f.item(ts.URL))

	require.Equal(t, StatusCommitted, out.Status, "err: %v", out.Err)
	assert.Equal(t, config.StrategyS2Sparse, out.Strategy)

	entries := f.historyEntries(t)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, config.StrategyS1Dynamic, entries[0].Strategy)
	assert.Equal(t, "stalled", entries[0].Error)
	last := entries[len(entries)-1]
	assert.Equal(t, config.StrategyS2Sparse, last.Strategy)
	assert.True(t, last.OK)
}

func TestManagerValidatorChangeResets(t *testing.T) {
	oldPayload := testPayload(2 << 20)
	newPayload := testPayload(2<<20 + 333)
	var mu sync.Mutex
	flipped := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if r.Method == http.MethodGet && r.Header.Get("Range") != "" && !flipped {
			// The resource changes under the first transfer request.
			flipped = true
		}
		etag, payload := `"v1"`, oldPayload
		if flipped {
			etag, payload = `"v2"`, newPayload
		}
		mu.Unlock()
		rangedOrigin(payload, etag).ServeHTTP(w, r)
	}))
	defer ts.Close()

	f := newFixture(t, nil)
	out := f.mgr.Run(context.Background(), f.item(ts.URL))

	require.Equal(t, StatusCommitted, out.Status, "err: %v", out.Err)
	final, err := os.ReadFile(f.dest)
	require.NoError(t, err)
	require.True(t, bytes.Equal(newPayload, final))

	sc, err := f.store.Load(f.dest)
	require.NoError(t, err)
	assert.Equal(t, `"v2"`, sc.ETag)

	entries := f.historyEntries(t)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, "validator_changed", entries[0].Error)
	assert.True(t, entries[len(entries)-1].OK)
}

func TestManagerNoRangesWholeBody(t *testing.T) {
	payload := testPayload(700 * 1024)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
			w.Header().Set("Accept-Ranges", "none")
			w.Header().Set("ETag", `"v1"`)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(payload)
	}))
	defer ts.Close()

	f := newFixture(t, nil)
	out := f.mgr.Run(context.Background(), f.item(ts.URL))

	require.Equal(t, StatusCommitted, out.Status, "err: %v", out.Err)
	sc, err := f.store.Load(f.dest)
	require.NoError(t, err)
	require.True(t, sc.Terminal())
	// No segment map without range support; bytes_written still populated.
	assert.Nil(t, sc.Segments)
	assert.Equal(t, int64(len(payload)), sc.BytesWritten)
}

func TestManagerIntegrityFailureRestartsConservatively(t *testing.T) {
	payload := testPayload(1 << 20)
	garbage := testPayload(1 << 21)[1<<20:] // same length, different bytes
	etag := `"` + digest(payload) + `"`    // strong hex validator

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Keep-alive requests (S1) get corrupted bytes; short-connection
		// requests (S4) get the real ones.
		body := garbage
		if r.Close {
			body = payload
		}
		rangedOrigin(body, etag).ServeHTTP(w, r)
	}))
	defer ts.Close()

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Strategies = []string{config.StrategyS1Dynamic, config.StrategyS4ShortConn}
	})
	out := f.mgr.Run(context.Background(), f.item(ts.URL))

	require.Equal(t, StatusCommitted, out.Status, "err: %v", out.Err)
	assert.Equal(t, config.StrategyS4ShortConn, out.Strategy)

	final, err := os.ReadFile(f.dest)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, final))

	sc, err := f.store.Load(f.dest)
	require.NoError(t, err)
	assert.Equal(t, digest(payload), sc.SHA256)

	// Both cycles are visible: an ok=true S1 attempt whose artifact was
	// thrown away, then the S4 attempt that stuck.
	entries := f.historyEntries(t)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, config.StrategyS1Dynamic, entries[0].Strategy)
	last := entries[len(entries)-1]
	assert.Equal(t, config.StrategyS4ShortConn, last.Strategy)
	assert.True(t, last.OK)
}

func TestManagerZeroLengthResource(t *testing.T) {
	ts := httptest.NewServer(rangedOrigin(nil, `"empty"`))
	defer ts.Close()

	f := newFixture(t, nil)
	out := f.mgr.Run(context.Background(), f.item(ts.URL))

	require.Equal(t, StatusCommitted, out.Status, "err: %v", out.Err)
	fi, err := os.Stat(f.dest)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fi.Size())

	sc, err := f.store.Load(f.dest)
	require.NoError(t, err)
	assert.True(t, sc.Terminal())
	assert.Equal(t, digest(nil), sc.SHA256)
}

func TestManagerFatalShortCircuits(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	f := newFixture(t, nil)
	out := f.mgr.Run(context.Background(), f.item(ts.URL))

	require.Equal(t, StatusFailed, out.Status)
	require.Error(t, out.Err)
}

func TestManagerDecide(t *testing.T) {
	payload := testPayload(128 * 1024)
	ts := httptest.NewServer(rangedOrigin(payload, `"v1"`))
	defer ts.Close()

	f := newFixture(t, nil)
	item := f.item(ts.URL)

	// Fresh destination: first applicable strategy.
	skip, strat, err := f.mgr.Decide(item)
	require.NoError(t, err)
	assert.False(t, skip)
	assert.Equal(t, config.StrategyS1Dynamic, strat)

	// Committed destination: skip.
	out := f.mgr.Run(context.Background(), item)
	require.Equal(t, StatusCommitted, out.Status)
	skip, _, err = f.mgr.Decide(item)
	require.NoError(t, err)
	assert.True(t, skip)
}
