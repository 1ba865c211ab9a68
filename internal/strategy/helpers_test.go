// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pherdinauer/anacmirror/internal/config"
	"github.com/pherdinauer/anacmirror/internal/httpx"
	"github.com/pherdinauer/anacmirror/internal/sidecar"
	"github.com/pherdinauer/anacmirror/pkg/mirror"
)

// testPayload builds a deterministic byte pattern so range math errors show
// up as content mismatches.
func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*13 + 7) % 251)
	}
	return b
}

// rangeOrigin is an httptest origin with byte-range support and a request
// journal the assertions read.
type rangeOrigin struct {
	mu       sync.Mutex
	payload  []byte
	etag     string
	requests []string // Range header per GET, "" for whole-body
	hook     func(w http.ResponseWriter, r *http.Request) bool
}

func newRangeOrigin(payload []byte, etag string) *rangeOrigin {
	return &rangeOrigin{payload: payload, etag: etag}
}

func (o *rangeOrigin) ranges() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.requests...)
}

func (o *rangeOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.requests = append(o.requests, r.Header.Get("Range"))
	hook := o.hook
	o.mu.Unlock()

	if hook != nil && hook(w, r) {
		return
	}
	if o.etag != "" {
		w.Header().Set("ETag", o.etag)
	}
	http.ServeContent(w, r, "res.bin", time.Unix(1700000000, 0), bytes.NewReader(o.payload))
}

// newTestRequest builds a strategy request against a destination in a temp
// dir, with a sidecar primed the way the cascade primes it after a probe.
func newTestRequest(t *testing.T, url string, length int64, ranges bool, etag string) *Request {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "res.bin")

	cfg := config.Default()
	cfg.SparseSegmentMB = 1
	cfg.RateLimitRPS = -1
	cfg.Normalize()

	sc := &sidecar.Sidecar{URL: url, DatasetSlug: "ds", ResourceName: "res.bin", ETag: etag}
	ar := ranges
	sc.AcceptRanges = &ar
	if length >= 0 {
		n := length
		sc.ContentLength = &n
		if ranges {
			sc.EnsureSegments(n, cfg.SparseSegmentBytes())
		}
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return &Request{
		Item: mirror.PlanItem{
			DatasetSlug: "ds",
			ResourceURL: url,
			DestPath:    dest,
			Reason:      mirror.ReasonMissing,
		},
		Sidecar: sc,
		Store:   sidecar.NewStore(nil),
		Client:  httpx.New(httpx.Options{UserAgent: "anacmirror-test/1"}),
		Config:  cfg,
		Log:     logrus.NewEntry(log),
	}
}

// requirePartMatches checks the partial file content against the payload.
func requirePartMatches(t *testing.T, dest string, payload []byte) {
	t.Helper()
	got, err := os.ReadFile(sidecar.PartPath(dest))
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, got), "partial content mismatch")
}

// parseRangeStart extracts the start offset from "bytes=a-b".
func parseRangeStart(t *testing.T, rng string) int64 {
	t.Helper()
	require.True(t, strings.HasPrefix(rng, "bytes="), "unexpected range %q", rng)
	spec := strings.TrimPrefix(rng, "bytes=")
	start, err := strconv.ParseInt(strings.SplitN(spec, "-", 2)[0], 10, 64)
	require.NoError(t, err)
	return start
}
