// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package httpx is the shared HTTP transport of the download core: one
// client with identity encoding, bounded redirects, probe and ranged-GET
// primitives, and a process-global token-bucket pacer for discrete
// requests.
package httpx

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUserAgent identifies the mirror to origins unless configured
// otherwise.
const DefaultUserAgent = "anacmirror/1"

const maxRedirects = 5

// Options configures the shared client.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // response-header deadline; body liveness is the stall detector's job
	HTTP2          bool
	UserAgent      string
	Headers        map[string]string

	// RateRPS paces discrete requests (probes). Transfers stream under
	// per-host connection caps instead. Zero or negative disables pacing.
	// Jitter between paced requests is derived from the rate: a uniform
	// sleep in [0.3/rps, 0.7/rps].
	RateRPS float64
}

// Client wraps *http.Client with the request conventions every strategy
// shares. It is stateless across resources and safe for concurrent use.
type Client struct {
	hc      *http.Client
	opts    Options
	limiter *rate.Limiter
}

// StatusError is an HTTP response with a status the caller did not want.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// New builds the shared client.
func New(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     opts.HTTP2,
		MaxIdleConns:          64,
		MaxConnsPerHost:       8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: opts.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		// Content-Length must stay meaningful for ranged transfers.
		DisableCompression: true,
	}

	var limiter *rate.Limiter
	if opts.RateRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateRPS), 1)
	}

	return &Client{
		hc: &http.Client{
			Transport: tr,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		opts:    opts,
		limiter: limiter,
	}
}

// Pace blocks until the rate limiter admits one more discrete request, then
// sleeps the derived jitter. Probes go through here; transfer requests are
// deliberately exempt.
func (c *Client) Pace(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	lo := time.Duration(0.3 / c.opts.RateRPS * float64(time.Second))
	hi := time.Duration(0.7 / c.opts.RateRPS * float64(time.Second))
	d := lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// newRequest builds a GET/HEAD with the shared header conventions.
func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept-Encoding", "identity")
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Get issues a plain whole-body GET.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	return c.hc.Do(req)
}

// RangedGet issues a keep-alive GET for bytes [start, end]; end < 0 leaves
// the range open-ended. A non-empty ifRange makes the request conditional so
// a changed resource answers 200 instead of a stale 206.
func (c *Client) RangedGet(ctx context.Context, url string, start, end int64, ifRange string) (*http.Response, error) {
	return c.rangedGet(ctx, url, start, end, ifRange, false)
}

// ShortGet is RangedGet with Connection: close, for origins that degrade
// over a persistent connection.
func (c *Client) ShortGet(ctx context.Context, url string, start, end int64, ifRange string) (*http.Response, error) {
	return c.rangedGet(ctx, url, start, end, ifRange, true)
}

func (c *Client) rangedGet(ctx context.Context, url string, start, end int64, ifRange string, closeConn bool) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	if end >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}
	if ifRange != "" {
		req.Header.Set("If-Range", ifRange)
	}
	if closeConn {
		req.Header.Set("Connection", "close")
		req.Close = true
	}
	return c.hc.Do(req)
}

// SuffixGet requests the final n bytes of the resource (Range: bytes=-n).
func (c *Client) SuffixGet(ctx context.Context, url string, n int64) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=-%d", n))
	return c.hc.Do(req)
}

// SupportsRange reports whether a response header advertises byte ranges.
func SupportsRange(h http.Header) bool {
	for _, part := range strings.Split(strings.ToLower(h.Get("Accept-Ranges")), ",") {
		if strings.TrimSpace(part) == "bytes" {
			return true
		}
	}
	return false
}
