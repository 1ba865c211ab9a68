// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package httpx

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// Probe is what the transport learned about a resource before transfer.
type Probe struct {
	ContentLength int64 // -1 when the origin does not say
	ETag          string
	LastModified  string
	AcceptRanges  bool
	FinalURL      string // after redirects; the stored identity stays the plan URL
	StatusCode    int
}

// Probe attempts a HEAD; origins that reject HEAD (405, 501, and the odd
// 403-on-HEAD-only) get a GET with Range: bytes=0-0 whose body is closed as
// soon as headers are in. Either way the validators and range support are
// extracted from the headers.
func (c *Client) Probe(ctx context.Context, url string) (Probe, error) {
	if err := c.Pace(ctx); err != nil {
		return Probe{}, err
	}

	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return Probe{}, err
	}
	resp, err := c.hc.Do(req)
	if err == nil {
		defer resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return probeFromHead(resp), nil
		case resp.StatusCode == http.StatusMethodNotAllowed,
			resp.StatusCode == http.StatusNotImplemented,
			resp.StatusCode == http.StatusForbidden:
			// fall through to the ranged-GET probe
		default:
			return Probe{StatusCode: resp.StatusCode}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
		}
	}

	resp2, err2 := c.RangedGet(ctx, url, 0, 0, "")
	if err2 != nil {
		return Probe{}, err2
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK && resp2.StatusCode != http.StatusPartialContent {
		return Probe{StatusCode: resp2.StatusCode}, &StatusError{Code: resp2.StatusCode, Status: resp2.Status}
	}
	return probeFromRanged(resp2), nil
}

func probeFromHead(resp *http.Response) Probe {
	p := Probe{
		ContentLength: -1,
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		AcceptRanges:  SupportsRange(resp.Header),
		FinalURL:      resp.Request.URL.String(),
		StatusCode:    resp.StatusCode,
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			p.ContentLength = n
		}
	}
	return p
}

func probeFromRanged(resp *http.Response) Probe {
	p := Probe{
		ContentLength: -1,
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		FinalURL:      resp.Request.URL.String(),
		StatusCode:    resp.StatusCode,
	}
	if resp.StatusCode == http.StatusPartialContent {
		// Honoring bytes=0-0 is the strongest range signal there is.
		p.AcceptRanges = true
		if _, _, total, ok := ParseContentRange(resp.Header.Get("Content-Range")); ok && total >= 0 {
			p.ContentLength = total
		}
	} else {
		p.AcceptRanges = SupportsRange(resp.Header)
		if resp.ContentLength >= 0 {
			p.ContentLength = resp.ContentLength
		}
	}
	return p
}

// ParseContentRange parses "Content-Range: bytes start-end/total". It
// returns (start, end, total, ok); an unknown "*" total comes back as -1.
func ParseContentRange(h string) (int64, int64, int64, bool) {
	if h == "" {
		return 0, -1, -1, false
	}
	h = strings.ToLower(strings.TrimSpace(h))
	if !strings.HasPrefix(h, "bytes ") {
		return 0, -1, -1, false
	}
	body := strings.TrimSpace(h[len("bytes "):])
	seTotal := strings.SplitN(body, "/", 2)
	if len(seTotal) != 2 {
		return 0, -1, -1, false
	}
	se := strings.SplitN(strings.TrimSpace(seTotal[0]), "-", 2)
	if len(se) != 2 {
		return 0, -1, -1, false
	}
	start, err1 := strconv.ParseInt(strings.TrimSpace(se[0]), 10, 64)
	end, err2 := strconv.ParseInt(strings.TrimSpace(se[1]), 10, 64)
	if err1 != nil || err2 != nil {
		return 0, -1, -1, false
	}
	total := int64(-1)
	if totalStr := strings.TrimSpace(seTotal[1]); totalStr != "*" {
		t, err := strconv.ParseInt(totalStr, 10, 64)
		if err != nil {
			return 0, -1, -1, false
		}
		total = t
	}
	return start, end, total, true
}
