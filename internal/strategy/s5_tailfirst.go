// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pherdinauer/anacmirror/internal/config"
	"github.com/pherdinauer/anacmirror/internal/httpx"
)

// s5TailFirst fetches the final segment first with a suffix range and
// cross-checks the advertised total length, surfacing a truncation or
// instability pathology before committing effort to the body. The rest is
// the ascending fill.
type s5TailFirst struct{}

func (s5TailFirst) Name() string { return config.StrategyS5TailFirst }

func (s5TailFirst) Applicable(r *Request) bool {
	return r.Sidecar.RangesOK() && r.Sidecar.KnownLength() >= 0
}

func (s5TailFirst) Fetch(ctx context.Context, r *Request) Result {
	sc := r.Sidecar
	total := sc.KnownLength()
	if total == 0 {
		return finishEmpty(r)
	}

	last := len(sc.Segments.Bitmap) - 1
	if last >= 0 && !sc.Segments.Bitmap.Get(last) {
		if res, ok := s5FetchTail(ctx, r, last); !ok {
			return res
		}
	}
	return fillLinear(ctx, r, fillOpts{
		reqBytes: r.Config.DynamicChunkBytes(total),
		overlap:  int64(r.Config.OverlapBytes),
	})
}

// s5FetchTail pulls the final segment via Range: bytes=-N and validates the
// origin's idea of the total length against the probed one.
func s5FetchTail(ctx context.Context, r *Request, last int) (Result, bool) {
	sc := r.Sidecar
	start, end := sc.SegmentRange(last)
	tailLen := end - start + 1

	resp, err := r.Client.SuffixGet(ctx, r.Item.ResourceURL, tailLen)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Result{Class: ClassInterrupted, BytesWritten: sc.BytesWritten, Err: cerr}, false
		}
		return Result{Class: Classify(err), BytesWritten: sc.BytesWritten, Err: err}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		verr := ErrValidatorChanged
		if resp.StatusCode != http.StatusOK {
			serr := &httpx.StatusError{Code: resp.StatusCode, Status: resp.Status}
			return Result{Class: Classify(serr), BytesWritten: sc.BytesWritten, Err: serr}, false
		}
		if rerr := resetForValidatorChange(r); rerr != nil {
			return Result{Class: Classify(rerr), Err: rerr}, false
		}
		return Result{Class: ClassValidatorChanged, Err: verr}, false
	}
	if _, _, respTotal, ok := httpx.ParseContentRange(resp.Header.Get("Content-Range")); ok && respTotal >= 0 && respTotal != sc.KnownLength() {
		verr := fmt.Errorf("%w: origin now reports %d bytes", ErrValidatorChanged, respTotal)
		if rerr := resetForValidatorChange(r); rerr != nil {
			return Result{Class: Classify(rerr), Err: rerr}, false
		}
		return Result{Class: ClassValidatorChanged, Err: verr}, false
	}
	if et := resp.Header.Get("ETag"); et != "" && sc.ETag != "" && et != sc.ETag {
		if rerr := resetForValidatorChange(r); rerr != nil {
			return Result{Class: Classify(rerr), Err: rerr}, false
		}
		return Result{Class: ClassValidatorChanged, Err: ErrValidatorChanged}, false
	}

	f, err := openPart(r.Item.DestPath)
	if err != nil {
		return Result{Class: Classify(err), Err: err}, false
	}
	defer f.Close()

	written, werr := writeBody(ctx, r, f, resp.Body, start, tailLen, sc.BytesWritten)
	if werr != nil || written != tailLen {
		if cerr := ctx.Err(); cerr != nil {
			return Result{Class: ClassInterrupted, BytesWritten: sc.BytesWritten, Err: cerr}, false
		}
		if werr == nil {
			werr = ErrTruncated
		}
		return Result{Class: Classify(werr), BytesWritten: sc.BytesWritten, Err: werr}, false
	}
	if serr := f.Sync(); serr != nil {
		return Result{Class: Classify(serr), Err: serr}, false
	}
	sc.Segments.Bitmap.Set(last)
	sc.RecomputeBytes()
	if cerr := checkpoint(r); cerr != nil {
		return Result{Class: Classify(cerr), Err: cerr}, false
	}
	r.tick(sc.BytesWritten)
	return Result{}, true
}
