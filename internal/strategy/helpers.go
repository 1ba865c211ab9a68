// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/pherdinauer/anacmirror/internal/httpx"
	"github.com/pherdinauer/anacmirror/internal/sidecar"
)

const copyBufSize = 128 * 1024

// openPart opens (creating if needed) the partial file for writing at
// arbitrary offsets. Holes are fine; the file is sparse until filled.
func openPart(dest string) (*os.File, error) {
	return os.OpenFile(sidecar.PartPath(dest), os.O_RDWR|os.O_CREATE, 0o644)
}

// checkpoint persists the sidecar after a completed segment or chunk.
func checkpoint(r *Request) error {
	return r.Store.Write(r.Item.DestPath, r.Sidecar)
}

// resetForValidatorChange clears the partial file and bitmap. This is the
// one legitimate path that shrinks bytes_written.
func resetForValidatorChange(r *Request) error {
	return r.Store.ResetPartial(r.Item.DestPath, r.Sidecar, "validator_changed")
}

// ifRangeValidator returns the validator to send with conditional ranged
// requests: the strong ETag if recorded, else Last-Modified.
func ifRangeValidator(sc *sidecar.Sidecar) string {
	if sc.ETag != "" && !isWeakETag(sc.ETag) {
		return sc.ETag
	}
	return sc.LastModified
}

func isWeakETag(etag string) bool {
	return len(etag) >= 2 && (etag[:2] == "W/" || etag[:2] == "w/")
}

// checkRangedResponse applies the shared response rules for a ranged GET
// issued at a nonzero resume state:
//   - 206 is the only acceptable status;
//   - 200 means the origin ignored or rejected the range (If-Range miss or
//     no range support mid-flight) and invalidates resume;
//   - an ETag that differs from the recorded one means the resource moved
//     under us even if the status looked right.
func checkRangedResponse(r *Request, resp *http.Response, wantStart int64) error {
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if et := resp.Header.Get("ETag"); et != "" && r.Sidecar.ETag != "" && et != r.Sidecar.ETag {
			return ErrValidatorChanged
		}
		if start, _, _, ok := httpx.ParseContentRange(resp.Header.Get("Content-Range")); ok && start != wantStart {
			return fmt.Errorf("%w: origin moved range start to %d", ErrValidatorChanged, start)
		}
		return nil
	case http.StatusOK:
		return ErrValidatorChanged
	default:
		return &httpx.StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

// writeBody streams a response body into the partial file starting at
// offset, ticking cumulative progress as it goes. It returns the bytes
// written. want < 0 reads to EOF; otherwise a short body returns
// ErrTruncated after the bytes that did arrive are kept.
func writeBody(ctx context.Context, r *Request, f *os.File, body io.Reader, offset, want int64, progressBase int64) (int64, error) {
	buf := make([]byte, copyBufSize)
	var written int64
	for {
		if want >= 0 && written >= want {
			return written, nil
		}
		limit := int64(len(buf))
		if want >= 0 && want-written < limit {
			limit = want - written
		}
		n, err := body.Read(buf[:limit])
		if n > 0 {
			if _, werr := f.WriteAt(buf[:n], offset+written); werr != nil {
				return written, werr
			}
			written += int64(n)
			r.tick(progressBase + written)
		}
		if err == io.EOF {
			if want >= 0 && written < want {
				return written, ErrTruncated
			}
			return written, nil
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return written, cerr
			}
			return written, err
		}
	}
}

// markSegmentsWithin sets every segment bit fully contained in
// [from, upto) and refreshes bytes_written. Bits are only ever set for
// whole segments; partially covered segments stay unmarked and are
// re-fetched on resume.
func markSegmentsWithin(sc *sidecar.Sidecar, from, upto int64) {
	if sc.Segments == nil || sc.Segments.Size <= 0 {
		return
	}
	size := sc.Segments.Size
	first := int(from / size)
	for i := first; i < len(sc.Segments.Bitmap); i++ {
		_, end := sc.SegmentRange(i)
		if end >= upto {
			break
		}
		sc.Segments.Bitmap.Set(i)
	}
	// The tail segment has no successor to bound it; it is complete when
	// upto reaches the total length.
	if total := sc.KnownLength(); total >= 0 && upto >= total {
		if last := len(sc.Segments.Bitmap) - 1; last >= 0 {
			sc.Segments.Bitmap.Set(last)
		}
	}
	sc.RecomputeBytes()
}

// fillOpts parameterizes the linear filler shared by the dynamic,
// short-connection and tail-first strategies.
type fillOpts struct {
	reqBytes int64 // bytes per ranged request
	short    bool  // Connection: close per request
	overlap  int64 // resume overlap re-requested before the high-water mark
}

// fillLinear downloads every unmarked segment run in ascending offset
// order. Each run starts at a segment boundary, except that the first
// request reaches back by the resume overlap into marked territory to
// repair a last partial block that may have been lost before fsync.
// Requests are opts.reqBytes long, so one may end inside a segment; that
// segment is marked only once a later request completes it.
func fillLinear(ctx context.Context, r *Request, opts fillOpts) Result {
	sc := r.Sidecar
	total := sc.KnownLength()
	if total == 0 {
		return finishEmpty(r)
	}
	if sc.Segments == nil || total < 0 {
		return Result{Class: ClassUnsupported, Err: fmt.Errorf("linear fill needs known length")}
	}

	f, err := openPart(r.Item.DestPath)
	if err != nil {
		return Result{Class: Classify(err), Err: err}
	}
	defer f.Close()

	bitmap := sc.Segments.Bitmap
	firstReq := true
	for {
		if err := ctx.Err(); err != nil {
			return Result{Class: ClassInterrupted, BytesWritten: sc.BytesWritten, Err: err}
		}
		idx := bitmap.FirstUnset()
		if idx < 0 {
			break
		}
		runEnd := idx
		for runEnd < len(bitmap) && !bitmap.Get(runEnd) {
			runEnd++
		}
		spanStart, _ := sc.SegmentRange(idx)
		_, spanEnd := sc.SegmentRange(runEnd - 1)

		pos := spanStart
		if firstReq && opts.overlap > 0 && spanStart > 0 {
			pos = spanStart - opts.overlap
			if pos < 0 {
				pos = 0
			}
		}
		firstReq = false

		for pos <= spanEnd {
			if err := ctx.Err(); err != nil {
				return Result{Class: ClassInterrupted, BytesWritten: sc.BytesWritten, Err: err}
			}
			end := pos + opts.reqBytes - 1
			if end > spanEnd {
				end = spanEnd
			}
			var resp *http.Response
			var gerr error
			if opts.short {
				resp, gerr = r.Client.ShortGet(ctx, r.Item.ResourceURL, pos, end, ifRangeValidator(sc))
			} else {
				resp, gerr = r.Client.RangedGet(ctx, r.Item.ResourceURL, pos, end, ifRangeValidator(sc))
			}
			if gerr != nil {
				if cerr := ctx.Err(); cerr != nil {
					return Result{Class: ClassInterrupted, BytesWritten: sc.BytesWritten, Err: cerr}
				}
				return Result{Class: Classify(gerr), BytesWritten: sc.BytesWritten, Err: gerr}
			}
			if err := checkRangedResponse(r, resp, pos); err != nil {
				resp.Body.Close()
				if Classify(err) == ClassValidatorChanged {
					if rerr := resetForValidatorChange(r); rerr != nil {
						return Result{Class: Classify(rerr), Err: rerr}
					}
				}
				return Result{Class: Classify(err), BytesWritten: sc.BytesWritten, Err: err}
			}

			want := end - pos + 1
			written, werr := writeBody(ctx, r, f, resp.Body, pos, want, sc.BytesWritten)
			resp.Body.Close()

			if written > 0 {
				if serr := f.Sync(); serr != nil {
					return Result{Class: Classify(serr), BytesWritten: sc.BytesWritten, Err: serr}
				}
				markSegmentsWithin(sc, pos, pos+written)
				if cerr := checkpoint(r); cerr != nil {
					return Result{Class: Classify(cerr), BytesWritten: sc.BytesWritten, Err: cerr}
				}
				r.tick(sc.BytesWritten)
			}
			if werr != nil {
				if cerr := ctx.Err(); cerr != nil {
					return Result{Class: ClassInterrupted, BytesWritten: sc.BytesWritten, Err: cerr}
				}
				return Result{Class: Classify(werr), BytesWritten: sc.BytesWritten, Err: werr}
			}
			pos = end + 1
		}
	}
	return Result{OK: true, BytesWritten: sc.BytesWritten, ETag: sc.ETag}
}

// finishEmpty completes a zero-length resource: the partial file exists and
// is empty, nothing to transfer.
func finishEmpty(r *Request) Result {
	f, err := openPart(r.Item.DestPath)
	if err != nil {
		return Result{Class: Classify(err), Err: err}
	}
	defer f.Close()
	if err := f.Truncate(0); err != nil {
		return Result{Class: Classify(err), Err: err}
	}
	if err := f.Sync(); err != nil {
		return Result{Class: Classify(err), Err: err}
	}
	r.Sidecar.BytesWritten = 0
	if err := checkpoint(r); err != nil {
		return Result{Class: Classify(err), Err: err}
	}
	return Result{OK: true, BytesWritten: 0, ETag: r.Sidecar.ETag}
}

// wholeBody downloads the resource with a single GET for the whole body
// (unranged, or an open-ended bytes=0- range on the short path), for origins
// that do not support ranges or never said how long the body is. Progress
// within an attempt is not resumable: the partial file is truncated first,
// and bytes_written is persisted only on completion so an aborted attempt
// never shrinks the recorded count.
func wholeBody(ctx context.Context, r *Request, short bool) Result {
	sc := r.Sidecar
	f, err := openPart(r.Item.DestPath)
	if err != nil {
		return Result{Class: Classify(err), Err: err}
	}
	defer f.Close()
	if err := f.Truncate(0); err != nil {
		return Result{Class: Classify(err), Err: err}
	}

	var resp *http.Response
	var gerr error
	if short {
		resp, gerr = r.Client.ShortGet(ctx, r.Item.ResourceURL, 0, -1, "")
	} else {
		resp, gerr = r.Client.Get(ctx, r.Item.ResourceURL)
	}
	if gerr != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Result{Class: ClassInterrupted, Err: cerr}
		}
		return Result{Class: Classify(gerr), Err: gerr}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		err := &httpx.StatusError{Code: resp.StatusCode, Status: resp.Status}
		return Result{Class: Classify(err), Err: err}
	}

	want := int64(-1)
	if resp.ContentLength >= 0 {
		want = resp.ContentLength
	}
	written, werr := writeBody(ctx, r, f, resp.Body, 0, want, 0)
	if werr != nil {
		if cerr := ctx.Err(); cerr != nil {
			return Result{Class: ClassInterrupted, Err: cerr}
		}
		return Result{Class: Classify(werr), Err: werr}
	}
	if err := f.Sync(); err != nil {
		return Result{Class: Classify(err), Err: err}
	}

	// The origin never promised a length up front; record what actually
	// arrived so the verifier has a size to hold the artifact to.
	if sc.ContentLength == nil {
		n := written
		sc.ContentLength = &n
	}
	sc.BytesWritten = written
	if et := resp.Header.Get("ETag"); et != "" {
		sc.ETag = et
	}
	if err := checkpoint(r); err != nil {
		return Result{Class: Classify(err), Err: err}
	}
	r.tick(written)
	return Result{OK: true, BytesWritten: written, ETag: sc.ETag}
}
