// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/pherdinauer/anacmirror/internal/config"
	"github.com/pherdinauer/anacmirror/internal/sidecar"
)

// s3Curl shells out to curl with resume (-C -), bounded retries and
// redirect following. The partial file is the canonical resume target, so
// the strategy only applies while recorded progress is a contiguous prefix:
// curl resumes from file size and knows nothing about bitmap holes.
type s3Curl struct{}

func (s3Curl) Name() string { return config.StrategyS3Curl }

func (s3Curl) Applicable(r *Request) bool {
	if !r.Config.EnableCurl {
		return false
	}
	if _, err := exec.LookPath(r.Config.CurlPath); err != nil {
		return false
	}
	if seg := r.Sidecar.Segments; seg != nil {
		if seg.Bitmap.ContiguousPrefix() != seg.Bitmap.Popcount() {
			return false
		}
	}
	return true
}

func (s3Curl) Fetch(ctx context.Context, r *Request) Result {
	sc := r.Sidecar
	part := sidecar.PartPath(r.Item.DestPath)

	args := []string{
		"-C", "-",
		"-L", "--max-redirs", "5",
		"--retry", fmt.Sprint(r.Config.RetriesPerStrategy),
		"--retry-delay", "1",
		"--fail", "-sS",
		"-A", userAgent(r),
		"-H", "Accept-Encoding: identity",
		"-o", part,
	}
	if r.Config.RateLimitRPS > 0 && r.Config.RateLimitRPS < 1 {
		// Sub-1rps configurations also throttle bulk transfer.
		args = append(args, "--limit-rate", "500k")
	}
	for k, v := range r.Config.HTTP.Headers {
		args = append(args, "-H", fmt.Sprintf("%s: %s", k, v))
	}
	args = append(args, r.Item.ResourceURL)

	cmd := exec.CommandContext(ctx, r.Config.CurlPath, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	// curl does not report progress on a wire we can observe, so liveness
	// comes from polling the partial file size.
	pollDone := make(chan struct{})
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-pollDone:
				return
			case <-t.C:
				if fi, err := os.Stat(part); err == nil {
					r.tick(fi.Size())
				}
			}
		}
	}()
	runErr := cmd.Run()
	close(pollDone)

	// Whatever curl wrote, make it durable before reasoning about it.
	size := int64(0)
	if f, err := os.OpenFile(part, os.O_RDWR, 0o644); err == nil {
		_ = f.Sync()
		if fi, err := f.Stat(); err == nil {
			size = fi.Size()
		}
		f.Close()
	}

	total := sc.KnownLength()
	if runErr == nil {
		if total >= 0 && size != total {
			err := fmt.Errorf("%w: curl wrote %d of %d", ErrTruncated, size, total)
			s3Checkpoint(r, size, false)
			return Result{Class: ClassRetryable, BytesWritten: sc.BytesWritten, Err: err}
		}
		if total < 0 {
			n := size
			sc.ContentLength = &n
		}
		s3Checkpoint(r, size, true)
		return Result{OK: true, BytesWritten: sc.BytesWritten, ETag: sc.ETag}
	}

	if cerr := ctx.Err(); cerr != nil {
		s3Checkpoint(r, size, false)
		return Result{Class: ClassInterrupted, BytesWritten: sc.BytesWritten, Err: cerr}
	}
	s3Checkpoint(r, size, false)
	err := mapCurlExit(runErr)
	return Result{Class: Classify(err), BytesWritten: sc.BytesWritten, Err: err}
}

// s3Checkpoint records curl's contiguous progress in the sidecar. On an
// aborted run the last partial block may predate curl's own buffering, so
// coverage is credited only for whole segments that end below the observed
// size minus the resume overlap.
func s3Checkpoint(r *Request, size int64, complete bool) {
	sc := r.Sidecar
	if sc.Segments != nil {
		if complete {
			sc.MarkCovered(sc.KnownLength())
		} else {
			safe := size - int64(r.Config.OverlapBytes)
			if safe > 0 {
				markSegmentsWithin(sc, 0, safe)
			}
		}
	} else if complete {
		sc.BytesWritten = size
	}
	_ = checkpoint(r)
	r.tick(sc.BytesWritten)
}

func userAgent(r *Request) string {
	if ua := r.Config.HTTP.UserAgent; ua != "" {
		return ua
	}
	return "anacmirror/1"
}

// mapCurlExit folds curl exit codes into the error taxonomy.
func mapCurlExit(err error) error {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	switch ee.ExitCode() {
	case 6: // could not resolve host
		return fmt.Errorf("curl: dns unresolved: %w", errCurlFatal)
	case 7: // connection refused
		return fmt.Errorf("curl: connect failed: %w", errCurlRetryable)
	case 18, 28: // partial file, timeout
		return fmt.Errorf("curl: %w", ErrTruncated)
	case 22: // HTTP error >= 400 with --fail
		return fmt.Errorf("curl: http error: %w", errCurlRetryable)
	case 23: // write error (local disk)
		return fmt.Errorf("curl: local write error: %w", errCurlFatal)
	case 33: // range not supported
		return fmt.Errorf("curl: range refused: %w", errCurlUnsupported)
	default:
		return fmt.Errorf("curl: exit %d: %w", ee.ExitCode(), errCurlRetryable)
	}
}

// Internal sentinels so mapCurlExit outcomes classify without inventing
// fake HTTP statuses.
var (
	errCurlFatal       = errors.New("curl fatal")
	errCurlRetryable   = errors.New("curl retryable")
	errCurlUnsupported = errors.New("curl unsupported")
)
