// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package runner consumes a plan and drives one cascade manager per item,
// with bounded concurrency and never more than one manager per destination
// path.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pherdinauer/anacmirror/internal/cascade"
	"github.com/pherdinauer/anacmirror/internal/config"
	"github.com/pherdinauer/anacmirror/internal/history"
	"github.com/pherdinauer/anacmirror/internal/httpx"
	"github.com/pherdinauer/anacmirror/internal/sidecar"
	"github.com/pherdinauer/anacmirror/internal/strategy"
	"github.com/pherdinauer/anacmirror/pkg/mirror"
)

// Runner executes plans.
type Runner struct {
	cfg      *config.Config
	log      *logrus.Entry
	progress mirror.ProgressFunc

	client *httpx.Client
	store  *sidecar.Store
	hist   *history.Appender
}

// New wires a runner and its shared collaborators: one transport, one
// sidecar store, one history appender for the whole run.
func New(cfg *config.Config, log *logrus.Entry, progress mirror.ProgressFunc) (*Runner, error) {
	hist, err := history.NewAppender(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	client := httpx.New(httpx.Options{
		ConnectTimeout: cfg.ConnectTimeout(),
		ReadTimeout:    cfg.ReadTimeout(),
		HTTP2:          cfg.HTTP.HTTP2,
		UserAgent:      cfg.HTTP.UserAgent,
		Headers:        cfg.HTTP.Headers,
		RateRPS:        cfg.RateLimitRPS,
	})
	return &Runner{
		cfg:      cfg,
		log:      log,
		progress: progress,
		client:   client,
		store:    sidecar.NewStore(log),
		hist:     hist,
	}, nil
}

func (r *Runner) emit(ev mirror.ProgressEvent) {
	if r.progress == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	r.progress(ev)
}

// Run executes every plan item and aggregates the outcome. The returned
// summary is complete even when the context is cancelled mid-run; items
// not started count as interrupted.
func (r *Runner) Run(ctx context.Context, plan *mirror.Plan) *mirror.Summary {
	summary := &mirror.Summary{Total: len(plan.Items)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.MaxConcurrency)

	for _, item := range plan.Items {
		it := item
		r.emit(mirror.ProgressEvent{
			Event: "plan_item", Dataset: it.DatasetSlug, URL: it.ResourceURL,
			Path: it.DestPath, Total: it.ExpectedSize,
		})
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				summary.Interrupted++
				mu.Unlock()
				return nil
			}
			r.emit(mirror.ProgressEvent{
				Event: "file_start", Dataset: it.DatasetSlug, URL: it.ResourceURL,
				Path: it.DestPath, Total: it.ExpectedSize,
			})

			mgr := cascade.New(r.cfg, r.client, r.store, r.hist, r.log, r.progress)
			out := mgr.Run(gctx, it)

			mu.Lock()
			defer mu.Unlock()
			summary.Bytes += out.Bytes
			switch out.Status {
			case cascade.StatusCommitted:
				summary.Downloaded++
			case cascade.StatusSkipped:
				summary.Skipped++
			case cascade.StatusInterrupted:
				summary.Interrupted++
			case cascade.StatusFailed:
				summary.Failed++
				msg := strategy.Render(out.Err)
				summary.AddError(msg)
				r.emit(mirror.ProgressEvent{
					Level: "error", Event: "error", Dataset: it.DatasetSlug,
					URL: it.ResourceURL, Path: it.DestPath, Message: msg,
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	r.emit(mirror.ProgressEvent{Event: "done", Message: summaryLine(summary)})
	return summary
}

// Decision is the dry-run output for one item.
type Decision struct {
	DatasetSlug string `json:"dataset_slug"`
	ResourceURL string `json:"resource_url"`
	DestPath    string `json:"dest_path"`
	Skip        bool   `json:"skip"`
	Strategy    string `json:"strategy,omitempty"`
}

// DryRun reports the manager's intended first-strategy decision per item
// without opening any sockets.
func (r *Runner) DryRun(plan *mirror.Plan) ([]Decision, error) {
	out := make([]Decision, 0, len(plan.Items))
	mgr := cascade.New(r.cfg, r.client, r.store, r.hist, r.log, nil)
	for _, it := range plan.Items {
		skip, strat, err := mgr.Decide(it)
		if err != nil {
			return nil, err
		}
		out = append(out, Decision{
			DatasetSlug: it.DatasetSlug,
			ResourceURL: it.ResourceURL,
			DestPath:    it.DestPath,
			Skip:        skip,
			Strategy:    strat,
		})
	}
	return out, nil
}

func summaryLine(s *mirror.Summary) string {
	return fmt.Sprintf("run complete (downloaded %d, skipped %d, failed %d, interrupted %d)",
		s.Downloaded, s.Skipped, s.Failed, s.Interrupted)
}
