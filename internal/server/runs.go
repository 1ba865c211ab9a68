// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pherdinauer/anacmirror/internal/runner"
	"github.com/pherdinauer/anacmirror/pkg/mirror"
)

// RunStatus is the state of a plan run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunRequest is the POST /api/runs payload: inline plan items.
type RunRequest struct {
	Items  []mirror.PlanItem `json:"items"`
	DryRun bool              `json:"dryRun,omitempty"`
}

// Run is one plan execution.
type Run struct {
	ID        string            `json:"id"`
	Status    RunStatus         `json:"status"`
	DryRun    bool              `json:"dryRun,omitempty"`
	Items     int               `json:"items"`
	Summary   *mirror.Summary   `json:"summary,omitempty"`
	Decisions []runner.Decision `json:"decisions,omitempty"`
	Progress  RunProgress       `json:"progress"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	StartedAt *time.Time        `json:"startedAt,omitempty"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`

	plan   *mirror.Plan
	cancel context.CancelFunc
}

// RunProgress holds aggregate progress info.
type RunProgress struct {
	TotalItems      int   `json:"totalItems"`
	CompletedItems  int   `json:"completedItems"`
	TotalBytes      int64 `json:"totalBytes"`
	DownloadedBytes int64 `json:"downloadedBytes"`
}

// RunManager owns plan runs. The destination tree has a single owner, so
// at most one run executes at a time; later requests queue behind it.
type RunManager struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	active bool
	queue  []*Run
	config Config
	wsHub  *WSHub
	log    *logrus.Entry
}

// NewRunManager creates a run manager.
func NewRunManager(cfg Config, wsHub *WSHub, log *logrus.Entry) *RunManager {
	return &RunManager{
		runs:   make(map[string]*Run),
		config: cfg,
		wsHub:  wsHub,
		log:    log,
	}
}

// CreateRun validates and enqueues a run.
func (m *RunManager) CreateRun(req RunRequest) (*Run, error) {
	if len(req.Items) == 0 {
		return nil, errors.New("empty plan")
	}
	for _, it := range req.Items {
		if err := it.Validate(); err != nil {
			return nil, err
		}
	}

	run := &Run{
		ID:        uuid.NewString(),
		Status:    RunStatusQueued,
		DryRun:    req.DryRun,
		Items:     len(req.Items),
		CreatedAt: time.Now().UTC(),
		plan:      &mirror.Plan{Items: req.Items},
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	if m.active {
		m.queue = append(m.queue, run)
		m.mu.Unlock()
	} else {
		m.active = true
		m.mu.Unlock()
		go m.execute(run)
	}
	m.notify(run)
	return run, nil
}

// GetRun retrieves a run by ID.
func (m *RunManager) GetRun(id string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	return run, ok
}

// ListRuns returns all runs.
func (m *RunManager) ListRuns() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run)
	}
	return out
}

// CancelRun cancels a queued or running run.
func (m *RunManager) CancelRun(id string) bool {
	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	switch run.Status {
	case RunStatusQueued:
		run.Status = RunStatusCancelled
		now := time.Now().UTC()
		run.EndedAt = &now
		for i, q := range m.queue {
			if q == run {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		m.notify(run)
		return true
	case RunStatusRunning:
		cancel := run.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return true
	default:
		m.mu.Unlock()
		return false
	}
}

// CancelAll cancels everything on shutdown.
func (m *RunManager) CancelAll() {
	for _, run := range m.ListRuns() {
		m.CancelRun(run.ID)
	}
}

func (m *RunManager) notify(run *Run) {
	if m.wsHub != nil {
		m.wsHub.BroadcastRun(run)
	}
}

// execute drives one run to completion, then picks up the next queued one.
func (m *RunManager) execute(run *Run) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	run.cancel = cancel
	run.Status = RunStatusRunning
	now := time.Now().UTC()
	run.StartedAt = &now
	m.mu.Unlock()
	m.notify(run)

	progress := func(ev mirror.ProgressEvent) {
		m.mu.Lock()
		switch ev.Event {
		case "plan_item":
			run.Progress.TotalItems++
			run.Progress.TotalBytes += ev.Total
		case "file_progress":
			// Rough aggregate; exact numbers land in the summary.
			if ev.Downloaded > run.Progress.DownloadedBytes {
				run.Progress.DownloadedBytes = ev.Downloaded
			}
		case "file_done":
			run.Progress.CompletedItems++
		}
		m.mu.Unlock() // unlock before broadcasting
		if m.wsHub != nil {
			m.wsHub.BroadcastEvent(ev)
		}
	}

	r, err := runner.New(m.config.Engine, m.log, progress)
	var summary *mirror.Summary
	var decisions []runner.Decision
	if err == nil {
		if run.DryRun {
			decisions, err = r.DryRun(run.plan)
		} else {
			summary = r.Run(ctx, run.plan)
		}
	}

	m.mu.Lock()
	end := time.Now().UTC()
	run.EndedAt = &end
	run.Summary = summary
	run.Decisions = decisions
	switch {
	case ctx.Err() != nil:
		run.Status = RunStatusCancelled
	case err != nil:
		run.Status = RunStatusFailed
		run.Error = err.Error()
	default:
		run.Status = RunStatusCompleted
	}

	var next *Run
	if len(m.queue) > 0 {
		next = m.queue[0]
		m.queue = m.queue[1:]
	} else {
		m.active = false
	}
	m.mu.Unlock()
	m.notify(run)

	if next != nil {
		go m.execute(next)
	}
}
