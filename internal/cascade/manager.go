// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cascade drives the strategy cascade for one resource at a time:
// probe, run strategies in configured order with stall supervision, verify,
// commit, and append one history record per attempt.
package cascade

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pherdinauer/anacmirror/internal/config"
	"github.com/pherdinauer/anacmirror/internal/fsatomic"
	"github.com/pherdinauer/anacmirror/internal/history"
	"github.com/pherdinauer/anacmirror/internal/httpx"
	"github.com/pherdinauer/anacmirror/internal/integrity"
	"github.com/pherdinauer/anacmirror/internal/sidecar"
	"github.com/pherdinauer/anacmirror/internal/strategy"
	"github.com/pherdinauer/anacmirror/pkg/mirror"
)

// Bounds on the restart loops so a flapping origin cannot spin the manager
// forever.
const (
	maxValidatorResets   = 3
	maxIntegrityRestarts = 2
)

// Status is the final disposition of one plan item.
type Status int

const (
	StatusCommitted Status = iota
	StatusSkipped
	StatusFailed
	StatusInterrupted
)

// Outcome summarizes a manager run for one item.
type Outcome struct {
	Status   Status
	Bytes    int64
	Attempts int
	Strategy string
	Err      error
}

// Manager owns one destination path at a time. It is safe to reuse across
// items sequentially; the plan runner gives concurrent items separate
// destinations.
type Manager struct {
	cfg    *config.Config
	client *httpx.Client
	store  *sidecar.Store
	hist   *history.Appender
	log    *logrus.Entry
	emit   mirror.ProgressFunc
}

// New wires a manager. emit may be nil.
func New(cfg *config.Config, client *httpx.Client, store *sidecar.Store, hist *history.Appender, log *logrus.Entry, emit mirror.ProgressFunc) *Manager {
	return &Manager{cfg: cfg, client: client, store: store, hist: hist, log: log, emit: emit}
}

func (m *Manager) event(ev mirror.ProgressEvent) {
	if m.emit == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	m.emit(ev)
}

// Run takes one plan item from Idle to Committed or Failed.
func (m *Manager) Run(ctx context.Context, item mirror.PlanItem) Outcome {
	log := m.log.WithFields(logrus.Fields{
		"dataset": item.DatasetSlug,
		"url":     item.ResourceURL,
	})

	sc, err := m.store.Load(item.DestPath)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	// Idempotent skip: a terminal sidecar matching the plan's expectations
	// costs zero network I/O and zero writes.
	if sc.Terminal() && matchesPlan(sc, item) {
		log.Debug("already committed, skipping")
		m.event(mirror.ProgressEvent{
			Event: "file_done", Dataset: item.DatasetSlug, URL: item.ResourceURL,
			Path: item.DestPath, Message: "skip (already committed)",
		})
		return Outcome{Status: StatusSkipped, Bytes: 0}
	}

	if err := fsatomic.EnsureDir(filepath.Dir(item.DestPath)); err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}

	// A final file without a terminal sidecar is the crash window between
	// commit rename and sidecar write. Re-verify instead of re-downloading.
	if sc != nil && !sc.Terminal() {
		if out, handled := m.recoverFinal(item, sc, log); handled {
			return out
		}
	}

	// Probing.
	probe, perr := m.probeWithRetry(ctx, item, log)
	if perr != nil {
		class := strategy.Classify(perr)
		msg := strategy.Render(perr)
		m.appendHistory(item.ResourceURL, "probe", time.Now().UTC(), time.Now().UTC(), 0, false, msg)
		m.event(mirror.ProgressEvent{
			Level: "error", Event: "error", Dataset: item.DatasetSlug,
			URL: item.ResourceURL, Path: item.DestPath, Message: msg,
		})
		if class == strategy.ClassInterrupted {
			return Outcome{Status: StatusInterrupted, Err: perr}
		}
		return Outcome{Status: StatusFailed, Err: perr}
	}

	sc, err = m.applyProbe(item, sc, probe)
	if err != nil {
		return Outcome{Status: StatusFailed, Err: err}
	}
	log.WithFields(logrus.Fields{
		"length": sc.KnownLength(),
		"ranges": sc.RangesOK(),
		"etag":   sc.ETag,
	}).Debug("probed")

	return m.runCascade(ctx, item, sc, log)
}

// matchesPlan compares a terminal sidecar against the plan's expectations.
func matchesPlan(sc *sidecar.Sidecar, item mirror.PlanItem) bool {
	if item.ExpectedETag != "" && sc.ETag != "" && item.ExpectedETag != sc.ETag {
		return false
	}
	if item.ExpectedSize > 0 && sc.KnownLength() >= 0 && item.ExpectedSize != sc.KnownLength() {
		return false
	}
	return true
}

// recoverFinal handles a destination that exists while its sidecar is not
// terminal. A clean hash completes the interrupted commit; anything else
// unlinks the file so the cascade starts from honest state.
func (m *Manager) recoverFinal(item mirror.PlanItem, sc *sidecar.Sidecar, log *logrus.Entry) (Outcome, bool) {
	if _, err := os.Stat(item.DestPath); err != nil {
		return Outcome{}, false
	}
	sum, verr := integrity.Check(item.DestPath, sc.KnownLength(), sc.ETag)
	if verr == nil {
		if err := m.store.Write(item.DestPath, finalize(sc, sum)); err != nil {
			return Outcome{Status: StatusFailed, Err: err}, true
		}
		log.Info("recovered interrupted commit")
		m.event(mirror.ProgressEvent{
			Event: "file_done", Dataset: item.DatasetSlug, URL: item.ResourceURL,
			Path: item.DestPath, Message: "skip (recovered commit)",
		})
		return Outcome{Status: StatusSkipped}, true
	}
	log.WithField("reason", verr.Error()).Warn("unverifiable final file, removing")
	if err := m.store.Uncommit(item.DestPath, sc, "corrupted"); err != nil {
		return Outcome{Status: StatusFailed, Err: err}, true
	}
	return Outcome{}, false
}

func finalize(sc *sidecar.Sidecar, sum string) *sidecar.Sidecar {
	now := time.Now().UTC()
	sc.SHA256 = sum
	sc.DownloadedAt = &now
	sc.Notes = ""
	return sc
}

// probeWithRetry probes the URL, absorbing retryable failures up to the
// per-strategy budget.
func (m *Manager) probeWithRetry(ctx context.Context, item mirror.PlanItem, log *logrus.Entry) (httpx.Probe, error) {
	bo := newBackoff()
	var lastErr error
	for attempt := 0; attempt < m.cfg.RetriesPerStrategy; attempt++ {
		p, err := m.client.Probe(ctx, item.ResourceURL)
		if err == nil {
			return p, nil
		}
		lastErr = err
		switch strategy.Classify(err) {
		case strategy.ClassRetryable:
			log.WithField("err", strategy.Render(err)).Debug("probe retry")
			if !sleepCtx(ctx, bo.next()) {
				return httpx.Probe{}, ctx.Err()
			}
		case strategy.ClassInterrupted:
			return httpx.Probe{}, err
		default:
			return httpx.Probe{}, err
		}
	}
	return httpx.Probe{}, lastErr
}

// applyProbe folds the probe into the sidecar, resetting the partial when
// the validator moved since the last run.
func (m *Manager) applyProbe(item mirror.PlanItem, sc *sidecar.Sidecar, p httpx.Probe) (*sidecar.Sidecar, error) {
	needsReset := sc != nil && sc.BytesWritten > 0 &&
		((sc.ETag != "" && p.ETag != "" && sc.ETag != p.ETag) ||
			(sc.KnownLength() >= 0 && p.ContentLength >= 0 && sc.KnownLength() != p.ContentLength))

	updated, err := m.store.Update(item.DestPath, func(s *sidecar.Sidecar) error {
		if s.URL == "" {
			s.URL = item.ResourceURL
			s.DatasetSlug = item.DatasetSlug
			s.ResourceName = item.ResourceName()
		}
		s.ETag = p.ETag
		s.LastModified = p.LastModified
		ar := p.AcceptRanges
		s.AcceptRanges = &ar
		if p.ContentLength >= 0 {
			n := p.ContentLength
			s.ContentLength = &n
			if p.AcceptRanges {
				s.EnsureSegments(n, m.cfg.SparseSegmentBytes())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if needsReset {
		if err := m.store.ResetPartial(item.DestPath, updated, "validator_changed"); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// runCascade walks the configured strategy order until one succeeds and
// verifies, or everything is exhausted.
func (m *Manager) runCascade(ctx context.Context, item mirror.PlanItem, sc *sidecar.Sidecar, log *logrus.Entry) Outcome {
	order := strategy.Order(m.cfg.Strategies)
	stalled := make(map[string]bool)
	validatorResets := 0
	integrityRestarts := 0
	attempts := 0
	var lastErr error
	var lastName string

	idx := 0
	allowStalled := false
	for {
		if ctx.Err() != nil {
			return Outcome{Status: StatusInterrupted, Bytes: sc.BytesWritten, Attempts: attempts, Err: ctx.Err()}
		}
		if idx >= len(order) {
			// One more sweep is owed to strategies set aside for having
			// stalled, once everything else has had its turn.
			if !allowStalled && len(stalled) > 0 {
				allowStalled = true
				idx = 0
				continue
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("no applicable strategy")
			}
			return Outcome{Status: StatusFailed, Bytes: sc.BytesWritten, Attempts: attempts, Strategy: lastName, Err: lastErr}
		}

		s := order[idx]
		req := &strategy.Request{
			Item: item, Sidecar: sc, Store: m.store,
			Client: m.client, Config: m.cfg, Log: log,
		}
		if !s.Applicable(req) || (stalled[s.Name()] && !allowStalled) {
			idx++
			continue
		}

		res, nextState := m.runStrategy(ctx, item, sc, s, log, &attempts)
		lastErr = res.Err
		lastName = s.Name()

		switch nextState {
		case StateVerifying:
			outcome, verr := m.verifyAndCommit(item, sc, s.Name())
			if verr == nil {
				outcome.Attempts = attempts
				return outcome
			}
			integrityRestarts++
			log.WithField("err", verr.Error()).Warn("integrity check failed")
			if integrityRestarts > maxIntegrityRestarts {
				return Outcome{Status: StatusFailed, Bytes: sc.BytesWritten, Attempts: attempts, Strategy: s.Name(), Err: verr}
			}
			if err := m.store.ResetPartial(item.DestPath, sc, "corrupted"); err != nil {
				return Outcome{Status: StatusFailed, Attempts: attempts, Err: err}
			}
			// Integrity failures restart from a conservative strategy.
			idx = indexOf(order, config.StrategyS4ShortConn)
			lastErr = verr

		case StateRunning:
			switch res.Class {
			case strategy.ClassStalled:
				stalled[s.Name()] = true
				idx++
			case strategy.ClassUnsupported:
				idx++
			case strategy.ClassRetryable:
				idx++
			case strategy.ClassValidatorChanged:
				validatorResets++
				if validatorResets > maxValidatorResets {
					return Outcome{Status: StatusFailed, Bytes: sc.BytesWritten, Attempts: attempts, Strategy: s.Name(), Err: res.Err}
				}
				// Re-probe: the resource is a different object now.
				p, perr := m.probeWithRetry(ctx, item, log)
				if perr != nil {
					return Outcome{Status: StatusFailed, Attempts: attempts, Err: perr}
				}
				var aerr error
				sc, aerr = m.applyProbe(item, sc, p)
				if aerr != nil {
					return Outcome{Status: StatusFailed, Attempts: attempts, Err: aerr}
				}
				idx = indexOf(order, config.StrategyS1Dynamic)
			}

		case StateFailed:
			if res.Class == strategy.ClassInterrupted {
				return Outcome{Status: StatusInterrupted, Bytes: sc.BytesWritten, Attempts: attempts, Strategy: s.Name(), Err: res.Err}
			}
			return Outcome{Status: StatusFailed, Bytes: sc.BytesWritten, Attempts: attempts, Strategy: s.Name(), Err: res.Err}
		}
	}
}

// runStrategy executes one strategy with its in-strategy retry budget and
// stall supervision, appending one history record per attempt.
func (m *Manager) runStrategy(ctx context.Context, item mirror.PlanItem, sc *sidecar.Sidecar, s strategy.Strategy, log *logrus.Entry, attempts *int) (strategy.Result, State) {
	bo := newBackoff()
	var res strategy.Result

	for try := 1; try <= m.cfg.RetriesPerStrategy; try++ {
		*attempts++
		sc.Retries++
		sc.Strategy = s.Name()
		if err := m.store.Write(item.DestPath, sc); err != nil {
			return strategy.Result{Class: strategy.ClassFatal, Err: err}, StateFailed
		}

		det := strategy.NewStallDetector(m.cfg.StallThreshold())
		attemptCtx := det.Start(ctx)
		throttle := newEmitThrottle()
		req := &strategy.Request{
			Item: item, Sidecar: sc, Store: m.store,
			Client: m.client, Config: m.cfg, Log: log,
			Tick: func(n int64) {
				det.Observe(n)
				if throttle.ready() {
					m.event(mirror.ProgressEvent{
						Event: "file_progress", Dataset: item.DatasetSlug,
						URL: item.ResourceURL, Path: item.DestPath,
						Strategy: s.Name(), Downloaded: n, Total: sc.KnownLength(),
					})
				}
			},
		}

		startBytes := sc.BytesWritten
		start := time.Now().UTC()
		res = s.Fetch(attemptCtx, req)
		det.Stop()
		end := time.Now().UTC()

		// A cancellation raised by the watchdog is a stall, not an
		// interrupt.
		if res.Class == strategy.ClassInterrupted && det.Stalled() {
			res.Class = strategy.ClassStalled
			res.Err = strategy.ErrStalled
		}

		delta := sc.BytesWritten - startBytes
		if delta < 0 {
			delta = 0 // validator reset inside the attempt
		}
		m.appendHistory(item.ResourceURL, s.Name(), start, end, delta, res.OK, strategy.Render(res.Err))

		if res.OK {
			return res, StateVerifying
		}
		log.WithFields(logrus.Fields{
			"strategy": s.Name(),
			"class":    res.Class.String(),
			"err":      strategy.Render(res.Err),
		}).Warn("attempt failed")
		m.event(mirror.ProgressEvent{
			Event: "retry", Dataset: item.DatasetSlug, URL: item.ResourceURL,
			Path: item.DestPath, Strategy: s.Name(), Attempt: try,
			Message: strategy.Render(res.Err),
		})

		if res.Class == strategy.ClassRetryable && try < m.cfg.RetriesPerStrategy {
			if !sleepCtx(ctx, bo.next()) {
				return strategy.Result{Class: strategy.ClassInterrupted, Err: ctx.Err()}, StateFailed
			}
			continue
		}
		break
	}
	return res, Next(StateRunning, res)
}

// verifyAndCommit hashes the partial file, compares against any recognized
// validator, and commits.
func (m *Manager) verifyAndCommit(item mirror.PlanItem, sc *sidecar.Sidecar, strat string) (Outcome, error) {
	part := sidecar.PartPath(item.DestPath)
	sum, verr := integrity.Check(part, sc.KnownLength(), sc.ETag)
	if verr != nil {
		return Outcome{}, verr
	}
	if err := m.store.Commit(item.DestPath, sc, sum); err != nil {
		return Outcome{}, err
	}
	m.event(mirror.ProgressEvent{
		Event: "file_done", Dataset: item.DatasetSlug, URL: item.ResourceURL,
		Path: item.DestPath, Strategy: strat, Downloaded: sc.BytesWritten,
		Total: sc.KnownLength(),
	})
	return Outcome{Status: StatusCommitted, Bytes: sc.BytesWritten, Strategy: strat}, nil
}

func (m *Manager) appendHistory(url, strat string, start, end time.Time, bytes int64, ok bool, errMsg string) {
	if m.hist == nil {
		return
	}
	e := history.Entry{
		ResourceURL: url, Strategy: strat,
		Start: start, End: end, Bytes: bytes, OK: ok, Error: errMsg,
	}
	if err := m.hist.Append(e); err != nil {
		m.log.WithError(err).Error("history append failed")
	}
}

// Decide is the dry-run entry: the first-strategy decision for an item
// using only local state, no sockets.
func (m *Manager) Decide(item mirror.PlanItem) (skip bool, strategyName string, err error) {
	sc, err := m.store.Load(item.DestPath)
	if err != nil {
		return false, "", err
	}
	if sc.Terminal() && matchesPlan(sc, item) {
		return true, "", nil
	}
	if sc == nil {
		sc = &sidecar.Sidecar{URL: item.ResourceURL}
	}
	req := &strategy.Request{Item: item, Sidecar: sc, Config: m.cfg}
	for _, s := range strategy.Order(m.cfg.Strategies) {
		if s.Applicable(req) {
			return false, s.Name(), nil
		}
	}
	return false, "", fmt.Errorf("no applicable strategy")
}

func indexOf(order []strategy.Strategy, name string) int {
	for i, s := range order {
		if s.Name() == name {
			return i
		}
	}
	return 0
}

// backoff is a bounded exponential backoff with a touch of jitter between
// cascade steps.
type backoff struct {
	next_ time.Duration
	max   time.Duration
	mult  float64
}

func newBackoff() *backoff {
	return &backoff{next_: 400 * time.Millisecond, max: 10 * time.Second, mult: 1.6}
}

func (b *backoff) next() time.Duration {
	d := b.next_ + time.Duration(time.Now().UnixNano()%int64(120*time.Millisecond))
	b.next_ = time.Duration(float64(b.next_) * b.mult)
	if b.next_ > b.max {
		b.next_ = b.max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// emitThrottle rate-limits file_progress events to roughly five per second.
type emitThrottle struct {
	last time.Time
}

func newEmitThrottle() *emitThrottle { return &emitThrottle{} }

func (t *emitThrottle) ready() bool {
	now := time.Now()
	if now.Sub(t.last) >= 200*time.Millisecond {
		t.last = now
		return true
	}
	return false
}
