// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/pherdinauer/anacmirror/pkg/mirror"
)

// LiveRenderer renders an adaptive progress table for a plan run.
// - Uses ANSI when available; plain text fallback otherwise.
// - Adapts to terminal width/height.
// - Shows run header + totals + active item rows with progress bars and
//   the strategy currently driving each item.
type LiveRenderer struct {
	planPath string
	stateDir string

	mu         sync.Mutex
	start      time.Time
	events     chan mirror.ProgressEvent
	done       chan struct{}
	stopped    bool
	hideCur    bool
	supports   bool // ANSI + interactive
	noColor    bool

	// aggregate
	totalItems int
	totalBytes int64

	// per-item state keyed by destination path
	items map[string]*itemState

	// overall rolling speed (EMA smoothed)
	lastTotalBytes int64
	lastTick       time.Time
	smoothedSpeed  float64
}

type itemState struct {
	path     string
	dataset  string
	strategy string
	total    int64
	bytes    int64
	status   string // "queued","downloading","done","skip","error"
	err      string

	// rolling speed (EMA smoothed)
	lastBytes     int64
	lastTime      time.Time
	smoothedSpeed float64

	started time.Time
}

// EMA smoothing factor (0.1 = very smooth, 0.5 = responsive)
const speedSmoothingFactor = 0.3

func smoothSpeed(current, previous float64) float64 {
	if previous == 0 {
		return current
	}
	return speedSmoothingFactor*current + (1-speedSmoothingFactor)*previous
}

// NewLiveRenderer creates a live renderer for a run.
func NewLiveRenderer(planPath, stateDir string) *LiveRenderer {
	lr := &LiveRenderer{
		planPath: planPath,
		stateDir: stateDir,
		start:    time.Now(),
		events:   make(chan mirror.ProgressEvent, 2048),
		done:     make(chan struct{}),
		items:    map[string]*itemState{},
		noColor:  os.Getenv("NO_COLOR") != "",
	}
	lr.supports = isInteractive() && ansiOkay()
	if lr.supports && !lr.noColor {
		fmt.Fprint(os.Stdout, "\x1b[?25l")
		lr.hideCur = true
	}
	go lr.loop()
	return lr
}

// Close stops the renderer and restores the terminal.
func (lr *LiveRenderer) Close() {
	lr.mu.Lock()
	if lr.stopped {
		lr.mu.Unlock()
		return
	}
	lr.stopped = true
	close(lr.done)
	lr.mu.Unlock()
	time.Sleep(60 * time.Millisecond)
	if lr.hideCur {
		fmt.Fprint(os.Stdout, "\x1b[?25h")
	}
	fmt.Fprintln(os.Stdout)
}

// Handler returns a ProgressFunc that feeds events to the renderer.
func (lr *LiveRenderer) Handler() mirror.ProgressFunc {
	return func(ev mirror.ProgressEvent) {
		select {
		case lr.events <- ev:
		default:
			// Drop events if UI is congested; we keep rendering smoothly.
		}
	}
}

func (lr *LiveRenderer) loop() {
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-lr.done:
			lr.render(true)
			return
		case ev := <-lr.events:
			lr.apply(ev)
		case <-ticker.C:
			lr.render(false)
		}
	}
}

func (lr *LiveRenderer) apply(ev mirror.ProgressEvent) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	switch ev.Event {
	case "plan_item":
		st := lr.ensure(ev.Path)
		st.dataset = ev.Dataset
		st.total = ev.Total
		st.status = "queued"
		lr.totalItems++
		lr.totalBytes += ev.Total
	case "file_start":
		st := lr.ensure(ev.Path)
		if ev.Total > 0 {
			st.total = ev.Total
		}
		st.status = "downloading"
		if st.started.IsZero() {
			st.started = time.Now()
		}
	case "file_progress":
		st := lr.ensure(ev.Path)
		if ev.Total > 0 {
			st.total = ev.Total
		}
		if ev.Strategy != "" {
			st.strategy = ev.Strategy
		}
		if ev.Downloaded > 0 {
			st.bytes = ev.Downloaded
		}
		if st.lastTime.IsZero() {
			st.lastTime = time.Now()
			st.lastBytes = st.bytes
		}
	case "file_done":
		st := lr.ensure(ev.Path)
		if ev.Strategy != "" {
			st.strategy = ev.Strategy
		}
		if strings.HasPrefix(strings.ToLower(ev.Message), "skip") {
			st.status = "skip"
		} else {
			st.status = "done"
		}
		st.bytes = st.total
	case "retry":
		st := lr.ensure(ev.Path)
		st.strategy = ev.Strategy
	case "error":
		st := lr.ensure(ev.Path)
		st.status = "error"
		st.err = ev.Message
	case "done":
	}
}

func (lr *LiveRenderer) ensure(path string) *itemState {
	if st, ok := lr.items[path]; ok {
		return st
	}
	st := &itemState{path: path}
	lr.items[path] = st
	return st
}

func (lr *LiveRenderer) render(final bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	w, h := termSize()
	minW := 70
	if w < minW {
		w = minW
	}
	if h < 12 {
		h = 12
	}

	var aggBytes int64
	var aggTotal int64
	var active []*itemState
	var doneCnt, skipCnt, errCnt int
	for _, st := range lr.items {
		if st.status == "downloading" {
			active = append(active, st)
		}
		if st.status == "done" {
			doneCnt++
		}
		if st.status == "skip" {
			skipCnt++
		}
		if st.status == "error" {
			errCnt++
		}
		aggTotal += st.total
		if st.bytes > 0 {
			aggBytes += st.bytes
		} else if st.status == "done" || st.status == "skip" {
			aggBytes += st.total
		}
	}
	if aggTotal > 0 {
		lr.totalBytes = aggTotal
	}
	queued := lr.totalItems - (len(active) + doneCnt + skipCnt + errCnt)
	if queued < 0 {
		queued = 0
	}

	now := time.Now()
	if !lr.lastTick.IsZero() && now.After(lr.lastTick) {
		deltaB := aggBytes - lr.lastTotalBytes
		deltaT := now.Sub(lr.lastTick).Seconds()
		if deltaT > 0.05 {
			instantSpeed := float64(deltaB) / deltaT
			if instantSpeed >= 0 {
				lr.smoothedSpeed = smoothSpeed(instantSpeed, lr.smoothedSpeed)
			}
			lr.lastTick = now
			lr.lastTotalBytes = aggBytes
		}
	} else if lr.lastTick.IsZero() {
		lr.lastTick = now
		lr.lastTotalBytes = aggBytes
	}
	speed := lr.smoothedSpeed

	var etaStr string
	if speed > 0 && lr.totalBytes > 0 && aggBytes < lr.totalBytes {
		rem := float64(lr.totalBytes-aggBytes) / speed
		etaStr = fmtDuration(time.Duration(rem) * time.Second)
	} else {
		etaStr = "—"
	}

	if lr.supports {
		fmt.Fprint(os.Stdout, "\x1b[H\x1b[2J")
	}

	// Header
	runline := fmt.Sprintf("Plan: %s   State: %s", lr.planPath, lr.stateDir)
	fmt.Fprintln(os.Stdout, colorize(bold(runline), "fg=cyan", lr))
	countline := fmt.Sprintf("Items: %d   Active: %d   Done: %d   Skipped: %d   Errors: %d   Queued: %d",
		lr.totalItems, len(active), doneCnt, skipCnt, errCnt, queued)
	fmt.Fprintln(os.Stdout, dim(countline))

	prog := float64(0)
	if lr.totalBytes > 0 {
		prog = float64(aggBytes) / float64(lr.totalBytes)
		if prog < 0 {
			prog = 0
		}
		if prog > 1 {
			prog = 1
		}
	}
	bar := renderBar(int(float64(w)*0.4), prog)
	speedStr := humanBytes(int64(speed)) + "/s"
	fmt.Fprintf(os.Stdout, "%s  %s  %s/%s  %s  ETA %s\n",
		colorize(bar, "fg=green", lr),
		percent(prog),
		humanBytes(aggBytes), humanBytes(lr.totalBytes),
		speedStr, etaStr,
	)

	fmt.Fprintln(os.Stdout)
	cols := []string{"Status", "Resource", "Strategy", "Progress", "Speed", "ETA"}
	fmt.Fprintln(os.Stdout, headerRow(cols, w))

	maxRows := h - 8
	if maxRows < 3 {
		maxRows = 3
	}

	sort.Slice(active, func(i, j int) bool { return active[i].bytes > active[j].bytes })

	shown := 0
	for _, st := range active {
		if shown >= maxRows {
			break
		}
		shown++
		fmt.Fprintln(os.Stdout, renderItemRow(st, w, lr))
	}

	if shown < maxRows {
		var rest []*itemState
		for _, st := range lr.items {
			if st.status == "done" || st.status == "skip" || st.status == "error" {
				rest = append(rest, st)
			}
		}
		sort.Slice(rest, func(i, j int) bool { return rest[i].started.After(rest[j].started) })
		for _, st := range rest {
			if shown >= maxRows {
				break
			}
			fmt.Fprintln(os.Stdout, renderItemRow(st, w, lr))
			shown++
		}
	}

	if lr.supports {
		fmt.Fprintln(os.Stdout, dim(fmt.Sprintf("Press Ctrl+C to interrupt (progress is checkpointed) • %s %s",
			runtime.GOOS, runtime.GOARCH)))
	}
}

func renderItemRow(st *itemState, w int, lr *LiveRenderer) string {
	statusW := 9
	stratW := 13
	speedW := 10
	etaW := 9
	remain := w - (statusW + stratW + speedW + etaW + 10)
	if remain < 20 {
		remain = 20
	}
	fileW := int(float64(remain) * 0.50)
	if fileW < 18 {
		fileW = 18
	}
	progressW := remain - fileW

	var stMark, col string
	switch st.status {
	case "downloading":
		stMark, col = "▶", "fg=yellow"
	case "done":
		stMark, col = "✓", "fg=green"
	case "skip":
		stMark, col = "•", "fg=blue"
	case "error":
		stMark, col = "×", "fg=red"
	default:
		stMark, col = "…", "fg=magenta"
	}
	status := pad(colorize(stMark+" "+st.status, col, lr), statusW)

	name := ellipsizeMiddle(st.path, fileW)
	strat := pad(st.strategy, stratW)

	var p float64
	if st.total > 0 {
		p = float64(st.bytes) / float64(st.total)
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
	}
	bar := renderBar(progressW-18, p)
	progTxt := fmt.Sprintf(" %s/%s %s", humanBytes(st.bytes), humanBytes(st.total), percent(p))
	progress := bar + progTxt
	if utf8.RuneCountInString(progress) > progressW {
		runes := []rune(progress)
		progress = string(runes[:progressW])
	}

	now := time.Now()
	if !st.lastTime.IsZero() {
		dt := now.Sub(st.lastTime).Seconds()
		if dt > 0.05 {
			delta := st.bytes - st.lastBytes
			instantSpeed := float64(delta) / dt
			if instantSpeed >= 0 {
				st.smoothedSpeed = smoothSpeed(instantSpeed, st.smoothedSpeed)
			}
			st.lastTime = now
			st.lastBytes = st.bytes
		}
	} else {
		st.lastTime = now
		st.lastBytes = st.bytes
	}
	speed := st.smoothedSpeed
	speedTxt := pad(humanBytes(int64(speed))+"/s", speedW)

	eta := "—"
	if speed > 0 && st.total > 0 && st.bytes < st.total {
		rem := float64(st.total-st.bytes) / speed
		eta = fmtDuration(time.Duration(rem) * time.Second)
	}
	etaTxt := pad(eta, etaW)

	return fmt.Sprintf("%s  %s  %s  %s  %s  %s", status, pad(name, fileW), strat, progress, speedTxt, etaTxt)
}

func headerRow(cols []string, w int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = bold(c)
	}
	s := strings.Join(parts, "  ")
	if utf8.RuneCountInString(s) > w {
		runes := []rune(s)
		return string(runes[:w])
	}
	return s
}

func ellipsizeMiddle(s string, w int) string {
	if w <= 3 || utf8.RuneCountInString(s) <= w {
		return pad(s, w)
	}
	runes := []rune(s)
	half := (w - 3) / 2
	if 2*half+3 > len(runes) {
		return pad(s, w)
	}
	return pad(string(runes[:half])+"..."+string(runes[len(runes)-half:]), w)
}

func pad(s string, w int) string {
	r := utf8.RuneCountInString(s)
	if r >= w {
		return s
	}
	return s + strings.Repeat(" ", w-r)
}

func renderBar(width int, p float64) string {
	if width < 3 {
		width = 3
	}
	filled := int(p * float64(width))
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func percent(p float64) string {
	return fmt.Sprintf("%3.0f%%", p*100)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit && exp < 6 {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func fmtDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func termSize() (int, int) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 100, 30
	}
	return w, h
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Interactive reports whether stdout is a terminal; callers use it to pick
// between the live table and the plain renderer.
func Interactive() bool { return isInteractive() }

func ansiOkay() bool {
	if runtime.GOOS == "windows" {
		// Modern Windows terminals handle ANSI; TERM=dumb below is the
		// actual opt-out.
	}
	termEnv := strings.ToLower(os.Getenv("TERM"))
	return termEnv != "dumb"
}

func colorize(s, style string, lr *LiveRenderer) string {
	if lr.noColor || !lr.supports {
		return s
	}
	switch style {
	case "fg=green":
		return "\x1b[32m" + s + "\x1b[0m"
	case "fg=yellow":
		return "\x1b[33m" + s + "\x1b[0m"
	case "fg=red":
		return "\x1b[31m" + s + "\x1b[0m"
	case "fg=blue":
		return "\x1b[34m" + s + "\x1b[0m"
	case "fg=magenta":
		return "\x1b[35m" + s + "\x1b[0m"
	case "fg=cyan":
		return "\x1b[36m" + s + "\x1b[0m"
	default:
		return s
	}
}

func bold(s string) string { return "\x1b[1m" + s + "\x1b[0m" }
func dim(s string) string  { return "\x1b[2m" + s + "\x1b[0m" }
