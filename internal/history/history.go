// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package history appends one DownloadAttempt record per strategy attempt
// to an NDJSON file under the state directory. Appends are single complete
// lines with fsync, so record boundaries survive crashes.
package history

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pherdinauer/anacmirror/internal/fsatomic"
)

// FileName is the history file path relative to the state directory.
const FileName = "downloads/history.jsonl"

// Entry records one strategy attempt against one resource.
type Entry struct {
	ResourceURL string    `json:"resource_url"`
	Strategy    string    `json:"strategy"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Bytes       int64     `json:"bytes"`
	OK          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
}

// Appender appends entries to the history file. Appends within the process
// are serialized; across processes, single-line bounded writes keep record
// boundaries intact.
type Appender struct {
	mu   sync.Mutex
	path string
}

// NewAppender creates an appender rooted at the state directory.
func NewAppender(stateDir string) (*Appender, error) {
	path := filepath.Join(stateDir, filepath.FromSlash(FileName))
	if err := fsatomic.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &Appender{path: path}, nil
}

// Path returns the underlying file path.
func (a *Appender) Path() string { return a.path }

// Append writes one entry.
func (a *Appender) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return fsatomic.AppendLine(a.path, line, 0o644)
}

// Read loads entries from a history file, optionally filtered by resource
// URL, newest last. A missing file yields an empty slice. Malformed lines
// (a torn tail after a crash) are skipped.
func Read(path string, urlFilter string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if urlFilter != "" && e.ResourceURL != urlFilter {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
