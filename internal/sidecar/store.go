// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package sidecar

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pherdinauer/anacmirror/internal/fsatomic"
)

// Store serializes sidecar access per destination path. Updates are
// read-modify-write under a keyed mutex; every write goes through the
// atomic temp+rename path. A single process owns the destination tree, so
// the keyed mutex is the advisory lock.
type Store struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	log   *logrus.Entry
}

// NewStore creates a sidecar store.
func NewStore(log *logrus.Entry) *Store {
	return &Store{
		locks: make(map[string]*sync.Mutex),
		log:   log,
	}
}

func (st *Store) pathLock(dest string) *sync.Mutex {
	st.mu.Lock()
	defer st.mu.Unlock()
	l, ok := st.locks[dest]
	if !ok {
		l = &sync.Mutex{}
		st.locks[dest] = l
	}
	return l
}

// Load reads the sidecar for dest. A missing sidecar returns (nil, nil).
func (st *Store) Load(dest string) (*Sidecar, error) {
	l := st.pathLock(dest)
	l.Lock()
	defer l.Unlock()
	return loadLocked(dest)
}

func loadLocked(dest string) (*Sidecar, error) {
	data, err := os.ReadFile(MetaPath(dest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("sidecar %s: %w", MetaPath(dest), err)
	}
	return &sc, nil
}

// Write persists the sidecar for dest atomically.
func (st *Store) Write(dest string, sc *Sidecar) error {
	l := st.pathLock(dest)
	l.Lock()
	defer l.Unlock()
	return writeLocked(dest, sc)
}

func writeLocked(dest string, sc *Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return fsatomic.WriteFile(MetaPath(dest), data, 0o644)
}

// Update applies fn to the stored sidecar (a zero-value document when none
// exists yet) and writes the result back, all under the path lock.
func (st *Store) Update(dest string, fn func(*Sidecar) error) (*Sidecar, error) {
	l := st.pathLock(dest)
	l.Lock()
	defer l.Unlock()

	sc, err := loadLocked(dest)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		sc = &Sidecar{}
	}
	if err := fn(sc); err != nil {
		return nil, err
	}
	if err := writeLocked(dest, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// Commit finalizes a download: the partial file is renamed over the
// destination, then the sidecar transitions to its terminal form carrying
// the computed hash. The order matters: after a crash between the two
// writes, the final file plus a non-terminal sidecar is re-verified on the
// next run rather than trusted.
func (st *Store) Commit(dest string, sc *Sidecar, sum string) error {
	l := st.pathLock(dest)
	l.Lock()
	defer l.Unlock()

	if err := fsatomic.Rename(PartPath(dest), dest); err != nil {
		return fmt.Errorf("commit rename: %w", err)
	}
	now := time.Now().UTC()
	sc.SHA256 = sum
	sc.DownloadedAt = &now
	sc.Notes = ""
	if err := writeLocked(dest, sc); err != nil {
		return err
	}
	if st.log != nil {
		st.log.WithFields(logrus.Fields{
			"dest":   dest,
			"sha256": sum,
			"bytes":  sc.BytesWritten,
		}).Info("committed")
	}
	return nil
}

// ResetPartial discards partial progress: the .part file is truncated, the
// bitmap cleared, and the byte count zeroed. This is the only path that
// shrinks bytes_written; callers log the validator change that caused it.
func (st *Store) ResetPartial(dest string, sc *Sidecar, note string) error {
	l := st.pathLock(dest)
	l.Lock()
	defer l.Unlock()

	if err := os.Truncate(PartPath(dest), 0); err != nil && !os.IsNotExist(err) {
		return err
	}
	if sc.Segments != nil {
		sc.Segments.Bitmap.Clear()
	}
	sc.BytesWritten = 0
	sc.SHA256 = ""
	sc.DownloadedAt = nil
	sc.Notes = note
	if err := writeLocked(dest, sc); err != nil {
		return err
	}
	if st.log != nil {
		st.log.WithFields(logrus.Fields{"dest": dest, "note": note}).Warn("partial reset")
	}
	return nil
}

// Uncommit returns a committed destination to the non-terminal state after
// an integrity failure: the final file is unlinked and the sidecar loses its
// hash with the reason recorded in notes.
func (st *Store) Uncommit(dest string, sc *Sidecar, note string) error {
	l := st.pathLock(dest)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return err
	}
	sc.SHA256 = ""
	sc.DownloadedAt = nil
	sc.Notes = note
	if sc.Segments != nil {
		sc.Segments.Bitmap.Clear()
	}
	sc.BytesWritten = 0
	return writeLocked(dest, sc)
}
