// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package fsatomic implements the two write modalities every persistent
// mutation in this program goes through: temp-file + fsync + rename for
// documents, and single-line fsynced appends for record files. Documents and
// record files are never rewritten in place; the only file written at
// offsets is a transfer's .part working file, which this package does not
// handle.
package fsatomic

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile writes data to path atomically: a sibling *.tmp is written and
// fsynced, then renamed over the target, then the directory is fsynced so
// the rename itself survives a crash.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	return SyncDir(dir)
}

// Rename renames old to new and fsyncs the destination directory.
func Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	return SyncDir(filepath.Dir(newPath))
}

// AppendLine appends one complete record line to path, creating the file if
// needed, and fsyncs before returning. The newline is added here; line must
// not contain one.
func AppendLine(path string, line []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

// EnsureDir creates dir and parents.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// SyncDir fsyncs a directory so prior renames and creations in it are
// durable. Platforms that refuse to fsync directories are tolerated.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		// Some filesystems (and Windows) reject directory fsync; the rename
		// has still happened, so don't fail the write over it.
		if os.IsPermission(err) || isInvalid(err) {
			return nil
		}
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

func isInvalid(err error) bool {
	return os.IsNotExist(err) || err == os.ErrInvalid
}
