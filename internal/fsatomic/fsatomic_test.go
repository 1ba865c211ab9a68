// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fsatomic

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileCreatesAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	require.NoError(t, WriteFile(path, []byte(`{"v":1}`), 0o644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(data))

	require.NoError(t, WriteFile(path, []byte(`{"v":2}`), 0o644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(data))
}

func TestWriteFileLeavesNoTempBehind(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteFile(filepath.Join(dir, "doc"), []byte("x"), 0o644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc", entries[0].Name())
}

func TestAppendLineFrames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.jsonl")

	require.NoError(t, AppendLine(path, []byte(`{"a":1}`), 0o644))
	require.NoError(t, AppendLine(path, []byte(`{"a":2}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"a":1}`, lines[0])
	assert.Equal(t, `{"a":2}`, lines[1])
}

func TestRename(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "a.part")
	newPath := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(oldPath, []byte("payload"), 0o644))

	require.NoError(t, Rename(oldPath, newPath))

	_, err := os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(newPath)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
