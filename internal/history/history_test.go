// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRead(t *testing.T) {
	state := t.TempDir()
	a, err := NewAppender(state)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, a.Append(Entry{
		ResourceURL: "https://example.org/a.csv",
		Strategy:    "s1_dynamic",
		Start:       now,
		End:         now.Add(2 * time.Second),
		Bytes:       1024,
		OK:          false,
		Error:       "connection_reset",
	}))
	require.NoError(t, a.Append(Entry{
		ResourceURL: "https://example.org/a.csv",
		Strategy:    "s1_dynamic",
		Start:       now.Add(3 * time.Second),
		End:         now.Add(5 * time.Second),
		Bytes:       4096,
		OK:          true,
	}))
	require.NoError(t, a.Append(Entry{
		ResourceURL: "https://example.org/b.csv",
		Strategy:    "s2_sparse",
		Start:       now,
		End:         now,
		OK:          true,
	}))

	entries, err := Read(a.Path(), "")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "connection_reset", entries[0].Error)
	assert.True(t, entries[1].OK)
	assert.Equal(t, int64(4096), entries[1].Bytes)

	// URL filter.
	entries, err = Read(a.Path(), "https://example.org/b.csv")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s2_sparse", entries[0].Strategy)
}

func TestReadMissingFile(t *testing.T) {
	entries, err := Read(filepath.Join(t.TempDir(), "nope.jsonl"), "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadSkipsTornTail(t *testing.T) {
	state := t.TempDir()
	a, err := NewAppender(state)
	require.NoError(t, err)
	require.NoError(t, a.Append(Entry{ResourceURL: "u", Strategy: "s1_dynamic", OK: true}))

	// Simulate a torn write at the end of the file.
	f, err := os.OpenFile(a.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"resource_url":"u","stra`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := Read(a.Path(), "")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
