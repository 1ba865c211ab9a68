// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package sidecar

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadMissing(t *testing.T) {
	st := NewStore(nil)
	sc, err := st.Load(filepath.Join(t.TempDir(), "nope.csv"))
	require.NoError(t, err)
	assert.Nil(t, sc)
}

func TestStoreUpdateRoundTrip(t *testing.T) {
	st := NewStore(nil)
	dest := filepath.Join(t.TempDir(), "data.csv")

	_, err := st.Update(dest, func(sc *Sidecar) error {
		sc.URL = "https://example.org/data.csv"
		sc.DatasetSlug = "ds"
		n := int64(100)
		sc.ContentLength = &n
		return nil
	})
	require.NoError(t, err)

	got, err := st.Load(dest)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://example.org/data.csv", got.URL)
	assert.Equal(t, int64(100), got.KnownLength())
	assert.False(t, got.Terminal())
}

func TestStoreCommit(t *testing.T) {
	st := NewStore(nil)
	dir := t.TempDir()
	dest := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(PartPath(dest), []byte("hello"), 0o644))

	sc := &Sidecar{URL: "u", BytesWritten: 5}
	require.NoError(t, st.Commit(dest, sc, "deadbeef"))

	// Partial became final.
	_, err := os.Stat(PartPath(dest))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	got, err := st.Load(dest)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
	assert.Equal(t, "deadbeef", got.SHA256)
	assert.NotNil(t, got.DownloadedAt)
}

func TestStoreResetPartial(t *testing.T) {
	st := NewStore(nil)
	dir := t.TempDir()
	dest := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(PartPath(dest), []byte("partial bytes"), 0o644))

	n := int64(13)
	sc := &Sidecar{URL: "u", ContentLength: &n, BytesWritten: 13}
	sc.EnsureSegments(13, 4)
	sc.MarkCovered(13)
	require.Equal(t, int64(13), sc.BytesWritten)

	require.NoError(t, st.ResetPartial(dest, sc, "validator_changed"))

	fi, err := os.Stat(PartPath(dest))
	require.NoError(t, err)
	assert.Equal(t, int64(0), fi.Size())
	assert.Equal(t, int64(0), sc.BytesWritten)
	assert.Equal(t, 0, sc.Segments.Bitmap.Popcount())
	assert.Equal(t, "validator_changed", sc.Notes)
}

func TestStoreUncommit(t *testing.T) {
	st := NewStore(nil)
	dir := t.TempDir()
	dest := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(dest, []byte("bad bytes"), 0o644))

	sc := &Sidecar{URL: "u", SHA256: "wrong"}
	require.NoError(t, st.Uncommit(dest, sc, "corrupted"))

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, sc.SHA256)
	assert.Equal(t, "corrupted", sc.Notes)
}

func TestStoreSerializesUpdates(t *testing.T) {
	st := NewStore(nil)
	dest := filepath.Join(t.TempDir(), "data.csv")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.Update(dest, func(sc *Sidecar) error {
				sc.Retries++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := st.Load(dest)
	require.NoError(t, err)
	assert.Equal(t, 16, got.Retries)
}
