// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package sidecar persists per-resource transfer state next to the
// destination file. While a transfer is in flight the sidecar and the .part
// working file exist together; after commit the sidecar is terminal and the
// final file is in place.
package sidecar

import (
	"time"
)

// Suffixes of the files the engine keeps next to a destination.
const (
	MetaSuffix = ".meta.json"
	PartSuffix = ".part"
)

// MetaPath returns the sidecar path for a destination.
func MetaPath(dest string) string { return dest + MetaSuffix }

// PartPath returns the partial-file path for a destination.
func PartPath(dest string) string { return dest + PartSuffix }

// Segments describes the fixed-size segmentation of the partial file and
// which segments have been written.
type Segments struct {
	Size   int64  `json:"size"`
	Bitmap Bitmap `json:"bitmap"`
}

// Sidecar is the per-resource metadata document stored at <dest>.meta.json.
type Sidecar struct {
	URL          string `json:"url"`
	DatasetSlug  string `json:"dataset_slug"`
	ResourceName string `json:"resource_name"`

	ETag          string `json:"etag,omitempty"`
	LastModified  string `json:"last_modified,omitempty"`
	ContentLength *int64 `json:"content_length,omitempty"`
	AcceptRanges  *bool  `json:"accept_ranges,omitempty"`

	// SHA256 and DownloadedAt are set only on successful commit; together
	// they mark the sidecar terminal.
	SHA256       string     `json:"sha256,omitempty"`
	DownloadedAt *time.Time `json:"downloaded_at,omitempty"`

	// Strategy is the last strategy that touched the partial file.
	Strategy string `json:"strategy,omitempty"`

	Segments *Segments `json:"segments,omitempty"`

	// BytesWritten is monotonically non-decreasing except across an
	// explicit validator-changed reset.
	BytesWritten int64 `json:"bytes_written"`

	// Retries counts strategy invocations attempted for this resource.
	Retries int `json:"retries"`

	Notes string `json:"notes,omitempty"`
}

// Terminal reports whether the sidecar describes a committed download.
func (s *Sidecar) Terminal() bool {
	return s != nil && s.SHA256 != "" && s.DownloadedAt != nil
}

// KnownLength returns the recorded content length, or -1 when unknown.
func (s *Sidecar) KnownLength() int64 {
	if s.ContentLength == nil {
		return -1
	}
	return *s.ContentLength
}

// RangesOK reports whether the origin is known to honor range requests.
func (s *Sidecar) RangesOK() bool {
	return s.AcceptRanges != nil && *s.AcceptRanges
}

// SegmentCount returns the number of segments for a given length and size,
// the last of which may be shorter than size.
func SegmentCount(length, segSize int64) int {
	if length <= 0 || segSize <= 0 {
		return 0
	}
	return int((length + segSize - 1) / segSize)
}

// EnsureSegments initializes the segment map for a known content length.
// An existing map with the same geometry is kept; a geometry change (length
// or segment size moved under us) discards recorded progress.
func (s *Sidecar) EnsureSegments(length, segSize int64) {
	n := SegmentCount(length, segSize)
	if s.Segments != nil && s.Segments.Size == segSize && len(s.Segments.Bitmap) == n {
		return
	}
	s.Segments = &Segments{Size: segSize, Bitmap: NewBitmap(n)}
	s.BytesWritten = 0
}

// SegmentRange returns the inclusive byte range [start, end] of segment i.
func (s *Sidecar) SegmentRange(i int) (int64, int64) {
	size := s.Segments.Size
	start := int64(i) * size
	end := start + size - 1
	if total := s.KnownLength(); total >= 0 && end > total-1 {
		end = total - 1
	}
	return start, end
}

// HighWater returns the byte offset below which every segment is marked:
// the contiguous fsynced prefix of the partial file.
func (s *Sidecar) HighWater() int64 {
	if s.Segments == nil {
		return 0
	}
	prefix := int64(s.Segments.Bitmap.ContiguousPrefix())
	hw := prefix * s.Segments.Size
	if total := s.KnownLength(); total >= 0 && hw > total {
		hw = total
	}
	return hw
}

// MarkCovered marks every segment fully contained in [0, upto) and refreshes
// BytesWritten. Linear strategies call this after fsyncing their contiguous
// prefix; sparse strategies set individual bits instead.
func (s *Sidecar) MarkCovered(upto int64) {
	if s.Segments == nil || s.Segments.Size <= 0 {
		if upto > s.BytesWritten {
			s.BytesWritten = upto
		}
		return
	}
	total := s.KnownLength()
	for i := range s.Segments.Bitmap {
		_, end := s.SegmentRange(i)
		if end < upto || (total >= 0 && upto >= total) {
			s.Segments.Bitmap.Set(i)
		}
	}
	s.RecomputeBytes()
}

// RecomputeBytes restores the bytes_written invariant: popcount times
// segment size, minus the tail adjustment when the final segment is marked.
func (s *Sidecar) RecomputeBytes() {
	if s.Segments == nil {
		return
	}
	size := s.Segments.Size
	n := int64(s.Segments.Bitmap.Popcount()) * size
	total := s.KnownLength()
	last := len(s.Segments.Bitmap) - 1
	if total >= 0 && last >= 0 && s.Segments.Bitmap.Get(last) {
		if tail := total - int64(last)*size; tail < size {
			n -= size - tail
		}
	}
	s.BytesWritten = n
}

// Complete reports whether every segment is marked, or, when no segment map
// exists, whether the written byte count matches the known length.
func (s *Sidecar) Complete() bool {
	if s.Segments != nil && len(s.Segments.Bitmap) > 0 {
		return s.Segments.Bitmap.AllSet()
	}
	total := s.KnownLength()
	return total >= 0 && s.BytesWritten >= total
}
