// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
)

// Reason says why a plan entry exists: the differ found the resource absent,
// or changed remotely since the local copy was taken.
const (
	ReasonMissing     = "missing"
	ReasonETagChanged = "etag_changed"
	ReasonSizeChanged = "size_changed"
)

// PlanItem is a single resource the differ decided must be (re)downloaded.
// Items are immutable once read; the engine never writes plan files back.
type PlanItem struct {
	DatasetSlug  string `json:"dataset_slug"`
	ResourceURL  string `json:"resource_url"`
	DestPath     string `json:"dest_path"`
	Reason       string `json:"reason"`
	ExpectedSize int64  `json:"expected_size,omitempty"`
	ExpectedETag string `json:"expected_etag,omitempty"`
}

// Plan is an ordered list of items, one per destination path.
type Plan struct {
	Items []PlanItem `json:"items"`
}

// Validate checks a single item for the fields the engine cannot work without.
func (it PlanItem) Validate() error {
	if it.DatasetSlug == "" {
		return errors.New("missing dataset_slug")
	}
	if it.ResourceURL == "" {
		return errors.New("missing resource_url")
	}
	u, err := url.Parse(it.ResourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid resource_url %q", it.ResourceURL)
	}
	if it.DestPath == "" {
		return errors.New("missing dest_path")
	}
	if !filepath.IsAbs(it.DestPath) {
		return fmt.Errorf("dest_path %q is not absolute", it.DestPath)
	}
	switch it.Reason {
	case ReasonMissing, ReasonETagChanged, ReasonSizeChanged:
	default:
		return fmt.Errorf("unknown reason %q", it.Reason)
	}
	return nil
}

// ResourceName is the file name component of the destination.
func (it PlanItem) ResourceName() string {
	return filepath.Base(it.DestPath)
}

// ReadPlan decodes an NDJSON plan, one item per line. Blank lines are
// skipped. Any malformed line aborts the read with its line number so the
// caller can point at the offending record.
func ReadPlan(r io.Reader) (*Plan, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	plan := &Plan{}
	seen := make(map[string]int)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var it PlanItem
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return nil, fmt.Errorf("plan line %d: %w", line, err)
		}
		if err := it.Validate(); err != nil {
			return nil, fmt.Errorf("plan line %d: %w", line, err)
		}
		if prev, dup := seen[it.DestPath]; dup {
			return nil, fmt.Errorf("plan line %d: dest_path %q already planned on line %d", line, it.DestPath, prev)
		}
		seen[it.DestPath] = line
		plan.Items = append(plan.Items, it)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return plan, nil
}

// WritePlan encodes a plan as NDJSON, one item per line.
func WritePlan(w io.Writer, plan *Plan) error {
	enc := json.NewEncoder(w)
	for _, it := range plan.Items {
		if err := enc.Encode(it); err != nil {
			return err
		}
	}
	return nil
}
