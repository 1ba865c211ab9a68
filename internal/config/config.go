// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package config loads and defaults the engine configuration. Files are
// YAML (JSON is valid YAML and accepted too); byte-size fields take either
// plain integers or human-readable strings like "32KiB".
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Strategy names accepted in the strategies list.
const (
	StrategyS1Dynamic   = "s1_dynamic"
	StrategyS2Sparse    = "s2_sparse"
	StrategyS3Curl      = "s3_curl"
	StrategyS4ShortConn = "s4_shortconn"
	StrategyS5TailFirst = "s5_tailfirst"
)

// DefaultStrategyOrder is the cascade tried for every resource unless
// configured otherwise.
var DefaultStrategyOrder = []string{
	StrategyS1Dynamic,
	StrategyS2Sparse,
	StrategyS3Curl,
	StrategyS4ShortConn,
	StrategyS5TailFirst,
}

// Size is a byte count that unmarshals from integers or strings such as
// "4MiB" (via go-units).
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*s = Size(v)
	case int64:
		*s = Size(v)
	case float64:
		*s = Size(int64(v))
	case string:
		n, err := units.RAMInBytes(v)
		if err != nil {
			return fmt.Errorf("invalid size %q: %w", v, err)
		}
		*s = Size(n)
	default:
		return fmt.Errorf("invalid size value %v", raw)
	}
	return nil
}

// HTTP holds transport knobs.
type HTTP struct {
	TimeoutConnectS int               `yaml:"timeout_connect_s"`
	TimeoutReadS    int               `yaml:"timeout_read_s"`
	HTTP2           bool              `yaml:"http2"`
	UserAgent       string            `yaml:"user_agent"`
	Headers         map[string]string `yaml:"headers"`
}

// Config is the full engine configuration.
type Config struct {
	StateDir string `yaml:"state_dir"`

	Strategies         []string `yaml:"strategies"`
	RetriesPerStrategy int      `yaml:"retries_per_strategy"`

	// SwitchAfterS is the stall threshold in seconds without
	// bytes_written progress before the cascade advances.
	SwitchAfterS int `yaml:"switch_after_seconds_without_progress"`

	// DynamicChunksMB is the three-element chunk size table for the
	// dynamic strategy: below 50 MB, 50-300 MB, above 300 MB.
	DynamicChunksMB []int `yaml:"dynamic_chunks_mb"`

	SparseSegmentMB int  `yaml:"sparse_segment_mb"`
	SnailChunksKB   int  `yaml:"snail_chunks_kb"`
	OverlapBytes    Size `yaml:"overlap_bytes"`

	EnableCurl bool   `yaml:"enable_curl"`
	CurlPath   string `yaml:"curl_path"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	MaxConcurrency int     `yaml:"max_concurrency"`

	HTTP HTTP `yaml:"http"`
}

// Default returns the configuration used when nothing is provided.
func Default() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Load reads a config file and applies defaults for anything unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Normalize fills defaults in place.
func (c *Config) Normalize() {
	if c.StateDir == "" {
		c.StateDir = "state"
	}
	if len(c.Strategies) == 0 {
		c.Strategies = append([]string(nil), DefaultStrategyOrder...)
	}
	if c.RetriesPerStrategy <= 0 {
		c.RetriesPerStrategy = 3
	}
	if c.SwitchAfterS <= 0 {
		c.SwitchAfterS = 300
	}
	if len(c.DynamicChunksMB) != 3 {
		c.DynamicChunksMB = []int{2, 6, 12}
	}
	if c.SparseSegmentMB <= 0 {
		c.SparseSegmentMB = 4
	}
	if c.SnailChunksKB <= 0 {
		c.SnailChunksKB = 1024
	}
	if c.OverlapBytes <= 0 {
		c.OverlapBytes = 32 * 1024
	}
	if c.CurlPath == "" {
		c.CurlPath = "curl"
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = 1 // negative disables pacing
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 1
	}
	if c.MaxConcurrency > 2 {
		c.MaxConcurrency = 2
	}
	if c.HTTP.TimeoutConnectS <= 0 {
		c.HTTP.TimeoutConnectS = 15
	}
	if c.HTTP.TimeoutReadS <= 0 {
		c.HTTP.TimeoutReadS = 30
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	known := map[string]bool{
		StrategyS1Dynamic:   true,
		StrategyS2Sparse:    true,
		StrategyS3Curl:      true,
		StrategyS4ShortConn: true,
		StrategyS5TailFirst: true,
	}
	for _, name := range c.Strategies {
		if !known[name] {
			return fmt.Errorf("unknown strategy %q", name)
		}
	}
	for _, mb := range c.DynamicChunksMB {
		if mb <= 0 {
			return fmt.Errorf("dynamic_chunks_mb entries must be positive")
		}
	}
	return nil
}

// StallThreshold returns the stall switch threshold as a duration.
func (c *Config) StallThreshold() time.Duration {
	return time.Duration(c.SwitchAfterS) * time.Second
}

// SparseSegmentBytes is the segment size and bitmap granularity.
func (c *Config) SparseSegmentBytes() int64 {
	return int64(c.SparseSegmentMB) * units.MiB
}

// SnailChunkBytes is the per-request chunk for the short-connection
// strategy.
func (c *Config) SnailChunkBytes() int64 {
	return int64(c.SnailChunksKB) * units.KiB
}

// DynamicChunkBytes picks the dynamic strategy's chunk size from the
// content length: <50 MB, 50-300 MB, >300 MB.
func (c *Config) DynamicChunkBytes(contentLength int64) int64 {
	idx := 0
	switch {
	case contentLength > 300*units.MB:
		idx = 2
	case contentLength >= 50*units.MB:
		idx = 1
	}
	return int64(c.DynamicChunksMB[idx]) * units.MiB
}

// ConnectTimeout returns the transport connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutConnectS) * time.Second
}

// ReadTimeout returns the transport read (response header) timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutReadS) * time.Second
}
