// Package config loads engine configuration from defaults, an optional JSON
// file, and environment variable overrides, following the same
// default-then-merge pattern throughout: DefaultConfig returns safe
// defaults, Merge layers non-zero fields from a loaded source on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultRetryBackoff = 10 * time.Second
	defaultLockTTL      = 30 * time.Second
	defaultQueueLimit   = 16
	defaultQueueBackoff = time.Second
	defaultGCLookback   = 5 * time.Second
	defaultGCCutoff     = 2 * time.Hour
	defaultGCInterval   = 30 * time.Second
)

// RetryConfig controls how a temporarily-failed activity is rescheduled.
type RetryConfig struct {
	BackoffMS int64 `json:"backoff_ms,omitempty"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{BackoffMS: defaultRetryBackoff.Milliseconds()}
}

func (c *RetryConfig) Merge(source *RetryConfig) {
	if source.BackoffMS > 0 {
		c.BackoffMS = source.BackoffMS
	}
}

func (c RetryConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMS) * time.Millisecond
}

// LockConfig controls the soft timeout on a workflow's lock row.
type LockConfig struct {
	TTLMS int64 `json:"ttl_ms,omitempty"`
}

func DefaultLockConfig() LockConfig {
	return LockConfig{TTLMS: defaultLockTTL.Milliseconds()}
}

func (c *LockConfig) Merge(source *LockConfig) {
	if source.TTLMS > 0 {
		c.TTLMS = source.TTLMS
	}
}

func (c LockConfig) TTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}

// QueueConfig controls the workflow queue's polling loop.
type QueueConfig struct {
	Limit     int   `json:"limit,omitempty"`
	BackoffMS int64 `json:"backoff_ms,omitempty"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Limit:     defaultQueueLimit,
		BackoffMS: defaultQueueBackoff.Milliseconds(),
	}
}

func (c *QueueConfig) Merge(source *QueueConfig) {
	if source.Limit > 0 {
		c.Limit = source.Limit
	}
	if source.BackoffMS > 0 {
		c.BackoffMS = source.BackoffMS
	}
}

func (c QueueConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMS) * time.Millisecond
}

// GCConfig controls the garbage collector's sweep cadence and the liveness
// window [now-Cutoff, now-Lookback] a workflow's CreatedAt must fall inside
// for it to be rescued.
type GCConfig struct {
	LookbackMS int64 `json:"lookback_ms,omitempty"`
	CutoffMS   int64 `json:"cutoff_ms,omitempty"`
	IntervalMS int64 `json:"interval_ms,omitempty"`
}

func DefaultGCConfig() GCConfig {
	return GCConfig{
		LookbackMS: defaultGCLookback.Milliseconds(),
		CutoffMS:   defaultGCCutoff.Milliseconds(),
		IntervalMS: defaultGCInterval.Milliseconds(),
	}
}

func (c *GCConfig) Merge(source *GCConfig) {
	if source.LookbackMS > 0 {
		c.LookbackMS = source.LookbackMS
	}
	if source.CutoffMS > 0 {
		c.CutoffMS = source.CutoffMS
	}
	if source.IntervalMS > 0 {
		c.IntervalMS = source.IntervalMS
	}
}

func (c GCConfig) Lookback() time.Duration { return time.Duration(c.LookbackMS) * time.Millisecond }
func (c GCConfig) Cutoff() time.Duration   { return time.Duration(c.CutoffMS) * time.Millisecond }
func (c GCConfig) Interval() time.Duration { return time.Duration(c.IntervalMS) * time.Millisecond }

// Config holds initialization parameters for every saga engine subsystem.
// Each subsystem section delegates to that subsystem's config-driven
// defaults and merge.
type Config struct {
	Retry RetryConfig `json:"retry"`
	Lock  LockConfig  `json:"lock"`
	Queue QueueConfig `json:"queue"`
	GC    GCConfig    `json:"gc"`
}

// DefaultConfig returns a Config with sensible defaults for every
// subsystem.
func DefaultConfig() Config {
	return Config{
		Retry: DefaultRetryConfig(),
		Lock:  DefaultLockConfig(),
		Queue: DefaultQueueConfig(),
		GC:    DefaultGCConfig(),
	}
}

// Merge applies non-zero values from source into c, delegating to each
// subsystem's Merge method.
func (c *Config) Merge(source *Config) {
	c.Retry.Merge(&source.Retry)
	c.Lock.Merge(&source.Lock)
	c.Queue.Merge(&source.Queue)
	c.GC.Merge(&source.GC)
}

// Load reads a JSON config file if filename is non-empty, merges it over
// defaults, then applies environment variable overrides on top.
func Load(filename string) (*Config, error) {
	cfg := DefaultConfig()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", filename, err)
		}

		var loaded Config
		if err := json.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", filename, err)
		}
		cfg.Merge(&loaded)
	}

	applyEnv(&cfg)
	return &cfg, nil
}

func applyEnv(c *Config) {
	if v, ok := envInt64("SAGA_RETRY_BACKOFF_MS"); ok {
		c.Retry.BackoffMS = v
	}
	if v, ok := envInt64("SAGA_LOCK_TTL_MS"); ok {
		c.Lock.TTLMS = v
	}
	if v, ok := envInt("SAGA_QUEUE_LIMIT"); ok {
		c.Queue.Limit = v
	}
	if v, ok := envInt64("SAGA_QUEUE_BACKOFF_MS"); ok {
		c.Queue.BackoffMS = v
	}
	if v, ok := envInt64("SAGA_WORKFLOW_GC_LOOKBACK_MS"); ok {
		c.GC.LookbackMS = v
	}
	if v, ok := envInt64("SAGA_WORKFLOW_GC_CUTOFF_MS"); ok {
		c.GC.CutoffMS = v
	}
}

func envInt64(name string) (int64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envInt(name string) (int, bool) {
	v, ok := envInt64(name)
	return int(v), ok
}
