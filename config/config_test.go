package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sagakit/saga/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.Queue.Limit != 16 {
		t.Errorf("got Queue.Limit %d, want 16", cfg.Queue.Limit)
	}
	if cfg.Retry.Backoff().Seconds() != 10 {
		t.Errorf("got Retry.Backoff() %v, want 10s", cfg.Retry.Backoff())
	}
}

func TestConfig_Merge(t *testing.T) {
	cfg := config.DefaultConfig()

	source := &config.Config{
		Queue: config.QueueConfig{Limit: 32},
	}
	cfg.Merge(source)

	if cfg.Queue.Limit != 32 {
		t.Errorf("got Queue.Limit %d, want 32", cfg.Queue.Limit)
	}
	// zero-valued fields in source must not clobber defaults
	if cfg.Retry.Backoff().Seconds() != 10 {
		t.Errorf("got Retry.Backoff() %v, want unchanged 10s", cfg.Retry.Backoff())
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saga.json")
	if err := os.WriteFile(path, []byte(`{"queue":{"limit":5}}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("SAGA_QUEUE_LIMIT", "7")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Limit != 7 {
		t.Errorf("env override: got Queue.Limit %d, want 7", cfg.Queue.Limit)
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GC.Lookback().Seconds() != 5 {
		t.Errorf("got GC.Lookback() %v, want 5s", cfg.GC.Lookback())
	}
	if cfg.GC.Cutoff().Hours() != 2 {
		t.Errorf("got GC.Cutoff() %v, want 2h", cfg.GC.Cutoff())
	}
}
