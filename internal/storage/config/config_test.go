package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Backend != BackendDuckDB {
		t.Errorf("expected duckdb backend by default, got %q", cfg.Backend)
	}
	if cfg.Retention.Samples != 7*24*time.Hour {
		t.Errorf("expected 7 day sample retention, got %v", cfg.Retention.Samples)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"unknown backend", func(c *Config) { c.Backend = "sqlite" }, "backend"},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"postgres without dsn", func(c *Config) { c.Backend = BackendPostgres }, "postgres.dsn"},
		{"memory without capacity", func(c *Config) { c.Backend = BackendMemory; c.Memory.SeriesCapacity = 0 }, "series_capacity"},
		{"bad wal sync", func(c *Config) { c.Backend = BackendMemory; c.WAL.SyncMode = "sometimes" }, "sync_mode"},
		{"short retention", func(c *Config) { c.Retention.Samples = time.Minute }, "samples retention"},
		{"archive shorter than samples", func(c *Config) { c.Retention.Archive = time.Hour }, "archive retention"},
		{"bad compression", func(c *Config) { c.Archive.Compression = "lzma" }, "compression"},
		{"bad poll interval", func(c *Config) { c.Scale.PollIntervalSec = 0 }, "poll_interval_sec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("expected error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestConfigValidate_InMemoryDuckDBNeedsNoDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = ""
	cfg.DuckDB.Path = ":memory:"

	if err := cfg.Validate(); err != nil {
		t.Errorf("in-memory duckdb should not need data_dir: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.yaml")

	content := `
backend: memory
data_dir: ` + dir + `
memory:
  series_capacity: 1000
retention:
  samples: 48h
  archive: 720h
  interval: 1h
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %q", cfg.Backend)
	}
	if cfg.Memory.SeriesCapacity != 1000 {
		t.Errorf("expected capacity 1000, got %d", cfg.Memory.SeriesCapacity)
	}
	if cfg.Retention.Samples != 48*time.Hour {
		t.Errorf("expected 48h, got %v", cfg.Retention.Samples)
	}
	// Untouched sections keep their defaults.
	if cfg.WAL.SyncMode != "async" {
		t.Errorf("expected default sync mode, got %q", cfg.WAL.SyncMode)
	}
}

func TestDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"

	if cfg.WALDir() != "/data/wal" {
		t.Errorf("unexpected wal dir %s", cfg.WALDir())
	}
	if cfg.ArchiveDir() != "/data/archive" {
		t.Errorf("unexpected archive dir %s", cfg.ArchiveDir())
	}
	if cfg.DuckDBPath() != "/data/samples.duckdb" {
		t.Errorf("unexpected duckdb path %s", cfg.DuckDBPath())
	}

	cfg.WAL.Dir = "/fast/wal"
	if cfg.WALDir() != "/fast/wal" {
		t.Errorf("explicit wal dir ignored: %s", cfg.WALDir())
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Backend = BackendMemory
	cfg.DataDir = dir
	cfg.Archive.Enabled = true

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}

	for _, d := range []string{cfg.WALDir(), cfg.ArchiveDir()} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", d)
		}
	}
}

func TestCalculateRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scale.MonitorCount = 300
	cfg.Scale.PollIntervalSec = 30

	r := cfg.CalculateRequirements()

	if r.SamplesPerSecond != 10 {
		t.Errorf("expected 10 samples/s, got %v", r.SamplesPerSecond)
	}
	if r.SamplesPerDay != 864000 {
		t.Errorf("expected 864000 samples/day, got %d", r.SamplesPerDay)
	}
	if r.RetainedSamples != 7*864000 {
		t.Errorf("expected 7 days retained, got %d", r.RetainedSamples)
	}
	if r.HotStorageBytes <= 0 {
		t.Error("expected hot storage estimate")
	}
	if r.ArchiveStorageBytes != 0 {
		t.Error("archive disabled, expected no archive estimate")
	}
	if !strings.Contains(r.String(), "samples/day=864.0K") {
		t.Errorf("unexpected summary %q", r.String())
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"512", 512},
		{"1KB", 1024},
		{"2MB", 2 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
	}

	for _, tt := range tests {
		if got := parseMemoryLimit(tt.in); got != tt.want {
			t.Errorf("parseMemoryLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
