package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendDuckDB, BackendMemory, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("backend must be one of: %s, %s, %s", BackendDuckDB, BackendMemory, BackendPostgres))
	}

	needsDir := c.Backend == BackendMemory && c.WAL.Enabled ||
		c.Backend == BackendDuckDB && c.DuckDB.Path == "" ||
		c.Archive.Enabled && c.Archive.Dir == ""
	if needsDir && c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if err := c.Scale.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scale: %w", err))
	}

	if c.Backend == BackendPostgres && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("postgres.dsn is required for the postgres backend"))
	}

	if c.Backend == BackendMemory && c.Memory.SeriesCapacity <= 0 {
		errs = append(errs, errors.New("memory.series_capacity must be positive"))
	}

	if c.Backend == BackendMemory && c.WAL.Enabled {
		if err := c.WAL.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("wal: %w", err))
		}
	}

	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the scale configuration.
func (c *ScaleConfig) Validate() error {
	var errs []error

	if c.MonitorCount < 0 {
		errs = append(errs, errors.New("monitor_count must not be negative"))
	}
	if c.PollIntervalSec <= 0 {
		errs = append(errs, errors.New("poll_interval_sec must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks the WAL configuration.
func (c *WALConfig) Validate() error {
	var errs []error

	switch c.SyncMode {
	case "async", "sync", "fsync", "":
	default:
		errs = append(errs, errors.New("sync_mode must be one of: async, sync, fsync"))
	}

	if c.SyncMode == "async" && c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync_interval must be positive for async mode"))
	}

	if c.MaxSegmentSize < 1024 {
		errs = append(errs, errors.New("max_segment_size must be at least 1KB"))
	}

	return errors.Join(errs...)
}

// Validate checks the retention configuration.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if c.Samples < time.Hour {
		errs = append(errs, errors.New("samples retention must be at least 1h"))
	}
	if c.Archive != 0 && c.Archive < c.Samples {
		errs = append(errs, errors.New("archive retention must not be shorter than samples retention"))
	}
	if c.Interval < time.Minute {
		errs = append(errs, errors.New("interval must be at least 1m"))
	}

	return errors.Join(errs...)
}

// Validate checks the archive configuration.
func (c *ArchiveConfig) Validate() error {
	switch c.Compression {
	case "snappy", "zstd", "gzip", "none", "":
		return nil
	default:
		return errors.New("compression must be one of: snappy, zstd, gzip, none")
	}
}

// EnsureDirectories creates the directories the configured backend needs.
func (c *Config) EnsureDirectories() error {
	var dirs []string

	switch c.Backend {
	case BackendDuckDB:
		if p := c.DuckDBPath(); p != ":memory:" {
			dirs = append(dirs, filepath.Dir(p))
		}
	case BackendMemory:
		if c.WAL.Enabled {
			dirs = append(dirs, c.WALDir())
		}
	}
	if c.Archive.Enabled {
		dirs = append(dirs, c.ArchiveDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
