// Package config holds the storage configuration: which sample store
// backend to run and how long to keep its data.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendDuckDB   = "duckdb"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config represents the complete storage configuration.
type Config struct {
	// Backend selects the sample store: duckdb, memory or postgres.
	Backend string `yaml:"backend"`

	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Scale defines the expected load, used for sizing estimates.
	Scale ScaleConfig `yaml:"scale"`

	DuckDB   DuckDBConfig   `yaml:"duckdb"`
	Postgres PostgresConfig `yaml:"postgres"`
	Memory   MemoryConfig   `yaml:"memory"`

	// WAL makes the memory backend durable.
	WAL WALConfig `yaml:"wal"`

	// Retention defines how long samples and archives are kept.
	Retention RetentionConfig `yaml:"retention"`

	// Archive configures the Parquet export of pruned samples.
	Archive ArchiveConfig `yaml:"archive"`
}

// ScaleConfig defines the expected load parameters.
type ScaleConfig struct {
	// MonitorCount is the expected number of monitors across all servers.
	MonitorCount int `yaml:"monitor_count"`

	// PollIntervalSec is how often each monitor produces a sample.
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// DuckDBConfig configures the DuckDB backend.
type DuckDBConfig struct {
	// Path is the database file. Defaults to {DataDir}/samples.duckdb.
	// ":memory:" keeps everything in memory.
	Path string `yaml:"path"`

	// MemoryLimit is the DuckDB memory limit, e.g. "1GB".
	MemoryLimit string `yaml:"memory_limit"`

	// Threads limits DuckDB worker threads. Zero keeps DuckDB's default.
	Threads int `yaml:"threads"`

	// MaxOpenConns limits the connection pool.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// PostgresConfig configures the PostgreSQL/TimescaleDB backend.
type PostgresConfig struct {
	// DSN is a libpq connection string or URL.
	DSN string `yaml:"dsn"`

	// MaxConns limits the pool size.
	MaxConns int32 `yaml:"max_conns"`

	// Hypertable turns the samples table into a TimescaleDB hypertable.
	Hypertable bool `yaml:"hypertable"`
}

// MemoryConfig configures the in-memory backend.
type MemoryConfig struct {
	// SeriesCapacity bounds the samples kept per monitor.
	SeriesCapacity int `yaml:"series_capacity"`
}

// WALConfig configures the Write-Ahead Log.
type WALConfig struct {
	// Enabled turns on the WAL for the memory backend.
	Enabled bool `yaml:"enabled"`

	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the flush interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// RetentionConfig defines how long data is kept.
type RetentionConfig struct {
	// Samples is how long raw samples stay in the store.
	Samples time.Duration `yaml:"samples"`

	// Archive is how long daily Parquet archives are kept.
	Archive time.Duration `yaml:"archive"`

	// Interval is how often the retention job runs.
	Interval time.Duration `yaml:"interval"`
}

// ArchiveConfig configures the Parquet archive.
type ArchiveConfig struct {
	// Enabled exports samples to Parquet before they are pruned.
	Enabled bool `yaml:"enabled"`

	// Dir is the archive directory. Defaults to {DataDir}/archive.
	Dir string `yaml:"dir"`

	// Compression is the Parquet codec: snappy, zstd, gzip, none.
	Compression string `yaml:"compression"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendDuckDB,
		DataDir: "/var/lib/tcpingd",
		Scale: ScaleConfig{
			MonitorCount:    1000,
			PollIntervalSec: 30,
		},
		DuckDB: DuckDBConfig{
			MemoryLimit:  "1GB",
			MaxOpenConns: 4,
		},
		Postgres: PostgresConfig{
			MaxConns: 8,
		},
		Memory: MemoryConfig{
			SeriesCapacity: 50_000,
		},
		WAL: WALConfig{
			Enabled:        true,
			SyncMode:       "async",
			SyncInterval:   time.Second,
			MaxSegmentSize: 64 * 1024 * 1024,
		},
		Retention: RetentionConfig{
			Samples:  7 * 24 * time.Hour,
			Archive:  90 * 24 * time.Hour,
			Interval: 24 * time.Hour,
		},
		Archive: ArchiveConfig{
			Enabled:     false,
			Compression: "zstd",
		},
	}
}

// DuckDBPath returns the DuckDB database path.
func (c *Config) DuckDBPath() string {
	if c.DuckDB.Path != "" {
		return c.DuckDB.Path
	}
	return filepath.Join(c.DataDir, "samples.duckdb")
}

// WALDir returns the WAL directory.
func (c *Config) WALDir() string {
	if c.WAL.Dir != "" {
		return c.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// ArchiveDir returns the archive directory.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.DataDir, "archive")
}
