package config

import (
	"fmt"
	"time"
)

// Requirements is a rough sizing estimate for the configured load.
type Requirements struct {
	SamplesPerSecond float64
	SamplesPerDay    int64
	RetainedSamples  int64

	HotStorageBytes     int64
	ArchiveStorageBytes int64
	MemoryBytes         int64
}

const (
	// In-memory footprint of one buffered sample including identifiers.
	bytesPerSampleInMemory = 96

	// On-disk footprint of one row in DuckDB or PostgreSQL.
	bytesPerSampleOnDisk = 48

	// Compressed Parquet footprint of one archived sample.
	bytesPerSampleArchived = 6
)

// CalculateRequirements estimates storage and memory needs.
func (c *Config) CalculateRequirements() Requirements {
	var r Requirements

	if c.Scale.PollIntervalSec > 0 {
		r.SamplesPerSecond = float64(c.Scale.MonitorCount) / float64(c.Scale.PollIntervalSec)
	}
	r.SamplesPerDay = int64(r.SamplesPerSecond * 86400)

	retentionDays := float64(c.Retention.Samples) / float64(24*time.Hour)
	r.RetainedSamples = int64(float64(r.SamplesPerDay) * retentionDays)

	switch c.Backend {
	case BackendMemory:
		r.MemoryBytes = r.RetainedSamples * bytesPerSampleInMemory
		if c.WAL.Enabled {
			r.HotStorageBytes = r.RetainedSamples * bytesPerSampleOnDisk
		}
	default:
		r.HotStorageBytes = r.RetainedSamples * bytesPerSampleOnDisk
		r.MemoryBytes = parseMemoryLimit(c.DuckDB.MemoryLimit)
	}

	if c.Archive.Enabled && c.Retention.Archive > c.Retention.Samples {
		archiveDays := float64(c.Retention.Archive-c.Retention.Samples) / float64(24*time.Hour)
		r.ArchiveStorageBytes = int64(float64(r.SamplesPerDay)*archiveDays) * bytesPerSampleArchived
	}

	return r
}

// String returns a one-line summary suitable for a log message.
func (r Requirements) String() string {
	return fmt.Sprintf("samples/day=%s retained=%s hot=%s archive=%s memory=%s",
		formatNumber(r.SamplesPerDay),
		formatNumber(r.RetainedSamples),
		formatBytes(r.HotStorageBytes),
		formatBytes(r.ArchiveStorageBytes),
		formatBytes(r.MemoryBytes),
	)
}

// parseMemoryLimit parses a memory limit string like "2GB" into bytes.
func parseMemoryLimit(s string) int64 {
	if s == "" {
		return 0
	}

	var value int64
	var unit string
	for i, c := range s {
		if c < '0' || c > '9' {
			fmt.Sscanf(s[:i], "%d", &value)
			unit = s[i:]
			break
		}
	}
	if unit == "" {
		fmt.Sscanf(s, "%d", &value)
	}

	switch unit {
	case "KB", "kb", "K", "k", "KiB":
		return value * 1024
	case "MB", "mb", "M", "m", "MiB":
		return value * 1024 * 1024
	case "GB", "gb", "G", "g", "GiB":
		return value * 1024 * 1024 * 1024
	case "TB", "tb", "T", "t", "TiB":
		return value * 1024 * 1024 * 1024 * 1024
	default:
		return value
	}
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2fTB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2fGB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2fMB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2fKB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// formatNumber formats a count with a K/M/B suffix.
func formatNumber(n int64) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%d", n)
	case n < 1000000:
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	case n < 1000000000:
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	default:
		return fmt.Sprintf("%.1fB", float64(n)/1000000000)
	}
}
