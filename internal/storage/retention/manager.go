// Package retention prunes old samples from the store, exporting each
// complete UTC day to the Parquet archive first when archiving is enabled.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/storage/config"
	"github.com/xtxerr/tcpingd/internal/storage/parquet"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

var log = logging.Component("retention")

const day = 24 * time.Hour

// Store is the part of a sample store retention needs.
type Store interface {
	ReadRange(ctx context.Context, w types.Window) ([]types.Sample, error)
	Prune(ctx context.Context, beforeMs int64) (int64, error)
}

// Manager runs retention against one store.
type Manager struct {
	mu     sync.Mutex
	store  Store
	config *config.Config
	now    func() time.Time
	stats  ManagerStats

	onRun func(Result)
}

// ManagerStats holds cumulative retention statistics.
type ManagerStats struct {
	LastRunTime    time.Time
	Runs           int64
	SamplesPruned  int64
	DaysArchived   int64
	SamplesArchive int64
	FilesDeleted   int64
	BytesFreed     int64
	Errors         int64
}

// Result describes one retention run.
type Result struct {
	// PruneBefore is the cutoff passed to the store.
	PruneBefore   time.Time
	SamplesPruned int64

	DaysArchived     int
	SamplesArchived  int
	ArchiveFilesGone int
	BytesFreed       int64

	Errors []error
}

// New creates a retention manager.
func New(store Store, cfg *config.Config) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Manager{store: store, config: cfg, now: time.Now}
}

// PruneCutoff returns the time before which samples are removed. With
// archiving enabled it is floored to a UTC day so that only complete,
// already exported days leave the store.
func (m *Manager) PruneCutoff() time.Time {
	cutoff := m.now().UTC().Add(-m.config.Retention.Samples)
	if m.config.Archive.Enabled {
		cutoff = cutoff.Truncate(day)
	}
	return cutoff
}

// Run archives, prunes and expires old archive files once.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := Result{PruneBefore: m.PruneCutoff()}

	if m.config.Archive.Enabled {
		if err := m.archiveDays(ctx, res.PruneBefore, &res); err != nil {
			// Never prune what failed to archive.
			m.record(res)
			return res, fmt.Errorf("archive: %w", err)
		}
	}

	pruned, err := m.store.Prune(ctx, res.PruneBefore.UnixMilli())
	if err != nil {
		res.Errors = append(res.Errors, err)
		m.record(res)
		return res, fmt.Errorf("prune: %w", err)
	}
	res.SamplesPruned = pruned

	if m.config.Archive.Enabled {
		m.expireArchive(false, &res)
	}

	m.record(res)

	log.Info("retention run complete",
		"prune_before", res.PruneBefore,
		"pruned", res.SamplesPruned,
		"archived_days", res.DaysArchived,
		"archive_files_deleted", res.ArchiveFilesGone,
		"errors", len(res.Errors))

	return res, nil
}

// DryRun reports which archive files would expire without touching anything.
func (m *Manager) DryRun() Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := Result{PruneBefore: m.PruneCutoff()}
	m.expireArchive(true, &res)
	return res
}

// archiveDays exports every day in the archive horizon that ends at or
// before pruneBefore and has no file yet.
func (m *Manager) archiveDays(ctx context.Context, pruneBefore time.Time, res *Result) error {
	dir := m.config.ArchiveDir()
	opts := parquet.Options{Compression: parquet.ParseCompressionType(m.config.Archive.Compression)}

	first := pruneBefore.Add(-m.config.Retention.Archive).Truncate(day)
	for d := first; !d.Add(day).After(pruneBefore); d = d.Add(day) {
		if err := ctx.Err(); err != nil {
			return err
		}

		path := filepath.Join(dir, parquet.DayFileName(d))
		if _, err := os.Stat(path); err == nil {
			continue
		}

		samples, err := m.store.ReadRange(ctx, types.WindowOf(d, d.Add(day)))
		if err != nil {
			return fmt.Errorf("read %s: %w", d.Format(time.DateOnly), err)
		}
		if len(samples) == 0 {
			continue
		}

		if err := parquet.WriteFile(path, samples, opts); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}

		res.DaysArchived++
		res.SamplesArchived += len(samples)
		log.Debug("day archived", "day", d.Format(time.DateOnly), "samples", len(samples))
	}
	return nil
}

// expireArchive removes archive files whose whole day is older than the
// archive retention.
func (m *Manager) expireArchive(dryRun bool, res *Result) {
	cutoff := m.now().UTC().Add(-m.config.Retention.Archive)

	files, err := parquet.ListDayFiles(m.config.ArchiveDir())
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("list archive: %w", err))
		return
	}

	for _, f := range files {
		if f.End().After(cutoff) {
			continue
		}
		if !dryRun {
			if err := os.Remove(f.Path); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("delete %s: %w", f.Path, err))
				continue
			}
		}
		res.ArchiveFilesGone++
		res.BytesFreed += f.Size
	}
}

func (m *Manager) record(res Result) {
	m.stats.LastRunTime = m.now()
	m.stats.Runs++
	m.stats.SamplesPruned += res.SamplesPruned
	m.stats.DaysArchived += int64(res.DaysArchived)
	m.stats.SamplesArchive += int64(res.SamplesArchived)
	m.stats.FilesDeleted += int64(res.ArchiveFilesGone)
	m.stats.BytesFreed += res.BytesFreed
	m.stats.Errors += int64(len(res.Errors))

	if m.onRun != nil {
		m.onRun(res)
	}
}

// OnRun registers fn to be called after every run, including failed ones.
func (m *Manager) OnRun(fn func(Result)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRun = fn
}

// Stats returns cumulative statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// DiskUsage holds archive disk usage.
type DiskUsage struct {
	FileCount int
	TotalSize int64
	Oldest    time.Time
	Newest    time.Time
}

// String formats the usage for logs and the CLI.
func (u DiskUsage) String() string {
	if u.FileCount == 0 {
		return "archive: empty"
	}
	return fmt.Sprintf("archive: %d files, %s, %s to %s",
		u.FileCount, formatBytes(u.TotalSize),
		u.Oldest.Format(time.DateOnly), u.Newest.Format(time.DateOnly))
}

// GetDiskUsage returns archive disk usage.
func (m *Manager) GetDiskUsage() (DiskUsage, error) {
	files, err := parquet.ListDayFiles(m.config.ArchiveDir())
	if err != nil {
		return DiskUsage{}, err
	}

	var u DiskUsage
	for _, f := range files {
		u.FileCount++
		u.TotalSize += f.Size
	}
	if len(files) > 0 {
		u.Oldest = files[0].Day
		u.Newest = files[len(files)-1].Day
	}
	return u, nil
}

// Loop runs retention every interval until ctx is cancelled.
func (m *Manager) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.config.Retention.Interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("retention run failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
