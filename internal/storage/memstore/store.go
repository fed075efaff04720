// Package memstore is the in-memory sample store backend. An optional
// write-ahead log makes it survive restarts.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/storage/buffer"
	"github.com/xtxerr/tcpingd/internal/storage/types"
	"github.com/xtxerr/tcpingd/internal/storage/wal"
)

var log = logging.Component("memstore")

// Options configures the store.
type Options struct {
	// SeriesCapacity bounds the samples kept per monitor.
	SeriesCapacity int

	// WALDir enables the write-ahead log when non-empty.
	WALDir string
	WAL    wal.Options

	// ReplayCutoff drops replayed samples older than now-ReplayCutoff.
	// Zero replays everything.
	ReplayCutoff time.Duration
}

// Store keeps one buffer.Series per monitor.
type Store struct {
	mu     sync.RWMutex
	series map[types.MonitorKey]*buffer.Series
	wal    *wal.Writer
	opts   Options
	closed bool
}

// Open creates the store, replaying the WAL if one is configured.
func Open(opts Options) (*Store, error) {
	s := &Store{
		series: make(map[types.MonitorKey]*buffer.Series),
		opts:   opts,
	}

	if opts.WALDir == "" {
		return s, nil
	}

	var cutoff int64
	if opts.ReplayCutoff > 0 {
		cutoff = time.Now().Add(-opts.ReplayCutoff).UnixMilli()
	}

	newest := make(map[string]int64)
	replayed := 0
	stats, err := wal.Replay(opts.WALDir, func(path string, samples []types.Sample) error {
		for i := range samples {
			if samples[i].TimestampMs > newest[path] {
				newest[path] = samples[i].TimestampMs
			}
			if samples[i].TimestampMs < cutoff {
				continue
			}
			if s.insert(samples[i]) {
				replayed++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay wal: %w", err)
	}

	w, err := wal.NewWriter(opts.WALDir, opts.WAL)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	for path, ts := range newest {
		w.Observe(path, ts)
	}
	s.wal = w

	log.Info("wal replayed",
		"dir", opts.WALDir,
		"records", stats.RecordsRead,
		"samples", replayed,
		"corrupt", stats.CorruptRecords)

	return s, nil
}

func (s *Store) insert(sample types.Sample) bool {
	key := sample.Key()
	ser, ok := s.series[key]
	if !ok {
		ser = buffer.New(s.opts.SeriesCapacity)
		s.series[key] = ser
	}
	return ser.Insert(sample)
}

// Append logs the batch to the WAL, then inserts it.
func (s *Store) Append(ctx context.Context, samples []types.Sample) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("store closed")
	}

	if s.wal != nil {
		if err := s.wal.Write(samples); err != nil {
			return 0, fmt.Errorf("wal write: %w", err)
		}
	}

	inserted := 0
	for i := range samples {
		if s.insert(samples[i]) {
			inserted++
		}
	}
	return inserted, nil
}

// ReadSamples copies the requested series under one read lock, so no
// append can interleave with the read.
func (s *Store) ReadSamples(ctx context.Context, monitors []types.MonitorKey, w types.Window) ([]types.Sample, error) {
	keys := make([]types.MonitorKey, len(monitors))
	copy(keys, monitors)
	sortKeys(keys)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Sample
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ser, ok := s.series[key]; ok {
			out = append(out, ser.Range(w.SinceMs, w.UntilMs)...)
		}
	}
	return out, nil
}

// ReadRange returns every sample inside w, ordered by monitor then time.
func (s *Store) ReadRange(ctx context.Context, w types.Window) ([]types.Sample, error) {
	keys, err := s.Monitors(ctx)
	if err != nil {
		return nil, err
	}
	return s.ReadSamples(ctx, keys, w)
}

// LatestTimestamp returns the newest sample of any monitor of serverID.
func (s *Store) LatestTimestamp(ctx context.Context, serverID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest int64
	found := false
	for key, ser := range s.series {
		if key.ServerID != serverID || ser.Len() == 0 {
			continue
		}
		if _, newest := ser.TimeRange(); !found || newest > latest {
			latest = newest
			found = true
		}
	}
	return latest, found, nil
}

// Monitors lists every monitor with buffered samples.
func (s *Store) Monitors(ctx context.Context) ([]types.MonitorKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]types.MonitorKey, 0, len(s.series))
	for key, ser := range s.series {
		if ser.Len() > 0 {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys, nil
}

// Prune evicts samples older than beforeMs and drops WAL segments that
// hold nothing newer.
func (s *Store) Prune(ctx context.Context, beforeMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted int64
	for key, ser := range s.series {
		evicted += int64(ser.EvictOlderThan(beforeMs))
		if ser.Len() == 0 {
			delete(s.series, key)
		}
	}

	if s.wal != nil {
		if err := s.wal.Rotate(); err != nil {
			return evicted, fmt.Errorf("rotate wal: %w", err)
		}
		n, err := s.wal.DeleteOlderThan(beforeMs)
		if err != nil {
			return evicted, fmt.Errorf("delete wal segments: %w", err)
		}
		if n > 0 {
			log.Debug("wal segments deleted", "count", n)
		}
	}

	return evicted, nil
}

// Sync flushes the WAL.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.wal == nil || s.closed {
		return nil
	}
	return s.wal.Sync()
}

// Stats returns per-store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{Series: len(s.series)}
	for _, ser := range s.series {
		ss := ser.Stats()
		st.Samples += int64(ss.Count)
		st.Duplicates += ss.DupCount
		st.Dropped += ss.DropCount
	}
	if s.wal != nil {
		st.WAL = s.wal.Stats()
	}
	return st
}

// Stats holds store statistics.
type Stats struct {
	Series     int
	Samples    int64
	Duplicates int64
	Dropped    int64
	WAL        wal.WriterStats
}

// Close flushes and closes the WAL.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.wal != nil {
		return s.wal.Close()
	}
	return nil
}

func sortKeys(keys []types.MonitorKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ServerID != keys[j].ServerID {
			return keys[i].ServerID < keys[j].ServerID
		}
		return keys[i].Monitor < keys[j].Monitor
	})
}
