// Package buffer holds recent samples of one monitor in memory, ordered by
// timestamp and unique per timestamp.
package buffer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// DefaultCapacity bounds a series when no capacity is given.
// At one sample per 30s this is well over a week.
const DefaultCapacity = 50_000

// Series is a thread-safe, time-ordered sample buffer for one monitor.
// When full, the oldest samples are dropped.
type Series struct {
	mu       sync.RWMutex
	data     []types.Sample
	capacity int

	// Statistics
	insertCount atomic.Int64
	dupCount    atomic.Int64
	dropCount   atomic.Int64
}

// New creates a series with the given capacity.
func New(capacity int) *Series {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Series{capacity: capacity}
}

// Insert adds a sample in timestamp order.
// Returns false if a sample with the same timestamp already exists.
func (s *Series) Insert(sample types.Sample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.data)
	switch {
	case n == 0 || sample.TimestampMs > s.data[n-1].TimestampMs:
		s.data = append(s.data, sample)
	default:
		i := sort.Search(n, func(i int) bool {
			return s.data[i].TimestampMs >= sample.TimestampMs
		})
		if i < n && s.data[i].TimestampMs == sample.TimestampMs {
			s.dupCount.Add(1)
			return false
		}
		s.data = append(s.data, types.Sample{})
		copy(s.data[i+1:], s.data[i:])
		s.data[i] = sample
	}

	if over := len(s.data) - s.capacity; over > 0 {
		clear(s.data[:over])
		s.data = s.data[over:]
		s.dropCount.Add(int64(over))
	}

	s.insertCount.Add(1)
	return true
}

// Range returns a copy of the samples in [since, until), oldest first.
func (s *Series) Range(since, until int64) []types.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo := sort.Search(len(s.data), func(i int) bool {
		return s.data[i].TimestampMs >= since
	})
	hi := sort.Search(len(s.data), func(i int) bool {
		return s.data[i].TimestampMs >= until
	})
	if lo >= hi {
		return nil
	}

	out := make([]types.Sample, hi-lo)
	copy(out, s.data[lo:hi])
	return out
}

// EvictOlderThan removes samples older than cutoffMs.
// Returns the number of samples evicted.
func (s *Series) EvictOlderThan(cutoffMs int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.data), func(i int) bool {
		return s.data[i].TimestampMs >= cutoffMs
	})
	if i == 0 {
		return 0
	}

	// Copy the survivors so the evicted prefix can be collected.
	rest := make([]types.Sample, len(s.data)-i)
	copy(rest, s.data[i:])
	s.data = rest
	return i
}

// Len returns the number of buffered samples.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Cap returns the capacity of the series.
func (s *Series) Cap() int {
	return s.capacity
}

// TimeRange returns the oldest and newest timestamps.
// Returns (0, 0) if the series is empty.
func (s *Series) TimeRange() (oldest, newest int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.data) == 0 {
		return 0, 0
	}
	return s.data[0].TimestampMs, s.data[len(s.data)-1].TimestampMs
}

// Duration returns the time span covered by the series.
func (s *Series) Duration() time.Duration {
	oldest, newest := s.TimeRange()
	return time.Duration(newest-oldest) * time.Millisecond
}

// Stats returns series statistics.
func (s *Series) Stats() SeriesStats {
	s.mu.RLock()
	n := len(s.data)
	s.mu.RUnlock()

	return SeriesStats{
		Capacity:    s.capacity,
		Count:       n,
		UsageRatio:  float64(n) / float64(s.capacity),
		InsertCount: s.insertCount.Load(),
		DupCount:    s.dupCount.Load(),
		DropCount:   s.dropCount.Load(),
	}
}

// SeriesStats holds series statistics.
type SeriesStats struct {
	Capacity    int
	Count       int
	UsageRatio  float64
	InsertCount int64
	DupCount    int64
	DropCount   int64
}
