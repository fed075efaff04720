package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MinInterval is the finest resample interval accepted.
	MinInterval = Interval(1000)

	// MaxInterval is the coarsest resample interval accepted.
	MaxInterval = Interval(7 * 24 * 3600 * 1000)
)

// Interval is a resample interval in milliseconds.
//
// Bucket boundaries are anchored to the Unix epoch: the slot of a timestamp
// is floor(ts / interval) and its start is slot * interval. Starts are
// always derived from the slot index, never by repeated addition, so two
// requests with the same interval agree on every boundary.
type Interval int64

// IntervalOf converts a duration, truncating to whole milliseconds.
func IntervalOf(d time.Duration) Interval {
	return Interval(d / time.Millisecond)
}

// Ms returns the interval in milliseconds.
func (i Interval) Ms() int64 {
	return int64(i)
}

// Duration returns the interval as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i) * time.Millisecond
}

// String formats the interval the way ParseInterval accepts it.
func (i Interval) String() string {
	ms := int64(i)
	switch {
	case ms <= 0:
		return fmt.Sprintf("invalid(%d)", ms)
	case ms%(7*86400000) == 0:
		return strconv.FormatInt(ms/(7*86400000), 10) + "w"
	case ms%86400000 == 0:
		return strconv.FormatInt(ms/86400000, 10) + "d"
	case ms%3600000 == 0:
		return strconv.FormatInt(ms/3600000, 10) + "h"
	case ms%60000 == 0:
		return strconv.FormatInt(ms/60000, 10) + "m"
	case ms%1000 == 0:
		return strconv.FormatInt(ms/1000, 10) + "s"
	default:
		return strconv.FormatInt(ms, 10) + "ms"
	}
}

// BucketIndex returns the epoch-anchored slot index of tsMs.
// Negative timestamps are floored, not truncated toward zero.
func (i Interval) BucketIndex(tsMs int64) int64 {
	n := int64(i)
	q := tsMs / n
	if tsMs%n != 0 && tsMs < 0 {
		q--
	}
	return q
}

// IndexStart returns the start of slot idx in milliseconds.
func (i Interval) IndexStart(idx int64) int64 {
	return idx * int64(i)
}

// BucketStart truncates tsMs to the start of its slot.
func (i Interval) BucketStart(tsMs int64) int64 {
	return i.IndexStart(i.BucketIndex(tsMs))
}

// FirstIndexAtOrAfter returns the first slot whose start is >= tsMs.
func (i Interval) FirstIndexAtOrAfter(tsMs int64) int64 {
	idx := i.BucketIndex(tsMs)
	if i.IndexStart(idx) < tsMs {
		idx++
	}
	return idx
}

// Slots returns the number of slot starts inside w.
func (i Interval) Slots(w Window) int64 {
	if w.Empty() {
		return 0
	}
	first := i.FirstIndexAtOrAfter(w.SinceMs)
	last := i.BucketIndex(w.UntilMs - 1)
	if last < first {
		return 0
	}
	return last - first + 1
}

// Validate checks that the interval lies within [MinInterval, MaxInterval].
func (i Interval) Validate() error {
	if i < MinInterval || i > MaxInterval {
		return fmt.Errorf("interval %s outside [%s, %s]", i, MinInterval, MaxInterval)
	}
	return nil
}

// ParseInterval parses a resample interval.
// Accepts Go durations ("30s", "5m", "1h30m") plus "d" and "w" suffixes
// ("1d", "2w").
func ParseInterval(s string) (Interval, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}

	var unit int64
	switch {
	case strings.HasSuffix(s, "d"):
		unit = 86400000
	case strings.HasSuffix(s, "w"):
		unit = 7 * 86400000
	}
	if unit > 0 {
		n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid interval %q", s)
		}
		return Interval(n * unit), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	if d < time.Millisecond {
		return 0, fmt.Errorf("invalid interval %q: below 1ms", s)
	}
	return IntervalOf(d), nil
}

// SelectIntervalForSpan picks the default resample interval for a window.
// Shorter windows get finer buckets.
func SelectIntervalForSpan(span time.Duration) Interval {
	switch {
	case span <= 6*time.Hour:
		return IntervalOf(time.Minute)
	case span <= 48*time.Hour:
		return IntervalOf(5 * time.Minute)
	case span <= 7*24*time.Hour:
		return IntervalOf(15 * time.Minute)
	case span <= 31*24*time.Hour:
		return IntervalOf(time.Hour)
	default:
		return IntervalOf(6 * time.Hour)
	}
}
