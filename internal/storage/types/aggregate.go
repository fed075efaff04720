package types

import (
	"fmt"
	"strings"
	"time"
)

// Aggregation selects how a bucket's valid delays collapse to one value.
type Aggregation int

const (
	// AggMean is the arithmetic mean of valid delays.
	AggMean Aggregation = iota
	AggMin
	AggMax
	AggP50
	AggP90
	AggP95
	AggP99
)

var aggregationNames = map[Aggregation]string{
	AggMean: "mean",
	AggMin:  "min",
	AggMax:  "max",
	AggP50:  "p50",
	AggP90:  "p90",
	AggP95:  "p95",
	AggP99:  "p99",
}

// String returns the query parameter spelling of the aggregation.
func (a Aggregation) String() string {
	if s, ok := aggregationNames[a]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(a))
}

// Quantile returns the quantile for percentile aggregations.
func (a Aggregation) Quantile() (float64, bool) {
	switch a {
	case AggP50:
		return 0.50, true
	case AggP90:
		return 0.90, true
	case AggP95:
		return 0.95, true
	case AggP99:
		return 0.99, true
	default:
		return 0, false
	}
}

// ParseAggregation parses an aggregation name. Empty means mean.
func ParseAggregation(s string) (Aggregation, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "", "mean", "avg":
		return AggMean, nil
	}
	for a, name := range aggregationNames {
		if name == s {
			return a, nil
		}
	}
	return AggMean, fmt.Errorf("unknown aggregation %q", s)
}

// Bucket is the aggregate of one monitor's samples in
// [StartMs, StartMs+interval).
type Bucket struct {
	Monitor string

	// Time slot
	Index   int64 // Epoch-anchored slot index
	StartMs int64 // Index * interval

	// Value is set only when HasValue is true. A bucket whose samples all
	// failed has no value and counts as no data for filling.
	Value    float64
	HasValue bool

	// Basic statistics
	Count  int64   // Valid samples
	Failed int64   // Invalid samples
	Sum    float64 // Sum of valid delays
	Min    float64
	Max    float64
}

// StartTime returns the bucket start as a time.Time.
func (b *Bucket) StartTime() time.Time {
	return time.UnixMilli(b.StartMs)
}

// Mean returns Sum/Count, or 0 if the bucket has no valid samples.
func (b *Bucket) Mean() float64 {
	if b.Count == 0 {
		return 0
	}
	return b.Sum / float64(b.Count)
}
