package resample

import (
	"fmt"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// DefaultAccuracy is the relative accuracy of percentile sketches (1%).
const DefaultAccuracy = 0.01

// accumulator maintains running statistics for a single bucket.
// Percentiles are only tracked when a sketch is attached.
type accumulator struct {
	index   int64
	count   int64
	failed  int64
	sum     float64
	min     float64
	max     float64
	firstTs int64
	lastTs  int64

	sketch *ddsketch.DDSketch
}

func newAccumulator(index int64, withSketch bool, accuracy float64) (*accumulator, error) {
	acc := &accumulator{
		index: index,
		min:   math.MaxFloat64,
		max:   -math.MaxFloat64,
	}

	if withSketch {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err != nil {
			return nil, fmt.Errorf("percentile sketch: %w", err)
		}
		acc.sketch = sketch
	}

	return acc, nil
}

// add folds a sample into the bucket. Invalid samples only bump failed.
func (a *accumulator) add(s *types.Sample) error {
	if a.firstTs == 0 || s.TimestampMs < a.firstTs {
		a.firstTs = s.TimestampMs
	}
	if s.TimestampMs > a.lastTs {
		a.lastTs = s.TimestampMs
	}

	if !s.Valid {
		a.failed++
		return nil
	}

	a.count++
	a.sum += s.Delay

	if s.Delay < a.min {
		a.min = s.Delay
	}
	if s.Delay > a.max {
		a.max = s.Delay
	}

	if a.sketch != nil {
		if err := a.sketch.Add(s.Delay); err != nil {
			return fmt.Errorf("percentile sketch: add %v at %d: %w", s.Delay, s.TimestampMs, err)
		}
	}
	return nil
}

// bucket materializes the accumulator as a types.Bucket.
func (a *accumulator) bucket(monitor string, interval types.Interval, agg types.Aggregation) (types.Bucket, error) {
	b := types.Bucket{
		Monitor: monitor,
		Index:   a.index,
		StartMs: interval.IndexStart(a.index),
		Count:   a.count,
		Failed:  a.failed,
		Sum:     a.sum,
	}

	if a.count == 0 {
		return b, nil
	}

	b.Min = a.min
	b.Max = a.max
	b.HasValue = true

	switch agg {
	case types.AggMin:
		b.Value = a.min
	case types.AggMax:
		b.Value = a.max
	case types.AggMean:
		b.Value = a.sum / float64(a.count)
	default:
		q, ok := agg.Quantile()
		if !ok || a.sketch == nil {
			return b, fmt.Errorf("aggregation %q has no percentile sketch", agg)
		}
		v, err := a.sketch.GetValueAtQuantile(q)
		if err != nil {
			return b, fmt.Errorf("percentile sketch: quantile %v: %w", q, err)
		}
		// The sketch is only relatively accurate; keep it inside the observed range.
		b.Value = math.Min(math.Max(v, a.min), a.max)
	}

	return b, nil
}
