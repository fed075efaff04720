// Package resample turns irregular raw samples into regular, epoch-anchored
// buckets.
//
// A bucket is emitted only for slots that contain at least one sample.
// Empty slots are never synthesized here; filling is the aligner's job.
// A slot holding only failed samples is emitted with HasValue=false so
// callers can still see the failure count.
package resample

import (
	"fmt"
	"sort"

	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// Options controls bucketing.
type Options struct {
	Interval    types.Interval
	Aggregation types.Aggregation

	// Accuracy is the relative accuracy of percentile sketches.
	// Zero means DefaultAccuracy.
	Accuracy float64
}

func (o Options) accuracy() float64 {
	if o.Accuracy <= 0 {
		return DefaultAccuracy
	}
	return o.Accuracy
}

// Resample buckets the samples of a single monitor that fall inside w.
// Samples need not be sorted. The result is ordered by bucket start. It
// fails only when a percentile sketch rejects its accuracy or a delay.
func Resample(monitor string, samples []types.Sample, w types.Window, opts Options) ([]types.Bucket, error) {
	if w.Empty() || opts.Interval <= 0 || len(samples) == 0 {
		return nil, nil
	}

	_, withSketch := opts.Aggregation.Quantile()
	slots := make(map[int64]*accumulator)

	for i := range samples {
		s := &samples[i]
		if !w.Contains(s.TimestampMs) {
			continue
		}
		idx := opts.Interval.BucketIndex(s.TimestampMs)
		acc, ok := slots[idx]
		if !ok {
			var err error
			if acc, err = newAccumulator(idx, withSketch, opts.accuracy()); err != nil {
				return nil, fmt.Errorf("monitor %s: %w", monitor, err)
			}
			slots[idx] = acc
		}
		if err := acc.add(s); err != nil {
			return nil, fmt.Errorf("monitor %s: %w", monitor, err)
		}
	}

	return collect(monitor, slots, opts)
}

// ByMonitor groups the samples by monitor name and resamples each group.
// Monitors without any sample inside w are absent from the result.
func ByMonitor(samples []types.Sample, w types.Window, opts Options) (map[string][]types.Bucket, error) {
	groups := make(map[string][]types.Sample)
	for i := range samples {
		groups[samples[i].Monitor] = append(groups[samples[i].Monitor], samples[i])
	}

	out := make(map[string][]types.Bucket, len(groups))
	for monitor, group := range groups {
		buckets, err := Resample(monitor, group, w, opts)
		if err != nil {
			return nil, err
		}
		if len(buckets) > 0 {
			out[monitor] = buckets
		}
	}
	return out, nil
}

func collect(monitor string, slots map[int64]*accumulator, opts Options) ([]types.Bucket, error) {
	if len(slots) == 0 {
		return nil, nil
	}

	buckets := make([]types.Bucket, 0, len(slots))
	for _, acc := range slots {
		b, err := acc.bucket(monitor, opts.Interval, opts.Aggregation)
		if err != nil {
			return nil, fmt.Errorf("monitor %s: %w", monitor, err)
		}
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Index < buckets[j].Index
	})
	return buckets, nil
}
