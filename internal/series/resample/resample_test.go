package resample

import (
	"math"
	"testing"
	"time"

	"github.com/xtxerr/tcpingd/internal/storage/types"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(d time.Duration) int64 {
	return base.Add(d).UnixMilli()
}

func ok(monitor string, d time.Duration, delay float64) types.Sample {
	return types.Sample{ServerID: "1", Monitor: monitor, TimestampMs: at(d), Delay: delay, Valid: true}
}

func failed(monitor string, d time.Duration) types.Sample {
	return types.Sample{ServerID: "1", Monitor: monitor, TimestampMs: at(d), Error: "timeout"}
}

func window(from, to time.Duration) types.Window {
	return types.Window{SinceMs: at(from), UntilMs: at(to)}
}

func mustResample(t *testing.T, samples []types.Sample, w types.Window, opts Options) []types.Bucket {
	t.Helper()
	buckets, err := Resample("A", samples, w, opts)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	return buckets
}

func fiveMin() Options {
	return Options{Interval: types.IntervalOf(5 * time.Minute)}
}

func TestResample_Mean(t *testing.T) {
	samples := []types.Sample{
		ok("A", 1*time.Second, 20),
		ok("A", 4*time.Minute+50*time.Second, 30),
	}

	buckets := mustResample(t, samples, window(0, 10*time.Minute), fiveMin())

	if len(buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(buckets))
	}

	b := buckets[0]
	if b.StartMs != at(0) {
		t.Errorf("expected bucket at 10:00, got %v", b.StartTime())
	}
	if !b.HasValue || b.Value != 25 {
		t.Errorf("expected mean 25, got %v (has=%v)", b.Value, b.HasValue)
	}
	if b.Count != 2 || b.Min != 20 || b.Max != 30 {
		t.Errorf("unexpected stats: %+v", b)
	}
}

func TestResample_NoSynthesizedSlots(t *testing.T) {
	samples := []types.Sample{
		ok("A", 0, 10),
		ok("A", 20*time.Minute, 40),
	}

	buckets := mustResample(t, samples, window(0, time.Hour), fiveMin())

	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	if buckets[0].StartMs != at(0) || buckets[1].StartMs != at(20*time.Minute) {
		t.Errorf("unexpected starts %v %v", buckets[0].StartTime(), buckets[1].StartTime())
	}
}

func TestResample_FailedSamples(t *testing.T) {
	samples := []types.Sample{
		ok("A", 0, 10),
		failed("A", time.Minute),
		failed("A", 6*time.Minute),
	}

	buckets := mustResample(t, samples, window(0, 10*time.Minute), fiveMin())

	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}

	if buckets[0].Value != 10 || buckets[0].Failed != 1 {
		t.Errorf("failed samples must not affect the mean: %+v", buckets[0])
	}
	if buckets[1].HasValue {
		t.Errorf("all-failed bucket must have no value: %+v", buckets[1])
	}
	if buckets[1].Failed != 1 {
		t.Errorf("expected failed=1, got %d", buckets[1].Failed)
	}
}

func TestResample_WindowBounds(t *testing.T) {
	samples := []types.Sample{
		ok("A", -time.Second, 99),
		ok("A", 0, 10),
		ok("A", 10*time.Minute, 99),
	}

	buckets := mustResample(t, samples, window(0, 10*time.Minute), fiveMin())

	if len(buckets) != 1 || buckets[0].Value != 10 {
		t.Fatalf("since must be inclusive and until exclusive: %+v", buckets)
	}
}

func TestResample_EmptyWindow(t *testing.T) {
	samples := []types.Sample{ok("A", 0, 10)}

	if got := mustResample(t, samples, window(0, 0), fiveMin()); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestResample_UnsortedInput(t *testing.T) {
	samples := []types.Sample{
		ok("A", 7*time.Minute, 40),
		ok("A", 1*time.Minute, 10),
		ok("A", 6*time.Minute, 20),
	}

	buckets := mustResample(t, samples, window(0, 10*time.Minute), fiveMin())

	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	if buckets[0].Value != 10 || buckets[1].Value != 30 {
		t.Errorf("unexpected values %v %v", buckets[0].Value, buckets[1].Value)
	}
}

func TestResample_MeanProperty(t *testing.T) {
	// Every bucket value equals the mean of the valid delays in its slot.
	var samples []types.Sample
	for i := 0; i < 500; i++ {
		d := time.Duration(i*37) * time.Second
		if i%7 == 0 {
			samples = append(samples, failed("A", d))
			continue
		}
		samples = append(samples, ok("A", d, float64(i%53)))
	}

	w := window(0, 6*time.Hour)
	opts := fiveMin()
	buckets := mustResample(t, samples, w, opts)

	for _, b := range buckets {
		var sum float64
		var n int
		for _, s := range samples {
			if s.Valid && opts.Interval.BucketStart(s.TimestampMs) == b.StartMs {
				sum += s.Delay
				n++
			}
		}
		if n == 0 {
			if b.HasValue {
				t.Errorf("bucket %v has a value without valid samples", b.StartTime())
			}
			continue
		}
		if math.Abs(b.Value-sum/float64(n)) > 1e-9 {
			t.Errorf("bucket %v: expected %v, got %v", b.StartTime(), sum/float64(n), b.Value)
		}
	}
}

func TestResample_Percentiles(t *testing.T) {
	var samples []types.Sample
	for i := 1; i <= 100; i++ {
		samples = append(samples, ok("A", time.Duration(i)*time.Second, float64(i)))
	}

	opts := fiveMin()
	opts.Aggregation = types.AggP95
	buckets := mustResample(t, samples, window(0, 5*time.Minute), opts)

	if len(buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(buckets))
	}
	if math.Abs(buckets[0].Value-95) > 2 {
		t.Errorf("expected p95 near 95, got %v", buckets[0].Value)
	}

	opts.Aggregation = types.AggMax
	buckets = mustResample(t, samples, window(0, 5*time.Minute), opts)
	if buckets[0].Value != 100 {
		t.Errorf("expected max 100, got %v", buckets[0].Value)
	}
}

func TestByMonitor(t *testing.T) {
	samples := []types.Sample{
		ok("A", 1*time.Second, 20),
		ok("B", 2*time.Minute, 15),
		ok("A", 4*time.Minute+50*time.Second, 30),
		ok("C", 2*time.Hour, 1),
	}

	got, err := ByMonitor(samples, window(0, 10*time.Minute), fiveMin())
	if err != nil {
		t.Fatalf("ByMonitor: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected monitors A and B, got %d", len(got))
	}
	if got["A"][0].Value != 25 || got["B"][0].Value != 15 {
		t.Errorf("unexpected values: A=%v B=%v", got["A"][0].Value, got["B"][0].Value)
	}
	if _, ok := got["C"]; ok {
		t.Error("monitor outside the window must be absent")
	}
}

func TestResample_SketchErrors(t *testing.T) {
	tests := []struct {
		name    string
		samples []types.Sample
		opts    Options
	}{
		{
			name:    "accuracy out of range",
			samples: []types.Sample{ok("A", 0, 10)},
			opts:    Options{Interval: types.IntervalOf(5 * time.Minute), Aggregation: types.AggP99, Accuracy: 1.5},
		},
		{
			name:    "delay the sketch cannot index",
			samples: []types.Sample{ok("A", 0, 10), ok("A", time.Minute, math.Inf(1))},
			opts:    Options{Interval: types.IntervalOf(5 * time.Minute), Aggregation: types.AggP99},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buckets, err := Resample("A", tt.samples, window(0, 10*time.Minute), tt.opts)
			if err == nil {
				t.Fatalf("expected an error, got buckets %+v", buckets)
			}
			if _, err := ByMonitor(tt.samples, window(0, 10*time.Minute), tt.opts); err == nil {
				t.Error("ByMonitor must surface the error")
			}
		})
	}

	// Mean never builds a sketch, so the same inputs succeed.
	if _, err := Resample("A", []types.Sample{ok("A", 0, 10)}, window(0, 10*time.Minute), Options{Interval: types.IntervalOf(5 * time.Minute), Accuracy: 1.5}); err != nil {
		t.Errorf("mean with unused accuracy: %v", err)
	}
}
