package types

import (
	"math"
	"testing"
	"time"
)

func TestSampleKey(t *testing.T) {
	s := Sample{ServerID: "7", Monitor: "CT-Shanghai"}

	expected := MonitorKey{ServerID: "7", Monitor: "CT-Shanghai"}
	if s.Key() != expected {
		t.Errorf("expected %v, got %v", expected, s.Key())
	}
	if s.Key().String() != "7/CT-Shanghai" {
		t.Errorf("unexpected key string %q", s.Key().String())
	}
}

func TestSampleTimestampTime(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	s := Sample{TimestampMs: now.UnixMilli()}

	if !s.TimestampTime().Equal(now) {
		t.Errorf("expected %v, got %v", now, s.TimestampTime())
	}
}

func TestSampleCheck(t *testing.T) {
	tests := []struct {
		name    string
		sample  Sample
		wantErr bool
	}{
		{"valid", Sample{ServerID: "1", Monitor: "a", TimestampMs: 1, Delay: 12.5, Valid: true}, false},
		{"failed probe", Sample{ServerID: "1", Monitor: "a", TimestampMs: 1, Error: "timeout"}, false},
		{"no server", Sample{Monitor: "a", TimestampMs: 1, Valid: true}, true},
		{"no monitor", Sample{ServerID: "1", TimestampMs: 1, Valid: true}, true},
		{"zero ts", Sample{ServerID: "1", Monitor: "a", Valid: true}, true},
		{"nan", Sample{ServerID: "1", Monitor: "a", TimestampMs: 1, Delay: math.NaN(), Valid: true}, true},
		{"negative", Sample{ServerID: "1", Monitor: "a", TimestampMs: 1, Delay: -1, Valid: true}, true},
		{"slash in server", Sample{ServerID: "a/b", Monitor: "a", TimestampMs: 1, Valid: true}, true},
		{"control char monitor", Sample{ServerID: "1", Monitor: "a\nb", TimestampMs: 1, Valid: true}, true},
		{"invalid nan ignored", Sample{ServerID: "1", Monitor: "a", TimestampMs: 1, Delay: math.NaN()}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.sample.Check() != ""
			if got != tt.wantErr {
				t.Errorf("Check() = %q, wantErr %v", tt.sample.Check(), tt.wantErr)
			}
		})
	}
}

func TestWindow(t *testing.T) {
	w := Window{SinceMs: 1000, UntilMs: 2000}

	if !w.Contains(1000) {
		t.Error("since should be inclusive")
	}
	if w.Contains(2000) {
		t.Error("until should be exclusive")
	}
	if w.Span() != time.Second {
		t.Errorf("expected 1s span, got %v", w.Span())
	}
	if !(Window{SinceMs: 5, UntilMs: 5}).Empty() {
		t.Error("since == until should be empty")
	}

	inverted := Window{SinceMs: 10, UntilMs: 5}
	if !inverted.Empty() || inverted.Span() != 0 || inverted.Contains(7) {
		t.Errorf("inverted window should be empty, got span %v", inverted.Span())
	}

	from := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if got := WindowOf(from, from.Add(time.Minute)); got.SinceMs != from.UnixMilli() || got.Span() != time.Minute {
		t.Errorf("WindowOf = %+v", got)
	}
}

func TestIntervalBucketIndex(t *testing.T) {
	five := IntervalOf(5 * time.Minute)

	tests := []struct {
		ts    int64
		index int64
		start int64
	}{
		{0, 0, 0},
		{299_999, 0, 0},
		{300_000, 1, 300_000},
		{-1, -1, -300_000},
		{-300_000, -1, -300_000},
		{-300_001, -2, -600_000},
	}

	for _, tt := range tests {
		if got := five.BucketIndex(tt.ts); got != tt.index {
			t.Errorf("BucketIndex(%d) = %d, want %d", tt.ts, got, tt.index)
		}
		if got := five.BucketStart(tt.ts); got != tt.start {
			t.Errorf("BucketStart(%d) = %d, want %d", tt.ts, got, tt.start)
		}
	}
}

func TestIntervalEpochAnchored(t *testing.T) {
	// 10:02 UTC must land in the 10:00 bucket regardless of the window.
	ts := time.Date(2024, 5, 1, 10, 2, 0, 0, time.UTC).UnixMilli()
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).UnixMilli()

	if got := IntervalOf(5 * time.Minute).BucketStart(ts); got != want {
		t.Errorf("expected %d, got %d", want, got)
	}
}

func TestIntervalSlots(t *testing.T) {
	minute := IntervalOf(time.Minute)

	tests := []struct {
		name string
		w    Window
		want int64
	}{
		{"aligned", Window{0, 5 * 60_000}, 5},
		{"unaligned since", Window{1, 5 * 60_000}, 4},
		{"unaligned until", Window{0, 5*60_000 + 1}, 6},
		{"empty", Window{10, 10}, 0},
		{"inside one slot", Window{1, 59_000}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := minute.Slots(tt.w); got != tt.want {
				t.Errorf("Slots() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    Interval
		wantErr bool
	}{
		{"1m", IntervalOf(time.Minute), false},
		{"5m", IntervalOf(5 * time.Minute), false},
		{"1h30m", IntervalOf(90 * time.Minute), false},
		{"1d", IntervalOf(24 * time.Hour), false},
		{"2W", IntervalOf(14 * 24 * time.Hour), false},
		{"", 0, true},
		{"abc", 0, true},
		{"-5m", 0, true},
		{"0d", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInterval(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInterval(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseInterval(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestIntervalString(t *testing.T) {
	for _, s := range []string{"30s", "5m", "1h", "1d", "1w", "250ms"} {
		i, err := ParseInterval(s)
		if err != nil {
			t.Fatalf("ParseInterval(%q): %v", s, err)
		}
		if i.String() != s {
			t.Errorf("round trip %q -> %q", s, i.String())
		}
	}
}

func TestIntervalValidate(t *testing.T) {
	if err := IntervalOf(time.Minute).Validate(); err != nil {
		t.Errorf("1m should be valid: %v", err)
	}
	if err := IntervalOf(500 * time.Millisecond).Validate(); err == nil {
		t.Error("500ms should be rejected")
	}
	if err := IntervalOf(8 * 24 * time.Hour).Validate(); err == nil {
		t.Error("8d should be rejected")
	}
}

func TestSelectIntervalForSpan(t *testing.T) {
	tests := []struct {
		span time.Duration
		want time.Duration
	}{
		{time.Hour, time.Minute},
		{24 * time.Hour, 5 * time.Minute},
		{5 * 24 * time.Hour, 15 * time.Minute},
		{30 * 24 * time.Hour, time.Hour},
		{90 * 24 * time.Hour, 6 * time.Hour},
	}

	for _, tt := range tests {
		if got := SelectIntervalForSpan(tt.span); got.Duration() != tt.want {
			t.Errorf("SelectIntervalForSpan(%v) = %v, want %v", tt.span, got, tt.want)
		}
	}
}

func TestParseAggregation(t *testing.T) {
	tests := []struct {
		in      string
		want    Aggregation
		wantErr bool
	}{
		{"", AggMean, false},
		{"avg", AggMean, false},
		{"MEAN", AggMean, false},
		{"p95", AggP95, false},
		{"max", AggMax, false},
		{"p42", AggMean, true},
	}

	for _, tt := range tests {
		got, err := ParseAggregation(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseAggregation(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseAggregation(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if q, ok := AggP99.Quantile(); !ok || q != 0.99 {
		t.Errorf("unexpected quantile %v %v", q, ok)
	}
	if _, ok := AggMean.Quantile(); ok {
		t.Error("mean has no quantile")
	}
}

func TestBucketMean(t *testing.T) {
	b := Bucket{Count: 2, Sum: 50}
	if b.Mean() != 25 {
		t.Errorf("expected 25, got %v", b.Mean())
	}
	if (&Bucket{Failed: 3}).Mean() != 0 {
		t.Error("empty bucket mean should be 0")
	}
}
