package query

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/inventory"
	"github.com/xtxerr/tcpingd/internal/storage/memstore"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(d time.Duration) time.Time { return base.Add(d) }

func sample(monitor string, ts time.Time, delay float64) types.Sample {
	return types.Sample{ServerID: "1", Monitor: monitor, TimestampMs: ts.UnixMilli(), Delay: delay, Valid: true}
}

// countingStore counts reads and can be made to block or fail.
type countingStore struct {
	*memstore.Store
	reads atomic.Int64
	block chan struct{}
	err   error
}

func (c *countingStore) ReadSamples(ctx context.Context, keys []types.MonitorKey, w types.Window) ([]types.Sample, error) {
	c.reads.Add(1)
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.Store.ReadSamples(ctx, keys, w)
}

func newTestService(t *testing.T, samples ...types.Sample) (*Service, *countingStore, *inventory.Registry) {
	t.Helper()

	mem, err := memstore.Open(memstore.Options{SeriesCapacity: 10_000})
	if err != nil {
		t.Fatalf("memstore.Open: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	inv := inventory.New(true)
	for _, s := range samples {
		inv.Register(s.ServerID, s.Monitor)
	}
	if _, err := mem.Append(context.Background(), samples); err != nil {
		t.Fatalf("Append: %v", err)
	}

	store := &countingStore{Store: mem}
	svc := New(store, inv, nil, DefaultOptions())
	svc.now = func() time.Time { return at(time.Hour) }
	return svc, store, inv
}

func scenario() []types.Sample {
	return []types.Sample{
		sample("A", at(time.Second), 20),
		sample("A", at(4*time.Minute+50*time.Second), 30),
		sample("B", at(2*time.Minute), 15),
	}
}

func TestGetSeries_Scenario(t *testing.T) {
	svc, _, _ := newTestService(t, scenario()...)

	series, err := svc.GetSeries(context.Background(), Request{
		ServerID: "1",
		Since:    at(0),
		Until:    at(10 * time.Minute),
		Interval: types.IntervalOf(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}

	if len(series.Monitors) != 2 || series.Monitors[0] != "A" || series.Monitors[1] != "B" {
		t.Fatalf("monitors = %v", series.Monitors)
	}
	if len(series.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(series.Rows))
	}

	for i, want := range []time.Time{at(0), at(5 * time.Minute)} {
		row := series.Rows[i]
		if row.TimestampMs != want.UnixMilli() {
			t.Errorf("row %d at %d, want %v", i, row.TimestampMs, want)
		}
		if a := row.Values["A"]; !a.Valid || a.Float64 != 25 {
			t.Errorf("row %d A = %v, want 25", i, a)
		}
		if b := row.Values["B"]; !b.Valid || b.Float64 != 15 {
			t.Errorf("row %d B = %v, want 15", i, b)
		}
	}
}

func TestGetSeries_SinceIsInclusive(t *testing.T) {
	svc, _, _ := newTestService(t, append(scenario(), sample("A", at(8*time.Minute), 40))...)
	interval := types.IntervalOf(time.Minute)

	// Re-poll with a row's timestamp: that row comes back again.
	series, err := svc.GetSeries(context.Background(), Request{
		ServerID: "1",
		Since:    at(3 * time.Minute),
		Until:    at(10 * time.Minute),
		Interval: interval,
	})
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if len(series.Rows) != 7 || series.Rows[0].TimestampMs != at(3*time.Minute).UnixMilli() {
		t.Fatalf("expected rows 10:03..10:09, got %+v", series.Rows)
	}
	// B's only sample is at 10:02, before since.
	if len(series.Monitors) != 1 || series.Monitors[0] != "A" {
		t.Errorf("monitors = %v, want [A]", series.Monitors)
	}

	want := []float64{20, 30, 30, 30, 30, 40, 40}
	for i, row := range series.Rows {
		if a := row.Values["A"]; !a.Valid || a.Float64 != want[i] {
			t.Errorf("row %d: A = %v, want %v", i, a, want[i])
		}
	}
}

func TestGetSeries_IncrementalIsSuffix(t *testing.T) {
	var samples []types.Sample
	for i := 0; i < 60; i++ {
		if i%7 != 3 {
			samples = append(samples, sample("A", at(time.Duration(i)*time.Minute+13*time.Second), float64(i)))
		}
		if i%11 == 5 {
			samples = append(samples, sample("B", at(time.Duration(i)*time.Minute+41*time.Second), float64(100+i)))
		}
	}
	svc, _, _ := newTestService(t, samples...)
	ctx := context.Background()
	interval := types.IntervalOf(time.Minute)

	wide, err := svc.GetSeries(ctx, Request{ServerID: "1", Since: at(0), Until: at(time.Hour), Interval: interval})
	if err != nil {
		t.Fatalf("wide: %v", err)
	}

	tests := []struct {
		cut      time.Duration
		monitors []string
	}{
		{7 * time.Minute, []string{"A", "B"}},
		{23 * time.Minute, []string{"A", "B"}},
		{50 * time.Minute, []string{"A"}}, // B last reports at 10:49
		{59 * time.Minute, nil},           // nothing reports in the last minute
	}

	for _, tt := range tests {
		narrow, err := svc.GetSeries(ctx, Request{ServerID: "1", Since: at(tt.cut), Until: at(time.Hour), Interval: interval})
		if err != nil {
			t.Fatalf("narrow %v: %v", tt.cut, err)
		}

		if fmt.Sprint(narrow.Monitors) != fmt.Sprint(append([]string{}, tt.monitors...)) {
			t.Errorf("cut %v: monitors %v, want %v", tt.cut, narrow.Monitors, tt.monitors)
		}

		var suffix int
		for _, row := range wide.Rows {
			if row.TimestampMs >= at(tt.cut).UnixMilli() {
				suffix++
			}
		}
		if len(tt.monitors) == 0 {
			suffix = 0
		}
		if len(narrow.Rows) != suffix {
			t.Fatalf("cut %v: %d rows, want %d", tt.cut, len(narrow.Rows), suffix)
		}

		offset := len(wide.Rows) - len(narrow.Rows)
		for i, row := range narrow.Rows {
			w := wide.Rows[offset+i]
			if row.TimestampMs != w.TimestampMs {
				t.Fatalf("cut %v row %d: timestamp %d, wide has %d", tt.cut, i, row.TimestampMs, w.TimestampMs)
			}
			if len(row.Values) != len(narrow.Monitors) {
				t.Errorf("cut %v row %d: %d values for %d monitors", tt.cut, i, len(row.Values), len(narrow.Monitors))
			}
			for _, m := range narrow.Monitors {
				if row.Values[m] != w.Values[m] {
					t.Errorf("cut %v row %d monitor %s: %v, wide has %v", tt.cut, i, m, row.Values[m], w.Values[m])
				}
			}
		}
	}
}

func TestGetSeries_NoFabricationFromLookback(t *testing.T) {
	interval := types.IntervalOf(5 * time.Minute)
	req := Request{ServerID: "1", Since: at(0), Until: at(10 * time.Minute), Interval: interval}

	tests := []struct {
		name     string
		samples  []types.Sample
		monitors []string
		rows     int
	}{
		{
			name:     "silent monitor dropped",
			samples:  []types.Sample{sample("A", at(time.Minute), 20), sample("B", at(-2*time.Hour), 99)},
			monitors: []string{"A"},
			rows:     2,
		},
		{
			name:    "only lookback data",
			samples: []types.Sample{sample("B", at(-2*time.Hour), 99)},
			rows:    0,
		},
		{
			name: "failed samples only in window",
			samples: []types.Sample{
				sample("B", at(-time.Hour), 99),
				{ServerID: "1", Monitor: "B", TimestampMs: at(time.Minute).UnixMilli(), Error: "timeout"},
			},
			rows: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t, tt.samples...)

			series, err := svc.GetSeries(context.Background(), req)
			if err != nil {
				t.Fatalf("GetSeries: %v", err)
			}
			if fmt.Sprint(series.Monitors) != fmt.Sprint(append([]string{}, tt.monitors...)) {
				t.Errorf("monitors %v, want %v", series.Monitors, tt.monitors)
			}
			if len(series.Rows) != tt.rows {
				t.Fatalf("rows %d, want %d", len(series.Rows), tt.rows)
			}
			for i, row := range series.Rows {
				if _, ok := row.Values["B"]; ok {
					t.Errorf("row %d carries B", i)
				}
			}
		})
	}
}

func TestGetSeries_RowsStayInsideWindow(t *testing.T) {
	svc, _, _ := newTestService(t,
		sample("A", at(-time.Hour), 10),
		sample("A", at(time.Minute), 20),
		sample("A", at(2*time.Minute+40*time.Second), 25),
		sample("A", at(5*time.Minute), 40),
	)
	svc.opts.MaxRows = 5

	// since sits inside the 10:02 slot: rows start at 10:03 and the partial
	// slot only seeds A.
	series, err := svc.GetSeries(context.Background(), Request{
		ServerID: "1",
		Since:    at(2*time.Minute + 30*time.Second),
		Until:    at(8 * time.Minute),
		Interval: types.IntervalOf(time.Minute),
	})
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if len(series.Rows) != 5 || series.Rows[0].TimestampMs != at(3*time.Minute).UnixMilli() {
		t.Fatalf("expected rows 10:03..10:07, got %+v", series.Rows)
	}

	want := []float64{25, 25, 40, 40, 40}
	for i, row := range series.Rows {
		if a := row.Values["A"]; !a.Valid || a.Float64 != want[i] {
			t.Errorf("row %d: A = %v, want %v", i, a, want[i])
		}
	}
}

func TestGetSeries_Idempotent(t *testing.T) {
	svc, store, _ := newTestService(t, append(scenario(), sample("B", at(-3*time.Hour), 9))...)
	svc.cache = newCache(0, 1)
	req := Request{ServerID: "1", Since: at(-30 * time.Minute), Until: at(20 * time.Minute), Interval: types.IntervalOf(time.Minute)}

	first, err := svc.GetSeries(context.Background(), req)
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	second, err := svc.GetSeries(context.Background(), req)
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}

	if store.reads.Load() != 2 {
		t.Fatalf("expected two store reads with the cache off, got %d", store.reads.Load())
	}
	if first == second {
		t.Fatal("expected independent results")
	}
	if fmt.Sprint(first.Monitors) != fmt.Sprint(second.Monitors) || len(first.Rows) != len(second.Rows) {
		t.Fatalf("results differ: %v/%d vs %v/%d", first.Monitors, len(first.Rows), second.Monitors, len(second.Rows))
	}
	for i := range first.Rows {
		if first.Rows[i].TimestampMs != second.Rows[i].TimestampMs {
			t.Fatalf("row %d timestamp differs", i)
		}
		for _, m := range first.Monitors {
			if first.Rows[i].Values[m] != second.Rows[i].Values[m] {
				t.Errorf("row %d monitor %s differs", i, m)
			}
		}
	}
}

func TestGetSeries_Defaults(t *testing.T) {
	svc, _, _ := newTestService(t, scenario()...)

	series, err := svc.GetSeries(context.Background(), Request{ServerID: "1"})
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}

	if !series.Until.Equal(at(time.Hour)) {
		t.Errorf("until = %v, want now", series.Until)
	}
	if got := series.Until.Sub(series.Since); got != 24*time.Hour {
		t.Errorf("window = %v, want 24h", got)
	}
	if series.Interval != types.IntervalOf(5*time.Minute) {
		t.Errorf("auto interval = %v, want 5m", series.Interval)
	}
	// 10:00 to 10:55 inclusive.
	if len(series.Rows) != 12 {
		t.Errorf("expected 12 rows, got %d", len(series.Rows))
	}
}

func TestGetSeries_BackfillOff(t *testing.T) {
	svc, _, _ := newTestService(t, scenario()...)
	off := false

	series, err := svc.GetSeries(context.Background(), Request{
		ServerID: "1",
		Since:    at(0),
		Until:    at(5 * time.Minute),
		Interval: types.IntervalOf(time.Minute),
		Backfill: &off,
	})
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}

	// B first reports at 10:02.
	for i, row := range series.Rows {
		b := row.Values["B"]
		if i < 2 && b.Valid {
			t.Errorf("row %d: B should be null before its first sample, got %v", i, b)
		}
		if i >= 2 && (!b.Valid || b.Float64 != 15) {
			t.Errorf("row %d: B = %v, want 15", i, b)
		}
	}
}

func TestGetSeries_Errors(t *testing.T) {
	svc, store, _ := newTestService(t, scenario()...)
	svc.opts.MaxRows = 100
	svc.opts.MaxSpan = 48 * time.Hour

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown server", Request{ServerID: "404"}, errors.ErrNotFound},
		{"missing server", Request{}, errors.ErrInvalidRequest},
		{"since after until", Request{ServerID: "1", Since: at(time.Hour), Until: at(0)}, errors.ErrInvalidRequest},
		{"interval too small", Request{ServerID: "1", Interval: types.Interval(10)}, errors.ErrInvalidRequest},
		{"span too large", Request{ServerID: "1", Since: at(-72 * time.Hour)}, errors.ErrRequestTooLarge},
		{"too many rows", Request{ServerID: "1", Interval: types.IntervalOf(time.Second)}, errors.ErrRequestTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := store.reads.Load()
			_, err := svc.GetSeries(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if store.reads.Load() != before {
				t.Error("rejected request touched storage")
			}
		})
	}
}

func TestGetSeries_UpstreamUnavailable(t *testing.T) {
	svc, store, _ := newTestService(t, scenario()...)
	store.err = fmt.Errorf("connection reset")

	_, err := svc.GetSeries(context.Background(), Request{ServerID: "1"})
	if !errors.Is(err, errors.ErrUpstreamUnavailable) {
		t.Errorf("expected UpstreamUnavailable, got %v", err)
	}
}

func TestGetSeries_PercentileSketchFailure(t *testing.T) {
	svc, _, _ := newTestService(t, scenario()...)
	svc.opts.Accuracy = 1.5

	req := Request{ServerID: "1", Since: at(0), Until: at(10 * time.Minute), Aggregation: types.AggP99}
	series, err := svc.GetSeries(context.Background(), req)
	if !errors.Is(err, errors.ErrInternal) {
		t.Fatalf("expected Internal, got %v", err)
	}
	if series != nil {
		t.Error("a failed percentile must not fall back to another aggregation")
	}

	req.Aggregation = types.AggMean
	if _, err := svc.GetSeries(context.Background(), req); err != nil {
		t.Errorf("mean does not use the sketch: %v", err)
	}
}

func TestGetSeries_Timeout(t *testing.T) {
	svc, store, _ := newTestService(t, scenario()...)
	store.block = make(chan struct{})
	defer close(store.block)
	svc.opts.Timeout = 50 * time.Millisecond

	series, err := svc.GetSeries(context.Background(), Request{ServerID: "1"})
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if series != nil {
		t.Error("timeout must not return partial data")
	}
}

func TestGetSeries_Cache(t *testing.T) {
	svc, store, _ := newTestService(t, scenario()...)
	ctx := context.Background()
	req := Request{ServerID: "1", Since: at(0), Until: at(10 * time.Minute)}

	first, err := svc.GetSeries(ctx, req)
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	second, err := svc.GetSeries(ctx, req)
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}

	if first != second {
		t.Error("second query should be served from the cache")
	}
	if store.reads.Load() != 1 {
		t.Errorf("expected 1 store read, got %d", store.reads.Load())
	}

	// Expire the entry.
	svc.now = func() time.Time { return at(time.Hour + 10*time.Second) }
	if _, err := svc.GetSeries(ctx, req); err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if store.reads.Load() != 2 {
		t.Errorf("expected a fresh read after TTL, got %d reads", store.reads.Load())
	}

	stats := svc.Stats()
	if stats.CacheHits != 1 || stats.CacheMisses != 2 {
		t.Errorf("unexpected cache stats %+v", stats)
	}
}

func TestGetSeries_Singleflight(t *testing.T) {
	svc, store, _ := newTestService(t, scenario()...)
	store.block = make(chan struct{})

	req := Request{ServerID: "1", Since: at(0), Until: at(10 * time.Minute)}

	var wg sync.WaitGroup
	results := make([]*Series, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := svc.GetSeries(context.Background(), req)
			if err != nil {
				t.Errorf("GetSeries: %v", err)
			}
			results[i] = s
		}(i)
	}

	// Let every caller reach the in-flight computation.
	deadline := time.Now().Add(2 * time.Second)
	for store.reads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(store.block)
	wg.Wait()

	if n := store.reads.Load(); n != 1 {
		t.Errorf("expected one shared read, got %d", n)
	}
	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different result", i)
		}
	}
}

func TestGetSeries_KnownServerWithoutMonitors(t *testing.T) {
	svc, _, inv := newTestService(t)
	inv.Replace([]inventory.Server{{ID: "5", Name: "fresh"}})

	series, err := svc.GetSeries(context.Background(), Request{ServerID: "5"})
	if err != nil {
		t.Fatalf("GetSeries: %v", err)
	}
	if len(series.Monitors) != 0 || len(series.Rows) != 0 {
		t.Errorf("expected empty series, got %+v", series)
	}
}

func TestRawSamples(t *testing.T) {
	svc, _, _ := newTestService(t, scenario()...)
	ctx := context.Background()

	all, err := svc.RawSamples(ctx, "1", time.Time{})
	if err != nil {
		t.Fatalf("RawSamples: %v", err)
	}
	if len(all) != 3 || all[1].Monitor != "B" {
		t.Fatalf("expected 3 samples ordered by time, got %+v", all)
	}

	// since is exclusive.
	after, err := svc.RawSamples(ctx, "1", at(2*time.Minute))
	if err != nil {
		t.Fatalf("RawSamples: %v", err)
	}
	if len(after) != 1 || after[0].Delay != 30 {
		t.Errorf("expected only the 10:04:50 sample, got %+v", after)
	}

	if _, err := svc.RawSamples(ctx, "404", time.Time{}); !errors.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestMonitorNames(t *testing.T) {
	got := MonitorNames(scenario())
	if len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("MonitorNames = %v", got)
	}
}
