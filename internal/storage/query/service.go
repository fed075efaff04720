// Package query serves windowed, resampled, aligned and gap-filled latency
// series.
//
// A request is validated before storage is touched. The samples of every
// monitor of the server are read from one store snapshot covering the
// window plus a fill lookback and bucketed by the resample package. The
// align package then emits rows at or after since only, for the monitors
// with a valid sample in the window; lookback buckets just seed their
// forward fill. Results are cached for a short TTL; identical concurrent
// misses share one computation.
package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/metrics"
	"github.com/xtxerr/tcpingd/internal/series/align"
	"github.com/xtxerr/tcpingd/internal/series/resample"
	"github.com/xtxerr/tcpingd/internal/storage"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

var log = logging.Component("query")

// Resolver maps a server to its monitors.
type Resolver interface {
	Monitors(serverID string) ([]types.MonitorKey, error)
}

// Options configures the service.
type Options struct {
	// DefaultWindow is used when since is omitted.
	DefaultWindow time.Duration

	// FillLookback extends the read window before since so that the first
	// rows of monitors active in the window are forward-filled from earlier
	// data. It never adds monitors or rows.
	FillLookback time.Duration

	// MaxSpan and MaxRows bound a request.
	MaxSpan time.Duration
	MaxRows int64

	// Timeout bounds one computation.
	Timeout time.Duration

	// CacheTTL is how long a result is reused. Zero disables the cache.
	CacheTTL        time.Duration
	CacheMaxEntries int

	// Backfill is the default when a request does not say.
	Backfill bool

	// Accuracy is the percentile sketch accuracy.
	Accuracy float64
}

// DefaultOptions returns default options.
func DefaultOptions() Options {
	return Options{
		DefaultWindow:   24 * time.Hour,
		FillLookback:    24 * time.Hour,
		MaxSpan:         93 * 24 * time.Hour,
		MaxRows:         10_000,
		Timeout:         10 * time.Second,
		CacheTTL:        5 * time.Second,
		CacheMaxEntries: 1024,
		Backfill:        true,
		Accuracy:        resample.DefaultAccuracy,
	}
}

// Request is a series query. Zero values mean "not supplied".
type Request struct {
	ServerID    string
	Since       time.Time
	Until       time.Time
	Interval    types.Interval
	Aggregation types.Aggregation
	Backfill    *bool
}

// Series is a query result. It is shared between cache hits and must not
// be modified.
type Series struct {
	ServerID    string
	Interval    types.Interval
	Aggregation types.Aggregation
	Since       time.Time
	Until       time.Time
	Monitors    []string
	Rows        []align.Row
}

// Service answers series queries.
type Service struct {
	store    storage.Reader
	resolver Resolver
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time

	group singleflight.Group
	cache *cache

	mu    sync.Mutex
	stats Stats
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
	CacheHits       int64
	CacheMisses     int64
}

// New creates a query service. m may be nil.
func New(store storage.Reader, resolver Resolver, m *metrics.Metrics, opts Options) *Service {
	def := DefaultOptions()
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = def.DefaultWindow
	}
	if opts.FillLookback < 0 {
		opts.FillLookback = 0
	}
	if opts.MaxSpan <= 0 {
		opts.MaxSpan = def.MaxSpan
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = def.MaxRows
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.CacheMaxEntries <= 0 {
		opts.CacheMaxEntries = def.CacheMaxEntries
	}

	return &Service{
		store:    store,
		resolver: resolver,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
		cache:    newCache(opts.CacheTTL, opts.CacheMaxEntries),
	}
}

// plan is a validated request with every default resolved.
type plan struct {
	key      string
	serverID string
	since    int64
	until    int64
	interval types.Interval
	agg      types.Aggregation
	backfill bool
}

func (s *Service) plan(req Request) (plan, error) {
	if req.ServerID == "" {
		return plan{}, errors.NewInvalidRequest("server_id", "required")
	}

	until := req.Until
	if until.IsZero() {
		until = s.now()
	}
	since := req.Since
	if since.IsZero() {
		since = until.Add(-s.opts.DefaultWindow)
	}
	if !since.Before(until) {
		return plan{}, errors.NewInvalidRequest("since", "must be before until")
	}

	span := until.Sub(since)
	if span > s.opts.MaxSpan {
		return plan{}, errors.NewTooLarge("window %s exceeds maximum %s", span, s.opts.MaxSpan)
	}

	interval := req.Interval
	if interval == 0 {
		interval = types.SelectIntervalForSpan(span)
	}
	if err := interval.Validate(); err != nil {
		return plan{}, errors.NewInvalidRequest("resample", err.Error())
	}

	w := types.WindowOf(since, until)
	if rows := interval.Slots(w); rows > s.opts.MaxRows {
		return plan{}, errors.NewTooLarge("%d rows at %s exceeds maximum %d", rows, interval, s.opts.MaxRows)
	}

	backfill := s.opts.Backfill
	if req.Backfill != nil {
		backfill = *req.Backfill
	}

	return plan{
		key:      cacheKey(req, backfill),
		serverID: req.ServerID,
		since:    w.SinceMs,
		until:    w.UntilMs,
		interval: interval,
		agg:      req.Aggregation,
		backfill: backfill,
	}, nil
}

// cacheKey is built from the parameters as the caller supplied them, so a
// request without until shares results with identical requests for one TTL.
func cacheKey(req Request, backfill bool) string {
	var since, until int64
	if !req.Since.IsZero() {
		since = req.Since.UnixMilli()
	}
	if !req.Until.IsZero() {
		until = req.Until.UnixMilli()
	}
	return fmt.Sprintf("%s|%d|%d|%d|%s|%t", req.ServerID, since, until, int64(req.Interval), req.Aggregation, backfill)
}

// GetSeries runs a series query.
func (s *Service) GetSeries(ctx context.Context, req Request) (*Series, error) {
	start := time.Now()

	series, err := s.getSeries(ctx, req)

	rows := 0
	if series != nil {
		rows = len(series.Rows)
	}
	s.metrics.Query(errors.Kind(err), time.Since(start), rows)

	s.mu.Lock()
	if err != nil {
		s.stats.Errors++
	} else {
		s.stats.QueriesExecuted++
		s.stats.RowsReturned += int64(rows)
	}
	s.mu.Unlock()

	if err != nil {
		logging.WithContext(ctx).Debug("series query failed", "component", "query", "server_id", req.ServerID, "kind", errors.Kind(err), "error", err)
	}
	return series, err
}

func (s *Service) getSeries(ctx context.Context, req Request) (*Series, error) {
	p, err := s.plan(req)
	if err != nil {
		return nil, err
	}

	if cached, ok := s.cache.get(p.key, s.now()); ok {
		s.countCache(true)
		s.metrics.CacheHit()
		return cached, nil
	}
	s.countCache(false)

	// The shared computation must not die with whichever caller started it.
	ch := s.group.DoChan(p.key, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
		defer cancel()

		series, err := s.compute(cctx, p)
		if err != nil {
			return nil, err
		}
		s.cache.put(p.key, series, s.now())
		s.metrics.CacheSize(s.cache.len())
		return series, nil
	})

	select {
	case res := <-ch:
		s.metrics.CacheMiss(res.Shared)
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Series), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("series %s: %w", p.serverID, errors.Join(errors.ErrTimeout, ctx.Err()))
	}
}

func (s *Service) countCache(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.stats.CacheHits++
	} else {
		s.stats.CacheMisses++
	}
}

// compute reads, resamples, aligns and trims one series.
func (s *Service) compute(ctx context.Context, p plan) (*Series, error) {
	monitors, err := s.resolver.Monitors(p.serverID)
	if err != nil {
		return nil, err
	}

	series := &Series{
		ServerID:    p.serverID,
		Interval:    p.interval,
		Aggregation: p.agg,
		Since:       time.UnixMilli(p.since).UTC(),
		Until:       time.UnixMilli(p.until).UTC(),
		Monitors:    []string{},
		Rows:        []align.Row{},
	}
	if len(monitors) == 0 {
		return series, nil
	}

	read := types.Window{
		SinceMs: p.interval.BucketStart(p.since - s.opts.FillLookback.Milliseconds()),
		UntilMs: p.until,
	}

	samples, err := s.store.ReadSamples(ctx, monitors, read)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read samples: %w", errors.Join(errors.ErrTimeout, err))
		}
		return nil, errors.NewUpstream("read samples", err)
	}

	buckets, err := resample.ByMonitor(samples, read, resample.Options{
		Interval:    p.interval,
		Aggregation: p.agg,
		Accuracy:    s.opts.Accuracy,
	})
	if err != nil {
		return nil, fmt.Errorf("resample %s: %w", p.serverID, errors.Join(errors.ErrInternal, err))
	}

	// The lookback only seeds fills. Monitors need a valid sample in
	// [since, until) to be part of the response.
	window := types.Window{SinceMs: p.since, UntilMs: p.until}
	aligned := align.Align(buckets, align.Options{
		Interval: p.interval,
		Window:   window,
		Backfill: p.backfill,
		Active:   activeMonitors(samples, window),
	})

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("align: %w", errors.Join(errors.ErrTimeout, err))
	}

	if aligned.Monitors != nil {
		series.Monitors = aligned.Monitors
	}
	if aligned.Rows != nil {
		series.Rows = aligned.Rows
	}

	log.Debug("series computed",
		"server_id", p.serverID,
		"interval", p.interval,
		"samples", len(samples),
		"monitors", len(series.Monitors),
		"rows", len(series.Rows))

	return series, nil
}

// activeMonitors returns the monitors with at least one valid sample in w.
func activeMonitors(samples []types.Sample, w types.Window) map[string]bool {
	active := make(map[string]bool)
	for i := range samples {
		if samples[i].Valid && w.Contains(samples[i].TimestampMs) {
			active[samples[i].Monitor] = true
		}
	}
	return active
}

// RawSamples returns the stored samples of a server after since, ascending
// by timestamp. A zero since means the last DefaultWindow, inclusive;
// otherwise since itself is excluded.
func (s *Service) RawSamples(ctx context.Context, serverID string, since time.Time) ([]types.Sample, error) {
	if serverID == "" {
		return nil, errors.NewInvalidRequest("server_id", "required")
	}

	now := s.now()
	w := types.Window{UntilMs: now.UnixMilli() + 1}
	if since.IsZero() {
		w.SinceMs = now.Add(-s.opts.DefaultWindow).UnixMilli()
	} else {
		w.SinceMs = since.UnixMilli() + 1
	}
	if w.Empty() {
		return []types.Sample{}, nil
	}
	if w.Span() > s.opts.MaxSpan {
		return nil, errors.NewTooLarge("window %s exceeds maximum %s", w.Span(), s.opts.MaxSpan)
	}

	monitors, err := s.resolver.Monitors(serverID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	samples, err := s.store.ReadSamples(ctx, monitors, w)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read samples: %w", errors.Join(errors.ErrTimeout, err))
		}
		return nil, errors.NewUpstream("read samples", err)
	}

	sortByTime(samples)
	return samples, nil
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Options returns the effective options.
func (s *Service) Options() Options {
	return s.opts
}
