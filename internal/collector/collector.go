// Package collector pulls TCPing history from an upstream monitoring API.
//
// Every interval the collector asks the upstream for each configured
// server's samples since the newest one already stored:
//
//	GET {base_url}/api/v1/service/{server_id}?start=<ms>&end=<ms>
//
// A server with nothing stored starts Lookback in the past. Servers are
// fetched concurrently with a bounded fan-out; one failing server does not
// stop the others.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/guregu/null/v5"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/tcpingd/config"
	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/metrics"
	"github.com/xtxerr/tcpingd/internal/storage/ingestion"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

var log = logging.Component("collector")

// maxResponseSize bounds one upstream response body.
const maxResponseSize = 64 << 20

// Store reports what is already stored.
type Store interface {
	LatestTimestamp(ctx context.Context, serverID string) (int64, bool, error)
}

// Ingester accepts sample batches.
type Ingester interface {
	Ingest(ctx context.Context, source string, samples []types.Sample) (ingestion.Result, error)
}

// Servers lists the servers to collect.
type Servers interface {
	ServerIDs() []string
}

// Config configures the collector.
type Config struct {
	// BaseURL is the upstream API root, e.g. "https://nezha.example.com".
	BaseURL string

	Interval    time.Duration
	Lookback    time.Duration
	Timeout     time.Duration
	Concurrency int

	// Headers are added to every request (e.g. Authorization).
	Headers map[string]string

	// ServerSyncInterval paces ServerSource.
	ServerSyncInterval time.Duration
}

// Collector polls the upstream API.
type Collector struct {
	cfg     Config
	client  *http.Client
	store   Store
	ingest  Ingester
	servers Servers
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	stats Stats
}

// Stats holds cumulative collector statistics.
type Stats struct {
	Rounds         int64
	LastRound      time.Time
	Fetches        int64
	FetchErrors    int64
	Samples        int64
	SkippedMonitor int64
}

// Result describes one collection round.
type Result struct {
	Servers  int
	Failed   int
	Samples  int
	Stored   int
	Rejected int
}

// New creates a collector. m may be nil.
func New(cfg Config, store Store, ing Ingester, servers Servers, m *metrics.Metrics) (*Collector, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, errors.NewValidation("collector.base_url", "must be an absolute URL")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultCollectInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = config.DefaultCollectLookback
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultCollectTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = config.DefaultCollectConcurrency
	}

	return &Collector{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		store:   store,
		ingest:  ing,
		servers: servers,
		metrics: m,
		now:     time.Now,
	}, nil
}

// Run collects immediately and then every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		res, err := c.CollectOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn("collection round had failures", "failed", res.Failed, "servers", res.Servers, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CollectOnce runs one round over every server. The error joins the
// per-server failures.
func (c *Collector) CollectOnce(ctx context.Context) (Result, error) {
	ids := c.servers.ServerIDs()
	res := Result{Servers: len(ids)}

	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for _, id := range ids {
		g.Go(func() error {
			r, err := c.collectServer(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			res.Samples += r.Received
			res.Stored += r.Stored
			res.Rejected += r.Rejected
			if err != nil {
				res.Failed++
				errs = append(errs, fmt.Errorf("server %s: %w", id, err))
			}
			// Never cancel siblings.
			return nil
		})
	}
	g.Wait()

	c.mu.Lock()
	c.stats.Rounds++
	c.stats.LastRound = c.now()
	c.stats.Samples += int64(res.Samples)
	c.mu.Unlock()

	log.Debug("collection round complete",
		"servers", res.Servers,
		"failed", res.Failed,
		"samples", res.Samples,
		"stored", res.Stored)

	return res, errors.Join(errs...)
}

func (c *Collector) collectServer(ctx context.Context, serverID string) (ingestion.Result, error) {
	end := c.now().UnixMilli()

	latest, ok, err := c.store.LatestTimestamp(ctx, serverID)
	if err != nil {
		return ingestion.Result{}, fmt.Errorf("latest timestamp: %w", err)
	}
	start := end - c.cfg.Lookback.Milliseconds()
	if ok {
		start = latest + 1000
	}
	if start >= end {
		return ingestion.Result{}, nil
	}

	resp, err := c.fetch(ctx, serverID, start, end)
	if err != nil {
		return ingestion.Result{}, err
	}

	samples, skipped := resp.samples(serverID)
	if skipped > 0 {
		c.mu.Lock()
		c.stats.SkippedMonitor += int64(skipped)
		c.mu.Unlock()
		log.Warn("skipped monitors with mismatched arrays", "server_id", serverID, "skipped", skipped)
	}
	if len(samples) == 0 {
		return ingestion.Result{}, nil
	}

	return c.ingest.Ingest(ctx, ingestion.SourceCollector, samples)
}

// =============================================================================
// Upstream API
// =============================================================================

// serviceResponse is the upstream payload. created_at holds Unix
// milliseconds; avg_delay is parallel to it and may contain nulls.
type serviceResponse struct {
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Data    []monitorHistory `json:"data"`
}

type monitorHistory struct {
	MonitorName string       `json:"monitor_name"`
	CreatedAt   []float64    `json:"created_at"`
	AvgDelay    []null.Float `json:"avg_delay"`
}

// samples flattens the payload. A monitor whose arrays differ in length is
// skipped whole; a null delay becomes an invalid sample.
func (r *serviceResponse) samples(serverID string) ([]types.Sample, int) {
	var (
		out     []types.Sample
		skipped int
	)

	for _, m := range r.Data {
		if len(m.CreatedAt) != len(m.AvgDelay) {
			skipped++
			continue
		}
		for i, ts := range m.CreatedAt {
			s := types.Sample{
				ServerID:    serverID,
				Monitor:     m.MonitorName,
				TimestampMs: int64(ts),
			}
			if d := m.AvgDelay[i]; d.Valid {
				s.Delay = d.Float64
				s.Valid = true
			} else {
				s.Error = "no data"
			}
			out = append(out, s)
		}
	}
	return out, skipped
}

func (c *Collector) fetch(ctx context.Context, serverID string, start, end int64) (resp *serviceResponse, err error) {
	began := time.Now()
	defer func() {
		c.metrics.UpstreamFetch(err, time.Since(began))
		c.mu.Lock()
		c.stats.Fetches++
		if err != nil {
			c.stats.FetchErrors++
		}
		c.mu.Unlock()
	}()

	u := fmt.Sprintf("%s/api/v1/service/%s?start=%s&end=%s",
		c.cfg.BaseURL, url.PathEscape(serverID),
		strconv.FormatInt(start, 10), strconv.FormatInt(end, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, errors.NewUpstream("fetch service history", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return nil, errors.NewUpstream("fetch service history", fmt.Errorf("status %s", res.Status))
	}

	var body serviceResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseSize)).Decode(&body); err != nil {
		return nil, errors.NewUpstream("decode service history", err)
	}
	if !body.Success && body.Error != "" {
		return nil, errors.NewUpstream("service history", fmt.Errorf("%s", body.Error))
	}

	return &body, nil
}

// Stats returns cumulative statistics.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
