// Package probe measures latency locally and feeds the results into
// ingestion as samples.
//
// Each configured target is run on its own interval by a heap-based
// Scheduler with a bounded worker pool. A successful probe yields a valid
// sample carrying the round-trip time in milliseconds; a failed or timed
// out probe yields an invalid sample carrying the error text.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xtxerr/tcpingd/config"
	"github.com/xtxerr/tcpingd/internal/constants"
	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/metrics"
	"github.com/xtxerr/tcpingd/internal/storage/ingestion"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

var log = logging.Component("probe")

// Prober runs one measurement.
type Prober interface {
	Probe(ctx context.Context, t Target) (time.Duration, error)
}

// Ingester queues samples for storage.
type Ingester interface {
	Enqueue(source string, sample types.Sample) error
}

// Config configures a Runner.
type Config struct {
	Scheduler SchedulerConfig

	// Interval and Timeout apply to targets that leave them zero.
	Interval time.Duration
	Timeout  time.Duration

	SNMPRetries int
}

// DefaultConfig returns the default probe configuration.
func DefaultConfig() Config {
	return Config{
		Scheduler:   DefaultSchedulerConfig(),
		Interval:    config.DefaultProbeInterval,
		Timeout:     config.DefaultProbeTimeout,
		SNMPRetries: config.DefaultSNMPRetries,
	}
}

// Runner owns the configured targets and their schedule.
type Runner struct {
	cfg     Config
	sched   *Scheduler
	ingest  Ingester
	metrics *metrics.Metrics
	probers map[string]Prober

	mu      sync.RWMutex
	targets map[Key]Target

	now func() time.Time
}

// New creates a runner. Targets are added with Sync.
func New(cfg Config, ing Ingester, m *metrics.Metrics) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultProbeTimeout
	}

	r := &Runner{
		cfg:     cfg,
		ingest:  ing,
		metrics: m,
		probers: map[string]Prober{
			constants.ProbeTypeTCP:  TCPProber{},
			constants.ProbeTypeSNMP: SNMPProber{Retries: cfg.SNMPRetries},
		},
		targets: make(map[Key]Target),
		now:     time.Now,
	}
	r.sched = NewScheduler(cfg.Scheduler, r.runKey)
	return r
}

// SetProber replaces the prober for a probe type.
func (r *Runner) SetProber(probeType string, p Prober) {
	r.probers[probeType] = p
}

// Start starts the scheduler.
func (r *Runner) Start() {
	r.sched.Start()
}

// Stop stops the scheduler, waiting for running probes.
func (r *Runner) Stop() {
	r.sched.Stop()
}

// SyncResult describes one Sync call.
type SyncResult struct {
	Added   int
	Updated int
	Removed int
}

// Sync makes targets the configured set. Invalid targets are skipped and
// reported in the joined error; valid ones are applied regardless.
func (r *Runner) Sync(targets []Target) (SyncResult, error) {
	var (
		res  SyncResult
		errs []error
	)

	next := make(map[Key]Target, len(targets))
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if t.Interval <= 0 {
			t.Interval = r.cfg.Interval
		}
		if t.Timeout <= 0 {
			t.Timeout = min(r.cfg.Timeout, t.Interval)
		}
		if _, dup := next[t.Key()]; dup {
			errs = append(errs, fmt.Errorf("probe %s: duplicate target", t.Key()))
			continue
		}
		next[t.Key()] = t
	}

	r.mu.Lock()
	prev := r.targets
	r.targets = next
	r.mu.Unlock()

	for key := range prev {
		if _, ok := next[key]; !ok {
			r.sched.Remove(key)
			res.Removed++
		}
	}
	for key, t := range next {
		old, ok := prev[key]
		switch {
		case !ok:
			res.Added++
		case old != t:
			res.Updated++
		default:
			continue
		}
		r.sched.Add(key, t.Interval)
	}

	log.Info("probe targets synced",
		"added", res.Added, "updated", res.Updated, "removed", res.Removed, "invalid", len(errs))

	return res, errors.Join(errs...)
}

// Targets returns the configured targets.
func (r *Runner) Targets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	return out
}

func (r *Runner) runKey(ctx context.Context, key Key) {
	r.mu.RLock()
	t, ok := r.targets[key]
	r.mu.RUnlock()
	if !ok {
		return
	}

	sample := r.Run(ctx, t)
	if err := r.ingest.Enqueue(ingestion.SourceProbe, sample); err != nil {
		log.Warn("dropping probe sample", "key", key.String(), "error", err)
	}
}

// Run probes t once and returns the resulting sample.
func (r *Runner) Run(ctx context.Context, t Target) types.Sample {
	sample := types.Sample{
		ServerID:    t.ServerID,
		Monitor:     t.Monitor,
		TimestampMs: r.now().UnixMilli(),
	}

	p, ok := r.probers[t.Type]
	if !ok {
		sample.Error = fmt.Sprintf("unknown probe type %q", t.Type)
		r.metrics.Probe(t.Type, false)
		return sample
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rtt, err := p.Probe(ctx, t)
	if err != nil {
		sample.Error = describe(err)
		r.metrics.Probe(t.Type, false)
		log.Debug("probe failed", "key", t.Key().String(), "type", t.Type, "error", err)
		return sample
	}

	sample.Delay = float64(rtt.Microseconds()) / 1000
	sample.Valid = true
	r.metrics.Probe(t.Type, true)
	return sample
}

// describe shortens probe errors into the text stored with failed samples.
func describe(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return err.Error()
}

// Stats returns scheduler counters.
func (r *Runner) Stats() SchedulerStats {
	return r.sched.Stats()
}
