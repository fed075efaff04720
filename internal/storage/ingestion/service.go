// Package ingestion is the single entry point for samples from every
// producer: the upstream collector, local probes, Kafka, the wire listener
// and the HTTP API.
//
// Ingest validates a batch, registers its monitors with the inventory and
// appends it to the store synchronously. Enqueue hands single samples to a
// background worker that appends them in batches.
package ingestion

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/metrics"
	"github.com/xtxerr/tcpingd/internal/storage"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

var log = logging.Component("ingestion")

// Sources.
const (
	SourceCollector = "collector"
	SourceProbe     = "probe"
	SourceKafka     = "kafka"
	SourceWire      = "wire"
	SourceHTTP      = "http"
)

// Rejection reasons, used as metric labels.
const (
	ReasonInvalid       = "invalid"
	ReasonUnknownServer = "unknown_server"
	ReasonFuture        = "future"
)

// ErrQueueFull is returned by Enqueue when the background queue is full.
var ErrQueueFull = fmt.Errorf("ingest queue full")

// Registrar records monitors seen in ingested samples.
type Registrar interface {
	Register(serverID, monitor string) bool
}

// Options configures the service.
type Options struct {
	// MaxFutureSkew rejects samples stamped further than this ahead of the
	// local clock. Zero disables the check.
	MaxFutureSkew time.Duration

	// QueueSize bounds the Enqueue queue.
	QueueSize int

	// BatchSize flushes the queue once this many samples are pending.
	BatchSize int

	// FlushInterval flushes pending samples at least this often.
	FlushInterval time.Duration
}

// DefaultOptions returns default options.
func DefaultOptions() Options {
	return Options{
		MaxFutureSkew: 5 * time.Minute,
		QueueSize:     10_000,
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// Result describes one ingested batch.
type Result struct {
	Received  int
	Stored    int
	Duplicate int
	Rejected  int

	// Problems holds the first few rejection messages.
	Problems []string
}

const maxProblems = 10

func (r *Result) reject(msg string) {
	r.Rejected++
	if len(r.Problems) < maxProblems {
		r.Problems = append(r.Problems, msg)
	}
}

// Service validates samples and writes them to the store.
type Service struct {
	store     storage.Writer
	inventory Registrar
	metrics   *metrics.Metrics
	opts      Options
	now       func() time.Time

	queue   chan queued
	flushCh chan chan struct{}
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats Stats
}

type queued struct {
	source string
	sample types.Sample
}

// Stats holds ingestion statistics.
type Stats struct {
	SamplesReceived  atomic.Int64
	SamplesStored    atomic.Int64
	SamplesDuplicate atomic.Int64
	SamplesRejected  atomic.Int64
	SamplesDropped   atomic.Int64
	BatchesProcessed atomic.Int64
	FlushesCompleted atomic.Int64
	Errors           atomic.Int64
}

// New creates an ingestion service. inv and m may be nil.
func New(store storage.Writer, inv Registrar, m *metrics.Metrics, opts Options) *Service {
	def := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		store:     store,
		inventory: inv,
		metrics:   m,
		opts:      opts,
		now:       time.Now,
		queue:     make(chan queued, opts.QueueSize),
		flushCh:   make(chan chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Ingest validates samples and appends the valid ones in one store call.
// The returned error is non-nil only when the store append fails; rejected
// samples are reported in the Result.
func (s *Service) Ingest(ctx context.Context, source string, samples []types.Sample) (Result, error) {
	res := Result{Received: len(samples)}
	if len(samples) == 0 {
		return res, nil
	}

	s.stats.SamplesReceived.Add(int64(len(samples)))

	accepted := s.filter(source, samples, &res)

	if len(accepted) > 0 {
		stored, err := s.store.Append(ctx, accepted)
		if err != nil {
			s.stats.Errors.Add(1)
			s.metrics.IngestFailed(source)
			logging.WithContext(ctx).Error("append failed", "component", "ingestion", "source", source, "samples", len(accepted), "error", err)
			return res, errors.NewUpstream("append samples", err)
		}
		res.Stored = stored
		res.Duplicate = len(accepted) - stored
	}

	s.stats.SamplesStored.Add(int64(res.Stored))
	s.stats.SamplesDuplicate.Add(int64(res.Duplicate))
	s.stats.SamplesRejected.Add(int64(res.Rejected))
	s.stats.BatchesProcessed.Add(1)
	s.metrics.Ingested(source, res.Stored, res.Duplicate)

	if res.Rejected > 0 {
		log.Debug("samples rejected", "source", source, "rejected", res.Rejected, "first", res.Problems[0])
	}

	return res, nil
}

// filter drops invalid samples and registers the monitors of the rest.
func (s *Service) filter(source string, samples []types.Sample, res *Result) []types.Sample {
	var limit int64 = math.MaxInt64
	if s.opts.MaxFutureSkew > 0 {
		limit = s.now().Add(s.opts.MaxFutureSkew).UnixMilli()
	}

	var invalid, unknown, future int
	accepted := make([]types.Sample, 0, len(samples))

	for i := range samples {
		smp := samples[i]

		if problem := smp.Check(); problem != "" {
			invalid++
			res.reject(fmt.Sprintf("sample %d: %s", i, problem))
			continue
		}
		if smp.TimestampMs > limit {
			future++
			res.reject(fmt.Sprintf("sample %d: timestamp %d is in the future", i, smp.TimestampMs))
			continue
		}
		if s.inventory != nil && !s.inventory.Register(smp.ServerID, smp.Monitor) {
			unknown++
			res.reject(fmt.Sprintf("sample %d: unknown server %q", i, smp.ServerID))
			continue
		}
		if !smp.Valid {
			smp.Delay = 0
		}
		accepted = append(accepted, smp)
	}

	s.metrics.Rejected(source, ReasonInvalid, invalid)
	s.metrics.Rejected(source, ReasonUnknownServer, unknown)
	s.metrics.Rejected(source, ReasonFuture, future)

	return accepted
}

// Start launches the background batch worker used by Enqueue.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("service already running")
	}

	s.wg.Add(1)
	go s.flushWorker()

	return nil
}

// Stop flushes pending samples and stops the worker.
func (s *Service) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()
	return nil
}

// Enqueue queues one sample for batched ingestion without blocking.
func (s *Service) Enqueue(source string, sample types.Sample) error {
	if !s.running.Load() {
		return fmt.Errorf("service not running")
	}

	select {
	case s.queue <- queued{source: source, sample: sample}:
		return nil
	default:
		s.stats.SamplesDropped.Add(1)
		s.metrics.Rejected(source, "queue_full", 1)
		return ErrQueueFull
	}
}

// Flush writes everything queued so far and waits for it.
func (s *Service) Flush(ctx context.Context) error {
	if !s.running.Load() {
		return nil
	}

	done := make(chan struct{})
	select {
	case s.flushCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	pending := make(map[string][]types.Sample)
	count := 0

	flush := func() {
		if count == 0 {
			return
		}
		// Pending samples are written even while shutting down.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		for source, batch := range pending {
			if _, err := s.Ingest(ctx, source, batch); err != nil {
				log.Warn("batched append failed", "source", source, "samples", len(batch), "error", err)
			}
			delete(pending, source)
		}
		count = 0
		s.stats.FlushesCompleted.Add(1)
	}

	drain := func() {
		for {
			select {
			case q := <-s.queue:
				pending[q.source] = append(pending[q.source], q.sample)
				count++
			default:
				return
			}
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			drain()
			flush()
			return
		case q := <-s.queue:
			pending[q.source] = append(pending[q.source], q.sample)
			count++
			if count >= s.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case done := <-s.flushCh:
			drain()
			flush()
			close(done)
		}
	}
}

// Stats returns current statistics.
func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Running:          s.running.Load(),
		SamplesReceived:  s.stats.SamplesReceived.Load(),
		SamplesStored:    s.stats.SamplesStored.Load(),
		SamplesDuplicate: s.stats.SamplesDuplicate.Load(),
		SamplesRejected:  s.stats.SamplesRejected.Load(),
		SamplesDropped:   s.stats.SamplesDropped.Load(),
		BatchesProcessed: s.stats.BatchesProcessed.Load(),
		FlushesCompleted: s.stats.FlushesCompleted.Load(),
		Errors:           s.stats.Errors.Load(),
		QueueLength:      len(s.queue),
	}
}

// ServiceStats is a snapshot of Stats.
type ServiceStats struct {
	Running          bool
	SamplesReceived  int64
	SamplesStored    int64
	SamplesDuplicate int64
	SamplesRejected  int64
	SamplesDropped   int64
	BatchesProcessed int64
	FlushesCompleted int64
	Errors           int64
	QueueLength      int
}

// IsRunning returns whether the batch worker is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}
