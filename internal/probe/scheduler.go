package probe

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/tcpingd/config"
)

// backpressureDelay postpones a due probe when the job queue is full.
const backpressureDelay = time.Second

// =============================================================================
// Due Heap
// =============================================================================

type entry struct {
	key      Key
	due      int64 // Unix ms
	interval int64 // ms
	running  bool
	removed  bool
	index    int
}

// dueHeap orders entries by due time.
type dueHeap []*entry

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].due < h[j].due }

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// =============================================================================
// Scheduler
// =============================================================================

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Workers      int
	QueueSize    int
	TickInterval time.Duration

	// DrainTimeout bounds how long Stop waits for running probes before
	// cancelling them.
	DrainTimeout time.Duration
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:      config.DefaultProbeWorkers,
		QueueSize:    config.DefaultProbeQueueSize,
		TickInterval: config.DefaultSchedulerTickInterval,
		DrainTimeout: time.Duration(config.DefaultDrainTimeoutSec) * time.Second,
	}
}

// RunFunc executes one due probe.
type RunFunc func(ctx context.Context, key Key)

// Scheduler fires keys at their interval on a bounded worker pool. A key
// is never run twice concurrently; its next run is scheduled one interval
// after the previous one finished.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg SchedulerConfig
	run RunFunc

	mu      sync.Mutex
	heap    dueHeap
	entries map[Key]*entry

	jobs   chan Key
	wakeup chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	group    errgroup.Group
	started  atomic.Bool
	stopOnce sync.Once

	now func() time.Time

	dispatched   atomic.Int64
	backpressure atomic.Int64
	active       atomic.Int32
}

// NewScheduler creates a scheduler that calls run for every due key.
func NewScheduler(cfg SchedulerConfig, run RunFunc) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		run:      run,
		entries:  make(map[Key]*entry),
		jobs:     make(chan Key, cfg.QueueSize),
		wakeup:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the workers and the dispatch loop.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	for i := 0; i < s.cfg.Workers; i++ {
		s.group.Go(func() error {
			s.worker()
			return nil
		})
	}
	s.group.Go(func() error {
		s.dispatchLoop()
		return nil
	})

	log.Info("probe scheduler started", "workers", s.cfg.Workers)
}

// Stop stops dispatching and waits for running probes. Probes still
// running after the drain timeout are cancelled.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdown)

		done := make(chan struct{})
		go func() {
			_ = s.group.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(s.cfg.DrainTimeout):
			log.Warn("probe drain timeout, cancelling", "active", s.active.Load())
			s.cancel()
			<-done
		}
		s.cancel()
		log.Info("probe scheduler stopped")
	})
}

// =============================================================================
// Key Management
// =============================================================================

// Add schedules key. The first run is jittered across one interval so that
// a freshly loaded configuration does not fire every probe at once. Adding
// a known key only updates its interval.
func (s *Scheduler) Add(key Key, interval time.Duration) {
	ms := interval.Milliseconds()
	if ms <= 0 {
		ms = config.DefaultProbeInterval.Milliseconds()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		// A removed entry that is still running is revived; complete
		// puts it back on the heap.
		if !e.removed || e.running {
			e.removed = false
			e.interval = ms
			return
		}
		delete(s.entries, key)
	}

	e := &entry{
		key:      key,
		due:      s.now().UnixMilli() + rand.Int64N(ms),
		interval: ms,
	}
	heap.Push(&s.heap, e)
	s.entries[key] = e
	s.signal()
}

// Remove unschedules key. A running probe finishes but is not rescheduled.
func (s *Scheduler) Remove(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return
	}
	e.removed = true
	if e.running {
		// complete drops it.
		return
	}
	if e.index >= 0 {
		heap.Remove(&s.heap, e.index)
	}
	delete(s.entries, key)
}

// Contains reports whether key is scheduled.
func (s *Scheduler) Contains(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return ok && !e.removed
}

// Keys returns every scheduled key.
func (s *Scheduler) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Key, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.removed {
			out = append(out, k)
		}
	}
	return out
}

// NextRun returns when key is due next. It reports false for unknown keys
// and keys that are running.
func (s *Scheduler) NextRun(key Key) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.removed || e.running {
		return time.Time{}, false
	}
	return time.UnixMilli(e.due), true
}

// =============================================================================
// Dispatch
// =============================================================================

func (s *Scheduler) dispatchLoop() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.wakeup:
		case <-s.shutdown:
			return
		}
		s.dispatchDue()
	}
}

func (s *Scheduler) dispatchDue() {
	now := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.heap) > 0 && s.heap[0].due <= now {
		e := heap.Pop(&s.heap).(*entry)
		if e.removed {
			delete(s.entries, e.key)
			continue
		}

		select {
		case s.jobs <- e.key:
			e.running = true
			s.dispatched.Add(1)
		default:
			e.due = now + backpressureDelay.Milliseconds()
			heap.Push(&s.heap, e)
			s.backpressure.Add(1)
		}
	}
}

func (s *Scheduler) complete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return
	}
	e.running = false
	if e.removed {
		delete(s.entries, key)
		return
	}

	e.due = s.now().UnixMilli() + e.interval
	heap.Push(&s.heap, e)
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// =============================================================================
// Workers
// =============================================================================

func (s *Scheduler) worker() {
	for {
		select {
		case key := <-s.jobs:
			s.execute(key)
			s.complete(key)
		case <-s.shutdown:
			return
		}
	}
}

func (s *Scheduler) execute(key Key) {
	s.active.Add(1)
	defer s.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in probe", "key", key.String(), "panic", fmt.Sprint(r))
		}
	}()

	s.run(s.ctx, key)
}

// =============================================================================
// Stats
// =============================================================================

// SchedulerStats holds scheduler counters.
type SchedulerStats struct {
	Scheduled    int
	Queued       int
	Active       int
	Dispatched   int64
	Backpressure int64
}

// Stats returns scheduler counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	scheduled := 0
	for _, e := range s.entries {
		if !e.removed {
			scheduled++
		}
	}
	s.mu.Unlock()

	return SchedulerStats{
		Scheduled:    scheduled,
		Queued:       len(s.jobs),
		Active:       int(s.active.Load()),
		Dispatched:   s.dispatched.Load(),
		Backpressure: s.backpressure.Load(),
	}
}
