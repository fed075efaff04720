package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/metrics"
	"github.com/xtxerr/tcpingd/internal/storage/config"
	"github.com/xtxerr/tcpingd/internal/storage/duckstore"
	"github.com/xtxerr/tcpingd/internal/storage/memstore"
	"github.com/xtxerr/tcpingd/internal/storage/pgstore"
	"github.com/xtxerr/tcpingd/internal/storage/retention"
	"github.com/xtxerr/tcpingd/internal/storage/wal"
)

var log = logging.Component("storage")

// Service owns the configured sample store and its background jobs.
type Service struct {
	config    *config.Config
	store     Store
	retention *retention.Manager
	metrics   *metrics.Metrics

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startTime time.Time
}

// New opens the backend selected by cfg.
func New(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}

	ret := retention.New(store, cfg)
	ret.OnRun(func(res retention.Result) {
		m.Retention(res.SamplesPruned, res.DaysArchived)
	})

	log.Info("storage opened", "backend", cfg.Backend, "archive", cfg.Archive.Enabled)

	return &Service{
		config:    cfg,
		store:     store,
		retention: ret,
		metrics:   m,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		opts := memstore.Options{SeriesCapacity: cfg.Memory.SeriesCapacity}
		if cfg.WAL.Enabled {
			opts.WALDir = cfg.WALDir()
			opts.WAL = wal.Options{
				MaxSegmentSize: cfg.WAL.MaxSegmentSize,
				SyncMode:       wal.SyncMode(cfg.WAL.SyncMode),
			}
			opts.ReplayCutoff = cfg.Retention.Samples
		}
		return memstore.Open(opts)

	case config.BackendPostgres:
		return pgstore.New(ctx, pgstore.Config{
			DSN:        cfg.Postgres.DSN,
			MaxConns:   cfg.Postgres.MaxConns,
			Hypertable: cfg.Postgres.Hypertable,
		})

	default:
		dc := duckstore.DefaultConfig()
		dc.Path = cfg.DuckDBPath()
		dc.MemoryLimit = cfg.DuckDB.MemoryLimit
		dc.Threads = cfg.DuckDB.Threads
		if cfg.DuckDB.MaxOpenConns > 0 {
			dc.MaxOpenConns = cfg.DuckDB.MaxOpenConns
		}
		if cfg.Archive.Enabled {
			dc.ArchiveDir = cfg.ArchiveDir()
		}
		return duckstore.New(dc)
	}
}

// Start launches the retention loop and, for a WAL-backed memory store,
// the periodic WAL flush.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("storage service already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.startTime = time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.retention.Loop(ctx, s.config.Retention.Interval)
	}()

	if mem, ok := s.store.(*memstore.Store); ok && s.config.WAL.Enabled {
		s.wg.Add(1)
		go s.walSyncWorker(ctx, mem)
	}

	return nil
}

func (s *Service) walSyncWorker(ctx context.Context, mem *memstore.Store) {
	defer s.wg.Done()

	interval := s.config.WAL.SyncInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := mem.Sync(); err != nil {
				log.Warn("wal sync failed", "error", err)
			}
		}
	}
}

// Stop halts the background jobs and closes the store.
func (s *Service) Stop() error {
	if s.running.CompareAndSwap(true, false) {
		s.cancel()
		s.wg.Wait()
	}

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}

// Store returns the sample store.
func (s *Service) Store() Store {
	return s.store
}

// Retention returns the retention manager.
func (s *Service) Retention() *retention.Manager {
	return s.retention
}

// Config returns the storage configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// IsRunning returns whether the background jobs are running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Health checks that the backend answers.
func (s *Service) Health(ctx context.Context) error {
	type pinger interface {
		Health(ctx context.Context) error
	}
	if p, ok := s.store.(pinger); ok {
		return p.Health(ctx)
	}
	return nil
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	st := ServiceStats{
		Backend:   s.config.Backend,
		Running:   s.running.Load(),
		Retention: s.retention.Stats(),
	}
	if !s.startTime.IsZero() {
		st.Uptime = time.Since(s.startTime)
	}
	if mem, ok := s.store.(*memstore.Store); ok {
		ms := mem.Stats()
		st.Memory = &ms
	}
	return st
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Backend   string
	Running   bool
	Uptime    time.Duration
	Retention retention.ManagerStats
	Memory    *memstore.Stats
}
