// tcpingd stores TCP ping latency samples and serves resampled, aligned
// latency series over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/tcpingd/internal/broker"
	"github.com/xtxerr/tcpingd/internal/collector"
	"github.com/xtxerr/tcpingd/internal/constants"
	"github.com/xtxerr/tcpingd/internal/handler"
	"github.com/xtxerr/tcpingd/internal/inventory"
	"github.com/xtxerr/tcpingd/internal/loader"
	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/metrics"
	"github.com/xtxerr/tcpingd/internal/probe"
	"github.com/xtxerr/tcpingd/internal/server"
	"github.com/xtxerr/tcpingd/internal/storage"
	"github.com/xtxerr/tcpingd/internal/storage/ingestion"
	"github.com/xtxerr/tcpingd/internal/storage/query"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("main")

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	httpListen := flag.String("listen", "", "HTTP listen address (overrides config)")
	ingestListen := flag.String("ingest-listen", "", "ingest listener address (overrides config)")
	backend := flag.String("backend", "", "storage backend: memory, duckdb or postgres (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	watch := flag.Bool("watch", false, "watch config for server and probe changes")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("tcpingd", Version)
		return
	}

	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("no config file found, using defaults", "path", *cfgPath)
			cfg = loader.DefaultConfig()
		} else {
			log.Error("load config", "error", err)
			os.Exit(1)
		}
	}

	if *httpListen != "" {
		cfg.Server.HTTPListen = *httpListen
	}
	if *ingestListen != "" {
		cfg.Server.Ingest.Listen = *ingestListen
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := loader.Validate(cfg); err != nil {
		log.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format == constants.LogFormatJSON)
	log.Info("tcpingd starting", "version", Version, "config", *cfgPath)

	if err := run(cfg, *cfgPath, *watch); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
	log.Info("tcpingd stopped")
}

func run(cfg *loader.Config, cfgPath string, watch bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	drain := cfg.Server.Shutdown.DrainTimeout.Duration()
	m := metrics.New()

	// =========================================================================
	// Storage
	// =========================================================================

	storageCfg := loader.ToStorageConfig(&cfg.Storage)
	req := storageCfg.CalculateRequirements()
	log.Info("storage sizing estimate",
		"backend", storageCfg.Backend,
		"samples_per_sec", fmt.Sprintf("%.1f", req.SamplesPerSecond),
		"retained_samples", req.RetainedSamples,
		"hot_bytes", req.HotStorageBytes,
		"archive_bytes", req.ArchiveStorageBytes,
		"memory_bytes", req.MemoryBytes)

	st, err := storage.New(ctx, storageCfg, m)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if err := st.Start(); err != nil {
		st.Stop()
		return fmt.Errorf("start storage: %w", err)
	}
	defer func() {
		if err := st.Stop(); err != nil {
			log.Warn("storage stop", "error", err)
		}
	}()

	// =========================================================================
	// Inventory, ingestion and query
	// =========================================================================

	inv := inventory.New(cfg.Ingestion.AutoRegister)
	inv.Replace(cfg.Servers)
	if keys, err := st.Store().Monitors(ctx); err != nil {
		log.Warn("seed inventory from store", "error", err)
	} else {
		inv.Seed(keys)
	}
	log.Info("inventory loaded", "servers", inv.Len())

	ing := ingestion.New(st.Store(), inv, m, loader.ToIngestionOptions(&cfg.Ingestion))
	if err := ing.Start(); err != nil {
		return fmt.Errorf("start ingestion: %w", err)
	}
	defer func() {
		if err := ing.Stop(); err != nil {
			log.Warn("ingestion stop", "error", err)
		}
	}()

	qs := query.New(st.Store(), inv, m, loader.ToQueryOptions(&cfg.Query))

	// =========================================================================
	// Producers
	// =========================================================================

	probes := probe.New(loader.ToProbeConfig(&cfg.Probes, drain), ing, m)
	if res, err := probes.Sync(loader.ProbeTargets(cfg)); err != nil {
		log.Warn("some probe targets were skipped", "error", err)
	} else {
		log.Info("probes configured", "targets", res.Added)
	}
	probes.Start()
	defer probes.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Collector.Enabled && cfg.Collector.SyncServers {
		src, err := collector.NewServerSource(loader.ToCollectorConfig(&cfg.Collector), inv, m)
		if err != nil {
			return fmt.Errorf("create server source: %w", err)
		}
		if _, err := src.SyncOnce(ctx); err != nil {
			log.Warn("initial server list sync failed", "error", err)
		}
		g.Go(func() error {
			src.Run(gctx)
			return nil
		})
	}

	if cfg.Collector.Enabled {
		col, err := collector.New(loader.ToCollectorConfig(&cfg.Collector), st.Store(), ing, inv, m)
		if err != nil {
			return fmt.Errorf("create collector: %w", err)
		}
		g.Go(func() error {
			col.Run(gctx)
			return nil
		})
		log.Info("collector enabled", "base_url", cfg.Collector.BaseURL)
	}

	if cfg.Kafka.Enabled {
		consumer, err := broker.New(loader.ToBrokerConfig(&cfg.Kafka), ing)
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		g.Go(func() error {
			consumer.Run(gctx)
			return nil
		})
		log.Info("kafka consumer enabled", "brokers", cfg.Kafka.Brokers, "topics", cfg.Kafka.Topics)
	}

	if watch {
		w, err := loader.NewWatcher(cfgPath, func(next *loader.Config) {
			inv.Replace(next.Servers)
			res, err := probes.Sync(loader.ProbeTargets(next))
			if err != nil {
				log.Warn("probe reload incomplete", "error", err)
			}
			log.Info("config reloaded",
				"servers", len(next.Servers),
				"probes_added", res.Added,
				"probes_updated", res.Updated,
				"probes_removed", res.Removed)
		})
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		inventoryGauge(gctx, inv, m)
		return nil
	})

	// =========================================================================
	// Network surfaces
	// =========================================================================

	if cfg.Server.Ingest.Listen != "" {
		ingestSrv := server.New(loader.ToServerConfig(&cfg.Server.Ingest), ing)
		g.Go(func() error {
			log.Info("ingest listener starting", "listen", cfg.Server.Ingest.Listen)
			return ingestSrv.Run()
		})
		g.Go(func() error {
			<-gctx.Done()
			ingestSrv.Shutdown()
			return nil
		})
	}

	h := handler.New(handler.Config{
		Query:          qs,
		Ingester:       ing,
		Inventory:      inv,
		Metrics:        m,
		Health:         st.Health,
		MaxIngestBatch: cfg.Server.MaxIngestBatch,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPListen,
		Handler:           h.Router(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Duration(),
	}

	g.Go(func() error {
		log.Info("http api starting", "listen", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "drain_timeout", drain)

		sctx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	return g.Wait()
}

// inventoryGauge publishes inventory size until ctx is done.
func inventoryGauge(ctx context.Context, inv *inventory.Registry, m *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		servers := inv.Servers()
		monitors := 0
		for _, s := range servers {
			monitors += len(s.Monitors)
		}
		m.Inventory(len(servers), monitors)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
