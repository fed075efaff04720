// Package loader loads the tcpingd YAML configuration, validates it and
// converts its sections into the option structs of the components.
//
// Environment variables are expanded before parsing, so secrets can be
// written as "${TCPINGD_PG_PASSWORD}". Files listed under include add
// servers and probe targets. The servers and probe targets sections are
// hot-reloadable through Watcher.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/tcpingd/internal/broker"
	"github.com/xtxerr/tcpingd/internal/collector"
	"github.com/xtxerr/tcpingd/internal/constants"
	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/inventory"
	"github.com/xtxerr/tcpingd/internal/probe"
	"github.com/xtxerr/tcpingd/internal/server"
	storageconfig "github.com/xtxerr/tcpingd/internal/storage/config"
	"github.com/xtxerr/tcpingd/internal/storage/ingestion"
	"github.com/xtxerr/tcpingd/internal/storage/query"
	"github.com/xtxerr/tcpingd/internal/validation"
)

// =============================================================================
// Load
// =============================================================================

// Load reads, expands and parses a configuration file. Omitted fields keep
// their defaults. The result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := processIncludes(cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decodeFile(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), into); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// includeFile is the subset of settings an include file may carry.
type includeFile struct {
	Servers []inventory.Server `yaml:"servers"`
	Probes  struct {
		Targets []ProbeTarget `yaml:"targets"`
	} `yaml:"probes"`
}

func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			var inc includeFile
			if err := decodeFile(match, &inc); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
			cfg.Servers = append(cfg.Servers, inc.Servers...)
			cfg.Probes.Targets = append(cfg.Probes.Targets, inc.Probes.Targets...)
		}
	}
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate checks the whole configuration and reports every problem at
// once.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Server
	if err := validation.ValidateHostPort(cfg.Server.HTTPListen, true); err != nil {
		errs.AddField("server.http_listen", err.Error())
	}
	if cfg.Server.MaxIngestBatch <= 0 {
		errs.AddField("server.max_ingest_batch", "must be positive")
	}
	ing := cfg.Server.Ingest
	if ing.Listen != "" {
		if err := validation.ValidateHostPort(ing.Listen, true); err != nil {
			errs.AddField("server.ingest.listen", err.Error())
		}
		if (ing.TLS.CertFile == "") != (ing.TLS.KeyFile == "") {
			errs.AddField("server.ingest.tls", "cert_file and key_file must be set together")
		}
		for i, tok := range ing.Tokens {
			if tok == "" {
				errs.AddField(fmt.Sprintf("server.ingest.tokens[%d]", i), "cannot be empty")
			}
		}
		if ing.MaxMessageSize <= 0 {
			errs.AddField("server.ingest.max_message_size", "must be positive")
		}
	}

	// Logging
	if !constants.IsValidLogFormat(cfg.Logging.Format) {
		errs.Add(errors.NewInvalidValue("logging.format", cfg.Logging.Format, "must be text or json"))
	}

	// Query
	q := cfg.Query
	if q.DefaultWindow <= 0 {
		errs.AddField("query.default_window", "must be positive")
	}
	if q.MaxSpan.Duration() < q.DefaultWindow.Duration() {
		errs.AddField("query.max_span", "must not be shorter than default_window")
	}
	if q.MaxRows <= 0 {
		errs.AddField("query.max_rows", "must be positive")
	}
	if q.Timeout <= 0 {
		errs.AddField("query.timeout", "must be positive")
	}
	if q.FillLookback < 0 || q.CacheTTL < 0 {
		errs.AddField("query", "durations must not be negative")
	}
	if q.PercentileAccuracy < 0 || q.PercentileAccuracy >= 1 {
		errs.AddField("query.percentile_accuracy", "must be in [0, 1)")
	}

	// Collector
	if cfg.Collector.Enabled {
		if err := validation.ValidateBaseURL(cfg.Collector.BaseURL); err != nil {
			errs.AddField("collector.base_url", err.Error())
		}
		if cfg.Collector.Interval <= 0 {
			errs.AddField("collector.interval", "must be positive")
		}
		if cfg.Collector.Concurrency <= 0 {
			errs.AddField("collector.concurrency", "must be positive")
		}
		if cfg.Collector.SyncServers && cfg.Collector.ServerSyncInterval <= 0 {
			errs.AddField("collector.server_sync_interval", "must be positive")
		}
	}

	// Kafka
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			errs.AddMissing("kafka.brokers")
		}
		if len(cfg.Kafka.Topics) == 0 {
			errs.AddMissing("kafka.topics")
		}
		if !constants.IsValidEncoding(cfg.Kafka.Encoding) {
			errs.Add(errors.NewInvalidValue("kafka.encoding", cfg.Kafka.Encoding, "must be sample or batch"))
		}
	}

	// Storage
	if err := ToStorageConfig(&cfg.Storage).Validate(); err != nil {
		errs.Add(fmt.Errorf("storage: %w", err))
	}

	// Inventory & probes
	errs.Add(ValidateInventory(cfg))

	return errs.Err()
}

// ValidateInventory checks the hot-reloadable part of the configuration:
// the server list and the probe targets.
func ValidateInventory(cfg *Config) error {
	errs := errors.NewValidationErrors()

	seen := make(map[string]bool, len(cfg.Servers))
	for i, s := range cfg.Servers {
		field := fmt.Sprintf("servers[%d].id", i)
		if err := validation.ValidateServerID(s.ID); err != nil {
			errs.AddField(field, err.Error())
			continue
		}
		if seen[s.ID] {
			errs.AddField(field, fmt.Sprintf("duplicate server %q", s.ID))
		}
		seen[s.ID] = true
	}

	for _, t := range ProbeTargets(cfg) {
		if err := t.Validate(); err != nil {
			errs.Add(err)
			continue
		}
		if err := validation.ValidateMonitorName(t.Monitor); err != nil {
			errs.AddField("probes.targets.monitor", err.Error())
		}
		if len(cfg.Servers) > 0 && !seen[t.ServerID] && !cfg.Ingestion.AutoRegister {
			errs.AddField("probes.targets.server_id",
				fmt.Sprintf("probe %s refers to unknown server", t.Key()))
		}
	}

	return errs.Err()
}

// =============================================================================
// Conversions
// =============================================================================

// ToStorageConfig converts the storage section.
func ToStorageConfig(s *StorageConfig) *storageconfig.Config {
	cfg := &storageconfig.Config{
		Backend: s.Backend,
		DataDir: s.DataDir,
	}
	cfg.Scale.MonitorCount = s.Scale.MonitorCount
	cfg.Scale.PollIntervalSec = s.Scale.PollIntervalSec
	cfg.DuckDB = storageconfig.DuckDBConfig{
		Path:         s.DuckDB.Path,
		MemoryLimit:  s.DuckDB.MemoryLimit,
		Threads:      s.DuckDB.Threads,
		MaxOpenConns: s.DuckDB.MaxOpenConns,
	}
	cfg.Postgres = storageconfig.PostgresConfig{
		DSN:        s.Postgres.DSN,
		MaxConns:   s.Postgres.MaxConns,
		Hypertable: s.Postgres.Hypertable,
	}
	cfg.Memory.SeriesCapacity = s.Memory.SeriesCapacity
	cfg.WAL = storageconfig.WALConfig{
		Enabled:        s.WAL.Enabled,
		Dir:            s.WAL.Dir,
		SyncMode:       s.WAL.SyncMode,
		SyncInterval:   s.WAL.SyncInterval.Duration(),
		MaxSegmentSize: s.WAL.MaxSegmentSize.Bytes(),
	}
	cfg.Retention = storageconfig.RetentionConfig{
		Samples:  s.Retention.Samples.Duration(),
		Archive:  s.Retention.Archive.Duration(),
		Interval: s.Retention.Interval.Duration(),
	}
	cfg.Archive = storageconfig.ArchiveConfig{
		Enabled:     s.Archive.Enabled,
		Dir:         s.Archive.Dir,
		Compression: s.Archive.Compression,
	}
	return cfg
}

// ToQueryOptions converts the query section.
func ToQueryOptions(q *QueryConfig) query.Options {
	opts := query.DefaultOptions()
	opts.DefaultWindow = q.DefaultWindow.Duration()
	opts.FillLookback = q.FillLookback.Duration()
	opts.MaxSpan = q.MaxSpan.Duration()
	opts.MaxRows = q.MaxRows
	opts.Timeout = q.Timeout.Duration()
	opts.CacheTTL = q.CacheTTL.Duration()
	if q.CacheMaxEntries > 0 {
		opts.CacheMaxEntries = q.CacheMaxEntries
	}
	if q.Backfill != nil {
		opts.Backfill = *q.Backfill
	}
	if q.PercentileAccuracy > 0 {
		opts.Accuracy = q.PercentileAccuracy
	}
	return opts
}

// ToIngestionOptions converts the ingestion section.
func ToIngestionOptions(c *IngestionConfig) ingestion.Options {
	opts := ingestion.DefaultOptions()
	opts.MaxFutureSkew = c.MaxFutureSkew.Duration()
	if c.QueueSize > 0 {
		opts.QueueSize = c.QueueSize
	}
	if c.BatchSize > 0 {
		opts.BatchSize = c.BatchSize
	}
	if c.FlushInterval > 0 {
		opts.FlushInterval = c.FlushInterval.Duration()
	}
	return opts
}

// ToServerConfig converts the ingest listener section.
func ToServerConfig(c *IngestListenerConfig) server.Config {
	return server.Config{
		Listen:         c.Listen,
		TLSCertFile:    c.TLS.CertFile,
		TLSKeyFile:     c.TLS.KeyFile,
		Tokens:         c.Tokens,
		AuthTimeout:    c.AuthTimeout.Duration(),
		IdleTimeout:    c.IdleTimeout.Duration(),
		MaxMessageSize: c.MaxMessageSize.Bytes(),
		AuthRateLimit:  c.RateLimitPerMinute,
	}
}

// ToCollectorConfig converts the collector section.
func ToCollectorConfig(c *CollectorConfig) collector.Config {
	return collector.Config{
		BaseURL:     c.BaseURL,
		Interval:    c.Interval.Duration(),
		Lookback:    c.Lookback.Duration(),
		Timeout:     c.Timeout.Duration(),
		Concurrency: c.Concurrency,
		Headers:     c.Headers,

		ServerSyncInterval: c.ServerSyncInterval.Duration(),
	}
}

// ToBrokerConfig converts the kafka section.
func ToBrokerConfig(c *KafkaConfig) broker.Config {
	return broker.Config{
		Brokers:  c.Brokers,
		Topics:   c.Topics,
		Group:    c.Group,
		Encoding: c.Encoding,
		MaxBatch: c.MaxBatch,
	}
}

// ToProbeConfig converts the scheduler part of the probes section.
func ToProbeConfig(c *ProbesConfig, drain time.Duration) probe.Config {
	cfg := probe.DefaultConfig()
	if c.Workers > 0 {
		cfg.Scheduler.Workers = c.Workers
	}
	if c.QueueSize > 0 {
		cfg.Scheduler.QueueSize = c.QueueSize
	}
	if drain > 0 {
		cfg.Scheduler.DrainTimeout = drain
	}
	if c.Interval > 0 {
		cfg.Interval = c.Interval.Duration()
	}
	if c.Timeout > 0 {
		cfg.Timeout = c.Timeout.Duration()
	}
	if c.SNMP.Retries > 0 {
		cfg.SNMPRetries = c.SNMP.Retries
	}
	return cfg
}

// ProbeTargets converts the configured targets, applying the SNMP
// defaults.
func ProbeTargets(cfg *Config) []probe.Target {
	def := cfg.Probes.SNMP
	out := make([]probe.Target, 0, len(cfg.Probes.Targets))

	for _, pt := range cfg.Probes.Targets {
		t := probe.Target{
			ServerID: pt.ServerID,
			Monitor:  pt.Monitor,
			Type:     pt.Type,
			Address:  pt.Address,
			Interval: pt.Interval.Duration(),
			Timeout:  pt.Timeout.Duration(),
		}

		if pt.Type == constants.ProbeTypeSNMP {
			s := probe.SNMPConfig{
				Version:   def.Version,
				Community: def.Community,
				OID:       def.OID,
				Retries:   def.Retries,
			}
			if p := pt.SNMP; p != nil {
				s.Version = firstNonEmpty(p.Version, s.Version)
				s.Community = firstNonEmpty(p.Community, s.Community)
				s.OID = firstNonEmpty(p.OID, s.OID)
				if p.Retries > 0 {
					s.Retries = p.Retries
				}
				s.SecurityName = p.SecurityName
				s.SecurityLevel = p.SecurityLevel
				s.AuthProtocol = p.AuthProtocol
				s.AuthPassword = p.AuthPassword
				s.PrivProtocol = p.PrivProtocol
				s.PrivPassword = p.PrivPassword
				s.ContextName = p.ContextName
			}
			t.SNMP = s
		}

		out = append(out, t)
	}
	return out
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
