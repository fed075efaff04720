package loader

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/tcpingd/config"
	"github.com/xtxerr/tcpingd/internal/constants"
	"github.com/xtxerr/tcpingd/internal/inventory"
	storageconfig "github.com/xtxerr/tcpingd/internal/storage/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration of tcpingd.
//
//	server:     HTTP API, optional binary ingest listener, shutdown
//	logging:    level and format
//	query:      window defaults, limits, cache
//	ingestion:  validation and batching
//	collector:  upstream Nezha API puller
//	probes:     local tcp/snmp probes
//	kafka:      sample consumer
//	storage:    sample store backend, retention, archive
//	servers:    the server inventory
//	include:    extra files contributing servers and probe targets
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Query     QueryConfig     `yaml:"query"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Collector CollectorConfig `yaml:"collector"`
	Probes    ProbesConfig    `yaml:"probes"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Storage   StorageConfig   `yaml:"storage"`

	// Servers is the configured inventory. Hot-reloaded with -watch.
	Servers []inventory.Server `yaml:"servers"`

	// Include lists additional files whose servers and probe targets are
	// appended. Glob patterns, relative to this file's directory.
	Include []string `yaml:"include"`
}

// =============================================================================
// Server Configuration
// =============================================================================

// ServerConfig configures the network surfaces.
type ServerConfig struct {
	// HTTPListen is the REST API address.
	HTTPListen string `yaml:"http_listen"`

	ReadHeaderTimeout Duration `yaml:"read_header_timeout"`

	// MaxIngestBatch bounds POST /api/samples.
	MaxIngestBatch int `yaml:"max_ingest_batch"`

	Ingest   IngestListenerConfig `yaml:"ingest"`
	Shutdown ShutdownConfig       `yaml:"shutdown"`
}

// IngestListenerConfig configures the binary ingest listener. It is off
// while Listen is empty.
type IngestListenerConfig struct {
	Listen string    `yaml:"listen"`
	TLS    TLSConfig `yaml:"tls"`

	// Tokens enables authentication when non-empty.
	// Use environment variables: "${TCPINGD_INGEST_TOKEN}"
	Tokens []string `yaml:"tokens"`

	AuthTimeout        Duration `yaml:"auth_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	MaxMessageSize     ByteSize `yaml:"max_message_size"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
}

// TLSConfig configures transport layer security.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ShutdownConfig configures graceful shutdown.
type ShutdownConfig struct {
	// DrainTimeout is how long to wait for in-flight work.
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// =============================================================================
// Query & Ingestion
// =============================================================================

// QueryConfig configures the query service.
type QueryConfig struct {
	DefaultWindow   Duration `yaml:"default_window"`
	FillLookback    Duration `yaml:"fill_lookback"`
	MaxSpan         Duration `yaml:"max_span"`
	MaxRows         int64    `yaml:"max_rows"`
	Timeout         Duration `yaml:"timeout"`
	CacheTTL        Duration `yaml:"cache_ttl"`
	CacheMaxEntries int      `yaml:"cache_max_entries"`

	// Backfill is the default for requests that do not say.
	Backfill *bool `yaml:"backfill"`

	// PercentileAccuracy is the relative accuracy of p50/p95/p99.
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`
}

// IngestionConfig configures sample validation and batching.
type IngestionConfig struct {
	// AutoRegister accepts samples for servers missing from the inventory.
	AutoRegister bool `yaml:"auto_register"`

	MaxFutureSkew Duration `yaml:"max_future_skew"`
	QueueSize     int      `yaml:"queue_size"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// =============================================================================
// Producers
// =============================================================================

// CollectorConfig configures the upstream puller.
type CollectorConfig struct {
	Enabled bool `yaml:"enabled"`

	// BaseURL is the upstream dashboard, e.g. https://status.example.com.
	BaseURL string `yaml:"base_url"`

	Interval    Duration          `yaml:"interval"`
	Lookback    Duration          `yaml:"lookback"`
	Timeout     Duration          `yaml:"timeout"`
	Concurrency int               `yaml:"concurrency"`
	Headers     map[string]string `yaml:"headers"`

	// SyncServers reads the upstream server list into the inventory.
	SyncServers        bool     `yaml:"sync_servers"`
	ServerSyncInterval Duration `yaml:"server_sync_interval"`
}

// ProbesConfig configures local probes.
type ProbesConfig struct {
	Workers   int      `yaml:"workers"`
	QueueSize int      `yaml:"queue_size"`
	Interval  Duration `yaml:"interval"`
	Timeout   Duration `yaml:"timeout"`

	SNMP SNMPDefaults `yaml:"snmp"`

	// Targets is hot-reloaded with -watch.
	Targets []ProbeTarget `yaml:"targets"`
}

// SNMPDefaults apply to SNMP targets that leave the field empty.
type SNMPDefaults struct {
	Version   string `yaml:"version"`
	Community string `yaml:"community"`
	OID       string `yaml:"oid"`
	Retries   int    `yaml:"retries"`
}

// ProbeTarget is one configured probe.
type ProbeTarget struct {
	ServerID string   `yaml:"server_id"`
	Monitor  string   `yaml:"monitor"`
	Type     string   `yaml:"type"`
	Address  string   `yaml:"address"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`

	SNMP *ProbeSNMP `yaml:"snmp"`
}

// ProbeSNMP holds per-target SNMP settings.
type ProbeSNMP struct {
	Version   string `yaml:"version"`
	Community string `yaml:"community"`
	OID       string `yaml:"oid"`
	Retries   int    `yaml:"retries"`

	SecurityName  string `yaml:"security_name"`
	SecurityLevel string `yaml:"security_level"`
	AuthProtocol  string `yaml:"auth_protocol"`
	AuthPassword  string `yaml:"auth_password"`
	PrivProtocol  string `yaml:"priv_protocol"`
	PrivPassword  string `yaml:"priv_password"`
	ContextName   string `yaml:"context_name"`
}

// KafkaConfig configures the Kafka consumer.
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topics   []string `yaml:"topics"`
	Group    string   `yaml:"group"`
	Encoding string   `yaml:"encoding"`
	MaxBatch int      `yaml:"max_batch"`
}

// =============================================================================
// Storage Configuration
// =============================================================================

// StorageConfig mirrors the storage configuration with YAML-friendly
// duration and size types. See ToStorageConfig.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`

	Scale struct {
		MonitorCount    int `yaml:"monitor_count"`
		PollIntervalSec int `yaml:"poll_interval_sec"`
	} `yaml:"scale"`

	DuckDB struct {
		Path         string `yaml:"path"`
		MemoryLimit  string `yaml:"memory_limit"`
		Threads      int    `yaml:"threads"`
		MaxOpenConns int    `yaml:"max_open_conns"`
	} `yaml:"duckdb"`

	Postgres struct {
		DSN        string `yaml:"dsn"`
		MaxConns   int32  `yaml:"max_conns"`
		Hypertable bool   `yaml:"hypertable"`
	} `yaml:"postgres"`

	Memory struct {
		SeriesCapacity int `yaml:"series_capacity"`
	} `yaml:"memory"`

	WAL struct {
		Enabled        bool     `yaml:"enabled"`
		Dir            string   `yaml:"dir"`
		SyncMode       string   `yaml:"sync_mode"`
		SyncInterval   Duration `yaml:"sync_interval"`
		MaxSegmentSize ByteSize `yaml:"max_segment_size"`
	} `yaml:"wal"`

	Retention struct {
		Samples  Duration `yaml:"samples"`
		Archive  Duration `yaml:"archive"`
		Interval Duration `yaml:"interval"`
	} `yaml:"retention"`

	Archive struct {
		Enabled     bool   `yaml:"enabled"`
		Dir         string `yaml:"dir"`
		Compression string `yaml:"compression"`
	} `yaml:"archive"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns the configuration used for omitted fields.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HTTPListen:        config.DefaultHTTPListen,
			ReadHeaderTimeout: Duration(config.DefaultReadHeaderTimeout),
			MaxIngestBatch:    config.DefaultMaxRows,
			Ingest: IngestListenerConfig{
				AuthTimeout:        Duration(time.Duration(config.DefaultAuthTimeoutSec) * time.Second),
				IdleTimeout:        Duration(time.Duration(config.DefaultIdleTimeoutSec) * time.Second),
				MaxMessageSize:     ByteSize(config.DefaultMaxMessageSize),
				RateLimitPerMinute: config.DefaultAuthRateLimitPerMinute,
			},
			Shutdown: ShutdownConfig{
				DrainTimeout: Duration(time.Duration(config.DefaultDrainTimeoutSec) * time.Second),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: constants.LogFormatText,
		},
		Query: QueryConfig{
			DefaultWindow:   Duration(config.DefaultQueryWindow),
			FillLookback:    Duration(config.DefaultFillLookback),
			MaxSpan:         Duration(config.DefaultMaxSpan),
			MaxRows:         config.DefaultMaxRows,
			Timeout:         Duration(config.DefaultQueryTimeout),
			CacheTTL:        Duration(config.DefaultCacheTTL),
			CacheMaxEntries: 1024,
		},
		Ingestion: IngestionConfig{
			MaxFutureSkew: Duration(5 * time.Minute),
			QueueSize:     10_000,
			BatchSize:     500,
			FlushInterval: Duration(time.Second),
		},
		Collector: CollectorConfig{
			Interval:    Duration(config.DefaultCollectInterval),
			Lookback:    Duration(config.DefaultCollectLookback),
			Timeout:     Duration(config.DefaultCollectTimeout),
			Concurrency: config.DefaultCollectConcurrency,

			ServerSyncInterval: Duration(config.DefaultServerSyncInterval),
		},
		Probes: ProbesConfig{
			Workers:   config.DefaultProbeWorkers,
			QueueSize: config.DefaultProbeQueueSize,
			Interval:  Duration(config.DefaultProbeInterval),
			Timeout:   Duration(config.DefaultProbeTimeout),
			SNMP: SNMPDefaults{
				Version: constants.SNMPv2c,
				OID:     config.DefaultSNMPOID,
				Retries: config.DefaultSNMPRetries,
			},
		},
		Kafka: KafkaConfig{
			Group:    config.DefaultKafkaGroup,
			Encoding: constants.EncodingSample,
			MaxBatch: config.DefaultKafkaMaxBatch,
		},
	}

	cfg.Storage = storageFromInternal(storageconfig.DefaultConfig())
	return cfg
}

func storageFromInternal(sc *storageconfig.Config) StorageConfig {
	var s StorageConfig
	s.Backend = sc.Backend
	s.DataDir = sc.DataDir
	s.Scale.MonitorCount = sc.Scale.MonitorCount
	s.Scale.PollIntervalSec = sc.Scale.PollIntervalSec
	s.DuckDB.Path = sc.DuckDB.Path
	s.DuckDB.MemoryLimit = sc.DuckDB.MemoryLimit
	s.DuckDB.Threads = sc.DuckDB.Threads
	s.DuckDB.MaxOpenConns = sc.DuckDB.MaxOpenConns
	s.Postgres.DSN = sc.Postgres.DSN
	s.Postgres.MaxConns = sc.Postgres.MaxConns
	s.Postgres.Hypertable = sc.Postgres.Hypertable
	s.Memory.SeriesCapacity = sc.Memory.SeriesCapacity
	s.WAL.Enabled = sc.WAL.Enabled
	s.WAL.Dir = sc.WAL.Dir
	s.WAL.SyncMode = sc.WAL.SyncMode
	s.WAL.SyncInterval = Duration(sc.WAL.SyncInterval)
	s.WAL.MaxSegmentSize = ByteSize(sc.WAL.MaxSegmentSize)
	s.Retention.Samples = Duration(sc.Retention.Samples)
	s.Retention.Archive = Duration(sc.Retention.Archive)
	s.Retention.Interval = Duration(sc.Retention.Interval)
	s.Archive.Enabled = sc.Archive.Enabled
	s.Archive.Dir = sc.Archive.Dir
	s.Archive.Compression = sc.Archive.Compression
	return s
}

// =============================================================================
// Custom Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML. Plain
// integers are seconds; "7d" style day suffixes are accepted.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}

	dur, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", s, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports "100MB", "1GB", "500KB" or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var i int64
		if err := unmarshal(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}
	size, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// byteUnits is ordered longest suffix first so "MB" is not read as "B".
var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteUnits {
		if num, ok := strings.CutSuffix(s, u.suffix); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(num), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.mult, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
