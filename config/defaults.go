// Package config provides configuration defaults for tcpingd.
//
// Every value here can be overridden in config.yaml; the comment on each
// constant names the key.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultHTTPListen is the HTTP API listen address.
	// Override via config: server.http_listen
	DefaultHTTPListen = "0.0.0.0:8080"

	// DefaultMaxMessageSize limits one ingest frame to prevent OOM.
	// Override via config: server.max_message_size
	DefaultMaxMessageSize = 16 * 1024 * 1024

	// DefaultReadHeaderTimeout bounds slow HTTP clients.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// =============================================================================
// Ingest Listener Defaults
// =============================================================================

const (
	// DefaultAuthTimeoutSec is the time allowed for the auth frame after
	// connect when tokens are configured.
	// Override via config: server.auth_timeout_sec
	DefaultAuthTimeoutSec = 30

	// DefaultIdleTimeoutSec closes ingest connections that send nothing.
	// Override via config: server.idle_timeout_sec
	DefaultIdleTimeoutSec = 300

	// DefaultAuthRateLimitPerMinute is the max FAILED auth attempts per IP
	// per minute. Successful authentication resets the counter.
	// Override via config: server.auth_rate_limit_per_minute
	DefaultAuthRateLimitPerMinute = 5
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryWindow is used when since is omitted.
	// Override via config: query.default_window
	DefaultQueryWindow = 24 * time.Hour

	// DefaultFillLookback is how far before since the query reads to seed
	// forward-fill.
	// Override via config: query.fill_lookback
	DefaultFillLookback = 24 * time.Hour

	// DefaultMaxSpan bounds since..until.
	// Override via config: query.max_span
	DefaultMaxSpan = 93 * 24 * time.Hour

	// DefaultMaxRows bounds the row count of one response.
	// Override via config: query.max_rows
	DefaultMaxRows = 10_000

	// DefaultQueryTimeout bounds one series computation.
	// Override via config: query.timeout
	DefaultQueryTimeout = 10 * time.Second

	// DefaultCacheTTL is how long a series result is reused.
	// Override via config: query.cache_ttl
	DefaultCacheTTL = 5 * time.Second
)

// =============================================================================
// Collector Defaults
// =============================================================================

const (
	// DefaultCollectInterval is how often the upstream API is polled.
	// Override via config: collector.interval
	DefaultCollectInterval = 30 * time.Second

	// DefaultCollectLookback is the first-fetch window for a server with no
	// stored samples.
	// Override via config: collector.lookback
	DefaultCollectLookback = 24 * time.Hour

	// DefaultCollectConcurrency bounds parallel upstream requests.
	// Override via config: collector.concurrency
	DefaultCollectConcurrency = 8

	// DefaultCollectTimeout bounds one upstream request.
	// Override via config: collector.timeout
	DefaultCollectTimeout = 10 * time.Second

	// DefaultServerSyncInterval is how often the upstream server list is
	// re-read.
	// Override via config: collector.server_sync_interval
	DefaultServerSyncInterval = 10 * time.Minute
)

// =============================================================================
// Probe Defaults
// =============================================================================

const (
	// DefaultProbeWorkers is the number of concurrent probe workers.
	// Override via config: probes.workers
	DefaultProbeWorkers = 16

	// DefaultProbeQueueSize is the job queue capacity. When full, due
	// probes are skipped for that round.
	// Override via config: probes.queue_size
	DefaultProbeQueueSize = 1000

	// DefaultProbeInterval is used by probes without an interval.
	// Override via config: probes.interval
	DefaultProbeInterval = 30 * time.Second

	// DefaultProbeTimeout bounds one TCP connect or SNMP round trip.
	// Override via config: probes.timeout
	DefaultProbeTimeout = 5 * time.Second

	// DefaultSchedulerTickInterval is how often the scheduler checks for
	// due probes.
	DefaultSchedulerTickInterval = 100 * time.Millisecond

	// DefaultSNMPRetries is the number of retries after an SNMP timeout.
	// Override via config: probes.snmp_retries
	DefaultSNMPRetries = 1

	// DefaultSNMPOID is fetched by SNMP probes without an OID (sysUpTime).
	DefaultSNMPOID = "1.3.6.1.2.1.1.3.0"
)

// =============================================================================
// Kafka Defaults
// =============================================================================

const (
	// DefaultKafkaGroup is the consumer group.
	// Override via config: kafka.group
	DefaultKafkaGroup = "tcpingd"

	// DefaultKafkaMaxBatch bounds the samples handed to ingestion at once.
	DefaultKafkaMaxBatch = 1000
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeoutSec is how long shutdown waits for in-flight work.
	// Override via config: server.drain_timeout_sec
	DefaultDrainTimeoutSec = 30
)
