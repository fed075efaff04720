// Package broker consumes latency samples from Kafka.
//
// Records are JSON, either one sample per record or a {"samples": [...]}
// batch, depending on the configured encoding. Offsets are committed only
// after the records of a poll were handed to ingestion, so a crash
// replays rather than loses samples; replays are harmless because the
// store ignores duplicates.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/guregu/null/v5"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/xtxerr/tcpingd/config"
	"github.com/xtxerr/tcpingd/internal/constants"
	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/storage/ingestion"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

var log = logging.Component("broker")

// Ingester accepts sample batches.
type Ingester interface {
	Ingest(ctx context.Context, source string, samples []types.Sample) (ingestion.Result, error)
}

// Config configures the consumer.
type Config struct {
	Brokers  []string
	Topics   []string
	Group    string
	Encoding string

	// MaxBatch bounds the samples passed to one Ingest call.
	MaxBatch int
}

// Consumer reads samples from Kafka topics.
type Consumer struct {
	cfg    Config
	client *kgo.Client
	ingest Ingester

	records  atomic.Int64
	decoded  atomic.Int64
	badInput atomic.Int64
}

// New creates a consumer. The connection is established lazily by Run.
func New(cfg Config, ing Ingester) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.NewMissingField("kafka.brokers")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.NewMissingField("kafka.topics")
	}
	if cfg.Group == "" {
		cfg.Group = config.DefaultKafkaGroup
	}
	if cfg.Encoding == "" {
		cfg.Encoding = constants.EncodingSample
	}
	if !constants.IsValidEncoding(cfg.Encoding) {
		return nil, errors.NewInvalidValue("kafka.encoding", cfg.Encoding, "must be sample or batch")
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = config.DefaultKafkaMaxBatch
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Consumer{cfg: cfg, client: client, ingest: ing}, nil
}

// Run polls until ctx is cancelled, then closes the client.
func (c *Consumer) Run(ctx context.Context) {
	defer c.client.Close()

	log.Info("consuming", "brokers", c.cfg.Brokers, "topics", c.cfg.Topics, "group", c.cfg.Group)

	ctx = logging.ContextWithSource(ctx, ingestion.SourceKafka)
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			return
		}

		// Fetch errors are retried internally; the ones surfaced here need
		// operator attention.
		fetches.EachError(func(topic string, partition int32, err error) {
			log.Warn("fetch error", "topic", topic, "partition", partition, "error", err)
		})

		batch := make([]types.Sample, 0, c.cfg.MaxBatch)
		failed := false

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			c.records.Add(1)

			samples, err := Decode(c.cfg.Encoding, record.Value)
			if err != nil {
				c.badInput.Add(1)
				log.Debug("dropping undecodable record", "topic", record.Topic, "offset", record.Offset, "error", err)
				continue
			}
			c.decoded.Add(int64(len(samples)))

			batch = append(batch, samples...)
			if len(batch) >= c.cfg.MaxBatch {
				if !c.flush(ctx, batch) {
					failed = true
				}
				batch = batch[:0]
			}
		}
		if len(batch) > 0 && !c.flush(ctx, batch) {
			failed = true
		}

		// Leave offsets uncommitted so the records are redelivered after a
		// rebalance or restart.
		if failed {
			continue
		}
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			log.Warn("commit failed", "error", err)
		}
	}
}

func (c *Consumer) flush(ctx context.Context, batch []types.Sample) bool {
	res, err := c.ingest.Ingest(ctx, ingestion.SourceKafka, batch)
	if err != nil {
		log.Error("ingest failed", "samples", len(batch), "error", err)
		return false
	}
	if res.Rejected > 0 {
		log.Debug("samples rejected", "rejected", res.Rejected, "first", res.Problems[0])
	}
	return true
}

// Stats holds consumer counters.
type Stats struct {
	Records  int64
	Samples  int64
	BadInput int64
}

// Stats returns consumer counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Records:  c.records.Load(),
		Samples:  c.decoded.Load(),
		BadInput: c.badInput.Load(),
	}
}

// =============================================================================
// Record Decoding
// =============================================================================

// Record is the JSON form of one sample. A null or missing delay records a
// failed probe.
type Record struct {
	ServerID    string     `json:"server_id"`
	Monitor     string     `json:"monitor"`
	TimestampMs int64      `json:"timestamp_ms"`
	Delay       null.Float `json:"delay"`
	Error       string     `json:"error,omitempty"`
}

// Sample converts a record.
func (r Record) Sample() types.Sample {
	return types.Sample{
		ServerID:    r.ServerID,
		Monitor:     r.Monitor,
		TimestampMs: r.TimestampMs,
		Delay:       r.Delay.Float64,
		Valid:       r.Delay.Valid,
		Error:       r.Error,
	}
}

type batchRecord struct {
	Samples []Record `json:"samples"`
}

// Decode parses one record value.
func Decode(encoding string, value []byte) ([]types.Sample, error) {
	switch encoding {
	case constants.EncodingBatch:
		var b batchRecord
		if err := json.Unmarshal(value, &b); err != nil {
			return nil, fmt.Errorf("decode batch: %w", err)
		}
		out := make([]types.Sample, len(b.Samples))
		for i, r := range b.Samples {
			out[i] = r.Sample()
		}
		return out, nil

	default:
		var r Record
		if err := json.Unmarshal(value, &r); err != nil {
			return nil, fmt.Errorf("decode sample: %w", err)
		}
		return []types.Sample{r.Sample()}, nil
	}
}
