// Package pgstore is the PostgreSQL (optionally TimescaleDB) sample store
// backend.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

var log = logging.Component("pgstore")

// Config holds store configuration options.
type Config struct {
	DSN      string
	MaxConns int32

	// Hypertable converts the samples table into a TimescaleDB hypertable.
	// Requires the timescaledb extension.
	Hypertable bool
}

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	server_id    TEXT    NOT NULL,
	monitor      TEXT    NOT NULL,
	timestamp_ms BIGINT  NOT NULL,
	delay        DOUBLE PRECISION,
	valid        BOOLEAN NOT NULL,
	error        TEXT,
	PRIMARY KEY (server_id, monitor, timestamp_ms)
)`

const hypertable = `SELECT create_hypertable('samples', 'timestamp_ms',
	chunk_time_interval => 86400000, if_not_exists => TRUE)`

const sampleColumns = "server_id, monitor, timestamp_ms, delay, valid, error"

// maxSamplesPerInsert keeps a statement well under the 65535 parameter limit.
const maxSamplesPerInsert = 500

// Store provides sample persistence on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and creates the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if cfg.Hypertable {
		if _, err := pool.Exec(ctx, hypertable); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create hypertable: %w", err)
		}
	}

	log.Info("postgres store opened",
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database,
		"hypertable", cfg.Hypertable)

	return &Store{pool: pool}, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append inserts samples in one transaction. Existing keys are ignored.
func (s *Store) Append(ctx context.Context, samples []types.Sample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	inserted := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := 0; i < len(samples); i += maxSamplesPerInsert {
			end := min(i+maxSamplesPerInsert, len(samples))

			query, args := buildInsert(samples[i:end])
			tag, err := tx.Exec(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("insert samples: %w", err)
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func buildInsert(samples []types.Sample) (string, []any) {
	const columnsPerRow = 6

	args := make([]any, 0, len(samples)*columnsPerRow)

	var sb strings.Builder
	sb.WriteString("INSERT INTO samples (" + sampleColumns + ") VALUES ")
	for i := range samples {
		smp := &samples[i]
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for c := 0; c < columnsPerRow; c++ {
			if c > 0 {
				sb.WriteByte(',')
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(i*columnsPerRow + c + 1))
		}
		sb.WriteByte(')')

		var delay *float64
		if smp.Valid {
			d := smp.Delay
			delay = &d
		}
		var errText *string
		if smp.Error != "" {
			e := smp.Error
			errText = &e
		}
		args = append(args, smp.ServerID, smp.Monitor, smp.TimestampMs, delay, smp.Valid, errText)
	}
	sb.WriteString(" ON CONFLICT DO NOTHING")

	return sb.String(), args
}

// ReadSamples returns the samples of monitors inside w from one
// repeatable-read snapshot.
func (s *Store) ReadSamples(ctx context.Context, monitors []types.MonitorKey, w types.Window) ([]types.Sample, error) {
	if len(monitors) == 0 || w.Empty() {
		return nil, nil
	}

	servers := make([]string, len(monitors))
	names := make([]string, len(monitors))
	for i, m := range monitors {
		servers[i] = m.ServerID
		names[i] = m.Monitor
	}

	const query = `SELECT s.server_id, s.monitor, s.timestamp_ms, s.delay, s.valid, s.error
FROM samples s
JOIN unnest($1::text[], $2::text[]) AS k(server_id, monitor)
  ON s.server_id = k.server_id AND s.monitor = k.monitor
WHERE s.timestamp_ms >= $3 AND s.timestamp_ms < $4
ORDER BY s.server_id, s.monitor, s.timestamp_ms`

	var out []types.Sample
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, servers, names, w.SinceMs, w.UntilMs)
		if err != nil {
			return fmt.Errorf("query samples: %w", err)
		}
		out, err = collectSamples(rows)
		return err
	})
	return out, err
}

// ReadRange returns every sample inside w.
func (s *Store) ReadRange(ctx context.Context, w types.Window) ([]types.Sample, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+sampleColumns+" FROM samples WHERE timestamp_ms >= $1 AND timestamp_ms < $2 ORDER BY server_id, monitor, timestamp_ms",
		w.SinceMs, w.UntilMs)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	return collectSamples(rows)
}

func collectSamples(rows pgx.Rows) ([]types.Sample, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Sample, error) {
		var smp types.Sample
		var delay *float64
		var errText *string
		if err := row.Scan(&smp.ServerID, &smp.Monitor, &smp.TimestampMs, &delay, &smp.Valid, &errText); err != nil {
			return smp, err
		}
		if delay != nil {
			smp.Delay = *delay
		} else {
			smp.Valid = false
		}
		if errText != nil {
			smp.Error = *errText
		}
		return smp, nil
	})
}

// LatestTimestamp returns the newest sample timestamp of a server.
func (s *Store) LatestTimestamp(ctx context.Context, serverID string) (int64, bool, error) {
	var latest *int64
	err := s.pool.QueryRow(ctx, "SELECT MAX(timestamp_ms) FROM samples WHERE server_id = $1", serverID).Scan(&latest)
	if err != nil {
		return 0, false, fmt.Errorf("query latest: %w", err)
	}
	if latest == nil {
		return 0, false, nil
	}
	return *latest, true, nil
}

// Monitors lists every monitor with at least one stored sample.
func (s *Store) Monitors(ctx context.Context) ([]types.MonitorKey, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT server_id, monitor FROM samples ORDER BY server_id, monitor")
	if err != nil {
		return nil, fmt.Errorf("query monitors: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.MonitorKey, error) {
		var k types.MonitorKey
		err := row.Scan(&k.ServerID, &k.Monitor)
		return k, err
	})
}

// Prune deletes samples older than beforeMs.
func (s *Store) Prune(ctx context.Context, beforeMs int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM samples WHERE timestamp_ms < $1", beforeMs)
	if err != nil {
		return 0, fmt.Errorf("delete samples: %w", err)
	}
	return tag.RowsAffected(), nil
}
