// Package duckstore is the DuckDB sample store backend.
//
// Samples live in one table keyed by (server_id, monitor, timestamp_ms).
// Days that retention has exported to Parquet are read back through
// read_parquet, so long windows keep working after pruning.
package duckstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/tcpingd/internal/logging"
)

var log = logging.Component("duckstore")

// Config holds store configuration options.
type Config struct {
	// Path is the database file. Empty or ":memory:" is an in-memory database.
	Path string

	// MemoryLimit is passed to DuckDB, e.g. "1GB".
	MemoryLimit string

	// Threads limits DuckDB worker threads. Zero keeps the default.
	Threads int

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// ArchiveDir holds daily Parquet files written by retention.
	// Empty disables archive reads.
	ArchiveDir string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Store provides sample persistence on DuckDB.
//
// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	config Config
	mu     sync.RWMutex
	closed bool
}

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	server_id    VARCHAR NOT NULL,
	monitor      VARCHAR NOT NULL,
	timestamp_ms BIGINT  NOT NULL,
	delay        DOUBLE,
	valid        BOOLEAN NOT NULL,
	error        VARCHAR,
	PRIMARY KEY (server_id, monitor, timestamp_ms)
)`

// New opens the database and creates the schema.
func New(cfg Config) (*Store, error) {
	dsn := buildDSN(cfg)

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info("duckdb store opened", "path", displayPath(cfg.Path), "archive", cfg.ArchiveDir)

	return &Store{db: db, config: cfg}, nil
}

func buildDSN(cfg Config) string {
	path := cfg.Path
	if path == ":memory:" {
		path = ""
	}

	params := url.Values{}
	if cfg.MemoryLimit != "" {
		params.Set("memory_limit", cfg.MemoryLimit)
	}
	if cfg.Threads > 0 {
		params.Set("threads", strconv.Itoa(cfg.Threads))
	}
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

func displayPath(p string) string {
	if p == "" {
		return ":memory:"
	}
	return p
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.db.Close()
}

// Health checks database connectivity.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// TransactionContext executes fn within a database transaction.
//
// If fn returns an error, the transaction is rolled back.
func (s *Store) TransactionContext(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}
