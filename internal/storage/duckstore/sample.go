package duckstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/xtxerr/tcpingd/internal/storage/parquet"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// maxSamplesPerInsert bounds the rows in one multi-row INSERT.
// 6 columns * 100 rows = 600 parameters per statement.
const maxSamplesPerInsert = 100

const sampleColumns = "server_id, monitor, timestamp_ms, delay, valid, error"

// Append inserts samples in one transaction using multi-row INSERTs.
// Existing keys are ignored.
func (s *Store) Append(ctx context.Context, samples []types.Sample) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		for i := 0; i < len(samples); i += maxSamplesPerInsert {
			end := i + maxSamplesPerInsert
			if end > len(samples) {
				end = len(samples)
			}

			query, args := buildMultiRowInsert(samples[i:end])
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("insert samples: %w", err)
			}
			if n, err := res.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// buildMultiRowInsert builds one INSERT OR IGNORE statement for samples.
func buildMultiRowInsert(samples []types.Sample) (string, []any) {
	const columnsPerRow = 6

	args := make([]any, 0, len(samples)*columnsPerRow)

	var query strings.Builder
	query.Grow(80 + len(samples)*16)
	query.WriteString("INSERT OR IGNORE INTO samples (" + sampleColumns + ") VALUES ")

	for i := range samples {
		smp := &samples[i]
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString("(?,?,?,?,?,?)")

		var delay, errText any
		if smp.Valid {
			delay = smp.Delay
		}
		if smp.Error != "" {
			errText = smp.Error
		}

		args = append(args, smp.ServerID, smp.Monitor, smp.TimestampMs, delay, smp.Valid, errText)
	}

	return query.String(), args
}

// monitorPredicate builds "(server_id = ? AND monitor IN (?,..)) OR ..."
// grouped by server.
func monitorPredicate(monitors []types.MonitorKey) (string, []any) {
	byServer := make(map[string][]string)
	var order []string
	for _, m := range monitors {
		if _, ok := byServer[m.ServerID]; !ok {
			order = append(order, m.ServerID)
		}
		byServer[m.ServerID] = append(byServer[m.ServerID], m.Monitor)
	}

	var sb strings.Builder
	var args []any
	for i, server := range order {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		names := byServer[server]
		sb.WriteString("(server_id = ? AND monitor IN (")
		sb.WriteString(strings.TrimSuffix(strings.Repeat("?,", len(names)), ","))
		sb.WriteString("))")

		args = append(args, server)
		for _, n := range names {
			args = append(args, n)
		}
	}

	return "(" + sb.String() + ")", args
}

// ReadSamples returns the samples of monitors inside w, ordered by monitor
// then timestamp. Archived days overlapping w are read in the same
// statement and transaction.
func (s *Store) ReadSamples(ctx context.Context, monitors []types.MonitorKey, w types.Window) ([]types.Sample, error) {
	if len(monitors) == 0 || w.Empty() {
		return nil, nil
	}

	pred, predArgs := monitorPredicate(monitors)
	where := pred + " AND timestamp_ms >= ? AND timestamp_ms < ?"
	args := append(predArgs, w.SinceMs, w.UntilMs)

	query := "SELECT " + sampleColumns + " FROM samples WHERE " + where

	if s.config.ArchiveDir != "" {
		files, err := parquet.FilesOverlapping(s.config.ArchiveDir, w)
		if err != nil {
			log.Warn("list archive files failed", "error", err)
		}
		if len(files) > 0 {
			query += " UNION SELECT " + sampleColumns + " FROM " + readParquet(files) + " WHERE " + where
			args = append(args, args...)
		}
	}

	query += " ORDER BY server_id, monitor, timestamp_ms"

	var out []types.Sample
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query samples: %w", err)
		}
		out, err = scanSamples(rows)
		return err
	})
	return out, err
}

// ReadRange returns every stored sample inside w. Archives are not read.
func (s *Store) ReadRange(ctx context.Context, w types.Window) ([]types.Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sampleColumns+" FROM samples WHERE timestamp_ms >= ? AND timestamp_ms < ? ORDER BY server_id, monitor, timestamp_ms",
		w.SinceMs, w.UntilMs)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	return scanSamples(rows)
}

func scanSamples(rows *sql.Rows) ([]types.Sample, error) {
	defer rows.Close()

	var out []types.Sample
	for rows.Next() {
		var smp types.Sample
		var delay sql.NullFloat64
		var errText sql.NullString

		if err := rows.Scan(&smp.ServerID, &smp.Monitor, &smp.TimestampMs, &delay, &smp.Valid, &errText); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		smp.Delay = delay.Float64
		smp.Valid = smp.Valid && delay.Valid
		smp.Error = errText.String
		out = append(out, smp)
	}

	return out, rows.Err()
}

func readParquet(files []string) string {
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + strings.ReplaceAll(f, "'", "''") + "'"
	}
	return "read_parquet([" + strings.Join(quoted, ", ") + "])"
}

// LatestTimestamp returns the newest sample timestamp of a server.
func (s *Store) LatestTimestamp(ctx context.Context, serverID string) (int64, bool, error) {
	var latest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(timestamp_ms) FROM samples WHERE server_id = ?", serverID).Scan(&latest)
	if err != nil {
		return 0, false, fmt.Errorf("query latest: %w", err)
	}
	return latest.Int64, latest.Valid, nil
}

// Monitors lists every monitor with at least one stored sample.
func (s *Store) Monitors(ctx context.Context) ([]types.MonitorKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT server_id, monitor FROM samples ORDER BY server_id, monitor")
	if err != nil {
		return nil, fmt.Errorf("query monitors: %w", err)
	}
	defer rows.Close()

	var keys []types.MonitorKey
	for rows.Next() {
		var k types.MonitorKey
		if err := rows.Scan(&k.ServerID, &k.Monitor); err != nil {
			return nil, fmt.Errorf("scan monitor: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Prune deletes samples older than beforeMs.
func (s *Store) Prune(ctx context.Context, beforeMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM samples WHERE timestamp_ms < ?", beforeMs)
	if err != nil {
		return 0, fmt.Errorf("delete samples: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
