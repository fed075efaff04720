package duckstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/tcpingd/internal/storage/parquet"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

func newTestStore(t *testing.T, archiveDir string) *Store {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Path = ":memory:"
	cfg.MaxOpenConns = 1
	cfg.ArchiveDir = archiveDir

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sample(server, monitor string, ts int64, delay float64) types.Sample {
	return types.Sample{ServerID: server, Monitor: monitor, TimestampMs: ts, Delay: delay, Valid: true}
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"memory", Config{Path: ":memory:"}, ""},
		{"file", Config{Path: "/data/tcping.duckdb"}, "/data/tcping.duckdb"},
		{"options", Config{Path: "/data/t.duckdb", MemoryLimit: "1GB", Threads: 2}, "/data/t.duckdb?memory_limit=1GB&threads=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildDSN(tt.cfg); got != tt.want {
				t.Errorf("buildDSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildMultiRowInsert(t *testing.T) {
	query, args := buildMultiRowInsert([]types.Sample{
		sample("1", "A", 1000, 20),
		{ServerID: "1", Monitor: "A", TimestampMs: 2000, Error: "timeout"},
	})

	if strings.Count(query, "(?,?,?,?,?,?)") != 2 {
		t.Errorf("expected 2 value tuples: %s", query)
	}
	if len(args) != 12 {
		t.Fatalf("expected 12 args, got %d", len(args))
	}
	if args[3] != 20.0 || args[5] != nil {
		t.Errorf("valid row args: delay=%v error=%v", args[3], args[5])
	}
	if args[9] != nil || args[11] != "timeout" {
		t.Errorf("invalid row args: delay=%v error=%v", args[9], args[11])
	}
}

func TestMonitorPredicate(t *testing.T) {
	pred, args := monitorPredicate([]types.MonitorKey{
		{ServerID: "1", Monitor: "A"},
		{ServerID: "2", Monitor: "C"},
		{ServerID: "1", Monitor: "B"},
	})

	want := "((server_id = ? AND monitor IN (?,?)) OR (server_id = ? AND monitor IN (?)))"
	if pred != want {
		t.Errorf("predicate = %s", pred)
	}
	if len(args) != 5 || args[0] != "1" || args[3] != "2" {
		t.Errorf("unexpected args %v", args)
	}
}

func TestStore_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")

	n, err := s.Append(ctx, []types.Sample{
		sample("1", "B", 2000, 15),
		sample("1", "A", 1000, 20),
		{ServerID: "1", Monitor: "A", TimestampMs: 3000, Error: "timeout"},
		sample("2", "A", 1000, 99),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 inserted, got %d", n)
	}

	got, err := s.ReadSamples(ctx,
		[]types.MonitorKey{{ServerID: "1", Monitor: "A"}, {ServerID: "1", Monitor: "B"}},
		types.Window{SinceMs: 0, UntilMs: 10_000})
	if err != nil {
		t.Fatalf("ReadSamples: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0].Monitor != "A" || got[0].Delay != 20 || !got[0].Valid {
		t.Errorf("first sample = %+v", got[0])
	}
	if got[1].Valid || got[1].Error != "timeout" {
		t.Errorf("failed sample = %+v", got[1])
	}
	if got[2].Monitor != "B" {
		t.Errorf("third sample = %+v", got[2])
	}
}

func TestStore_AppendIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")

	batch := []types.Sample{sample("1", "A", 1000, 20), sample("1", "A", 2000, 30)}
	if _, err := s.Append(ctx, batch); err != nil {
		t.Fatalf("Append: %v", err)
	}
	n, err := s.Append(ctx, append(batch, sample("1", "A", 3000, 40)))
	if err != nil {
		t.Fatalf("second Append: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 new sample, got %d", n)
	}

	got, err := s.ReadRange(ctx, types.Window{SinceMs: 0, UntilMs: 10_000})
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 samples, got %d", len(got))
	}
}

func TestStore_WindowBounds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")

	if _, err := s.Append(ctx, []types.Sample{
		sample("1", "A", 999, 1),
		sample("1", "A", 1000, 2),
		sample("1", "A", 1999, 3),
		sample("1", "A", 2000, 4),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.ReadSamples(ctx, []types.MonitorKey{{ServerID: "1", Monitor: "A"}}, types.Window{SinceMs: 1000, UntilMs: 2000})
	if err != nil {
		t.Fatalf("ReadSamples: %v", err)
	}
	if len(got) != 2 || got[0].TimestampMs != 1000 || got[1].TimestampMs != 1999 {
		t.Errorf("expected [1000, 1999], got %+v", got)
	}
}

func TestStore_LatestMonitorsPrune(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, "")

	if _, ok, err := s.LatestTimestamp(ctx, "1"); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	if _, err := s.Append(ctx, []types.Sample{
		sample("1", "A", 1000, 1),
		sample("1", "B", 5000, 2),
		sample("2", "A", 3000, 3),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	latest, ok, err := s.LatestTimestamp(ctx, "1")
	if err != nil || !ok || latest != 5000 {
		t.Errorf("LatestTimestamp = %d, %v, %v", latest, ok, err)
	}

	keys, err := s.Monitors(ctx)
	if err != nil {
		t.Fatalf("Monitors: %v", err)
	}
	if len(keys) != 3 || keys[0] != (types.MonitorKey{ServerID: "1", Monitor: "A"}) {
		t.Errorf("Monitors = %v", keys)
	}

	deleted, err := s.Prune(ctx, 3000)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
}

func TestStore_ReadsArchive(t *testing.T) {
	ctx := context.Background()
	archiveDir := t.TempDir()
	s := newTestStore(t, archiveDir)

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	archived := []types.Sample{
		sample("1", "A", day.Add(10*time.Hour).UnixMilli(), 11),
		sample("1", "A", day.Add(20*time.Hour).UnixMilli(), 12),
		sample("1", "B", day.Add(20*time.Hour).UnixMilli(), 99),
	}
	path := filepath.Join(archiveDir, parquet.DayFileName(day))
	if err := parquet.WriteFile(path, archived, parquet.DefaultOptions()); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	live := sample("1", "A", day.Add(30*time.Hour).UnixMilli(), 13)
	if _, err := s.Append(ctx, []types.Sample{live, archived[1]}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	w := types.Window{SinceMs: day.Add(12 * time.Hour).UnixMilli(), UntilMs: day.Add(48 * time.Hour).UnixMilli()}
	got, err := s.ReadSamples(ctx, []types.MonitorKey{{ServerID: "1", Monitor: "A"}}, w)
	if err != nil {
		t.Fatalf("ReadSamples: %v", err)
	}

	// The sample present in both the table and the archive appears once.
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %+v", got)
	}
	if got[0].Delay != 12 || got[1].Delay != 13 {
		t.Errorf("unexpected samples %+v", got)
	}
}

func TestStore_CancelledContext(t *testing.T) {
	s := newTestStore(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.ReadSamples(ctx, []types.MonitorKey{{ServerID: "1", Monitor: "A"}}, types.Window{SinceMs: 0, UntilMs: 1}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
