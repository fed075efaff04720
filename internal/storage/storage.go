package storage

import (
	"context"

	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// Reader reads raw samples.
type Reader interface {
	// ReadSamples returns the samples of the given monitors inside w,
	// ordered by monitor then timestamp, from one consistent snapshot.
	ReadSamples(ctx context.Context, monitors []types.MonitorKey, w types.Window) ([]types.Sample, error)
}

// Writer appends raw samples.
type Writer interface {
	// Append stores samples. Samples whose (server, monitor, timestamp)
	// already exists are ignored. Returns the number newly stored.
	Append(ctx context.Context, samples []types.Sample) (int, error)
}

// Store is a complete sample store backend.
type Store interface {
	Reader
	Writer

	// ReadRange returns every sample inside w across all monitors.
	ReadRange(ctx context.Context, w types.Window) ([]types.Sample, error)

	// LatestTimestamp returns the newest sample timestamp of a server.
	LatestTimestamp(ctx context.Context, serverID string) (int64, bool, error)

	// Monitors lists every monitor that has at least one stored sample.
	Monitors(ctx context.Context) ([]types.MonitorKey, error)

	// Prune deletes samples older than beforeMs and returns how many.
	Prune(ctx context.Context, beforeMs int64) (int64, error)

	Close() error
}
