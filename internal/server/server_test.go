package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/storage/ingestion"
	"github.com/xtxerr/tcpingd/internal/storage/types"
	"github.com/xtxerr/tcpingd/internal/wire"
)

// recordingIngester keeps every batch and rejects invalid samples.
type recordingIngester struct {
	mu      sync.Mutex
	batches [][]types.Sample
	err     error
}

func (r *recordingIngester) Ingest(_ context.Context, source string, samples []types.Sample) (ingestion.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return ingestion.Result{}, r.err
	}
	r.batches = append(r.batches, samples)

	res := ingestion.Result{Received: len(samples)}
	for i := range samples {
		if samples[i].Check() != "" {
			res.Rejected++
		} else {
			res.Stored++
		}
	}
	return res, nil
}

func startServer(t *testing.T, cfg Config, ing Ingester) *Server {
	t.Helper()

	cfg.Listen = "127.0.0.1:0"
	srv := New(cfg, ing)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	if srv.Addr() == nil {
		t.Fatalf("Run: %v", <-errCh)
	}
	t.Cleanup(func() {
		srv.Shutdown()
		if err := <-errCh; err != nil {
			t.Errorf("Run returned %v", err)
		}
	})
	return srv
}

func dial(t *testing.T, srv *Server) *wire.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return wire.NewConn(conn)
}

func TestServer_IngestBatches(t *testing.T) {
	ing := &recordingIngester{}
	srv := startServer(t, Config{}, ing)
	c := dial(t, srv)

	samples := []types.Sample{
		{ServerID: "1", Monitor: "CT", TimestampMs: 1714557600000, Delay: 12, Valid: true},
		{ServerID: "1", Monitor: "CT", TimestampMs: 0, Delay: 12, Valid: true},
	}

	for round := 0; round < 2; round++ {
		if err := c.Write(wire.EncodeBatch("1", "CT", samples)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		reply, err := c.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		accepted, rejected, err := wire.ParseAck(reply)
		if err != nil {
			t.Fatalf("ParseAck: %v", err)
		}
		if accepted != 1 || rejected != 1 {
			t.Errorf("round %d: accepted=%d rejected=%d", round, accepted, rejected)
		}
	}

	ing.mu.Lock()
	defer ing.mu.Unlock()
	if len(ing.batches) != 2 {
		t.Errorf("expected 2 batches, got %d", len(ing.batches))
	}
}

func TestServer_ErrorReplies(t *testing.T) {
	ing := &recordingIngester{}
	srv := startServer(t, Config{}, ing)
	c := dial(t, srv)

	// Structurally broken frame.
	if err := c.Write(wire.NewAck(1, 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reply, err := c.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, _, err := wire.ParseAck(reply); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected InvalidRequest, got %v", err)
	}

	// Store failure; the connection stays usable.
	ing.mu.Lock()
	ing.err = errors.NewUpstream("append samples", context.DeadlineExceeded)
	ing.mu.Unlock()

	if err := c.Write(wire.EncodeBatch("1", "CT", []types.Sample{{TimestampMs: 1, Valid: true}})); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reply, err = c.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, _, err := wire.ParseAck(reply); err == nil {
		t.Error("expected an error reply")
	}
}

func TestServer_Auth(t *testing.T) {
	ing := &recordingIngester{}
	srv := startServer(t, Config{Tokens: []string{"s3cret"}, AuthRateLimit: 2}, ing)

	// Valid token.
	c := dial(t, srv)
	if err := c.Write(wire.NewAuth("s3cret")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reply, err := c.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, _, err := wire.ParseAck(reply); err != nil {
		t.Fatalf("auth rejected: %v", err)
	}

	// Wrong token, twice: the IP is then blocked.
	for i := 0; i < 2; i++ {
		c := dial(t, srv)
		c.Write(wire.NewAuth("guess"))
		reply, err := c.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if _, _, err := wire.ParseAck(reply); err == nil {
			t.Fatal("expected auth failure")
		}
	}

	if !srv.authRateLimiter.IsBlocked("127.0.0.1") {
		t.Error("expected 127.0.0.1 to be blocked after repeated failures")
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if rl.IsBlocked("10.0.0.1") {
			t.Fatalf("blocked after %d failures", i)
		}
		rl.RecordFailure("10.0.0.1")
	}
	if !rl.IsBlocked("10.0.0.1") {
		t.Error("expected block after 3 failures")
	}
	if rl.IsBlocked("10.0.0.2") {
		t.Error("other IPs must not be blocked")
	}

	now = now.Add(2 * time.Minute)
	if rl.IsBlocked("10.0.0.1") || rl.FailureCount("10.0.0.1") != 0 {
		t.Error("block should expire with the window")
	}

	rl.RecordFailure("10.0.0.1")
	rl.Reset("10.0.0.1")
	if rl.FailureCount("10.0.0.1") != 0 {
		t.Error("Reset should clear failures")
	}

	rl.RecordFailure("10.0.0.3")
	now = now.Add(2 * time.Minute)
	rl.cleanup()
	if len(rl.failures) != 0 {
		t.Errorf("cleanup left %d entries", len(rl.failures))
	}
}

func TestExtractIP(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:5000": "127.0.0.1",
		"[::1]:80":       "::1",
		"garbage":        "garbage",
	}
	for in, want := range tests {
		if got := extractIP(in); got != want {
			t.Errorf("extractIP(%q) = %q, want %q", in, got, want)
		}
	}
}
