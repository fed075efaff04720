package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/storage/types"
	"github.com/xtxerr/tcpingd/internal/wire"
)

// =============================================================================
// State Machine
// =============================================================================

// State is the connection state of an Ingest client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from State
	to   State
}

var validTransitions = map[stateTransition]bool{
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateClosed}:     true,
	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,
	{StateConnected, StateDisconnected}:  true,
	{StateConnected, StateClosed}:        true,
}

var (
	ErrClientClosed     = errors.New("client is closed")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrAuthFailed       = errors.New("authentication failed")
)

// =============================================================================
// Ingest Client
// =============================================================================

// IngestConfig configures the wire ingest client.
type IngestConfig struct {
	Addr           string
	Token          string
	TLS            bool
	TLSSkipVerify  bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxMessageSize int64
}

// DefaultIngestConfig returns default ingest client configuration.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		Addr:           "localhost:9170",
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Ingest streams sample batches to the ingest listener. Each batch is
// acknowledged before the next is sent. Send is safe for concurrent use;
// calls are serialized.
type Ingest struct {
	cfg       IngestConfig
	tlsConfig *tls.Config

	state atomic.Int32

	mu   sync.Mutex
	conn net.Conn
	wire *wire.Conn
}

// NewIngest creates a disconnected ingest client.
func NewIngest(cfg IngestConfig) *Ingest {
	def := DefaultIngestConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}

	c := &Ingest{cfg: cfg}
	if cfg.TLS {
		c.tlsConfig = &tls.Config{InsecureSkipVerify: cfg.TLSSkipVerify}
	}
	return c
}

// State returns the current connection state.
func (c *Ingest) State() State {
	return State(c.state.Load())
}

func (c *Ingest) transition(from, to State) bool {
	if !validTransitions[stateTransition{from, to}] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Connect dials the listener and authenticates when a token is set.
func (c *Ingest) Connect(ctx context.Context) error {
	switch c.State() {
	case StateClosed:
		return ErrClientClosed
	case StateConnected:
		return ErrAlreadyConnected
	}
	if !c.transition(StateDisconnected, StateConnecting) {
		return fmt.Errorf("cannot connect: current state is %s", c.State())
	}

	success := false
	defer func() {
		if !success {
			c.transition(StateConnecting, StateDisconnected)
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	var conn net.Conn
	var err error
	if c.tlsConfig != nil {
		d := &tls.Dialer{Config: c.tlsConfig}
		conn, err = d.DialContext(dctx, "tcp", c.cfg.Addr)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(dctx, "tcp", c.cfg.Addr)
	}
	if err != nil {
		return errors.NewUpstream("ingest listener", err)
	}

	w := wire.NewConn(conn)
	if c.cfg.MaxMessageSize > 0 {
		w.SetMaxSize(c.cfg.MaxMessageSize)
	}

	if c.cfg.Token != "" {
		if err := authenticate(dctx, conn, w, c.cfg.Token); err != nil {
			conn.Close()
			return err
		}
	}

	c.mu.Lock()
	c.conn, c.wire = conn, w
	c.mu.Unlock()

	success = c.transition(StateConnecting, StateConnected)
	if !success {
		conn.Close()
		return ErrClientClosed
	}
	return nil
}

func authenticate(ctx context.Context, conn net.Conn, w *wire.Conn, token string) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := w.Write(wire.NewAuth(token)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	msg, err := w.Read()
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	if _, _, err := wire.ParseAck(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return nil
}

// Send pushes one batch for a single server and monitor and returns the
// listener's accepted and rejected counts. A transport failure drops the
// connection; the caller may Connect again.
func (c *Ingest) Send(ctx context.Context, serverID, monitor string, samples []types.Sample) (accepted, rejected int, err error) {
	reply, err := c.roundTrip(ctx, wire.EncodeBatch(serverID, monitor, samples))
	if err != nil {
		return 0, 0, err
	}
	return wire.ParseAck(reply)
}

func (c *Ingest) roundTrip(ctx context.Context, msg *structpb.Struct) (*structpb.Struct, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	defer func() {
		if c.conn != nil {
			c.conn.SetDeadline(time.Time{})
		}
	}()

	if err := c.wire.Write(msg); err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("send batch: %w", err)
	}
	reply, err := c.wire.Read()
	if err != nil {
		c.dropLocked()
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("read ack: %w", errors.ErrTimeout)
		}
		return nil, fmt.Errorf("read ack: %w", err)
	}
	return reply, nil
}

func (c *Ingest) dropLocked() {
	c.conn.Close()
	c.conn, c.wire = nil, nil
	c.transition(StateConnected, StateDisconnected)
}

// Close closes the connection. A closed client cannot reconnect.
func (c *Ingest) Close() error {
	for {
		s := c.State()
		if s == StateClosed {
			return nil
		}
		if s == StateConnecting {
			time.Sleep(time.Millisecond)
			continue
		}
		if c.transition(s, StateClosed) {
			break
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.wire = nil, nil
	return err
}
