// Package server provides the TCP ingest listener.
//
// Each connection streams wire batch frames; every frame is ingested
// synchronously and answered before the next one is read, so a client
// that waits for each reply gets per-batch backpressure. When tokens are
// configured the first frame must authenticate the connection; repeated
// failures from one IP are rate limited.
package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/tcpingd/config"
	tcperrors "github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/storage/ingestion"
	"github.com/xtxerr/tcpingd/internal/storage/types"
	"github.com/xtxerr/tcpingd/internal/wire"
)

var log = logging.Component("server")

// Ingester accepts sample batches.
type Ingester interface {
	Ingest(ctx context.Context, source string, samples []types.Sample) (ingestion.Result, error)
}

// Config holds listener configuration.
type Config struct {
	// Listen is the address to listen on (e.g., "0.0.0.0:9170").
	Listen string

	// TLS configuration (optional).
	TLSCertFile string
	TLSKeyFile  string

	// Tokens enables authentication when non-empty.
	Tokens []string

	AuthTimeout    time.Duration
	IdleTimeout    time.Duration
	MaxMessageSize int64

	// AuthRateLimit is the number of failed auths per IP per minute.
	AuthRateLimit int
}

// Server is the ingest listener.
type Server struct {
	cfg      Config
	ingester Ingester
	listener net.Listener

	authRateLimiter *RateLimiter

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	shutdown  chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	once      sync.Once
	wg        sync.WaitGroup
}

// New creates a listener that hands batches to ing.
func New(cfg Config, ing Ingester) *Server {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = time.Duration(config.DefaultAuthTimeoutSec) * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Duration(config.DefaultIdleTimeoutSec) * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if cfg.AuthRateLimit <= 0 {
		cfg.AuthRateLimit = config.DefaultAuthRateLimitPerMinute
	}

	return &Server{
		cfg:             cfg,
		ingester:        ing,
		authRateLimiter: NewRateLimiter(cfg.AuthRateLimit, time.Minute),
		conns:           make(map[net.Conn]struct{}),
		shutdown:        make(chan struct{}),
		ready:           make(chan struct{}),
	}
}

// Run listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Run() error {
	ln, err := s.listen()
	if err != nil {
		s.readyOnce.Do(func() { close(s.ready) })
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.authRateLimiter.cleanupLoop(s.shutdown)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error("accept error", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS cert: %w", err)
		}
		ln, err := tls.Listen("tcp", s.cfg.Listen, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			return nil, fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("ingest listening with TLS", "address", ln.Addr().String())
		return ln, nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	log.Info("ingest listening without TLS", "address", ln.Addr().String())
	return ln, nil
}

// Addr waits for Run to bind and returns the address, or nil if binding
// failed.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, closes open connections and waits for their
// handlers. A frame being ingested finishes first.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		log.Info("shutting down ingest listener")
		close(s.shutdown)

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		for c := range s.conns {
			c.SetReadDeadline(time.Now())
		}
		s.mu.Unlock()

		s.wg.Wait()
		log.Info("ingest listener stopped")
	})
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	remoteIP := extractIP(remote)

	s.track(conn, true)
	defer s.track(conn, false)

	w := wire.NewConn(conn)
	w.SetMaxSize(s.cfg.MaxMessageSize)

	if len(s.cfg.Tokens) > 0 && !s.authenticate(conn, w, remoteIP) {
		return
	}

	log.Debug("ingest connection", "remote", remote)

	ctx := logging.ContextWithSource(context.Background(), ingestion.SourceWire)
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		select {
		case <-s.shutdown:
			return
		default:
		}

		msg, err := w.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosing(err) {
				log.Debug("read failed", "remote", remote, "error", err)
			}
			return
		}

		if err := w.Write(s.handleFrame(ctx, msg)); err != nil {
			log.Debug("write failed", "remote", remote, "error", err)
			return
		}
	}
}

func (s *Server) authenticate(conn net.Conn, w *wire.Conn, ip string) bool {
	if s.authRateLimiter.IsBlocked(ip) {
		log.Warn("blocked due to too many failed auth attempts", "remote", ip)
		return false
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	msg, err := w.Read()
	if err != nil {
		log.Debug("auth read error", "remote", ip, "error", err)
		return false
	}

	token, ok := wire.AuthToken(msg)
	if !ok || !s.validToken(token) {
		s.authRateLimiter.RecordFailure(ip)
		w.Write(wire.NewError(tcperrors.CodeInvalidRequest, "first frame must carry a valid auth token"))
		log.Warn("auth failed", "remote", ip, "failure_count", s.authRateLimiter.FailureCount(ip))
		return false
	}

	s.authRateLimiter.Reset(ip)
	return w.Write(wire.NewAck(0, 0)) == nil
}

func (s *Server) validToken(token string) bool {
	for _, t := range s.cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) handleFrame(ctx context.Context, msg *structpb.Struct) *structpb.Struct {
	samples, err := wire.DecodeBatch(msg)
	if err != nil {
		return wire.NewErrorFromErr(err)
	}

	res, err := s.ingester.Ingest(ctx, ingestion.SourceWire, samples)
	if err != nil {
		return wire.NewErrorFromErr(err)
	}
	return wire.NewAck(res.Stored+res.Duplicate, res.Rejected)
}

func isClosing(err error) bool {
	var ne net.Error
	return errors.Is(err, net.ErrClosed) || (errors.As(err, &ne) && ne.Timeout())
}
