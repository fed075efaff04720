package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtxerr/tcpingd/config"
	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/inventory"
	"github.com/xtxerr/tcpingd/internal/metrics"
)

// serverListPath is the upstream WebSocket that pushes the server list.
const serverListPath = "/api/v1/ws/server"

// Syncer receives the upstream server list.
type Syncer interface {
	Sync(updates []inventory.Update) inventory.SyncResult
}

// ServerSource reads the upstream server list over its WebSocket and hands
// it to the inventory. The first frame carries every server, so one frame
// per round is enough.
type ServerSource struct {
	url      string
	header   http.Header
	dialer   *websocket.Dialer
	interval time.Duration
	timeout  time.Duration
	inv      Syncer
	metrics  *metrics.Metrics
	now      func() time.Time

	mu    sync.Mutex
	stats SourceStats
}

// SourceStats holds server list statistics.
type SourceStats struct {
	Syncs    int64
	Failures int64
	LastSync time.Time
	Servers  int
}

// NewServerSource creates a source for cfg.BaseURL. m may be nil.
func NewServerSource(cfg Config, inv Syncer, m *metrics.Metrics) (*ServerSource, error) {
	u, err := serverListURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	interval := cfg.ServerSyncInterval
	if interval <= 0 {
		interval = config.DefaultServerSyncInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultCollectTimeout
	}

	header := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}

	return &ServerSource{
		url:      u,
		header:   header,
		dialer:   &websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment},
		interval: interval,
		timeout:  timeout,
		inv:      inv,
		metrics:  m,
		now:      time.Now,
	}, nil
}

// serverListURL maps http(s)://host/prefix to ws(s)://host/prefix/api/v1/ws/server.
func serverListURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil || u.Host == "" {
		return "", errors.NewValidation("collector.base_url", "must be an absolute URL")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.NewValidation("collector.base_url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	u.Path += serverListPath
	return u.String(), nil
}

// Run syncs every interval until ctx is cancelled. The first sync happens
// after one interval; call SyncOnce first for an immediate one.
func (s *ServerSource) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn("server list sync failed", "error", err)
		}
	}
}

// SyncOnce reads one server list frame and installs it.
func (s *ServerSource) SyncOnce(ctx context.Context) (res inventory.SyncResult, err error) {
	began := time.Now()
	defer func() {
		s.metrics.UpstreamFetch(err, time.Since(began))
		s.mu.Lock()
		s.stats.Syncs++
		if err != nil {
			s.stats.Failures++
		}
		s.mu.Unlock()
	}()

	frame, err := s.read(ctx)
	if err != nil {
		return res, err
	}

	updates := frame.updates(s.now())
	res = s.inv.Sync(updates)

	s.mu.Lock()
	s.stats.LastSync = s.now()
	s.stats.Servers = len(updates)
	s.mu.Unlock()

	log.Debug("server list synced", "servers", len(updates), "added", res.Added, "removed", res.Removed)
	return res, nil
}

func (s *ServerSource) read(ctx context.Context) (*serverFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, errors.NewUpstream("dial server list", err)
	}
	defer conn.Close()

	conn.SetReadLimit(maxResponseSize)
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	var frame serverFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, errors.NewUpstream("read server list", err)
	}
	if frame.Servers == nil {
		return nil, errors.NewUpstream("read server list", fmt.Errorf("frame has no servers field"))
	}
	return &frame, nil
}

// Stats returns cumulative statistics.
func (s *ServerSource) Stats() SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// =============================================================================
// Upstream payload
// =============================================================================

// serverFrame is the server list frame. now is Unix milliseconds.
type serverFrame struct {
	Now     int64            `json:"now"`
	Servers []upstreamServer `json:"servers"`
}

type upstreamServer struct {
	ID           json.Number    `json:"id"`
	Name         string         `json:"name"`
	DisplayIndex int            `json:"display_index"`
	CountryCode  string         `json:"country_code"`
	PublicNote   string         `json:"public_note"`
	LastActive   string         `json:"last_active"`
	Host         *upstreamHost  `json:"host"`
	State        *upstreamState `json:"state"`
}

type upstreamHost struct {
	Platform       string   `json:"platform"`
	CPU            []string `json:"cpu"`
	MemTotal       uint64   `json:"mem_total"`
	SwapTotal      uint64   `json:"swap_total"`
	DiskTotal      uint64   `json:"disk_total"`
	Arch           string   `json:"arch"`
	Virtualization string   `json:"virtualization"`
	BootTime       int64    `json:"boot_time"`
}

type upstreamState struct {
	CPU            float64 `json:"cpu"`
	MemUsed        uint64  `json:"mem_used"`
	SwapUsed       uint64  `json:"swap_used"`
	DiskUsed       uint64  `json:"disk_used"`
	NetInTransfer  uint64  `json:"net_in_transfer"`
	NetOutTransfer uint64  `json:"net_out_transfer"`
	NetInSpeed     uint64  `json:"net_in_speed"`
	NetOutSpeed    uint64  `json:"net_out_speed"`
	Uptime         uint64  `json:"uptime"`
	Load1          float64 `json:"load_1"`
	Load5          float64 `json:"load_5"`
	Load15         float64 `json:"load_15"`
	TCPConnCount   int64   `json:"tcp_conn_count"`
	UDPConnCount   int64   `json:"udp_conn_count"`
	ProcessCount   int64   `json:"process_count"`
}

// updates converts the frame. Snapshots are stamped with the frame's own
// clock when it has one. Servers without an ID are skipped.
func (f *serverFrame) updates(now time.Time) []inventory.Update {
	at := now.UTC()
	if f.Now > 0 {
		at = time.UnixMilli(f.Now).UTC()
	}

	out := make([]inventory.Update, 0, len(f.Servers))
	for _, srv := range f.Servers {
		id := srv.ID.String()
		if id == "" {
			continue
		}

		u := inventory.Update{Server: inventory.Server{
			ID:           id,
			Name:         srv.Name,
			DisplayIndex: srv.DisplayIndex,
			CountryCode:  srv.CountryCode,
			PublicNote:   srv.PublicNote,
			LastActive:   srv.LastActive,
		}}
		if h := srv.Host; h != nil {
			u.Host = &inventory.HostInfo{
				Platform:       h.Platform,
				CPU:            h.CPU,
				MemTotal:       h.MemTotal,
				SwapTotal:      h.SwapTotal,
				DiskTotal:      h.DiskTotal,
				Arch:           h.Arch,
				Virtualization: h.Virtualization,
				BootTime:       h.BootTime,
			}
		}
		if st := srv.State; st != nil {
			u.State = &inventory.ServerState{
				CreatedAt:      at,
				CPU:            st.CPU,
				MemUsed:        st.MemUsed,
				SwapUsed:       st.SwapUsed,
				DiskUsed:       st.DiskUsed,
				NetInTransfer:  st.NetInTransfer,
				NetOutTransfer: st.NetOutTransfer,
				NetInSpeed:     st.NetInSpeed,
				NetOutSpeed:    st.NetOutSpeed,
				Uptime:         st.Uptime,
				Load1:          st.Load1,
				Load5:          st.Load5,
				Load15:         st.Load15,
				TCPConnCount:   st.TCPConnCount,
				UDPConnCount:   st.UDPConnCount,
				ProcessCount:   st.ProcessCount,
			}
		}
		out = append(out, u)
	}
	return out
}
