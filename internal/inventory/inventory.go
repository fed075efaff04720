// Package inventory tracks which servers exist and which monitors each
// server has produced samples for.
//
// Servers come from configuration, from the upstream server list and, when
// auto-registration is on, from ingestion: the first sample of an unknown
// server creates it. Configured metadata wins over upstream metadata.
// Monitors are always learned from ingestion, or seeded from the store at
// startup.
//
// Upstream syncs also carry host facts and a load snapshot. The latest
// snapshot is part of the server listing; older ones are kept in memory
// for StateRetention.
package inventory

import (
	"cmp"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/tcpingd/internal/errors"
	"github.com/xtxerr/tcpingd/internal/logging"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

var log = logging.Component("inventory")

// Server describes one monitored server.
type Server struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	DisplayIndex int      `json:"display_index" yaml:"display_index"`
	CountryCode  string   `json:"country_code,omitempty" yaml:"country_code"`
	PublicNote   string   `json:"public_note,omitempty" yaml:"public_note"`
	LastActive   string   `json:"last_active,omitempty" yaml:"-"`
	Monitors     []string `json:"monitors" yaml:"-"`

	Host  *HostInfo    `json:"host,omitempty" yaml:"-"`
	State *ServerState `json:"state,omitempty" yaml:"-"`

	// Configured is false for servers that were only discovered or synced.
	Configured bool `json:"configured" yaml:"-"`

	// Synced is true while the server is in the upstream server list.
	Synced bool `json:"synced" yaml:"-"`
}

// HostInfo holds static host facts reported upstream.
type HostInfo struct {
	Platform       string   `json:"platform,omitempty"`
	CPU            []string `json:"cpu,omitempty"`
	MemTotal       uint64   `json:"mem_total"`
	SwapTotal      uint64   `json:"swap_total"`
	DiskTotal      uint64   `json:"disk_total"`
	Arch           string   `json:"arch,omitempty"`
	Virtualization string   `json:"virtualization,omitempty"`
	BootTime       int64    `json:"boot_time"`
}

// ServerState is one load snapshot of a server.
type ServerState struct {
	CreatedAt      time.Time `json:"created_at"`
	CPU            float64   `json:"cpu_usage"`
	MemUsed        uint64    `json:"mem_used"`
	SwapUsed       uint64    `json:"swap_used"`
	DiskUsed       uint64    `json:"disk_used"`
	NetInTransfer  uint64    `json:"net_in_transfer"`
	NetOutTransfer uint64    `json:"net_out_transfer"`
	NetInSpeed     uint64    `json:"net_in_speed"`
	NetOutSpeed    uint64    `json:"net_out_speed"`
	Uptime         uint64    `json:"uptime"`
	Load1          float64   `json:"load_1"`
	Load5          float64   `json:"load_5"`
	Load15         float64   `json:"load_15"`
	TCPConnCount   int64     `json:"tcp_conn_count"`
	UDPConnCount   int64     `json:"udp_conn_count"`
	ProcessCount   int64     `json:"process_count"`
}

// Update is one server as reported by the upstream server list.
type Update struct {
	Server Server
	Host   *HostInfo
	State  *ServerState
}

// SyncResult counts what a Sync changed.
type SyncResult struct {
	Added   int
	Updated int
	Removed int
}

const (
	// StateRetention is how long load snapshots are kept.
	StateRetention = 24 * time.Hour

	// maxStates bounds the snapshots kept per server.
	maxStates = 2048
)

// Resolver maps a server to the monitors it has.
type Resolver interface {
	Monitors(serverID string) ([]types.MonitorKey, error)
}

type entry struct {
	id       string
	config   *Server
	upstream *Server
	host     *HostInfo
	states   []ServerState // Oldest first
	monitors map[string]struct{}
}

func newEntry(id string) *entry {
	return &entry{id: id, monitors: make(map[string]struct{})}
}

// orphan reports whether nothing keeps the entry alive.
func (e *entry) orphan() bool {
	return e.config == nil && e.upstream == nil && len(e.monitors) == 0
}

// Registry is the in-memory inventory. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	servers      map[string]*entry
	autoRegister bool
}

// New creates an empty registry.
func New(autoRegister bool) *Registry {
	return &Registry{
		servers:      make(map[string]*entry),
		autoRegister: autoRegister,
	}
}

// Replace installs the configured server list. Discovered and synced
// servers and all known monitors are kept; a configured server missing
// from the new list stays only if it is synced or has monitors.
func (r *Registry) Replace(servers []Server) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(servers))
	for _, s := range servers {
		seen[s.ID] = true

		e, ok := r.servers[s.ID]
		if !ok {
			e = newEntry(s.ID)
			r.servers[s.ID] = e
		}
		s.Monitors = nil
		e.config = &s
	}

	for id, e := range r.servers {
		if seen[id] {
			continue
		}
		e.config = nil
		if e.orphan() {
			delete(r.servers, id)
		}
	}

	log.Info("inventory updated", "configured", len(servers), "total", len(r.servers))
}

// Sync installs the upstream server list. Servers absent from updates lose
// their upstream metadata and are dropped when nothing else keeps them.
// Every update with a state appends it to the server's history.
func (r *Registry) Sync(updates []Update) SyncResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res SyncResult
	seen := make(map[string]bool, len(updates))
	for _, u := range updates {
		id := u.Server.ID
		if id == "" {
			continue
		}
		seen[id] = true

		e, ok := r.servers[id]
		switch {
		case !ok:
			e = newEntry(id)
			r.servers[id] = e
			res.Added++
		case e.upstream == nil:
			res.Added++
		default:
			res.Updated++
		}

		srv := u.Server
		srv.Monitors = nil
		e.upstream = &srv
		if u.Host != nil {
			h := *u.Host
			e.host = &h
		}
		if u.State != nil {
			e.addState(*u.State)
		}
	}

	for id, e := range r.servers {
		if seen[id] || e.upstream == nil {
			continue
		}
		e.upstream = nil
		e.host = nil
		e.states = nil
		res.Removed++
		if e.orphan() {
			delete(r.servers, id)
		}
	}

	log.Info("upstream servers synced", "added", res.Added, "updated", res.Updated, "removed", res.Removed)
	return res
}

func (e *entry) addState(st ServerState) {
	if n := len(e.states); n > 0 && !st.CreatedAt.After(e.states[n-1].CreatedAt) {
		return
	}
	e.states = append(e.states, st)

	cutoff := st.CreatedAt.Add(-StateRetention)
	drop := sort.Search(len(e.states), func(i int) bool {
		return e.states[i].CreatedAt.After(cutoff)
	})
	if over := len(e.states) - drop - maxStates; over > 0 {
		drop += over
	}
	if drop > 0 {
		e.states = slices.Delete(e.states, 0, drop)
	}
}

// States returns the load snapshots of serverID taken at or after since,
// oldest first. Unknown servers yield ErrNotFound.
func (r *Registry) States(serverID string, since time.Time) ([]ServerState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.servers[serverID]
	if !ok {
		return nil, errors.NewNotFound("server", serverID)
	}
	i := sort.Search(len(e.states), func(i int) bool {
		return !e.states[i].CreatedAt.Before(since)
	})
	return slices.Clone(e.states[i:]), nil
}

// Register records that serverID has a monitor. Returns false when the
// server is unknown and auto-registration is off.
func (r *Registry) Register(serverID, monitor string) bool {
	r.mu.RLock()
	e, ok := r.servers[serverID]
	if ok {
		_, known := e.monitors[monitor]
		r.mu.RUnlock()
		if known {
			return true
		}
	} else {
		r.mu.RUnlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok = r.servers[serverID]
	if !ok {
		if !r.autoRegister {
			return false
		}
		e = newEntry(serverID)
		r.servers[serverID] = e
		log.Info("server discovered", "server_id", serverID)
	}

	if _, ok := e.monitors[monitor]; !ok {
		e.monitors[monitor] = struct{}{}
		log.Debug("monitor registered", "server_id", serverID, "monitor", monitor)
	}
	return true
}

// Seed registers monitors already present in the store.
func (r *Registry) Seed(keys []types.MonitorKey) {
	for _, k := range keys {
		r.Register(k.ServerID, k.Monitor)
	}
}

// Known reports whether serverID is in the inventory.
func (r *Registry) Known(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.servers[serverID]
	return ok
}

// Monitors returns the monitors of serverID sorted by name.
// Unknown servers yield ErrNotFound; a known server may have none.
func (r *Registry) Monitors(serverID string) ([]types.MonitorKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.servers[serverID]
	if !ok {
		return nil, errors.NewNotFound("server", serverID)
	}

	keys := make([]types.MonitorKey, 0, len(e.monitors))
	for m := range e.monitors {
		keys = append(keys, types.MonitorKey{ServerID: serverID, Monitor: m})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Monitor < keys[j].Monitor })
	return keys, nil
}

// Get returns one server.
func (r *Registry) Get(serverID string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.servers[serverID]
	if !ok {
		return Server{}, false
	}
	return e.snapshot(), true
}

// Servers lists every server ordered by display index, then ID.
func (r *Registry) Servers() []Server {
	r.mu.RLock()
	out := make([]Server, 0, len(r.servers))
	for _, e := range r.servers {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayIndex != out[j].DisplayIndex {
			return out[i].DisplayIndex < out[j].DisplayIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ServerIDs returns the IDs of configured and synced servers, sorted.
func (r *Registry) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.servers))
	for id, e := range r.servers {
		if e.config != nil || e.upstream != nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

func (e *entry) snapshot() Server {
	var s Server
	switch {
	case e.config != nil:
		s = *e.config
		if e.upstream != nil {
			s.CountryCode = cmp.Or(s.CountryCode, e.upstream.CountryCode)
			s.PublicNote = cmp.Or(s.PublicNote, e.upstream.PublicNote)
			s.LastActive = e.upstream.LastActive
		}
	case e.upstream != nil:
		s = *e.upstream
	default:
		s = Server{ID: e.id, Name: e.id}
	}
	s.ID = e.id
	if s.Name == "" {
		s.Name = e.id
	}
	s.Configured = e.config != nil
	s.Synced = e.upstream != nil

	if e.host != nil {
		h := *e.host
		h.CPU = slices.Clone(h.CPU)
		s.Host = &h
	}
	if n := len(e.states); n > 0 {
		st := e.states[n-1]
		s.State = &st
	}

	s.Monitors = make([]string, 0, len(e.monitors))
	for m := range e.monitors {
		s.Monitors = append(s.Monitors, m)
	}
	slices.Sort(s.Monitors)
	return s
}
