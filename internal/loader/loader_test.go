package loader

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/tcpingd/internal/constants"
	"github.com/xtxerr/tcpingd/internal/inventory"
	storageconfig "github.com/xtxerr/tcpingd/internal/storage/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const sampleConfig = `
server:
  http_listen: "127.0.0.1:9090"
  ingest:
    listen: ":9400"
    tokens: ["${TCPINGD_TEST_TOKEN}"]
    max_message_size: 4MB
query:
  default_window: 12h
  max_span: 30d
  backfill: false
collector:
  enabled: true
  base_url: https://status.example.com
  interval: 45
kafka:
  enabled: true
  brokers: ["localhost:9092"]
  topics: ["latency"]
storage:
  backend: memory
  data_dir: /tmp/tcpingd
  retention:
    samples: 3d
servers:
  - id: "1"
    name: tokyo
    display_index: 2
  - id: "2"
    name: paris
probes:
  snmp:
    community: public
  targets:
    - server_id: "1"
      monitor: local-tcp
      type: tcp
      address: 127.0.0.1:22
      interval: 10s
    - server_id: "2"
      monitor: core-snmp
      type: snmp
      address: 10.0.0.1
      snmp:
        oid: 1.3.6.1.2.1.1.5.0
`

func TestLoad(t *testing.T) {
	t.Setenv("TCPINGD_TEST_TOKEN", "s3cret")

	path := filepath.Join(t.TempDir(), "tcpingd.yaml")
	writeFile(t, path, sampleConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.HTTPListen != "127.0.0.1:9090" {
		t.Errorf("http_listen = %q", cfg.Server.HTTPListen)
	}
	if got := cfg.Server.Ingest.Tokens; len(got) != 1 || got[0] != "s3cret" {
		t.Errorf("env not expanded: %v", got)
	}
	if cfg.Server.Ingest.MaxMessageSize.Bytes() != 4<<20 {
		t.Errorf("max_message_size = %d", cfg.Server.Ingest.MaxMessageSize)
	}
	if cfg.Collector.Interval.Duration() != 45*time.Second {
		t.Errorf("integer seconds not parsed: %v", cfg.Collector.Interval.Duration())
	}
	if len(cfg.Servers) != 2 || cfg.Servers[0].DisplayIndex != 2 {
		t.Errorf("servers = %+v", cfg.Servers)
	}

	// Untouched sections keep their defaults.
	def := DefaultConfig()
	if cfg.Query.MaxRows != def.Query.MaxRows || cfg.Probes.Workers != def.Probes.Workers {
		t.Error("defaults lost for omitted fields")
	}

	opts := ToQueryOptions(&cfg.Query)
	if opts.DefaultWindow != 12*time.Hour || opts.MaxSpan != 30*24*time.Hour || opts.Backfill {
		t.Errorf("query options = %+v", opts)
	}

	sc := ToStorageConfig(&cfg.Storage)
	if sc.Backend != storageconfig.BackendMemory || sc.Retention.Samples != 72*time.Hour {
		t.Errorf("storage config = %+v", sc)
	}

	targets := ProbeTargets(cfg)
	if len(targets) != 2 {
		t.Fatalf("expected 2 probe targets, got %d", len(targets))
	}
	snmp := targets[1].SNMP
	if snmp.Community != "public" || snmp.OID != "1.3.6.1.2.1.1.5.0" || snmp.Version != constants.SNMPv2c {
		t.Errorf("snmp defaults not merged: %+v", snmp)
	}
	if targets[0].Interval != 10*time.Second {
		t.Errorf("tcp interval = %v", targets[0].Interval)
	}
}

func TestDefaultStorageRoundTrip(t *testing.T) {
	got := ToStorageConfig(&DefaultConfig().Storage)
	want := storageconfig.DefaultConfig()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("default storage config changed in conversion:\n got %+v\nwant %+v", got, want)
	}
}

func TestLoad_Includes(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "conf.d"), 0o755); err != nil {
		t.Fatal(err)
	}

	writeFile(t, filepath.Join(dir, "main.yaml"), `
servers:
  - id: "1"
include:
  - conf.d/*.yaml
`)
	writeFile(t, filepath.Join(dir, "conf.d", "eu.yaml"), `
servers:
  - id: "2"
    name: paris
probes:
  targets:
    - server_id: "2"
      monitor: web
      type: tcp
      address: example.com:443
`)

	cfg, err := Load(filepath.Join(dir, "main.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Servers) != 2 || cfg.Servers[1].Name != "paris" {
		t.Errorf("include servers not merged: %+v", cfg.Servers)
	}
	if len(cfg.Probes.Targets) != 1 {
		t.Errorf("include probes not merged: %+v", cfg.Probes.Targets)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "query:\n  timeout: [1, 2]\n")
	if _, err := Load(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mod     func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad listen", func(c *Config) { c.Server.HTTPListen = "nope" }, "server.http_listen"},
		{"half tls", func(c *Config) {
			c.Server.Ingest.Listen = ":9400"
			c.Server.Ingest.TLS.CertFile = "cert.pem"
		}, "server.ingest.tls"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"max span", func(c *Config) { c.Query.MaxSpan = Duration(time.Hour) }, "query.max_span"},
		{"collector url", func(c *Config) {
			c.Collector.Enabled = true
			c.Collector.BaseURL = "ftp://x"
		}, "collector.base_url"},
		{"server sync interval", func(c *Config) {
			c.Collector.Enabled = true
			c.Collector.BaseURL = "https://status.example.com"
			c.Collector.SyncServers = true
			c.Collector.ServerSyncInterval = 0
		}, "collector.server_sync_interval"},
		{"kafka brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Topics = []string{"t"}
		}, "kafka.brokers"},
		{"storage backend", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage"},
		{"duplicate server", func(c *Config) {
			c.Servers = append(c.Servers, c.Servers[0])
		}, "duplicate server"},
		{"bad server id", func(c *Config) { c.Servers[0].ID = "a/b" }, "servers[0].id"},
		{"probe unknown server", func(c *Config) {
			c.Probes.Targets = []ProbeTarget{{ServerID: "9", Monitor: "m", Type: "tcp", Address: "a:1"}}
		}, "unknown server"},
		{"probe invalid", func(c *Config) {
			c.Probes.Targets = []ProbeTarget{{ServerID: "1", Monitor: "m", Type: "icmp", Address: "a:1"}}
		}, "type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Servers = []inventory.Server{{ID: "1", Name: "tokyo"}}
			tt.mod(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"512", 512, false},
		{"100B", 100, false},
		{"4KB", 4 << 10, false},
		{"64MB", 64 << 20, false},
		{"1gb", 1 << 30, false},
		{"2 TB", 2 << 40, false},
		{"lots", 0, true},
		{"1.5GB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseByteSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"90", 90 * time.Second, false},
		{"xd", 0, true},
		{"soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tcpingd.yaml")
	writeFile(t, path, "servers:\n  - id: \"1\"\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watcher a moment to start receiving events.
	time.Sleep(50 * time.Millisecond)

	// An invalid edit is rejected and not delivered.
	writeFile(t, path, "servers:\n  - id: \"a/b\"\n")
	time.Sleep(100 * time.Millisecond)
	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config delivered: %+v", cfg.Servers)
	default:
	}

	writeFile(t, path, "servers:\n  - id: \"1\"\n  - id: \"2\"\n")

	select {
	case cfg := <-reloaded:
		if len(cfg.Servers) != 2 {
			t.Errorf("expected 2 servers after reload, got %d", len(cfg.Servers))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after edit")
	}

	if st := w.Stats(); st.Reloads < 1 || st.Failed < 1 {
		t.Errorf("unexpected watcher stats %+v", st)
	}
}
