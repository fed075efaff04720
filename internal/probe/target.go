package probe

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/xtxerr/tcpingd/internal/constants"
	"github.com/xtxerr/tcpingd/internal/errors"
)

// Key identifies one probe: the server it reports for and the monitor name
// its samples carry.
type Key struct {
	ServerID string
	Monitor  string
}

// String returns "server/monitor".
func (k Key) String() string {
	return k.ServerID + "/" + k.Monitor
}

// ParseKey parses "server/monitor". Server IDs cannot contain a slash;
// monitor names can.
func ParseKey(s string) (Key, error) {
	server, monitor, ok := strings.Cut(s, "/")
	if !ok || server == "" || monitor == "" {
		return Key{}, fmt.Errorf("invalid probe key %q: expected server/monitor", s)
	}
	return Key{ServerID: server, Monitor: monitor}, nil
}

// Target is one configured probe.
type Target struct {
	ServerID string
	Monitor  string
	Type     string

	// Address is host:port for tcp probes. SNMP probes accept a bare host
	// and default to port 161.
	Address string

	Interval time.Duration
	Timeout  time.Duration

	SNMP SNMPConfig
}

// SNMPConfig holds the SNMP settings of a target.
type SNMPConfig struct {
	Version   string
	Community string
	OID       string
	Retries   int

	// v3
	SecurityName  string
	SecurityLevel string
	AuthProtocol  string
	AuthPassword  string
	PrivProtocol  string
	PrivPassword  string
	ContextName   string
}

// Key returns the target's key.
func (t Target) Key() Key {
	return Key{ServerID: t.ServerID, Monitor: t.Monitor}
}

// Validate checks a target. Zero intervals and timeouts are allowed and
// replaced by defaults when the target is scheduled.
func (t Target) Validate() error {
	v := errors.NewValidationErrors()

	if t.ServerID == "" {
		v.AddMissing("server_id")
	} else if strings.Contains(t.ServerID, "/") {
		v.AddField("server_id", "must not contain '/'")
	}
	if t.Monitor == "" {
		v.AddMissing("monitor")
	}
	if !constants.IsValidProbeType(t.Type) {
		v.Add(errors.NewInvalidValue("type", t.Type, "must be tcp or snmp"))
	}
	if t.Address == "" {
		v.AddMissing("address")
	} else if t.Type == constants.ProbeTypeTCP {
		if _, _, err := net.SplitHostPort(t.Address); err != nil {
			v.AddField("address", "tcp probes need host:port")
		}
	}
	if t.Interval < 0 {
		v.AddField("interval", "must not be negative")
	}
	if t.Timeout < 0 {
		v.AddField("timeout", "must not be negative")
	}
	if t.Interval > 0 && t.Timeout > t.Interval {
		v.AddField("timeout", "must not exceed interval")
	}

	if t.Type == constants.ProbeTypeSNMP {
		version := t.SNMP.Version
		if version == "" {
			version = constants.SNMPv2c
		}
		if !constants.IsValidSNMPVersion(version) {
			v.Add(errors.NewInvalidValue("snmp.version", version, "must be 1, 2c or 3"))
		}
		if version == constants.SNMPv3 && t.SNMP.SecurityName == "" {
			v.AddMissing("snmp.security_name")
		}
		if version != constants.SNMPv3 && t.SNMP.Community == "" {
			v.AddMissing("snmp.community")
		}
	}

	if err := v.Err(); err != nil {
		return fmt.Errorf("probe %s: %w", t.Key(), err)
	}
	return nil
}
