package types

import (
	"math"
	"time"

	"github.com/xtxerr/tcpingd/internal/validation"
)

// MonitorKey identifies one latency series: a named monitor of a server.
type MonitorKey struct {
	ServerID string
	Monitor  string
}

// String returns "server/monitor".
func (k MonitorKey) String() string {
	return k.ServerID + "/" + k.Monitor
}

// Sample is a single delay observation.
// This is the primary data unit flowing through the storage system.
type Sample struct {
	// Identity
	ServerID string // Monitored server (e.g., "7")
	Monitor  string // Monitor name (e.g., "CT-Shanghai")

	// Timestamp
	TimestampMs int64 // Unix timestamp in milliseconds

	// Delay in milliseconds. Only meaningful when Valid is true.
	Delay float64

	// Validity
	Valid bool   // False for a failed probe or a null upstream delay
	Error string // Error message if invalid
}

// TimestampTime returns the timestamp as a time.Time.
func (s *Sample) TimestampTime() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// Key returns the series this sample belongs to.
func (s *Sample) Key() MonitorKey {
	return MonitorKey{ServerID: s.ServerID, Monitor: s.Monitor}
}

// Check reports why a sample cannot be stored, or "" if it can.
func (s *Sample) Check() string {
	switch {
	case s.ServerID == "":
		return "empty server id"
	case s.Monitor == "":
		return "empty monitor"
	case s.TimestampMs <= 0:
		return "non-positive timestamp"
	case s.Valid && (math.IsNaN(s.Delay) || math.IsInf(s.Delay, 0)):
		return "non-finite delay"
	case s.Valid && s.Delay < 0:
		return "negative delay"
	}
	if err := validation.ValidateServerID(s.ServerID); err != nil {
		return err.Error()
	}
	if err := validation.ValidateMonitorName(s.Monitor); err != nil {
		return err.Error()
	}
	return ""
}
