// Package constants holds the domain names shared by config validation,
// the probe scheduler and the CLI.
package constants

import "slices"

// =============================================================================
// Probe Types
// =============================================================================

const (
	// ProbeTypeTCP measures the time to complete a TCP handshake.
	ProbeTypeTCP = "tcp"

	// ProbeTypeSNMP measures the round trip of an SNMP GET.
	ProbeTypeSNMP = "snmp"
)

// ValidProbeTypes contains all valid probe types.
var ValidProbeTypes = []string{ProbeTypeTCP, ProbeTypeSNMP}

// IsValidProbeType checks if a probe type is known.
func IsValidProbeType(t string) bool {
	return slices.Contains(ValidProbeTypes, t)
}

// =============================================================================
// SNMP Versions
// =============================================================================

const (
	SNMPv1  = "1"
	SNMPv2c = "2c"
	SNMPv3  = "3"
)

// ValidSNMPVersions contains the supported SNMP versions.
var ValidSNMPVersions = []string{SNMPv1, SNMPv2c, SNMPv3}

// IsValidSNMPVersion checks if an SNMP version is supported.
func IsValidSNMPVersion(v string) bool {
	return slices.Contains(ValidSNMPVersions, v)
}

// =============================================================================
// Log Formats
// =============================================================================

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// IsValidLogFormat checks if a log format is known.
func IsValidLogFormat(f string) bool {
	return f == LogFormatText || f == LogFormatJSON
}

// =============================================================================
// Kafka Payload Encodings
// =============================================================================

const (
	// EncodingSample is one JSON sample per record.
	EncodingSample = "sample"

	// EncodingBatch is one JSON {"samples": [...]} batch per record.
	EncodingBatch = "batch"
)

// IsValidEncoding checks if a Kafka payload encoding is known.
func IsValidEncoding(e string) bool {
	return e == EncodingSample || e == EncodingBatch
}
