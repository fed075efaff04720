package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// Record payload (binary, little-endian):
// - Sample count (4 bytes)
// - Per sample:
//   - ServerID length (2 bytes) + ServerID
//   - Monitor length (2 bytes) + Monitor
//   - TimestampMs (8 bytes)
//   - Delay (8 bytes, float64)
//   - Valid (1 byte)
//   - Error length (2 bytes) + Error

// encodeSamples encodes a slice of samples into one record payload.
func encodeSamples(samples []types.Sample) ([]byte, error) {
	if len(samples) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, 4+len(samples)*48)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(samples)))

	for i := range samples {
		s := &samples[i]
		if len(s.ServerID) > math.MaxUint16 || len(s.Monitor) > math.MaxUint16 {
			return nil, fmt.Errorf("sample %d: identifier too long", i)
		}

		buf = appendString(buf, s.ServerID)
		buf = appendString(buf, s.Monitor)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(s.TimestampMs))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(s.Delay))
		if s.Valid {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}

		errText := s.Error
		if len(errText) > math.MaxUint16 {
			errText = errText[:math.MaxUint16]
		}
		buf = appendString(buf, errText)
	}

	return buf, nil
}

// decodeSamples decodes one record payload.
func decodeSamples(data []byte) ([]types.Sample, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("data too short for sample count")
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	if count == 0 {
		return nil, nil
	}
	// Smallest possible encoded sample is 23 bytes.
	if count > (len(data)-4)/23 {
		return nil, fmt.Errorf("sample count %d exceeds payload", count)
	}

	samples := make([]types.Sample, count)
	offset := 4

	for i := 0; i < count; i++ {
		var s types.Sample
		var err error

		s.ServerID, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("sample %d server: %w", i, err)
		}

		s.Monitor, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("sample %d monitor: %w", i, err)
		}

		if offset+17 > len(data) {
			return nil, fmt.Errorf("sample %d: data too short for fixed fields", i)
		}
		s.TimestampMs = int64(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		s.Delay = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		s.Valid = data[offset] == 1
		offset++

		s.Error, offset, err = readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("sample %d error: %w", i, err)
		}

		samples[i] = s
	}

	return samples, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	return string(data[offset : offset+length]), offset + length, nil
}
