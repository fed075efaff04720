package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// Reader reads sample batches from one segment file.
type Reader struct {
	path string
	file *os.File
	r    *bufio.Reader

	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	SamplesRead    int64
	BytesRead      int64
	CorruptRecords int64
}

// NewReader opens a segment and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", uint64(walMagic), magic)
	}

	if version := binary.LittleEndian.Uint32(header[8:12]); version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{path: path, file: f, r: bufio.NewReader(f)}, nil
}

// ReadRecord reads the next record. Returns io.EOF at a clean end of file.
// A truncated tail (a crash mid-write) is reported as io.ErrUnexpectedEOF.
func (r *Reader) ReadRecord() ([]types.Sample, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length > maxRecordSize {
		return nil, fmt.Errorf("record too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
		return nil, fmt.Errorf("CRC mismatch: expected %x, got %x", expectedCRC, actual)
	}

	samples, err := decodeSamples(payload)
	if err != nil {
		return nil, fmt.Errorf("decode samples: %w", err)
	}

	r.stats.RecordsRead++
	r.stats.SamplesRead += int64(len(samples))
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))

	return samples, nil
}

// ReadAll reads every intact record. Reading stops at the first corrupt or
// truncated record; everything after it in the segment is unreachable
// because record boundaries are no longer known.
func (r *Reader) ReadAll() ([]types.Sample, error) {
	var all []types.Sample

	for {
		samples, err := r.ReadRecord()
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			r.stats.CorruptRecords++
			return all, nil
		}
		all = append(all, samples...)
	}
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// ReadSegment reads all intact samples from a segment file.
func ReadSegment(path string) ([]types.Sample, ReaderStats, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, ReaderStats{}, err
	}
	defer r.Close()

	samples, err := r.ReadAll()
	return samples, r.Stats(), err
}

// Replay calls fn with the samples of every segment in dir, oldest first.
// Segments with an unreadable header are skipped and counted as corrupt.
func Replay(dir string, fn func(path string, samples []types.Sample) error) (ReaderStats, error) {
	var total ReaderStats

	paths, err := ListSegments(dir)
	if err != nil {
		return total, err
	}

	for _, path := range paths {
		samples, stats, err := ReadSegment(path)
		if err != nil {
			total.CorruptRecords++
			continue
		}
		total.RecordsRead += stats.RecordsRead
		total.SamplesRead += stats.SamplesRead
		total.BytesRead += stats.BytesRead
		total.CorruptRecords += stats.CorruptRecords

		if err := fn(path, samples); err != nil {
			return total, fmt.Errorf("replay %s: %w", path, err)
		}
	}

	return total, nil
}
