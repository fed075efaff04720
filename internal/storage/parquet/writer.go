package parquet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("parquet writer closed")

// Options configures the Parquet writer.
type Options struct {
	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// SampleRow is a sample in Parquet format.
// Invalid samples have a null delay.
type SampleRow struct {
	ServerID    string   `parquet:"server_id,dict"`
	Monitor     string   `parquet:"monitor,dict"`
	TimestampMs int64    `parquet:"timestamp_ms"`
	Delay       *float64 `parquet:"delay,optional"`
	Valid       bool     `parquet:"valid"`
	Error       *string  `parquet:"error,optional"`
}

// SampleToRow converts a Sample to a SampleRow.
func SampleToRow(s *types.Sample) SampleRow {
	row := SampleRow{
		ServerID:    s.ServerID,
		Monitor:     s.Monitor,
		TimestampMs: s.TimestampMs,
		Valid:       s.Valid,
	}
	if s.Valid {
		d := s.Delay
		row.Delay = &d
	}
	if s.Error != "" {
		e := s.Error
		row.Error = &e
	}
	return row
}

// RowToSample converts a SampleRow to a Sample.
func RowToSample(r *SampleRow) types.Sample {
	s := types.Sample{
		ServerID:    r.ServerID,
		Monitor:     r.Monitor,
		TimestampMs: r.TimestampMs,
		Valid:       r.Valid && r.Delay != nil,
	}
	if r.Delay != nil {
		s.Delay = *r.Delay
	}
	if r.Error != nil {
		s.Error = *r.Error
	}
	return s
}

// SampleWriter writes samples to a Parquet file. Rows go to a temporary
// file that is renamed into place on Close, so readers never see a
// partial file.
type SampleWriter struct {
	mu       sync.Mutex
	path     string
	tmpPath  string
	file     *os.File
	writer   *parquet.GenericWriter[SampleRow]
	rowCount int64
	closed   bool
}

// NewSampleWriter creates a new sample Parquet writer.
func NewSampleWriter(path string, opts Options) (*SampleWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[SampleRow](f,
		parquet.Compression(getCompression(opts.Compression)),
	)

	return &SampleWriter{
		path:    path,
		tmpPath: tmpPath,
		file:    f,
		writer:  writer,
	}, nil
}

// Write writes samples to the Parquet file.
func (w *SampleWriter) Write(samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]SampleRow, len(samples))
	for i := range samples {
		rows[i] = SampleToRow(&samples[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close finishes the file and moves it into place.
func (w *SampleWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		os.Remove(w.tmpPath)
		return fmt.Errorf("sync file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("close file: %w", err)
	}

	return os.Rename(w.tmpPath, w.path)
}

// Abort discards the file.
func (w *SampleWriter) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.closed = true
	w.file.Close()
	os.Remove(w.tmpPath)
}

// RowCount returns the number of rows written.
func (w *SampleWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the final file path.
func (w *SampleWriter) Path() string {
	return w.path
}

// WriteFile writes samples to path in one go.
func WriteFile(path string, samples []types.Sample, opts Options) error {
	w, err := NewSampleWriter(path, opts)
	if err != nil {
		return err
	}
	if err := w.Write(samples); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}
