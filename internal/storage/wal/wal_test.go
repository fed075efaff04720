package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/tcpingd/internal/storage/types"
)

func sampleAt(ts int64, delay float64) types.Sample {
	return types.Sample{ServerID: "1", Monitor: "CT", TimestampMs: ts, Delay: delay, Valid: true}
}

func TestEncodeDecode(t *testing.T) {
	samples := []types.Sample{
		{ServerID: "7", Monitor: "CT-Shanghai", TimestampMs: 1714557601000, Delay: 42.5, Valid: true},
		{ServerID: "7", Monitor: "CU-Beijing", TimestampMs: 1714557602000, Valid: false, Error: "timeout"},
	}

	data, err := encodeSamples(samples)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := decodeSamples(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Errorf("sample %d: expected %+v, got %+v", i, samples[i], decoded[i])
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	data, err := encodeSamples([]types.Sample{sampleAt(1, 1)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := decodeSamples(data[:len(data)-3]); err == nil {
		t.Error("expected error for truncated payload")
	}
	if _, err := decodeSamples([]byte{0xff, 0xff, 0xff, 0x7f}); err == nil {
		t.Error("expected error for absurd sample count")
	}
}

func TestWriter_Rotation(t *testing.T) {
	tmpDir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 256

	w, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	now := time.Now().UnixMilli()
	for i := 0; i < 50; i++ {
		if err := w.Write([]types.Sample{sampleAt(now+int64(i), float64(i))}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	segments, err := ListSegments(tmpDir)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segments) < 2 {
		t.Errorf("expected rotation, got %d segments", len(segments))
	}
	if w.Stats().RecordsWritten != 50 {
		t.Errorf("expected 50 records, got %d", w.Stats().RecordsWritten)
	}
}

func TestReplay(t *testing.T) {
	tmpDir := t.TempDir()
	now := time.Now().UnixMilli()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 512

	w, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 40; i++ {
		if err := w.Write([]types.Sample{sampleAt(now+int64(i), float64(i))}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	w.Close()

	var replayed []types.Sample
	stats, err := Replay(tmpDir, func(_ string, samples []types.Sample) error {
		replayed = append(replayed, samples...)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if len(replayed) != 40 {
		t.Fatalf("expected 40 samples, got %d", len(replayed))
	}
	for i, s := range replayed {
		if s.Delay != float64(i) {
			t.Fatalf("sample %d out of order: %v", i, s.Delay)
		}
	}
	if stats.CorruptRecords != 0 {
		t.Errorf("expected no corrupt records, got %d", stats.CorruptRecords)
	}
}

func TestReplay_TruncatedTail(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := w.Write([]types.Sample{sampleAt(int64(i+1), 1)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	path := w.CurrentSegment()
	w.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-5); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	samples, stats, err := ReadSegment(path)
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(samples) != 2 {
		t.Errorf("expected 2 intact samples, got %d", len(samples))
	}
	if stats.CorruptRecords != 1 {
		t.Errorf("expected 1 corrupt record, got %d", stats.CorruptRecords)
	}
}

func TestWriter_DeleteOlderThan(t *testing.T) {
	tmpDir := t.TempDir()

	opts := DefaultOptions()
	opts.MaxSegmentSize = 128

	w, err := NewWriter(tmpDir, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	for i := 0; i < 20; i++ {
		if err := w.Write([]types.Sample{sampleAt(int64(1000*(i+1)), 1)}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	before, _ := ListSegments(tmpDir)
	deleted, err := w.DeleteOlderThan(10_500)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted == 0 {
		t.Fatal("expected some segments deleted")
	}

	after, _ := ListSegments(tmpDir)
	if len(after) != len(before)-deleted {
		t.Errorf("expected %d segments, got %d", len(before)-deleted, len(after))
	}

	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	var kept []types.Sample
	if _, err := Replay(tmpDir, func(_ string, s []types.Sample) error {
		kept = append(kept, s...)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	// Every sample at or after the cutoff must survive.
	survivors := 0
	for _, s := range kept {
		if s.TimestampMs >= 10_500 {
			survivors++
		}
	}
	if survivors != 10 {
		t.Errorf("expected 10 samples at or after cutoff, got %d", survivors)
	}
}

func TestWriter_ReopenStartsNewSegment(t *testing.T) {
	tmpDir := t.TempDir()

	w, err := NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write([]types.Sample{sampleAt(1, 1)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Close()

	w, err = NewWriter(tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter after restart: %v", err)
	}
	defer w.Close()

	segments, _ := ListSegments(tmpDir)
	if len(segments) != 2 {
		t.Errorf("expected 2 segments after restart, got %d", len(segments))
	}
	if filepath.Base(w.CurrentSegment()) != segmentName(1) {
		t.Errorf("unexpected current segment %s", w.CurrentSegment())
	}
}

func TestReader_InvalidFile(t *testing.T) {
	invalidPath := filepath.Join(t.TempDir(), "0000000000000000.wal")
	if err := os.WriteFile(invalidPath, []byte("invalid content"), 0o644); err != nil {
		t.Fatalf("write invalid file: %v", err)
	}

	if _, err := NewReader(invalidPath); err == nil {
		t.Error("expected error for invalid file")
	}
}

func BenchmarkWriter_Write(b *testing.B) {
	w, err := NewWriter(b.TempDir(), DefaultOptions())
	if err != nil {
		b.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	now := time.Now().UnixMilli()
	samples := make([]types.Sample, 100)
	for i := range samples {
		samples[i] = sampleAt(now+int64(i), float64(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := w.Write(samples); err != nil {
			b.Fatalf("Write: %v", err)
		}
	}
}
