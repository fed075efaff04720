package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentFollowsInit(t *testing.T) {
	log := Component("early")

	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, true)
	t.Cleanup(func() { Init(slog.LevelInfo, false) })

	log.Info("hello", "n", 1)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["component"] != "early" || rec["msg"] != "hello" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelWarn, false)
	t.Cleanup(func() { Init(slog.LevelInfo, false) })

	Component("x").Info("dropped")
	Component("x").Warn("kept")

	if strings.Contains(buf.String(), "dropped") {
		t.Error("info record should be filtered")
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Error("warn record missing")
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, slog.LevelInfo, false)
	t.Cleanup(func() { Init(slog.LevelInfo, false) })

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithServerID(ctx, "7")
	WithContext(ctx).Info("query")

	out := buf.String()
	for _, want := range []string{"request_id=req-1", "server_id=7"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s in %q", want, out)
		}
	}

	if id, ok := RequestID(ctx); !ok || id != "req-1" {
		t.Errorf("RequestID = %q, %v", id, ok)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
