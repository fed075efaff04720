// Package logging provides structured logging for tcpingd.
//
// It wraps log/slog so that every component logs with the same handler,
// level and format. Component loggers are usually created at package init,
// before main has parsed flags, so they write through a handler that can be
// swapped later by Init.
//
// Usage:
//
//	logging.Init(slog.LevelInfo, false) // text
//	logging.Init(slog.LevelDebug, true) // JSON
//
//	var log = logging.Component("collector")
//	log.Info("fetch complete", "server_id", id, "samples", n)
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// root receives every record and forwards it to the current handler.
var root = &swapHandler{}

// Logger is the global logger instance.
var Logger = slog.New(root)

func init() {
	root.set(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Init installs a handler with the given level and format.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		InitWithHandler(slog.NewJSONHandler(w, opts))
	} else {
		InitWithHandler(slog.NewTextHandler(w, opts))
	}
}

// InitWithHandler installs a custom handler. Useful in tests.
func InitWithHandler(handler slog.Handler) {
	root.set(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts "debug", "info", "warn" or "error" to a level.
// Unknown names map to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// Component returns a logger tagged with component=name.
func Component(name string) *slog.Logger {
	return Logger.With("component", name)
}

// WithContext returns a logger carrying the request-scoped values in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Logger

	if requestID, ok := RequestID(ctx); ok {
		logger = logger.With("request_id", requestID)
	}
	if serverID, ok := ctx.Value(contextKeyServerID).(string); ok {
		logger = logger.With("server_id", serverID)
	}
	if source, ok := ctx.Value(contextKeySource).(string); ok {
		logger = logger.With("source", source)
	}

	return logger
}

type contextKey int

const (
	contextKeyRequestID contextKey = iota
	contextKeyServerID
	contextKeySource
)

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// RequestID returns the request ID stored in ctx.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKeyRequestID).(string)
	return id, ok
}

// ContextWithServerID adds the queried or ingested server ID to the context.
func ContextWithServerID(ctx context.Context, serverID string) context.Context {
	return context.WithValue(ctx, contextKeyServerID, serverID)
}

// ContextWithSource adds the ingest source name to the context.
func ContextWithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, contextKeySource, source)
}

// swapHandler forwards to a handler that can be replaced at runtime.
// Attributes and groups added through WithAttrs/WithGroup are replayed
// onto whatever handler is current when a record is handled.
type swapHandler struct {
	current atomic.Pointer[slog.Handler]
	parent  *swapHandler
	attrs   []slog.Attr
	group   string
}

func (h *swapHandler) set(next slog.Handler) {
	h.current.Store(&next)
}

func (h *swapHandler) resolve() slog.Handler {
	if h.parent == nil {
		return *h.current.Load()
	}
	base := h.parent.resolve()
	if h.group != "" {
		return base.WithGroup(h.group)
	}
	return base.WithAttrs(h.attrs)
}

func (h *swapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *swapHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.resolve().Handle(ctx, r)
}

func (h *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &swapHandler{parent: h, attrs: attrs}
}

func (h *swapHandler) WithGroup(name string) slog.Handler {
	return &swapHandler{parent: h, group: name}
}

// Convenience functions on the global logger.

func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
