package types

import "time"

// Window is the half-open range [SinceMs, UntilMs) in Unix milliseconds.
type Window struct {
	SinceMs int64
	UntilMs int64
}

// WindowOf converts a time range.
func WindowOf(since, until time.Time) Window {
	return Window{SinceMs: since.UnixMilli(), UntilMs: until.UnixMilli()}
}

// Empty reports whether the window holds no instant.
func (w Window) Empty() bool {
	return w.UntilMs <= w.SinceMs
}

// Contains reports whether tsMs lies in the window.
func (w Window) Contains(tsMs int64) bool {
	return tsMs >= w.SinceMs && tsMs < w.UntilMs
}

// Span returns the window length, zero when empty.
func (w Window) Span() time.Duration {
	if w.Empty() {
		return 0
	}
	return time.Duration(w.UntilMs-w.SinceMs) * time.Millisecond
}
