// Package align merges per-monitor bucket sequences onto one shared,
// equally spaced timestamp axis and fills the cells that have no data.
//
// The axis is keyed by integer bucket index and covers only slots that
// start inside the window. Buckets before the window are context: a
// monitor's last real value there seeds its forward fill. When any emitted
// monitor has a seed the axis starts at the window's first slot; otherwise
// it starts at the earliest slot holding a real value. It runs contiguously
// to the last slot starting before the window's end.
//
// A cell without a real value takes the monitor's most recent earlier value
// (forward fill). Cells before a monitor's first real value take that first
// value when back-fill is on and are null otherwise. Monitors without data
// in the window are omitted, whatever their context holds.
package align

import (
	"sort"

	"github.com/guregu/null/v5"
	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// Row is one point on the shared axis.
type Row struct {
	Index       int64
	TimestampMs int64
	Values      map[string]null.Float
}

// Options controls alignment.
type Options struct {
	Interval types.Interval

	// Window bounds the emitted rows. Buckets before it only seed fills.
	Window types.Window

	Backfill bool

	// Active names the monitors that have data in the window. When nil, a
	// monitor is active if it has a real bucket on the axis. Set it when a
	// valid sample can fall in the window yet in a slot starting before it.
	Active map[string]bool
}

// Result is the aligned series.
type Result struct {
	Monitors []string // Sorted
	Rows     []Row    // Ascending, spaced by exactly one interval
}

// monitorCursor walks one monitor's buckets in index order.
type monitorCursor struct {
	name     string
	buckets  []types.Bucket
	pos      int
	first    float64
	firstIdx int64
	hasFirst bool
	last     float64
	hasLast  bool
}

// Align builds the aligned, gap-filled rows. Each input sequence must be
// ordered by bucket index, as produced by the resample package.
func Align(buckets map[string][]types.Bucket, opts Options) Result {
	var res Result
	if opts.Interval <= 0 || opts.Window.Empty() {
		return res
	}

	firstSlot := opts.Interval.FirstIndexAtOrAfter(opts.Window.SinceMs)
	lastSlot := opts.Interval.BucketIndex(opts.Window.UntilMs - 1)
	if lastSlot < firstSlot {
		return res
	}

	cursors := make([]*monitorCursor, 0, len(buckets))
	for name, seq := range buckets {
		c := &monitorCursor{name: name}
		for _, b := range seq {
			switch {
			case b.Index < firstSlot:
				if b.HasValue {
					c.last, c.hasLast = b.Value, true
				}
			case b.Index <= lastSlot:
				c.buckets = append(c.buckets, b)
				if b.HasValue && !c.hasFirst {
					c.first, c.firstIdx, c.hasFirst = b.Value, b.Index, true
				}
			}
		}

		active := c.hasFirst
		if opts.Active != nil {
			active = opts.Active[name] && (c.hasFirst || c.hasLast)
		}
		if active {
			cursors = append(cursors, c)
		}
	}
	if len(cursors) == 0 {
		return res
	}

	axisStart := lastSlot + 1
	for _, c := range cursors {
		if c.hasLast {
			axisStart = firstSlot
			break
		}
		if c.firstIdx < axisStart {
			axisStart = c.firstIdx
		}
	}

	sort.Slice(cursors, func(i, j int) bool {
		return cursors[i].name < cursors[j].name
	})
	res.Monitors = make([]string, len(cursors))
	for i, c := range cursors {
		res.Monitors[i] = c.name
	}

	res.Rows = make([]Row, 0, lastSlot-axisStart+1)
	for idx := axisStart; idx <= lastSlot; idx++ {
		row := Row{
			Index:       idx,
			TimestampMs: opts.Interval.IndexStart(idx),
			Values:      make(map[string]null.Float, len(cursors)),
		}
		for _, c := range cursors {
			row.Values[c.name] = c.valueAt(idx, opts.Backfill)
		}
		res.Rows = append(res.Rows, row)
	}

	return res
}

// valueAt advances the cursor to idx and returns the filled cell value.
func (c *monitorCursor) valueAt(idx int64, backfill bool) null.Float {
	for c.pos < len(c.buckets) && c.buckets[c.pos].Index < idx {
		c.pos++
	}

	if c.pos < len(c.buckets) && c.buckets[c.pos].Index == idx && c.buckets[c.pos].HasValue {
		c.last = c.buckets[c.pos].Value
		c.hasLast = true
		return null.FloatFrom(c.last)
	}

	switch {
	case c.hasLast:
		return null.FloatFrom(c.last)
	case backfill && c.hasFirst:
		return null.FloatFrom(c.first)
	default:
		return null.Float{}
	}
}
