package testing

import (
	"time"

	"github.com/xtxerr/tcpingd/internal/storage/types"
)

// BaseTime is the reference instant of the fixtures, 2024-05-01 10:00 UTC.
var BaseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// At returns BaseTime shifted by d in Unix milliseconds.
func At(d time.Duration) int64 {
	return BaseTime.Add(d).UnixMilli()
}

// Sample builds a successful sample.
func Sample(serverID, monitor string, ts int64, delay float64) types.Sample {
	return types.Sample{
		ServerID:    serverID,
		Monitor:     monitor,
		TimestampMs: ts,
		Delay:       delay,
		Valid:       true,
	}
}

// Failed builds a failed probe sample.
func Failed(serverID, monitor string, ts int64, reason string) types.Sample {
	return types.Sample{
		ServerID:    serverID,
		Monitor:     monitor,
		TimestampMs: ts,
		Error:       reason,
	}
}

// ScenarioSamples returns the two-monitor data set most query tests use:
// monitor A at 10:00:01 (20ms) and 10:04:50 (30ms), monitor B at 10:02
// (15ms), all for server "1". Resampled to 5m and filled it gives rows
// 10:00 and 10:05, both {A: 25, B: 15}.
func ScenarioSamples() []types.Sample {
	return []types.Sample{
		Sample("1", "A", At(time.Second), 20),
		Sample("1", "A", At(4*time.Minute+50*time.Second), 30),
		Sample("1", "B", At(2*time.Minute), 15),
	}
}

// Series returns n samples of one monitor spaced step apart, starting at
// start, with delays 1, 2, 3...
func Series(serverID, monitor string, start int64, step time.Duration, n int) []types.Sample {
	out := make([]types.Sample, n)
	for i := range out {
		out[i] = Sample(serverID, monitor, start+int64(i)*step.Milliseconds(), float64(i+1))
	}
	return out
}
