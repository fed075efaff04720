package probe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	testutil "github.com/xtxerr/tcpingd/internal/testing"
)

func fastConfig(workers int) SchedulerConfig {
	return SchedulerConfig{Workers: workers, QueueSize: 10, TickInterval: 5 * time.Millisecond, DrainTimeout: time.Second}
}

func TestScheduler_RunsAtInterval(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(fastConfig(2), func(context.Context, Key) { runs.Add(1) })
	s.Start()
	defer s.Stop()

	key := Key{ServerID: "1", Monitor: "CT"}
	s.Add(key, 20*time.Millisecond)

	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool { return runs.Load() >= 3 }); err != nil {
		t.Fatal(err)
	}
	if st := s.Stats(); st.Scheduled != 1 || st.Dispatched < 3 {
		t.Errorf("unexpected stats %+v", st)
	}

	s.Remove(key)
	if s.Contains(key) {
		t.Error("Contains after Remove")
	}
	if got := s.Stats().Scheduled; got != 0 {
		t.Errorf("expected nothing scheduled, got %d", got)
	}
}

func TestScheduler_RemoveWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var runs atomic.Int32

	s := NewScheduler(fastConfig(1), func(context.Context, Key) {
		runs.Add(1)
		once.Do(func() { close(started) })
		<-release
	})
	s.Start()
	defer s.Stop()

	key := Key{ServerID: "1", Monitor: "CT"}
	s.Add(key, 10*time.Millisecond)

	<-started
	s.Remove(key)
	close(release)

	if err := testutil.Eventually(time.Second, 5*time.Millisecond, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.entries) == 0 && len(s.heap) == 0
	}); err != nil {
		t.Fatalf("entry leaked after remove during run: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("removed key ran again: %d runs", got)
	}
}

func TestScheduler_NoOverlappingRuns(t *testing.T) {
	var inFlight, maxInFlight, runs atomic.Int32

	s := NewScheduler(fastConfig(4), func(context.Context, Key) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		inFlight.Add(-1)
		runs.Add(1)
	})
	s.Start()
	defer s.Stop()

	s.Add(Key{ServerID: "1", Monitor: "CT"}, time.Millisecond)

	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool { return runs.Load() >= 3 }); err != nil {
		t.Fatal(err)
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("one key ran %d times concurrently", got)
	}
}

func TestScheduler_AddUpdatesInterval(t *testing.T) {
	s := NewScheduler(fastConfig(1), func(context.Context, Key) {})

	key := Key{ServerID: "1", Monitor: "CT"}
	s.Add(key, time.Hour)
	first, ok := s.NextRun(key)
	if !ok {
		t.Fatal("NextRun: key unknown")
	}
	if first.After(time.Now().Add(time.Hour)) {
		t.Errorf("first run %v beyond one interval", first)
	}

	s.Add(key, time.Minute)
	if got := len(s.Keys()); got != 1 {
		t.Errorf("expected 1 key after re-add, got %d", got)
	}
	s.mu.Lock()
	interval := s.entries[key].interval
	s.mu.Unlock()
	if interval != time.Minute.Milliseconds() {
		t.Errorf("interval not updated: %d", interval)
	}
}

func TestScheduler_StopCancelsAfterDrain(t *testing.T) {
	cfg := fastConfig(1)
	cfg.DrainTimeout = 20 * time.Millisecond

	started := make(chan struct{})
	var once sync.Once
	s := NewScheduler(cfg, func(ctx context.Context, _ Key) {
		once.Do(func() { close(started) })
		<-ctx.Done()
	})
	s.Start()
	s.Add(Key{ServerID: "1", Monitor: "CT"}, time.Millisecond)
	<-started

	if err := testutil.WithTimeout(2*time.Second, func() error {
		s.Stop()
		return nil
	}); err != nil {
		t.Fatalf("Stop hung: %v", err)
	}
}
