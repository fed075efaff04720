// Package testing holds helpers shared by the tcpingd test suites.
//
// t.Fatal must not be called from a goroutine other than the test's own;
// GoroutineTest collects errors from worker goroutines and reports them
// from the test goroutine instead.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// GoroutineTest runs goroutines on behalf of a test and reports every error
// they return once Wait is called.
//
//	gt := testutil.NewGoroutineTest(t, 5*time.Second)
//	defer gt.Wait()
//	gt.Go(func(ctx context.Context) error { ... })
type GoroutineTest struct {
	t      *testing.T
	group  errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	errs []error
}

// NewGoroutineTest creates a helper whose context expires after timeout.
// A zero timeout means no deadline.
func NewGoroutineTest(t *testing.T, timeout time.Duration) *GoroutineTest {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	return &GoroutineTest{t: t, ctx: ctx, cancel: cancel}
}

// Go runs fn in a goroutine. Unlike a plain errgroup, every error is kept,
// not just the first.
func (gt *GoroutineTest) Go(fn func(ctx context.Context) error) {
	gt.group.Go(func() error {
		if err := fn(gt.ctx); err != nil {
			gt.mu.Lock()
			gt.errs = append(gt.errs, err)
			gt.mu.Unlock()
		}
		return nil
	})
}

// Context returns the context handed to every goroutine.
func (gt *GoroutineTest) Context() context.Context {
	return gt.ctx
}

// Cancel signals goroutines to stop.
func (gt *GoroutineTest) Cancel() {
	gt.cancel()
}

// Wait blocks until every goroutine returned and fails the test if any of
// them reported an error.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()

	_ = gt.group.Wait()
	gt.cancel()

	gt.mu.Lock()
	defer gt.mu.Unlock()
	for i, err := range gt.errs {
		gt.t.Errorf("goroutine error [%d]: %v", i+1, err)
	}
	if len(gt.errs) > 0 {
		gt.t.FailNow()
	}
}

// Errors returns the errors collected so far.
func (gt *GoroutineTest) Errors() []error {
	gt.mu.Lock()
	defer gt.mu.Unlock()
	return append([]error(nil), gt.errs...)
}

// Eventually polls condition every interval until it holds or timeout
// elapses.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %v", timeout)
		}
		time.Sleep(interval)
	}
}

// WithTimeout runs fn and gives up waiting after timeout. fn keeps running
// in the background when it overstays.
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %v", timeout)
	}
}

// Retry calls fn until it succeeds, at most attempts times.
func Retry(attempts int, delay time.Duration, fn func() error) error {
	var last error
	for i := 0; i < attempts; i++ {
		if last = fn(); last == nil {
			return nil
		}
		time.Sleep(delay)
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, last)
}
