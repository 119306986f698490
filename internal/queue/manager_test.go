package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestManager(concurrency int) *Manager {
	m := NewManager(Config{Concurrency: concurrency})
	m.Start()
	return m
}

// TestPriorityOrderingFIFOTiebreak exercises seed test 1: equal-priority
// tasks run in submission order, and a higher-priority (lower value)
// task submitted later still runs before lower-priority tasks already
// queued, with concurrency=1 so ordering is fully observable.
func TestPriorityOrderingFIFOTiebreak(t *testing.T) {
	m := newTestManager(1)
	defer m.GracefulShutdown(time.Second)

	gate := make(chan struct{})
	block := queue_WorkFuncBlocking(gate)

	// Occupy the single slot so nothing starts until we release gate.
	_, _, err := m.Submit(block, Options{RequestID: "blocker"})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}

	var mu sync.Mutex
	var order []string
	record := func(name string) Work {
		return WorkFunc(func(ctx context.Context) (Result, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return Result{}, nil
		})
	}

	// low priority submitted first, then a high priority submitted
	// after: high must still run before low once the blocker releases.
	if _, _, err := m.Submit(record("low"), Options{RequestID: "low", Priority: PriorityLow, PriorityIsSet: true}); err != nil {
		t.Fatalf("submit low: %v", err)
	}
	if _, _, err := m.Submit(record("high"), Options{RequestID: "high", Priority: PriorityHigh, PriorityIsSet: true}); err != nil {
		t.Fatalf("submit high: %v", err)
	}
	if _, _, err := m.Submit(record("normal-a"), Options{RequestID: "normal-a", Priority: PriorityNormal, PriorityIsSet: true}); err != nil {
		t.Fatalf("submit normal-a: %v", err)
	}
	if _, _, err := m.Submit(record("normal-b"), Options{RequestID: "normal-b", Priority: PriorityNormal, PriorityIsSet: true}); err != nil {
		t.Fatalf("submit normal-b: %v", err)
	}

	close(gate)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "normal-a", "normal-b", "low"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

// queue_WorkFuncBlocking returns a Work that blocks until gate closes.
func queue_WorkFuncBlocking(gate <-chan struct{}) Work {
	return WorkFunc(func(ctx context.Context) (Result, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return Result{}, nil
	})
}

// TestActiveJobsNeverExceedsConcurrency exercises §8 property 1: with
// concurrency=2, no more than 2 tasks are ever running simultaneously
// even when 10 are submitted at once.
func TestActiveJobsNeverExceedsConcurrency(t *testing.T) {
	m := newTestManager(2)
	defer m.GracefulShutdown(time.Second)

	var current int32
	var maxSeen int32
	var wg sync.WaitGroup

	work := WorkFunc(func(ctx context.Context) (Result, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return Result{}, nil
	})

	futures := make([]*Future, 0, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		future, _, err := m.Submit(work, Options{})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		futures = append(futures, future)
	}
	for _, f := range futures {
		go func(f *Future) {
			defer wg.Done()
			f.Wait(context.Background())
		}(f)
	}
	wg.Wait()

	if maxSeen > 2 {
		t.Fatalf("active jobs exceeded concurrency: saw %d concurrently", maxSeen)
	}
}

// TestRateLimitPerUser exercises seed test 2: an 11th submission within
// the sliding window for the same user is rejected.
func TestRateLimitPerUser(t *testing.T) {
	m := newTestManager(4)
	defer m.GracefulShutdown(time.Second)

	noop := WorkFunc(func(ctx context.Context) (Result, error) { return Result{}, nil })

	for i := 0; i < 10; i++ {
		if _, _, err := m.Submit(noop, Options{UserID: "u1"}); err != nil {
			t.Fatalf("submit %d should be admitted: %v", i, err)
		}
	}
	_, _, err := m.Submit(noop, Options{UserID: "u1"})
	if !errors.Is(err, ErrRateLimit) {
		t.Fatalf("11th submission for same user should be rate limited, got %v", err)
	}

	// A different user is unaffected.
	if _, _, err := m.Submit(noop, Options{UserID: "u2"}); err != nil {
		t.Fatalf("different user should be admitted: %v", err)
	}
}

// TestRetryThenSucceed exercises seed test 4: a work function that
// fails twice then succeeds is retried and ultimately reports success.
func TestRetryThenSucceed(t *testing.T) {
	m := newTestManager(1)
	defer m.GracefulShutdown(time.Second)

	var attempts int32
	work := WorkFunc(func(ctx context.Context) (Result, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return Result{}, errors.New("transient failure")
		}
		return Result{Provider: "test"}, nil
	})

	future, _, err := m.Submit(work, Options{MaxRetries: 5, MaxRetriesIsSet: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if result.Provider != "test" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
}

// TestTimeoutExhaustsAsTimeout exercises seed test 3: a work function
// that never returns is terminated at its per-attempt deadline and,
// after exhausting retries, reports ErrTimeout.
func TestTimeoutExhaustsAsTimeout(t *testing.T) {
	m := newTestManager(1)
	defer m.GracefulShutdown(time.Second)

	work := WorkFunc(func(ctx context.Context) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})

	future, _, err := m.Submit(work, Options{
		Timeout:         minTimeout,
		MaxRetries:      0,
		MaxRetriesIsSet: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = future.Wait(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

// TestCancelUserRequested exercises user-initiated cancellation: a
// task cancelled via its CancelHandle before it starts completes with
// reason=user.
func TestCancelUserRequested(t *testing.T) {
	m := newTestManager(1)
	defer m.GracefulShutdown(time.Second)

	gate := make(chan struct{})
	_, _, err := m.Submit(queue_WorkFuncBlocking(gate), Options{RequestID: "occupy"})
	if err != nil {
		t.Fatalf("submit occupy: %v", err)
	}
	defer close(gate)

	noop := WorkFunc(func(ctx context.Context) (Result, error) { return Result{}, nil })
	future, handle, err := m.Submit(noop, Options{RequestID: "to-cancel", ReturnCancelHandle: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if handle == nil {
		t.Fatal("expected a cancel handle")
	}
	if !handle.Cancel() {
		t.Fatal("expected Cancel to report true for a queued task")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = future.Wait(ctx)
	var coded CodedError
	if !errors.As(err, &coded) || coded.Code() != "Cancelled" {
		t.Fatalf("expected a Cancelled error, got %v", err)
	}
}

// TestGracefulShutdownDrainsQueue exercises seed test 6: shutdown
// rejects new submissions immediately and waits for queued/running
// tasks to finish before returning.
func TestGracefulShutdownDrainsQueue(t *testing.T) {
	m := newTestManager(2)

	var completed int32
	work := WorkFunc(func(ctx context.Context) (Result, error) {
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&completed, 1)
		return Result{}, nil
	})

	for i := 0; i < 5; i++ {
		if _, _, err := m.Submit(work, Options{}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	outcome := m.GracefulShutdown(2 * time.Second)
	if outcome != ShutdownCompletedClean {
		t.Fatalf("expected ShutdownCompletedClean, got %v", outcome)
	}
	if atomic.LoadInt32(&completed) != 5 {
		t.Fatalf("expected all 5 tasks to drain, got %d completed", completed)
	}

	if _, _, err := m.Submit(work, Options{}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected submissions to be rejected after shutdown, got %v", err)
	}
}
