package queue

import (
	"context"
	"sync"
	"time"

	"github.com/nick227/imagequeue/internal/metrics"
	"github.com/nick227/imagequeue/internal/observability"
)

// ShutdownOutcome is the terminal classification of a graceful shutdown.
type ShutdownOutcome string

const (
	ShutdownCompletedClean   ShutdownOutcome = "completed_clean"
	ShutdownCompletedUnclean ShutdownOutcome = "completed_unclean"
	ShutdownTimedOut         ShutdownOutcome = "timeout"
)

type shutdownCause struct{}

func (shutdownCause) Error() string { return string(ReasonShutdown) }

// shutdownPromise is the single in-flight result shared by concurrent
// GracefulShutdown callers, per spec.md §4.9 step 1 and §8's
// idempotence law.
type shutdownPromise struct {
	done    chan struct{}
	outcome ShutdownOutcome
}

// shutdownCoordinator implements C9: idempotent, restartable
// drain-vs-abort shutdown, grounded on the teacher's Scheduler.Stop()
// (control_plane/scheduler/scheduler.go) generalized into the full
// drain/promise/resume contract of spec.md §4.9.
type shutdownCoordinator struct {
	mgr *Manager

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelCauseFunc
	promise *shutdownPromise
}

func newShutdownCoordinator(mgr *Manager) *shutdownCoordinator {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &shutdownCoordinator{mgr: mgr, ctx: ctx, cancel: cancel}
}

// attach ties the current shutdown signal into a task's combined
// cancellation context: a lightweight watcher goroutine trips the
// task's own cancel function with reason=shutdown the moment the
// process-wide signal fires, and exits without leaking once the task
// finishes on its own.
func (c *shutdownCoordinator) attach(t *taskRecord) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			t.trip(ReasonShutdown)
		case <-t.future.Done():
		}
	}()
}

// notifyTerminal is a no-op hook point kept for symmetry with the
// event-driven dispatch wake; GracefulShutdown polls activeJobs
// directly rather than subscribing, matching the teacher's
// ticker-driven worker loop style.
func (c *shutdownCoordinator) notifyTerminal() {}

// GracefulShutdown implements spec.md §4.9. Concurrent calls share one
// in-flight outcome.
func (m *Manager) GracefulShutdown(timeout time.Duration) ShutdownOutcome {
	c := m.shutdown

	c.mu.Lock()
	if c.promise != nil {
		p := c.promise
		c.mu.Unlock()
		<-p.done
		return p.outcome
	}
	p := &shutdownPromise{done: make(chan struct{})}
	c.promise = p
	c.mu.Unlock()

	outcome := c.run(timeout)
	p.outcome = outcome
	close(p.done)

	c.mu.Lock()
	c.promise = nil
	c.mu.Unlock()

	return outcome
}

func (c *shutdownCoordinator) run(timeout time.Duration) ShutdownOutcome {
	m := c.mgr

	m.SetAccepting(false)
	m.rl.stopGC()

	m.events.Record(metrics.Event{Action: "shutdown_started", TimestampEpoch: m.clock.Epoch(), DurationMS: float64(timeout.Milliseconds())})

	// snapshotActive includes queued-but-not-yet-started records too
	// (Submit registers before a slot opens), so A must come from
	// activeJobs — the count of tasks actually running — not from the
	// registry snapshot, or queued tasks would be double-counted here
	// and again below via dropAll (§4.9 step 4).
	m.mu.Lock()
	a := m.activeJobs
	m.mu.Unlock()
	queued := m.store.dropAll()
	q := len(queued)

	if a > 0 {
		m.events.Record(metrics.Event{Action: "shutdown_aborted_inflight", TimestampEpoch: m.clock.Epoch(), Attempts: a})
	}
	if q > 0 {
		m.events.Record(metrics.Event{Action: "shutdown_dropped_queued", TimestampEpoch: m.clock.Epoch(), Attempts: q})
	}

	for _, t := range queued {
		t.trip(ReasonShutdown)
		t.mu.Lock()
		t.state = stateCancelled
		t.mu.Unlock()
		m.events.Record(metrics.Event{Action: "cancelled_before_start", TimestampEpoch: m.clock.Epoch(), RequestID: t.requestID, UserID: t.userID, Reason: string(ReasonShutdown)})
		m.events.Record(metrics.Event{Action: "task_finally", TimestampEpoch: m.clock.Epoch(), RequestID: t.requestID, UserID: t.userID, Reason: string(ReasonShutdown)})
		observability.TaskTerminal.WithLabelValues("cancelled").Inc()
		t.future.complete(Result{}, ErrCancelled(ReasonShutdown))
		m.reg.release(t.requestID)
	}

	c.mu.Lock()
	c.cancel(shutdownCause{})
	c.mu.Unlock()

	outcome := ShutdownCompletedClean
	if a > 0 || q > 0 {
		outcome = ShutdownCompletedUnclean
	}

	if a > 0 {
		deadline := m.clock.Monotonic().Add(timeout)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
	waitLoop:
		for {
			m.mu.Lock()
			idle := m.activeJobs == 0
			m.mu.Unlock()
			if idle {
				break
			}
			if m.clock.Monotonic().After(deadline) {
				m.events.Record(metrics.Event{Action: "shutdown_timeout", TimestampEpoch: m.clock.Epoch()})
				outcome = ShutdownTimedOut
				break waitLoop
			}
			<-ticker.C
		}
	}

	switch outcome {
	case ShutdownCompletedClean:
		m.events.Record(metrics.Event{Action: "shutdown_completed_clean", TimestampEpoch: m.clock.Epoch()})
		observability.ShutdownOutcomes.WithLabelValues("clean").Inc()
	case ShutdownTimedOut:
		observability.ShutdownOutcomes.WithLabelValues("timeout").Inc()
	default:
		m.events.Record(metrics.Event{Action: "shutdown_completed_unclean", TimestampEpoch: m.clock.Epoch()})
		observability.ShutdownOutcomes.WithLabelValues("unclean").Inc()
	}

	return outcome
}

// ResumeAccepting recreates the shutdown signal and restarts the
// rate-limiter cleanup ticker, per spec.md §4.9's final step.
func (m *Manager) ResumeAccepting() {
	c := m.shutdown
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	c.mu.Unlock()

	m.rl.startGC()
	m.SetAccepting(true)
}
