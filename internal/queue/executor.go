package queue

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/nick227/imagequeue/internal/metrics"
	"github.com/nick227/imagequeue/internal/observability"
)

const (
	backoffBaseMS = 1000
	backoffCapMS  = 10_000
)

// runTask executes a single task to a terminal state (C4), retrying on
// retriable failure with exponential backoff, and enforcing a
// per-attempt deadline that is never delegated to the work function
// itself. shutdownCtx is the process-wide shutdown signal; its
// cancellation is treated identically to the task's own cancel signal
// but tagged with reason=shutdown.
func (m *Manager) runTask(t *taskRecord) {
	events := m.events
	clock := m.clock

	if t.isCancelled() {
		m.finishCancelledBeforeStart(t)
		return
	}

	t.mu.Lock()
	t.started = true
	t.state = stateRunning
	t.mu.Unlock()

	queueWaitMS := float64(clock.Monotonic().Sub(t.enqueuedAtMonotonic).Milliseconds())
	observability.QueueWaitSeconds.Observe(queueWaitMS / 1000)

	var (
		result   Result
		err      error
		attempt  int
		success  bool
		terminal CancelReason
	)

	// task_start is emitted once per attempt, not once per task: a
	// retried task's trace is queue_add, task_start, task_error,
	// task_start, task_error, ..., task_finally (seed test 4), so each
	// pass through the loop — including the first — gets its own
	// task_start event.
	for attempt = 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			observability.TaskRetries.Inc()
		}

		events.Record(metrics.Event{
			Action:             "task_start",
			TimestampEpoch:     clock.Epoch(),
			RequestID:          t.requestID,
			UserID:             t.userID,
			QueueWaitMS:        queueWaitMS,
			PriorityNormalized: t.priority,
		})

		attemptCtx, cancelAttempt := context.WithTimeout(t.cancelCtx, t.timeout)
		start := clock.Monotonic()
		result, err = t.work.Run(attemptCtx)
		durationMS := float64(clock.Monotonic().Sub(start).Milliseconds())
		deadlineExpired := attemptCtx.Err() == context.DeadlineExceeded
		cancelAttempt()

		if err == nil {
			success = true
			observability.TaskDurationSeconds.Observe(durationMS / 1000)
			m.backpressure.sample(durationMS)
			events.Record(metrics.Event{
				Action:         "task_complete",
				TimestampEpoch: clock.Epoch(),
				RequestID:      t.requestID,
				UserID:         t.userID,
				DurationMS:     durationMS,
				Attempts:       attempt + 1,
			})
			break
		}

		// Classify the failure.
		reason := ReasonNone
		retriable := true
		switch {
		case deadlineExpired:
			reason = ReasonTimeout
			m.backpressure.sample(durationMS)
		case t.isCancelled():
			reason = t.cancelReason()
			if reason == ReasonNone {
				reason = ReasonUser
			}
			retriable = false
		case isValidationErr(err):
			reason = ReasonValidation
			retriable = false
		}

		if !retriable {
			terminal = reason
			events.Record(metrics.Event{
				Action:         "task_error",
				TimestampEpoch: clock.Epoch(),
				RequestID:      t.requestID,
				UserID:         t.userID,
				DurationMS:     durationMS,
				Reason:         string(reason),
				Attempts:       attempt + 1,
			})
			break
		}

		if attempt < t.maxRetries {
			events.Record(metrics.Event{
				Action:         "task_error",
				TimestampEpoch: clock.Epoch(),
				RequestID:      t.requestID,
				UserID:         t.userID,
				DurationMS:     durationMS,
				Reason:         string(reason),
				Attempts:       attempt + 1,
			})
			delay := backoffDelay(attempt)
			if sleepErr := clock.Sleep(t.cancelCtx, delay); sleepErr != nil {
				terminal = t.cancelReason()
				if terminal == ReasonNone {
					terminal = ReasonShutdown
				}
				break
			}
			continue
		}

		// Exhausted retries. A plain retriable error that never timed
		// out, got cancelled, or failed validation is an ordinary
		// failure, not a timeout — do not relabel it.
		terminal = reason
		if terminal == ReasonNone {
			terminal = ReasonFailure
		}
		events.Record(metrics.Event{
			Action:         "task_error",
			TimestampEpoch: clock.Epoch(),
			RequestID:      t.requestID,
			UserID:         t.userID,
			DurationMS:     durationMS,
			Reason:         string(reason),
			Attempts:       attempt + 1,
		})
		break
	}

	attempts := attempt + 1

	t.mu.Lock()
	switch {
	case success:
		t.state = stateSucceeded
	case terminal == ReasonTimeout:
		t.state = stateTimedOut
	case terminal == ReasonValidation || terminal == ReasonFailure:
		t.state = stateFailed
	default:
		t.state = stateCancelled
	}
	t.mu.Unlock()

	events.Record(metrics.Event{
		Action:         "task_finally",
		TimestampEpoch: clock.Epoch(),
		RequestID:      t.requestID,
		UserID:         t.userID,
		Attempts:       attempts,
		Reason:         string(terminal),
	})

	if success {
		observability.TaskTerminal.WithLabelValues("succeeded").Inc()
	} else {
		switch t.state {
		case stateTimedOut:
			observability.TaskTerminal.WithLabelValues("timed_out").Inc()
		case stateCancelled:
			observability.TaskTerminal.WithLabelValues("cancelled").Inc()
		default:
			observability.TaskTerminal.WithLabelValues("failed").Inc()
		}
	}

	finalErr := err
	if !success && finalErr == nil {
		finalErr = terminalError(terminal)
	}
	t.future.complete(result, finalErr)
	m.onTaskTerminal(t, success)
}

func (m *Manager) finishCancelledBeforeStart(t *taskRecord) {
	t.mu.Lock()
	t.state = stateCancelled
	t.mu.Unlock()
	reason := t.cancelReason()
	m.events.Record(metrics.Event{
		Action:         "cancelled_before_start",
		TimestampEpoch: m.clock.Epoch(),
		RequestID:      t.requestID,
		UserID:         t.userID,
		Reason:         string(reason),
	})
	m.events.Record(metrics.Event{
		Action:         "task_finally",
		TimestampEpoch: m.clock.Epoch(),
		RequestID:      t.requestID,
		UserID:         t.userID,
		Attempts:       0,
		Reason:         string(reason),
	})
	observability.TaskTerminal.WithLabelValues("cancelled").Inc()
	t.future.complete(Result{}, ErrCancelled(reason))
	m.onTaskTerminal(t, false)
}

// backoffDelay computes min(1000*2^k, 10000)ms plus jitter in [0, 10%],
// per spec.md §4.4.
func backoffDelay(attempt int) time.Duration {
	base := float64(backoffBaseMS) * math.Pow(2, float64(attempt))
	if base > backoffCapMS {
		base = backoffCapMS
	}
	jitter := rand.Float64() * 0.1 * base
	return time.Duration(base+jitter) * time.Millisecond
}

// validationErr lets a Work implementation signal a non-retriable
// failure (bad prompt, content-policy rejection) distinct from a
// transient provider error.
type validationErr struct{ error }

// ValidationFailure wraps err so the executor treats it as non-retriable.
func ValidationFailure(err error) error { return validationErr{err} }

func isValidationErr(err error) bool {
	_, ok := err.(validationErr)
	return ok
}

func terminalError(reason CancelReason) error {
	switch reason {
	case ReasonTimeout:
		return ErrTimeout
	case ReasonFailure:
		return ErrFailed
	default:
		return ErrCancelled(reason)
	}
}
