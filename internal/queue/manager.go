package queue

import (
	"context"
	"sync"
	"time"

	"github.com/nick227/imagequeue/internal/metrics"
	"github.com/nick227/imagequeue/internal/observability"
)

// DuplicatePolicy governs what happens when a request_id is submitted
// while a task under the same id is still live, per spec.md §4.5.
type DuplicatePolicy int

const (
	DuplicateCancelPrevious DuplicatePolicy = iota // default
	DuplicateReject
	DuplicateAllow
)

// Manager is the Queue Manager facade (C5): it composes the priority
// store (C1), the task registry (C2), the rate-limit/backpressure
// engine (C3), and the retry/timeout executor (C4), and exposes
// admit/cancel/shutdown plus live metrics, grounded on the teacher's
// Scheduler in control_plane/scheduler/scheduler.go generalized from a
// reconciliation-specific scheduler to a generic job queue.
type Manager struct {
	mu sync.Mutex

	store *priorityStore
	reg   *registry
	rl    *rateLimiter
	backpressure *backpressure
	events *metrics.Ring
	clock  Clock

	concurrency int
	activeJobs  int
	paused      bool
	accepting   bool

	duplicatePolicy DuplicatePolicy

	shutdown *shutdownCoordinator

	wake chan struct{}

	dispatchStop chan struct{}
	dispatchDone chan struct{}
	dispatching  bool
}

// Config configures a new Manager.
type Config struct {
	Concurrency int // 1..10
	Clock       Clock
}

// NewManager constructs a Manager ready to accept Submit calls once
// Start is invoked.
func NewManager(cfg Config) *Manager {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 10 {
		concurrency = 10
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	m := &Manager{
		store:           newPriorityStore(),
		reg:             newRegistry(),
		rl:              newRateLimiter(clock),
		backpressure:    newBackpressure(concurrency),
		events:          metrics.NewRing(),
		clock:           clock,
		concurrency:     concurrency,
		accepting:       true,
		duplicatePolicy: DuplicateCancelPrevious,
		wake:            make(chan struct{}, 1),
	}
	m.shutdown = newShutdownCoordinator(m)
	return m
}

// Start begins dispatch and the rate-limiter GC ticker.
func (m *Manager) Start() {
	m.rl.startGC()
	m.startDispatch()
}

func (m *Manager) startDispatch() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	m.dispatchStop = make(chan struct{})
	m.dispatchDone = make(chan struct{})
	stop := m.dispatchStop
	done := m.dispatchDone
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-m.wake:
				m.dispatchLoop()
			case <-ticker.C:
				m.dispatchLoop()
			}
		}
	}()
}

// dispatchLoop pops and dispatches tasks while a slot is available and
// the manager is not paused. Incrementing activeJobs happens under the
// same lock as popping, so active_jobs never exceeds concurrency
// (spec.md §8 invariant 1, §4.5 ordering guarantee).
func (m *Manager) dispatchLoop() {
	for {
		m.mu.Lock()
		if m.paused || m.activeJobs >= m.concurrency {
			m.mu.Unlock()
			return
		}
		task := m.store.popHighest()
		if task == nil {
			m.mu.Unlock()
			return
		}
		m.activeJobs++
		observability.ActiveJobs.Set(float64(m.activeJobs))
		observability.QueueDepth.Set(float64(m.store.size()))
		m.mu.Unlock()

		go m.runTask(task)
	}
}

func (m *Manager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// onTaskTerminal is invoked by the executor once a task reaches a
// terminal state: it releases the registry entry, decrements the
// active-job count, and wakes the dispatcher for the freed slot.
//
// dispatchLoop increments activeJobs for every task it pops, including
// ones whose cancel signal is already tripped (finishCancelledBeforeStart
// never sets t.started). The decrement here must be unconditional to
// match — otherwise a cancelled-before-start dispatch permanently burns
// a slot.
func (m *Manager) onTaskTerminal(t *taskRecord, _ bool) {
	m.mu.Lock()
	m.activeJobs--
	observability.ActiveJobs.Set(float64(m.activeJobs))
	m.mu.Unlock()

	m.reg.release(t.requestID)
	m.signalWake()
	m.shutdown.notifyTerminal()
}

// Submit validates and admits a task per spec.md §4.5's pre-enqueue gate
// order: caller-signal-already-aborted, backpressure, per-user rate
// limit. On success it pushes to C1 and registers in C2.
func (m *Manager) Submit(work Work, opts Options) (*Future, *CancelHandle, error) {
	m.mu.Lock()
	accepting := m.accepting
	m.mu.Unlock()
	if !accepting {
		return nil, nil, ErrShutdown
	}
	if work == nil {
		return nil, nil, ErrValidation("work function is required")
	}

	priority := normalizePriority(opts.Priority, opts.PriorityIsSet)
	timeout := clampTimeout(opts.Timeout)
	maxRetries := clampRetries(opts.MaxRetries)
	if !opts.MaxRetriesIsSet {
		maxRetries = defaultRetries
	}

	callerSignal := opts.CancelSignal
	if callerSignal == nil {
		callerSignal = context.Background()
	}

	// (a) Already-aborted caller signal.
	if callerSignal.Err() != nil {
		return nil, nil, ErrCancelledBeforeEnqueue
	}

	// Duplicate request_id policy. DuplicateReject only inspects state
	// so it can run early; DuplicateCancelPrevious mutates state (kills
	// the live task) and must wait until every other admission gate has
	// passed below, or a resubmission rejected by backpressure/rate-limit
	// would leave the original cancelled with no replacement.
	m.mu.Lock()
	policy := m.duplicatePolicy
	m.mu.Unlock()
	if opts.RequestID != "" && policy == DuplicateReject && m.reg.has(opts.RequestID) {
		return nil, nil, ErrValidation("duplicate request_id")
	}

	// (b) Backpressure.
	m.mu.Lock()
	queueSize := m.store.size()
	activeJobs := m.activeJobs
	m.mu.Unlock()
	if ok, _ := m.backpressure.admit(queueSize, activeJobs); !ok {
		observability.AdmissionRejections.WithLabelValues("backpressure").Inc()
		m.events.Record(metrics.Event{Action: "backpressure_blocked", TimestampEpoch: m.clock.Epoch(), UserID: opts.UserID, QueueSize: queueSize, ActiveJobs: activeJobs})
		return nil, nil, ErrBackpressure
	}

	// (c) Per-user rate limit.
	if !m.rl.allow(opts.UserID) {
		observability.AdmissionRejections.WithLabelValues("rate_limit").Inc()
		m.events.Record(metrics.Event{Action: "rate_limit_blocked", TimestampEpoch: m.clock.Epoch(), UserID: opts.UserID})
		return nil, nil, ErrRateLimit
	}

	if opts.RequestID != "" && policy == DuplicateCancelPrevious {
		m.reg.cancel(opts.RequestID, ReasonDuplicatePolicy)
	}

	cancelCtx, cancelFn := context.WithCancelCause(callerSignal)
	future := newFuture()
	t := &taskRecord{
		requestID:           opts.RequestID,
		userID:              opts.UserID,
		priority:            priority,
		work:                work,
		timeout:             timeout,
		maxRetries:          maxRetries,
		enqueuedAtMonotonic: m.clock.Monotonic(),
		enqueuedAtEpoch:     m.clock.Epoch(),
		future:              future,
		cancelCtx:           cancelCtx,
		cancelFn:            cancelFn,
		state:               stateQueued,
	}

	// Tie the shutdown signal into every task's combined cancellation
	// context, per the Design Note in spec.md §9.
	m.shutdown.attach(t)

	m.store.push(t)
	m.reg.register(t)

	m.events.Record(metrics.Event{
		Action:             "queue_add",
		TimestampEpoch:     m.clock.Epoch(),
		RequestID:          t.requestID,
		UserID:             t.userID,
		PriorityOriginal:   opts.Priority,
		PriorityNormalized: priority,
		QueueSize:          m.store.size(),
		ActiveJobs:         activeJobs,
		Concurrency:        m.concurrency,
	})

	var handle *CancelHandle
	if opts.ReturnCancelHandle && opts.CancelSignal == nil {
		handle = &CancelHandle{requestID: opts.RequestID, mgr: m}
	}

	m.signalWake()
	return future, handle, nil
}

// Cancel trips the cancel signal for request_id with reason=user.
func (m *Manager) Cancel(requestID string) bool {
	return m.reg.cancel(requestID, ReasonUser)
}

// Pause halts slot dispatch; in-flight tasks are unaffected.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume restarts slot dispatch.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.signalWake()
}

// SetAccepting toggles the admission gate for maintenance mode.
func (m *Manager) SetAccepting(accept bool) {
	m.mu.Lock()
	m.accepting = accept
	m.mu.Unlock()
}

// SetDuplicatePolicy changes the runtime duplicate-request_id policy.
func (m *Manager) SetDuplicatePolicy(p DuplicatePolicy) {
	m.mu.Lock()
	m.duplicatePolicy = p
	m.mu.Unlock()
	m.events.Record(metrics.Event{Action: "duplicate_requestid_policy_changed", TimestampEpoch: m.clock.Epoch()})
}

// UpdateConcurrency changes the concurrency limit; n must be in [1,10].
// In-flight tasks finish normally; future slots honor the new limit
// immediately. Lowering concurrency below the current active_jobs count
// is allowed: dispatch simply waits (via dispatchLoop's guard) until
// active_jobs falls to or below the new limit before popping again —
// this resolves the Open Question in spec.md §9 in favor of waiting
// rather than forcibly aborting in-flight tasks.
func (m *Manager) UpdateConcurrency(n int) error {
	if n < 1 || n > 10 {
		return ErrValidation("concurrency must be an integer in [1,10]")
	}
	m.mu.Lock()
	changed := m.concurrency != n
	m.concurrency = n
	m.mu.Unlock()
	if !changed {
		return nil
	}
	m.backpressure.setConcurrency(n)
	m.signalWake()
	return nil
}

// Overview is the get_overview() response shape from spec.md §4.5.
type Overview struct {
	Status               string
	IsPaused             bool
	IsAcceptingTasks     bool
	QueueSize            int
	ActiveJobs           int
	Concurrency          int
	SuccessRate          float64
	ErrorRate            float64
	AvgProcessingMS      float64
	Warnings             []string
	NeedsAttention       bool
	RecommendedActions   []string
	IsInitialized        bool
	LastError            string
}

// GetOverview returns the aggregated health/status snapshot.
func (m *Manager) GetOverview() Overview {
	m.mu.Lock()
	queueSize := m.store.size()
	activeJobs := m.activeJobs
	concurrency := m.concurrency
	paused := m.paused
	accepting := m.accepting
	m.mu.Unlock()

	agg := metrics.Compute(m.events.Snapshot(), m.clock.Epoch(), queueSize, activeJobs)

	status := "running"
	if !accepting {
		status = "draining"
	}

	var recommended []string
	if agg.Health != metrics.HealthOK {
		if queueSize >= queueWarningDepth {
			recommended = append(recommended, "increase concurrency or shed low-priority load")
		}
		if agg.ErrorRate > 0.10 {
			recommended = append(recommended, "investigate recent task_error events")
		}
	}

	m.backpressure.mu.Lock()
	avgMS := m.backpressure.ewmaMS
	m.backpressure.mu.Unlock()

	return Overview{
		Status:             status,
		IsPaused:           paused,
		IsAcceptingTasks:   accepting,
		QueueSize:          queueSize,
		ActiveJobs:         activeJobs,
		Concurrency:        concurrency,
		SuccessRate:        agg.SuccessRate,
		ErrorRate:          agg.ErrorRate,
		AvgProcessingMS:    avgMS,
		Warnings:           agg.Warnings,
		NeedsAttention:     agg.NeedsAttention,
		RecommendedActions: recommended,
		IsInitialized:      true,
	}
}

// Events exposes the underlying ring buffer for admin/debug endpoints.
func (m *Manager) Events() *metrics.Ring { return m.events }
