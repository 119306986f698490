// Package breaker implements the per-named-service circuit breaker
// manager (C6): a CLOSED/OPEN/HALF_OPEN state machine guarding outbound
// provider and database calls, grounded on
// control_plane/scheduler/circuit_breaker.go's CircuitBreaker,
// generalized from a single queue-depth breaker into a named-service
// registry with failure-count/response-time based transitions per
// spec.md §4.6.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nick227/imagequeue/internal/observability"
)

// State is the circuit breaker's operating state.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	default:
		return "open"
	}
}

// ErrOpen is returned by Execute when the breaker is fast-failing.
var ErrOpen = errors.New("circuit_open")

// Config holds per-service breaker tuning.
type Config struct {
	FailureThreshold int
	OpenTimeout      time.Duration
}

// DefaultConfig matches the generic defaults in spec.md §3.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, OpenTimeout: 60 * time.Second}
}

// Record is the observable state of one named breaker, per spec.md §3
// "Circuit Breaker Record".
type Record struct {
	State           State
	FailureCount    int
	SuccessCount    int
	TotalRequests   int
	LastFailureTime time.Time
	LastResponseMS  float64
	AvgResponseMS   float64
}

type breaker struct {
	mu     sync.Mutex
	cfg    Config
	rec    Record
	inHalf bool // a HALF_OPEN trial is currently outstanding
}

// Manager owns one breaker per named service.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	defaults Config
}

// NewManager creates a Manager whose services default to cfg unless
// ConfigureService overrides a specific one.
func NewManager(defaults Config) *Manager {
	return &Manager{breakers: make(map[string]*breaker), defaults: defaults}
}

// ConfigureService sets (or resets) the configuration for a named
// service, matching the per-service thresholds in spec.md §4.6 (ai=2/30s,
// provider image-gen=3/120s, database=2/10s, filesystem=1/15s).
func (m *Manager) ConfigureService(service string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[service] = &breaker{cfg: cfg}
}

func (m *Manager) breakerFor(service string) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[service]
	if !ok {
		b = &breaker{cfg: m.defaults}
		m.breakers[service] = b
	}
	return b
}

// Execute runs fn under the named breaker's protection: fast-fails with
// ErrOpen while OPEN, allows exactly one trial while HALF_OPEN, and
// records the result to drive the state machine, per spec.md §4.6.
func (m *Manager) Execute(ctx context.Context, service string, fn func(context.Context) error) error {
	b := m.breakerFor(service)

	if !b.admit() {
		observability.CircuitRequests.WithLabelValues(service, "short_circuited").Inc()
		return ErrOpen
	}

	start := time.Now()
	err := fn(ctx)
	elapsedMS := float64(time.Since(start).Milliseconds())

	b.record(err == nil, elapsedMS)
	observability.CircuitState.WithLabelValues(service).Set(float64(b.snapshotState()))
	if err == nil {
		observability.CircuitRequests.WithLabelValues(service, "success").Inc()
	} else {
		observability.CircuitRequests.WithLabelValues(service, "failure").Inc()
	}
	return err
}

// admit decides, under the breaker's own lock, whether a call may pass
// through right now, performing any due OPEN->HALF_OPEN transition.
func (b *breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rec.State == Open {
		if time.Since(b.rec.LastFailureTime) >= b.cfg.OpenTimeout {
			b.rec.State = HalfOpen
			b.inHalf = false
		} else {
			return false
		}
	}

	if b.rec.State == HalfOpen {
		if b.inHalf {
			// Another trial is already outstanding; fail fast.
			return false
		}
		b.inHalf = true
		return true
	}

	return true // Closed
}

// record applies the result of a call to the state machine.
func (b *breaker) record(success bool, durationMS float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rec.TotalRequests++
	if b.rec.AvgResponseMS == 0 {
		b.rec.AvgResponseMS = durationMS
	} else {
		b.rec.AvgResponseMS = 0.9*b.rec.AvgResponseMS + 0.1*durationMS
	}
	b.rec.LastResponseMS = durationMS

	switch b.rec.State {
	case HalfOpen:
		b.inHalf = false
		if success {
			b.rec.SuccessCount++
			b.rec.State = Closed
			b.rec.FailureCount = 0
		} else {
			b.rec.FailureCount++
			b.rec.State = Open
			b.rec.LastFailureTime = time.Now()
		}
	default: // Closed (Open calls never reach here, short-circuited by admit)
		if success {
			b.rec.SuccessCount++
		} else {
			b.rec.FailureCount++
			b.rec.LastFailureTime = time.Now()
			if b.rec.FailureCount >= b.cfg.FailureThreshold {
				b.rec.State = Open
			}
		}
	}
}

func (b *breaker) snapshotState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec.State
}

// Status returns a snapshot of every configured/observed breaker, for
// the GET /api/circuit-breakers/status admin endpoint.
func (m *Manager) Status() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Record, len(m.breakers))
	for name, b := range m.breakers {
		b.mu.Lock()
		out[name] = b.rec
		b.mu.Unlock()
	}
	return out
}

// Reset clears a single named breaker back to CLOSED with zeroed counters.
func (m *Manager) Reset(service string) {
	m.mu.Lock()
	b, ok := m.breakers[service]
	m.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	b.rec = Record{}
	b.inHalf = false
	b.mu.Unlock()
}

// ResetAll clears every breaker back to CLOSED.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.breakers {
		b.mu.Lock()
		b.rec = Record{}
		b.inHalf = false
		b.mu.Unlock()
	}
}

// NamedDefaults returns the four named-service configurations fixed by
// spec.md §4.6, ready to be passed to ConfigureService at startup.
func NamedDefaults() map[string]Config {
	return map[string]Config{
		"ai":             {FailureThreshold: 2, OpenTimeout: 30 * time.Second},
		"provider-image": {FailureThreshold: 3, OpenTimeout: 120 * time.Second},
		"database":       {FailureThreshold: 2, OpenTimeout: 10 * time.Second},
		"filesystem":     {FailureThreshold: 1, OpenTimeout: 15 * time.Second},
	}
}
