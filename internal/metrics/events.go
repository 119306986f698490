// Package metrics implements the bounded event ring buffer (C8) and its
// derived aggregates, grounded on control_plane/timeline/store.go's
// mutex-guarded append-only Store, generalized from reconcile-stage
// events to the generic metric event shape in spec.md §3.
package metrics

import (
	"sync"
	"time"
)

// Event is one structured metric event, per spec.md §3 "Metric event".
type Event struct {
	Action            string
	TimestampEpoch    time.Time
	RequestID         string
	UserID            string
	DurationMS        float64
	QueueWaitMS       float64
	Phase             string
	ErrorType         string
	PriorityOriginal  int
	PriorityNormalized int
	QueueSize         int
	ActiveJobs        int
	Concurrency       int
	Attempts          int
	Reason            string
}

const ringCapacity = 1000

// Ring is an append-only ring buffer bounded to 1,000 entries; on
// overflow the oldest entry is dropped.
type Ring struct {
	mu     sync.RWMutex
	events []Event
	head   int // index of oldest event when full
	full   bool
}

// NewRing creates an empty ring buffer.
func NewRing() *Ring {
	return &Ring{events: make([]Event, 0, ringCapacity)}
}

// Record appends an event, evicting the oldest on overflow.
func (r *Ring) Record(e Event) {
	if e.TimestampEpoch.IsZero() {
		e.TimestampEpoch = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) < ringCapacity {
		r.events = append(r.events, e)
		return
	}
	r.events[r.head] = e
	r.head = (r.head + 1) % ringCapacity
	r.full = true
}

// Snapshot returns a copy of all currently retained events, oldest first.
func (r *Ring) Snapshot() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		out := make([]Event, len(r.events))
		copy(out, r.events)
		return out
	}
	out := make([]Event, 0, ringCapacity)
	out = append(out, r.events[r.head:]...)
	out = append(out, r.events[:r.head]...)
	return out
}

// ForRequest returns all retained events for a given request_id.
func (r *Ring) ForRequest(requestID string) []Event {
	var out []Event
	for _, e := range r.Snapshot() {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out
}
