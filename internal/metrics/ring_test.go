package metrics

import (
	"testing"
	"time"
)

func TestRingOverflowDropsOldest(t *testing.T) {
	r := NewRing()
	base := time.Now()
	for i := 0; i < ringCapacity+10; i++ {
		r.Record(Event{Action: "task_finally", RequestID: string(rune('a' + i%26)), TimestampEpoch: base.Add(time.Duration(i) * time.Millisecond)})
	}

	snap := r.Snapshot()
	if len(snap) != ringCapacity {
		t.Fatalf("expected ring to cap at %d, got %d", ringCapacity, len(snap))
	}

	// The oldest 10 events should have been evicted: the first retained
	// event's timestamp offset should be 10ms, not 0ms.
	want := base.Add(10 * time.Millisecond)
	if !snap[0].TimestampEpoch.Equal(want) {
		t.Fatalf("expected oldest retained event at %v, got %v", want, snap[0].TimestampEpoch)
	}
}

func TestForRequestFiltersByID(t *testing.T) {
	r := NewRing()
	r.Record(Event{Action: "queue_add", RequestID: "a"})
	r.Record(Event{Action: "task_start", RequestID: "b"})
	r.Record(Event{Action: "task_complete", RequestID: "a"})

	got := r.ForRequest("a")
	if len(got) != 2 {
		t.Fatalf("expected 2 events for request a, got %d", len(got))
	}
}
