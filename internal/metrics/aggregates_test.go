package metrics

import (
	"testing"
	"time"
)

func TestComputeSuccessAndErrorRate(t *testing.T) {
	now := time.Now()
	events := []Event{
		{Action: "task_complete", TimestampEpoch: now.Add(-time.Minute)},
		{Action: "task_complete", TimestampEpoch: now.Add(-time.Minute)},
		{Action: "task_complete", TimestampEpoch: now.Add(-time.Minute)},
		{Action: "task_error", TimestampEpoch: now.Add(-time.Minute)},
	}
	agg := Compute(events, now, 0, 0)
	if agg.SuccessRate != 0.75 {
		t.Fatalf("expected success rate 0.75, got %f", agg.SuccessRate)
	}
	if agg.ErrorRate != 0.25 {
		t.Fatalf("expected error rate 0.25, got %f", agg.ErrorRate)
	}
}

func TestComputeHealthCriticalOnQueueDepth(t *testing.T) {
	agg := Compute(nil, time.Now(), 60, 2)
	if agg.Health != HealthCritical {
		t.Fatalf("expected HealthCritical at queue depth 60, got %v", agg.Health)
	}
	if !agg.NeedsAttention {
		t.Fatal("expected needs_attention to be true at critical depth")
	}
}

func TestComputeHealthOKWhenNominal(t *testing.T) {
	now := time.Now()
	events := []Event{
		{Action: "task_complete", TimestampEpoch: now},
	}
	agg := Compute(events, now, 1, 1)
	if agg.Health != HealthOK {
		t.Fatalf("expected HealthOK, got %v", agg.Health)
	}
	if agg.NeedsAttention {
		t.Fatal("expected needs_attention to be false")
	}
}

func TestComputeTrendIncreasing(t *testing.T) {
	now := time.Now()
	var events []Event
	// Older half: all successes.
	for i := 0; i < 20; i++ {
		events = append(events, Event{Action: "task_complete", TimestampEpoch: now.Add(time.Duration(i) * time.Second)})
	}
	// Most recent 10: all errors.
	for i := 0; i < 10; i++ {
		events = append(events, Event{Action: "task_error", TimestampEpoch: now.Add(time.Duration(20+i) * time.Second)})
	}
	agg := Compute(events, now.Add(31*time.Second), 0, 0)
	if agg.ErrorTrend != TrendIncreasing {
		t.Fatalf("expected TrendIncreasing, got %v", agg.ErrorTrend)
	}
}
