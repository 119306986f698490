package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestClosedToOpenToHalfOpen exercises the §8 seed test 5 sequence:
// threshold=3, five failing calls. The first three attempt the
// underlying work; the third failure opens the circuit, so the 4th
// and 5th fail fast without calling fn. After open_timeout elapses, a
// single HALF_OPEN trial is allowed through.
func TestClosedToOpenToHalfOpen(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 3, OpenTimeout: 50 * time.Millisecond})

	var calls int
	failing := func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	}

	for i := 0; i < 3; i++ {
		if err := m.Execute(context.Background(), "svc", failing); err == nil {
			t.Fatalf("call %d expected failure", i)
		}
	}
	if calls != 3 {
		t.Fatalf("expected 3 underlying calls, got %d", calls)
	}

	status := m.Status()
	if status["svc"].State != Open {
		t.Fatalf("expected Open after 3rd failure, got %v", status["svc"].State)
	}

	// 4th and 5th calls fail fast: no increment to calls.
	for i := 0; i < 2; i++ {
		err := m.Execute(context.Background(), "svc", failing)
		if !errors.Is(err, ErrOpen) {
			t.Fatalf("call %d expected ErrOpen, got %v", i, err)
		}
	}
	if calls != 3 {
		t.Fatalf("expected no additional underlying calls while open, got %d", calls)
	}

	time.Sleep(60 * time.Millisecond)

	// Exactly one HALF_OPEN trial should be admitted.
	var trialAdmitted int
	trial := func(ctx context.Context) error {
		trialAdmitted++
		return nil
	}
	if err := m.Execute(context.Background(), "svc", trial); err != nil {
		t.Fatalf("half-open trial should succeed: %v", err)
	}
	if trialAdmitted != 1 {
		t.Fatalf("expected exactly one trial call, got %d", trialAdmitted)
	}

	status = m.Status()
	if status["svc"].State != Closed {
		t.Fatalf("expected Closed after successful half-open trial, got %v", status["svc"].State)
	}
}

// TestHalfOpenFailureReopens verifies a failing HALF_OPEN trial
// immediately reopens the circuit.
func TestHalfOpenFailureReopens(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1, OpenTimeout: 30 * time.Millisecond})

	fail := func(ctx context.Context) error { return errors.New("boom") }
	if err := m.Execute(context.Background(), "svc", fail); err == nil {
		t.Fatal("expected failure")
	}
	if m.Status()["svc"].State != Open {
		t.Fatal("expected Open after threshold=1 failure")
	}

	time.Sleep(40 * time.Millisecond)

	if err := m.Execute(context.Background(), "svc", fail); err == nil {
		t.Fatal("expected half-open trial to fail")
	}
	if m.Status()["svc"].State != Open {
		t.Fatalf("expected Open again after failed half-open trial, got %v", m.Status()["svc"].State)
	}
}

// TestConfigureServiceOverride verifies per-service config wins over
// the manager default.
func TestConfigureServiceOverride(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.ConfigureService("ai", Config{FailureThreshold: 1, OpenTimeout: time.Second})

	fail := func(ctx context.Context) error { return errors.New("boom") }
	if err := m.Execute(context.Background(), "ai", fail); err == nil {
		t.Fatal("expected failure")
	}
	if m.Status()["ai"].State != Open {
		t.Fatal("expected ai breaker to open after a single failure per its override")
	}
	if m.Status()["database"].State == Open {
		t.Fatal("unrelated service should be unaffected")
	}
}

// TestResetClearsState verifies Reset restores a breaker to Closed.
func TestResetClearsState(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1, OpenTimeout: time.Hour})
	fail := func(ctx context.Context) error { return errors.New("boom") }
	_ = m.Execute(context.Background(), "svc", fail)
	if m.Status()["svc"].State != Open {
		t.Fatal("expected Open")
	}
	m.Reset("svc")
	if m.Status()["svc"].State != Closed {
		t.Fatal("expected Closed after Reset")
	}
}
