package queue

import "testing"

func TestBackpressureColdStartUsesHeuristicCap(t *testing.T) {
	bp := newBackpressure(2)
	if effCap := bp.effectiveCap(); effCap != 2*queueMultiplier {
		t.Fatalf("expected cold-start cap %d, got %d", 2*queueMultiplier, effCap)
	}
}

func TestBackpressureAdmitRespectsEffectiveCap(t *testing.T) {
	bp := newBackpressure(1)
	effCap := bp.effectiveCap()

	ok, _ := bp.admit(effCap-1, 0)
	if !ok {
		t.Fatalf("expected admission below cap")
	}
	ok, _ = bp.admit(effCap, 0)
	if ok {
		t.Fatalf("expected rejection at cap")
	}
}

func TestBackpressurePrimesAfterColdStartSamples(t *testing.T) {
	bp := newBackpressure(1)
	for i := 0; i < bp.coldStartNeeded; i++ {
		bp.sample(100)
	}
	// time-based cap = maxQueueTimeMS / 100ms = 6000, heuristic = 20;
	// the smaller of the two wins, so effectiveCap should still be the
	// heuristic here since time-based is far larger.
	if effCap := bp.effectiveCap(); effCap != 1*queueMultiplier {
		t.Fatalf("expected heuristic cap to still win, got %d", effCap)
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	clock := &fakeClock{now: fixedTime}
	rl := newRateLimiter(clock)

	for i := 0; i < rateLimitMaxAdmits; i++ {
		if !rl.allow("u1") {
			t.Fatalf("admit %d should succeed", i)
		}
	}
	if rl.allow("u1") {
		t.Fatal("11th admit within window should be rejected")
	}

	clock.now = clock.now.Add(rateLimitWindow + 1)
	if !rl.allow("u1") {
		t.Fatal("admit after window elapses should succeed")
	}
}

func TestRateLimiterBlankUserAlwaysAllowed(t *testing.T) {
	rl := newRateLimiter(RealClock{})
	for i := 0; i < rateLimitMaxAdmits+5; i++ {
		if !rl.allow("") {
			t.Fatal("blank user id should never be rate limited")
		}
	}
}
