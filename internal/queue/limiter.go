package queue

import (
	"sync"
	"time"

	"github.com/nick227/imagequeue/internal/observability"
)

const (
	rateLimitWindow     = 60 * time.Second
	rateLimitMaxAdmits  = 10
	rateLimitGCInterval = 5 * time.Minute
	rateLimitGCIdleAge  = 5 * time.Minute

	queueMultiplier  = 20
	maxQueueTimeMS   = 10 * 60 * 1000
	ewmaAlpha        = 0.1
)

// userBucket is the sliding-window admission record for one user,
// grounded on the teacher's per-key map entry shape in
// control_plane/scheduler/limiter.go's TokenBucketLimiter, generalized
// from a token bucket to the exact sliding-window-of-timestamps
// semantics spec.md §4.3 requires.
type userBucket struct {
	mu          sync.Mutex
	admits      []time.Time
	lastCleanup time.Time
}

// rateLimiter enforces the per-user sliding-window admission cap (C3,
// §4.3 "Per-user rate limit").
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*userBucket
	clock   Clock
	stop    chan struct{}
	stopped bool
}

func newRateLimiter(clock Clock) *rateLimiter {
	return &rateLimiter{buckets: make(map[string]*userBucket), clock: clock}
}

// allow prunes entries older than the window, then admits if under cap.
// A blank userID is always allowed (anonymous access where policy
// permits, per spec.md §3).
func (rl *rateLimiter) allow(userID string) bool {
	if userID == "" {
		return true
	}
	b := rl.bucketFor(userID)
	now := rl.clock.Monotonic()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.admits = pruneBefore(b.admits, now.Add(-rateLimitWindow))
	b.lastCleanup = now
	if len(b.admits) >= rateLimitMaxAdmits {
		return false
	}
	b.admits = append(b.admits, now)
	return true
}

func (rl *rateLimiter) bucketFor(userID string) *userBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[userID]
	if !ok {
		b = &userBucket{lastCleanup: rl.clock.Monotonic()}
		rl.buckets[userID] = b
	}
	return b
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// startGC launches the 5-minute bucket garbage collector. Idempotent:
// calling it while already running is a no-op, mirroring the shutdown
// coordinator's requirement to recreate the cleanup handle on resume.
func (rl *rateLimiter) startGC() {
	rl.mu.Lock()
	if rl.stop != nil {
		rl.mu.Unlock()
		return
	}
	rl.stop = make(chan struct{})
	stop := rl.stop
	rl.mu.Unlock()

	go func() {
		ticker := time.NewTicker(rateLimitGCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rl.gc()
			}
		}
	}()
}

// stopGC halts the cleanup ticker and clears the handle so a subsequent
// startGC can restart it without a stale channel.
func (rl *rateLimiter) stopGC() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.stop != nil {
		close(rl.stop)
		rl.stop = nil
	}
}

func (rl *rateLimiter) gc() {
	now := rl.clock.Monotonic()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		b.mu.Lock()
		b.admits = pruneBefore(b.admits, now.Add(-rateLimitWindow))
		idle := len(b.admits) == 0 || now.Sub(b.lastCleanup) > rateLimitGCIdleAge
		b.mu.Unlock()
		if idle {
			delete(rl.buckets, key)
		}
	}
}

// backpressure computes the admission cap over queue depth and active
// jobs (C3, §4.3 "Backpressure"), tracking an EWMA of processing time
// to size the waiting room once primed.
type backpressure struct {
	mu               sync.Mutex
	concurrency      int
	ewmaMS           float64
	primed           bool
	completionCount  int
	coldStartNeeded  int
}

func newBackpressure(concurrency int) *backpressure {
	return &backpressure{concurrency: concurrency, coldStartNeeded: 2 * concurrency}
}

func (bp *backpressure) setConcurrency(n int) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.concurrency = n
	bp.coldStartNeeded = 2 * n
}

// sample feeds a completed or timed-out processing duration into the
// EWMA. Cancellations are never sampled, per spec.md §4.3.
func (bp *backpressure) sample(ms float64) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if !bp.primed {
		bp.ewmaMS = ms
		bp.primed = true
	} else {
		bp.ewmaMS = ewmaAlpha*ms + (1-ewmaAlpha)*bp.ewmaMS
	}
	bp.completionCount++
	observability.EWMAProcessingMillis.Set(bp.ewmaMS)
}

// effectiveCap returns min(time_based_cap, concurrency*queueMultiplier),
// falling back to the heuristic cap during cold start.
func (bp *backpressure) effectiveCap() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	heuristic := bp.concurrency * queueMultiplier
	if !bp.primed || bp.completionCount < bp.coldStartNeeded || bp.ewmaMS <= 0 {
		return heuristic
	}
	timeBased := int(float64(maxQueueTimeMS) / bp.ewmaMS)
	if timeBased < heuristic {
		return timeBased
	}
	return heuristic
}

// admit reports whether a new task may be admitted given the current
// queue size and active job count, and the waiting room size used.
func (bp *backpressure) admit(queueSize, activeJobs int) (ok bool, waitingRoom int) {
	effCap := bp.effectiveCap()
	observability.EffectiveCap.Set(float64(effCap))
	waitingRoom = effCap - activeJobs
	if waitingRoom < 1 {
		waitingRoom = 1
	}
	return queueSize < waitingRoom, waitingRoom
}
