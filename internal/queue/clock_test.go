package queue

import (
	"context"
	"time"
)

var fixedTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock is a controllable Clock for deterministic tests, grounded
// on the Clock seam's own doc comment: the teacher calls time.Now()
// directly, so tests here control both monotonic and epoch time
// without real sleeps.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Monotonic() time.Time { return c.now }
func (c *fakeClock) Epoch() time.Time     { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		c.now = c.now.Add(d)
		return nil
	}
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.now = c.now.Add(d)
	ch <- c.now
	return ch
}
