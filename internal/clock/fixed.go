package clock

import (
	"context"
	"time"
)

// Fixed returns a clock pinned to t. Intended for tests.
func Fixed(t time.Time) *FixedClock {
	return &FixedClock{now: t.UTC()}
}

type FixedClock struct {
	now time.Time
}

func (c *FixedClock) Now(ctx context.Context) time.Time {
	return c.now
}

func (c *FixedClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func (c *FixedClock) Set(t time.Time) {
	c.now = t.UTC()
}
