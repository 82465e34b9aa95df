// Package throttle adapts request pacing to servers that push back.
package throttle

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	// InitialDelay is the delay after the first block.
	InitialDelay = 50 * time.Millisecond
	// MaxDelay caps the backoff.
	MaxDelay = 2000 * time.Millisecond
	// DecayStep is removed from the delay on every non-blocking response.
	DecayStep = 10 * time.Millisecond

	maxShift = 6
)

// Controller tracks the current pacing delay. The three counters are
// independent atomics; a reader may briefly see a delay and block count from
// different updates.
type Controller struct {
	delayMs           atomic.Int64
	consecutiveBlocks atomic.Int64
	totalThrottled    atomic.Int64
}

// New returns a controller with no delay.
func New() *Controller {
	return &Controller{}
}

// Wait sleeps for the current delay or until ctx is done. A zero delay
// returns immediately without touching the scheduler.
func (c *Controller) Wait(ctx context.Context) error {
	d := c.delayMs.Load()
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(d) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordResponse feeds an observed status code into the controller. It
// returns true when the status was a block (429 or 403) and the delay was
// raised.
func (c *Controller) RecordResponse(status int) bool {
	if status == http.StatusTooManyRequests || status == http.StatusForbidden {
		blocks := c.consecutiveBlocks.Add(1)
		c.totalThrottled.Add(1)

		shift := blocks - 1
		if shift > maxShift {
			shift = maxShift
		}
		delay := InitialDelay.Milliseconds() << uint(shift)
		if delay > MaxDelay.Milliseconds() {
			delay = MaxDelay.Milliseconds()
		}
		c.delayMs.Store(delay)
		return true
	}

	c.consecutiveBlocks.Store(0)
	for {
		cur := c.delayMs.Load()
		if cur == 0 {
			return false
		}
		next := cur - DecayStep.Milliseconds()
		if next < 0 {
			next = 0
		}
		if c.delayMs.CompareAndSwap(cur, next) {
			return false
		}
	}
}

// Delay returns the current delay.
func (c *Controller) Delay() time.Duration {
	return time.Duration(c.delayMs.Load()) * time.Millisecond
}

// ConsecutiveBlocks returns the current run of blocked responses.
func (c *Controller) ConsecutiveBlocks() int64 {
	return c.consecutiveBlocks.Load()
}

// TotalThrottled returns the number of blocked responses seen so far.
func (c *Controller) TotalThrottled() int64 {
	return c.totalThrottled.Load()
}
