package coalesce

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Stats holds coalescing metrics.
type Stats struct {
	GroupsCreated     int64 `json:"groups_created"`
	RequestsCoalesced int64 `json:"requests_coalesced"`
	Timeouts          int64 `json:"timeouts"`
	InFlight          int64 `json:"in_flight"`
}

// Coalescer deduplicates concurrent calls sharing a key using singleflight.
// Results are handed to every waiter by value, so T should be a value type
// or treated as read-only by callers.
type Coalescer[T any] struct {
	group   singleflight.Group
	timeout time.Duration

	groupsCreated     atomic.Int64
	requestsCoalesced atomic.Int64
	timeouts          atomic.Int64
	inFlight          atomic.Int64
}

// New creates a Coalescer. Waiters that are still blocked after timeout give
// up on the shared call and run their own; a zero timeout means 30s.
func New[T any](timeout time.Duration) *Coalescer[T] {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coalescer[T]{timeout: timeout}
}

// Execute runs fn once per key among concurrent callers and reports whether
// the result was shared. fn receives a context detached from the caller's
// cancellation, so one client going away does not abort the call for the
// others.
func (c *Coalescer[T]) Execute(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		c.groupsCreated.Add(1)
		return fn(detached)
	})

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var zero T
	select {
	case result := <-ch:
		if result.Shared {
			c.requestsCoalesced.Add(1)
		}
		if result.Err != nil {
			return zero, result.Shared, result.Err
		}
		return result.Val.(T), result.Shared, nil

	case <-timer.C:
		c.group.Forget(key)
		c.timeouts.Add(1)
		v, err := fn(detached)
		return v, false, err

	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Stats returns a snapshot of coalescing metrics.
func (c *Coalescer[T]) Stats() Stats {
	return Stats{
		GroupsCreated:     c.groupsCreated.Load(),
		RequestsCoalesced: c.requestsCoalesced.Load(),
		Timeouts:          c.timeouts.Load(),
		InFlight:          c.inFlight.Load(),
	}
}
