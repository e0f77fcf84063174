package ratelimit

import "sync"

// ConcurrencyLimiter caps the number of in-flight requests per key.
type ConcurrencyLimiter struct {
	max    int
	counts *shardedMap[int]
}

// NewConcurrencyLimiter creates a limiter with the given per-key ceiling.
// A ceiling of zero or less admits everything.
func NewConcurrencyLimiter(max int) *ConcurrencyLimiter {
	return &ConcurrencyLimiter{
		max:    max,
		counts: newShardedMap[int](),
	}
}

func noopRelease() {}

// Acquire takes a slot for key. The returned release func gives the slot back
// and is safe to call more than once; only the first call has effect.
func (c *ConcurrencyLimiter) Acquire(key string) (release func(), ok bool) {
	if c.max <= 0 {
		return noopRelease, true
	}

	s := c.counts.getShard(key)
	s.mu.Lock()
	n := s.items[key]
	if n >= c.max {
		s.mu.Unlock()
		return noopRelease, false
	}
	s.items[key] = n + 1
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.release(key) })
	}, true
}

func (c *ConcurrencyLimiter) release(key string) {
	s := c.counts.getShard(key)
	s.mu.Lock()
	if n := s.items[key] - 1; n > 0 {
		s.items[key] = n
	} else {
		delete(s.items, key)
	}
	s.mu.Unlock()
}

// Active returns the in-flight count for key.
func (c *ConcurrencyLimiter) Active(key string) int {
	s := c.counts.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key]
}

// Keys returns the number of keys with in-flight requests.
func (c *ConcurrencyLimiter) Keys() int {
	return c.counts.len()
}
