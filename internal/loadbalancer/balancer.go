package loadbalancer

import (
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/wudi/bankgate/internal/circuitbreaker"
)

// Backend is one upstream endpoint. Only its health and active count change
// after construction.
type Backend struct {
	URL       string
	ParsedURL *url.URL // pre-parsed for the proxy hot path

	active  atomic.Int64
	breaker *circuitbreaker.Breaker
}

func newBackend(raw string, breaker *circuitbreaker.Breaker) (*Backend, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", raw, err)
	}
	return &Backend{URL: raw, ParsedURL: u, breaker: breaker}, nil
}

// IncrActive atomically increments the active request count.
func (b *Backend) IncrActive() { b.active.Add(1) }

// DecrActive atomically decrements the active request count.
func (b *Backend) DecrActive() { b.active.Add(-1) }

// GetActive atomically reads the active request count.
func (b *Backend) GetActive() int64 { return b.active.Load() }

// State returns the backend's breaker state.
func (b *Backend) State() circuitbreaker.State { return b.breaker.State() }

// Snapshot returns a point-in-time view of the backend.
func (b *Backend) Snapshot() BackendSnapshot {
	return BackendSnapshot{
		URL:     b.URL,
		Active:  b.GetActive(),
		Breaker: b.breaker.Snapshot(),
	}
}

// BackendSnapshot is a point-in-time view of a backend.
type BackendSnapshot struct {
	URL     string                         `json:"url"`
	Active  int64                          `json:"active"`
	Breaker circuitbreaker.BreakerSnapshot `json:"breaker"`
}
