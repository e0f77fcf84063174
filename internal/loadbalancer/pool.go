package loadbalancer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wudi/bankgate/internal/circuitbreaker"
	"github.com/wudi/bankgate/internal/config"
	"github.com/wudi/bankgate/internal/middleware/ratelimit"
)

// ErrExhausted is returned when no endpoint in a pool can take a request.
var ErrExhausted = errors.New("no upstream endpoint available")

// StateFunc is notified when an endpoint's breaker changes state.
type StateFunc func(pool, endpoint string, state circuitbreaker.State)

// Pool is a named set of endpoints with least-outstanding selection and
// passive health tracking.
type Pool struct {
	name     string
	backends []*Backend
	conns    *ratelimit.ConcurrencyLimiter
	maxConns int
}

// NewPool builds a pool from config. onState may be nil.
func NewPool(name string, cfg config.UpstreamConfig, onState StateFunc) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("upstream %s: no endpoints", name)
	}

	p := &Pool{
		name:     name,
		conns:    ratelimit.NewConcurrencyLimiter(cfg.MaxConns),
		maxConns: cfg.MaxConns,
	}
	for _, raw := range cfg.Endpoints {
		endpoint := raw
		var notify func(from, to circuitbreaker.State)
		if onState != nil {
			notify = func(_, to circuitbreaker.State) { onState(name, endpoint, to) }
		}
		b, err := newBackend(raw, circuitbreaker.NewBreaker(name+"/"+raw, cfg, notify))
		if err != nil {
			return nil, fmt.Errorf("upstream %s: %w", name, err)
		}
		p.backends = append(p.backends, b)
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Backends returns the pool's endpoints in declaration order.
func (p *Pool) Backends() []*Backend { return p.backends }

// Available returns the number of endpoints whose breaker is not open.
func (p *Pool) Available() int {
	n := 0
	for _, b := range p.backends {
		if b.State() != circuitbreaker.StateOpen {
			n++
		}
	}
	return n
}

// Acquire takes one of the pool's max_conns slots.
func (p *Pool) Acquire() (release func(), ok bool) {
	return p.conns.Acquire(p.name)
}

// Select picks the least-outstanding endpoint not in exclude whose breaker
// admits the request. Candidates refused by their breaker (a half-open
// endpoint already running its trial) are skipped.
func (p *Pool) Select(exclude map[*Backend]bool) (*Lease, error) {
	for _, b := range leastOutstanding(p.backends, exclude) {
		done, err := b.breaker.Allow()
		if err != nil {
			continue
		}
		b.IncrActive()
		return &Lease{Backend: b, done: done}, nil
	}
	return nil, ErrExhausted
}

// Snapshot returns a point-in-time view of the pool.
func (p *Pool) Snapshot() PoolSnapshot {
	snap := PoolSnapshot{
		Name:      p.name,
		Available: p.Available(),
		MaxConns:  p.maxConns,
		InFlight:  p.conns.Active(p.name),
		Endpoints: make([]BackendSnapshot, 0, len(p.backends)),
	}
	for _, b := range p.backends {
		snap.Endpoints = append(snap.Endpoints, b.Snapshot())
	}
	return snap
}

// PoolSnapshot is a point-in-time view of a pool.
type PoolSnapshot struct {
	Name      string            `json:"name"`
	Available int               `json:"available"`
	MaxConns  int               `json:"max_conns,omitempty"`
	InFlight  int               `json:"in_flight"`
	Endpoints []BackendSnapshot `json:"endpoints"`
}

// Lease is a selected endpoint. Release must be called once with the
// attempt's outcome; later calls are ignored.
type Lease struct {
	Backend *Backend
	done    func(error)
	once    sync.Once
}

// Release reports the outcome to the endpoint's breaker and frees the slot.
// A nil outcome counts as success.
func (l *Lease) Release(outcome error) {
	l.once.Do(func() {
		l.Backend.DecrActive()
		l.done(outcome)
	})
}

// NewPools builds every configured pool.
func NewPools(upstreams map[string]config.UpstreamConfig, onState StateFunc) (map[string]*Pool, error) {
	pools := make(map[string]*Pool, len(upstreams))
	for name, cfg := range upstreams {
		p, err := NewPool(name, cfg, onState)
		if err != nil {
			return nil, err
		}
		pools[name] = p
	}
	return pools, nil
}
