package circuitbreaker

import (
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/wudi/bankgate/internal/config"
)

// State mirrors the breaker state. Values are exported as the endpoint
// state gauge.
type State int

const (
	StateClosed   State = iota // healthy
	StateOpen                  // unhealthy, no traffic
	StateHalfOpen              // probing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Health returns the endpoint health name for the state.
func (s State) Health() string {
	switch s {
	case StateOpen:
		return "unhealthy"
	case StateHalfOpen:
		return "probing"
	default:
		return "healthy"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Breaker tracks passive health of one upstream endpoint. It trips after
// FailureThreshold consecutive failures, stays open for RecoveryTimeout,
// then admits a single trial request. A successful trial closes it; a failed
// one re-opens it and restarts the timer.
type Breaker struct {
	cb               *gobreaker.TwoStepCircuitBreaker[struct{}]
	failureThreshold int
	timeout          time.Duration

	lastFailure    atomic.Int64 // unix nanos
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// NewBreaker creates a breaker for the named endpoint. onStateChange may be nil.
func NewBreaker(name string, cfg config.UpstreamConfig, onStateChange func(from, to State)) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	timeout := cfg.RecoveryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	b := &Breaker{
		failureThreshold: threshold,
		timeout:          timeout,
	}

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(threshold)
		},
	}
	if onStateChange != nil {
		st.OnStateChange = func(_ string, from, to gobreaker.State) {
			onStateChange(fromGobreaker(from), fromGobreaker(to))
		}
	}
	b.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](st)
	return b
}

// Allow asks whether a request may be sent. On success the caller must call
// done exactly once with the outcome: nil for success, non-nil for failure.
func (b *Breaker) Allow() (func(error), error) {
	b.totalRequests.Add(1)
	report, err := b.cb.Allow()
	if err != nil {
		b.totalRejected.Add(1)
		return nil, err
	}
	return func(outcome error) {
		if outcome != nil {
			b.totalFailures.Add(1)
			b.lastFailure.Store(time.Now().UnixNano())
		} else {
			b.totalSuccesses.Add(1)
		}
		report(outcome)
	}, nil
}

// State returns the current state. An open breaker whose timeout has
// elapsed reports half-open.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() BreakerSnapshot {
	counts := b.cb.Counts()
	state := b.State()
	snap := BreakerSnapshot{
		State:               state.String(),
		Health:              state.Health(),
		ConsecutiveFailures: int(counts.ConsecutiveFailures),
		FailureThreshold:    b.failureThreshold,
		MaxRequests:         1,
		RecoveryTimeout:     b.timeout.String(),
		TotalRequests:       b.totalRequests.Load(),
		TotalFailures:       b.totalFailures.Load(),
		TotalSuccesses:      b.totalSuccesses.Load(),
		TotalRejected:       b.totalRejected.Load(),
	}
	if ns := b.lastFailure.Load(); ns != 0 {
		snap.LastFailure = time.Unix(0, ns)
	}
	return snap
}

// BreakerSnapshot is a point-in-time view of a circuit breaker.
type BreakerSnapshot struct {
	State               string    `json:"state"`
	Health              string    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureThreshold    int       `json:"failure_threshold"`
	MaxRequests         int       `json:"max_requests"`
	RecoveryTimeout     string    `json:"recovery_timeout"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalRejected       int64     `json:"total_rejected"`
}
