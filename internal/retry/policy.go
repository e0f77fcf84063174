package retry

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wudi/bankgate/internal/config"
)

// Kind classifies the outcome of one upstream attempt.
type Kind int

const (
	KindSuccess         Kind = iota
	KindConnectError         // the request never reached the upstream
	KindTimeout              // no complete response before the deadline
	KindInvalidResponse      // malformed, truncated or oversized response
	KindServerError          // upstream answered with status >= 500
	KindUnavailable          // no endpoint could be selected
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindConnectError:
		return "connect_error"
	case KindTimeout:
		return "timeout"
	case KindInvalidResponse:
		return "invalid_response"
	case KindServerError:
		return "server_error"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Failure reports whether the outcome counts against endpoint health.
func (k Kind) Failure() bool {
	return k == KindConnectError || k == KindTimeout || k == KindInvalidResponse || k == KindServerError
}

// Idempotent reports whether method may be replayed after the upstream
// has seen it.
func Idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}

// Metrics tracks retry statistics.
type Metrics struct {
	Requests  atomic.Int64
	Retries   atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
	Denied    atomic.Int64 // retries refused by the budget
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Requests:  m.Requests.Load(),
		Retries:   m.Retries.Load(),
		Successes: m.Successes.Load(),
		Failures:  m.Failures.Load(),
		Denied:    m.Denied.Load(),
	}
}

// MetricsSnapshot is a point-in-time copy of retry metrics.
type MetricsSnapshot struct {
	Requests  int64 `json:"requests"`
	Retries   int64 `json:"retries"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Denied    int64 `json:"budget_denied"`
}

// Policy bounds upstream attempts by count and by an overall deadline. Each
// attempt also gets its own timeout so a hanging endpoint leaves room for the
// next one.
type Policy struct {
	MaxAttempts    int
	Deadline       time.Duration
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Budget         *Budget
	Metrics        *Metrics
}

// NewPolicy creates a retry policy from config.
func NewPolicy(cfg config.RetryConfig) *Policy {
	p := &Policy{
		MaxAttempts:    cfg.MaxAttempts,
		Deadline:       cfg.Deadline,
		AttemptTimeout: cfg.AttemptTimeout,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Budget:         NewBudget(cfg),
		Metrics:        &Metrics{},
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 2
	}
	if p.Deadline <= 0 {
		p.Deadline = 5 * time.Second
	}
	if p.AttemptTimeout <= 0 || p.AttemptTimeout > p.Deadline {
		p.AttemptTimeout = p.Deadline / time.Duration(p.MaxAttempts)
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 10 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 100 * time.Millisecond
	}
	return p
}

// Retryable reports whether an attempt that ended with k may be retried.
// Only a connect error is safe to retry for every method; the rest require
// an idempotent method.
func (p *Policy) Retryable(method string, k Kind) bool {
	switch k {
	case KindConnectError:
		return true
	case KindTimeout, KindInvalidResponse, KindServerError:
		return Idempotent(method)
	default:
		return false
	}
}

// Result summarizes a Run.
type Result struct {
	Attempts int
	Last     Kind
	Err      error // error of the last attempt, or the deadline
}

// AttemptFunc performs attempt n (1-based) within ctx and classifies it.
type AttemptFunc func(ctx context.Context, n int) (Kind, error)

type attemptError struct {
	kind Kind
	err  error
}

func (e *attemptError) Error() string {
	if e.err != nil {
		return e.kind.String() + ": " + e.err.Error()
	}
	return e.kind.String()
}

func (e *attemptError) Unwrap() error { return e.err }

// Run calls attempt until it succeeds, fails with a non-retryable outcome,
// runs out of attempts or budget, or the deadline passes. ctx should already
// be detached from the client if the result must survive a disconnect.
func (p *Policy) Run(ctx context.Context, method string, attempt AttemptFunc) Result {
	p.Metrics.Requests.Add(1)
	p.Budget.Request()

	ctx, cancel := context.WithTimeout(ctx, p.Deadline)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialBackoff
	bo.MaxInterval = p.MaxBackoff
	bo.MaxElapsedTime = 0 // the context deadline bounds the loop

	var res Result
	op := func() error {
		if res.Attempts > 0 {
			if !p.Budget.TryRetry() {
				p.Metrics.Denied.Add(1)
				return backoff.Permanent(&attemptError{kind: res.Last, err: res.Err})
			}
			p.Metrics.Retries.Add(1)
		}
		res.Attempts++
		actx, acancel := context.WithTimeout(ctx, p.AttemptTimeout)
		kind, err := attempt(actx, res.Attempts)
		acancel()
		res.Last, res.Err = kind, err
		if kind == KindSuccess {
			return nil
		}
		ae := &attemptError{kind: kind, err: err}
		if !p.Retryable(method, kind) {
			return backoff.Permanent(ae)
		}
		return ae
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx))
	if err == nil {
		p.Metrics.Successes.Add(1)
		return res
	}
	p.Metrics.Failures.Add(1)
	if errors.Is(err, context.DeadlineExceeded) && res.Last != KindServerError {
		res.Last = KindTimeout
		res.Err = err
	}
	return res
}
