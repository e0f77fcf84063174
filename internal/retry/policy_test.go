package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/wudi/bankgate/internal/config"
)

var errDial = errors.New("dial tcp: connection refused")

func testPolicy() *Policy {
	return NewPolicy(config.RetryConfig{
		MaxAttempts:    2,
		Deadline:       time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
}

// scripted returns an AttemptFunc that replays kinds in order.
func scripted(kinds ...Kind) (AttemptFunc, *int) {
	calls := 0
	return func(ctx context.Context, n int) (Kind, error) {
		calls++
		k := kinds[len(kinds)-1]
		if n-1 < len(kinds) {
			k = kinds[n-1]
		}
		if k == KindSuccess {
			return k, nil
		}
		return k, errDial
	}, &calls
}

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy(config.RetryConfig{})
	if p.MaxAttempts != 2 {
		t.Errorf("expected default MaxAttempts 2, got %d", p.MaxAttempts)
	}
	if p.Deadline != 5*time.Second {
		t.Errorf("expected default Deadline 5s, got %v", p.Deadline)
	}
	if p.Budget != nil {
		t.Error("budget should be disabled by default")
	}
	if p.AttemptTimeout != 2500*time.Millisecond {
		t.Errorf("expected attempt timeout to split the deadline, got %v", p.AttemptTimeout)
	}
}

func TestRetryable(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		method string
		kind   Kind
		want   bool
	}{
		{http.MethodGet, KindConnectError, true},
		{http.MethodGet, KindTimeout, true},
		{http.MethodGet, KindInvalidResponse, true},
		{http.MethodGet, KindServerError, true},
		{http.MethodGet, KindSuccess, false},
		{http.MethodGet, KindUnavailable, false},
		{http.MethodPost, KindConnectError, true},
		{http.MethodPost, KindTimeout, false},
		{http.MethodPost, KindServerError, false},
		{http.MethodPatch, KindInvalidResponse, false},
		{http.MethodPut, KindServerError, true},
		{http.MethodDelete, KindTimeout, true},
	}
	for _, tt := range tests {
		if got := p.Retryable(tt.method, tt.kind); got != tt.want {
			t.Errorf("Retryable(%s, %s) = %v, want %v", tt.method, tt.kind, got, tt.want)
		}
	}
}

func TestRunFirstAttemptSucceeds(t *testing.T) {
	p := testPolicy()
	fn, calls := scripted(KindSuccess)

	res := p.Run(context.Background(), http.MethodGet, fn)
	if res.Last != KindSuccess || res.Attempts != 1 || *calls != 1 {
		t.Fatalf("unexpected result %+v calls=%d", res, *calls)
	}
	if p.Metrics.Snapshot().Successes != 1 {
		t.Error("expected success to be counted")
	}
}

func TestRunRetriesConnectError(t *testing.T) {
	p := testPolicy()
	fn, calls := scripted(KindConnectError, KindSuccess)

	res := p.Run(context.Background(), http.MethodPost, fn)
	if res.Last != KindSuccess || res.Attempts != 2 || *calls != 2 {
		t.Fatalf("unexpected result %+v calls=%d", res, *calls)
	}
	if p.Metrics.Snapshot().Retries != 1 {
		t.Errorf("expected 1 retry, got %d", p.Metrics.Snapshot().Retries)
	}
}

func TestRunNoRetryForPostTimeout(t *testing.T) {
	p := testPolicy()
	fn, calls := scripted(KindTimeout, KindSuccess)

	res := p.Run(context.Background(), http.MethodPost, fn)
	if res.Last != KindTimeout || *calls != 1 {
		t.Fatalf("POST must not be replayed after a timeout: %+v calls=%d", res, *calls)
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	p := testPolicy()
	fn, calls := scripted(KindServerError)

	res := p.Run(context.Background(), http.MethodGet, fn)
	if res.Last != KindServerError || res.Attempts != 2 || *calls != 2 {
		t.Fatalf("unexpected result %+v calls=%d", res, *calls)
	}
	if p.Metrics.Snapshot().Failures != 1 {
		t.Error("expected failure to be counted")
	}
}

func TestRunStopsOnUnavailable(t *testing.T) {
	p := testPolicy()
	fn, calls := scripted(KindConnectError, KindUnavailable)
	p.MaxAttempts = 5

	res := p.Run(context.Background(), http.MethodGet, fn)
	if res.Last != KindUnavailable || *calls != 2 {
		t.Fatalf("unexpected result %+v calls=%d", res, *calls)
	}
}

func TestRunDeadline(t *testing.T) {
	p := testPolicy()
	p.Deadline = 30 * time.Millisecond
	p.MaxAttempts = 10

	start := time.Now()
	res := p.Run(context.Background(), http.MethodGet, func(ctx context.Context, n int) (Kind, error) {
		<-ctx.Done()
		return KindTimeout, ctx.Err()
	})
	if res.Last != KindTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("deadline not enforced, took %v", elapsed)
	}
}

func TestRunAttemptTimeoutRetried(t *testing.T) {
	p := testPolicy()
	p.Deadline = time.Second
	p.AttemptTimeout = 50 * time.Millisecond

	start := time.Now()
	res := p.Run(context.Background(), http.MethodGet, func(ctx context.Context, n int) (Kind, error) {
		dl, ok := ctx.Deadline()
		if !ok || time.Until(dl) > p.AttemptTimeout {
			t.Errorf("attempt %d: deadline not bounded by the attempt timeout", n)
		}
		if n == 1 {
			<-ctx.Done()
			return KindTimeout, ctx.Err()
		}
		return KindSuccess, nil
	})
	if res.Last != KindSuccess || res.Attempts != 2 {
		t.Fatalf("expected success on the second attempt, got %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("first attempt held the whole deadline: %v", elapsed)
	}
}

func TestRunBudgetStopsRetries(t *testing.T) {
	p := NewPolicy(config.RetryConfig{
		MaxAttempts:    3,
		Deadline:       time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BudgetRatio:    0.1,
	})
	fn, _ := scripted(KindConnectError)

	// one request in the window, so a single retry is already over 10%
	res := p.Run(context.Background(), http.MethodGet, fn)
	if res.Attempts != 1 {
		t.Errorf("budget should refuse the retry, got %d attempts", res.Attempts)
	}
	if p.Metrics.Snapshot().Denied != 1 {
		t.Errorf("expected 1 denied retry, got %d", p.Metrics.Snapshot().Denied)
	}
}

func TestKindFailure(t *testing.T) {
	for _, k := range []Kind{KindConnectError, KindTimeout, KindInvalidResponse, KindServerError} {
		if !k.Failure() {
			t.Errorf("%s should count as failure", k)
		}
	}
	for _, k := range []Kind{KindSuccess, KindUnavailable} {
		if k.Failure() {
			t.Errorf("%s should not count as failure", k)
		}
	}
}
