package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/bankgate/internal/config"
	"github.com/wudi/bankgate/internal/loadbalancer"
	"github.com/wudi/bankgate/internal/logging"
	"github.com/wudi/bankgate/internal/retry"
)

// errResponseTooLarge marks a response body over max_response_bytes.
var errResponseTooLarge = errors.New("upstream response exceeds size limit")

// Response is a fully buffered upstream response. It is shared between
// coalesced callers and must not be modified.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Result is the outcome of dispatching one client request.
type Result struct {
	Response *Response // nil unless the upstream answered
	Kind     retry.Kind
	Attempts int // requests actually sent upstream
	Endpoint string
	Latency  time.Duration
	Err      error
}

// Proxy dispatches requests to upstream pools with bounded retries.
type Proxy struct {
	transport        http.RoundTripper
	policy           *retry.Policy
	maxResponseBytes int64

	// OnAttempt, when set, observes every attempt outcome.
	OnAttempt func(pool string, kind retry.Kind)
}

// New creates a Proxy. transport is usually NewTransport(cfg).
func New(transport http.RoundTripper, cfg config.TransportConfig, policy *retry.Policy) *Proxy {
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	return &Proxy{
		transport:        transport,
		policy:           policy,
		maxResponseBytes: maxBytes,
	}
}

// Policy returns the retry policy.
func (p *Proxy) Policy() *retry.Policy { return p.policy }

// Do forwards out to pool. Every retry goes to an endpoint not yet tried.
// ctx bounds the whole dispatch together with the retry deadline; callers
// detach it from the client when the result must outlive a disconnect.
func (p *Proxy) Do(ctx context.Context, pool *loadbalancer.Pool, out *Outbound) Result {
	start := time.Now()
	tried := make(map[*loadbalancer.Backend]bool, p.policy.MaxAttempts)

	var res Result
	var sent int
	var lastSent retry.Kind
	var lastErr error

	run := p.policy.Run(ctx, out.Method, func(ctx context.Context, n int) (retry.Kind, error) {
		lease, err := pool.Select(tried)
		if err != nil {
			return retry.KindUnavailable, err
		}
		tried[lease.Backend] = true
		sent++
		res.Endpoint = lease.Backend.URL

		resp, kind, err := p.attempt(ctx, lease.Backend, out)
		if kind.Failure() {
			lease.Release(fmt.Errorf("%s: %w", kind, errOrStatus(err, resp)))
		} else {
			lease.Release(nil)
		}
		if resp != nil {
			res.Response = resp
		}
		lastSent, lastErr = kind, err

		if p.OnAttempt != nil {
			p.OnAttempt(pool.Name(), kind)
		}
		if kind != retry.KindSuccess {
			logging.Debug("upstream attempt failed",
				zap.String("pool", pool.Name()),
				zap.String("endpoint", lease.Backend.URL),
				zap.Int("attempt", n),
				zap.String("outcome", kind.String()),
				zap.Error(err),
			)
		}
		return kind, err
	})

	res.Attempts = sent
	res.Kind = run.Last
	res.Err = run.Err
	res.Latency = time.Since(start)

	// Running out of endpoints after a real attempt reports that attempt.
	if run.Last == retry.KindUnavailable && sent > 0 {
		res.Kind, res.Err = lastSent, lastErr
	}
	// A received 5xx is relayed rather than replaced by a later failure.
	if res.Kind != retry.KindSuccess && res.Response != nil {
		res.Kind = retry.KindServerError
	}
	if res.Kind != retry.KindSuccess && res.Kind != retry.KindServerError {
		res.Response = nil
	}
	return res
}

// attempt sends one request to backend and buffers the response.
func (p *Proxy) attempt(ctx context.Context, backend *loadbalancer.Backend, out *Outbound) (*Response, retry.Kind, error) {
	req := out.build(ctx, backend.ParsedURL)

	resp, err := p.transport.RoundTrip(req)
	if err != nil {
		return nil, classify(ctx, err), err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxResponseBytes+1))
	if err != nil {
		kind := classify(ctx, err)
		if kind == retry.KindConnectError {
			kind = retry.KindInvalidResponse
		}
		return nil, kind, err
	}
	if int64(len(body)) > p.maxResponseBytes {
		return nil, retry.KindInvalidResponse, errResponseTooLarge
	}

	r := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if resp.StatusCode >= http.StatusInternalServerError {
		return r, retry.KindServerError, nil
	}
	return r, retry.KindSuccess, nil
}

// classify maps a transport error to an attempt outcome.
func classify(ctx context.Context, err error) retry.Kind {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return retry.KindConnectError
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return retry.KindConnectError
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return retry.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.KindTimeout
	}
	return retry.KindInvalidResponse
}

func errOrStatus(err error, resp *Response) error {
	if err != nil {
		return err
	}
	if resp != nil {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return errors.New("unknown failure")
}
