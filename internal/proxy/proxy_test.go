package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/bankgate/internal/config"
	"github.com/wudi/bankgate/internal/loadbalancer"
	"github.com/wudi/bankgate/internal/retry"
)

func newTestProxy(cfg config.RetryConfig) *Proxy {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = 2 * time.Second
	}
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond
	tc := config.TransportConfig{MaxIdleConns: 10, MaxIdleConnsPerHost: 2, DialTimeout: time.Second, MaxResponseBytes: 1024}
	return New(NewTransport(tc), tc, retry.NewPolicy(cfg))
}

func newTestPool(t *testing.T, endpoints ...string) *loadbalancer.Pool {
	t.Helper()
	p, err := loadbalancer.NewPool("wallet", config.UpstreamConfig{Endpoints: endpoints, FailureThreshold: 3, RecoveryTimeout: time.Minute}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// deadURL returns the address of a server that is no longer listening.
func deadURL() string {
	s := httptest.NewServer(http.NotFoundHandler())
	u := s.URL
	s.Close()
	return u
}

func outbound(method, target string, body string) *Outbound {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	return NewOutbound(r, []byte(body), "203.0.113.9", "req-1")
}

func TestDoForwardsRequest(t *testing.T) {
	var got *http.Request
	var gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	p := newTestProxy(config.RetryConfig{})
	out := outbound("POST", "http://bank.example/api/wallet/topup?x=1", `{"amount":10}`)
	out.Header.Set("X-Forwarded-For", "198.51.100.1")
	out.Header.Set("Connection", "X-Secret")
	out.Header.Set("X-Secret", "hop")
	out.Header.Set("Authorization", "Bearer t")

	res := p.Do(context.Background(), newTestPool(t, backend.URL+"/base"), out)
	if res.Kind != retry.KindSuccess || res.Response == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if string(res.Response.Body) != `{"ok":true}` {
		t.Errorf("unexpected body %q", res.Response.Body)
	}
	if res.Attempts != 1 || res.Endpoint != backend.URL+"/base" {
		t.Errorf("unexpected attempts/endpoint %d %s", res.Attempts, res.Endpoint)
	}

	if got.URL.Path != "/base/api/wallet/topup" || got.URL.RawQuery != "x=1" {
		t.Errorf("unexpected upstream URL %s", got.URL)
	}
	if got.Host != "bank.example" {
		t.Errorf("Host = %q, want original host", got.Host)
	}
	if gotBody != `{"amount":10}` {
		t.Errorf("body = %q", gotBody)
	}
	checks := map[string]string{
		"X-Real-Ip":         "203.0.113.9",
		"X-Forwarded-For":   "198.51.100.1, 203.0.113.9",
		"X-Forwarded-Proto": "http",
		"X-Forwarded-Host":  "bank.example",
		"X-Forwarded-Port":  "80",
		"X-Request-Id":      "req-1",
		"Authorization":     "Bearer t",
		"X-Secret":          "",
	}
	for h, want := range checks {
		if v := got.Header.Get(h); v != want {
			t.Errorf("%s = %q, want %q", h, v, want)
		}
	}
}

func TestDoRetriesOnConnectError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	p := newTestProxy(config.RetryConfig{})
	res := p.Do(context.Background(), newTestPool(t, deadURL(), backend.URL), outbound("POST", "/api/deposit/", "{}"))

	if res.Kind != retry.KindSuccess || res.Response.StatusCode != http.StatusCreated {
		t.Fatalf("expected success via second endpoint, got %+v", res)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
}

func TestDoConnectErrorSingleEndpoint(t *testing.T) {
	p := newTestProxy(config.RetryConfig{})
	res := p.Do(context.Background(), newTestPool(t, deadURL()), outbound("GET", "/api/ledger/", ""))

	if res.Kind != retry.KindConnectError {
		t.Fatalf("expected connect error, got %s", res.Kind)
	}
	if res.Response != nil || res.Attempts != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestDoRelaysServerError(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("busy"))
	}))
	defer backend.Close()
	p := newTestProxy(config.RetryConfig{})

	res := p.Do(context.Background(), newTestPool(t, backend.URL, backend.URL+"/"), outbound("GET", "/api/history/", ""))
	if res.Kind != retry.KindServerError || res.Response.StatusCode != 503 {
		t.Fatalf("expected relayed 503, got %+v", res)
	}
	if calls.Load() != 2 {
		t.Errorf("GET should be retried on 5xx, got %d calls", calls.Load())
	}

	calls.Store(0)
	res = p.Do(context.Background(), newTestPool(t, backend.URL, backend.URL+"/"), outbound("POST", "/api/transfer/", "{}"))
	if res.Kind != retry.KindServerError || string(res.Response.Body) != "busy" {
		t.Fatalf("expected relayed 503, got %+v", res)
	}
	if calls.Load() != 1 {
		t.Errorf("POST must not be retried after reaching the upstream, got %d calls", calls.Load())
	}
}

func TestDoTimeout(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	p := newTestProxy(config.RetryConfig{Deadline: 50 * time.Millisecond})
	res := p.Do(context.Background(), newTestPool(t, backend.URL), outbound("GET", "/api/wallet/", ""))
	if res.Kind != retry.KindTimeout {
		t.Fatalf("expected timeout, got %s (%v)", res.Kind, res.Err)
	}
}

func TestDoOversizedResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 2048)))
	}))
	defer backend.Close()

	p := newTestProxy(config.RetryConfig{MaxAttempts: 1})
	res := p.Do(context.Background(), newTestPool(t, backend.URL), outbound("GET", "/api/history/", ""))
	if res.Kind != retry.KindInvalidResponse {
		t.Fatalf("expected invalid response, got %s", res.Kind)
	}
}

func TestDoNoEndpoint(t *testing.T) {
	pool, err := loadbalancer.NewPool("ledger", config.UpstreamConfig{
		Endpoints:        []string{deadURL()},
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p := newTestProxy(config.RetryConfig{MaxAttempts: 1})
	p.Do(context.Background(), pool, outbound("GET", "/api/ledger/", "")) // trips the endpoint

	res := p.Do(context.Background(), pool, outbound("GET", "/api/ledger/", ""))
	if res.Kind != retry.KindUnavailable || res.Attempts != 0 {
		t.Fatalf("expected unavailable without dispatch, got %+v", res)
	}
}

func TestOnAttempt(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	p := newTestProxy(config.RetryConfig{})
	var kinds []string
	p.OnAttempt = func(pool string, kind retry.Kind) { kinds = append(kinds, pool+":"+kind.String()) }

	p.Do(context.Background(), newTestPool(t, deadURL(), backend.URL), outbound("GET", "/", ""))
	if len(kinds) != 2 || kinds[0] != "wallet:connect_error" || kinds[1] != "wallet:success" {
		t.Errorf("unexpected attempts %v", kinds)
	}
}

func TestCopyHeaders(t *testing.T) {
	dst := http.Header{"X-Request-Id": {"abc"}}
	src := http.Header{
		"Content-Type":      {"application/json"},
		"Connection":        {"close, X-Internal"},
		"X-Internal":        {"1"},
		"Transfer-Encoding": {"chunked"},
	}
	CopyHeaders(dst, src)

	if dst.Get("Content-Type") != "application/json" || dst.Get("X-Request-Id") != "abc" {
		t.Errorf("unexpected headers %v", dst)
	}
	for _, h := range []string{"Connection", "X-Internal", "Transfer-Encoding"} {
		if dst.Get(h) != "" {
			t.Errorf("hop-by-hop header %s not removed", h)
		}
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/api", "/api"},
		{"/", "/api", "/api"},
		{"/base", "/api", "/base/api"},
		{"/base/", "api", "/base/api"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
