package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordRequest(t *testing.T) {
	c := NewCollector()

	c.RecordRequest("wallet", "GET", 200, 100*time.Millisecond)
	c.RecordRequest("wallet", "GET", 200, 200*time.Millisecond)
	c.RecordRequest("wallet", "POST", 500, 50*time.Millisecond)

	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("wallet", "GET", "200")); got != 2 {
		t.Errorf("expected 2 GET 200 requests, got %v", got)
	}
	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("wallet", "POST", "500")); got != 1 {
		t.Errorf("expected 1 POST 500 request, got %v", got)
	}
	if n := testutil.CollectAndCount(c.requestDurations); n != 1 {
		t.Errorf("expected 1 duration series, got %d", n)
	}
}

func TestCollectorDecisionsAndCache(t *testing.T) {
	c := NewCollector()

	c.RecordDecision("rate", "RATE_LIMITED")
	c.RecordDecision("rate", "RATE_LIMITED")
	c.RecordCacheResult("HIT")
	c.RecordCacheResult("MISS")
	c.RecordUpstreamAttempt("wallet", "connect_error")

	if got := testutil.ToFloat64(c.decisionsTotal.WithLabelValues("rate", "RATE_LIMITED")); got != 2 {
		t.Errorf("expected 2 rate decisions, got %v", got)
	}
	if got := testutil.ToFloat64(c.cacheResults.WithLabelValues("HIT")); got != 1 {
		t.Errorf("expected 1 hit, got %v", got)
	}
	if got := testutil.ToFloat64(c.upstreamAttempts.WithLabelValues("wallet", "connect_error")); got != 1 {
		t.Errorf("expected 1 attempt, got %v", got)
	}
}

func TestCollectorEndpointState(t *testing.T) {
	c := NewCollector()

	c.SetEndpointState("wallet", "http://10.0.0.1:8080", 1)
	if got := testutil.ToFloat64(c.endpointState.WithLabelValues("wallet", "http://10.0.0.1:8080")); got != 1 {
		t.Errorf("expected state 1, got %v", got)
	}
}

func TestCollectorHandler(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("auth", "POST", 429, time.Millisecond)

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	body := w.Body.String()
	for _, want := range []string{
		`bankgate_requests_total{method="POST",route="auth",status="429"} 1`,
		"bankgate_request_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in exposition", want)
		}
	}
}
