package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/bankgate/internal/config"
	"github.com/wudi/bankgate/internal/middleware/maintenance"
)

func TestSQLInjectionBlocked(t *testing.T) {
	ledger := newBackend(t, respond(http.StatusOK, "{}"))
	h := newHarness(t, testConfig(t, map[string][]string{"ledger": {ledger.URL}}))

	rr := h.get("/api/history/?id=1'%20UNION%20SELECT%20*%20FROM%20users", clientIP)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if ledger.hits.Load() != 0 {
		t.Fatal("upstream must not be called")
	}
	if body := errorBody(t, rr); body["correlation_id"] == "" {
		t.Error("expected correlation_id in body")
	}

	attack := h.stream(config.StreamAttack)
	if len(attack) != 1 {
		t.Fatalf("expected one attack record, got %d", len(attack))
	}
	gate, reason := decision(attack[0])
	if gate != "security" || reason != "SQL_INJECTION" {
		t.Errorf("unexpected decision %s/%s", gate, reason)
	}
	if got := attack[0].ContextMap()["client_ip"]; got != clientIP {
		t.Errorf("expected client_ip %s, got %v", clientIP, got)
	}
	if len(h.stream(config.StreamAccess)) != 0 {
		t.Error("attack must not be logged to the access stream")
	}
}

func TestInjectionInBodyBlocked(t *testing.T) {
	ledger := newBackend(t, respond(http.StatusOK, "{}"))
	h := newHarness(t, testConfig(t, map[string][]string{"ledger": {ledger.URL}}))

	req := newRequest(http.MethodPost, "/api/transfer/new", clientIP,
		strings.NewReader(`{"memo":"x'; DROP TABLE accounts; --"}`))
	req.Header.Set("Referer", "https://bank.example.com/")
	rr := h.do(req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if ledger.hits.Load() != 0 {
		t.Fatal("upstream must not be called")
	}
	// attack on an audited route is logged to both streams
	if len(h.stream(config.StreamAttack)) != 1 || len(h.stream(config.StreamAudit)) != 1 {
		t.Error("expected attack and audit records")
	}
}

func TestLoginBurst(t *testing.T) {
	auth := newBackend(t, respond(http.StatusOK, `{"token":"t"}`))
	h := newHarness(t, testConfig(t, map[string][]string{"auth": {auth.URL}}))

	start := time.Now()
	var codes []int
	var retryAfter []string
	for i := 0; i < 25; i++ {
		rr := h.do(newRequest(http.MethodPost, "/api/auth/login", clientIP, strings.NewReader(`{"user":"a"}`)))
		codes = append(codes, rr.Code)
		retryAfter = append(retryAfter, rr.Header().Get("Retry-After"))
	}
	elapsed := time.Since(start)

	for i := 0; i < 20; i++ {
		if codes[i] != http.StatusOK {
			t.Fatalf("request %d: expected 200 within burst, got %d", i+1, codes[i])
		}
	}

	// refill at 10/s may admit a few more if the loop was slow
	slack := int(elapsed.Seconds() * 10)
	admitted := 0
	for i, code := range codes {
		switch code {
		case http.StatusOK:
			admitted++
		case http.StatusTooManyRequests:
			if retryAfter[i] == "" {
				t.Errorf("request %d: 429 without Retry-After", i+1)
			}
		default:
			t.Errorf("request %d: unexpected status %d", i+1, code)
		}
	}
	if admitted < 20 || admitted > 20+slack {
		t.Errorf("expected 20 admitted (+%d slack), got %d", slack, admitted)
	}
	if int(auth.hits.Load()) != admitted {
		t.Errorf("rejected requests must not reach upstream: hits=%d admitted=%d", auth.hits.Load(), admitted)
	}

	security := h.stream(config.StreamSecurity)
	if len(security) != 25-admitted {
		t.Fatalf("expected %d security records, got %d", 25-admitted, len(security))
	}
	if _, reason := decision(security[0]); reason != reasonRateLimited+":login" {
		t.Errorf("expected RATE_LIMITED:login, got %q", reason)
	}
	if got := len(h.stream(config.StreamAuth)); got != admitted {
		t.Errorf("expected %d auth records, got %d", admitted, got)
	}

	// another client has its own bucket
	rr := h.do(newRequest(http.MethodPost, "/api/auth/login", "192.0.2.99", strings.NewReader("{}")))
	if rr.Code != http.StatusOK {
		t.Errorf("expected other client to pass, got %d", rr.Code)
	}
}

func TestAllEndpointsUnhealthy(t *testing.T) {
	a := newBackend(t, respond(http.StatusOK, "{}"))
	b := newBackend(t, respond(http.StatusOK, "{}"))
	h := newHarness(t, testConfig(t, map[string][]string{"wallet": {a.URL, b.URL}}))

	pool := h.gw.Pools()["wallet"]
	for i := 0; i < 20 && pool.Available() > 0; i++ {
		lease, err := pool.Select(nil)
		if err != nil {
			break
		}
		lease.Release(errTestFailure)
	}
	if pool.Available() != 0 {
		t.Fatalf("expected every endpoint open, %d available", pool.Available())
	}

	rr := h.get("/api/wallet/balance", clientIP)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After")
	}
	if a.hits.Load()+b.hits.Load() != 0 {
		t.Error("no endpoint may be contacted")
	}
	entries := h.stream(config.StreamAccess)
	if len(entries) != 1 {
		t.Fatalf("expected one access record, got %d", len(entries))
	}
	if _, reason := decision(entries[0]); reason != reasonNoHealthyEndpoint {
		t.Errorf("expected NO_HEALTHY_ENDPOINT, got %q", reason)
	}
}

func TestMaintenanceMode(t *testing.T) {
	ledger := newBackend(t, respond(http.StatusOK, "{}"))
	h := newHarness(t, testConfig(t, map[string][]string{"ledger": {ledger.URL}}))
	h.gw.Maintenance().Set(true, maintenance.SourceAdmin)

	deposit := func(ip string) *httptest.ResponseRecorder {
		return h.do(newRequest(http.MethodPost, "/api/deposit/", ip, strings.NewReader(`{"amount":100}`)))
	}

	rr := deposit(clientIP)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "300" {
		t.Errorf("expected Retry-After 300, got %q", got)
	}
	if body := errorBody(t, rr); body["retry_after"] != float64(300) {
		t.Errorf("expected retry_after 300 in body, got %v", body["retry_after"])
	}
	if ledger.hits.Load() != 0 {
		t.Error("upstream must not be called during maintenance")
	}

	if rr := deposit(adminIP); rr.Code != http.StatusOK {
		t.Fatalf("expected admin to pass during maintenance, got %d", rr.Code)
	}
	if ledger.hits.Load() != 1 {
		t.Errorf("expected the admin deposit upstream, hits=%d", ledger.hits.Load())
	}

	h.gw.Maintenance().Set(false, maintenance.SourceAdmin)
	if rr := deposit(clientIP); rr.Code != http.StatusOK {
		t.Errorf("expected 200 after maintenance, got %d", rr.Code)
	}
}
