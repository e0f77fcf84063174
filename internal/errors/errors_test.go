package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	e := New(400, "bad request", ClassClient)
	if e.Code != 400 {
		t.Errorf("Code = %d, want 400", e.Code)
	}
	if e.Error() != "bad request" {
		t.Errorf("Error() = %q, want %q", e.Error(), "bad request")
	}
	if e.Class != ClassClient {
		t.Errorf("Class = %v, want client", e.Class)
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, ErrBadGateway)

	if e == ErrBadGateway {
		t.Fatal("Wrap must not return the sentinel")
	}
	if e.Code != http.StatusBadGateway || e.Class != ClassUpstream {
		t.Errorf("unexpected code/class %d/%v", e.Code, e.Class)
	}
	if want := "Bad Gateway: connection refused"; e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
	if ErrBadGateway.Unwrap() != nil {
		t.Error("sentinel must stay unwrapped")
	}
}

func TestBuildersCopy(t *testing.T) {
	e := ErrForbidden.WithReason("SQL_INJECTION").WithRequestID("req-1")

	if ErrForbidden.Reason != "" || ErrForbidden.RequestID != "" {
		t.Fatal("builders must not mutate the sentinel")
	}
	if e.Reason != "SQL_INJECTION" || e.RequestID != "req-1" {
		t.Errorf("unexpected fields %+v", e)
	}
	if c := e.WithClass(ClassClient); c.Class != ClassClient || e.Class != ClassPolicy {
		t.Error("WithClass should only change the copy")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{10 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{5 * time.Minute, 300},
	}
	for _, tt := range tests {
		if got := RetryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestAsGatewayError(t *testing.T) {
	if _, ok := AsGatewayError(ErrNotFound); !ok {
		t.Error("expected GatewayError")
	}
	if _, ok := AsGatewayError(fmt.Errorf("regular")); ok {
		t.Error("regular error should not match")
	}
	if _, ok := AsGatewayError(nil); ok {
		t.Error("nil should not match")
	}
}

func TestWriteJSON_PreSerialized(t *testing.T) {
	singletons := []*GatewayError{
		ErrBadRequest, ErrNotFound, ErrMethodNotAllowed, ErrForbidden,
		ErrRequestEntityTooLarge, ErrTooManyRequests, ErrInternalServer,
		ErrBadGateway, ErrServiceUnavailable, ErrGatewayTimeout, ErrMaintenance,
	}

	for _, e := range singletons {
		t.Run(e.Message, func(t *testing.T) {
			w := httptest.NewRecorder()
			e.WriteJSON(w)

			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			if w.Code != e.Code {
				t.Errorf("status = %d, want %d", w.Code, e.Code)
			}

			var body map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if int(body["code"].(float64)) != e.Code {
				t.Errorf("body code = %v, want %d", body["code"], e.Code)
			}
			if body["error"] != e.Message {
				t.Errorf("body error = %v, want %q", body["error"], e.Message)
			}
		})
	}
}

func TestWriteJSON_RetryAfterAndCorrelation(t *testing.T) {
	e := ErrTooManyRequests.
		WithReason("RATE_LIMITED").
		WithRequestID("req-abc").
		WithRetryAfter(1200 * time.Millisecond)

	w := httptest.NewRecorder()
	e.WriteJSON(w)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["correlation_id"] != "req-abc" {
		t.Errorf("correlation_id = %v", body["correlation_id"])
	}
	if int(body["retry_after"].(float64)) != 2 {
		t.Errorf("retry_after = %v", body["retry_after"])
	}
	if strings.Contains(w.Body.String(), "RATE_LIMITED") {
		t.Error("reason must never reach the client body")
	}
}

func TestWriteJSON_HidesUnderlying(t *testing.T) {
	e := Wrap(fmt.Errorf("cache corruption at slot 7"), ErrInternalServer).WithRequestID("r")
	w := httptest.NewRecorder()
	e.WriteJSON(w)

	if strings.Contains(w.Body.String(), "slot 7") {
		t.Errorf("internal detail leaked: %s", w.Body.String())
	}
}
