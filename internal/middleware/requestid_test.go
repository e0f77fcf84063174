package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestID(t *testing.T) {
	var seen string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
		w.WriteHeader(http.StatusOK)
	})

	rr := httptest.NewRecorder()
	RequestID()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if seen == "" {
		t.Fatal("Request ID should be set in context")
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("expected a UUID, got %q", seen)
	}
	if rr.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header %q does not match context %q", rr.Header().Get(RequestIDHeader), seen)
	}
}

func TestRequestIDTrust(t *testing.T) {
	tests := []struct {
		name    string
		trust   bool
		inbound string
		reuse   bool
	}{
		{"trusted", true, "existing-request-id", true},
		{"not trusted", false, "existing-request-id", false},
		{"trusted but too long", true, strings.Repeat("a", maxInboundIDLen+1), false},
		{"trusted but has spaces", true, "bad id", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			mw := RequestIDWithConfig(RequestIDConfig{TrustHeader: tt.trust})
			h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r)
			}))

			req := httptest.NewRequest("GET", "/test", nil)
			req.Header.Set(RequestIDHeader, tt.inbound)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if got := seen == tt.inbound; got != tt.reuse {
				t.Errorf("reuse = %v, want %v (id %q)", got, tt.reuse, seen)
			}
			if seen == "" {
				t.Error("expected a request ID")
			}
			if rr.Header().Get(RequestIDHeader) != seen {
				t.Error("response header should carry the chosen ID")
			}
		})
	}
}

func TestRequestIDCustomGenerator(t *testing.T) {
	mw := RequestIDWithConfig(RequestIDConfig{Generator: func() string { return "fixed" }})
	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(RequestIDHeader) != "fixed" {
			t.Errorf("inbound header not rewritten, got %q", r.Header.Get(RequestIDHeader))
		}
	})).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Header().Get(RequestIDHeader) != "fixed" {
		t.Errorf("expected fixed, got %s", rr.Header().Get(RequestIDHeader))
	}
}

func TestRequestIDFromContext(t *testing.T) {
	if id := RequestIDFromContext(t.Context()); id != "" {
		t.Errorf("expected empty string, got %q", id)
	}
	ctx := WithRequestID(t.Context(), "key-id-1")
	if id := RequestIDFromContext(ctx); id != "key-id-1" {
		t.Errorf("expected 'key-id-1', got %q", id)
	}
}
