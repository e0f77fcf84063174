package errors

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Class groups gateway errors by how they are logged and whether they may be retried.
type Class int

const (
	ClassClient Class = iota
	ClassPolicy
	ClassUpstream
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassClient:
		return "client_error"
	case ClassPolicy:
		return "policy_denied"
	case ClassUpstream:
		return "upstream_failure"
	case ClassInternal:
		return "internal_fault"
	default:
		return "unknown"
	}
}

// GatewayError represents an error that can be returned to clients.
// Reason is a machine-readable code for logs only; it is never serialized.
type GatewayError struct {
	Code       int    `json:"code"`
	Message    string `json:"error"`
	RequestID  string `json:"correlation_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Class      Class  `json:"-"`
	Reason     string `json:"-"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

func (e *GatewayError) clone() *GatewayError {
	c := *e
	return &c
}

// WithReason attaches a log-only reason code.
func (e *GatewayError) WithReason(reason string) *GatewayError {
	c := e.clone()
	c.Reason = reason
	return c
}

// WithRequestID adds the correlation ID to the error body.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	c := e.clone()
	c.RequestID = requestID
	return c
}

// WithRetryAfter sets the retry hint, rounded up to whole seconds with a minimum of one.
func (e *GatewayError) WithRetryAfter(d time.Duration) *GatewayError {
	c := e.clone()
	c.RetryAfter = RetryAfterSeconds(d)
	return c
}

// WithClass overrides the error class.
func (e *GatewayError) WithClass(class Class) *GatewayError {
	c := e.clone()
	c.Class = class
	return c
}

// RetryAfterSeconds converts a wait into a Retry-After value.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// WriteJSON writes the error as JSON to the response.
// Base errors use pre-serialized JSON to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
		Class:   ClassClient,
	}

	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
		Class:   ClassClient,
	}

	ErrMethodNotAllowed = &GatewayError{
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
		Class:   ClassClient,
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
		Class:   ClassPolicy,
	}

	ErrRequestEntityTooLarge = &GatewayError{
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Request Entity Too Large",
		Class:   ClassClient,
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
		Class:   ClassPolicy,
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
		Class:   ClassInternal,
	}

	ErrBadGateway = &GatewayError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
		Class:   ClassUpstream,
	}

	ErrServiceUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
		Class:   ClassUpstream,
	}

	ErrGatewayTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
		Class:   ClassUpstream,
	}

	ErrMaintenance = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service under maintenance",
		Class:   ClassPolicy,
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrBadRequest, ErrNotFound, ErrMethodNotAllowed, ErrForbidden,
		ErrRequestEntityTooLarge, ErrTooManyRequests, ErrInternalServer,
		ErrBadGateway, ErrServiceUnavailable, ErrGatewayTimeout, ErrMaintenance,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError
func New(code int, message string, class Class) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
		Class:   class,
	}
}

// Wrap attaches an underlying cause to a copy of base. The cause is visible to
// logs through Error and Unwrap but never serialized.
func Wrap(err error, base *GatewayError) *GatewayError {
	c := base.clone()
	c.underlying = err
	return c
}

// AsGatewayError checks if an error is a GatewayError
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
