package gateway

import (
	"net/http"
	"time"

	"github.com/wudi/bankgate/internal/errors"
	"github.com/wudi/bankgate/internal/middleware/accesslog"
	"github.com/wudi/bankgate/internal/middleware/botdetect"
	"github.com/wudi/bankgate/internal/router"
)

// Pipeline states, in order. A request's trail lists the states it passed.
const (
	stateReceived           = "received"
	stateAccessChecked      = "access_checked"
	stateSecurityChecked    = "security_checked"
	stateRateChecked        = "rate_checked"
	stateConnectionAdmitted = "connection_admitted"
	stateRouted             = "routed"
	stateCacheChecked       = "cache_checked"
	stateDispatched         = "dispatched"
)

// Response headers set by the pipeline.
const (
	headerAPIVersion  = "X-API-Version"
	headerCacheStatus = "X-Cache-Status"
)

// requestContext is the per-request state threaded through the pipeline.
// It is never shared between requests.
type requestContext struct {
	start    time.Time
	id       string
	clientIP string
	userID   string
	admin    bool
	agent    botdetect.Class
	bypass   bool // admin caller on an admin-only route
	route    *router.Route
	body     []byte
	trail    []string
	cache    string
	upstream string
	attempts int
	w        *accesslog.Writer
	r        *http.Request
}

func (rc *requestContext) pass(state string) {
	rc.trail = append(rc.trail, state)
}

func (rc *requestContext) routeID() string {
	if rc.route == nil {
		return ""
	}
	return rc.route.ID
}

func (rc *requestContext) logStream() string {
	if rc.route == nil {
		return ""
	}
	return rc.route.LogStream
}

// record builds the decision record for the terminal response.
func (rc *requestContext) record(status int, outcome accesslog.Outcome, gate, reason string, err error) *accesslog.Record {
	return &accesslog.Record{
		Timestamp:     rc.start,
		CorrelationID: rc.id,
		ClientIP:      rc.clientIP,
		UserID:        rc.userID,
		Method:        rc.r.Method,
		Path:          rc.r.URL.Path,
		Route:         rc.routeID(),
		Status:        status,
		Outcome:       outcome,
		Gate:          gate,
		Reason:        reason,
		Trail:         rc.trail,
		Latency:       time.Since(rc.start),
		Upstream:      rc.upstream,
		Attempts:      rc.attempts,
		BytesIn:       int64(len(rc.body)),
		BytesOut:      rc.w.BytesWritten(),
		Cache:         rc.cache,
		Agent:         rc.agent.String(),
		Admin:         rc.admin,
		Stream:        rc.logStream(),
		Err:           err,
	}
}

// outcomeOf maps an error class onto the log outcome.
func outcomeOf(c errors.Class) accesslog.Outcome {
	switch c {
	case errors.ClassPolicy:
		return accesslog.OutcomePolicy
	case errors.ClassUpstream:
		return accesslog.OutcomeUpstream
	case errors.ClassInternal:
		return accesslog.OutcomeInternal
	default:
		return accesslog.OutcomeClient
	}
}

// outcomeOfStatus classifies a relayed upstream response.
func outcomeOfStatus(status int) accesslog.Outcome {
	switch {
	case status >= 500:
		return accesslog.OutcomeUpstream
	case status >= 400:
		return accesslog.OutcomeClient
	default:
		return accesslog.OutcomeSuccess
	}
}
