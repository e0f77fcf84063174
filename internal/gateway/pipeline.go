package gateway

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/wudi/bankgate/internal/cache"
	"github.com/wudi/bankgate/internal/errors"
	"github.com/wudi/bankgate/internal/middleware"
	"github.com/wudi/bankgate/internal/middleware/accesslog"
	"github.com/wudi/bankgate/internal/middleware/botdetect"
	"github.com/wudi/bankgate/internal/middleware/identity"
	"github.com/wudi/bankgate/internal/middleware/ratelimit"
	"github.com/wudi/bankgate/internal/proxy"
	"github.com/wudi/bankgate/internal/retry"
	"github.com/wudi/bankgate/internal/router"
)

// Reason codes for gate decisions. They appear in logs and metrics only.
const (
	reasonBodyTooLarge       = "BODY_TOO_LARGE"
	reasonBodyRead           = "BODY_READ_FAILED"
	reasonMaintenance        = "MAINTENANCE"
	reasonGeoBlocked         = "GEO_BLOCKED"
	reasonAdminOnly          = "ADMIN_ONLY"
	reasonBadBot             = "BAD_BOT"
	reasonRateLimited        = "RATE_LIMITED"
	reasonConnLimit          = "CONNECTION_LIMIT"
	reasonPoolSaturated      = "POOL_SATURATED"
	reasonNoRoute            = "NO_ROUTE"
	reasonMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	reasonMissingReferer     = "MISSING_REFERER"
	reasonNoHealthyEndpoint  = "NO_HEALTHY_ENDPOINT"
	reasonUpstreamTimeout    = "UPSTREAM_TIMEOUT"
	reasonUpstreamConnect    = "UPSTREAM_CONNECT_FAILED"
	reasonInvalidResponse    = "INVALID_UPSTREAM_RESPONSE"
	reasonClientDisconnected = "CLIENT_DISCONNECTED"
)

// Retry hints for connection cap rejections and upstream failures.
const (
	connRetryAfter     = time.Second
	upstreamRetryAfter = time.Second
)

// ServeHTTP runs one request through the pipeline:
// received, access, security, rate, connection, routing, cache, dispatch.
// Every exit writes exactly one response and one decision record.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := &requestContext{
		start: time.Now(),
		id:    middleware.GetRequestID(r),
		w:     accesslog.NewWriter(w),
		r:     r,
	}
	rc.w.Header().Set(headerAPIVersion, g.config.Server.APIVersion)

	if !g.receive(rc) ||
		!g.checkAccess(rc) ||
		!g.checkSecurity(rc) ||
		!g.checkRate(rc) {
		return
	}

	releases, ok := g.admitConnection(rc)
	defer func() {
		for _, release := range releases {
			release()
		}
	}()
	if !ok {
		return
	}

	if !g.routeRequest(rc) {
		return
	}
	g.dispatch(rc)
}

// receive identifies the caller and buffers the body.
func (g *Gateway) receive(rc *requestContext) bool {
	r := rc.r
	rc.clientIP = g.realIP.Extract(r)
	rc.userID = identity.UserID(r)
	rc.admin = g.access.IsAdmin(rc.clientIP)
	rc.agent = g.bots.Classify(r.UserAgent())
	// Early lookup finds the zones and admin flag; method checks wait for routing.
	rc.route = g.router.Lookup(r.URL.Path)

	limit := g.config.Server.MaxBodyBytes
	if r.ContentLength > limit {
		g.deny(rc, accesslog.GateReceived, errors.ErrRequestEntityTooLarge.WithReason(reasonBodyTooLarge))
		return false
	}
	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(http.MaxBytesReader(rc.w, r.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if stderrors.As(err, &tooLarge) {
				g.deny(rc, accesslog.GateReceived, errors.ErrRequestEntityTooLarge.WithReason(reasonBodyTooLarge))
			} else {
				g.deny(rc, accesslog.GateReceived, errors.Wrap(err, errors.ErrBadRequest).WithReason(reasonBodyRead))
			}
			return false
		}
		rc.body = body
	}
	rc.pass(stateReceived)
	return true
}

// checkAccess applies maintenance, the geo deny list and admin-only routes.
func (g *Gateway) checkAccess(rc *requestContext) bool {
	if !g.maint.Admit(rc.admin) {
		g.deny(rc, accesslog.GateAccess,
			errors.ErrMaintenance.WithReason(reasonMaintenance).WithRetryAfter(g.maint.RetryAfter()))
		return false
	}
	if g.geo != nil && !rc.admin {
		if _, denied := g.geo.Denied(rc.clientIP); denied {
			g.deny(rc, accesslog.GateAccess, errors.ErrForbidden.WithReason(reasonGeoBlocked))
			return false
		}
	}
	if rc.route != nil && rc.route.AdminOnly {
		if !rc.admin {
			g.deny(rc, accesslog.GateAccess, errors.ErrForbidden.WithReason(reasonAdminOnly))
			return false
		}
		rc.bypass = true
	}
	rc.pass(stateAccessChecked)
	return true
}

// checkSecurity rejects known-bad agents and attack patterns.
func (g *Gateway) checkSecurity(rc *requestContext) bool {
	if rc.bypass {
		return true
	}
	if rc.agent == botdetect.KnownBad {
		g.deny(rc, accesslog.GateSecurity, errors.ErrForbidden.WithReason(reasonBadBot))
		return false
	}
	r := rc.r
	if v := g.waf.Classify(r.Method, r.URL.EscapedPath(), r.URL.RawQuery, r.Header, rc.body); v.Blocked {
		g.deny(rc, accesslog.GateSecurity, errors.ErrForbidden.WithReason(v.Reason))
		return false
	}
	rc.pass(stateSecurityChecked)
	return true
}

// checkRate evaluates global zones, the bot zone for suspicious agents, then
// the route's zones. All of them must admit.
func (g *Gateway) checkRate(rc *requestContext) bool {
	if rc.bypass {
		return true
	}
	rl := g.config.RateLimit
	zones := make([]string, 0, len(rl.Global)+4)
	zones = append(zones, rl.Global...)
	if rc.agent == botdetect.Suspicious && rl.BotZone != "" {
		zones = append(zones, rl.BotZone)
	}
	if rc.route != nil {
		zones = append(zones, rc.route.Zones...)
	}

	d := g.limits.Allow(zones, ratelimit.Keys{IP: rc.clientIP, User: rc.userID}, 1)
	if !d.Allowed {
		g.deny(rc, accesslog.GateRate,
			errors.ErrTooManyRequests.WithReason(reasonRateLimited+":"+d.Zone).WithRetryAfter(d.RetryAfter))
		return false
	}
	rc.pass(stateRateChecked)
	return true
}

// admitConnection takes the per-IP slot, then the pool slot. The returned
// release funcs must run on every exit path.
func (g *Gateway) admitConnection(rc *requestContext) ([]func(), bool) {
	if rc.bypass {
		return nil, true
	}
	var releases []func()

	release, ok := g.conns.Acquire(rc.clientIP)
	if !ok {
		g.deny(rc, accesslog.GateConnection,
			errors.ErrServiceUnavailable.WithClass(errors.ClassPolicy).WithReason(reasonConnLimit).WithRetryAfter(connRetryAfter))
		return nil, false
	}
	releases = append(releases, release)

	if rc.route != nil {
		if pool, found := g.pools[rc.route.Upstream]; found {
			release, ok := pool.Acquire()
			if !ok {
				g.deny(rc, accesslog.GateConnection,
					errors.ErrServiceUnavailable.WithReason(reasonPoolSaturated).WithRetryAfter(connRetryAfter))
				return releases, false
			}
			releases = append(releases, release)
		}
	}
	rc.pass(stateConnectionAdmitted)
	return releases, true
}

// routeRequest enforces the route's method list and referer policy.
func (g *Gateway) routeRequest(rc *requestContext) bool {
	r := rc.r
	route, err := g.router.Match(r.Method, r.URL.Path)
	switch {
	case stderrors.Is(err, router.ErrNoRoute):
		g.deny(rc, accesslog.GateRouting, errors.ErrNotFound.WithReason(reasonNoRoute))
		return false
	case stderrors.Is(err, router.ErrMethodNotAllowed):
		rc.route = route
		rc.w.Header().Set("Allow", route.AllowHeader())
		g.deny(rc, accesslog.GateRouting, errors.ErrMethodNotAllowed.WithReason(reasonMethodNotAllowed))
		return false
	}
	rc.route = route

	if route.RequiresReferer(r.Method) && r.Header.Get("Referer") == "" {
		g.deny(rc, accesslog.GateRouting,
			errors.ErrForbidden.WithClass(errors.ClassClient).WithReason(reasonMissingReferer))
		return false
	}
	rc.pass(stateRouted)
	return true
}

// dispatch consults the cache, forwards to the pool and finalizes.
func (g *Gateway) dispatch(rc *requestContext) {
	r := rc.r
	route := rc.route
	pool := g.pools[route.Upstream]

	cacheable := g.cache != nil && route.Cache != "" && cache.Cacheable(r.Method)
	var key string
	rc.cache = cache.StatusBypass
	if cacheable {
		key = cache.Key(r, schemeOf(r))
		if !cache.Bypass(r.Header) {
			if entry, ok := g.cache.Get(key); ok {
				g.serveCached(rc, entry)
				return
			}
			rc.cache = cache.StatusMiss
		}
		g.metrics.RecordCacheResult(rc.cache)
	}
	rc.pass(stateCacheChecked)
	rc.w.Header().Set(headerCacheStatus, rc.cache)

	if pool.Available() == 0 {
		g.deny(rc, accesslog.GateDispatch,
			errors.ErrServiceUnavailable.WithReason(reasonNoHealthyEndpoint).WithRetryAfter(upstreamRetryAfter))
		return
	}

	out := proxy.NewOutbound(r, rc.body, rc.clientIP, rc.id)
	out.Path = route.UpstreamPath(r.URL.Path)

	fetch := func(ctx context.Context) (proxy.Result, error) {
		res := g.proxy.Do(ctx, pool, out)
		if cacheable && res.Response != nil {
			g.cache.Put(key, route.Cache, res.Response.StatusCode, storableHeaders(res.Response.Header), res.Response.Body)
		}
		return res, nil
	}

	var res proxy.Result
	if cacheable && rc.cache == cache.StatusMiss {
		var err error
		res, _, err = g.flight.Execute(r.Context(), key, fetch)
		if err != nil {
			// the shared fetch keeps running and still fills the cache
			rc.pass(stateDispatched)
			g.finish(rc, rc.record(499, accesslog.OutcomeClient, accesslog.GateDispatch, reasonClientDisconnected, err))
			return
		}
	} else {
		res, _ = fetch(context.WithoutCancel(r.Context()))
	}
	rc.pass(stateDispatched)
	rc.upstream = res.Endpoint
	rc.attempts = res.Attempts

	if res.Response != nil {
		g.relay(rc, res)
		return
	}

	var ge *errors.GatewayError
	switch res.Kind {
	case retry.KindTimeout:
		ge = errors.ErrGatewayTimeout.WithReason(reasonUpstreamTimeout)
	case retry.KindConnectError:
		ge = errors.ErrBadGateway.WithReason(reasonUpstreamConnect)
	case retry.KindUnavailable:
		ge = errors.ErrServiceUnavailable.WithReason(reasonNoHealthyEndpoint)
	default:
		ge = errors.ErrBadGateway.WithReason(reasonInvalidResponse)
	}
	if res.Err != nil {
		ge = errors.Wrap(res.Err, ge)
	}
	g.deny(rc, accesslog.GateDispatch, ge.WithRetryAfter(upstreamRetryAfter))
}

// serveCached replays a live cache entry without touching the pool.
func (g *Gateway) serveCached(rc *requestContext, entry *cache.Entry) {
	rc.cache = cache.StatusHit
	rc.pass(stateCacheChecked)
	g.metrics.RecordCacheResult(rc.cache)
	rc.w.Header().Set(headerCacheStatus, rc.cache)
	cache.WriteEntry(rc.w, entry, time.Now())
	g.finish(rc, rc.record(entry.StatusCode, outcomeOfStatus(entry.StatusCode), "", "", nil))
}

// relay writes an upstream response, including 5xx, as received.
func (g *Gateway) relay(rc *requestContext, res proxy.Result) {
	resp := res.Response
	h := rc.w.Header()
	cacheStatus := h.Get(headerCacheStatus)
	proxy.CopyHeaders(h, resp.Header)
	h.Set(middleware.RequestIDHeader, rc.id)
	h.Set(headerAPIVersion, g.config.Server.APIVersion)
	h.Set(headerCacheStatus, cacheStatus)
	if resp.StatusCode >= http.StatusInternalServerError && h.Get("Retry-After") == "" {
		h.Set("Retry-After", strconv.Itoa(errors.RetryAfterSeconds(upstreamRetryAfter)))
	}

	rc.w.WriteHeader(resp.StatusCode)
	if rc.r.Method != http.MethodHead {
		rc.w.Write(resp.Body)
	}

	reason := ""
	if rc.r.Context().Err() != nil {
		reason = reasonClientDisconnected
	}
	g.finish(rc, rc.record(resp.StatusCode, outcomeOfStatus(resp.StatusCode), "", reason, nil))
}

// deny writes a gateway error and records the gate that produced it.
func (g *Gateway) deny(rc *requestContext, gate string, ge *errors.GatewayError) {
	ge = ge.WithRequestID(rc.id)
	ge.WriteJSON(rc.w)
	g.metrics.RecordDecision(gate, ge.Reason)

	var cause error
	if ge.Unwrap() != nil {
		cause = ge
	}
	g.finish(rc, rc.record(ge.Code, outcomeOf(ge.Class), gate, ge.Reason, cause))
}

// finish emits the decision record and request metrics.
func (g *Gateway) finish(rc *requestContext, rec *accesslog.Record) {
	g.log.Log(rec)
	g.metrics.RecordRequest(rec.Route, rec.Method, rec.Status, rec.Latency)
}

// storableHeaders drops per-connection and per-request headers before an
// entry is stored.
func storableHeaders(src http.Header) http.Header {
	h := make(http.Header, len(src))
	proxy.CopyHeaders(h, src)
	h.Del(middleware.RequestIDHeader)
	h.Del(headerAPIVersion)
	h.Del(headerCacheStatus)
	return h
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
