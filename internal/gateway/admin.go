package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"

	"github.com/wudi/bankgate/internal/cache"
	"github.com/wudi/bankgate/internal/coalesce"
	"github.com/wudi/bankgate/internal/errors"
	"github.com/wudi/bankgate/internal/loadbalancer"
	"github.com/wudi/bankgate/internal/middleware"
	"github.com/wudi/bankgate/internal/middleware/maintenance"
	"github.com/wudi/bankgate/internal/middleware/realip"
	"github.com/wudi/bankgate/internal/retry"
)

// AdminHandler returns the admin API. Health endpoints are public; every
// other endpoint requires an admin-classified caller. The whole surface is
// throttled by a single token bucket.
func (g *Gateway) AdminHandler() http.Handler {
	r := httprouter.New()
	r.HandleMethodNotAllowed = true

	r.GET("/health", g.handleHealth)
	r.GET("/healthz", g.handleHealth)
	r.GET("/ready", g.handleReady)

	r.GET("/metrics", g.adminOnly(g.metrics.Handler()))
	r.GET("/status", g.requireAdmin(g.handleStatus))
	r.GET("/maintenance", g.requireAdmin(g.handleMaintenanceGet))
	r.PUT("/maintenance", g.requireAdmin(g.handleMaintenanceSet(true)))
	r.DELETE("/maintenance", g.requireAdmin(g.handleMaintenanceSet(false)))
	r.POST("/cache/purge", g.requireAdmin(g.handleCachePurge))

	limit := rate.Limit(g.config.Admin.RateLimit)
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := g.config.Admin.Burst
	if burst <= 0 {
		burst = 1
	}

	return middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
		throttle(rate.NewLimiter(limit, burst)),
	).Then(r)
}

// throttle rejects admin requests once the shared bucket is empty.
func throttle(limiter *rate.Limiter) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				errors.ErrTooManyRequests.
					WithRequestID(middleware.GetRequestID(r)).
					WithRetryAfter(time.Second).
					WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Gateway) isAdminCaller(r *http.Request) bool {
	return g.access.IsAdmin(g.realIP.Extract(r))
}

func (g *Gateway) forbidAdmin(w http.ResponseWriter, r *http.Request) {
	errors.ErrForbidden.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
}

func (g *Gateway) adminOnly(next http.Handler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if !g.isAdminCaller(r) {
			g.forbidAdmin(w, r)
			return
		}
		next.ServeHTTP(w, r)
	}
}

func (g *Gateway) requireAdmin(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !g.isAdminCaller(r) {
			g.forbidAdmin(w, r)
			return
		}
		h(w, r, ps)
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(g.started).Round(time.Second).String(),
	})
}

// handleReady reports ready when every pool has an endpoint that is not
// open and the redis store, if used, answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var reasons []string

	names := make([]string, 0, len(g.pools))
	for name := range g.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if g.pools[name].Available() == 0 {
			reasons = append(reasons, "pool "+name+" has no available endpoint")
		}
	}

	if g.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := g.redis.Ping(ctx).Err(); err != nil {
			reasons = append(reasons, "redis unavailable: "+err.Error())
		}
	}

	if len(reasons) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "not_ready",
			"reasons": reasons,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// Status is the body of GET /status.
type Status struct {
	Uptime      string                      `json:"uptime"`
	Pools       []loadbalancer.PoolSnapshot `json:"pools"`
	Cache       *cache.Stats                `json:"cache,omitempty"`
	Coalesce    *coalesce.Stats             `json:"coalesce,omitempty"`
	RateZones   map[string]int              `json:"rate_zones"`
	ClientConns int                         `json:"client_connections"`
	Retries     retry.MetricsSnapshot       `json:"retries"`
	Maintenance maintenance.Snapshot        `json:"maintenance"`
	Security    map[string]int64            `json:"security"`
	Geo         map[string]int64            `json:"geo,omitempty"`
	RealIP      realip.Stats                `json:"real_ip"`
}

// Status collects a point-in-time view of all shared state.
func (g *Gateway) Status() Status {
	s := Status{
		Uptime:      time.Since(g.started).Round(time.Second).String(),
		Pools:       make([]loadbalancer.PoolSnapshot, 0, len(g.pools)),
		RateZones:   g.limits.Stats(),
		ClientConns: g.conns.Keys(),
		Retries:     g.proxy.Policy().Metrics.Snapshot(),
		Maintenance: g.maint.Snapshot(),
		Security: map[string]int64{
			"attack_blocks": g.waf.Blocked(),
			"bad_bots":      g.bots.Blocked(),
		},
		RealIP: g.realIP.Stats(),
	}
	for _, p := range g.pools {
		s.Pools = append(s.Pools, p.Snapshot())
	}
	sort.Slice(s.Pools, func(i, j int) bool { return s.Pools[i].Name < s.Pools[j].Name })
	if g.cache != nil {
		cs := g.cache.Stats()
		s.Cache = &cs
		fs := g.flight.Stats()
		s.Coalesce = &fs
	}
	if g.geo != nil {
		s.Geo = g.geo.Stats()
	}
	return s
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, g.Status())
}

func (g *Gateway) handleMaintenanceGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, g.maint.Snapshot())
}

func (g *Gateway) handleMaintenanceSet(on bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		g.maint.Set(on, maintenance.SourceAdmin)
		writeJSON(w, http.StatusOK, g.maint.Snapshot())
	}
}

func (g *Gateway) handleCachePurge(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if g.cache == nil {
		errors.ErrNotFound.WithRequestID(middleware.GetRequestID(r)).WriteJSON(w)
		return
	}
	g.cache.Purge()
	writeJSON(w, http.StatusOK, map[string]any{"purged": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
