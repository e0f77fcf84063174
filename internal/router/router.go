package router

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/wudi/bankgate/internal/config"
)

var (
	// ErrNoRoute is returned when no route prefix matches the path.
	ErrNoRoute = errors.New("no route matches path")
	// ErrMethodNotAllowed is returned when the matched route rejects the method.
	ErrMethodNotAllowed = errors.New("method not allowed on route")
)

// Route is the immutable per-endpoint policy.
type Route struct {
	ID          string
	Prefix      string
	Methods     map[string]bool // nil = all methods
	Zones       []string
	Upstream    string
	Cache       string // cache class, empty = not cached
	RefererOn   map[string]bool
	LogStream   string
	AdminOnly   bool
	StripPrefix bool

	configIdx int
}

// Allows reports whether method may be used on the route. GET implies HEAD.
func (r *Route) Allows(method string) bool {
	if r.Methods == nil {
		return true
	}
	if r.Methods[method] {
		return true
	}
	return method == http.MethodHead && r.Methods[http.MethodGet]
}

// AllowHeader returns the value for the Allow header of a 405.
func (r *Route) AllowHeader() string {
	if r.Methods == nil {
		return ""
	}
	methods := make([]string, 0, len(r.Methods)+1)
	for m := range r.Methods {
		methods = append(methods, m)
	}
	if r.Methods[http.MethodGet] && !r.Methods[http.MethodHead] {
		methods = append(methods, http.MethodHead)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}

// RequiresReferer reports whether requests with method must carry a Referer.
func (r *Route) RequiresReferer(method string) bool {
	return r.RefererOn[method]
}

// UpstreamPath returns the path to forward for a request path.
func (r *Route) UpstreamPath(path string) string {
	if !r.StripPrefix {
		return path
	}
	rest := strings.TrimPrefix(path, strings.TrimSuffix(r.Prefix, "/"))
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// Router matches request paths to routes by longest prefix.
type Router struct {
	routes []*Route // longest prefix first, then declaration order
	byID   map[string]*Route
}

// New builds a router from config. Routes must already be validated.
func New(cfgs []config.RouteConfig) (*Router, error) {
	rt := &Router{byID: make(map[string]*Route, len(cfgs))}
	for i, rc := range cfgs {
		if !strings.HasPrefix(rc.Prefix, "/") {
			return nil, fmt.Errorf("route %s: prefix must start with /", rc.ID)
		}
		route := &Route{
			ID:          rc.ID,
			Prefix:      rc.Prefix,
			Zones:       append([]string(nil), rc.Zones...),
			Upstream:    rc.Upstream,
			Cache:       rc.Cache,
			LogStream:   rc.LogStream,
			AdminOnly:   rc.AdminOnly,
			StripPrefix: rc.StripPrefix,
			configIdx:   i,
		}
		if len(rc.Methods) > 0 {
			route.Methods = make(map[string]bool, len(rc.Methods))
			for _, m := range rc.Methods {
				route.Methods[strings.ToUpper(m)] = true
			}
		}
		if len(rc.RequireRefererOn) > 0 {
			route.RefererOn = make(map[string]bool, len(rc.RequireRefererOn))
			for _, m := range rc.RequireRefererOn {
				route.RefererOn[strings.ToUpper(m)] = true
			}
		}
		rt.routes = append(rt.routes, route)
		rt.byID[route.ID] = route
	}

	sort.SliceStable(rt.routes, func(i, j int) bool {
		li, lj := len(rt.routes[i].Prefix), len(rt.routes[j].Prefix)
		if li != lj {
			return li > lj
		}
		return rt.routes[i].configIdx < rt.routes[j].configIdx
	})
	return rt, nil
}

// Lookup returns the route for path without checking the method.
func (rt *Router) Lookup(path string) *Route {
	for _, route := range rt.routes {
		if strings.HasPrefix(path, route.Prefix) {
			return route
		}
	}
	return nil
}

// Match returns the route for method and path. The route is also returned
// with ErrMethodNotAllowed so callers can build the Allow header.
func (rt *Router) Match(method, path string) (*Route, error) {
	route := rt.Lookup(path)
	if route == nil {
		return nil, ErrNoRoute
	}
	if !route.Allows(method) {
		return route, ErrMethodNotAllowed
	}
	return route, nil
}

// Route returns a route by ID.
func (rt *Router) Route(id string) *Route {
	return rt.byID[id]
}

// Routes returns all routes in match order.
func (rt *Router) Routes() []*Route {
	return rt.routes
}
