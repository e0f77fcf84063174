package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Cache status values emitted as X-Cache-Status.
const (
	StatusHit    = "HIT"
	StatusMiss   = "MISS"
	StatusBypass = "BYPASS"
)

// Key derives the cache key from method, scheme, host, path, query and an
// auth scope, so callers with different credentials never share an entry.
func Key(r *http.Request, scheme string) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte('|')
	b.WriteString(scheme)
	b.WriteByte('|')
	b.WriteString(strings.ToLower(r.Host))
	b.WriteByte('|')
	b.WriteString(r.URL.Path)
	if r.URL.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(r.URL.RawQuery)
	}
	b.WriteByte('|')
	b.WriteString(authScope(r.Header))
	return b.String()
}

// authScope hashes the credential-bearing headers, or returns "anon".
func authScope(h http.Header) string {
	auth := h.Values("Authorization")
	cookie := h.Values("Cookie")
	if len(auth) == 0 && len(cookie) == 0 {
		return "anon"
	}
	sum := sha256.New()
	for _, v := range auth {
		sum.Write([]byte(v))
		sum.Write([]byte{0})
	}
	sum.Write([]byte{1})
	for _, v := range cookie {
		sum.Write([]byte(v))
		sum.Write([]byte{0})
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// Cacheable reports whether responses to method may be cached.
func Cacheable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Bypass reports whether the client asked for a fresh response.
func Bypass(h http.Header) bool {
	for _, v := range h.Values("Cache-Control") {
		if hasDirective(v, "no-cache") {
			return true
		}
	}
	for _, v := range h.Values("Pragma") {
		if hasDirective(v, "no-cache") {
			return true
		}
	}
	return false
}

// Storable reports whether response headers allow storing the response.
func Storable(h http.Header) bool {
	if len(h.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range h.Values("Cache-Control") {
		if hasDirective(v, "no-store") || hasDirective(v, "private") {
			return false
		}
	}
	return true
}

func hasDirective(header, directive string) bool {
	for _, part := range strings.Split(header, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), "=")
		if strings.EqualFold(name, directive) {
			return true
		}
	}
	return false
}

// Class is a named pair of TTLs by status family.
type Class struct {
	Success  time.Duration // 200 and 302
	NotFound time.Duration // 404
}

// TTL returns how long a response with status may be kept.
func (c Class) TTL(status int) (time.Duration, bool) {
	switch status {
	case http.StatusOK, http.StatusFound:
		return c.Success, c.Success > 0
	case http.StatusNotFound:
		return c.NotFound, c.NotFound > 0
	default:
		return 0, false
	}
}

// WriteEntry replays a cached entry to the client.
func WriteEntry(w http.ResponseWriter, entry *Entry, now time.Time) {
	h := w.Header()
	for key, values := range entry.Headers {
		for _, v := range values {
			h.Add(key, v)
		}
	}
	age := int(now.Sub(entry.StoredAt) / time.Second)
	if age < 0 {
		age = 0
	}
	h.Set("Age", strconv.Itoa(age))
	h.Set("Content-Length", strconv.Itoa(len(entry.Body)))
	w.WriteHeader(entry.StatusCode)
	w.Write(entry.Body)
}
