package realip

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/wudi/bankgate/internal/config"
)

// Extractor finds the real client IP. Forwarding headers are honoured only
// when the direct peer is a trusted proxy.
type Extractor struct {
	trusted []netip.Prefix
	headers []string // ordered list of headers to check
	maxHops int      // 0 = unlimited

	totalRequests atomic.Int64
	extracted     atomic.Int64 // times IP was taken from headers rather than RemoteAddr
}

// New creates an Extractor from the trusted proxy configuration.
func New(cfg config.TrustedProxiesConfig) (*Extractor, error) {
	prefixes := make([]netip.Prefix, 0, len(cfg.CIDRs))
	for _, cidr := range cfg.CIDRs {
		if !strings.Contains(cidr, "/") {
			addr, err := netip.ParseAddr(cidr)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
		}
		prefixes = append(prefixes, p.Masked())
	}

	headers := cfg.Headers
	if len(headers) == 0 {
		headers = []string{"X-Forwarded-For", "X-Real-IP"}
	}

	return &Extractor{
		trusted: prefixes,
		headers: headers,
		maxHops: cfg.MaxHops,
	}, nil
}

// Extract determines the real client IP from the request.
// It walks the X-Forwarded-For chain from right to left, skipping
// addresses in trusted proxy ranges, and returns the first untrusted one.
func (e *Extractor) Extract(r *http.Request) string {
	e.totalRequests.Add(1)

	remoteIP := extractHost(r.RemoteAddr)
	if !e.isTrusted(remoteIP) {
		return remoteIP
	}

	for _, header := range e.headers {
		val := r.Header.Get(header)
		if val == "" {
			continue
		}

		if strings.EqualFold(header, "X-Forwarded-For") {
			if ip := e.walkXFF(val); ip != "" {
				e.extracted.Add(1)
				return ip
			}
			continue
		}

		// Single-value headers like X-Real-IP
		if ip := strings.TrimSpace(val); validIP(ip) {
			e.extracted.Add(1)
			return ip
		}
	}

	return remoteIP
}

// walkXFF returns the first untrusted address walking right to left.
func (e *Extractor) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")

	hops := 0
	leftmost := ""
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if !validIP(ip) {
			continue
		}
		leftmost = ip
		hops++

		if e.maxHops > 0 && hops > e.maxHops {
			return ip
		}
		if !e.isTrusted(ip) {
			return ip
		}
	}

	// every hop was a trusted proxy
	return leftmost
}

func (e *Extractor) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range e.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Stats returns metrics for the real IP extractor.
type Stats struct {
	TotalRequests int64    `json:"total_requests"`
	Extracted     int64    `json:"extracted"`
	TrustedCIDRs  int      `json:"trusted_cidrs"`
	Headers       []string `json:"headers"`
	MaxHops       int      `json:"max_hops"`
}

// Stats returns the current metrics.
func (e *Extractor) Stats() Stats {
	return Stats{
		TotalRequests: e.totalRequests.Load(),
		Extracted:     e.extracted.Load(),
		TrustedCIDRs:  len(e.trusted),
		Headers:       e.headers,
		MaxHops:       e.maxHops,
	}
}

func validIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

// extractHost extracts the host part from an address (strips port).
func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
