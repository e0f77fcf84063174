package geo

import (
	"net/netip"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/bankgate/internal/logging"
)

// Filter denies callers whose country is on a deny list. Lookups that fail
// are admitted.
type Filter struct {
	provider Provider
	deny     map[string]bool // uppercase ISO codes
	blocked  atomic.Int64
	misses   atomic.Int64
}

// NewFilter creates a country deny filter over provider.
func NewFilter(provider Provider, denyCountries []string) *Filter {
	f := &Filter{
		provider: provider,
		deny:     make(map[string]bool, len(denyCountries)),
	}
	for _, c := range denyCountries {
		f.deny[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return f
}

// Denied looks up ip and reports its country and whether it is denied.
func (f *Filter) Denied(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err == nil {
		var code string
		if code, err = f.provider.Country(addr.Unmap()); err == nil {
			return f.check(code)
		}
	}
	f.misses.Add(1)
	logging.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
	return "", false
}

func (f *Filter) check(code string) (string, bool) {
	if f.deny[strings.ToUpper(code)] {
		f.blocked.Add(1)
		return code, true
	}
	return code, false
}

// Stats returns counters for the status endpoint.
func (f *Filter) Stats() map[string]int64 {
	return map[string]int64{
		"blocked":       f.blocked.Load(),
		"lookup_misses": f.misses.Load(),
	}
}

// Close releases the underlying database.
func (f *Filter) Close() error {
	return f.provider.Close()
}
