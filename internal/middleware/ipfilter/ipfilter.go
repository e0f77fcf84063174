package ipfilter

import (
	"fmt"
	"net/netip"
	"strings"
)

type entry struct {
	prefix netip.Prefix
	allow  bool
}

// Classifier decides whether a client IP belongs to the admin ranges.
// The most specific matching prefix wins, so an exclude entry inside a
// broader admin range carves it out.
type Classifier struct {
	entries []entry
}

// New builds a classifier from admin ranges and excluded ranges. Bare IPs are
// accepted as single-host prefixes.
func New(admin, exclude []string) (*Classifier, error) {
	c := &Classifier{}
	for _, s := range admin {
		p, err := parsePrefix(s)
		if err != nil {
			return nil, err
		}
		c.entries = append(c.entries, entry{prefix: p, allow: true})
	}
	for _, s := range exclude {
		p, err := parsePrefix(s)
		if err != nil {
			return nil, err
		}
		c.entries = append(c.entries, entry{prefix: p, allow: false})
	}
	return c, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// IsAdmin reports whether ip is inside an admin range and not carved out.
// Unparseable addresses are never admin.
func (c *Classifier) IsAdmin(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return c.IsAdminAddr(addr)
}

// IsAdminAddr is IsAdmin for a parsed address.
func (c *Classifier) IsAdminAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	best := -1
	allow := false
	for _, e := range c.entries {
		if !e.prefix.Contains(addr) {
			continue
		}
		// ties go to the exclude entry
		if bits := e.prefix.Bits(); bits > best || (bits == best && !e.allow) {
			best = bits
			allow = e.allow
		}
	}
	return allow
}
