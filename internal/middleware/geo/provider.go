package geo

import (
	"fmt"
	"net/netip"
	"path/filepath"
	"strings"
)

// Provider resolves a client address to an ISO 3166-1 alpha-2 country code.
type Provider interface {
	Country(addr netip.Addr) (string, error)
	Close() error
}

// NewProvider opens a country database, picking the reader by extension.
func NewProvider(path string) (Provider, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mmdb":
		return openMMDB(path)
	case ".ipdb":
		return openIPDB(path)
	default:
		return nil, fmt.Errorf("unsupported geo database format %q: want .mmdb or .ipdb", ext)
	}
}

// StaticProvider answers from a fixed address to country table.
type StaticProvider map[netip.Addr]string

func (p StaticProvider) Country(addr netip.Addr) (string, error) {
	code, ok := p[addr]
	if !ok {
		return "", fmt.Errorf("no country for %s", addr)
	}
	return code, nil
}

func (p StaticProvider) Close() error { return nil }
