package geo

import (
	"fmt"
	"net/netip"

	"github.com/ipipdotnet/ipdb-go"
)

// ipdbReader reads IPIP.net city databases. The whole file is held in memory.
type ipdbReader struct {
	db *ipdb.City
}

func openIPDB(path string) (*ipdbReader, error) {
	db, err := ipdb.NewCity(path)
	if err != nil {
		return nil, fmt.Errorf("open ipdb %s: %w", path, err)
	}
	return &ipdbReader{db: db}, nil
}

func (r *ipdbReader) Country(addr netip.Addr) (string, error) {
	info, err := r.db.FindInfo(addr.String(), "EN")
	if err != nil {
		return "", fmt.Errorf("ipdb %s: %w", addr, err)
	}
	return info.CountryCode, nil
}

func (r *ipdbReader) Close() error { return nil }
