package geo

import (
	"fmt"
	"net/netip"

	"github.com/oschwald/maxminddb-golang/v2"
)

// mmdbReader reads GeoIP2 and GeoLite2 country or city databases.
type mmdbReader struct {
	db *maxminddb.Reader
}

func openMMDB(path string) (*mmdbReader, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mmdb %s: %w", path, err)
	}
	return &mmdbReader{db: db}, nil
}

func (m *mmdbReader) Country(addr netip.Addr) (string, error) {
	var code string
	res := m.db.Lookup(addr)
	if !res.Found() {
		return "", fmt.Errorf("%s not in mmdb", addr)
	}
	if err := res.DecodePath(&code, "country", "iso_code"); err != nil {
		return "", fmt.Errorf("mmdb decode %s: %w", addr, err)
	}
	return code, nil
}

func (m *mmdbReader) Close() error {
	return m.db.Close()
}
