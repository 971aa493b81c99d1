// Package geoip resolves callback hosts to countries for request logs.
package geoip

import (
	"fmt"
	"net"
	"net/url"

	"github.com/oschwald/maxminddb-golang"
)

// Service wraps a MaxMind country database. A nil Service is valid and
// resolves nothing, so callers never need to branch on configuration.
type Service struct {
	reader *maxminddb.Reader
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Open loads the database at path. An empty path yields a nil Service.
func Open(path string) (*Service, error) {
	if path == "" {
		return nil, nil
	}
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip db %s: %w", path, err)
	}
	return &Service{reader: reader}, nil
}

// Close releases the database.
func (s *Service) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}

// CallbackCountry resolves the callback URL's host to an ISO country code.
// Returns "" whenever resolution is not possible.
func (s *Service) CallbackCountry(callback string) string {
	if s == nil || s.reader == nil {
		return ""
	}
	u, err := url.Parse(callback)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	ips, err := net.LookupIP(u.Hostname())
	if err != nil || len(ips) == 0 {
		return ""
	}
	var record countryRecord
	if err := s.reader.Lookup(ips[0], &record); err != nil {
		return ""
	}
	return record.Country.ISOCode
}
