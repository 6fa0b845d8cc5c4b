// Package geoip resolves visitor IPs to the country codes used as ad
// location targets.
package geoip

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Range maps a CIDR block to an ISO country code.
type Range struct {
	Net     string `json:"net"`
	Country string `json:"country"`
}

// GeoIP looks countries up in a MaxMind database, or in a list of CIDR
// ranges when no database is available.
type GeoIP struct {
	db     *geoip2.Reader
	ranges []cidr
}

type cidr struct {
	net     *net.IPNet
	country string
}

// Init opens the GeoIP2 database at path. A JSON array of Range values is
// accepted as a fallback format.
func Init(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err == nil {
		return &GeoIP{db: db}, nil
	}

	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, fmt.Errorf("open geoip db %s: %w", path, err)
	}
	var ranges []Range
	if jerr := json.Unmarshal(data, &ranges); jerr != nil {
		return nil, fmt.Errorf("open geoip db %s: %w", path, err)
	}
	return FromRanges(ranges), nil
}

// FromRanges builds a lookup over ranges. Malformed CIDRs are skipped.
func FromRanges(ranges []Range) *GeoIP {
	g := &GeoIP{}
	for _, r := range ranges {
		if _, n, err := net.ParseCIDR(r.Net); err == nil {
			g.ranges = append(g.ranges, cidr{net: n, country: strings.ToUpper(r.Country)})
		}
	}
	return g
}

// Country returns the ISO country code for ip, or "" when unknown.
func (g *GeoIP) Country(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		if rec, err := g.db.Country(ip); err == nil {
			return rec.Country.IsoCode
		}
	}
	for _, r := range g.ranges {
		if r.net.Contains(ip) {
			return r.country
		}
	}
	return ""
}

// Close releases resources associated with the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}
