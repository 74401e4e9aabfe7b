// Package geo resolves a caller's country for the geo restriction check.
package geo

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"licensegate/internal/license"
)

// DefaultHeaders are the country headers set by common edge proxies
var DefaultHeaders = []string{"CF-IPCountry", "X-Country-Code", "X-Appengine-Country"}

// HeaderResolver reads a country code set by a trusted proxy in front of the service
type HeaderResolver struct {
	headers []string
}

var _ license.CountryResolver = (*HeaderResolver)(nil)

// NewHeaderResolver creates a resolver reading headers in order. Empty uses DefaultHeaders.
func NewHeaderResolver(headers ...string) *HeaderResolver {
	if len(headers) == 0 {
		headers = DefaultHeaders
	}
	return &HeaderResolver{headers: headers}
}

// Resolve implements license.CountryResolver
func (r *HeaderResolver) Resolve(_ context.Context, _ string, header http.Header) (string, error) {
	for _, name := range r.headers {
		if code := normalize(header.Get(name)); code != "" {
			return code, nil
		}
	}
	return "", nil
}

// normalize returns an upper-case alpha-2 code, or "" for placeholders like XX and T1
func normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 || code == "XX" || code == "T1" {
		return ""
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return ""
		}
	}
	return code
}

type rangeEntry struct {
	prefix  netip.Prefix
	country string
}

// CIDRResolver maps caller addresses to countries using a static prefix table.
// The most specific matching prefix wins.
type CIDRResolver struct {
	ranges []rangeEntry
}

var _ license.CountryResolver = (*CIDRResolver)(nil)

// NewCIDRResolver builds a resolver from country code to prefixes
func NewCIDRResolver(table map[string][]string) (*CIDRResolver, error) {
	r := &CIDRResolver{}
	for country, prefixes := range table {
		code := normalize(country)
		if code == "" {
			return nil, fmt.Errorf("invalid country code %q", country)
		}
		for _, p := range prefixes {
			prefix, err := netip.ParsePrefix(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("country %s: %w", code, err)
			}
			r.ranges = append(r.ranges, rangeEntry{prefix: prefix.Masked(), country: code})
		}
	}
	sort.SliceStable(r.ranges, func(i, j int) bool {
		return r.ranges[i].prefix.Bits() > r.ranges[j].prefix.Bits()
	})
	return r, nil
}

// rangeFile is the YAML layout of a country range table
type rangeFile struct {
	Countries map[string][]string `yaml:"countries"`
}

// LoadCIDRResolver reads a YAML range table:
//
//	countries:
//	  IQ: ["37.236.0.0/14", "2a01:e240::/29"]
func LoadCIDRResolver(path string) (*CIDRResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geo table: %w", err)
	}
	var file rangeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse geo table: %w", err)
	}
	return NewCIDRResolver(file.Countries)
}

// Len returns the number of prefixes loaded
func (r *CIDRResolver) Len() int {
	return len(r.ranges)
}

// Resolve implements license.CountryResolver
func (r *CIDRResolver) Resolve(_ context.Context, ip string, _ http.Header) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", nil
	}
	addr = addr.Unmap()
	for _, entry := range r.ranges {
		if entry.prefix.Contains(addr) {
			return entry.country, nil
		}
	}
	return "", nil
}

// Chain tries each resolver in order and returns the first known country.
// A resolver error is returned only if no later resolver knows the country.
type Chain []license.CountryResolver

var _ license.CountryResolver = Chain(nil)

// Resolve implements license.CountryResolver
func (c Chain) Resolve(ctx context.Context, ip string, header http.Header) (string, error) {
	var firstErr error
	for _, r := range c {
		if r == nil {
			continue
		}
		code, err := r.Resolve(ctx, ip, header)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if code != "" {
			return code, nil
		}
	}
	return "", firstErr
}
