package middleware

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// forwardingHeaders are the client address headers a proxy may set
var forwardingHeaders = []string{"X-Forwarded-For", "X-Real-IP", "True-Client-IP", "Forwarded"}

// ProxyTrust rewrites RemoteAddr from forwarding headers, but only for requests
// whose socket peer is a configured proxy. Requests from any other peer have
// their forwarding and country headers removed, so the caller IP is the peer.
type ProxyTrust struct {
	prefixes       []netip.Prefix
	countryHeaders []string
}

// NewProxyTrust builds the middleware from CIDR prefixes or single addresses.
// countryHeaders names the geo headers that only a trusted proxy may supply.
func NewProxyTrust(trusted, countryHeaders []string) (*ProxyTrust, error) {
	pt := &ProxyTrust{countryHeaders: countryHeaders}
	for _, entry := range trusted {
		prefix, err := ParseTrustedProxy(entry)
		if err != nil {
			return nil, err
		}
		pt.prefixes = append(pt.prefixes, prefix)
	}
	return pt, nil
}

// ParseTrustedProxy accepts "10.0.0.0/8" or "10.0.0.1"
func ParseTrustedProxy(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Trusted reports whether ip belongs to a configured proxy
func (pt *ProxyTrust) Trusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return pt.trustedAddr(addr)
}

func (pt *ProxyTrust) trustedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range pt.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Handler must run before anything that reads ClientIP or country headers
func (pt *ProxyTrust) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !pt.Trusted(ClientIP(r)) {
			for _, h := range forwardingHeaders {
				r.Header.Del(h)
			}
			for _, h := range pt.countryHeaders {
				r.Header.Del(h)
			}
			next.ServeHTTP(w, r)
			return
		}

		if client := pt.forwardedClient(r); client != "" {
			r.RemoteAddr = client
		}
		next.ServeHTTP(w, r)
	})
}

// forwardedClient walks X-Forwarded-For from the nearest hop and returns the
// first address that is not itself a trusted proxy. X-Real-IP is used only
// when X-Forwarded-For is absent or every hop is trusted.
func (pt *ProxyTrust) forwardedClient(r *http.Request) string {
	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		hops = append(hops, strings.Split(v, ",")...)
	}
	for i := len(hops) - 1; i >= 0; i-- {
		addr, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			// a malformed hop ends the chain; keep the peer address
			return ""
		}
		if !pt.trustedAddr(addr) {
			return addr.Unmap().String()
		}
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap().String()
	}
	return ""
}
