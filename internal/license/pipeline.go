package license

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"licensegate/pkg/contracts/domain"
)

// Caller is the transport-level identity of whoever invoked an action
type Caller struct {
	IP        string
	UserAgent string
	Header    http.Header
}

// CountryResolver maps a caller to an ISO-3166 alpha-2 country code.
// An empty code with a nil error means the country is unknown.
type CountryResolver interface {
	Resolve(ctx context.Context, ip string, header http.Header) (string, error)
}

// PipelineOutcome is the terminal state of one pipeline run
type PipelineOutcome struct {
	License *domain.License
	Result  domain.ResultCode
	Details map[string]string
	Claims  *domain.Claims
}

// Valid reports whether the pipeline reached success
func (o PipelineOutcome) Valid() bool {
	return o.Result.IsSuccess()
}

type evaluation struct {
	license *domain.License
	caller  Caller
	now     time.Time
	claims  *domain.Claims
}

// check returns an empty ResultCode when it passes
type check struct {
	name string
	run  func(ctx context.Context, ev *evaluation) (domain.ResultCode, map[string]string)
}

// Pipeline runs the ordered validation checks. The first failing check terminates
// the run and later checks are not evaluated.
type Pipeline struct {
	licenses LicenseRepository
	verifier *Verifier
	geo      CountryResolver
	now      func() time.Time
	checks   []check
}

// NewPipeline builds a pipeline. geo may be nil, in which case every caller's country
// is unknown.
func NewPipeline(licenses LicenseRepository, verifier *Verifier, geo CountryResolver, now func() time.Time) *Pipeline {
	if now == nil {
		now = time.Now
	}
	p := &Pipeline{
		licenses: licenses,
		verifier: verifier,
		geo:      geo,
		now:      now,
	}
	p.checks = []check{
		{name: "revoked", run: checkRevoked},
		{name: "suspended", run: checkSuspended},
		{name: "expired", run: checkExpired},
		{name: "geo", run: p.checkGeo},
		{name: "ip", run: checkBlockedIP},
		{name: "signature", run: p.checkSignature},
	}
	return p
}

// CheckNames returns the evaluation order
func (p *Pipeline) CheckNames() []string {
	names := make([]string, len(p.checks))
	for i, c := range p.checks {
		names[i] = c.name
	}
	return names
}

// Run evaluates keyHash for caller. Errors are infrastructure failures only.
func (p *Pipeline) Run(ctx context.Context, keyHash string, caller Caller) (PipelineOutcome, error) {
	lic, err := p.licenses.FindByKeyHash(ctx, keyHash)
	if errors.Is(err, ErrLicenseNotFound) {
		return PipelineOutcome{
			Result:  domain.ResultInvalidKey,
			Details: map[string]string{"message": "license key not recognised"},
		}, nil
	}
	if err != nil {
		return PipelineOutcome{}, fmt.Errorf("find license: %w", err)
	}

	ev := &evaluation{license: lic, caller: caller, now: p.now()}
	for _, c := range p.checks {
		if code, details := c.run(ctx, ev); code != "" {
			return PipelineOutcome{License: lic, Result: code, Details: details}, nil
		}
	}

	return PipelineOutcome{
		License: lic,
		Result:  domain.ResultSuccess,
		Details: map[string]string{"message": "license valid", "status": string(lic.Status)},
		Claims:  ev.claims,
	}, nil
}

func checkRevoked(_ context.Context, ev *evaluation) (domain.ResultCode, map[string]string) {
	if ev.license.Status != domain.LicenseStatusRevoked {
		return "", nil
	}
	reason := ev.license.RevocationReason
	if reason == "" {
		reason = "unspecified"
	}
	return domain.ResultRevoked, map[string]string{
		"message":           "license has been revoked",
		"revocation_reason": reason,
	}
}

func checkSuspended(_ context.Context, ev *evaluation) (domain.ResultCode, map[string]string) {
	if ev.license.Status != domain.LicenseStatusSuspended {
		return "", nil
	}
	return domain.ResultSuspended, map[string]string{"message": "license is suspended"}
}

func checkExpired(_ context.Context, ev *evaluation) (domain.ResultCode, map[string]string) {
	if !ev.license.IsExpired(ev.now) {
		return "", nil
	}
	return domain.ResultExpired, map[string]string{
		"message":    "license has expired",
		"expires_at": ev.license.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func (p *Pipeline) checkGeo(ctx context.Context, ev *evaluation) (domain.ResultCode, map[string]string) {
	if len(ev.license.AllowedCountries) == 0 {
		return "", nil
	}

	country := ""
	if p.geo != nil {
		resolved, err := p.geo.Resolve(ctx, ev.caller.IP, ev.caller.Header)
		if err == nil {
			country = strings.ToUpper(strings.TrimSpace(resolved))
		}
	}

	if country != "" {
		for _, allowed := range ev.license.AllowedCountries {
			if strings.EqualFold(strings.TrimSpace(allowed), country) {
				return "", nil
			}
		}
	}

	if country == "" {
		country = "unknown"
	}
	return domain.ResultGeoBlocked, map[string]string{
		"message": "license is not valid in this region",
		"country": country,
	}
}

func checkBlockedIP(_ context.Context, ev *evaluation) (domain.ResultCode, map[string]string) {
	if len(ev.license.BlockedIPs) == 0 || ev.caller.IP == "" {
		return "", nil
	}
	if !IPBlocked(ev.caller.IP, ev.license.BlockedIPs) {
		return "", nil
	}
	return domain.ResultIPBlocked, map[string]string{
		"message": "caller address is blocked for this license",
		"ip":      ev.caller.IP,
	}
}

func (p *Pipeline) checkSignature(_ context.Context, ev *evaluation) (domain.ResultCode, map[string]string) {
	claims, err := p.verifier.Verify(ev.license, ev.now)
	if err != nil {
		return domain.ResultInvalidSignature, map[string]string{
			"message": "license signature could not be verified",
			"error":   err.Error(),
		}
	}
	ev.claims = claims
	return "", nil
}

// IPBlocked reports whether ip matches any entry. Entries are single addresses or
// CIDR prefixes; unparsable entries only match by exact string.
func IPBlocked(ip string, blocked []string) bool {
	addr, addrErr := netip.ParseAddr(strings.TrimSpace(ip))
	if addrErr == nil {
		addr = addr.Unmap()
	}

	for _, entry := range blocked {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == ip {
			return true
		}
		if addrErr != nil {
			continue
		}
		if strings.Contains(entry, "/") {
			if prefix, err := netip.ParsePrefix(entry); err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if other, err := netip.ParseAddr(entry); err == nil && other.Unmap() == addr {
			return true
		}
	}
	return false
}
