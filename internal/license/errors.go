package license

import "errors"

// Sentinel errors returned by Store implementations. They are translated to business
// outcomes by the engine and never reach callers directly.
var (
	ErrLicenseNotFound     = errors.New("license not found")
	ErrPlanNotFound        = errors.New("plan not found")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrEntitlementNotFound = errors.New("entitlement not found")
	ErrUsageLimitReached   = errors.New("usage limit reached")
)

// Errors returned by the engine for malformed input.
var (
	ErrInvalidRequest     = errors.New("invalid license request")
	ErrEmptySecret        = errors.New("secret must not be empty")
	ErrInvalidQuantity    = errors.New("quantity must be at least 1")
	ErrUnknownHashAlgo    = errors.New("unknown hash algorithm")
	ErrSignatureMaterial  = errors.New("signature material missing")
	ErrUnsupportedKey     = errors.New("public key is not ed25519")
	ErrSignatureMismatch  = errors.New("signature verification failed")
	ErrUntrustedIssuer    = errors.New("public key is not a trusted issuer")
	ErrClaimsVersion      = errors.New("unsupported claims version")
	ErrClaimsLicenseMatch = errors.New("claims license_id does not match license")
	ErrClaimsExpired      = errors.New("signed claims expired")
)

// IsNotFound reports whether err is one of the store's not-found sentinels
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLicenseNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrEntitlementNotFound)
}
