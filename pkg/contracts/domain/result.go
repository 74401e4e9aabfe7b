package domain

// ResultCode is the terminal outcome of a license action.
// Business outcomes are always reported through a ResultCode, never as errors.
type ResultCode string

// Pipeline result codes, in evaluation order
const (
	ResultInvalidKey       ResultCode = "invalid_key"
	ResultRevoked          ResultCode = "revoked"
	ResultSuspended        ResultCode = "suspended"
	ResultExpired          ResultCode = "expired"
	ResultGeoBlocked       ResultCode = "geo_blocked"
	ResultIPBlocked        ResultCode = "ip_blocked"
	ResultInvalidSignature ResultCode = "invalid_signature"
	ResultSuccess          ResultCode = "success"
)

// Action-specific result codes
const (
	ResultDeviceLimitExceeded ResultCode = "device_limit_exceeded"
)

// IsSuccess reports whether the code is the success outcome
func (c ResultCode) IsSuccess() bool {
	return c == ResultSuccess
}

// Entitlement gate reasons
const (
	ReasonUsageLimitExceeded = "Usage limit exceeded"
	ReasonFeatureNotIncluded = "feature not included in license"
	ReasonInvalidOrInactive  = "invalid or inactive license"
	ReasonLicenseExpired     = "license expired"
	ReasonFeatureDisabled    = "feature disabled for license"
	ReasonUsageLogged        = "usage logged"
	ReasonUsageNotMetered    = "usage logged without metered entitlement"
	ReasonDeviceNotActive    = "device not active"
	ReasonDeviceDeactivated  = "device deactivated"
)

// Action names accepted by the engine
const (
	ActionValidate     = "validate"
	ActionActivate     = "activate"
	ActionDeactivate   = "deactivate"
	ActionHeartbeat    = "heartbeat"
	ActionCheckFeature = "check_feature"
	ActionLogUsage     = "log_usage"
)
