// Package api contains API contract definitions for the license engine.
// Version v1 represents the current stable API version.
package api

import (
	"time"

	"licensegate/pkg/contracts/domain"
)

// DeviceInfo carries caller-supplied device characteristics. The cpu, gpu and screen
// values are hashed before storage and are informational only.
type DeviceInfo struct {
	CPU      string            `json:"cpu,omitempty" validate:"omitempty,max=512"`
	GPU      string            `json:"gpu,omitempty" validate:"omitempty,max=512"`
	Screen   string            `json:"screen,omitempty" validate:"omitempty,max=128"`
	Platform string            `json:"platform,omitempty" validate:"omitempty,max=64"`
	Hostname string            `json:"hostname,omitempty" validate:"omitempty,max=255"`
	Extra    map[string]string `json:"extra,omitempty" validate:"omitempty,max=32"`
}

// LicenseActionRequest is the single-endpoint request shape:
// { action, licenseKey, deviceFingerprint, deviceInfo, featureKey, quantity }
type LicenseActionRequest struct {
	Action            string      `json:"action" validate:"required,oneof=validate activate deactivate heartbeat check_feature log_usage"`
	LicenseKey        string      `json:"licenseKey" validate:"required,notblank,max=512"`
	DeviceFingerprint string      `json:"deviceFingerprint,omitempty" validate:"required_if=Action activate,required_if=Action deactivate,max=1024"`
	DeviceInfo        *DeviceInfo `json:"deviceInfo,omitempty"`
	FeatureKey        string      `json:"featureKey,omitempty" validate:"required_if=Action check_feature,required_if=Action log_usage,max=128"`
	Quantity          int64       `json:"quantity,omitempty" validate:"omitempty,min=1,max=1000000"`
	Reason            string      `json:"reason,omitempty" validate:"omitempty,max=255"`
}

// ValidateRequest is the body of POST /api/license/validate
type ValidateRequest struct {
	LicenseKey        string      `json:"licenseKey" validate:"required,notblank,max=512"`
	DeviceFingerprint string      `json:"deviceFingerprint,omitempty" validate:"omitempty,max=1024"`
	DeviceInfo        *DeviceInfo `json:"deviceInfo,omitempty"`
}

// ActivateRequest is the body of POST /api/license/activate
type ActivateRequest struct {
	LicenseKey        string      `json:"licenseKey" validate:"required,notblank,max=512"`
	DeviceFingerprint string      `json:"deviceFingerprint" validate:"required,max=1024"`
	DeviceInfo        *DeviceInfo `json:"deviceInfo,omitempty"`
}

// DeactivateRequest is the body of POST /api/license/deactivate
type DeactivateRequest struct {
	LicenseKey        string `json:"licenseKey" validate:"required,notblank,max=512"`
	DeviceFingerprint string `json:"deviceFingerprint" validate:"required,max=1024"`
	Reason            string `json:"reason,omitempty" validate:"omitempty,max=255"`
}

// HeartbeatRequest is the body of POST /api/license/heartbeat
type HeartbeatRequest struct {
	LicenseKey        string `json:"licenseKey" validate:"required,notblank,max=512"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty" validate:"omitempty,max=1024"`
}

// CheckFeatureRequest is the body of POST /api/license/check-feature
type CheckFeatureRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,notblank,max=512"`
	FeatureKey string `json:"featureKey" validate:"required,max=128"`
}

// LogUsageRequest is the body of POST /api/license/log-usage
type LogUsageRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,notblank,max=512"`
	FeatureKey string `json:"featureKey" validate:"required,max=128"`
	Quantity   int64  `json:"quantity,omitempty" validate:"omitempty,min=1,max=1000000"`
}

// DevicesRequest is the body of POST /api/license/devices
type DevicesRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,notblank,max=512"`
}

// Device is one device binding as reported to clients. Only hashes are exposed.
type Device struct {
	FingerprintHash    string     `json:"fingerprintHash"`
	IsActive           bool       `json:"isActive"`
	SessionCount       int64      `json:"sessionCount"`
	FirstSeenAt        time.Time  `json:"firstSeenAt"`
	LastSeenAt         time.Time  `json:"lastSeenAt"`
	LastIPAddress      string     `json:"lastIpAddress,omitempty"`
	DeactivatedAt      *time.Time `json:"deactivatedAt,omitempty"`
	DeactivationReason string     `json:"deactivationReason,omitempty"`
}

// DevicesResponse lists the device bindings of a license
type DevicesResponse struct {
	Devices       []Device  `json:"devices"`
	ActiveDevices int       `json:"activeDevices"`
	TraceID       string    `json:"traceId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// LicenseActionResponse is returned by every license action. Success is always present;
// validation-type actions also fill Valid, Result and Details.
type LicenseActionResponse struct {
	Success bool              `json:"success"`
	Action  string            `json:"action"`
	Valid   *bool             `json:"valid,omitempty"`
	Result  domain.ResultCode `json:"result,omitempty"`
	Details map[string]string `json:"details,omitempty"`

	// Device activation
	MaxDevices    *int   `json:"maxDevices,omitempty"`
	ActiveDevices *int   `json:"activeDevices,omitempty"`
	SessionCount  *int64 `json:"sessionCount,omitempty"`
	Reconnected   *bool  `json:"reconnected,omitempty"`
	Deactivated   *bool  `json:"deactivated,omitempty"`

	// Heartbeat
	Status    domain.LicenseStatus `json:"status,omitempty"`
	ExpiresAt *time.Time           `json:"expiresAt,omitempty"`

	// Entitlement gate and metering
	Allowed   *bool  `json:"allowed,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Remaining *int64 `json:"remaining,omitempty"`
	Limit     *int64 `json:"limit,omitempty"`
	Source    string `json:"source,omitempty"`
	Metered   *bool  `json:"metered,omitempty"`
	Usage     *int64 `json:"usage,omitempty"`

	TraceID   string    `json:"traceId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse is returned by the health endpoints
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Checks    map[string]HealthCheck `json:"checks,omitempty"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
}

// HealthCheck is the outcome of one dependency probe
type HealthCheck struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}
