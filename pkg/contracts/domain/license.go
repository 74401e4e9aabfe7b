// Package domain contains the core domain models for the license engine.
// These types serve as the Single Source of Truth (SSOT) for all layers of the application.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// LicenseStatus represents the stored lifecycle state of a license.
// Expiration is computed from ExpiresAt and is never stored as a status.
type LicenseStatus string

const (
	LicenseStatusPending   LicenseStatus = "pending"
	LicenseStatusActive    LicenseStatus = "active"
	LicenseStatusSuspended LicenseStatus = "suspended"
	LicenseStatusRevoked   LicenseStatus = "revoked"
)

// IsKnown reports whether the status is one of the stored lifecycle states
func (s LicenseStatus) IsKnown() bool {
	switch s {
	case LicenseStatusPending, LicenseStatusActive, LicenseStatusSuspended, LicenseStatusRevoked:
		return true
	}
	return false
}

// License is the root entitlement record identified by a hashed key.
// It owns its Entitlements and DeviceActivations.
type License struct {
	ID               uuid.UUID     `json:"id"`
	KeyHash          string        `json:"key_hash" validate:"required,len=64"`
	Status           LicenseStatus `json:"status" validate:"required"`
	LicenseType      string        `json:"license_type,omitempty"`
	PlanRef          string        `json:"plan_ref,omitempty"`
	MaxDevices       int           `json:"max_devices" validate:"min=0"`
	MaxUsers         int           `json:"max_users" validate:"min=0"`
	MaxAPICallsMonth int64         `json:"max_api_calls_month" validate:"min=0"`
	ValidFrom        *time.Time    `json:"valid_from,omitempty"`
	ExpiresAt        *time.Time    `json:"expires_at,omitempty"`
	AllowedCountries []string      `json:"allowed_countries,omitempty"`
	BlockedIPs       []string      `json:"blocked_ips,omitempty"`
	SignedData       string        `json:"signed_data,omitempty"`
	Signature        string        `json:"signature,omitempty"`
	PublicKey        string        `json:"public_key,omitempty"`
	RevocationReason string        `json:"revocation_reason,omitempty"`
	LastValidatedAt  *time.Time    `json:"last_validated_at,omitempty"`
	LastHeartbeatAt  *time.Time    `json:"last_heartbeat_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// IsExpired reports whether the license has an expiry in the past relative to now
func (l *License) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// IsUsable reports whether the license is active and not expired
func (l *License) IsUsable(now time.Time) bool {
	return l.Status == LicenseStatusActive && !l.IsExpired(now)
}

// Plan holds the plan-level feature flags a license inherits through PlanRef
type Plan struct {
	Ref      string     `json:"ref"`
	Name     string     `json:"name,omitempty"`
	Features FeatureSet `json:"features"`
}

// DeviceActivation binds a license to one physical or virtual device
type DeviceActivation struct {
	ID                    uuid.UUID         `json:"id"`
	LicenseID             uuid.UUID         `json:"license_id"`
	DeviceFingerprintHash string            `json:"device_fingerprint_hash"`
	CPUHash               string            `json:"cpu_hash,omitempty"`
	GPUHash               string            `json:"gpu_hash,omitempty"`
	ScreenHash            string            `json:"screen_hash,omitempty"`
	DeviceInfo            map[string]string `json:"device_info,omitempty"`
	IsActive              bool              `json:"is_active"`
	SessionCount          int64             `json:"session_count"`
	FirstSeenAt           time.Time         `json:"first_seen_at"`
	LastSeenAt            time.Time         `json:"last_seen_at"`
	LastIPAddress         string            `json:"last_ip_address,omitempty"`
	DeactivatedAt         *time.Time        `json:"deactivated_at,omitempty"`
	DeactivationReason    string            `json:"deactivation_reason,omitempty"`
}

// Entitlement is a per-license override of a feature's availability and usage ceiling.
// A nil UsageLimit means unlimited.
type Entitlement struct {
	ID           uuid.UUID `json:"id"`
	LicenseID    uuid.UUID `json:"license_id"`
	FeatureKey   string    `json:"feature_key"`
	IsEnabled    bool      `json:"is_enabled"`
	UsageLimit   *int64    `json:"usage_limit,omitempty"`
	UsageCurrent int64     `json:"usage_current"`
}

// Remaining returns limit minus current usage, or nil when the entitlement is unlimited
func (e *Entitlement) Remaining() *int64 {
	if e.UsageLimit == nil {
		return nil
	}
	remaining := *e.UsageLimit - e.UsageCurrent
	return &remaining
}

// ValidationLog is an immutable audit entry for one pipeline invocation
type ValidationLog struct {
	ID         uuid.UUID         `json:"id"`
	LicenseID  *uuid.UUID        `json:"license_id,omitempty"`
	KeyHash    string            `json:"key_hash"`
	Action     string            `json:"action"`
	IPAddress  string            `json:"ip_address"`
	UserAgent  string            `json:"user_agent,omitempty"`
	ResultCode ResultCode        `json:"result_code"`
	Details    map[string]string `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// UsageEvent records one metered consumption of a feature
type UsageEvent struct {
	ID         uuid.UUID `json:"id"`
	LicenseID  uuid.UUID `json:"license_id"`
	FeatureKey string    `json:"feature_key"`
	Quantity   int64     `json:"quantity"`
	IPAddress  string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
