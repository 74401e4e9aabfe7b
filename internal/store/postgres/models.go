package postgres

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

type licenseModel struct {
	ID               uuid.UUID      `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	KeyHash          string         `gorm:"column:key_hash"`
	Status           string         `gorm:"column:status"`
	LicenseType      string         `gorm:"column:license_type"`
	PlanRef          string         `gorm:"column:plan_ref"`
	MaxDevices       int            `gorm:"column:max_devices"`
	MaxUsers         int            `gorm:"column:max_users"`
	MaxAPICallsMonth int64          `gorm:"column:max_api_calls_month"`
	ValidFrom        *time.Time     `gorm:"column:valid_from"`
	ExpiresAt        *time.Time     `gorm:"column:expires_at"`
	AllowedCountries pq.StringArray `gorm:"column:allowed_countries;type:text[]"`
	BlockedIPs       pq.StringArray `gorm:"column:blocked_ips;type:text[]"`
	SignedData       string         `gorm:"column:signed_data"`
	Signature        string         `gorm:"column:signature"`
	PublicKey        string         `gorm:"column:public_key"`
	RevocationReason string         `gorm:"column:revocation_reason"`
	LastValidatedAt  *time.Time     `gorm:"column:last_validated_at"`
	LastHeartbeatAt  *time.Time     `gorm:"column:last_heartbeat_at"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at"`
}

func (licenseModel) TableName() string { return "licenses" }

type planModel struct {
	Ref       string         `gorm:"column:ref;primaryKey"`
	Name      string         `gorm:"column:name"`
	Features  datatypes.JSON `gorm:"column:features;type:jsonb"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (planModel) TableName() string { return "plans" }

type entitlementModel struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	LicenseID    uuid.UUID `gorm:"column:license_id;type:uuid"`
	FeatureKey   string    `gorm:"column:feature_key"`
	IsEnabled    bool      `gorm:"column:is_enabled"`
	UsageLimit   *int64    `gorm:"column:usage_limit"`
	UsageCurrent int64     `gorm:"column:usage_current"`
}

func (entitlementModel) TableName() string { return "license_entitlements" }

type deviceModel struct {
	ID                    uuid.UUID      `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	LicenseID             uuid.UUID      `gorm:"column:license_id;type:uuid"`
	DeviceFingerprintHash string         `gorm:"column:device_fingerprint_hash"`
	CPUHash               string         `gorm:"column:cpu_hash"`
	GPUHash               string         `gorm:"column:gpu_hash"`
	ScreenHash            string         `gorm:"column:screen_hash"`
	DeviceInfo            datatypes.JSON `gorm:"column:device_info;type:jsonb"`
	IsActive              bool           `gorm:"column:is_active"`
	SessionCount          int64          `gorm:"column:session_count"`
	FirstSeenAt           time.Time      `gorm:"column:first_seen_at"`
	LastSeenAt            time.Time      `gorm:"column:last_seen_at"`
	LastIPAddress         string         `gorm:"column:last_ip_address"`
	DeactivatedAt         *time.Time     `gorm:"column:deactivated_at"`
	DeactivationReason    string         `gorm:"column:deactivation_reason"`
}

func (deviceModel) TableName() string { return "device_activations" }

type validationLogModel struct {
	ID         uuid.UUID      `gorm:"column:id;type:uuid;primaryKey"`
	LicenseID  *uuid.UUID     `gorm:"column:license_id;type:uuid"`
	KeyHash    string         `gorm:"column:key_hash"`
	Action     string         `gorm:"column:action"`
	IPAddress  string         `gorm:"column:ip_address"`
	UserAgent  string         `gorm:"column:user_agent"`
	ResultCode string         `gorm:"column:result_code"`
	Details    datatypes.JSON `gorm:"column:details;type:jsonb"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
}

func (validationLogModel) TableName() string { return "license_validation_logs" }

type usageEventModel struct {
	ID         uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	LicenseID  uuid.UUID `gorm:"column:license_id;type:uuid"`
	FeatureKey string    `gorm:"column:feature_key"`
	Quantity   int64     `gorm:"column:quantity"`
	IPAddress  string    `gorm:"column:ip_address"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (usageEventModel) TableName() string { return "license_usage_events" }
