package license

import (
	"context"
	"time"

	"github.com/google/uuid"

	"licensegate/pkg/contracts/domain"
)

// LicenseRepository reads licenses by key hash and applies the validation side effects
type LicenseRepository interface {
	// FindByKeyHash returns ErrLicenseNotFound when no license matches
	FindByKeyHash(ctx context.Context, keyHash string) (*domain.License, error)
	// MarkValidated stamps last_validated_at and promotes pending to active in one write.
	// It returns the status after the update.
	MarkValidated(ctx context.Context, licenseID uuid.UUID, at time.Time) (domain.LicenseStatus, error)
	TouchHeartbeat(ctx context.Context, licenseID uuid.UUID, at time.Time) error
}

// PlanRepository resolves plan-level feature flags
type PlanRepository interface {
	// FindPlan returns ErrPlanNotFound when the reference is unknown
	FindPlan(ctx context.Context, ref string) (*domain.Plan, error)
}

// DeviceRepository persists device bindings
type DeviceRepository interface {
	// ActivateDevice serializes the active-device count and the insert per license
	ActivateDevice(ctx context.Context, licenseID uuid.UUID, maxDevices int, binding DeviceBinding) (ActivationOutcome, error)
	// DeactivateDevice soft-closes an active device. Unknown or inactive devices
	// return ErrDeviceNotFound.
	DeactivateDevice(ctx context.Context, licenseID uuid.UUID, fingerprintHash, reason string, at time.Time) (*domain.DeviceActivation, error)
	// TouchDevice refreshes last_seen_at without any limit check
	TouchDevice(ctx context.Context, licenseID uuid.UUID, fingerprintHash, ip string, at time.Time) error
	ListDevices(ctx context.Context, licenseID uuid.UUID) ([]domain.DeviceActivation, error)
}

// EntitlementRepository reads overrides and meters usage
type EntitlementRepository interface {
	FindEntitlement(ctx context.Context, licenseID uuid.UUID, featureKey string) (*domain.Entitlement, error)
	// IncrementUsage adds qty to usage_current atomically. It returns
	// ErrUsageLimitReached without changing the row when the limit would be exceeded.
	IncrementUsage(ctx context.Context, licenseID uuid.UUID, featureKey string, qty int64) (*domain.Entitlement, error)
}

// AuditRepository is the append-only audit sink
type AuditRepository interface {
	AppendValidationLog(ctx context.Context, entry *domain.ValidationLog) error
	AppendUsageEvent(ctx context.Context, event *domain.UsageEvent) error
}

// Store is the full persistence contract of the engine
type Store interface {
	LicenseRepository
	PlanRepository
	DeviceRepository
	EntitlementRepository
	AuditRepository
	Ping(ctx context.Context) error
}

// DeviceBinding is the hashed device identity submitted on activate
type DeviceBinding struct {
	FingerprintHash string
	CPUHash         string
	GPUHash         string
	ScreenHash      string
	Info            map[string]string
	IP              string
	SeenAt          time.Time
}

// ActivationOutcome is the result of ActivateDevice
type ActivationOutcome struct {
	Device        *domain.DeviceActivation
	Reconnected   bool
	LimitExceeded bool
	ActiveDevices int
	MaxDevices    int
}

// SlotDecision is what ActivateDevice must do with a binding
type SlotDecision int

const (
	// SlotReject leaves the device table untouched: the license is at its limit
	SlotReject SlotDecision = iota
	// SlotInsert creates a new active row with session_count 1
	SlotInsert
	// SlotReconnect refreshes an active row and increments session_count
	SlotReconnect
	// SlotReopen reactivates a soft-closed row, consuming a slot
	SlotReopen
)

// DecideSlot applies the device limit rule. Store implementations call it while holding
// the license lock, with activeCount read inside the same transaction. existing is the
// row matching the fingerprint hash, or nil.
func DecideSlot(existing *domain.DeviceActivation, activeCount, maxDevices int) SlotDecision {
	if existing != nil && existing.IsActive {
		return SlotReconnect
	}
	if activeCount >= maxDevices {
		return SlotReject
	}
	if existing != nil {
		return SlotReopen
	}
	return SlotInsert
}

// ApplyBinding copies the refreshed attributes of a binding onto an existing row
func ApplyBinding(device *domain.DeviceActivation, binding DeviceBinding) {
	device.LastSeenAt = binding.SeenAt
	device.LastIPAddress = binding.IP
	device.SessionCount++
	if binding.CPUHash != "" {
		device.CPUHash = binding.CPUHash
	}
	if binding.GPUHash != "" {
		device.GPUHash = binding.GPUHash
	}
	if binding.ScreenHash != "" {
		device.ScreenHash = binding.ScreenHash
	}
	if len(binding.Info) > 0 {
		device.DeviceInfo = binding.Info
	}
}

// NewDeviceRow builds the row inserted for SlotInsert
func NewDeviceRow(licenseID uuid.UUID, binding DeviceBinding) *domain.DeviceActivation {
	return &domain.DeviceActivation{
		ID:                    uuid.New(),
		LicenseID:             licenseID,
		DeviceFingerprintHash: binding.FingerprintHash,
		CPUHash:               binding.CPUHash,
		GPUHash:               binding.GPUHash,
		ScreenHash:            binding.ScreenHash,
		DeviceInfo:            binding.Info,
		IsActive:              true,
		SessionCount:          1,
		FirstSeenAt:           binding.SeenAt,
		LastSeenAt:            binding.SeenAt,
		LastIPAddress:         binding.IP,
	}
}

// ReopenDevice marks a soft-closed row active again and applies the binding
func ReopenDevice(device *domain.DeviceActivation, binding DeviceBinding) {
	device.IsActive = true
	device.DeactivatedAt = nil
	device.DeactivationReason = ""
	ApplyBinding(device, binding)
}
