// Package memory provides an in-process implementation of license.Store.
// Each operation holds a single mutex, so per-operation atomicity matches the
// transactional guarantees of the Postgres store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"licensegate/internal/license"
	"licensegate/pkg/contracts/domain"
)

// Store is a mutex-guarded in-memory license store
type Store struct {
	mu           sync.Mutex
	licenses     map[uuid.UUID]*domain.License
	byKeyHash    map[string]uuid.UUID
	plans        map[string]domain.Plan
	devices      map[uuid.UUID][]*domain.DeviceActivation
	entitlements map[uuid.UUID]map[string]*domain.Entitlement
	logs         []domain.ValidationLog
	usage        []domain.UsageEvent
}

var _ license.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		licenses:     make(map[uuid.UUID]*domain.License),
		byKeyHash:    make(map[string]uuid.UUID),
		plans:        make(map[string]domain.Plan),
		devices:      make(map[uuid.UUID][]*domain.DeviceActivation),
		entitlements: make(map[uuid.UUID]map[string]*domain.Entitlement),
	}
}

// PutLicense inserts or replaces a license. A zero ID is assigned.
func (s *Store) PutLicense(lic domain.License) (domain.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lic.KeyHash == "" {
		return domain.License{}, fmt.Errorf("license key hash is required")
	}
	if lic.ID == uuid.Nil {
		lic.ID = uuid.New()
	}
	if existing, ok := s.byKeyHash[lic.KeyHash]; ok && existing != lic.ID {
		return domain.License{}, fmt.Errorf("duplicate key hash")
	}
	now := time.Now().UTC()
	if lic.CreatedAt.IsZero() {
		lic.CreatedAt = now
	}
	lic.UpdatedAt = now

	stored := copyLicense(&lic)
	s.licenses[lic.ID] = stored
	s.byKeyHash[lic.KeyHash] = lic.ID
	return *copyLicense(stored), nil
}

// PutPlan inserts or replaces a plan
func (s *Store) PutPlan(plan domain.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.Ref] = domain.Plan{Ref: plan.Ref, Name: plan.Name, Features: domain.MergeFeatures(nil, plan.Features)}
}

// PutEntitlement inserts or replaces a per-license override
func (s *Store) PutEntitlement(ent domain.Entitlement) (domain.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.licenses[ent.LicenseID]; !ok {
		return domain.Entitlement{}, license.ErrLicenseNotFound
	}
	if ent.ID == uuid.Nil {
		ent.ID = uuid.New()
	}
	if s.entitlements[ent.LicenseID] == nil {
		s.entitlements[ent.LicenseID] = make(map[string]*domain.Entitlement)
	}
	stored := copyEntitlement(&ent)
	s.entitlements[ent.LicenseID][ent.FeatureKey] = stored
	return *copyEntitlement(stored), nil
}

// SetStatus changes a license status, as an operator would
func (s *Store) SetStatus(id uuid.UUID, status domain.LicenseStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licenses[id]
	if !ok {
		return license.ErrLicenseNotFound
	}
	lic.Status = status
	lic.RevocationReason = reason
	lic.UpdatedAt = time.Now().UTC()
	return nil
}

// License returns a copy of a stored license
func (s *Store) License(id uuid.UUID) (domain.License, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lic, ok := s.licenses[id]
	if !ok {
		return domain.License{}, false
	}
	return *copyLicense(lic), true
}

// ValidationLogs returns a copy of the audit log
func (s *Store) ValidationLogs() []domain.ValidationLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ValidationLog, len(s.logs))
	copy(out, s.logs)
	return out
}

// UsageEvents returns a copy of the recorded usage events
func (s *Store) UsageEvents() []domain.UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UsageEvent, len(s.usage))
	copy(out, s.usage)
	return out
}

// Ping implements license.Store
func (s *Store) Ping(_ context.Context) error {
	return nil
}

// FindByKeyHash implements license.LicenseRepository
func (s *Store) FindByKeyHash(_ context.Context, keyHash string) (*domain.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKeyHash[keyHash]
	if !ok {
		return nil, license.ErrLicenseNotFound
	}
	return copyLicense(s.licenses[id]), nil
}

// MarkValidated implements license.LicenseRepository
func (s *Store) MarkValidated(_ context.Context, licenseID uuid.UUID, at time.Time) (domain.LicenseStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licenses[licenseID]
	if !ok {
		return "", license.ErrLicenseNotFound
	}
	lic.LastValidatedAt = &at
	if lic.Status == domain.LicenseStatusPending {
		lic.Status = domain.LicenseStatusActive
	}
	lic.UpdatedAt = at
	return lic.Status, nil
}

// TouchHeartbeat implements license.LicenseRepository
func (s *Store) TouchHeartbeat(_ context.Context, licenseID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licenses[licenseID]
	if !ok {
		return license.ErrLicenseNotFound
	}
	lic.LastHeartbeatAt = &at
	return nil
}

// FindPlan implements license.PlanRepository
func (s *Store) FindPlan(_ context.Context, ref string) (*domain.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, ok := s.plans[ref]
	if !ok {
		return nil, license.ErrPlanNotFound
	}
	return &domain.Plan{Ref: plan.Ref, Name: plan.Name, Features: domain.MergeFeatures(nil, plan.Features)}, nil
}

// ActivateDevice implements license.DeviceRepository
func (s *Store) ActivateDevice(_ context.Context, licenseID uuid.UUID, maxDevices int, binding license.DeviceBinding) (license.ActivationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.licenses[licenseID]; !ok {
		return license.ActivationOutcome{}, license.ErrLicenseNotFound
	}

	var existing *domain.DeviceActivation
	active := 0
	for _, d := range s.devices[licenseID] {
		if d.IsActive {
			active++
		}
		if d.DeviceFingerprintHash == binding.FingerprintHash {
			existing = d
		}
	}

	out := license.ActivationOutcome{MaxDevices: maxDevices, ActiveDevices: active}
	switch license.DecideSlot(existing, active, maxDevices) {
	case license.SlotReject:
		out.LimitExceeded = true
		return out, nil
	case license.SlotReconnect:
		license.ApplyBinding(existing, binding)
		out.Reconnected = true
		out.Device = copyDevice(existing)
	case license.SlotReopen:
		license.ReopenDevice(existing, binding)
		out.Reconnected = true
		out.ActiveDevices++
		out.Device = copyDevice(existing)
	case license.SlotInsert:
		row := license.NewDeviceRow(licenseID, binding)
		s.devices[licenseID] = append(s.devices[licenseID], row)
		out.ActiveDevices++
		out.Device = copyDevice(row)
	}
	return out, nil
}

// DeactivateDevice implements license.DeviceRepository
func (s *Store) DeactivateDevice(_ context.Context, licenseID uuid.UUID, fingerprintHash, reason string, at time.Time) (*domain.DeviceActivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices[licenseID] {
		if d.DeviceFingerprintHash != fingerprintHash || !d.IsActive {
			continue
		}
		d.IsActive = false
		d.DeactivatedAt = &at
		d.DeactivationReason = reason
		return copyDevice(d), nil
	}
	return nil, license.ErrDeviceNotFound
}

// TouchDevice implements license.DeviceRepository
func (s *Store) TouchDevice(_ context.Context, licenseID uuid.UUID, fingerprintHash, ip string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices[licenseID] {
		if d.DeviceFingerprintHash != fingerprintHash {
			continue
		}
		d.LastSeenAt = at
		if ip != "" {
			d.LastIPAddress = ip
		}
		return nil
	}
	return license.ErrDeviceNotFound
}

// ListDevices implements license.DeviceRepository
func (s *Store) ListDevices(_ context.Context, licenseID uuid.UUID) ([]domain.DeviceActivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.devices[licenseID]
	out := make([]domain.DeviceActivation, 0, len(rows))
	for _, d := range rows {
		out = append(out, *copyDevice(d))
	}
	return out, nil
}

// FindEntitlement implements license.EntitlementRepository
func (s *Store) FindEntitlement(_ context.Context, licenseID uuid.UUID, featureKey string) (*domain.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[licenseID][featureKey]
	if !ok {
		return nil, license.ErrEntitlementNotFound
	}
	return copyEntitlement(ent), nil
}

// IncrementUsage implements license.EntitlementRepository
func (s *Store) IncrementUsage(_ context.Context, licenseID uuid.UUID, featureKey string, qty int64) (*domain.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entitlements[licenseID][featureKey]
	if !ok {
		return nil, license.ErrEntitlementNotFound
	}
	if ent.UsageLimit != nil && ent.UsageCurrent+qty > *ent.UsageLimit {
		return nil, license.ErrUsageLimitReached
	}
	ent.UsageCurrent += qty
	return copyEntitlement(ent), nil
}

// AppendValidationLog implements license.AuditRepository
func (s *Store) AppendValidationLog(_ context.Context, entry *domain.ValidationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *entry)
	return nil
}

// AppendUsageEvent implements license.AuditRepository
func (s *Store) AppendUsageEvent(_ context.Context, event *domain.UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, *event)
	return nil
}

func copyLicense(l *domain.License) *domain.License {
	c := *l
	c.AllowedCountries = append([]string(nil), l.AllowedCountries...)
	c.BlockedIPs = append([]string(nil), l.BlockedIPs...)
	c.ValidFrom = copyTime(l.ValidFrom)
	c.ExpiresAt = copyTime(l.ExpiresAt)
	c.LastValidatedAt = copyTime(l.LastValidatedAt)
	c.LastHeartbeatAt = copyTime(l.LastHeartbeatAt)
	return &c
}

func copyDevice(d *domain.DeviceActivation) *domain.DeviceActivation {
	c := *d
	if d.DeviceInfo != nil {
		c.DeviceInfo = make(map[string]string, len(d.DeviceInfo))
		for k, v := range d.DeviceInfo {
			c.DeviceInfo[k] = v
		}
	}
	c.DeactivatedAt = copyTime(d.DeactivatedAt)
	return &c
}

func copyEntitlement(e *domain.Entitlement) *domain.Entitlement {
	c := *e
	if e.UsageLimit != nil {
		limit := *e.UsageLimit
		c.UsageLimit = &limit
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
