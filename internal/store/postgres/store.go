package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"licensegate/internal/license"
	"licensegate/pkg/contracts/domain"
)

// Store implements license.Store on PostgreSQL
type Store struct {
	db *gorm.DB
}

var _ license.Store = (*Store)(nil)

// New wraps an open GORM connection
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Ping checks the connection pool
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("gorm sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// FindByKeyHash implements license.LicenseRepository
func (s *Store) FindByKeyHash(ctx context.Context, keyHash string) (*domain.License, error) {
	var row licenseModel
	if err := s.db.WithContext(ctx).Where("key_hash = ?", keyHash).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, license.ErrLicenseNotFound
		}
		return nil, fmt.Errorf("find license: %w", err)
	}
	return toDomainLicense(row), nil
}

// MarkValidated implements license.LicenseRepository. The pending to active
// promotion happens in the same statement as the timestamp update.
func (s *Store) MarkValidated(ctx context.Context, licenseID uuid.UUID, at time.Time) (domain.LicenseStatus, error) {
	var row licenseModel
	res := s.db.WithContext(ctx).Model(&row).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "status"}}}).
		Where("id = ?", licenseID).
		Updates(map[string]interface{}{
			"last_validated_at": at,
			"updated_at":        at,
			"status": gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END",
				string(domain.LicenseStatusPending), string(domain.LicenseStatusActive)),
		})
	if res.Error != nil {
		return "", fmt.Errorf("mark validated: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", license.ErrLicenseNotFound
	}
	return domain.LicenseStatus(row.Status), nil
}

// TouchHeartbeat implements license.LicenseRepository
func (s *Store) TouchHeartbeat(ctx context.Context, licenseID uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&licenseModel{}).
		Where("id = ?", licenseID).
		Update("last_heartbeat_at", at)
	if res.Error != nil {
		return fmt.Errorf("touch heartbeat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return license.ErrLicenseNotFound
	}
	return nil
}

// FindPlan implements license.PlanRepository
func (s *Store) FindPlan(ctx context.Context, ref string) (*domain.Plan, error) {
	var row planModel
	if err := s.db.WithContext(ctx).Where("ref = ?", ref).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, license.ErrPlanNotFound
		}
		return nil, fmt.Errorf("find plan: %w", err)
	}
	return toDomainPlan(row)
}

// ActivateDevice implements license.DeviceRepository. The license row is locked
// FOR UPDATE so concurrent activations for one license serialize on the count.
func (s *Store) ActivateDevice(ctx context.Context, licenseID uuid.UUID, maxDevices int, binding license.DeviceBinding) (license.ActivationOutcome, error) {
	out := license.ActivationOutcome{MaxDevices: maxDevices}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lic licenseModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", licenseID).
			Take(&lic).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return license.ErrLicenseNotFound
			}
			return err
		}

		var active int64
		if err := tx.Model(&deviceModel{}).
			Where("license_id = ? AND is_active", licenseID).
			Count(&active).Error; err != nil {
			return err
		}
		out.ActiveDevices = int(active)

		var existing *domain.DeviceActivation
		var row deviceModel
		err := tx.Where("license_id = ? AND device_fingerprint_hash = ?", licenseID, binding.FingerprintHash).
			Take(&row).Error
		switch {
		case err == nil:
			if existing, err = toDomainDevice(row); err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		var device *domain.DeviceActivation
		switch license.DecideSlot(existing, out.ActiveDevices, maxDevices) {
		case license.SlotReject:
			out.LimitExceeded = true
			return nil
		case license.SlotReconnect:
			license.ApplyBinding(existing, binding)
			out.Reconnected = true
			device = existing
		case license.SlotReopen:
			license.ReopenDevice(existing, binding)
			out.Reconnected = true
			out.ActiveDevices++
			device = existing
		case license.SlotInsert:
			device = license.NewDeviceRow(licenseID, binding)
			out.ActiveDevices++
		}

		model, err := toDeviceModel(device)
		if err != nil {
			return err
		}
		if existing == nil {
			err = tx.Create(&model).Error
		} else {
			err = tx.Save(&model).Error
		}
		if err != nil {
			return err
		}
		out.Device = device
		return nil
	})
	if err != nil {
		if errors.Is(err, license.ErrLicenseNotFound) {
			return license.ActivationOutcome{}, err
		}
		return license.ActivationOutcome{}, fmt.Errorf("activate device: %w", err)
	}
	return out, nil
}

// DeactivateDevice implements license.DeviceRepository
func (s *Store) DeactivateDevice(ctx context.Context, licenseID uuid.UUID, fingerprintHash, reason string, at time.Time) (*domain.DeviceActivation, error) {
	var row deviceModel
	res := s.db.WithContext(ctx).Model(&row).
		Clauses(clause.Returning{}).
		Where("license_id = ? AND device_fingerprint_hash = ? AND is_active", licenseID, fingerprintHash).
		Updates(map[string]interface{}{
			"is_active":           false,
			"deactivated_at":      at,
			"deactivation_reason": reason,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("deactivate device: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, license.ErrDeviceNotFound
	}
	return toDomainDevice(row)
}

// TouchDevice implements license.DeviceRepository
func (s *Store) TouchDevice(ctx context.Context, licenseID uuid.UUID, fingerprintHash, ip string, at time.Time) error {
	updates := map[string]interface{}{"last_seen_at": at}
	if ip != "" {
		updates["last_ip_address"] = ip
	}
	res := s.db.WithContext(ctx).Model(&deviceModel{}).
		Where("license_id = ? AND device_fingerprint_hash = ?", licenseID, fingerprintHash).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("touch device: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return license.ErrDeviceNotFound
	}
	return nil
}

// ListDevices implements license.DeviceRepository
func (s *Store) ListDevices(ctx context.Context, licenseID uuid.UUID) ([]domain.DeviceActivation, error) {
	var rows []deviceModel
	if err := s.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("first_seen_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	out := make([]domain.DeviceActivation, 0, len(rows))
	for _, row := range rows {
		d, err := toDomainDevice(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

// FindEntitlement implements license.EntitlementRepository
func (s *Store) FindEntitlement(ctx context.Context, licenseID uuid.UUID, featureKey string) (*domain.Entitlement, error) {
	var row entitlementModel
	if err := s.db.WithContext(ctx).
		Where("license_id = ? AND feature_key = ?", licenseID, featureKey).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, license.ErrEntitlementNotFound
		}
		return nil, fmt.Errorf("find entitlement: %w", err)
	}
	return toDomainEntitlement(row), nil
}

// IncrementUsage implements license.EntitlementRepository. The limit check and the
// increment are one conditional UPDATE, so concurrent callers cannot overshoot.
func (s *Store) IncrementUsage(ctx context.Context, licenseID uuid.UUID, featureKey string, qty int64) (*domain.Entitlement, error) {
	var row entitlementModel
	res := s.db.WithContext(ctx).Model(&row).
		Clauses(clause.Returning{}).
		Where("license_id = ? AND feature_key = ?", licenseID, featureKey).
		Where("usage_limit IS NULL OR usage_current + ? <= usage_limit", qty).
		Update("usage_current", gorm.Expr("usage_current + ?", qty))
	if res.Error != nil {
		return nil, fmt.Errorf("increment usage: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return toDomainEntitlement(row), nil
	}

	if _, err := s.FindEntitlement(ctx, licenseID, featureKey); err != nil {
		return nil, err
	}
	return nil, license.ErrUsageLimitReached
}

// AppendValidationLog implements license.AuditRepository
func (s *Store) AppendValidationLog(ctx context.Context, entry *domain.ValidationLog) error {
	details, err := jsonColumn(entry.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	row := validationLogModel{
		ID:         entry.ID,
		LicenseID:  entry.LicenseID,
		KeyHash:    entry.KeyHash,
		Action:     entry.Action,
		IPAddress:  entry.IPAddress,
		UserAgent:  entry.UserAgent,
		ResultCode: string(entry.ResultCode),
		Details:    details,
		CreatedAt:  entry.CreatedAt,
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append validation log: %w", err)
	}
	return nil
}

// AppendUsageEvent implements license.AuditRepository
func (s *Store) AppendUsageEvent(ctx context.Context, event *domain.UsageEvent) error {
	row := usageEventModel{
		ID:         event.ID,
		LicenseID:  event.LicenseID,
		FeatureKey: event.FeatureKey,
		Quantity:   event.Quantity,
		IPAddress:  event.IPAddress,
		CreatedAt:  event.CreatedAt,
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append usage event: %w", err)
	}
	return nil
}
