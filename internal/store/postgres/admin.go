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

// ErrDuplicateKey is returned when a license key hash is already issued
var ErrDuplicateKey = errors.New("license key already exists")

// CreateLicense issues a license row. A zero ID is assigned.
func (s *Store) CreateLicense(ctx context.Context, lic *domain.License) error {
	if lic.ID == uuid.Nil {
		lic.ID = uuid.New()
	}
	if lic.Status == "" {
		lic.Status = domain.LicenseStatusPending
	}
	now := time.Now().UTC()
	if lic.CreatedAt.IsZero() {
		lic.CreatedAt = now
	}
	lic.UpdatedAt = now

	row := toLicenseModel(lic)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// UpsertPlan inserts or replaces a plan's feature set
func (s *Store) UpsertPlan(ctx context.Context, plan domain.Plan) error {
	features, err := jsonColumn(plan.Features)
	if err != nil {
		return fmt.Errorf("encode plan features: %w", err)
	}
	now := time.Now().UTC()
	row := planModel{Ref: plan.Ref, Name: plan.Name, Features: features, CreatedAt: now, UpdatedAt: now}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ref"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "features", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

// UpsertEntitlement inserts or replaces a per-license override.
// Re-upserting keeps the recorded usage unless the caller sets it.
func (s *Store) UpsertEntitlement(ctx context.Context, ent *domain.Entitlement) error {
	if ent.ID == uuid.Nil {
		ent.ID = uuid.New()
	}
	row := entitlementModel{
		ID:           ent.ID,
		LicenseID:    ent.LicenseID,
		FeatureKey:   ent.FeatureKey,
		IsEnabled:    ent.IsEnabled,
		UsageLimit:   ent.UsageLimit,
		UsageCurrent: ent.UsageCurrent,
	}
	update := []string{"is_enabled", "usage_limit"}
	if ent.UsageCurrent > 0 {
		update = append(update, "usage_current")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "license_id"}, {Name: "feature_key"}},
		DoUpdates: clause.AssignmentColumns(update),
	}).Create(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return license.ErrLicenseNotFound
		}
		return fmt.Errorf("upsert entitlement: %w", err)
	}
	return nil
}

// SetStatus changes a license's lifecycle status. reason is stored as the
// revocation reason and cleared for any other status.
func (s *Store) SetStatus(ctx context.Context, licenseID uuid.UUID, status domain.LicenseStatus, reason string) error {
	if !status.IsKnown() {
		return fmt.Errorf("unknown license status %q", status)
	}
	if status != domain.LicenseStatusRevoked {
		reason = ""
	}
	res := s.db.WithContext(ctx).Model(&licenseModel{}).
		Where("id = ?", licenseID).
		Updates(map[string]interface{}{
			"status":            string(status),
			"revocation_reason": reason,
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("set status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return license.ErrLicenseNotFound
	}
	return nil
}
