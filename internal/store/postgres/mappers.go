package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"gorm.io/datatypes"

	"licensegate/pkg/contracts/domain"
)

func toDomainLicense(row licenseModel) *domain.License {
	return &domain.License{
		ID:               row.ID,
		KeyHash:          row.KeyHash,
		Status:           domain.LicenseStatus(row.Status),
		LicenseType:      row.LicenseType,
		PlanRef:          row.PlanRef,
		MaxDevices:       row.MaxDevices,
		MaxUsers:         row.MaxUsers,
		MaxAPICallsMonth: row.MaxAPICallsMonth,
		ValidFrom:        row.ValidFrom,
		ExpiresAt:        row.ExpiresAt,
		AllowedCountries: []string(row.AllowedCountries),
		BlockedIPs:       []string(row.BlockedIPs),
		SignedData:       row.SignedData,
		Signature:        row.Signature,
		PublicKey:        row.PublicKey,
		RevocationReason: row.RevocationReason,
		LastValidatedAt:  row.LastValidatedAt,
		LastHeartbeatAt:  row.LastHeartbeatAt,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}

func toLicenseModel(lic *domain.License) licenseModel {
	allowed := lic.AllowedCountries
	if allowed == nil {
		allowed = []string{}
	}
	blocked := lic.BlockedIPs
	if blocked == nil {
		blocked = []string{}
	}
	return licenseModel{
		ID:               lic.ID,
		KeyHash:          lic.KeyHash,
		Status:           string(lic.Status),
		LicenseType:      lic.LicenseType,
		PlanRef:          lic.PlanRef,
		MaxDevices:       lic.MaxDevices,
		MaxUsers:         lic.MaxUsers,
		MaxAPICallsMonth: lic.MaxAPICallsMonth,
		ValidFrom:        lic.ValidFrom,
		ExpiresAt:        lic.ExpiresAt,
		AllowedCountries: pq.StringArray(allowed),
		BlockedIPs:       pq.StringArray(blocked),
		SignedData:       lic.SignedData,
		Signature:        lic.Signature,
		PublicKey:        lic.PublicKey,
		RevocationReason: lic.RevocationReason,
		LastValidatedAt:  lic.LastValidatedAt,
		LastHeartbeatAt:  lic.LastHeartbeatAt,
		CreatedAt:        lic.CreatedAt,
		UpdatedAt:        lic.UpdatedAt,
	}
}

func toDomainPlan(row planModel) (*domain.Plan, error) {
	features := domain.FeatureSet{}
	if len(row.Features) > 0 {
		if err := json.Unmarshal(row.Features, &features); err != nil {
			return nil, fmt.Errorf("decode plan %s features: %w", row.Ref, err)
		}
	}
	return &domain.Plan{Ref: row.Ref, Name: row.Name, Features: features}, nil
}

func toDomainEntitlement(row entitlementModel) *domain.Entitlement {
	return &domain.Entitlement{
		ID:           row.ID,
		LicenseID:    row.LicenseID,
		FeatureKey:   row.FeatureKey,
		IsEnabled:    row.IsEnabled,
		UsageLimit:   row.UsageLimit,
		UsageCurrent: row.UsageCurrent,
	}
}

func toDomainDevice(row deviceModel) (*domain.DeviceActivation, error) {
	var info map[string]string
	if len(row.DeviceInfo) > 0 {
		if err := json.Unmarshal(row.DeviceInfo, &info); err != nil {
			return nil, fmt.Errorf("decode device info: %w", err)
		}
		if len(info) == 0 {
			info = nil
		}
	}
	return &domain.DeviceActivation{
		ID:                    row.ID,
		LicenseID:             row.LicenseID,
		DeviceFingerprintHash: row.DeviceFingerprintHash,
		CPUHash:               row.CPUHash,
		GPUHash:               row.GPUHash,
		ScreenHash:            row.ScreenHash,
		DeviceInfo:            info,
		IsActive:              row.IsActive,
		SessionCount:          row.SessionCount,
		FirstSeenAt:           row.FirstSeenAt,
		LastSeenAt:            row.LastSeenAt,
		LastIPAddress:         row.LastIPAddress,
		DeactivatedAt:         row.DeactivatedAt,
		DeactivationReason:    row.DeactivationReason,
	}, nil
}

func toDeviceModel(d *domain.DeviceActivation) (deviceModel, error) {
	info, err := jsonColumn(d.DeviceInfo)
	if err != nil {
		return deviceModel{}, fmt.Errorf("encode device info: %w", err)
	}
	return deviceModel{
		ID:                    d.ID,
		LicenseID:             d.LicenseID,
		DeviceFingerprintHash: d.DeviceFingerprintHash,
		CPUHash:               d.CPUHash,
		GPUHash:               d.GPUHash,
		ScreenHash:            d.ScreenHash,
		DeviceInfo:            info,
		IsActive:              d.IsActive,
		SessionCount:          d.SessionCount,
		FirstSeenAt:           d.FirstSeenAt,
		LastSeenAt:            d.LastSeenAt,
		LastIPAddress:         d.LastIPAddress,
		DeactivatedAt:         d.DeactivatedAt,
		DeactivationReason:    d.DeactivationReason,
	}, nil
}

// jsonColumn encodes v for a NOT NULL jsonb column; nil maps become {}
func jsonColumn[T any](v map[string]T) (datatypes.JSON, error) {
	if v == nil {
		return datatypes.JSON("{}"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
