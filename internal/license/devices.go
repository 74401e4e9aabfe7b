package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"licensegate/pkg/contracts/domain"
)

// DeviceInfo is the caller-supplied description of a device. CPU, GPU and Screen are
// hashed before storage; Attributes are stored as given.
type DeviceInfo struct {
	CPU        string
	GPU        string
	Screen     string
	Attributes map[string]string
}

// DeviceManager binds licenses to devices
type DeviceManager struct {
	devices DeviceRepository
	hasher  Hasher
	now     func() time.Time
}

// NewDeviceManager creates a device manager
func NewDeviceManager(devices DeviceRepository, hasher Hasher, now func() time.Time) *DeviceManager {
	if now == nil {
		now = time.Now
	}
	return &DeviceManager{devices: devices, hasher: hasher, now: now}
}

// Binding hashes a fingerprint and its hardware details into a DeviceBinding
func (m *DeviceManager) Binding(fingerprint string, info DeviceInfo, ip string) (DeviceBinding, error) {
	fp, err := NormalizeSecret(fingerprint)
	if err != nil {
		return DeviceBinding{}, fmt.Errorf("%w: device fingerprint: %v", ErrInvalidRequest, err)
	}
	return DeviceBinding{
		FingerprintHash: m.hasher.Hash(fp),
		CPUHash:         m.optionalHash(info.CPU),
		GPUHash:         m.optionalHash(info.GPU),
		ScreenHash:      m.optionalHash(info.Screen),
		Info:            info.Attributes,
		IP:              ip,
		SeenAt:          m.now().UTC(),
	}, nil
}

// FingerprintHash hashes a raw fingerprint
func (m *DeviceManager) FingerprintHash(fingerprint string) (string, error) {
	fp, err := NormalizeSecret(fingerprint)
	if err != nil {
		return "", fmt.Errorf("%w: device fingerprint: %v", ErrInvalidRequest, err)
	}
	return m.hasher.Hash(fp), nil
}

func (m *DeviceManager) optionalHash(v string) string {
	if v == "" {
		return ""
	}
	return m.hasher.Hash(v)
}

// Activate binds the device to lic, or reports the limit as exceeded
func (m *DeviceManager) Activate(ctx context.Context, lic *domain.License, binding DeviceBinding) (ActivationOutcome, error) {
	out, err := m.devices.ActivateDevice(ctx, lic.ID, lic.MaxDevices, binding)
	if err != nil {
		return ActivationOutcome{}, fmt.Errorf("activate device: %w", err)
	}
	out.MaxDevices = lic.MaxDevices
	return out, nil
}

// Deactivate soft-closes a device. It returns nil and no error when the device is
// unknown or already inactive.
func (m *DeviceManager) Deactivate(ctx context.Context, lic *domain.License, fingerprintHash, reason string) (*domain.DeviceActivation, error) {
	if reason == "" {
		reason = "deactivated by client"
	}
	device, err := m.devices.DeactivateDevice(ctx, lic.ID, fingerprintHash, reason, m.now().UTC())
	if errors.Is(err, ErrDeviceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deactivate device: %w", err)
	}
	return device, nil
}
