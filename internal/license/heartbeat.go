package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"licensegate/pkg/contracts/domain"
)

// HeartbeatTracker refreshes liveness timestamps. It never runs the validation
// pipeline and never checks device limits.
type HeartbeatTracker struct {
	licenses LicenseRepository
	devices  DeviceRepository
	now      func() time.Time
}

// NewHeartbeatTracker creates a heartbeat tracker
func NewHeartbeatTracker(licenses LicenseRepository, devices DeviceRepository, now func() time.Time) *HeartbeatTracker {
	if now == nil {
		now = time.Now
	}
	return &HeartbeatTracker{licenses: licenses, devices: devices, now: now}
}

// Beat stamps last_heartbeat_at on lic and, when fingerprintHash is set, last_seen_at
// on the matching device. It reports whether a device row was refreshed.
func (h *HeartbeatTracker) Beat(ctx context.Context, lic *domain.License, fingerprintHash, ip string) (bool, error) {
	at := h.now().UTC()
	if err := h.licenses.TouchHeartbeat(ctx, lic.ID, at); err != nil {
		return false, fmt.Errorf("touch heartbeat: %w", err)
	}
	lic.LastHeartbeatAt = &at

	if fingerprintHash == "" {
		return false, nil
	}
	err := h.devices.TouchDevice(ctx, lic.ID, fingerprintHash, ip, at)
	if errors.Is(err, ErrDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("touch device: %w", err)
	}
	return true, nil
}

// Liveness reports valid as status == active and not expired
func (h *HeartbeatTracker) Liveness(lic *domain.License) bool {
	return lic.IsUsable(h.now())
}
