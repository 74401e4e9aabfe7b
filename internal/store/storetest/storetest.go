// Package storetest is a behavioural suite shared by every license.Store
// implementation. Each backend supplies a Harness and calls Run.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
	"licensegate/pkg/contracts/domain"
)

// Harness exposes a store together with the seeding hooks the suite needs
type Harness struct {
	Store          license.Store
	AddLicense     func(t *testing.T, lic domain.License) domain.License
	AddPlan        func(t *testing.T, plan domain.Plan)
	AddEntitlement func(t *testing.T, ent domain.Entitlement)
}

// Run executes the suite. newHarness is called once per subtest and must return
// an isolated store.
func Run(t *testing.T, newHarness func(t *testing.T) Harness) {
	t.Run("licenses", func(t *testing.T) { testLicenses(t, newHarness(t)) })
	t.Run("plans", func(t *testing.T) { testPlans(t, newHarness(t)) })
	t.Run("device slots", func(t *testing.T) { testDeviceSlots(t, newHarness(t)) })
	t.Run("concurrent activation", func(t *testing.T) { testConcurrentActivation(t, newHarness(t)) })
	t.Run("deactivate and touch", func(t *testing.T) { testDeactivate(t, newHarness(t)) })
	t.Run("usage", func(t *testing.T) { testUsage(t, newHarness(t)) })
	t.Run("concurrent usage", func(t *testing.T) { testConcurrentUsage(t, newHarness(t)) })
	t.Run("audit", func(t *testing.T) { testAudit(t, newHarness(t)) })
}

func newLicense(status domain.LicenseStatus, maxDevices int) domain.License {
	return domain.License{
		ID:          uuid.New(),
		KeyHash:     uuid.NewString(),
		Status:      status,
		LicenseType: "standard",
		MaxDevices:  maxDevices,
	}
}

func binding(fp string) license.DeviceBinding {
	return license.DeviceBinding{
		FingerprintHash: fp,
		IP:              "10.0.0.1",
		SeenAt:          time.Now().UTC().Truncate(time.Microsecond),
	}
}

func testLicenses(t *testing.T, h Harness) {
	ctx := context.Background()

	_, err := h.Store.FindByKeyHash(ctx, "missing")
	assert.ErrorIs(t, err, license.ErrLicenseNotFound)

	pending := h.AddLicense(t, newLicense(domain.LicenseStatusPending, 1))
	got, err := h.Store.FindByKeyHash(ctx, pending.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, got.ID)
	assert.Equal(t, domain.LicenseStatusPending, got.Status)

	at := time.Now().UTC().Truncate(time.Microsecond)
	status, err := h.Store.MarkValidated(ctx, pending.ID, at)
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusActive, status)

	got, err = h.Store.FindByKeyHash(ctx, pending.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusActive, got.Status)
	require.NotNil(t, got.LastValidatedAt)
	assert.WithinDuration(t, at, *got.LastValidatedAt, time.Millisecond)

	suspended := h.AddLicense(t, newLicense(domain.LicenseStatusSuspended, 1))
	status, err = h.Store.MarkValidated(ctx, suspended.ID, at)
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusSuspended, status, "only pending is promoted")

	require.NoError(t, h.Store.TouchHeartbeat(ctx, suspended.ID, at))
	got, err = h.Store.FindByKeyHash(ctx, suspended.KeyHash)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatAt)
}

func testPlans(t *testing.T, h Harness) {
	ctx := context.Background()

	_, err := h.Store.FindPlan(ctx, "missing")
	assert.ErrorIs(t, err, license.ErrPlanNotFound)

	h.AddPlan(t, domain.Plan{
		Ref:  "pro",
		Name: "Pro",
		Features: domain.FeatureSet{
			"export":    domain.BoolFeature(true),
			"api_calls": domain.QuantityFeature(1000),
		},
	})
	plan, err := h.Store.FindPlan(ctx, "pro")
	require.NoError(t, err)
	assert.Equal(t, "Pro", plan.Name)
	assert.True(t, plan.Features["export"].Grants())
	limit, ok := plan.Features["api_calls"].Limit()
	require.True(t, ok)
	assert.Equal(t, int64(1000), limit)
}

func testDeviceSlots(t *testing.T, h Harness) {
	ctx := context.Background()
	lic := h.AddLicense(t, newLicense(domain.LicenseStatusActive, 2))

	out, err := h.Store.ActivateDevice(ctx, lic.ID, lic.MaxDevices, binding("fp-a"))
	require.NoError(t, err)
	assert.False(t, out.Reconnected)
	assert.Equal(t, 1, out.ActiveDevices)
	require.NotNil(t, out.Device)
	assert.Equal(t, int64(1), out.Device.SessionCount)

	out, err = h.Store.ActivateDevice(ctx, lic.ID, lic.MaxDevices, binding("fp-a"))
	require.NoError(t, err)
	assert.True(t, out.Reconnected)
	assert.Equal(t, int64(2), out.Device.SessionCount)
	assert.Equal(t, 1, out.ActiveDevices)

	_, err = h.Store.ActivateDevice(ctx, lic.ID, lic.MaxDevices, binding("fp-b"))
	require.NoError(t, err)

	out, err = h.Store.ActivateDevice(ctx, lic.ID, lic.MaxDevices, binding("fp-c"))
	require.NoError(t, err)
	assert.True(t, out.LimitExceeded)
	assert.Nil(t, out.Device)
	assert.Equal(t, 2, out.ActiveDevices)
	assert.Equal(t, 2, out.MaxDevices)

	devices, err := h.Store.ListDevices(ctx, lic.ID)
	require.NoError(t, err)
	assert.Len(t, devices, 2, "a rejected activation writes nothing")

	// freeing a slot lets a closed row reopen with its history intact
	_, err = h.Store.DeactivateDevice(ctx, lic.ID, "fp-a", "replaced", time.Now().UTC())
	require.NoError(t, err)
	out, err = h.Store.ActivateDevice(ctx, lic.ID, lic.MaxDevices, binding("fp-a"))
	require.NoError(t, err)
	assert.True(t, out.Reconnected)
	assert.True(t, out.Device.IsActive)
	assert.Nil(t, out.Device.DeactivatedAt)
	assert.Equal(t, int64(3), out.Device.SessionCount)
	assert.Equal(t, 2, out.ActiveDevices)

	_, err = h.Store.ActivateDevice(ctx, uuid.New(), 1, binding("fp-x"))
	assert.ErrorIs(t, err, license.ErrLicenseNotFound)
}

func testConcurrentActivation(t *testing.T, h Harness) {
	ctx := context.Background()
	lic := h.AddLicense(t, newLicense(domain.LicenseStatusActive, 3))

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := h.Store.ActivateDevice(ctx, lic.ID, lic.MaxDevices, binding(fmt.Sprintf("fp-%d", n)))
			if !assert.NoError(t, err) {
				return
			}
			if !out.LimitExceeded {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, accepted)
	devices, err := h.Store.ListDevices(ctx, lic.ID)
	require.NoError(t, err)
	active := 0
	for _, d := range devices {
		if d.IsActive {
			active++
		}
	}
	assert.Equal(t, 3, active)
}

func testDeactivate(t *testing.T, h Harness) {
	ctx := context.Background()
	lic := h.AddLicense(t, newLicense(domain.LicenseStatusActive, 1))

	_, err := h.Store.DeactivateDevice(ctx, lic.ID, "fp-a", "x", time.Now())
	assert.ErrorIs(t, err, license.ErrDeviceNotFound)
	assert.ErrorIs(t, h.Store.TouchDevice(ctx, lic.ID, "fp-a", "", time.Now()), license.ErrDeviceNotFound)

	_, err = h.Store.ActivateDevice(ctx, lic.ID, 1, binding("fp-a"))
	require.NoError(t, err)

	seen := time.Now().UTC().Add(time.Minute).Truncate(time.Microsecond)
	require.NoError(t, h.Store.TouchDevice(ctx, lic.ID, "fp-a", "10.9.9.9", seen))

	closed, err := h.Store.DeactivateDevice(ctx, lic.ID, "fp-a", "moved", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, closed.IsActive)
	assert.Equal(t, "moved", closed.DeactivationReason)
	assert.Equal(t, "10.9.9.9", closed.LastIPAddress)
	assert.WithinDuration(t, seen, closed.LastSeenAt, time.Millisecond)

	_, err = h.Store.DeactivateDevice(ctx, lic.ID, "fp-a", "again", time.Now())
	assert.ErrorIs(t, err, license.ErrDeviceNotFound, "an inactive row cannot be deactivated twice")

	assert.NoError(t, h.Store.TouchDevice(ctx, lic.ID, "fp-a", "", time.Now()), "touch refreshes closed rows too")
}

func testUsage(t *testing.T, h Harness) {
	ctx := context.Background()
	lic := h.AddLicense(t, newLicense(domain.LicenseStatusActive, 1))

	_, err := h.Store.FindEntitlement(ctx, lic.ID, "api_calls")
	assert.ErrorIs(t, err, license.ErrEntitlementNotFound)
	_, err = h.Store.IncrementUsage(ctx, lic.ID, "api_calls", 1)
	assert.ErrorIs(t, err, license.ErrEntitlementNotFound)

	limit := int64(10)
	h.AddEntitlement(t, domain.Entitlement{
		LicenseID:    lic.ID,
		FeatureKey:   "api_calls",
		IsEnabled:    true,
		UsageLimit:   &limit,
		UsageCurrent: 7,
	})

	ent, err := h.Store.IncrementUsage(ctx, lic.ID, "api_calls", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ent.UsageCurrent)

	_, err = h.Store.IncrementUsage(ctx, lic.ID, "api_calls", 1)
	assert.ErrorIs(t, err, license.ErrUsageLimitReached)

	ent, err = h.Store.FindEntitlement(ctx, lic.ID, "api_calls")
	require.NoError(t, err)
	assert.Equal(t, int64(10), ent.UsageCurrent, "a rejected increment changes nothing")

	h.AddEntitlement(t, domain.Entitlement{LicenseID: lic.ID, FeatureKey: "unlimited", IsEnabled: true})
	ent, err = h.Store.IncrementUsage(ctx, lic.ID, "unlimited", 500)
	require.NoError(t, err)
	assert.Nil(t, ent.UsageLimit)
	assert.Equal(t, int64(500), ent.UsageCurrent)
}

func testConcurrentUsage(t *testing.T, h Harness) {
	ctx := context.Background()
	lic := h.AddLicense(t, newLicense(domain.LicenseStatusActive, 1))
	limit := int64(30)
	h.AddEntitlement(t, domain.Entitlement{LicenseID: lic.ID, FeatureKey: "calls", IsEnabled: true, UsageLimit: &limit})

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Store.IncrementUsage(ctx, lic.ID, "calls", 1)
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, license.ErrUsageLimitReached)
		}()
	}
	wg.Wait()

	assert.Equal(t, 30, accepted)
	ent, err := h.Store.FindEntitlement(ctx, lic.ID, "calls")
	require.NoError(t, err)
	assert.Equal(t, int64(30), ent.UsageCurrent)
}

func testAudit(t *testing.T, h Harness) {
	ctx := context.Background()
	lic := h.AddLicense(t, newLicense(domain.LicenseStatusActive, 1))

	require.NoError(t, h.Store.AppendValidationLog(ctx, &domain.ValidationLog{
		ID:         uuid.New(),
		LicenseID:  &lic.ID,
		KeyHash:    lic.KeyHash,
		Action:     "validate",
		IPAddress:  "10.0.0.1",
		ResultCode: domain.ResultSuccess,
		Details:    map[string]string{"message": "license valid"},
		CreatedAt:  time.Now().UTC(),
	}))
	require.NoError(t, h.Store.AppendValidationLog(ctx, &domain.ValidationLog{
		ID:         uuid.New(),
		KeyHash:    "unknown",
		Action:     "validate",
		ResultCode: domain.ResultInvalidKey,
		CreatedAt:  time.Now().UTC(),
	}), "entries without a license are accepted")
	require.NoError(t, h.Store.AppendUsageEvent(ctx, &domain.UsageEvent{
		ID:         uuid.New(),
		LicenseID:  lic.ID,
		FeatureKey: "calls",
		Quantity:   1,
		CreatedAt:  time.Now().UTC(),
	}))
	require.NoError(t, h.Store.Ping(ctx))
}
