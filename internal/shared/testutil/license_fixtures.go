package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
	"licensegate/pkg/contracts/domain"
)

// LicenseTestFixtures builds licenses, keys and signed claims for tests
type LicenseTestFixtures struct {
	t            testing.TB
	Hasher       license.Hasher
	Signer       *license.Signer
	PublicKeyPEM string
}

// NewLicenseTestFixtures creates fixtures with a fresh Ed25519 issuer key
func NewLicenseTestFixtures(t testing.TB) *LicenseTestFixtures {
	t.Helper()

	privPEM, pubPEM, err := license.GenerateKeyPair()
	require.NoError(t, err)
	signer, err := license.NewSigner(privPEM)
	require.NoError(t, err)

	return &LicenseTestFixtures{
		t:            t,
		Hasher:       license.SHA256Hasher{},
		Signer:       signer,
		PublicKeyPEM: string(pubPEM),
	}
}

// NewKey returns a random raw license key
func (f *LicenseTestFixtures) NewKey() string {
	return "LG-" + uuid.NewString()
}

// ActiveLicense returns an unsigned active, perpetual license for key
func (f *LicenseTestFixtures) ActiveLicense(key string, maxDevices int) domain.License {
	return domain.License{
		ID:          uuid.New(),
		KeyHash:     f.Hasher.Hash(key),
		Status:      domain.LicenseStatusActive,
		LicenseType: "standard",
		MaxDevices:  maxDevices,
	}
}

// SignedLicense returns an active license carrying valid signed claims
func (f *LicenseTestFixtures) SignedLicense(key string, maxDevices int, features domain.FeatureSet) domain.License {
	lic := f.ActiveLicense(key, maxDevices)
	f.Sign(&lic, features)
	return lic
}

// Sign attaches signed claims bound to lic.ID
func (f *LicenseTestFixtures) Sign(lic *domain.License, features domain.FeatureSet) {
	f.t.Helper()

	claims := domain.Claims{
		Version:   domain.ClaimsVersion,
		LicenseID: lic.ID.String(),
		Plan:      lic.PlanRef,
		Features:  features,
		IssuedAt:  time.Now().UTC().Truncate(time.Second),
	}
	data, sig, err := f.Signer.Sign(claims)
	require.NoError(f.t, err)

	lic.SignedData = data
	lic.Signature = sig
	lic.PublicKey = f.PublicKeyPEM
}

// ExpiredLicense returns an active license that expired an hour ago
func (f *LicenseTestFixtures) ExpiredLicense(key string) domain.License {
	lic := f.SignedLicense(key, 1, nil)
	past := time.Now().Add(-time.Hour)
	lic.ExpiresAt = &past
	return lic
}

// Limit returns a pointer to n
func Limit(n int64) *int64 {
	return &n
}
