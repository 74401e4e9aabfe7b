package license

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/pkg/contracts/domain"
)

func newTestSigner(t *testing.T) (*Signer, string) {
	t.Helper()
	privPEM, pubPEM, err := GenerateKeyPair()
	require.NoError(t, err)
	signer, err := NewSigner(privPEM)
	require.NoError(t, err)
	return signer, string(pubPEM)
}

func signedTestLicense(t *testing.T, signer *Signer, pub string, claims domain.Claims) *domain.License {
	t.Helper()
	data, sig, err := signer.Sign(claims)
	require.NoError(t, err)
	return &domain.License{
		ID:         uuid.MustParse(claimsLicenseID(claims)),
		SignedData: data,
		Signature:  sig,
		PublicKey:  pub,
	}
}

func claimsLicenseID(c domain.Claims) string {
	if c.LicenseID == "" {
		return uuid.NewString()
	}
	return c.LicenseID
}

func TestVerifier_Verify(t *testing.T) {
	signer, pub := newTestSigner(t)
	otherSigner, otherPub := newTestSigner(t)
	id := uuid.NewString()
	claims := domain.Claims{
		LicenseID: id,
		Plan:      "pro",
		Features:  domain.FeatureSet{"sso": domain.BoolFeature(true)},
		IssuedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	v, err := NewVerifier(nil)
	require.NoError(t, err)

	t.Run("valid signature returns claims", func(t *testing.T) {
		lic := signedTestLicense(t, signer, pub, claims)
		got, err := v.Verify(lic, now)
		require.NoError(t, err)
		assert.Equal(t, "pro", got.Plan)
		assert.Equal(t, domain.ClaimsVersion, got.Version)
		assert.True(t, got.Features["sso"].Grants())
	})

	t.Run("raw base64 public key is accepted", func(t *testing.T) {
		lic := signedTestLicense(t, signer, pub, claims)
		parsed, err := ParsePublicKey(pub)
		require.NoError(t, err)
		lic.PublicKey = base64.StdEncoding.EncodeToString(parsed)
		_, err = v.Verify(lic, now)
		assert.NoError(t, err)
	})

	t.Run("wrong key", func(t *testing.T) {
		lic := signedTestLicense(t, signer, pub, claims)
		lic.PublicKey = otherPub
		_, err := v.Verify(lic, now)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("tampered data", func(t *testing.T) {
		lic := signedTestLicense(t, signer, pub, claims)
		lic.SignedData = `{"v":1,"license_id":"` + id + `","plan":"enterprise","issued_at":"2026-03-01T00:00:00Z"}`
		_, err := v.Verify(lic, now)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})

	t.Run("missing material", func(t *testing.T) {
		for _, strip := range []func(*domain.License){
			func(l *domain.License) { l.SignedData = "" },
			func(l *domain.License) { l.Signature = "" },
			func(l *domain.License) { l.PublicKey = "" },
		} {
			lic := signedTestLicense(t, signer, pub, claims)
			strip(lic)
			_, err := v.Verify(lic, now)
			assert.ErrorIs(t, err, ErrSignatureMaterial)
		}
	})

	t.Run("garbage signature", func(t *testing.T) {
		lic := signedTestLicense(t, signer, pub, claims)
		lic.Signature = "%%%not-base64"
		_, err := v.Verify(lic, now)
		assert.Error(t, err)
	})

	t.Run("claims bound to another license", func(t *testing.T) {
		lic := signedTestLicense(t, signer, pub, claims)
		lic.ID = uuid.New()
		_, err := v.Verify(lic, now)
		assert.ErrorIs(t, err, ErrClaimsLicenseMatch)
	})

	t.Run("unsupported claims version", func(t *testing.T) {
		c := claims
		c.Version = 2
		lic := signedTestLicense(t, signer, pub, c)
		_, err := v.Verify(lic, now)
		assert.ErrorIs(t, err, ErrClaimsVersion)
	})

	t.Run("expired claims", func(t *testing.T) {
		c := claims
		past := now.Add(-time.Hour)
		c.ExpiresAt = &past
		_, err := v.Verify(signedTestLicense(t, signer, pub, c), now)
		assert.ErrorIs(t, err, ErrClaimsExpired)
	})

	t.Run("claims valid until expiry", func(t *testing.T) {
		c := claims
		future := now.Add(time.Hour)
		c.ExpiresAt = &future
		got, err := v.Verify(signedTestLicense(t, signer, pub, c), now)
		require.NoError(t, err)
		assert.True(t, future.Equal(*got.ExpiresAt))
	})

	t.Run("trusted issuer set", func(t *testing.T) {
		trusted, err := NewVerifier([]string{pub})
		require.NoError(t, err)

		_, err = trusted.Verify(signedTestLicense(t, signer, pub, claims), now)
		assert.NoError(t, err)

		_, err = trusted.Verify(signedTestLicense(t, otherSigner, otherPub, claims), now)
		assert.ErrorIs(t, err, ErrUntrustedIssuer)
	})
}

func TestParsePublicKey_RejectsNonEd25519(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&rsaKey.PublicKey)
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	_, err = ParsePublicKey(pemKey)
	assert.ErrorIs(t, err, ErrUnsupportedKey)

	_, err = ParsePublicKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrUnsupportedKey)
}

func TestSigner_SignsExactBytes(t *testing.T) {
	signer, pub := newTestSigner(t)
	data, sig, err := signer.Sign(domain.Claims{IssuedAt: time.Unix(0, 0).UTC()})
	require.NoError(t, err)

	key, err := ParsePublicKey(pub)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(key, []byte(data), raw))
	assert.Contains(t, data, `"v":1`)

	pemOut, err := signer.PublicKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, pub, pemOut)
}
