package license

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"licensegate/pkg/contracts/domain"
)

// Verifier checks a license's signed claims against its declared public key
type Verifier struct {
	trusted map[string]struct{}
}

// NewVerifier creates a verifier. When trustedKeys is non-empty, a license whose
// declared key is not in the set fails verification even if the signature is valid.
func NewVerifier(trustedKeys []string) (*Verifier, error) {
	v := &Verifier{}
	if len(trustedKeys) == 0 {
		return v, nil
	}
	v.trusted = make(map[string]struct{}, len(trustedKeys))
	for i, k := range trustedKeys {
		pub, err := ParsePublicKey(k)
		if err != nil {
			return nil, fmt.Errorf("trusted issuer key %d: %w", i, err)
		}
		v.trusted[string(pub)] = struct{}{}
	}
	return v, nil
}

// Verify validates the signature over the exact signed_data bytes and returns the
// decoded claims. Claims whose expires_at is before now are rejected.
// Any error means invalid_signature.
func (v *Verifier) Verify(lic *domain.License, now time.Time) (*domain.Claims, error) {
	if lic.SignedData == "" || lic.Signature == "" || lic.PublicKey == "" {
		return nil, ErrSignatureMaterial
	}

	pub, err := ParsePublicKey(lic.PublicKey)
	if err != nil {
		return nil, err
	}
	if v.trusted != nil {
		if _, ok := v.trusted[string(pub)]; !ok {
			return nil, ErrUntrustedIssuer
		}
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(lic.Signature))
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !ed25519.Verify(pub, []byte(lic.SignedData), sig) {
		return nil, ErrSignatureMismatch
	}

	claims, err := domain.ParseClaims([]byte(lic.SignedData))
	if err != nil {
		return nil, fmt.Errorf("invalid claims: %w", err)
	}
	if claims.Version != domain.ClaimsVersion {
		return nil, fmt.Errorf("%w: %d", ErrClaimsVersion, claims.Version)
	}
	if claims.LicenseID != "" && claims.LicenseID != lic.ID.String() {
		return nil, ErrClaimsLicenseMatch
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(now) {
		return nil, fmt.Errorf("%w at %s", ErrClaimsExpired, claims.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return &claims, nil
}

// ParsePublicKey accepts a PEM "PUBLIC KEY" block (PKIX) or the base64 raw 32-byte key
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	if block, _ := pem.Decode([]byte(encoded)); block != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		pub, ok := key.(ed25519.PublicKey)
		if !ok {
			return nil, ErrUnsupportedKey
		}
		return pub, nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, ErrUnsupportedKey
	}
	return ed25519.PublicKey(raw), nil
}

// Signer produces signed_data and signature for a claims document
type Signer struct {
	key ed25519.PrivateKey
}

// NewSigner parses a PEM "PRIVATE KEY" block (PKCS8)
func NewSigner(privateKeyPEM []byte) (*Signer, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not Ed25519 private key")
	}
	return &Signer{key: priv}, nil
}

// Sign returns the canonical claims JSON and its base64 signature
func (s *Signer) Sign(claims domain.Claims) (signedData, signature string, err error) {
	if claims.Version == 0 {
		claims.Version = domain.ClaimsVersion
	}
	data, err := claims.Canonical()
	if err != nil {
		return "", "", fmt.Errorf("failed to encode claims: %w", err)
	}
	return string(data), SignBytes(s.key, data), nil
}

// PublicKeyPEM returns the signer's public key as a PEM "PUBLIC KEY" block
func (s *Signer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(s.key.Public())
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// SignBytes signs data and returns the base64 std signature
func SignBytes(key ed25519.PrivateKey, data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(key, data))
}

// GenerateKeyPair creates an Ed25519 key pair encoded as PEM
func GenerateKeyPair() (privateKeyPEM, publicKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	publicKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privateKeyPEM, publicKeyPEM, nil
}
