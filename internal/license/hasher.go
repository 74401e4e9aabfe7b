package license

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Hash algorithm names accepted by NewHasher
const (
	HashAlgorithmSHA256  = "sha256"
	HashAlgorithmBlake2b = "blake2b"
)

// Hasher produces the stored digest of a license key or device fingerprint.
// Implementations must be deterministic across restarts.
type Hasher interface {
	Hash(secret string) string
}

// SHA256Hasher digests secrets with SHA-256 and returns lowercase hex
type SHA256Hasher struct{}

// Hash implements Hasher
func (SHA256Hasher) Hash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Blake2bHasher digests secrets with keyed BLAKE2b-256. The key is a deployment-wide
// pepper, so digests are stable for as long as the pepper is.
type Blake2bHasher struct {
	pepper []byte
}

// NewBlake2bHasher creates a keyed hasher. The pepper must be 1 to 64 bytes.
func NewBlake2bHasher(pepper string) (*Blake2bHasher, error) {
	if len(pepper) == 0 || len(pepper) > blake2b.Size {
		return nil, fmt.Errorf("blake2b pepper must be 1-%d bytes, got %d", blake2b.Size, len(pepper))
	}
	return &Blake2bHasher{pepper: []byte(pepper)}, nil
}

// Hash implements Hasher
func (h *Blake2bHasher) Hash(secret string) string {
	mac, err := blake2b.New256(h.pepper)
	if err != nil {
		// key length is checked in the constructor
		panic(err)
	}
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewHasher returns the hasher for the configured algorithm
func NewHasher(algorithm, pepper string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", HashAlgorithmSHA256:
		return SHA256Hasher{}, nil
	case HashAlgorithmBlake2b:
		return NewBlake2bHasher(pepper)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownHashAlgo, algorithm)
}

// NormalizeSecret trims surrounding whitespace and rejects empty secrets
func NormalizeSecret(secret string) (string, error) {
	s := strings.TrimSpace(secret)
	if s == "" {
		return "", ErrEmptySecret
	}
	return s, nil
}

// maskKey returns a log-safe prefix of a key hash
func maskKey(keyHash string) string {
	if len(keyHash) <= 8 {
		return keyHash
	}
	return keyHash[:8] + "..."
}
