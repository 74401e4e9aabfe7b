package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// ClaimsVersion is the only claims document version this engine understands
const ClaimsVersion = 1

// Claims is the typed, versioned document carried in a license's signed_data.
// The signature covers the exact JSON bytes produced by Canonical.
type Claims struct {
	Version   int        `json:"v"`
	LicenseID string     `json:"license_id,omitempty"`
	Plan      string     `json:"plan,omitempty"`
	Features  FeatureSet `json:"features,omitempty"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Canonical returns the canonical JSON encoding of the claims.
// Field order follows the struct declaration and map keys are sorted by encoding/json.
func (c Claims) Canonical() ([]byte, error) {
	return json.Marshal(c)
}

// ParseClaims decodes a claims document and rejects unknown fields
func ParseClaims(data []byte) (Claims, error) {
	var claims Claims
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&claims); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// FeatureKind tags the JSON shape of a feature value
type FeatureKind uint8

const (
	FeatureKindOther FeatureKind = iota
	FeatureKindBool
	FeatureKindQuantity
)

// FeatureValue is a tagged feature flag: a boolean, a numeric quantity, or anything else
// (kept raw so it round-trips but never grants access).
type FeatureValue struct {
	Kind     FeatureKind
	Bool     bool
	Quantity float64
	Raw      json.RawMessage
}

// BoolFeature returns a boolean feature value
func BoolFeature(v bool) FeatureValue {
	return FeatureValue{Kind: FeatureKindBool, Bool: v}
}

// QuantityFeature returns a numeric feature value
func QuantityFeature(q float64) FeatureValue {
	return FeatureValue{Kind: FeatureKindQuantity, Quantity: q}
}

// Grants reports whether the value grants access: boolean true or a positive number
func (v FeatureValue) Grants() bool {
	switch v.Kind {
	case FeatureKindBool:
		return v.Bool
	case FeatureKindQuantity:
		return v.Quantity > 0
	}
	return false
}

// Limit returns the numeric quantity when the value is a positive number.
// Quantities beyond the int64 range are clamped to math.MaxInt64.
func (v FeatureValue) Limit() (int64, bool) {
	if v.Kind != FeatureKindQuantity || !(v.Quantity > 0) {
		return 0, false
	}
	if v.Quantity >= math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(v.Quantity), true
}

// MarshalJSON implements json.Marshaler
func (v FeatureValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case FeatureKindBool:
		return strconv.AppendBool(nil, v.Bool), nil
	case FeatureKindQuantity:
		return json.Marshal(v.Quantity)
	}
	if len(v.Raw) == 0 {
		return []byte("null"), nil
	}
	return v.Raw, nil
}

// UnmarshalJSON implements json.Unmarshaler
func (v *FeatureValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("true")), bytes.Equal(trimmed, []byte("false")):
		*v = BoolFeature(trimmed[0] == 't')
		return nil
	case len(trimmed) > 0 && (trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9')):
		q, err := strconv.ParseFloat(string(trimmed), 64)
		if err != nil {
			return err
		}
		*v = QuantityFeature(q)
		return nil
	}
	raw := make(json.RawMessage, len(trimmed))
	copy(raw, trimmed)
	*v = FeatureValue{Kind: FeatureKindOther, Raw: raw}
	return nil
}

// FeatureSet maps feature keys to their values
type FeatureSet map[string]FeatureValue

// MergeFeatures overlays override on top of base. Keys present in override win.
// Neither input is modified.
func MergeFeatures(base, override FeatureSet) FeatureSet {
	merged := make(FeatureSet, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
