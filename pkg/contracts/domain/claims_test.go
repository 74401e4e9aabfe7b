package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureValue_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		kind   FeatureKind
		grants bool
	}{
		{"true grants", `true`, FeatureKindBool, true},
		{"false denies", `false`, FeatureKindBool, false},
		{"positive number grants", `5`, FeatureKindQuantity, true},
		{"fractional positive grants", `0.5`, FeatureKindQuantity, true},
		{"zero denies", `0`, FeatureKindQuantity, false},
		{"negative denies", `-3`, FeatureKindQuantity, false},
		{"string denies", `"yes"`, FeatureKindOther, false},
		{"null denies", `null`, FeatureKindOther, false},
		{"object denies", `{"enabled":true}`, FeatureKindOther, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v FeatureValue
			require.NoError(t, json.Unmarshal([]byte(tt.input), &v))
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.grants, v.Grants())
		})
	}
}

func TestFeatureValue_Limit(t *testing.T) {
	limit, ok := QuantityFeature(10).Limit()
	assert.True(t, ok)
	assert.Equal(t, int64(10), limit)

	_, ok = BoolFeature(true).Limit()
	assert.False(t, ok)

	_, ok = QuantityFeature(0).Limit()
	assert.False(t, ok)

	_, ok = QuantityFeature(math.NaN()).Limit()
	assert.False(t, ok)
}

func TestFeatureValue_LimitClampsHugeQuantities(t *testing.T) {
	for _, q := range []float64{1e300, math.Inf(1), math.MaxInt64} {
		limit, ok := QuantityFeature(q).Limit()
		assert.True(t, ok)
		assert.Equal(t, int64(math.MaxInt64), limit, "quantity %g", q)
	}

	var v FeatureValue
	require.NoError(t, json.Unmarshal([]byte("1e300"), &v))
	limit, ok := v.Limit()
	assert.True(t, ok)
	assert.Equal(t, int64(math.MaxInt64), limit)
}

func TestFeatureSet_RawValuesSurviveRoundTrip(t *testing.T) {
	var fs FeatureSet
	require.NoError(t, json.Unmarshal([]byte(`{"a":true,"b":3,"c":"tier-2"}`), &fs))

	out, err := json.Marshal(fs)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":true,"b":3,"c":"tier-2"}`, string(out))
}

func TestMergeFeatures_OverrideWins(t *testing.T) {
	plan := FeatureSet{
		"beta_ui": BoolFeature(true),
		"export":  QuantityFeature(10),
	}
	signed := FeatureSet{
		"export": BoolFeature(false),
		"sso":    BoolFeature(true),
	}

	merged := MergeFeatures(plan, signed)

	assert.True(t, merged["beta_ui"].Grants())
	assert.False(t, merged["export"].Grants(), "signed claim must override plan value")
	assert.True(t, merged["sso"].Grants())
	assert.Len(t, plan, 2, "inputs must not be modified")
}

func TestClaims_CanonicalIsStable(t *testing.T) {
	issued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	claims := Claims{
		Version:  ClaimsVersion,
		Plan:     "pro",
		IssuedAt: issued,
		Features: FeatureSet{"z": BoolFeature(true), "a": QuantityFeature(2)},
	}

	first, err := claims.Canonical()
	require.NoError(t, err)
	second, err := claims.Canonical()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, `{"v":1,"plan":"pro","features":{"a":2,"z":true},"issued_at":"2026-01-02T03:04:05Z"}`, string(first))

	parsed, err := ParseClaims(first)
	require.NoError(t, err)
	assert.Equal(t, "pro", parsed.Plan)
	assert.True(t, parsed.Features["z"].Grants())
}

func TestParseClaims_RejectsUnknownFields(t *testing.T) {
	_, err := ParseClaims([]byte(`{"v":1,"issued_at":"2026-01-02T03:04:05Z","admin":true}`))
	assert.Error(t, err)
}

func TestLicense_IsUsable(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	assert.True(t, (&License{Status: LicenseStatusActive}).IsUsable(now))
	assert.True(t, (&License{Status: LicenseStatusActive, ExpiresAt: &future}).IsUsable(now))
	assert.False(t, (&License{Status: LicenseStatusActive, ExpiresAt: &past}).IsUsable(now))
	assert.False(t, (&License{Status: LicenseStatusPending}).IsUsable(now))
}
