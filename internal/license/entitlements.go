package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"licensegate/pkg/contracts/domain"
)

// Feature decision sources
const (
	SourceOverride = "override"
	SourcePlan     = "plan"
	SourceClaims   = "claims"
)

// FeatureDecision is the outcome of an entitlement check
type FeatureDecision struct {
	Allowed   bool
	Reason    string
	Remaining *int64
	Limit     *int64
	Source    string
}

// UsageOutcome is the outcome of metering one log_usage call
type UsageOutcome struct {
	Metered     bool
	Rejected    bool
	Entitlement *domain.Entitlement
}

// Gate resolves feature permissions and meters usage
type Gate struct {
	entitlements EntitlementRepository
	plans        PlanRepository
	cache        *PlanCache
	verifier     *Verifier
	metrics      *Metrics
	now          func() time.Time
	logger       *slog.Logger
}

// NewGate creates an entitlement gate. cache may be nil.
func NewGate(entitlements EntitlementRepository, plans PlanRepository, cache *PlanCache, verifier *Verifier, metrics *Metrics, now func() time.Time, logger *slog.Logger) *Gate {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		entitlements: entitlements,
		plans:        plans,
		cache:        cache,
		verifier:     verifier,
		metrics:      metrics,
		now:          now,
		logger:       logger.With(slog.String("component", "entitlement_gate")),
	}
}

// Check decides whether lic may use featureKey. A per-license override always decides
// on its own; without one, plan features merged with verified signed claims decide.
func (g *Gate) Check(ctx context.Context, lic *domain.License, featureKey string) (FeatureDecision, error) {
	if lic == nil || lic.Status != domain.LicenseStatusActive {
		return FeatureDecision{Reason: domain.ReasonInvalidOrInactive}, nil
	}
	if lic.IsExpired(g.now()) {
		return FeatureDecision{Reason: domain.ReasonLicenseExpired}, nil
	}

	ent, err := g.entitlements.FindEntitlement(ctx, lic.ID, featureKey)
	switch {
	case err == nil:
		return decideOverride(ent), nil
	case !errors.Is(err, ErrEntitlementNotFound):
		return FeatureDecision{}, fmt.Errorf("find entitlement: %w", err)
	}

	planFeatures, claimFeatures, err := g.features(ctx, lic)
	if err != nil {
		return FeatureDecision{}, err
	}

	value, ok := domain.MergeFeatures(planFeatures, claimFeatures)[featureKey]
	if !ok || !value.Grants() {
		return FeatureDecision{Reason: domain.ReasonFeatureNotIncluded}, nil
	}

	decision := FeatureDecision{Allowed: true, Source: SourcePlan}
	if _, fromClaims := claimFeatures[featureKey]; fromClaims {
		decision.Source = SourceClaims
	}
	if limit, ok := value.Limit(); ok {
		decision.Limit = &limit
	}
	return decision, nil
}

func decideOverride(ent *domain.Entitlement) FeatureDecision {
	if !ent.IsEnabled {
		return FeatureDecision{Reason: domain.ReasonFeatureDisabled, Source: SourceOverride}
	}
	if ent.UsageLimit == nil {
		return FeatureDecision{Allowed: true, Source: SourceOverride}
	}

	limit := *ent.UsageLimit
	remaining := limit - ent.UsageCurrent
	if remaining <= 0 {
		zero := int64(0)
		return FeatureDecision{
			Reason:    domain.ReasonUsageLimitExceeded,
			Remaining: &zero,
			Limit:     &limit,
			Source:    SourceOverride,
		}
	}
	return FeatureDecision{Allowed: true, Remaining: &remaining, Limit: &limit, Source: SourceOverride}
}

// features returns the plan features and the verified signed claim features of lic
func (g *Gate) features(ctx context.Context, lic *domain.License) (domain.FeatureSet, domain.FeatureSet, error) {
	var claimFeatures domain.FeatureSet
	planRef := lic.PlanRef

	if lic.SignedData != "" && g.verifier != nil {
		claims, err := g.verifier.Verify(lic, g.now())
		if err != nil {
			g.logger.DebugContext(ctx, "signed claims ignored",
				slog.String("license_id", lic.ID.String()),
				slog.String("error", err.Error()))
		} else {
			claimFeatures = claims.Features
			if planRef == "" {
				planRef = claims.Plan
			}
		}
	}

	if planRef == "" {
		return nil, claimFeatures, nil
	}
	plan, err := g.plan(ctx, planRef)
	if err != nil {
		return nil, nil, err
	}
	if plan == nil {
		return nil, claimFeatures, nil
	}
	return plan.Features, claimFeatures, nil
}

func (g *Gate) plan(ctx context.Context, ref string) (*domain.Plan, error) {
	if g.cache != nil {
		if plan, ok := g.cache.Get(ref); ok {
			g.metrics.RecordPlanCache(ctx, true)
			return plan, nil
		}
		g.metrics.RecordPlanCache(ctx, false)
	}

	plan, err := g.plans.FindPlan(ctx, ref)
	if errors.Is(err, ErrPlanNotFound) {
		g.logger.WarnContext(ctx, "license references unknown plan", slog.String("plan_ref", ref))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find plan: %w", err)
	}

	if g.cache != nil {
		g.cache.Set(*plan)
	}
	return plan, nil
}

// Meter increments the override counter for featureKey by qty. Without an override
// row the call is acknowledged unmetered; with one, a call that would exceed the limit
// is rejected and leaves the counter unchanged.
func (g *Gate) Meter(ctx context.Context, lic *domain.License, featureKey string, qty int64) (UsageOutcome, error) {
	if qty < 1 {
		return UsageOutcome{}, ErrInvalidQuantity
	}

	ent, err := g.entitlements.IncrementUsage(ctx, lic.ID, featureKey, qty)
	switch {
	case err == nil:
		return UsageOutcome{Metered: true, Entitlement: ent}, nil
	case errors.Is(err, ErrEntitlementNotFound):
		return UsageOutcome{}, nil
	case errors.Is(err, ErrUsageLimitReached):
		current, findErr := g.entitlements.FindEntitlement(ctx, lic.ID, featureKey)
		if findErr != nil {
			current = nil
		}
		return UsageOutcome{Metered: true, Rejected: true, Entitlement: current}, nil
	}
	return UsageOutcome{}, fmt.Errorf("increment usage: %w", err)
}
