package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"licensegate/pkg/contracts/domain"
	"licensegate/pkg/contracts/events"
)

// Options carries the optional collaborators of an Engine
type Options struct {
	Hasher    Hasher
	Verifier  *Verifier
	Geo       CountryResolver
	PlanCache *PlanCache
	Metrics   *Metrics
	Audit     *AuditLogger
	Now       func() time.Time
}

// Engine executes license actions against an injected Store
type Engine struct {
	store     Store
	hasher    Hasher
	pipeline  *Pipeline
	devices   *DeviceManager
	gate      *Gate
	heartbeat *HeartbeatTracker
	audit     *AuditLogger
	metrics   *Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewEngine wires the engine components around store
func NewEngine(store Store, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Hasher == nil {
		opts.Hasher = SHA256Hasher{}
	}
	if opts.Verifier == nil {
		opts.Verifier = &Verifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Audit == nil {
		opts.Audit = NewAuditLogger(store, nil, opts.Metrics, AuditOptions{}, logger)
	}

	e := &Engine{
		store:     store,
		hasher:    opts.Hasher,
		pipeline:  NewPipeline(store, opts.Verifier, opts.Geo, opts.Now),
		devices:   NewDeviceManager(store, opts.Hasher, opts.Now),
		gate:      NewGate(store, store, opts.PlanCache, opts.Verifier, opts.Metrics, opts.Now, logger),
		heartbeat: NewHeartbeatTracker(store, store, opts.Now),
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		now:       opts.Now,
		logger:    logger.With(slog.String("component", "license_engine")),
	}
	e.logger.Debug("license engine ready", slog.Any("checks", e.pipeline.CheckNames()))
	return e
}

// Hasher returns the engine's key hasher
func (e *Engine) Hasher() Hasher {
	return e.hasher
}

// Ping checks the store
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// ValidateInput is the input of Validate
type ValidateInput struct {
	Key         string
	Fingerprint string
	Device      DeviceInfo
	Caller      Caller
}

// ValidationResult is the outcome of Validate
type ValidationResult struct {
	Valid     bool
	Result    domain.ResultCode
	Details   map[string]string
	LicenseID *uuid.UUID
	Status    domain.LicenseStatus
	ExpiresAt *time.Time
}

// ActivateInput is the input of Activate
type ActivateInput struct {
	Key         string
	Fingerprint string
	Device      DeviceInfo
	Caller      Caller
}

// ActivationResult is the outcome of Activate
type ActivationResult struct {
	ValidationResult
	Reconnected   bool
	SessionCount  int64
	ActiveDevices int
	MaxDevices    int
}

// DeactivateInput is the input of Deactivate
type DeactivateInput struct {
	Key         string
	Fingerprint string
	Reason      string
	Caller      Caller
}

// DeactivationResult is the outcome of Deactivate
type DeactivationResult struct {
	Success     bool
	Result      domain.ResultCode
	Deactivated bool
	Details     map[string]string
}

// HeartbeatInput is the input of Heartbeat
type HeartbeatInput struct {
	Key         string
	Fingerprint string
	Caller      Caller
}

// HeartbeatResult is the outcome of Heartbeat
type HeartbeatResult struct {
	Result          domain.ResultCode
	Valid           bool
	Status          domain.LicenseStatus
	ExpiresAt       *time.Time
	DeviceRefreshed bool
}

// CheckFeatureInput is the input of CheckFeature
type CheckFeatureInput struct {
	Key        string
	FeatureKey string
	Caller     Caller
}

// LogUsageInput is the input of LogUsage. A zero Quantity means 1.
type LogUsageInput struct {
	Key        string
	FeatureKey string
	Quantity   int64
	Caller     Caller
}

// UsageResult is the outcome of LogUsage
type UsageResult struct {
	Success   bool
	Result    domain.ResultCode
	Metered   bool
	Reason    string
	Usage     *int64
	Limit     *int64
	Remaining *int64
}

// Validate runs the validation pipeline and applies the success side effects
func (e *Engine) Validate(ctx context.Context, in ValidateInput) (res ValidationResult, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "license.validate")
	defer func() {
		endSpan(span, res.Result, err)
		e.metrics.RecordAction(ctx, domain.ActionValidate, res.Result, time.Since(start))
	}()

	keyHash, err := e.hashKey(in.Key)
	if err != nil {
		return ValidationResult{}, err
	}

	res, _, err = e.validate(ctx, keyHash, in.Caller)
	if err != nil {
		return ValidationResult{}, err
	}

	entry := e.logEntry(domain.ActionValidate, keyHash, res.LicenseID, in.Caller, res.Result, res.Details)
	if in.Fingerprint != "" {
		if fpHash, fpErr := e.devices.FingerprintHash(in.Fingerprint); fpErr == nil {
			entry.Details["device_fingerprint_hash"] = fpHash
		}
	}
	e.audit.Record(ctx, entry)
	e.logOutcome(ctx, domain.ActionValidate, keyHash, res.Result)
	return res, nil
}

// validate runs the pipeline and, on success only, stamps last_validated_at and
// promotes pending licenses.
func (e *Engine) validate(ctx context.Context, keyHash string, caller Caller) (ValidationResult, *domain.License, error) {
	out, err := e.pipeline.Run(ctx, keyHash, caller)
	if err != nil {
		e.logger.ErrorContext(ctx, "validation pipeline failed",
			slog.String("key_hash", maskKey(keyHash)),
			slog.String("error", err.Error()))
		return ValidationResult{}, nil, err
	}

	res := ValidationResult{
		Valid:   out.Valid(),
		Result:  out.Result,
		Details: out.Details,
	}
	if out.License == nil {
		return res, nil, nil
	}

	id := out.License.ID
	res.LicenseID = &id
	res.Status = out.License.Status
	res.ExpiresAt = out.License.ExpiresAt

	if out.Valid() {
		status, err := e.store.MarkValidated(ctx, id, e.now().UTC())
		if err != nil {
			return ValidationResult{}, nil, fmt.Errorf("mark validated: %w", err)
		}
		if status != out.License.Status {
			e.logger.InfoContext(ctx, "license promoted",
				slog.String("license_id", id.String()),
				slog.String("from", string(out.License.Status)),
				slog.String("to", string(status)))
		}
		out.License.Status = status
		res.Status = status
		res.Details["status"] = string(status)
	}
	return res, out.License, nil
}

// Activate validates the key and binds the device when validation succeeds
func (e *Engine) Activate(ctx context.Context, in ActivateInput) (res ActivationResult, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "license.activate")
	defer func() {
		endSpan(span, res.Result, err)
		e.metrics.RecordAction(ctx, domain.ActionActivate, res.Result, time.Since(start))
	}()

	keyHash, err := e.hashKey(in.Key)
	if err != nil {
		return ActivationResult{}, err
	}
	binding, err := e.devices.Binding(in.Fingerprint, in.Device, in.Caller.IP)
	if err != nil {
		return ActivationResult{}, err
	}

	vres, lic, err := e.validate(ctx, keyHash, in.Caller)
	if err != nil {
		return ActivationResult{}, err
	}
	res.ValidationResult = vres

	if vres.Valid {
		out, err := e.devices.Activate(ctx, lic, binding)
		if err != nil {
			e.logger.ErrorContext(ctx, "device activation failed",
				slog.String("license_id", lic.ID.String()),
				slog.String("error", err.Error()))
			return ActivationResult{}, err
		}
		res.MaxDevices = out.MaxDevices
		res.ActiveDevices = out.ActiveDevices
		res.Reconnected = out.Reconnected
		if out.Device != nil {
			res.SessionCount = out.Device.SessionCount
		}

		if out.LimitExceeded {
			res.Valid = false
			res.Result = domain.ResultDeviceLimitExceeded
			res.Details = map[string]string{
				"message":       "maximum number of devices reached",
				"maxDevices":    strconv.Itoa(out.MaxDevices),
				"activeDevices": strconv.Itoa(out.ActiveDevices),
			}
		} else {
			res.Details["session_count"] = strconv.FormatInt(res.SessionCount, 10)
			change := events.DeviceChangeActivated
			if out.Reconnected {
				change = events.DeviceChangeReconnected
			}
			e.audit.RecordDevice(ctx, events.DeviceEvent{
				LicenseID:       lic.ID.String(),
				FingerprintHash: binding.FingerprintHash,
				Change:          change,
				ActiveDevices:   out.ActiveDevices,
				SessionCount:    res.SessionCount,
			})
		}
		e.metrics.RecordActivation(ctx, res.Result, out.Reconnected)
	}

	entry := e.logEntry(domain.ActionActivate, keyHash, res.LicenseID, in.Caller, res.Result, res.Details)
	entry.Details["device_fingerprint_hash"] = binding.FingerprintHash
	e.audit.Record(ctx, entry)
	e.logOutcome(ctx, domain.ActionActivate, keyHash, res.Result)
	return res, nil
}

// Deactivate soft-closes a device binding. It does not run the pipeline: a revoked
// or expired license can still release its devices.
func (e *Engine) Deactivate(ctx context.Context, in DeactivateInput) (res DeactivationResult, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "license.deactivate")
	defer func() {
		endSpan(span, res.Result, err)
		e.metrics.RecordAction(ctx, domain.ActionDeactivate, res.Result, time.Since(start))
	}()

	keyHash, err := e.hashKey(in.Key)
	if err != nil {
		return DeactivationResult{}, err
	}
	fpHash, err := e.devices.FingerprintHash(in.Fingerprint)
	if err != nil {
		return DeactivationResult{}, err
	}

	lic, err := e.store.FindByKeyHash(ctx, keyHash)
	if errors.Is(err, ErrLicenseNotFound) {
		res = DeactivationResult{
			Result:  domain.ResultInvalidKey,
			Details: map[string]string{"message": "license key not recognised"},
		}
		e.audit.Record(ctx, e.logEntry(domain.ActionDeactivate, keyHash, nil, in.Caller, res.Result, res.Details))
		return res, nil
	}
	if err != nil {
		return DeactivationResult{}, fmt.Errorf("find license: %w", err)
	}

	device, err := e.devices.Deactivate(ctx, lic, fpHash, in.Reason)
	if err != nil {
		return DeactivationResult{}, err
	}
	e.metrics.RecordDeactivation(ctx, device != nil)

	if device == nil {
		return DeactivationResult{
			Details: map[string]string{"message": domain.ReasonDeviceNotActive},
		}, nil
	}

	res = DeactivationResult{
		Success:     true,
		Result:      domain.ResultSuccess,
		Deactivated: true,
		Details: map[string]string{
			"message": domain.ReasonDeviceDeactivated,
			"reason":  device.DeactivationReason,
		},
	}
	id := lic.ID
	entry := e.logEntry(domain.ActionDeactivate, keyHash, &id, in.Caller, res.Result, res.Details)
	entry.Details["device_fingerprint_hash"] = fpHash
	e.audit.Record(ctx, entry)
	e.audit.RecordDevice(ctx, events.DeviceEvent{
		LicenseID:       lic.ID.String(),
		FingerprintHash: fpHash,
		Change:          events.DeviceChangeDeactivated,
		SessionCount:    device.SessionCount,
		Reason:          device.DeactivationReason,
	})
	return res, nil
}

// Heartbeat refreshes liveness timestamps. Only an unknown key is audited.
func (e *Engine) Heartbeat(ctx context.Context, in HeartbeatInput) (res HeartbeatResult, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "license.heartbeat")
	defer func() {
		endSpan(span, res.Result, err)
		e.metrics.RecordAction(ctx, domain.ActionHeartbeat, res.Result, time.Since(start))
	}()

	keyHash, err := e.hashKey(in.Key)
	if err != nil {
		return HeartbeatResult{}, err
	}
	var fpHash string
	if in.Fingerprint != "" {
		if fpHash, err = e.devices.FingerprintHash(in.Fingerprint); err != nil {
			return HeartbeatResult{}, err
		}
	}

	lic, err := e.store.FindByKeyHash(ctx, keyHash)
	if errors.Is(err, ErrLicenseNotFound) {
		res = HeartbeatResult{Result: domain.ResultInvalidKey}
		e.audit.Record(ctx, e.logEntry(domain.ActionHeartbeat, keyHash, nil, in.Caller, res.Result,
			map[string]string{"message": "license key not recognised"}))
		e.metrics.RecordHeartbeat(ctx, false)
		return res, nil
	}
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("find license: %w", err)
	}

	refreshed, err := e.heartbeat.Beat(ctx, lic, fpHash, in.Caller.IP)
	if err != nil {
		return HeartbeatResult{}, err
	}

	res = HeartbeatResult{
		Result:          domain.ResultSuccess,
		Valid:           e.heartbeat.Liveness(lic),
		Status:          lic.Status,
		ExpiresAt:       lic.ExpiresAt,
		DeviceRefreshed: refreshed,
	}
	e.metrics.RecordHeartbeat(ctx, res.Valid)
	return res, nil
}

// CheckFeature decides whether the license may use a feature
func (e *Engine) CheckFeature(ctx context.Context, in CheckFeatureInput) (dec FeatureDecision, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "license.check_feature", attribute.String("license.feature", in.FeatureKey))
	var result domain.ResultCode
	defer func() {
		endSpan(span, result, err)
		e.metrics.RecordAction(ctx, domain.ActionCheckFeature, result, time.Since(start))
	}()

	keyHash, err := e.hashKey(in.Key)
	if err != nil {
		return FeatureDecision{}, err
	}
	if in.FeatureKey == "" {
		return FeatureDecision{}, fmt.Errorf("%w: feature key is required", ErrInvalidRequest)
	}

	lic, err := e.store.FindByKeyHash(ctx, keyHash)
	if errors.Is(err, ErrLicenseNotFound) {
		result = domain.ResultInvalidKey
		e.audit.Record(ctx, e.logEntry(domain.ActionCheckFeature, keyHash, nil, in.Caller, result,
			map[string]string{"feature_key": in.FeatureKey}))
		e.metrics.RecordFeatureCheck(ctx, false, "")
		return FeatureDecision{Reason: domain.ReasonInvalidOrInactive}, nil
	}
	if err != nil {
		return FeatureDecision{}, fmt.Errorf("find license: %w", err)
	}

	dec, err = e.gate.Check(ctx, lic, in.FeatureKey)
	if err != nil {
		e.logger.ErrorContext(ctx, "feature check failed",
			slog.String("license_id", lic.ID.String()),
			slog.String("feature_key", in.FeatureKey),
			slog.String("error", err.Error()))
		return FeatureDecision{}, err
	}

	result = domain.ResultSuccess
	e.metrics.RecordFeatureCheck(ctx, dec.Allowed, dec.Source)
	return dec, nil
}

// LogUsage meters quantity against the feature's override counter
func (e *Engine) LogUsage(ctx context.Context, in LogUsageInput) (res UsageResult, err error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "license.log_usage", attribute.String("license.feature", in.FeatureKey))
	defer func() {
		endSpan(span, res.Result, err)
		e.metrics.RecordAction(ctx, domain.ActionLogUsage, res.Result, time.Since(start))
	}()

	keyHash, err := e.hashKey(in.Key)
	if err != nil {
		return UsageResult{}, err
	}
	if in.FeatureKey == "" {
		return UsageResult{}, fmt.Errorf("%w: feature key is required", ErrInvalidRequest)
	}
	qty := in.Quantity
	if qty == 0 {
		qty = 1
	}
	if qty < 1 {
		return UsageResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, ErrInvalidQuantity)
	}

	lic, err := e.store.FindByKeyHash(ctx, keyHash)
	if errors.Is(err, ErrLicenseNotFound) {
		res = UsageResult{Result: domain.ResultInvalidKey, Reason: domain.ReasonInvalidOrInactive}
		e.audit.Record(ctx, e.logEntry(domain.ActionLogUsage, keyHash, nil, in.Caller, res.Result,
			map[string]string{"feature_key": in.FeatureKey}))
		return res, nil
	}
	if err != nil {
		return UsageResult{}, fmt.Errorf("find license: %w", err)
	}

	out, err := e.gate.Meter(ctx, lic, in.FeatureKey, qty)
	if err != nil {
		return UsageResult{}, err
	}

	if out.Rejected {
		e.metrics.RecordUsage(ctx, in.FeatureKey, qty, true)
		res = UsageResult{Metered: true, Reason: domain.ReasonUsageLimitExceeded}
		if ent := out.Entitlement; ent != nil {
			res.Usage = &ent.UsageCurrent
			res.Limit = ent.UsageLimit
			res.Remaining = clampRemaining(ent)
		}
		return res, nil
	}

	e.metrics.RecordUsage(ctx, in.FeatureKey, qty, false)
	e.audit.RecordUsage(ctx, domain.UsageEvent{
		LicenseID:  lic.ID,
		FeatureKey: in.FeatureKey,
		Quantity:   qty,
		IPAddress:  in.Caller.IP,
	}, out.Entitlement)

	res = UsageResult{Success: true, Result: domain.ResultSuccess, Metered: out.Metered}
	if ent := out.Entitlement; ent != nil {
		res.Reason = domain.ReasonUsageLogged
		res.Usage = &ent.UsageCurrent
		res.Limit = ent.UsageLimit
		res.Remaining = clampRemaining(ent)
	} else {
		res.Reason = domain.ReasonUsageNotMetered
	}
	return res, nil
}

// ListDevices returns the device bindings of a license
func (e *Engine) ListDevices(ctx context.Context, key string) ([]domain.DeviceActivation, error) {
	keyHash, err := e.hashKey(key)
	if err != nil {
		return nil, err
	}
	lic, err := e.store.FindByKeyHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	return e.store.ListDevices(ctx, lic.ID)
}

func clampRemaining(ent *domain.Entitlement) *int64 {
	r := ent.Remaining()
	if r != nil && *r < 0 {
		zero := int64(0)
		return &zero
	}
	return r
}

func (e *Engine) hashKey(key string) (string, error) {
	k, err := NormalizeSecret(key)
	if err != nil {
		return "", fmt.Errorf("%w: license key: %v", ErrInvalidRequest, err)
	}
	return e.hasher.Hash(k), nil
}

func (e *Engine) logEntry(action, keyHash string, licenseID *uuid.UUID, caller Caller, result domain.ResultCode, details map[string]string) domain.ValidationLog {
	copied := make(map[string]string, len(details)+1)
	for k, v := range details {
		copied[k] = v
	}
	return domain.ValidationLog{
		LicenseID:  licenseID,
		KeyHash:    keyHash,
		Action:     action,
		IPAddress:  caller.IP,
		UserAgent:  caller.UserAgent,
		ResultCode: result,
		Details:    copied,
		CreatedAt:  e.now().UTC(),
	}
}

func (e *Engine) logOutcome(ctx context.Context, action, keyHash string, result domain.ResultCode) {
	level := slog.LevelInfo
	if result.IsSuccess() {
		level = slog.LevelDebug
	}
	e.logger.Log(ctx, level, "license action completed",
		slog.String("action", action),
		slog.String("key_hash", maskKey(keyHash)),
		slog.String("result", string(result)),
	)
}
