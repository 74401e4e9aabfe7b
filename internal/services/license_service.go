package services

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
	api "licensegate/pkg/contracts/api/v1"
	"licensegate/pkg/contracts/domain"
)

// CallerInfo is the transport-level identity of whoever sent a request
type CallerInfo = license.Caller

// LicenseService provides the license actions exposed over HTTP
type LicenseService interface {
	Validate(ctx context.Context, req api.ValidateRequest, caller CallerInfo) (*api.LicenseActionResponse, error)
	Activate(ctx context.Context, req api.ActivateRequest, caller CallerInfo) (*api.LicenseActionResponse, error)
	Deactivate(ctx context.Context, req api.DeactivateRequest, caller CallerInfo) (*api.LicenseActionResponse, error)
	Heartbeat(ctx context.Context, req api.HeartbeatRequest, caller CallerInfo) (*api.LicenseActionResponse, error)
	CheckFeature(ctx context.Context, req api.CheckFeatureRequest, caller CallerInfo) (*api.LicenseActionResponse, error)
	LogUsage(ctx context.Context, req api.LogUsageRequest, caller CallerInfo) (*api.LicenseActionResponse, error)
	ListDevices(ctx context.Context, req api.DevicesRequest) (*api.DevicesResponse, error)

	// Dispatch routes a single-endpoint request to the action it names
	Dispatch(ctx context.Context, req api.LicenseActionRequest, caller CallerInfo) (*api.LicenseActionResponse, error)
}

// LicenseEngine is the part of license.Engine the service drives
type LicenseEngine interface {
	Validate(ctx context.Context, in license.ValidateInput) (license.ValidationResult, error)
	Activate(ctx context.Context, in license.ActivateInput) (license.ActivationResult, error)
	Deactivate(ctx context.Context, in license.DeactivateInput) (license.DeactivationResult, error)
	Heartbeat(ctx context.Context, in license.HeartbeatInput) (license.HeartbeatResult, error)
	CheckFeature(ctx context.Context, in license.CheckFeatureInput) (license.FeatureDecision, error)
	LogUsage(ctx context.Context, in license.LogUsageInput) (license.UsageResult, error)
	ListDevices(ctx context.Context, key string) ([]domain.DeviceActivation, error)
}

// RequestValidator validates request contracts by their struct tags
type RequestValidator interface {
	Struct(v interface{}) error
}

// LicenseServiceOptions carries the optional collaborators of the license service
type LicenseServiceOptions struct {
	Attempts  license.AttemptLimiter
	Validator RequestValidator
	Metrics   *license.Metrics
	Now       func() time.Time
}

type licenseService struct {
	engine    LicenseEngine
	attempts  license.AttemptLimiter
	validator RequestValidator
	metrics   *license.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewLicenseService creates the license service
func NewLicenseService(engine LicenseEngine, opts LicenseServiceOptions, logger *slog.Logger) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &licenseService{
		engine:    engine,
		attempts:  opts.Attempts,
		validator: opts.Validator,
		metrics:   opts.Metrics,
		now:       opts.Now,
		logger:    logger.With(slog.String("service", "license")),
	}
}

// Dispatch routes req.Action to the matching action
func (s *licenseService) Dispatch(ctx context.Context, req api.LicenseActionRequest, caller CallerInfo) (*api.LicenseActionResponse, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	switch req.Action {
	case domain.ActionValidate:
		return s.Validate(ctx, api.ValidateRequest{
			LicenseKey:        req.LicenseKey,
			DeviceFingerprint: req.DeviceFingerprint,
			DeviceInfo:        req.DeviceInfo,
		}, caller)
	case domain.ActionActivate:
		return s.Activate(ctx, api.ActivateRequest{
			LicenseKey:        req.LicenseKey,
			DeviceFingerprint: req.DeviceFingerprint,
			DeviceInfo:        req.DeviceInfo,
		}, caller)
	case domain.ActionDeactivate:
		return s.Deactivate(ctx, api.DeactivateRequest{
			LicenseKey:        req.LicenseKey,
			DeviceFingerprint: req.DeviceFingerprint,
			Reason:            req.Reason,
		}, caller)
	case domain.ActionHeartbeat:
		return s.Heartbeat(ctx, api.HeartbeatRequest{
			LicenseKey:        req.LicenseKey,
			DeviceFingerprint: req.DeviceFingerprint,
		}, caller)
	case domain.ActionCheckFeature:
		return s.CheckFeature(ctx, api.CheckFeatureRequest{
			LicenseKey: req.LicenseKey,
			FeatureKey: req.FeatureKey,
		}, caller)
	case domain.ActionLogUsage:
		return s.LogUsage(ctx, api.LogUsageRequest{
			LicenseKey: req.LicenseKey,
			FeatureKey: req.FeatureKey,
			Quantity:   req.Quantity,
		}, caller)
	}
	return nil, apierrors.ErrUnsupportedAction
}

// Validate runs the validation pipeline for a key
func (s *licenseService) Validate(ctx context.Context, req api.ValidateRequest, caller CallerInfo) (*api.LicenseActionResponse, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	if err := s.checkLockout(ctx, caller); err != nil {
		return nil, err
	}

	res, err := s.engine.Validate(ctx, license.ValidateInput{
		Key:         req.LicenseKey,
		Fingerprint: req.DeviceFingerprint,
		Device:      toDeviceInfo(req.DeviceInfo),
		Caller:      caller,
	})
	if err != nil {
		return nil, s.engineFailure(ctx, domain.ActionValidate, err)
	}
	s.observeResult(ctx, caller, res.Result)

	resp := s.newResponse(ctx, domain.ActionValidate, res.Valid)
	fillValidation(resp, res)
	return resp, nil
}

// Activate validates the key and binds the caller's device
func (s *licenseService) Activate(ctx context.Context, req api.ActivateRequest, caller CallerInfo) (*api.LicenseActionResponse, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	if err := s.checkLockout(ctx, caller); err != nil {
		return nil, err
	}

	res, err := s.engine.Activate(ctx, license.ActivateInput{
		Key:         req.LicenseKey,
		Fingerprint: req.DeviceFingerprint,
		Device:      toDeviceInfo(req.DeviceInfo),
		Caller:      caller,
	})
	if err != nil {
		return nil, s.engineFailure(ctx, domain.ActionActivate, err)
	}
	s.observeResult(ctx, caller, res.Result)

	resp := s.newResponse(ctx, domain.ActionActivate, res.Valid)
	fillValidation(resp, res.ValidationResult)
	if res.MaxDevices > 0 || res.Result == domain.ResultDeviceLimitExceeded {
		resp.MaxDevices = intPtr(res.MaxDevices)
		resp.ActiveDevices = intPtr(res.ActiveDevices)
	}
	if res.Valid {
		resp.Reconnected = boolPtr(res.Reconnected)
		resp.SessionCount = int64Ptr(res.SessionCount)
	}
	return resp, nil
}

// Deactivate soft-closes a device binding
func (s *licenseService) Deactivate(ctx context.Context, req api.DeactivateRequest, caller CallerInfo) (*api.LicenseActionResponse, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	res, err := s.engine.Deactivate(ctx, license.DeactivateInput{
		Key:         req.LicenseKey,
		Fingerprint: req.DeviceFingerprint,
		Reason:      req.Reason,
		Caller:      caller,
	})
	if err != nil {
		return nil, s.engineFailure(ctx, domain.ActionDeactivate, err)
	}

	resp := s.newResponse(ctx, domain.ActionDeactivate, res.Success)
	resp.Result = res.Result
	resp.Details = res.Details
	resp.Deactivated = boolPtr(res.Deactivated)
	return resp, nil
}

// Heartbeat refreshes the license and optional device liveness stamps
func (s *licenseService) Heartbeat(ctx context.Context, req api.HeartbeatRequest, caller CallerInfo) (*api.LicenseActionResponse, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	if err := s.checkLockout(ctx, caller); err != nil {
		return nil, err
	}

	res, err := s.engine.Heartbeat(ctx, license.HeartbeatInput{
		Key:         req.LicenseKey,
		Fingerprint: req.DeviceFingerprint,
		Caller:      caller,
	})
	if err != nil {
		return nil, s.engineFailure(ctx, domain.ActionHeartbeat, err)
	}
	s.observeResult(ctx, caller, res.Result)

	resp := s.newResponse(ctx, domain.ActionHeartbeat, res.Valid)
	resp.Valid = boolPtr(res.Valid)
	resp.Result = res.Result
	resp.Status = res.Status
	resp.ExpiresAt = res.ExpiresAt
	return resp, nil
}

// CheckFeature decides whether a license may use a feature
func (s *licenseService) CheckFeature(ctx context.Context, req api.CheckFeatureRequest, caller CallerInfo) (*api.LicenseActionResponse, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	dec, err := s.engine.CheckFeature(ctx, license.CheckFeatureInput{
		Key:        req.LicenseKey,
		FeatureKey: req.FeatureKey,
		Caller:     caller,
	})
	if err != nil {
		return nil, s.engineFailure(ctx, domain.ActionCheckFeature, err)
	}

	resp := s.newResponse(ctx, domain.ActionCheckFeature, dec.Allowed)
	resp.Allowed = boolPtr(dec.Allowed)
	resp.Reason = dec.Reason
	resp.Remaining = dec.Remaining
	resp.Limit = dec.Limit
	resp.Source = dec.Source
	return resp, nil
}

// LogUsage meters feature usage
func (s *licenseService) LogUsage(ctx context.Context, req api.LogUsageRequest, caller CallerInfo) (*api.LicenseActionResponse, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	res, err := s.engine.LogUsage(ctx, license.LogUsageInput{
		Key:        req.LicenseKey,
		FeatureKey: req.FeatureKey,
		Quantity:   req.Quantity,
		Caller:     caller,
	})
	if err != nil {
		return nil, s.engineFailure(ctx, domain.ActionLogUsage, err)
	}

	resp := s.newResponse(ctx, domain.ActionLogUsage, res.Success)
	resp.Result = res.Result
	resp.Reason = res.Reason
	resp.Metered = boolPtr(res.Metered)
	resp.Usage = res.Usage
	resp.Limit = res.Limit
	resp.Remaining = res.Remaining
	return resp, nil
}

// ListDevices returns the device bindings of a license. Unknown keys are a 404.
func (s *licenseService) ListDevices(ctx context.Context, req api.DevicesRequest) (*api.DevicesResponse, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	devices, err := s.engine.ListDevices(ctx, req.LicenseKey)
	if err != nil {
		return nil, s.engineFailure(ctx, "list_devices", err)
	}

	resp := &api.DevicesResponse{
		Devices:   make([]api.Device, 0, len(devices)),
		TraceID:   traceID(ctx),
		Timestamp: s.now().UTC(),
	}
	for _, d := range devices {
		if d.IsActive {
			resp.ActiveDevices++
		}
		resp.Devices = append(resp.Devices, api.Device{
			FingerprintHash:    d.DeviceFingerprintHash,
			IsActive:           d.IsActive,
			SessionCount:       d.SessionCount,
			FirstSeenAt:        d.FirstSeenAt,
			LastSeenAt:         d.LastSeenAt,
			LastIPAddress:      d.LastIPAddress,
			DeactivatedAt:      d.DeactivatedAt,
			DeactivationReason: d.DeactivationReason,
		})
	}
	return resp, nil
}

func (s *licenseService) validate(req interface{}) error {
	if s.validator == nil {
		return nil
	}
	return s.validator.Struct(req)
}

// checkLockout rejects callers locked out by the attempt limiter. Limiter failures are
// logged and let the request through; the engine still decides the outcome.
func (s *licenseService) checkLockout(ctx context.Context, caller CallerInfo) error {
	if s.attempts == nil || caller.IP == "" {
		return nil
	}

	blocked, retryAfter, err := s.attempts.Blocked(ctx, caller.IP)
	if err != nil {
		s.logger.WarnContext(ctx, "attempt limiter unavailable",
			slog.String("error", err.Error()),
			slog.String("remote_ip", caller.IP))
		return nil
	}
	if blocked {
		s.logger.WarnContext(ctx, "caller locked out",
			slog.String("remote_ip", caller.IP),
			slog.Duration("retry_after", retryAfter))
		return &apierrors.LockoutError{RetryAfter: retryAfter}
	}
	return nil
}

func (s *licenseService) observeResult(ctx context.Context, caller CallerInfo, result domain.ResultCode) {
	if s.attempts == nil || caller.IP == "" {
		return
	}

	switch {
	case result == domain.ResultInvalidKey:
		locked, err := s.attempts.RecordFailure(ctx, caller.IP)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to record invalid key attempt",
				slog.String("error", err.Error()),
				slog.String("remote_ip", caller.IP))
			return
		}
		if locked {
			s.logger.WarnContext(ctx, "caller locked out after repeated invalid keys",
				slog.String("remote_ip", caller.IP))
			s.metrics.RecordLockout(ctx)
		}
	case result.IsSuccess():
		if err := s.attempts.Reset(ctx, caller.IP); err != nil {
			s.logger.WarnContext(ctx, "failed to reset attempt counter",
				slog.String("error", err.Error()),
				slog.String("remote_ip", caller.IP))
		}
	}
}

func (s *licenseService) engineFailure(ctx context.Context, action string, err error) error {
	mapped := mapEngineError(err)
	if apierrors.ToProblem(mapped, "").Status >= http.StatusInternalServerError {
		infrastructure.WithError(s.logger, err).ErrorContext(ctx, "license action failed",
			slog.String("action", action))
		infrastructure.RecordError(ctx, err)
	}
	return mapped
}

func (s *licenseService) newResponse(ctx context.Context, action string, success bool) *api.LicenseActionResponse {
	return &api.LicenseActionResponse{
		Success:   success,
		Action:    action,
		TraceID:   traceID(ctx),
		Timestamp: s.now().UTC(),
	}
}

func fillValidation(resp *api.LicenseActionResponse, res license.ValidationResult) {
	resp.Valid = boolPtr(res.Valid)
	resp.Result = res.Result
	resp.Details = res.Details
	resp.Status = res.Status
	resp.ExpiresAt = res.ExpiresAt
}

func toDeviceInfo(info *api.DeviceInfo) license.DeviceInfo {
	if info == nil {
		return license.DeviceInfo{}
	}

	attrs := make(map[string]string, len(info.Extra)+2)
	for k, v := range info.Extra {
		attrs[k] = v
	}
	if info.Platform != "" {
		attrs["platform"] = info.Platform
	}
	if info.Hostname != "" {
		attrs["hostname"] = info.Hostname
	}
	if len(attrs) == 0 {
		attrs = nil
	}

	return license.DeviceInfo{
		CPU:        info.CPU,
		GPU:        info.GPU,
		Screen:     info.Screen,
		Attributes: attrs,
	}
}

func traceID(ctx context.Context) string {
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return infrastructure.TraceIDFromContext(ctx)
}

func boolPtr(b bool) *bool    { return &b }
func intPtr(n int) *int       { return &n }
func int64Ptr(n int64) *int64 { return &n }
