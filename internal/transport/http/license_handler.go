package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/middleware"
	"licensegate/internal/services"
	api "licensegate/pkg/contracts/api/v1"
)

// LicenseHandler handles license action requests
type LicenseHandler struct {
	service      services.LicenseService
	decoder      *middleware.Validator
	errorHandler *apierrors.ErrorHandler
	logger       *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, decoder *middleware.Validator, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:      service,
		decoder:      decoder,
		errorHandler: errorHandler,
		logger:       logger.With(slog.String("handler", "license")),
	}
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.ContentTypeValidator(h.errorHandler, "application/json"))

	r.Post("/", h.Dispatch)
	r.Post("/validate", h.Validate)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/heartbeat", h.Heartbeat)
	r.Post("/check-feature", h.CheckFeature)
	r.Post("/log-usage", h.LogUsage)
	r.Post("/devices", h.ListDevices)

	return r
}

// Dispatch handles POST /api/license
func (h *LicenseHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req api.LicenseActionRequest
	if err := h.decoder.DecodeJSON(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.respond(w, r)(h.service.Dispatch(r.Context(), req, callerFrom(r)))
}

// Validate handles POST /api/license/validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req api.ValidateRequest
	if err := h.decoder.DecodeJSON(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.respond(w, r)(h.service.Validate(r.Context(), req, callerFrom(r)))
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req api.ActivateRequest
	if err := h.decoder.DecodeJSON(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.respond(w, r)(h.service.Activate(r.Context(), req, callerFrom(r)))
}

// Deactivate handles POST /api/license/deactivate
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req api.DeactivateRequest
	if err := h.decoder.DecodeJSON(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.respond(w, r)(h.service.Deactivate(r.Context(), req, callerFrom(r)))
}

// Heartbeat handles POST /api/license/heartbeat
func (h *LicenseHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	if err := h.decoder.DecodeJSON(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.respond(w, r)(h.service.Heartbeat(r.Context(), req, callerFrom(r)))
}

// CheckFeature handles POST /api/license/check-feature
func (h *LicenseHandler) CheckFeature(w http.ResponseWriter, r *http.Request) {
	var req api.CheckFeatureRequest
	if err := h.decoder.DecodeJSON(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.respond(w, r)(h.service.CheckFeature(r.Context(), req, callerFrom(r)))
}

// LogUsage handles POST /api/license/log-usage
func (h *LicenseHandler) LogUsage(w http.ResponseWriter, r *http.Request) {
	var req api.LogUsageRequest
	if err := h.decoder.DecodeJSON(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	h.respond(w, r)(h.service.LogUsage(r.Context(), req, callerFrom(r)))
}

// ListDevices handles POST /api/license/devices. The key travels in the body so it
// never appears in access logs or URLs.
func (h *LicenseHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	var req api.DevicesRequest
	if err := h.decoder.DecodeJSON(r, &req); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp, err := h.service.ListDevices(r.Context(), req)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// respond renders a license action result. Business outcomes are always 200.
func (h *LicenseHandler) respond(w http.ResponseWriter, r *http.Request) func(*api.LicenseActionResponse, error) {
	return func(resp *api.LicenseActionResponse, err error) {
		if err != nil {
			h.errorHandler.HandleError(w, r, err)
			return
		}
		render.JSON(w, r, resp)
	}
}

func callerFrom(r *http.Request) services.CallerInfo {
	return services.CallerInfo{
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		Header:    r.Header,
	}
}
