package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// Problem types following RFC 7807
const (
	TypeValidation       = "/errors/validation"
	TypeNotFound         = "/errors/not-found"
	TypeMethodNotAllowed = "/errors/method-not-allowed"
	TypeRateLimit        = "/errors/rate-limit"
	TypeInternal         = "/errors/internal"
	TypeServiceDown      = "/errors/service-unavailable"
	TypeTimeout          = "/errors/timeout"
	TypePayloadTooLarge  = "/errors/payload-too-large"
	TypeUnsupportedMedia = "/errors/unsupported-media-type"
)

// License problem types
const (
	TypeLicenseRequest   = "/errors/license/invalid-request"
	TypeLicenseLockout   = "/errors/license/too-many-attempts"
	TypeLicenseAction    = "/errors/license/unsupported-action"
	TypeLicenseStoreDown = "/errors/license/store-unavailable"
)

var (
	ErrTooManyAttempts  = errors.New("too many invalid license keys")
	ErrStoreUnavailable = errors.New("license store unavailable")
)

// LockoutError is returned when a caller is locked out by the attempt limiter
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrTooManyAttempts, e.RetryAfter.Round(time.Second))
}

// Is matches ErrTooManyAttempts
func (e *LockoutError) Is(target error) bool {
	return target == ErrTooManyAttempts
}

// RetryAfterSeconds rounds the remaining lock up to whole seconds, minimum 1
func (e *LockoutError) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render sets the response status and, for lockouts, the Retry-After header
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	if retry, ok := pd.Extensions["retry_after"].(int); ok {
		w.Header().Set("Retry-After", fmt.Sprint(retry))
	}
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 problem
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError maps an error from a license action to problem details
func MapLicenseError(err error, instance, traceID string) *ProblemDetails {
	problem := ToProblem(err, instance)
	if traceID != "" {
		problem.WithExtension("trace_id", traceID)
	}
	return problem
}

// ToProblem converts any error to problem details. Business outcomes never reach
// this function; only malformed input, lockouts and infrastructure failures do.
func ToProblem(err error, instance string) *ProblemDetails {
	var lockout *LockoutError
	if errors.As(err, &lockout) {
		return NewProblemDetails(
			http.StatusTooManyRequests,
			TypeLicenseLockout,
			"Too Many Attempts",
			"Too many invalid license keys from this address. Try again later.",
			instance,
		).WithExtension("error_code", CodeTooManyAttempts).
			WithExtension("retry_after", lockout.RetryAfterSeconds())
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			instance,
		).WithExtension("error_code", CodeTimeout)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErrorToProblem(apiErr, instance)
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErrorToProblem(appErr, instance)
	}

	if errors.Is(err, ErrStoreUnavailable) {
		return storeUnavailable(instance)
	}

	return NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request",
		instance,
	).WithExtension("error_code", CodeInternal)
}

func storeUnavailable(instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusServiceUnavailable,
		TypeLicenseStoreDown,
		"Service Unavailable",
		"The license store is unavailable. The request was denied.",
		instance,
	).WithExtension("error_code", CodeServiceUnavailable)
}

func apiErrorToProblem(apiErr *APIError, instance string) *ProblemDetails {
	problemType := TypeInternal
	switch apiErr.ErrorCode {
	case CodeInvalidRequest:
		problemType = TypeLicenseRequest
	case CodeValidationFailed:
		problemType = TypeValidation
	case CodeUnsupportedAction:
		problemType = TypeLicenseAction
	case CodeNotFound:
		problemType = TypeNotFound
	case CodePayloadTooLarge:
		problemType = TypePayloadTooLarge
	case CodeUnsupportedMediaType:
		problemType = TypeUnsupportedMedia
	case CodeRateLimitExceeded, CodeTooManyAttempts:
		problemType = TypeRateLimit
	case CodeServiceUnavailable:
		problemType = TypeServiceDown
	case CodeTimeout:
		problemType = TypeTimeout
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		instance,
	).WithExtension("error_code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		key := "details"
		if _, ok := apiErr.Details.([]ValidationError); ok {
			key = "errors"
		}
		problem.WithExtension(key, apiErr.Details)
	}
	return problem
}

func appErrorToProblem(appErr *AppError, instance string) *ProblemDetails {
	switch appErr.Type {
	case ErrTypeNotFound:
		return NewProblemDetails(http.StatusNotFound, TypeNotFound,
			"Not Found", appErr.Message, instance).
			WithExtension("error_code", CodeNotFound)
	case ErrTypeStorage, ErrTypeUnavailable:
		return storeUnavailable(instance)
	}
	return NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request",
		instance,
	).WithExtension("error_code", CodeInternal)
}
