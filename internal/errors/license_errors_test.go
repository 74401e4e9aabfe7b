package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToProblem(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{
			name:       "lockout",
			err:        &LockoutError{RetryAfter: 90 * time.Second},
			wantStatus: http.StatusTooManyRequests,
			wantType:   TypeLicenseLockout,
			wantCode:   CodeTooManyAttempts,
		},
		{
			name:       "wrapped lockout",
			err:        fmt.Errorf("validate: %w", &LockoutError{RetryAfter: time.Second}),
			wantStatus: http.StatusTooManyRequests,
			wantType:   TypeLicenseLockout,
			wantCode:   CodeTooManyAttempts,
		},
		{
			name:       "deadline exceeded",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantType:   TypeTimeout,
			wantCode:   CodeTimeout,
		},
		{
			name:       "invalid request",
			err:        ErrInvalidRequest,
			wantStatus: http.StatusBadRequest,
			wantType:   TypeLicenseRequest,
			wantCode:   CodeInvalidRequest,
		},
		{
			name:       "unsupported action",
			err:        ErrUnsupportedAction,
			wantStatus: http.StatusBadRequest,
			wantType:   TypeLicenseAction,
			wantCode:   CodeUnsupportedAction,
		},
		{
			name:       "payload too large",
			err:        ErrPayloadTooLarge,
			wantStatus: http.StatusRequestEntityTooLarge,
			wantType:   TypePayloadTooLarge,
			wantCode:   CodePayloadTooLarge,
		},
		{
			name:       "store down via api error",
			err:        ErrServiceUnavailable,
			wantStatus: http.StatusServiceUnavailable,
			wantType:   TypeServiceDown,
			wantCode:   CodeServiceUnavailable,
		},
		{
			name:       "store sentinel",
			err:        fmt.Errorf("find license: %w", ErrStoreUnavailable),
			wantStatus: http.StatusServiceUnavailable,
			wantType:   TypeLicenseStoreDown,
			wantCode:   CodeServiceUnavailable,
		},
		{
			name:       "app storage error",
			err:        NewStorageError("query failed", fmt.Errorf("boom")),
			wantStatus: http.StatusServiceUnavailable,
			wantType:   TypeLicenseStoreDown,
			wantCode:   CodeServiceUnavailable,
		},
		{
			name:       "app not found",
			err:        NewNotFoundError("license"),
			wantStatus: http.StatusNotFound,
			wantType:   TypeNotFound,
			wantCode:   CodeNotFound,
		},
		{
			name:       "unknown error",
			err:        fmt.Errorf("something odd"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
			wantCode:   CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problem := ToProblem(tt.err, "/api/license")
			assert.Equal(t, tt.wantStatus, problem.Status)
			assert.Equal(t, tt.wantType, problem.Type)
			assert.Equal(t, tt.wantCode, problem.Extensions["error_code"])
			assert.Equal(t, "/api/license", problem.Instance)
		})
	}
}

func TestToProblem_ValidationErrorsListed(t *testing.T) {
	err := NewValidationErrors([]ValidationError{
		{Field: "licenseKey", Message: "licenseKey is required"},
	})

	problem := ToProblem(err, "/api/license/validate")

	assert.Equal(t, http.StatusBadRequest, problem.Status)
	assert.Equal(t, TypeValidation, problem.Type)
	require.Contains(t, problem.Extensions, "errors")
	assert.NotContains(t, problem.Extensions, "details")
}

func TestLockoutError(t *testing.T) {
	err := &LockoutError{RetryAfter: 1500 * time.Millisecond}
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, 2, err.RetryAfterSeconds())
	assert.Contains(t, err.Error(), "retry after")

	assert.Equal(t, 1, (&LockoutError{}).RetryAfterSeconds())
}

func TestMapLicenseError_AddsTraceID(t *testing.T) {
	problem := MapLicenseError(ErrInvalidRequest, "/api/license", "req-42")
	assert.Equal(t, "req-42", problem.Extensions["trace_id"])

	problem = MapLicenseError(ErrInvalidRequest, "/api/license", "")
	assert.NotContains(t, problem.Extensions, "trace_id")
}

func TestProblemDetails_MarshalJSON(t *testing.T) {
	problem := NewProblemDetails(http.StatusBadRequest, TypeValidation, "Bad Request", "", "/x").
		WithExtension("error_code", CodeValidationFailed).
		WithExtension("status", 999)

	raw, err := json.Marshal(problem)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, TypeValidation, got["type"])
	assert.Equal(t, float64(http.StatusBadRequest), got["status"], "core members win over extensions")
	assert.Equal(t, CodeValidationFailed, got["error_code"])
	assert.NotContains(t, got, "detail")
}

func TestProblemDetails_RenderSetsRetryAfter(t *testing.T) {
	problem := ToProblem(&LockoutError{RetryAfter: 30 * time.Second}, "/api/license")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/license", nil)
	require.NoError(t, render.Render(w, r, problem))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(30), body["retry_after"])
}
