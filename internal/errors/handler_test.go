package errors

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/shared/testutil"
)

func newRequest(method, path, reqID string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	if reqID != "" {
		r = r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, reqID))
	}
	return r
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestNewErrorHandler(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)

	handler := NewErrorHandler(logger, true)
	assert.True(t, handler.includeStack)
	assert.NotNil(t, handler.logger)

	assert.NotNil(t, NewErrorHandler(nil, false).logger)
}

func TestErrorHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantLevel  slog.Level
	}{
		{
			name:       "client error logs at warn",
			err:        ErrInvalidRequest,
			wantStatus: http.StatusBadRequest,
			wantLevel:  slog.LevelWarn,
		},
		{
			name:       "store failure logs at error",
			err:        NewStorageError("find license", ErrStoreUnavailable),
			wantStatus: http.StatusServiceUnavailable,
			wantLevel:  slog.LevelError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := testutil.NewTestLogger(t)
			handler := NewErrorHandler(logger, false)

			w := httptest.NewRecorder()
			handler.HandleError(w, newRequest(http.MethodPost, "/api/license", "req-1"), tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeProblem(t, w)
			assert.Equal(t, "req-1", body["trace_id"])
			assert.NotContains(t, body, "stack")
			testutil.AssertLogContains(t, logs, tt.wantLevel, "request failed")
		})
	}
}

func TestErrorHandler_HandleErrorNil(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, false)

	w := httptest.NewRecorder()
	handler.HandleError(w, newRequest(http.MethodGet, "/", ""), nil)

	assert.Equal(t, 0, w.Body.Len())
	assert.Equal(t, 0, logs.Count())
}

func TestErrorHandler_IncludeStack(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, true)

	w := httptest.NewRecorder()
	handler.HandleError(w, newRequest(http.MethodGet, "/", ""), ErrInternalServer)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, decodeProblem(t, w), "stack")
}

func TestErrorHandler_HandlePanic(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, false)

	w := httptest.NewRecorder()
	handler.HandlePanic(w, newRequest(http.MethodPost, "/api/license", "req-9"), "kaboom")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeProblem(t, w)
	assert.Equal(t, TypeInternal, body["type"])
	assert.Equal(t, "req-9", body["trace_id"])
	assert.NotContains(t, body, "panic")
	testutil.AssertLogContains(t, logs, slog.LevelError, "panic recovered")
}

func TestErrorHandler_NotFoundAndMethodNotAllowed(t *testing.T) {
	handler := NewErrorHandler(nil, false)

	w := httptest.NewRecorder()
	handler.NotFound(w, newRequest(http.MethodGet, "/nope", ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, TypeNotFound, decodeProblem(t, w)["type"])

	w = httptest.NewRecorder()
	handler.MethodNotAllowed(w, newRequest(http.MethodDelete, "/api/license", ""))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	body := decodeProblem(t, w)
	assert.Equal(t, TypeMethodNotAllowed, body["type"])
	assert.Contains(t, body["detail"], "DELETE")
}

func TestSanitizeBody(t *testing.T) {
	out := SanitizeBody([]byte(`{"action":"validate","licenseKey":"LG-SECRET","deviceFingerprint":"fp-1"}`))
	assert.NotContains(t, out, "LG-SECRET")
	assert.NotContains(t, out, "fp-1")
	assert.Contains(t, out, `"action":"validate"`)

	assert.Equal(t, "[unloggable]", SanitizeBody([]byte("not json")))

	out = RedactLicenseFields(map[string]string{"licenseKey": "LG-1", "featureKey": "export"})
	assert.NotContains(t, out, "LG-1")
	assert.Contains(t, out, "export")
}
