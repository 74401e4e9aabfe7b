package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/services"
	"licensegate/internal/shared/testutil"
	api "licensegate/pkg/contracts/api/v1"
)

func newHealthRouter(t *testing.T, storeErr error) http.Handler {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)

	svc := services.NewHealthService("1.2.3", logger)
	svc.Register("store", func(context.Context) error { return storeErr }, true)

	h := NewHealthHandler(svc, logger)
	r := chi.NewRouter()
	r.Mount("/api/health", h.Routes())
	r.Get("/api/version", h.Version)
	return r
}

func getJSON(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, api.HealthResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var resp api.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w, resp
}

func TestHealthHandler_Ready(t *testing.T) {
	r := newHealthRouter(t, nil)

	w, resp := getJSON(t, r, "/api/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, services.StatusOK, resp.Status)
	assert.Equal(t, services.StatusOK, resp.Checks["store"].Status)

	w, resp = getJSON(t, r, "/api/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.NotEmpty(t, resp.Runtime)
}

func TestHealthHandler_StoreDown(t *testing.T) {
	r := newHealthRouter(t, errors.New("connection refused"))

	w, resp := getJSON(t, r, "/api/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, services.StatusUnavailable, resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["store"].Message)

	w, _ = getJSON(t, r, "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w, resp = getJSON(t, r, "/api/health/live")
	assert.Equal(t, http.StatusOK, w.Code, "liveness ignores dependencies")
	assert.Equal(t, services.StatusOK, resp.Status)
}

func TestHealthHandler_Version(t *testing.T) {
	r := newHealthRouter(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/version", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "1.2.3", info["version"])
	assert.Equal(t, "v1", info["api_version"])
}

func TestMetricsHandler(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	errorHandler := apierrors.NewErrorHandler(logger, false)

	t.Run("disabled", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewMetricsHandler(nil, errorHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("enabled", func(t *testing.T) {
		exporter := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("license_validations_total 3\n"))
		})
		w := httptest.NewRecorder()
		NewMetricsHandler(exporter, errorHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "license_validations_total")
	})
}
