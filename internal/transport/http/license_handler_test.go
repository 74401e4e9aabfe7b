package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/license"
	"licensegate/internal/middleware"
	"licensegate/internal/services"
	"licensegate/internal/shared/testutil"
	"licensegate/internal/store/memory"
	api "licensegate/pkg/contracts/api/v1"
	"licensegate/pkg/contracts/domain"
)

type mockLicenseService struct {
	mock.Mock
}

func (m *mockLicenseService) action(args mock.Arguments) (*api.LicenseActionResponse, error) {
	resp, _ := args.Get(0).(*api.LicenseActionResponse)
	return resp, args.Error(1)
}

func (m *mockLicenseService) Validate(ctx context.Context, req api.ValidateRequest, caller services.CallerInfo) (*api.LicenseActionResponse, error) {
	return m.action(m.Called(ctx, req, caller))
}

func (m *mockLicenseService) Activate(ctx context.Context, req api.ActivateRequest, caller services.CallerInfo) (*api.LicenseActionResponse, error) {
	return m.action(m.Called(ctx, req, caller))
}

func (m *mockLicenseService) Deactivate(ctx context.Context, req api.DeactivateRequest, caller services.CallerInfo) (*api.LicenseActionResponse, error) {
	return m.action(m.Called(ctx, req, caller))
}

func (m *mockLicenseService) Heartbeat(ctx context.Context, req api.HeartbeatRequest, caller services.CallerInfo) (*api.LicenseActionResponse, error) {
	return m.action(m.Called(ctx, req, caller))
}

func (m *mockLicenseService) CheckFeature(ctx context.Context, req api.CheckFeatureRequest, caller services.CallerInfo) (*api.LicenseActionResponse, error) {
	return m.action(m.Called(ctx, req, caller))
}

func (m *mockLicenseService) LogUsage(ctx context.Context, req api.LogUsageRequest, caller services.CallerInfo) (*api.LicenseActionResponse, error) {
	return m.action(m.Called(ctx, req, caller))
}

func (m *mockLicenseService) Dispatch(ctx context.Context, req api.LicenseActionRequest, caller services.CallerInfo) (*api.LicenseActionResponse, error) {
	return m.action(m.Called(ctx, req, caller))
}

func (m *mockLicenseService) ListDevices(ctx context.Context, req api.DevicesRequest) (*api.DevicesResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*api.DevicesResponse)
	return resp, args.Error(1)
}

func newTestLicenseHandler(t *testing.T, svc services.LicenseService) http.Handler {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	h := NewLicenseHandler(svc, middleware.NewValidator(logger), apierrors.NewErrorHandler(logger, false), logger)
	return h.Routes()
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "licensegate-client/2.1")
	req.RemoteAddr = "203.0.113.7:51234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestLicenseHandler_Validate(t *testing.T) {
	svc := &mockLicenseService{}
	valid := true
	svc.On("Validate", mock.Anything, api.ValidateRequest{LicenseKey: "LG-1"}, mock.MatchedBy(func(c services.CallerInfo) bool {
		return c.IP == "203.0.113.7" && c.UserAgent == "licensegate-client/2.1" && c.Header != nil
	})).Return(&api.LicenseActionResponse{
		Success: true,
		Action:  domain.ActionValidate,
		Valid:   &valid,
		Result:  domain.ResultSuccess,
	}, nil)

	w := postJSON(t, newTestLicenseHandler(t, svc), "/validate", `{"licenseKey":"LG-1"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "success", body["result"])
	svc.AssertExpectations(t)
}

func TestLicenseHandler_BusinessFailureIsOK(t *testing.T) {
	svc := &mockLicenseService{}
	svc.On("Activate", mock.Anything, mock.Anything, mock.Anything).Return(&api.LicenseActionResponse{
		Success: false,
		Action:  domain.ActionActivate,
		Result:  domain.ResultDeviceLimitExceeded,
	}, nil)

	w := postJSON(t, newTestLicenseHandler(t, svc), "/activate", `{"licenseKey":"LG-1","deviceFingerprint":"fp"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "device_limit_exceeded", body["result"])
}

func TestLicenseHandler_RequestErrors(t *testing.T) {
	svc := &mockLicenseService{}
	h := newTestLicenseHandler(t, svc)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"malformed json", "/validate", `{"licenseKey":`, http.StatusBadRequest},
		{"empty body", "/validate", ``, http.StatusBadRequest},
		{"blank key", "/validate", `{"licenseKey":"   "}`, http.StatusBadRequest},
		{"activate without fingerprint", "/activate", `{"licenseKey":"LG-1"}`, http.StatusBadRequest},
		{"unknown dispatch action", "/", `{"action":"transfer","licenseKey":"LG-1"}`, http.StatusBadRequest},
		{"usage without feature", "/log-usage", `{"licenseKey":"LG-1"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, h, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			body := decodeBody(t, w)
			assert.EqualValues(t, tt.status, body["status"])
			assert.NotEmpty(t, body["type"])
		})
	}

	svc.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything)
	svc.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestLicenseHandler_RequiresJSONContentType(t *testing.T) {
	h := newTestLicenseHandler(t, &mockLicenseService{})

	req := httptest.NewRequest(http.MethodPost, "/validate", strings.NewReader(`licenseKey=LG-1`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestLicenseHandler_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{"lockout", &apierrors.LockoutError{RetryAfter: 90 * time.Second}, http.StatusTooManyRequests, "90"},
		{"store down", apierrors.NewStorageError("find license", apierrors.ErrStoreUnavailable), http.StatusServiceUnavailable, ""},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockLicenseService{}
			svc.On("Heartbeat", mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)

			w := postJSON(t, newTestLicenseHandler(t, svc), "/heartbeat", `{"licenseKey":"LG-1"}`)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After"))
		})
	}
}

func TestLicenseHandler_ListDevicesNotFound(t *testing.T) {
	svc := &mockLicenseService{}
	svc.On("ListDevices", mock.Anything, api.DevicesRequest{LicenseKey: "LG-missing"}).
		Return(nil, apierrors.NewNotFoundError("license"))

	w := postJSON(t, newTestLicenseHandler(t, svc), "/devices", `{"licenseKey":"LG-missing"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLicenseHandler_EndToEnd(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	fixtures := testutil.NewLicenseTestFixtures(t)
	store := memory.New()

	key := fixtures.NewKey()
	lic := fixtures.SignedLicense(key, 1, domain.FeatureSet{"export": domain.BoolFeature(true)})
	_, err := store.PutLicense(lic)
	require.NoError(t, err)

	engine := license.NewEngine(store, license.Options{}, logger)
	svc := services.NewLicenseService(engine, services.LicenseServiceOptions{
		Validator: middleware.NewValidator(logger),
	}, logger)
	h := newTestLicenseHandler(t, svc)

	w := postJSON(t, h, "/", `{"action":"activate","licenseKey":"`+key+`","deviceFingerprint":"fp-1","deviceInfo":{"cpu":"x86","platform":"linux"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 1, body["sessionCount"])

	w = postJSON(t, h, "/activate", `{"licenseKey":"`+key+`","deviceFingerprint":"fp-2"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "device_limit_exceeded", body["result"])
	assert.EqualValues(t, 1, body["maxDevices"])

	w = postJSON(t, h, "/check-feature", `{"licenseKey":"`+key+`","featureKey":"export"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["allowed"])

	w = postJSON(t, h, "/devices", `{"licenseKey":"`+key+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var devices api.DevicesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &devices))
	require.Len(t, devices.Devices, 1)
	assert.True(t, devices.Devices[0].IsActive)
	assert.Equal(t, "203.0.113.7", devices.Devices[0].LastIPAddress)

	w = postJSON(t, h, "/validate", `{"licenseKey":"LG-unknown"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "invalid_key", decodeBody(t, w)["result"])
}
