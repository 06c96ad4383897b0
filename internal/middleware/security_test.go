package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/traffic-router/internal/history"
	"github.com/tributary-ai/traffic-router/internal/routing"
	"github.com/tributary-ai/traffic-router/internal/security"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func successHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	})
}

func TestNewSecurityMiddleware(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		Auth:       &security.Config{APIKeys: []string{"test-key"}, RequireAuth: true},
		RateLimit:  &security.RateLimitConfig{Enabled: true, RequestsPerWindow: 60},
		Validation: &security.ValidationConfig{MaxRequestSize: 1024},
	}

	m, err := NewSecurityMiddleware(config, nil, nil, testLogger())
	require.NoError(t, err)
	assert.NotNil(t, m.Authenticator())
	assert.NotNil(t, m.limiter)
	assert.NotNil(t, m.validator)
}

func TestNewSecurityMiddleware_ValidationError(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		Validation: &security.ValidationConfig{BlockedPatterns: []string{"[invalid regex"}},
	}

	m, err := NewSecurityMiddleware(config, nil, nil, testLogger())
	assert.Error(t, err)
	assert.Nil(t, m)
	assert.Contains(t, err.Error(), "invalid blocked pattern")
}

func TestSecurityMiddleware_Handler(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		Auth:      &security.Config{APIKeys: []string{"valid-key"}, RequireAuth: false},
		RateLimit: &security.RateLimitConfig{Enabled: false},
	}
	m, err := NewSecurityMiddleware(config, nil, nil, testLogger())
	require.NoError(t, err)

	var requestID, clientID string
	handler := m.Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID = routing.RequestID(r.Context())
		clientID = history.ClientID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/system/health", nil)
	req.RemoteAddr = "198.51.100.7:5000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, ServerHeader, w.Header().Get("Server"))
	assert.True(t, strings.HasPrefix(requestID, "req_"))
	assert.Equal(t, requestID, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "198.51.100.7", clientID)
}

func TestSecurityMiddleware_PropagatesRequestID(t *testing.T) {
	m, err := NewSecurityMiddleware(&SecurityMiddlewareConfig{}, nil, nil, testLogger())
	require.NoError(t, err)

	var requestID string
	handler := m.Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID = routing.RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/system/health", nil)
	req.Header.Set("X-Request-ID", "trace-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "trace-123", requestID)
	assert.Equal(t, "trace-123", w.Header().Get("X-Request-ID"))
}

func TestSecurityMiddleware_AuthenticatedIdentity(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		Auth:      &security.Config{APIKeys: []string{"valid-key-123"}, RequireAuth: true},
		RateLimit: &security.RateLimitConfig{Enabled: true, RequestsPerWindow: 1},
	}
	m, err := NewSecurityMiddleware(config, nil, nil, testLogger())
	require.NoError(t, err)

	var clientID string
	handler := m.Handler()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID = history.ClientID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/routes", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ServerHeader, w.Header().Get("Server"))

	req := httptest.NewRequest(http.MethodPost, "/v1/routes", nil)
	req.Header.Set("X-API-Key", "valid-key-123")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(clientID, "client_"))
	assert.NotContains(t, clientID, "valid-key")

	// the limiter buckets by authenticated client
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Rate limit exceeded")
}

func TestSecurityMiddleware_RateLimitByCredential(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		RateLimit: &security.RateLimitConfig{Enabled: true, RequestsPerWindow: 1, KeyBy: security.KeyByCredential},
	}
	m, err := NewSecurityMiddleware(config, nil, nil, testLogger())
	require.NoError(t, err)
	handler := m.Handler()(successHandler())

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/routes", nil)
		req.RemoteAddr = "192.0.2.7:4000"
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	// Tokens share a long prefix but get separate buckets
	assert.Equal(t, http.StatusOK, send("eyJhbGciOiJIUzI1NiJ9.first"))
	assert.Equal(t, http.StatusOK, send("eyJhbGciOiJIUzI1NiJ9.second"))
	assert.Equal(t, http.StatusTooManyRequests, send("eyJhbGciOiJIUzI1NiJ9.first"))
}

func TestNewSecurityMiddleware_UnknownRateLimitKey(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		RateLimit: &security.RateLimitConfig{Enabled: true, RequestsPerWindow: 1, KeyBy: "cookie"},
	}
	_, err := NewSecurityMiddleware(config, nil, nil, testLogger())
	assert.Error(t, err)
}

func TestSecurityMiddleware_Validation(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		Validation: &security.ValidationConfig{MaxRequestSize: 100},
	}
	m, err := NewSecurityMiddleware(config, nil, nil, testLogger())
	require.NoError(t, err)
	handler := m.Handler()(successHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/system/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/routes", nil)
	req.ContentLength = 200
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSecurityMiddleware_RequirePermission(t *testing.T) {
	open, err := NewSecurityMiddleware(&SecurityMiddlewareConfig{}, nil, nil, testLogger())
	require.NoError(t, err)
	w := httptest.NewRecorder()
	open.RequirePermission(security.PermissionAdmin, successHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	guarded, err := NewSecurityMiddleware(&SecurityMiddlewareConfig{
		Auth: &security.Config{APIKeys: []string{"user-key-0001"}, AdminKeys: []string{"admin-key-0001"}, RequireAuth: true},
	}, nil, nil, testLogger())
	require.NoError(t, err)
	handler := guarded.Handler()(guarded.RequirePermission(security.PermissionAdmin, successHandler()))

	req := httptest.NewRequest(http.MethodPost, "/v1/system/breakers/reset", nil)
	req.Header.Set("X-API-Key", "user-key-0001")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSecurityMiddleware_Stats(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		Auth:       &security.Config{APIKeys: []string{"test"}},
		RateLimit:  &security.RateLimitConfig{Enabled: true, RequestsPerWindow: 10},
		Validation: &security.ValidationConfig{},
	}
	m, err := NewSecurityMiddleware(config, nil, nil, testLogger())
	require.NoError(t, err)

	stats := m.Stats()
	assert.True(t, stats["authentication_enabled"].(bool))
	assert.True(t, stats["rate_limiter_enabled"].(bool))
	assert.True(t, stats["validation_enabled"].(bool))
	assert.Equal(t, 10, stats["rate_limit"])
	assert.Equal(t, "1m0s", stats["rate_window"])
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORSMiddleware([]string{"https://dispatch.example.com"})(successHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/system/health", nil)
	req.Header.Set("Origin", "https://dispatch.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://dispatch.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/routes", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Body.String())
}
