package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/traffic-router/internal/middleware"
	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/routing"
	"github.com/tributary-ai/traffic-router/internal/security"
	"github.com/tributary-ai/traffic-router/internal/traffic"
	"github.com/tributary-ai/traffic-router/internal/types"
)

type stubRouting struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubRouting) ProviderName() string { return "tomtom" }

func (s *stubRouting) CalculateRoute(_ context.Context, _ *types.RouteRequest) (*types.RouteDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &types.RouteDescription{
		Summary: types.RouteSummary{LengthInMeters: 4200, TravelTimeInSeconds: 600},
		Legs: []types.RouteLeg{{Points: []types.Coordinate{
			{Lat: 52.50, Lon: 13.40}, {Lat: 52.51, Lon: 13.41},
		}}},
	}, nil
}

type stubFlow struct{}

func (stubFlow) ProviderName() string { return "tomtom" }

func (stubFlow) FlowSegment(_ context.Context, _ types.BoundingBox) (*types.FlowSample, error) {
	current, free := 45.0, 50.0
	return &types.FlowSample{CurrentSpeed: &current, FreeFlowSpeed: &free}, nil
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testServer struct {
	handler http.Handler
	routing *stubRouting
}

func createTestServer(t *testing.T, config *ServerConfig) *testServer {
	t.Helper()
	logger := testLogger()

	executor := resilience.NewExecutor(
		resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings(), nil, logger),
		logger,
		resilience.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
		resilience.WithJitter(func() float64 { return 0 }),
	)
	rs := &stubRouting{}
	analyzer := traffic.NewAnalyzer(traffic.NewSampler(stubFlow{}, executor, logger), nil, logger)

	router, err := routing.NewRouter(routing.Dependencies{
		Routing:  rs,
		Analyzer: analyzer,
		Executor: executor,
	}, logger)
	require.NoError(t, err)

	if config == nil {
		config = &ServerConfig{Port: "0"}
	}
	srv, err := NewServer(router, config, nil, logger)
	require.NoError(t, err)

	return &testServer{handler: srv.Handler(), routing: rs}
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

const validRouteBody = `{"origin":{"lat":52.5,"lon":13.4},"destination":{"lat":52.51,"lon":13.41},"include_traffic":true}`

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestServer_PlanRoute(t *testing.T) {
	ts := createTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/routes", validRouteBody, map[string]string{"X-Request-ID": "req-7"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-7", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, middleware.ServerHeader, rec.Header().Get("Server"))

	var resp types.RouteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-7", resp.ID)
	require.NotNil(t, resp.Traffic)
	assert.Equal(t, types.ConditionLight, resp.Traffic.OverallCondition)
	assert.Equal(t, 1, resp.Metadata.Attempts)
}

func TestServer_PlanRoute_InvalidJSON(t *testing.T) {
	ts := createTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/routes", `{"origin":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", decodeError(t, rec).Error.ErrorCode)
}

func TestServer_PlanRoute_InvalidCoordinates(t *testing.T) {
	ts := createTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/routes", `{"origin":{"lat":95,"lon":0},"destination":{"lat":0,"lon":0}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "INVALID_REQUEST", resp.Error.ErrorCode)
	assert.Equal(t, "USER_ERROR", resp.Error.Category)
	assert.Equal(t, 0, ts.routing.calls)
}

func TestServer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{
			name:   "exhausted retries",
			err:    &resilience.ProviderError{Code: resilience.CodeServiceUnavailable, StatusCode: 503},
			status: http.StatusBadGateway,
			code:   "MAX_RETRIES_EXCEEDED",
		},
		{
			name:   "bad credentials",
			err:    &resilience.ProviderError{Code: resilience.CodeUnauthorized, StatusCode: 403},
			status: http.StatusBadGateway,
			code:   "UNAUTHORIZED",
		},
		{
			name:       "upstream rate limit",
			err:        &resilience.ProviderError{Code: resilience.CodeRateLimit, StatusCode: 429, RetryAfter: 30 * time.Second},
			status:     http.StatusTooManyRequests,
			code:       "RATE_LIMIT",
			retryAfter: "30",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := createTestServer(t, nil)
			ts.routing.err = tt.err

			rec := ts.do(http.MethodPost, "/v1/routes", validRouteBody, nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error.ErrorCode)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusForCode(resilience.CodeServiceUnavailable))
	assert.Equal(t, http.StatusGatewayTimeout, StatusForCode(resilience.CodeTimeout))
	assert.Equal(t, http.StatusBadGateway, StatusForCode(resilience.CodeConfiguration))
	assert.Equal(t, http.StatusBadRequest, StatusForCode(resilience.CodeInvalidRequest))
	assert.Equal(t, http.StatusInternalServerError, StatusForCode(resilience.CodeUnexpected))
}

func TestServer_AnalyzeTraffic(t *testing.T) {
	ts := createTestServer(t, nil)

	body := `{"route":{"legs":[{"points":[{"lat":52.5,"lon":13.4},{"lat":52.51,"lon":13.41},{"lat":52.52,"lon":13.42}]}]}}`
	rec := ts.do(http.MethodPost, "/v1/traffic/analyze", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Traffic map[string]interface{} `json:"traffic"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "light", resp.Traffic["overall_condition"])
	assert.Equal(t, "high", resp.Traffic["confidence_level"])

	rec = ts.do(http.MethodPost, "/v1/traffic/analyze", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AnalyzeInstruction(t *testing.T) {
	ts := createTestServer(t, nil)

	body := `{"route":{"legs":[{"points":[{"lat":52.5,"lon":13.4},{"lat":52.51,"lon":13.41}]}]},"point":{"lat":52.505,"lon":13.405}}`
	rec := ts.do(http.MethodPost, "/v1/traffic/instruction", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"segment_id":"leg_0"`)
}

func TestServer_SystemHealthAndReset(t *testing.T) {
	ts := createTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/v1/system/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	ts.routing.err = &resilience.ProviderError{Code: resilience.CodeUnauthorized, StatusCode: 401}
	for i := 0; i < 10; i++ {
		ts.do(http.MethodPost, "/v1/routes", validRouteBody, nil)
	}

	rec = ts.do(http.MethodPost, "/v1/routes", validRouteBody, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, 10, ts.routing.calls)

	rec = ts.do(http.MethodGet, "/v1/system/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)

	rec = ts.do(http.MethodPost, "/v1/system/breakers/reset", `{"component":"routing"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cleared":1`)

	rec = ts.do(http.MethodGet, "/v1/system/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_AuthAndAdminGuard(t *testing.T) {
	ts := createTestServer(t, &ServerConfig{
		Security: &middleware.SecurityMiddlewareConfig{
			Auth: &security.Config{
				APIKeys:     []string{"user-key-0001"},
				AdminKeys:   []string{"admin-key-0001"},
				RequireAuth: true,
			},
		},
	})

	rec := ts.do(http.MethodPost, "/v1/routes", validRouteBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/routes", validRouteBody, map[string]string{"X-API-Key": "user-key-0001"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/system/breakers/reset", `{"component":"routing"}`, map[string]string{"X-API-Key": "user-key-0001"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/system/breakers/reset", `{"component":"routing"}`, map[string]string{"X-API-Key": "admin-key-0001"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_OpenAPIValidation(t *testing.T) {
	ts := createTestServer(t, &ServerConfig{Validation: &middleware.ValidationConfig{Enabled: true}})

	rec := ts.do(http.MethodPost, "/v1/routes", `{"origin":{"lat":52.5,"lon":13.4},"travel_mode":"rocket"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_error")
	assert.Equal(t, 0, ts.routing.calls)

	rec = ts.do(http.MethodPost, "/v1/routes", validRouteBody, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsAndDocs(t *testing.T) {
	ts := createTestServer(t, nil)
	ts.do(http.MethodGet, "/health", "", nil)

	rec := ts.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "traffic_router_http_requests_total")

	rec = ts.do(http.MethodGet, "/docs/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])

	rec = ts.do(http.MethodGet, "/docs", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/docs/openapi.yaml")
}

func TestServer_CORSPreflight(t *testing.T) {
	ts := createTestServer(t, &ServerConfig{AllowedOrigins: []string{"https://dispatch.example.com"}})

	rec := ts.do(http.MethodOptions, "/v1/routes", "", map[string]string{"Origin": "https://dispatch.example.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dispatch.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_AnalyzeTraffic_JamPairs(t *testing.T) {
	ts := createTestServer(t, &ServerConfig{Validation: &middleware.ValidationConfig{Enabled: true}})

	body := `{"route":{"legs":[{"points":[{"lat":52.5,"lon":13.4},{"lat":52.51,"lon":13.41},{"lat":52.52,"lon":13.42}]}],
"sections":[{"start_point_index":0,"end_point_index":2,"section_type":"TRAFFIC","simple_category":"JAM","delay_in_seconds":90}]}}`
	rec := ts.do(http.MethodPost, "/v1/traffic/analyze", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.TrafficResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.JamPairs, 1)
	assert.Equal(t, "JAM", resp.JamPairs[0].Category)
	assert.Equal(t, 90, resp.JamPairs[0].DelaySeconds)
	assert.Equal(t, types.Coordinate{Lat: 52.52, Lon: 13.42}, resp.JamPairs[0].End)
}

func TestServer_AnalyzePoint(t *testing.T) {
	ts := createTestServer(t, &ServerConfig{Validation: &middleware.ValidationConfig{Enabled: true}})

	rec := ts.do(http.MethodPost, "/v1/traffic/point", `{"point":{"lat":52.52,"lon":13.405}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.PointTrafficResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.Coordinate{Lat: 52.52, Lon: 13.405}, resp.Location)
	assert.Equal(t, types.ConditionLight, resp.Condition.Condition)

	rec = ts.do(http.MethodPost, "/v1/traffic/point", `{"point":{"lat":120,"lon":13.405}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
