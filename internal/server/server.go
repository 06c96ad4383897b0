package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/docs"
	"github.com/tributary-ai/traffic-router/internal/metrics"
	"github.com/tributary-ai/traffic-router/internal/middleware"
	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/routing"
	"github.com/tributary-ai/traffic-router/internal/security"
	"github.com/tributary-ai/traffic-router/internal/traffic"
	"github.com/tributary-ai/traffic-router/internal/types"
)

// Server represents the HTTP server
type Server struct {
	router     *routing.Router
	httpServer *http.Server
	logger     *logrus.Logger
	config     *ServerConfig
	security   *middleware.SecurityMiddleware
	validation *middleware.ValidationMiddleware
	spec       []byte
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                               `yaml:"port"`
	ReadTimeout    time.Duration                        `yaml:"read_timeout"`
	WriteTimeout   time.Duration                        `yaml:"write_timeout"`
	MaxHeaderBytes int                                  `yaml:"max_header_bytes"`
	AllowedOrigins []string                             `yaml:"allowed_origins"`
	Validation     *middleware.ValidationConfig         `yaml:"validation"`
	Security       *middleware.SecurityMiddlewareConfig `yaml:"security"`
}

// NewServer creates a new server instance. store backs the inbound rate limiter;
// nil keeps its counters in memory.
func NewServer(router *routing.Router, config *ServerConfig, store resilience.WindowStore, logger *logrus.Logger) (*Server, error) {
	s := &Server{
		router: router,
		logger: logger,
		config: config,
		spec:   docs.OpenAPI,
	}

	securityConfig := config.Security
	if securityConfig == nil {
		securityConfig = &middleware.SecurityMiddlewareConfig{}
	}
	sm, err := middleware.NewSecurityMiddleware(securityConfig, nil, store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
	}
	s.security = sm

	vm, err := middleware.NewValidationMiddleware(config.Validation, s.spec, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
	}
	s.validation = vm

	return s, nil
}

// Handler returns the fully wired HTTP handler
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.setupRoutes(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithFields(logrus.Fields{
		"port":     s.config.Port,
		"security": s.security.Stats(),
	}).Info("Starting traffic router server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping traffic router server")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(middleware.CORSMiddleware(s.config.AllowedOrigins))
	r.Use(s.security.Handler())
	r.Use(s.validation.Middleware)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/routes", s.handlePlanRoute).Methods(http.MethodPost)
	api.HandleFunc("/traffic/analyze", s.handleAnalyzeTraffic).Methods(http.MethodPost)
	api.HandleFunc("/traffic/instruction", s.handleAnalyzeInstruction).Methods(http.MethodPost)
	api.HandleFunc("/traffic/point", s.handleAnalyzePoint).Methods(http.MethodPost)
	api.HandleFunc("/system/health", s.handleSystemHealth).Methods(http.MethodGet)
	api.Handle("/system/breakers/reset",
		s.security.RequirePermission(security.PermissionAdmin, http.HandlerFunc(s.handleResetBreaker)),
	).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.setupSwaggerRoutes(r)

	// Preflights must match a route for the CORS middleware to answer them
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTP(r.Method, path, wrapped.statusCode, elapsed)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": elapsed.Milliseconds(),
			"request_id":  wrapped.Header().Get("X-Request-ID"),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// Handlers

func (s *Server) handlePlanRoute(w http.ResponseWriter, r *http.Request) {
	var req types.RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	resp, err := s.router.PlanRoute(r.Context(), &req)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnalyzeTraffic(w http.ResponseWriter, r *http.Request) {
	var req types.AnalyzeTrafficRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	verdict, err := s.router.AnalyzeTraffic(r.Context(), req.Route)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &types.TrafficResponse{
		Traffic:  verdict,
		JamPairs: traffic.ExtractJamPairs(req.Route),
	})
}

func (s *Server) handleAnalyzeInstruction(w http.ResponseWriter, r *http.Request) {
	var req types.InstructionTrafficRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	verdict, err := s.router.AnalyzeInstruction(r.Context(), req.Route, req.Point)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &types.InstructionTrafficResponse{Segment: *verdict})
}

func (s *Server) handleAnalyzePoint(w http.ResponseWriter, r *http.Request) {
	var req types.PointTrafficRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	verdict, err := s.router.AnalyzePoint(r.Context(), req.Point)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &types.PointTrafficResponse{Location: req.Point, Condition: *verdict})
}

// handleSystemHealth reports breaker health. Degraded answers 503.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	health := s.router.Health()

	status := http.StatusOK
	if health.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	var req types.ResetBreakerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	cleared, err := s.router.ResetBreaker(req.Component, req.Kind)
	if err != nil {
		s.writeProviderError(w, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"component": req.Component,
		"kind":      req.Kind,
		"cleared":   cleared,
		"client_ip": security.ClientIPFromRequest(r),
	}).Info("Circuit breakers reset")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"component": req.Component,
		"kind":      req.Kind,
		"cleared":   cleared,
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}

// Helper functions

// StatusForCode maps an error code to the HTTP status returned to callers.
// Upstream credential and configuration faults are the operator's, so they surface as 502.
func StatusForCode(code resilience.ErrorCode) int {
	switch code {
	case resilience.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case resilience.CodeRateLimit:
		return http.StatusTooManyRequests
	case resilience.CodeTimeout:
		return http.StatusGatewayTimeout
	case resilience.CodeMaxRetriesExceeded, resilience.CodeUnauthorized, resilience.CodeConfiguration:
		return http.StatusBadGateway
	case resilience.CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeProviderError(w http.ResponseWriter, err error) {
	code := resilience.CodeOf(err)
	if errors.Is(err, context.Canceled) {
		code = resilience.CodeTimeout
	}
	status := StatusForCode(code)

	detail := types.ErrorDetail{
		Message:   err.Error(),
		Type:      "provider_error",
		Code:      status,
		ErrorCode: string(code),
		Category:  string(code.Category()),
	}
	if code == resilience.CodeInvalidRequest {
		detail.Type = "invalid_request_error"
	}
	if retry := resilience.RetryAfterOf(err); retry > 0 && (status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable) {
		secs := int(math.Ceil(retry.Seconds()))
		detail.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("error_code", code).Warn("Request failed")
	}

	writeJSON(w, status, &types.ErrorResponse{Error: detail, Timestamp: time.Now().Unix()})
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, &types.ErrorResponse{
		Error: types.ErrorDetail{
			Message:   message,
			Type:      "api_error",
			Code:      statusCode,
			ErrorCode: string(resilience.CodeInvalidRequest),
			Category:  string(resilience.CategoryUser),
		},
		Timestamp: time.Now().Unix(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
