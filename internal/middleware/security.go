package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/history"
	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/routing"
	"github.com/tributary-ai/traffic-router/internal/security"
)

// ServerHeader is the value of the Server response header
const ServerHeader = "Traffic-Router/1.0"

// SecurityMiddlewareConfig holds configuration for security middleware
type SecurityMiddlewareConfig struct {
	Auth       *security.Config           `yaml:"auth"`
	RateLimit  *security.RateLimitConfig  `yaml:"rate_limit"`
	Validation *security.ValidationConfig `yaml:"validation"`
}

// SecurityMiddleware combines all security middleware components
type SecurityMiddleware struct {
	auth      *security.KeyAuthenticator
	limiter   *resilience.FixedWindowLimiter
	limitKey  security.KeyExtractor
	validator *security.RequestValidator
	logger    *logrus.Logger
}

// NewSecurityMiddleware creates the security stack. store backs the inbound limiter
// counters; nil keeps them in memory.
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, clock resilience.Clock, store resilience.WindowStore, logger *logrus.Logger) (*SecurityMiddleware, error) {
	s := &SecurityMiddleware{logger: logger}

	if config.Auth != nil {
		s.auth = security.NewKeyAuthenticator(config.Auth, logger)
	}
	if config.RateLimit != nil && config.RateLimit.Enabled {
		keyFn, err := security.KeyExtractorFor(config.RateLimit)
		if err != nil {
			return nil, err
		}
		s.limiter = security.NewClientLimiter(config.RateLimit, clock, store, logger)
		s.limitKey = keyFn
	}
	if config.Validation != nil {
		validator, err := security.NewRequestValidator(config.Validation, logger)
		if err != nil {
			return nil, err
		}
		s.validator = validator
	}
	return s, nil
}

// Handler builds the chain: headers and request id, auth, caller identity,
// rate limiting, then request validation.
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next

		if s.validator != nil {
			handler = s.validator.ValidationMiddleware()(handler)
		}
		if s.limiter != nil {
			handler = security.RateLimitMiddleware(s.limiter, s.limitKey, s.logger)(handler)
		}
		handler = identityMiddleware(handler)
		if s.auth != nil {
			handler = s.auth.AuthMiddleware()(handler)
		}
		return securityHeadersMiddleware(handler)
	}
}

// RequirePermission wraps an operator-only handler. Without an authenticator it is a no-op.
func (s *SecurityMiddleware) RequirePermission(permission string, next http.Handler) http.Handler {
	if s.auth == nil {
		return next
	}
	return s.auth.RequirePermission(permission, next)
}

// Authenticator exposes the configured authenticator, nil when auth is off
func (s *SecurityMiddleware) Authenticator() *security.KeyAuthenticator {
	return s.auth
}

// Stats reports which layers are active
func (s *SecurityMiddleware) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"authentication_enabled": s.auth != nil,
		"rate_limiter_enabled":   s.limiter != nil,
		"validation_enabled":     s.validator != nil,
	}
	if s.limiter != nil {
		stats["rate_limit"] = s.limiter.Limit()
		stats["rate_window"] = s.limiter.Window().String()
	}
	return stats
}

// CORSMiddleware answers preflights and tags responses for allowed origins
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, allowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// securityHeadersMiddleware sets hardening headers and assigns the request id
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = "req_" + uuid.NewString()
		}

		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Server", ServerHeader)
		h.Set("X-API-Version", "1.0")
		h.Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(routing.WithRequestID(r.Context(), requestID)))
	})
}

// identityMiddleware tags the context with the caller for request history
func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := security.ClientIPFromRequest(r)
		if info, ok := security.GetAuthInfo(r.Context()); ok {
			clientID = info.ClientID
		}
		next.ServeHTTP(w, r.WithContext(history.WithClientID(r.Context(), clientID)))
	})
}
