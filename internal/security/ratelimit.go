package security

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/resilience"
)

// RateLimitConfig holds inbound rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
	// KeyBy selects the bucket: "client" (authenticated client id, else address) or
	// "credential" (the presented API key or token, else address)
	KeyBy string `yaml:"key_by"`
}

// Bucket strategies for RateLimitConfig.KeyBy
const (
	KeyByClient     = "client"
	KeyByCredential = "credential"
)

// NewClientLimiter builds the per-client inbound limiter. A nil store keeps the
// counters in process memory; pass a Redis store to share them across replicas.
func NewClientLimiter(config *RateLimitConfig, clock resilience.Clock, store resilience.WindowStore, logger *logrus.Logger) *resilience.FixedWindowLimiter {
	window := config.Window
	if window <= 0 {
		window = time.Minute
	}
	limit := config.RequestsPerWindow
	if !config.Enabled {
		limit = 0
	}
	return resilience.NewFixedWindowLimiter("inbound", limit, window, clock, store, logger)
}

// KeyExtractor picks the rate limiting bucket for a request
type KeyExtractor func(*http.Request) string

// RateLimitMiddleware denies requests over the per-client ceiling with 429
func RateLimitMiddleware(limiter *resilience.FixedWindowLimiter, keyExtractor KeyExtractor, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			key := keyExtractor(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(r.Context(), key)
			if err != nil {
				// Counter store down: admit rather than fail every request
				logger.WithError(err).Warn("Inbound rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if decision.Limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				retryAfter := retryAfterSeconds(decision.RetryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]interface{}{
						"message":     "Rate limit exceeded",
						"type":        "rate_limit_error",
						"code":        http.StatusTooManyRequests,
						"error_code":  string(resilience.CodeRateLimit),
						"retry_after": retryAfter,
					},
					"timestamp": time.Now().Unix(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultKeyExtractor buckets authenticated clients by id and everyone else by address
func DefaultKeyExtractor(r *http.Request) string {
	if info, ok := GetAuthInfo(r.Context()); ok {
		return "client:" + info.ClientID
	}
	return "ip:" + ClientIPFromRequest(r)
}

// CredentialKeyExtractor buckets by the presented credential, falling back to the address.
// The bucket is a digest of the whole credential so tokens sharing a prefix stay apart.
func CredentialKeyExtractor(r *http.Request) string {
	if token := extractToken(r); token != "" {
		return "key:" + credentialDigest(token)
	}
	return "ip:" + ClientIPFromRequest(r)
}

// KeyExtractorFor returns the extractor named by the config
func KeyExtractorFor(config *RateLimitConfig) (KeyExtractor, error) {
	switch config.KeyBy {
	case "", KeyByClient:
		return DefaultKeyExtractor, nil
	case KeyByCredential:
		return CredentialKeyExtractor, nil
	default:
		return nil, fmt.Errorf("unknown rate limit key_by %q", config.KeyBy)
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func credentialDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}
