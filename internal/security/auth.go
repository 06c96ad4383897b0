package security

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// TokenIssuer is the issuer claim of tokens minted by this service
const TokenIssuer = "traffic-router"

// Authenticator validates API keys and bearer tokens
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*AuthInfo, error)
	ValidateAPIKey(ctx context.Context, apiKey string) (*AuthInfo, error)
	GenerateJWT(clientID string, claims map[string]interface{}) (string, error)
	ValidateJWT(tokenString string) (*JWTClaims, error)
}

// AuthInfo describes an authenticated client
type AuthInfo struct {
	ClientID    string            `json:"client_id"`
	AuthType    string            `json:"auth_type"`
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// JWTClaims are the claims carried by operator-issued tokens
type JWTClaims struct {
	ClientID    string            `json:"client_id"`
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

// Permissions
const (
	PermissionRoutes = "routes:plan"
	PermissionAdmin  = "system:admin"
)

// Config holds authentication configuration
type Config struct {
	APIKeys        []string      `yaml:"api_keys"`
	AdminKeys      []string      `yaml:"admin_keys"`
	JWTSecret      string        `yaml:"jwt_secret"`
	JWTExpiry      time.Duration `yaml:"jwt_expiry"`
	RequireAuth    bool          `yaml:"require_auth"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	TrustedProxies []string      `yaml:"trusted_proxies"`
}

type contextKey string

const (
	authInfoKey contextKey = "auth_info"
	clientIPKey contextKey = "client_ip"
)

// KeyAuthenticator implements Authenticator with static API keys and HS256 tokens
type KeyAuthenticator struct {
	config *Config
	logger *logrus.Logger
	now    func() time.Time
}

// NewKeyAuthenticator creates a new authenticator
func NewKeyAuthenticator(config *Config, logger *logrus.Logger) *KeyAuthenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	return &KeyAuthenticator{
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Authenticate validates a token, trying API keys before JWTs
func (a *KeyAuthenticator) Authenticate(ctx context.Context, token string) (*AuthInfo, error) {
	if info, err := a.ValidateAPIKey(ctx, token); err == nil {
		return info, nil
	}

	if a.config.JWTSecret != "" {
		if claims, err := a.ValidateJWT(token); err == nil {
			info := &AuthInfo{
				ClientID:    claims.ClientID,
				AuthType:    "jwt",
				Permissions: claims.Permissions,
				Metadata:    claims.Metadata,
			}
			if claims.ExpiresAt != nil {
				exp := claims.ExpiresAt.Time
				info.ExpiresAt = &exp
			}
			return info, nil
		}
	}

	a.logger.WithFields(logrus.Fields{
		"token_prefix": maskAPIKey(token),
		"remote_ip":    ClientIP(ctx),
	}).Warn("Invalid credentials attempted")

	return nil, errors.New("invalid authentication token")
}

// ValidateAPIKey matches apiKey against the configured keys in constant time
func (a *KeyAuthenticator) ValidateAPIKey(_ context.Context, apiKey string) (*AuthInfo, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	if matchKey(apiKey, a.config.AdminKeys) {
		return &AuthInfo{
			ClientID:    clientIDForKey(apiKey),
			AuthType:    "api_key",
			Permissions: []string{PermissionRoutes, PermissionAdmin},
		}, nil
	}
	if matchKey(apiKey, a.config.APIKeys) {
		return &AuthInfo{
			ClientID:    clientIDForKey(apiKey),
			AuthType:    "api_key",
			Permissions: []string{PermissionRoutes},
		}, nil
	}
	return nil, errors.New("invalid API key")
}

// GenerateJWT mints a token for clientID. A "permissions" claim of type []string is
// copied into the token; other string claims land in the metadata.
func (a *KeyAuthenticator) GenerateJWT(clientID string, claims map[string]interface{}) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("jwt secret is not configured")
	}
	now := a.now()

	jwtClaims := &JWTClaims{
		ClientID:    clientID,
		Permissions: []string{PermissionRoutes},
		Metadata:    make(map[string]string),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	for key, value := range claims {
		switch key {
		case "permissions":
			if perms, ok := value.([]string); ok {
				jwtClaims.Permissions = perms
			}
		default:
			if s, ok := value.(string); ok {
				jwtClaims.Metadata[key] = s
			}
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT parses and verifies a token issued by this service
func (a *KeyAuthenticator) ValidateJWT(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	}, jwt.WithIssuer(TokenIssuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid JWT token")
}

// AuthMiddleware rejects unauthenticated requests when auth is required.
// Health, metrics and docs stay open.
func (a *KeyAuthenticator) AuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithClientIP(r.Context(), ClientIPFromRequest(r))

			if isPublicPath(r.URL.Path) || !a.config.RequireAuth {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token := extractToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}

			info, err := a.Authenticate(ctx, token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"path":       r.URL.Path,
					"method":     r.Method,
					"remote_ip":  ClientIP(ctx),
					"user_agent": r.UserAgent(),
				}).Warn("Authentication failed")
				writeAuthError(w, http.StatusUnauthorized, "Invalid authentication token")
				return
			}

			a.logger.WithFields(logrus.Fields{
				"client_id": info.ClientID,
				"auth_type": info.AuthType,
				"path":      r.URL.Path,
			}).Debug("Authentication successful")

			next.ServeHTTP(w, r.WithContext(WithAuthInfo(ctx, info)))
		})
	}
}

// RequirePermission guards a handler with a permission check. When auth is disabled
// every request passes.
func (a *KeyAuthenticator) RequirePermission(permission string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.config.RequireAuth {
			next.ServeHTTP(w, r)
			return
		}
		info, ok := GetAuthInfo(r.Context())
		if !ok || !info.HasPermission(permission) {
			writeAuthError(w, http.StatusForbidden, "Insufficient permissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HasPermission reports whether the client holds permission
func (i *AuthInfo) HasPermission(permission string) bool {
	for _, p := range i.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// WithAuthInfo attaches info to ctx
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey, info)
}

// GetAuthInfo extracts authentication info from ctx
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(*AuthInfo)
	return info, ok && info != nil
}

// WithClientIP attaches the caller address to ctx
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIP returns the caller address stored in ctx
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey).(string); ok && ip != "" {
		return ip
	}
	return "unknown"
}

// ClientIPFromRequest resolves the caller address from proxy headers or RemoteAddr
func ClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func isPublicPath(path string) bool {
	return path == "/health" || path == "/metrics" || strings.HasPrefix(path, "/docs")
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}
	return r.Header.Get("API-Key")
}

func matchKey(candidate string, keys []string) bool {
	found := false
	for _, key := range keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			found = true
		}
	}
	return found
}

// clientIDForKey derives a stable id from the whole key without exposing it
func clientIDForKey(apiKey string) string {
	return "client_" + credentialDigest(apiKey)[:12]
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	errType := "authentication_error"
	if status == http.StatusForbidden {
		errType = "authorization_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    status,
		},
		"timestamp": time.Now().Unix(),
	})
}
