package security

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// ValidationConfig holds request hygiene rules applied before schema validation
type ValidationConfig struct {
	MaxRequestSize  int64    `yaml:"max_request_size"`
	ContentTypes    []string `yaml:"allowed_content_types"`
	MaxJSONDepth    int      `yaml:"max_json_depth"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
	IPAllowlist     []string `yaml:"ip_allowlist"`
	IPBlocklist     []string `yaml:"ip_blocklist"`
}

// RequestValidator rejects oversized, malformed or unwanted requests
type RequestValidator struct {
	config         *ValidationConfig
	logger         *logrus.Logger
	blockedRegexes []*regexp.Regexp
	allow          []*net.IPNet
	block          []*net.IPNet
}

// ValidationFailure describes why a request was rejected
type ValidationFailure struct {
	Status  int
	Message string
}

func (f *ValidationFailure) Error() string { return f.Message }

// NewRequestValidator compiles the configured patterns and address lists
func NewRequestValidator(config *ValidationConfig, logger *logrus.Logger) (*RequestValidator, error) {
	if config.MaxRequestSize == 0 {
		// Routes with full geometry and guidance can be large
		config.MaxRequestSize = 8 * 1024 * 1024
	}
	if config.MaxJSONDepth == 0 {
		config.MaxJSONDepth = 16
	}
	if len(config.ContentTypes) == 0 {
		config.ContentTypes = []string{"application/json"}
	}

	v := &RequestValidator{config: config, logger: logger}

	for _, pattern := range config.BlockedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", pattern, err)
		}
		v.blockedRegexes = append(v.blockedRegexes, re)
	}

	var err error
	if v.allow, err = parseNetworks(config.IPAllowlist); err != nil {
		return nil, err
	}
	if v.block, err = parseNetworks(config.IPBlocklist); err != nil {
		return nil, err
	}
	return v, nil
}

// Validate checks r and returns the buffered body so it can be replayed downstream
func (v *RequestValidator) Validate(r *http.Request) ([]byte, *ValidationFailure) {
	ip := ClientIPFromRequest(r)
	if !v.isAllowedIP(ip) {
		return nil, &ValidationFailure{Status: http.StatusForbidden, Message: fmt.Sprintf("IP %s not allowed", ip)}
	}

	if r.ContentLength > v.config.MaxRequestSize {
		return nil, &ValidationFailure{
			Status:  http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("Request size %d exceeds maximum %d", r.ContentLength, v.config.MaxRequestSize),
		}
	}

	if v.containsBlockedPattern(r.URL.RawQuery) {
		return nil, &ValidationFailure{Status: http.StatusBadRequest, Message: "Request contains blocked patterns"}
	}

	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		return nil, nil
	}

	if ct := r.Header.Get("Content-Type"); !v.isAllowedContentType(ct) {
		return nil, &ValidationFailure{Status: http.StatusUnsupportedMediaType, Message: fmt.Sprintf("Content-Type %q not allowed", ct)}
	}

	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, v.config.MaxRequestSize+1))
	if err != nil {
		return nil, &ValidationFailure{Status: http.StatusBadRequest, Message: "Failed to read request body"}
	}
	if int64(len(body)) > v.config.MaxRequestSize {
		return nil, &ValidationFailure{Status: http.StatusRequestEntityTooLarge, Message: "Request body too large"}
	}
	if len(body) == 0 {
		return body, nil
	}
	if failure := v.validateJSON(body); failure != nil {
		return nil, failure
	}
	return body, nil
}

func (v *RequestValidator) validateJSON(body []byte) *ValidationFailure {
	if !utf8.Valid(body) {
		return &ValidationFailure{Status: http.StatusBadRequest, Message: "Request body contains invalid UTF-8"}
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return &ValidationFailure{Status: http.StatusBadRequest, Message: fmt.Sprintf("Invalid JSON: %s", err)}
	}
	if depth := jsonDepth(doc); depth > v.config.MaxJSONDepth {
		return &ValidationFailure{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("JSON depth %d exceeds maximum %d", depth, v.config.MaxJSONDepth),
		}
	}
	if v.containsBlockedPattern(string(body)) {
		return &ValidationFailure{Status: http.StatusBadRequest, Message: "Request body contains blocked patterns"}
	}
	return nil
}

// ValidationMiddleware rejects invalid requests and replays the body to the next handler
func (v *RequestValidator) ValidationMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, failure := v.Validate(r)
			if failure != nil {
				v.logger.WithFields(logrus.Fields{
					"method":    r.Method,
					"path":      r.URL.Path,
					"client_ip": ClientIPFromRequest(r),
					"reason":    failure.Message,
				}).Warn("Request validation failed")

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(failure.Status)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]interface{}{
						"message":    failure.Message,
						"type":       "validation_error",
						"code":       failure.Status,
						"error_code": "INVALID_REQUEST",
						"category":   "USER_ERROR",
					},
					"timestamp": time.Now().Unix(),
				})
				return
			}
			if body != nil {
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (v *RequestValidator) isAllowedContentType(contentType string) bool {
	mainType, _, _ := strings.Cut(contentType, ";")
	mainType = strings.TrimSpace(mainType)
	for _, allowed := range v.config.ContentTypes {
		if strings.EqualFold(mainType, allowed) {
			return true
		}
	}
	return false
}

func (v *RequestValidator) isAllowedIP(raw string) bool {
	ip := net.ParseIP(raw)
	if ip == nil {
		return len(v.allow) == 0
	}
	for _, n := range v.block {
		if n.Contains(ip) {
			return false
		}
	}
	if len(v.allow) == 0 {
		return true
	}
	for _, n := range v.allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (v *RequestValidator) containsBlockedPattern(text string) bool {
	for _, re := range v.blockedRegexes {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// parseNetworks accepts CIDR blocks and bare addresses
func parseNetworks(entries []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP address %q", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func jsonDepth(data interface{}) int {
	max := 0
	switch d := data.(type) {
	case map[string]interface{}:
		for _, value := range d {
			if depth := jsonDepth(value); depth > max {
				max = depth
			}
		}
		return max + 1
	case []interface{}:
		for _, value := range d {
			if depth := jsonDepth(value); depth > max {
				max = depth
			}
		}
		return max + 1
	default:
		return 1
	}
}
