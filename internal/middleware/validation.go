package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// ValidationMiddleware checks requests against the OpenAPI description
type ValidationMiddleware struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// ValidationConfig configures the validation middleware
type ValidationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NewValidationMiddleware loads spec (OpenAPI YAML or JSON) and builds the route matcher
func NewValidationMiddleware(config *ValidationConfig, spec []byte, logger *logrus.Logger) (*ValidationMiddleware, error) {
	vm := &ValidationMiddleware{logger: logger}
	if config == nil || !config.Enabled {
		logger.Info("API validation middleware disabled")
		return vm, nil
	}

	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAPI router: %w", err)
	}

	vm.router = router
	vm.enabled = true
	logger.WithField("paths", doc.Paths.Len()).Info("API validation middleware enabled")
	return vm, nil
}

// Enabled reports whether requests are checked
func (vm *ValidationMiddleware) Enabled() bool { return vm.enabled }

// Middleware returns the HTTP middleware function
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !vm.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r.Context(), r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request validation failed")
			writeValidationError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (vm *ValidationMiddleware) validateRequest(ctx context.Context, r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		// /metrics and /docs are not described
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r.Clone(ctx),
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			// Credentials are checked by the security middleware
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			MultiError:         false,
		},
	}
	input.Request.Body = io.NopCloser(bytes.NewReader(body))

	return openapi3filter.ValidateRequest(ctx, input)
}

// ValidationErrorDetail is the parsed form of a schema failure
type ValidationErrorDetail struct {
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeValidationError(w http.ResponseWriter, err error) {
	detail := parseValidationError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message":    detail.Message,
			"type":       "validation_error",
			"code":       http.StatusBadRequest,
			"error_code": "INVALID_REQUEST",
			"category":   "USER_ERROR",
			"details":    detail.Details,
		},
		"timestamp": time.Now().Unix(),
	})
}

func parseValidationError(err error) *ValidationErrorDetail {
	detail := &ValidationErrorDetail{
		Message: "Request validation failed",
		Details: make(map[string]interface{}),
	}

	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		var schemaErr *openapi3.SchemaError
		if errors.As(reqErr.Err, &schemaErr) {
			detail.Message = "Invalid request body"
			detail.Details["field"] = strings.Join(schemaErr.JSONPointer(), ".")
			detail.Details["reason"] = schemaErr.Reason
			return detail
		}
		if reqErr.RequestBody != nil {
			detail.Message = "Invalid request body"
		}
		detail.Details["error"] = reqErr.Error()
		return detail
	}

	detail.Details["error"] = err.Error()
	return detail
}
