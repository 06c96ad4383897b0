package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrorCode is the caller-visible failure taxonomy of provider calls
type ErrorCode string

const (
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeMaxRetriesExceeded ErrorCode = "MAX_RETRIES_EXCEEDED"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeConfiguration      ErrorCode = "CONFIGURATION_ERROR"
	CodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	CodeUnexpected         ErrorCode = "UNEXPECTED_ERROR"
)

// Category splits error codes into caller mistakes and system failures
type Category string

const (
	CategoryUser   Category = "USER_ERROR"
	CategorySystem Category = "SYSTEM_ERROR"
)

func (c ErrorCode) Category() Category {
	if c == CodeInvalidRequest {
		return CategoryUser
	}
	return CategorySystem
}

// Classification tells the retry loop whether a failure is worth another attempt
type Classification int

const (
	Retryable Classification = iota
	Terminal
)

func (c Classification) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "terminal"
}

// Classifier maps a raw call failure to a classification
type Classifier func(err error) Classification

var (
	// ErrBreakerOpen is wrapped by errors returned while a breaker rejects calls
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrRateLimited is wrapped by errors returned when a local limiter rejects a call
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ProviderError is a typed provider call failure
type ProviderError struct {
	Code       ErrorCode
	Component  string
	StatusCode int
	RetryAfter time.Duration
	Attempts   int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewError builds a ProviderError with a formatted message
func NewError(code ErrorCode, format string, args ...interface{}) *ProviderError {
	return &ProviderError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a ProviderError around a cause
func WrapError(code ErrorCode, err error, message string) *ProviderError {
	return &ProviderError{Code: code, Message: message, Err: err}
}

// AsProviderError extracts a ProviderError from an error chain
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf returns the error code carried by err, UNEXPECTED_ERROR when untyped
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Code
	}
	if IsTimeout(err) {
		return CodeTimeout
	}
	return CodeUnexpected
}

// RetryAfterOf returns the retry hint carried by err, zero when none
func RetryAfterOf(err error) time.Duration {
	if pe, ok := AsProviderError(err); ok {
		return pe.RetryAfter
	}
	return 0
}

// DefaultClassifier treats timeouts, transport failures and 5xx responses as retryable
func DefaultClassifier(err error) Classification {
	if pe, ok := AsProviderError(err); ok {
		switch pe.Code {
		case CodeTimeout, CodeServiceUnavailable:
			return Retryable
		case CodeUnexpected:
			if pe.StatusCode >= 500 {
				return Retryable
			}
			if pe.Err != nil && isTransient(pe.Err) {
				return Retryable
			}
		}
		return Terminal
	}
	if isTransient(err) {
		return Retryable
	}
	return Terminal
}

// IsTimeout reports deadline and network timeouts
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTransient(err error) bool {
	if IsTimeout(err) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// CodeForStatus maps a non-2xx upstream HTTP status to an error code
func CodeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeUnauthorized
	case status == http.StatusTooManyRequests:
		return CodeRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 400 && status < 500:
		return CodeInvalidRequest
	case status >= 500:
		return CodeServiceUnavailable
	default:
		return CodeUnexpected
	}
}

// TransportError wraps a failure to reach the upstream at all
func TransportError(err error, message string) *ProviderError {
	if IsTimeout(err) {
		return WrapError(CodeTimeout, err, message)
	}
	return WrapError(CodeServiceUnavailable, err, message)
}
