package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"timeout code", &ProviderError{Code: CodeTimeout}, Retryable},
		{"service unavailable", &ProviderError{Code: CodeServiceUnavailable, StatusCode: 503}, Retryable},
		{"unexpected 5xx", &ProviderError{Code: CodeUnexpected, StatusCode: 500}, Retryable},
		{"unexpected transport", &ProviderError{Code: CodeUnexpected, Err: io.ErrUnexpectedEOF}, Retryable},
		{"unexpected parse failure", &ProviderError{Code: CodeUnexpected, Err: errors.New("invalid json")}, Terminal},
		{"unauthorized", &ProviderError{Code: CodeUnauthorized, StatusCode: 401}, Terminal},
		{"rate limit", &ProviderError{Code: CodeRateLimit, StatusCode: 429}, Terminal},
		{"invalid request", &ProviderError{Code: CodeInvalidRequest, StatusCode: 400}, Terminal},
		{"configuration", &ProviderError{Code: CodeConfiguration}, Terminal},
		{"wrapped deadline", fmt.Errorf("calling: %w", context.DeadlineExceeded), Retryable},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, Retryable},
		{"plain error", errors.New("boom"), Terminal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultClassifier(tt.err))
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, CodeTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, CodeUnexpected, CodeOf(errors.New("boom")))

	wrapped := fmt.Errorf("routing: %w", &ProviderError{Code: CodeRateLimit, RetryAfter: 30 * time.Second})
	assert.Equal(t, CodeRateLimit, CodeOf(wrapped))
	assert.Equal(t, 30*time.Second, RetryAfterOf(wrapped))
}

func TestProviderError_Error(t *testing.T) {
	err := &ProviderError{Code: CodeUnauthorized, Component: "routing", Message: "invalid key"}
	assert.Equal(t, "routing: UNAUTHORIZED: invalid key", err.Error())

	cause := errors.New("connection reset")
	wrapped := WrapError(CodeServiceUnavailable, cause, "")
	assert.Equal(t, "SERVICE_UNAVAILABLE: connection reset", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)

	assert.Equal(t, "INVALID_REQUEST: bad lat 91", NewError(CodeInvalidRequest, "bad lat %d", 91).Error())
}

func TestErrorCode_Category(t *testing.T) {
	assert.Equal(t, CategoryUser, CodeInvalidRequest.Category())
	for _, code := range []ErrorCode{CodeServiceUnavailable, CodeRateLimit, CodeTimeout, CodeMaxRetriesExceeded, CodeUnauthorized, CodeConfiguration, CodeUnexpected} {
		assert.Equal(t, CategorySystem, code.Category(), string(code))
	}
}

func TestCodeForStatus(t *testing.T) {
	tests := map[int]ErrorCode{
		401: CodeUnauthorized,
		403: CodeUnauthorized,
		404: CodeInvalidRequest,
		408: CodeTimeout,
		422: CodeInvalidRequest,
		429: CodeRateLimit,
		500: CodeServiceUnavailable,
		503: CodeServiceUnavailable,
		504: CodeTimeout,
		302: CodeUnexpected,
	}
	for status, want := range tests {
		assert.Equal(t, want, CodeForStatus(status), "status %d", status)
	}
}

func TestTransportError(t *testing.T) {
	assert.Equal(t, CodeTimeout, TransportError(context.DeadlineExceeded, "dial").Code)
	assert.Equal(t, CodeServiceUnavailable, TransportError(&net.OpError{Op: "dial", Err: errors.New("refused")}, "dial").Code)
}
