package types

import "time"

// BreakerStatus is the externally visible state of one circuit breaker key
type BreakerStatus struct {
	Component    string     `json:"component"`
	Kind         string     `json:"kind"`
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	OpenUntil    *time.Time `json:"open_until,omitempty"`
}

// ProviderHealth is the result of the last active probe of a provider
type ProviderHealth struct {
	Status       string `json:"status"` // "healthy", "unhealthy", "unknown"
	ResponseTime int64  `json:"response_time_ms"`
	LastChecked  int64  `json:"last_checked"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// HealthStatus summarises system health from breaker state
type HealthStatus struct {
	Status       string                    `json:"status"` // "healthy", "degraded"
	OpenBreakers int                       `json:"open_breakers"`
	Breakers     []BreakerStatus           `json:"breakers"`
	Providers    map[string]ProviderHealth `json:"providers,omitempty"`
	LastChecked  int64                     `json:"last_checked"`
}
