package history

import (
	"time"
)

// Status is the lifecycle state of a recorded request
type Status string

const (
	StatusReceived   Status = "RECEIVED"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusError      Status = "ERROR"
)

// Terminal reports whether no further transitions follow
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Entry is one snapshot of a request's history. Every status change produces a new
// snapshot with the same ID.
type Entry struct {
	ID          string                 `json:"id"`
	RequestID   string                 `json:"request_id"`
	Operation   string                 `json:"operation"`
	Params      map[string]interface{} `json:"params,omitempty"`
	ClientID    string                 `json:"client_id,omitempty"`
	Status      Status                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	DurationMs  int64                  `json:"duration_ms,omitempty"`
	ErrorCode   string                 `json:"error_code,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (e *Entry) snapshot() Entry {
	out := *e
	out.Params = copyMap(e.Params)
	out.Metadata = copyMap(e.Metadata)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
