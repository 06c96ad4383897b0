package types

import (
	"time"
)

// RouteResponse is returned by the route planning endpoint
type RouteResponse struct {
	ID        string               `json:"id"`
	Route     *RouteDescription    `json:"route"`
	Traffic   *RouteTrafficVerdict `json:"traffic,omitempty"`
	Narrative string               `json:"narrative,omitempty"`
	JamPairs  []JamPair            `json:"jam_pairs,omitempty"`
	Jams      *JamSummary          `json:"jam_summary,omitempty"`
	Metadata  *PlanMetadata        `json:"router_metadata"`
}

// PlanMetadata describes how a route request was served
type PlanMetadata struct {
	RequestID       string        `json:"request_id"`
	Provider        string        `json:"provider"`
	Attempts        int           `json:"attempts"`
	RetryDelays     []int64       `json:"retry_delays_ms,omitempty"`
	ProviderLatency time.Duration `json:"provider_latency"`
	ProcessingTime  time.Duration `json:"processing_time"`
	Reasoning       []string      `json:"reasoning"`
	TrafficAnalyzed bool          `json:"traffic_analyzed"`
	NarrativeSource string        `json:"narrative_source,omitempty"`
}

// TrafficResponse wraps a standalone traffic verdict
type TrafficResponse struct {
	Traffic  *RouteTrafficVerdict `json:"traffic"`
	JamPairs []JamPair            `json:"jam_pairs"`
}

// InstructionTrafficResponse wraps the verdict for a single guidance point
type InstructionTrafficResponse struct {
	Segment SegmentVerdict `json:"segment"`
}

// PointTrafficResponse wraps the verdict for a single location
type PointTrafficResponse struct {
	Location  Coordinate     `json:"location"`
	Condition SegmentVerdict `json:"condition"`
}

// Error response
type ErrorResponse struct {
	Error     ErrorDetail `json:"error"`
	Timestamp int64       `json:"timestamp"`
}

type ErrorDetail struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       int    `json:"code"`
	ErrorCode  string `json:"error_code,omitempty"`
	Category   string `json:"category,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}
