package providers

import (
	"context"

	"github.com/tributary-ai/traffic-router/internal/types"
)

// Provider names used for executor limiter lookups and metrics labels
const (
	TomTom    = "tomtom"
	OpenAI    = "openai"
	Anthropic = "anthropic"
)

// Executor components. Breakers and retry policies are keyed by these.
const (
	ComponentRouting     = "routing"
	ComponentTrafficFlow = "traffic_flow"
	ComponentNarrator    = "narrator"
)

// Core routing interface - calculates a route between two coordinates
type RoutingProvider interface {
	ProviderName() string
	CalculateRoute(ctx context.Context, req *types.RouteRequest) (*types.RouteDescription, error)
}

// TrafficFlowProvider reports live flow for the road nearest a bounding box
type TrafficFlowProvider interface {
	ProviderName() string
	FlowSegment(ctx context.Context, bbox types.BoundingBox) (*types.FlowSample, error)
}

// NarrativeProvider turns a prompt into text
type NarrativeProvider interface {
	ProviderName() string
	Narrate(ctx context.Context, req *types.NarrativeRequest) (*types.Narrative, error)
}

// HealthChecker is implemented by providers that can probe their upstream
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
