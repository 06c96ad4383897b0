package routing

import (
	"fmt"
	"time"

	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/types"
)

// PlanDecision collects what happened while serving one route request
type PlanDecision struct {
	RequestID string
	Provider  string

	// Human-readable reasoning, in order of the pipeline steps
	Reasoning []string

	Attempts        int
	RetryDelays     []time.Duration
	ProviderLatency time.Duration

	TrafficAnalyzed bool
	NarrativeSource string
}

func newPlanDecision(requestID, provider string) *PlanDecision {
	return &PlanDecision{
		RequestID: requestID,
		Provider:  provider,
		Reasoning: make([]string, 0, 4),
	}
}

func (d *PlanDecision) reason(format string, args ...interface{}) {
	d.Reasoning = append(d.Reasoning, fmt.Sprintf(format, args...))
}

func (d *PlanDecision) routeCalculated(meta resilience.CallMetadata, route *types.RouteDescription) {
	d.Attempts = meta.Attempts
	d.RetryDelays = meta.RetryDelays
	d.ProviderLatency = meta.Elapsed

	if meta.Attempts > 1 {
		d.reason("Route calculated by %s after %d attempts", d.Provider, meta.Attempts)
	} else {
		d.reason("Route calculated by %s", d.Provider)
	}
	if route != nil {
		d.reason("Route is %.1f km with %d points", float64(route.Summary.LengthInMeters)/1000, route.PointCount())
	}
}

func (d *PlanDecision) trafficVerdict(verdict *types.RouteTrafficVerdict) {
	d.TrafficAnalyzed = true
	d.reason("Traffic %s across %d segments (%d with data, confidence %s)",
		verdict.OverallCondition, len(verdict.Segments), verdict.SegmentsWithData, verdict.Confidence)
}

func (d *PlanDecision) narrated(n *types.Narrative) {
	d.NarrativeSource = n.Source
	d.reason("Narrative generated by %s", n.Source)
}

// Metadata converts the decision into the response metadata
func (d *PlanDecision) Metadata(processing time.Duration) *types.PlanMetadata {
	var delays []int64
	for _, delay := range d.RetryDelays {
		delays = append(delays, delay.Milliseconds())
	}
	return &types.PlanMetadata{
		RequestID:       d.RequestID,
		Provider:        d.Provider,
		Attempts:        d.Attempts,
		RetryDelays:     delays,
		ProviderLatency: d.ProviderLatency,
		ProcessingTime:  processing,
		Reasoning:       d.Reasoning,
		TrafficAnalyzed: d.TrafficAnalyzed,
		NarrativeSource: d.NarrativeSource,
	}
}
