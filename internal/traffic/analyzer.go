package traffic

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/traffic-router/internal/metrics"
	"github.com/tributary-ai/traffic-router/internal/resilience"
	"github.com/tributary-ai/traffic-router/internal/types"
)

// ErrNilRoute is returned when no route description is supplied
var ErrNilRoute = errors.New("route description is required")

// InstructionNotFoundID identifies the placeholder verdict for a point off the route
const InstructionNotFoundID = "instruction_not_found"

// PointSegmentID identifies the verdict of a single-location query
const PointSegmentID = "point"

// Analyzer runs extraction, sampling and aggregation for a route
type Analyzer struct {
	sampler *Sampler
	clock   resilience.Clock
	logger  *logrus.Logger
}

// NewAnalyzer creates an analyzer. A nil clock uses wall time.
func NewAnalyzer(sampler *Sampler, clock resilience.Clock, logger *logrus.Logger) *Analyzer {
	if clock == nil {
		clock = resilience.RealClock{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Analyzer{sampler: sampler, clock: clock, logger: logger}
}

// AnalyzeRouteTraffic produces the traffic verdict of a route. Provider failures never
// fail the analysis; they lower its confidence instead.
func (a *Analyzer) AnalyzeRouteTraffic(ctx context.Context, route *types.RouteDescription) (*types.RouteTrafficVerdict, error) {
	if route == nil {
		return nil, ErrNilRoute
	}

	segments := ExtractSegments(route)
	if len(segments) == 0 {
		a.logger.Warn("No route segments found, nothing to analyze")
	}

	results := a.sampler.SampleSegments(ctx, segments)
	verdict := Aggregate(results)
	verdict.AnalyzedAt = a.clock.Now().UTC()

	metrics.TrafficVerdictsTotal.WithLabelValues(verdict.OverallCondition.String(), string(verdict.Confidence)).Inc()
	a.logger.WithFields(logrus.Fields{
		"segments":           len(segments),
		"segments_with_data": verdict.SegmentsWithData,
		"overall_condition":  verdict.OverallCondition.String(),
		"total_delay_min":    verdict.TotalDelayMinutes,
		"confidence":         verdict.Confidence,
	}).Info("Route traffic analysis completed")

	return verdict, nil
}

// AnalyzeInstruction samples only the segment around a guidance point. A point that
// lies on no segment yields an UNKNOWN verdict with id instruction_not_found.
func (a *Analyzer) AnalyzeInstruction(ctx context.Context, route *types.RouteDescription, point types.Coordinate) (*types.SegmentVerdict, error) {
	if route == nil {
		return nil, ErrNilRoute
	}
	if err := point.Validate(); err != nil {
		return nil, resilience.WrapError(resilience.CodeInvalidRequest, err, "invalid instruction point")
	}

	seg, ok := FindSegment(ExtractSegments(route), point)
	if !ok {
		verdict := ClassifySample(types.UnavailableSample(types.RouteSegment{ID: InstructionNotFoundID}, "", "point is not on the route"))
		return &verdict, nil
	}

	verdict := ClassifySample(a.sampler.SampleSegment(ctx, seg))
	return &verdict, nil
}

// AnalyzePoint reports the flow of the road nearest a location. Like the route
// analyses it fails open: an unavailable provider yields an UNKNOWN verdict.
func (a *Analyzer) AnalyzePoint(ctx context.Context, point types.Coordinate) (*types.SegmentVerdict, error) {
	if err := point.Validate(); err != nil {
		return nil, resilience.WrapError(resilience.CodeInvalidRequest, err, "invalid location")
	}

	seg := types.RouteSegment{ID: PointSegmentID, Start: point, End: point}
	verdict := ClassifySample(a.sampler.SampleSegment(ctx, seg))

	a.logger.WithFields(logrus.Fields{
		"point":     point.String(),
		"condition": verdict.Condition.String(),
	}).Debug("Point traffic analysed")
	return &verdict, nil
}
