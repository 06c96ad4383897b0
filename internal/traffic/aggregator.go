package traffic

import (
	"github.com/tributary-ai/traffic-router/internal/types"
)

// Speed ratio boundaries (current / free-flow) between conditions
const (
	congestedBelow = 0.3
	heavyBelow     = 0.6
	moderateBelow  = 0.8
)

// Fixed per-segment delay heuristics in minutes. They stand for a typical segment's
// contribution and are not scaled by segment length.
const (
	congestedDelayMinutes = 15
	heavyDelayMinutes     = 8
	moderateDelayMinutes  = 3
)

// Share of segments a condition must exceed to become the overall verdict, checked in order
var overallThresholds = []struct {
	condition types.TrafficCondition
	share     float64
}{
	{types.ConditionCongested, 0.3},
	{types.ConditionHeavy, 0.4},
	{types.ConditionModerate, 0.5},
	{types.ConditionLight, 0.6},
}

const (
	descCongested   = "Severe congestion"
	descHeavy       = "Heavy congestion"
	descModerate    = "Light congestion"
	descLight       = "Traffic flowing freely"
	descNoSpeed     = "No speed information"
	descUnavailable = "No traffic information"
)

// ClassifySample maps one sample result to a segment verdict
func ClassifySample(result types.SampleResult) types.SegmentVerdict {
	verdict := types.SegmentVerdict{
		Segment:      result.Segment,
		Condition:    types.ConditionUnknown,
		LengthMeters: result.Segment.LengthMeters(),
	}

	if result.Unavailable || result.Sample == nil {
		verdict.Description = descUnavailable
		return verdict
	}

	verdict.SpeedKmh = result.Sample.CurrentSpeed
	verdict.RoadClosure = result.Sample.RoadClosure

	ratio, ok := result.Sample.SpeedRatio()
	if !ok {
		verdict.Description = descNoSpeed
		return verdict
	}

	switch {
	case ratio < congestedBelow:
		verdict.Condition, verdict.DelayMinutes, verdict.Description = types.ConditionCongested, congestedDelayMinutes, descCongested
	case ratio < heavyBelow:
		verdict.Condition, verdict.DelayMinutes, verdict.Description = types.ConditionHeavy, heavyDelayMinutes, descHeavy
	case ratio < moderateBelow:
		verdict.Condition, verdict.DelayMinutes, verdict.Description = types.ConditionModerate, moderateDelayMinutes, descModerate
	default:
		verdict.Condition, verdict.Description = types.ConditionLight, descLight
	}
	return verdict
}

// Aggregate reduces per-segment samples to a route verdict. It is a pure function of
// its input; AnalyzedAt is left for the caller to stamp.
func Aggregate(results []types.SampleResult) *types.RouteTrafficVerdict {
	verdict := &types.RouteTrafficVerdict{
		OverallCondition: types.ConditionUnknown,
		ConditionCounts:  make(map[types.TrafficCondition]int),
		Congested:        []types.SegmentVerdict{},
		Segments:         make([]types.SegmentVerdict, 0, len(results)),
		Confidence:       types.ConfidenceLow,
	}
	if len(results) == 0 {
		return verdict
	}

	totalDelay := 0
	for _, result := range results {
		sv := ClassifySample(result)
		verdict.Segments = append(verdict.Segments, sv)
		verdict.ConditionCounts[sv.Condition]++
		totalDelay += sv.DelayMinutes
		if sv.Condition.AtLeast(types.ConditionHeavy) {
			verdict.Congested = append(verdict.Congested, sv)
		}
		if result.HasData() {
			verdict.SegmentsWithData++
		}
	}

	if totalDelay < 0 {
		totalDelay = 0
	}
	verdict.TotalDelayMinutes = totalDelay
	verdict.OverallCondition = overallCondition(verdict.ConditionCounts, len(results))
	if verdict.SegmentsWithData > 0 {
		verdict.Confidence = types.ConfidenceHigh
	}
	return verdict
}

func overallCondition(counts map[types.TrafficCondition]int, total int) types.TrafficCondition {
	if total == 0 {
		return types.ConditionUnknown
	}
	for _, t := range overallThresholds {
		if float64(counts[t.condition]) > t.share*float64(total) {
			return t.condition
		}
	}
	return types.ConditionModerate
}
