package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TrafficCondition labels how congested a segment or route is
type TrafficCondition int

const (
	ConditionUnknown TrafficCondition = iota
	ConditionLight
	ConditionModerate
	ConditionHeavy
	ConditionCongested
)

var conditionNames = map[TrafficCondition]string{
	ConditionUnknown:   "unknown",
	ConditionLight:     "light",
	ConditionModerate:  "moderate",
	ConditionHeavy:     "heavy",
	ConditionCongested: "congested",
}

// AllConditions lists every condition from best to worst, UNKNOWN last
var AllConditions = []TrafficCondition{
	ConditionLight, ConditionModerate, ConditionHeavy, ConditionCongested, ConditionUnknown,
}

func (c TrafficCondition) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("condition(%d)", int(c))
}

// Severity orders conditions for comparisons. UNKNOWN is neutral and ranks lowest.
func (c TrafficCondition) Severity() int {
	if c == ConditionUnknown {
		return 0
	}
	return int(c)
}

// AtLeast reports whether c is at least as severe as other
func (c TrafficCondition) AtLeast(other TrafficCondition) bool {
	return c.Severity() >= other.Severity()
}

// ParseTrafficCondition parses the lowercase wire form
func ParseTrafficCondition(s string) (TrafficCondition, error) {
	for c, name := range conditionNames {
		if strings.EqualFold(name, s) {
			return c, nil
		}
	}
	return ConditionUnknown, fmt.Errorf("unknown traffic condition: %q", s)
}

func (c TrafficCondition) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *TrafficCondition) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTrafficCondition(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Confidence describes how much of the route yielded usable traffic data
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// FlowSample is the provider's flow report for one bounding box.
// Speeds are in km/h and nil when the provider had no data.
type FlowSample struct {
	CurrentSpeed       *float64 `json:"current_speed,omitempty"`
	FreeFlowSpeed      *float64 `json:"free_flow_speed,omitempty"`
	CurrentTravelTime  *int     `json:"current_travel_time,omitempty"`
	FreeFlowTravelTime *int     `json:"free_flow_travel_time,omitempty"`
	Confidence         *float64 `json:"confidence,omitempty"`
	RoadClosure        bool     `json:"road_closure"`
}

// SpeedRatio returns current/free-flow speed when both are known and free-flow is positive
func (s *FlowSample) SpeedRatio() (float64, bool) {
	if s == nil || s.CurrentSpeed == nil || s.FreeFlowSpeed == nil || *s.FreeFlowSpeed <= 0 {
		return 0, false
	}
	return *s.CurrentSpeed / *s.FreeFlowSpeed, true
}

// SampleResult is the outcome of sampling one segment: either a Sample or Unavailable
type SampleResult struct {
	Segment RouteSegment `json:"segment"`

	Sample *FlowSample `json:"sample,omitempty"`

	Unavailable bool   `json:"unavailable,omitempty"`
	Reason      string `json:"reason,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
}

// Sampled builds the data-bearing variant
func Sampled(segment RouteSegment, sample *FlowSample) SampleResult {
	return SampleResult{Segment: segment, Sample: sample}
}

// UnavailableSample builds the fail-open variant
func UnavailableSample(segment RouteSegment, code, reason string) SampleResult {
	return SampleResult{Segment: segment, Unavailable: true, ErrorCode: code, Reason: reason}
}

// HasData reports whether the provider returned usable speeds for the segment
func (r SampleResult) HasData() bool {
	if r.Unavailable {
		return false
	}
	_, ok := r.Sample.SpeedRatio()
	return ok
}

// SegmentVerdict is the classified traffic state of one segment
type SegmentVerdict struct {
	Segment      RouteSegment     `json:"segment"`
	Condition    TrafficCondition `json:"condition"`
	DelayMinutes int              `json:"delay_minutes"`
	Description  string           `json:"description"`
	SpeedKmh     *float64         `json:"speed_kmh,omitempty"`
	RoadClosure  bool             `json:"road_closure,omitempty"`
	LengthMeters float64          `json:"length_meters"`
}

// RouteTrafficVerdict is the aggregated traffic state of a whole route
type RouteTrafficVerdict struct {
	OverallCondition  TrafficCondition         `json:"overall_condition"`
	TotalDelayMinutes int                      `json:"total_delay_minutes"`
	ConditionCounts   map[TrafficCondition]int `json:"-"`
	Congested         []SegmentVerdict         `json:"congested_segments"`
	Segments          []SegmentVerdict         `json:"segments"`
	Confidence        Confidence               `json:"confidence_level"`
	SegmentsWithData  int                      `json:"segments_with_data"`
	AnalyzedAt        time.Time                `json:"analysis_timestamp"`
}

// CountsByName returns the condition counts keyed by wire name
func (v *RouteTrafficVerdict) CountsByName() map[string]int {
	out := make(map[string]int, len(v.ConditionCounts))
	for c, n := range v.ConditionCounts {
		out[c.String()] = n
	}
	return out
}

func (v RouteTrafficVerdict) MarshalJSON() ([]byte, error) {
	type alias RouteTrafficVerdict
	return json.Marshal(struct {
		alias
		ConditionCounts map[string]int `json:"condition_counts"`
	}{
		alias:           alias(v),
		ConditionCounts: v.CountsByName(),
	})
}

// JamPair locates one provider-flagged traffic section along a route
type JamPair struct {
	SectionIndex      int        `json:"section_index"`
	Start             Coordinate `json:"start"`
	End               Coordinate `json:"end"`
	Category          string     `json:"category,omitempty"`
	DelaySeconds      int        `json:"delay_seconds"`
	MagnitudeOfDelay  int        `json:"magnitude_of_delay"`
	EffectiveSpeedKmh float64    `json:"effective_speed_kmh,omitempty"`
}

// JamSummary totals the jam pairs of a route
type JamSummary struct {
	Sections          int `json:"traffic_sections_count"`
	TotalDelaySeconds int `json:"total_traffic_delay_seconds"`
	LengthInMeters    int `json:"total_length_meters"`
	TravelTimeSeconds int `json:"total_travel_time_seconds"`
}
