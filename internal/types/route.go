package types

import "time"

// RouteDescription is the provider-neutral shape of a calculated route
type RouteDescription struct {
	Summary  RouteSummary     `json:"summary"`
	Legs     []RouteLeg       `json:"legs,omitempty"`
	Guidance *Guidance        `json:"guidance,omitempty"`
	Sections []TrafficSection `json:"sections,omitempty"`
}

// RouteSummary holds route totals
type RouteSummary struct {
	LengthInMeters        int        `json:"length_in_meters"`
	TravelTimeInSeconds   int        `json:"travel_time_in_seconds"`
	TrafficDelayInSeconds int        `json:"traffic_delay_in_seconds"`
	DepartureTime         *time.Time `json:"departure_time,omitempty"`
	ArrivalTime           *time.Time `json:"arrival_time,omitempty"`
}

// RouteLeg is the part of a route between two waypoints
type RouteLeg struct {
	Summary RouteSummary `json:"summary"`
	Points  []Coordinate `json:"points"`
}

// Guidance holds the turn-by-turn instructions
type Guidance struct {
	Instructions []Instruction `json:"instructions"`
}

// Instruction is a single turn-by-turn step. Point may be absent.
type Instruction struct {
	Message           string      `json:"message,omitempty"`
	Maneuver          string      `json:"maneuver,omitempty"`
	Street            string      `json:"street,omitempty"`
	RouteOffsetMeters int         `json:"route_offset_in_meters,omitempty"`
	Point             *Coordinate `json:"point,omitempty"`
}

// TrafficSection is a provider-flagged traffic incident along the route
type TrafficSection struct {
	StartPointIndex     int     `json:"start_point_index"`
	EndPointIndex       int     `json:"end_point_index"`
	SectionType         string  `json:"section_type"`
	SimpleCategory      string  `json:"simple_category,omitempty"`
	EffectiveSpeedInKmh float64 `json:"effective_speed_in_kmh,omitempty"`
	DelayInSeconds      int     `json:"delay_in_seconds,omitempty"`
	MagnitudeOfDelay    int     `json:"magnitude_of_delay,omitempty"`
}

// PointCount returns the number of leg points across all legs
func (r *RouteDescription) PointCount() int {
	n := 0
	for _, leg := range r.Legs {
		n += len(leg.Points)
	}
	return n
}
