package types

import (
	"fmt"
	"time"
)

// TravelMode selects the vehicle profile used by the routing provider
type TravelMode string

const (
	TravelModeCar        TravelMode = "car"
	TravelModeTruck      TravelMode = "truck"
	TravelModeTaxi       TravelMode = "taxi"
	TravelModeBus        TravelMode = "bus"
	TravelModeVan        TravelMode = "van"
	TravelModeMotorcycle TravelMode = "motorcycle"
	TravelModeBicycle    TravelMode = "bicycle"
	TravelModePedestrian TravelMode = "pedestrian"
)

// RouteType selects the optimisation target of the routing provider
type RouteType string

const (
	RouteTypeFastest   RouteType = "fastest"
	RouteTypeShortest  RouteType = "shortest"
	RouteTypeEco       RouteType = "eco"
	RouteTypeThrilling RouteType = "thrilling"
)

var validTravelModes = map[TravelMode]bool{
	TravelModeCar: true, TravelModeTruck: true, TravelModeTaxi: true, TravelModeBus: true,
	TravelModeVan: true, TravelModeMotorcycle: true, TravelModeBicycle: true, TravelModePedestrian: true,
}

var validRouteTypes = map[RouteType]bool{
	RouteTypeFastest: true, RouteTypeShortest: true, RouteTypeEco: true, RouteTypeThrilling: true,
}

// RouteRequest is a request to plan a route between two coordinates
type RouteRequest struct {
	ID          string     `json:"id,omitempty"`
	Origin      Coordinate `json:"origin"`
	Destination Coordinate `json:"destination"`
	TravelMode  TravelMode `json:"travel_mode,omitempty"`
	RouteType   RouteType  `json:"route_type,omitempty"`
	Avoid       []string   `json:"avoid,omitempty"`
	DepartAt    *time.Time `json:"depart_at,omitempty"`
	Language    string     `json:"language,omitempty"`

	IncludeTraffic   bool `json:"include_traffic"`
	IncludeNarrative bool `json:"include_narrative"`

	Timestamp time.Time `json:"-"`
}

// ApplyDefaults fills optional fields with provider defaults
func (r *RouteRequest) ApplyDefaults() {
	if r.TravelMode == "" {
		r.TravelMode = TravelModeCar
	}
	if r.RouteType == "" {
		r.RouteType = RouteTypeFastest
	}
	if r.Language == "" {
		r.Language = "en-GB"
	}
}

// Validate checks coordinates and enum fields
func (r *RouteRequest) Validate() error {
	if err := r.Origin.Validate(); err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if err := r.Destination.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if r.TravelMode != "" && !validTravelModes[r.TravelMode] {
		return fmt.Errorf("unsupported travel mode: %s", r.TravelMode)
	}
	if r.RouteType != "" && !validRouteTypes[r.RouteType] {
		return fmt.Errorf("unsupported route type: %s", r.RouteType)
	}
	return nil
}

// AnalyzeTrafficRequest carries a route description for standalone analysis
type AnalyzeTrafficRequest struct {
	Route *RouteDescription `json:"route"`
}

// InstructionTrafficRequest asks for the traffic around a single guidance point
type InstructionTrafficRequest struct {
	Route *RouteDescription `json:"route"`
	Point Coordinate        `json:"point"`
}

// PointTrafficRequest asks for the traffic at one location
type PointTrafficRequest struct {
	Point Coordinate `json:"point"`
}

// ResetBreakerRequest identifies a breaker to reset
type ResetBreakerRequest struct {
	Component string `json:"component"`
	Kind      string `json:"kind,omitempty"`
}
