package tomtom

import (
	"time"

	"github.com/tributary-ai/traffic-router/internal/types"
)

// Wire shapes of the calculateRoute response. Only the fields the router uses are decoded.

type routeResponse struct {
	Routes []routeJSON `json:"routes"`
}

type routeJSON struct {
	Summary  summaryJSON   `json:"summary"`
	Legs     []legJSON     `json:"legs"`
	Guidance *guidanceJSON `json:"guidance"`
	Sections []sectionJSON `json:"sections"`
}

type summaryJSON struct {
	LengthInMeters        int        `json:"lengthInMeters"`
	TravelTimeInSeconds   int        `json:"travelTimeInSeconds"`
	TrafficDelayInSeconds int        `json:"trafficDelayInSeconds"`
	DepartureTime         *time.Time `json:"departureTime"`
	ArrivalTime           *time.Time `json:"arrivalTime"`
}

type legJSON struct {
	Summary summaryJSON `json:"summary"`
	Points  []pointJSON `json:"points"`
}

type pointJSON struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type guidanceJSON struct {
	Instructions []instructionJSON `json:"instructions"`
}

type instructionJSON struct {
	Message             string     `json:"message"`
	Maneuver            string     `json:"maneuver"`
	Street              string     `json:"street"`
	RouteOffsetInMeters int        `json:"routeOffsetInMeters"`
	Point               *pointJSON `json:"point"`
}

type sectionJSON struct {
	StartPointIndex     int     `json:"startPointIndex"`
	EndPointIndex       int     `json:"endPointIndex"`
	SectionType         string  `json:"sectionType"`
	SimpleCategory      string  `json:"simpleCategory"`
	EffectiveSpeedInKmh float64 `json:"effectiveSpeedInKmh"`
	DelayInSeconds      int     `json:"delayInSeconds"`
	MagnitudeOfDelay    int     `json:"magnitudeOfDelay"`
}

func (p pointJSON) toCoordinate() types.Coordinate {
	return types.Coordinate{Lat: p.Latitude, Lon: p.Longitude}
}

func (s summaryJSON) toSummary() types.RouteSummary {
	return types.RouteSummary{
		LengthInMeters:        s.LengthInMeters,
		TravelTimeInSeconds:   s.TravelTimeInSeconds,
		TrafficDelayInSeconds: s.TrafficDelayInSeconds,
		DepartureTime:         s.DepartureTime,
		ArrivalTime:           s.ArrivalTime,
	}
}

func (r routeJSON) toRouteDescription() *types.RouteDescription {
	route := &types.RouteDescription{Summary: r.Summary.toSummary()}

	for _, leg := range r.Legs {
		points := make([]types.Coordinate, 0, len(leg.Points))
		for _, p := range leg.Points {
			points = append(points, p.toCoordinate())
		}
		route.Legs = append(route.Legs, types.RouteLeg{Summary: leg.Summary.toSummary(), Points: points})
	}

	if r.Guidance != nil {
		guidance := &types.Guidance{Instructions: make([]types.Instruction, 0, len(r.Guidance.Instructions))}
		for _, in := range r.Guidance.Instructions {
			instruction := types.Instruction{
				Message:           in.Message,
				Maneuver:          in.Maneuver,
				Street:            in.Street,
				RouteOffsetMeters: in.RouteOffsetInMeters,
			}
			if in.Point != nil {
				c := in.Point.toCoordinate()
				instruction.Point = &c
			}
			guidance.Instructions = append(guidance.Instructions, instruction)
		}
		route.Guidance = guidance
	}

	for _, s := range r.Sections {
		route.Sections = append(route.Sections, types.TrafficSection{
			StartPointIndex:     s.StartPointIndex,
			EndPointIndex:       s.EndPointIndex,
			SectionType:         s.SectionType,
			SimpleCategory:      s.SimpleCategory,
			EffectiveSpeedInKmh: s.EffectiveSpeedInKmh,
			DelayInSeconds:      s.DelayInSeconds,
			MagnitudeOfDelay:    s.MagnitudeOfDelay,
		})
	}

	return route
}
