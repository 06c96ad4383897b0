package traffic

import (
	"strings"

	"github.com/tributary-ai/traffic-router/internal/types"
)

// SectionTypeTraffic marks a route section the provider flagged for traffic
const SectionTypeTraffic = "TRAFFIC"

// ExtractJamPairs resolves every traffic section of a route to its start and end
// coordinates. Point indices address the leg points of the whole route in order.
// Sections whose indices fall outside the points are skipped.
func ExtractJamPairs(route *types.RouteDescription) []types.JamPair {
	pairs := []types.JamPair{}
	if route == nil || len(route.Sections) == 0 {
		return pairs
	}

	var points []types.Coordinate
	for _, leg := range route.Legs {
		points = append(points, leg.Points...)
	}

	index := 0
	for _, section := range route.Sections {
		if !strings.EqualFold(section.SectionType, SectionTypeTraffic) {
			continue
		}
		i := index
		index++

		start, end := section.StartPointIndex, section.EndPointIndex
		if start < 0 || end < start || end >= len(points) {
			continue
		}
		pairs = append(pairs, types.JamPair{
			SectionIndex:      i,
			Start:             points[start],
			End:               points[end],
			Category:          section.SimpleCategory,
			DelaySeconds:      section.DelayInSeconds,
			MagnitudeOfDelay:  section.MagnitudeOfDelay,
			EffectiveSpeedKmh: section.EffectiveSpeedInKmh,
		})
	}
	return pairs
}

// SummarizeJams totals the jam pairs against the route summary
func SummarizeJams(route *types.RouteDescription, pairs []types.JamPair) types.JamSummary {
	summary := types.JamSummary{Sections: len(pairs)}
	for _, p := range pairs {
		summary.TotalDelaySeconds += p.DelaySeconds
	}
	if route != nil {
		summary.LengthInMeters = route.Summary.LengthInMeters
		summary.TravelTimeSeconds = route.Summary.TravelTimeInSeconds
	}
	return summary
}
