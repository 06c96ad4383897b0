package traffic

import (
	"fmt"

	"github.com/tributary-ai/traffic-router/internal/types"
)

// ExtractSegments turns a route description into consecutive coordinate pairs.
// Leg points are preferred; guidance instruction points are used only when the legs
// yield no segment. Invalid coordinates are skipped. A route with fewer than two
// usable coordinates yields an empty slice.
func ExtractSegments(route *types.RouteDescription) []types.RouteSegment {
	if route == nil {
		return []types.RouteSegment{}
	}
	if segments := segmentsFromLegs(route.Legs); len(segments) > 0 {
		return segments
	}
	if route.Guidance == nil {
		return []types.RouteSegment{}
	}
	return segmentsFromInstructions(route.Guidance.Instructions)
}

// segmentsFromLegs numbers segments across all legs: leg_0, leg_1, ...
func segmentsFromLegs(legs []types.RouteLeg) []types.RouteSegment {
	segments := []types.RouteSegment{}
	for _, leg := range legs {
		points := validPoints(leg.Points)
		for i := 0; i+1 < len(points); i++ {
			segments = append(segments, types.RouteSegment{
				ID:    fmt.Sprintf("leg_%d", len(segments)),
				Start: points[i],
				End:   points[i+1],
			})
		}
	}
	return segments
}

// segmentsFromInstructions pairs each instruction with its predecessor. The id
// carries the index of the later instruction.
func segmentsFromInstructions(instructions []types.Instruction) []types.RouteSegment {
	segments := []types.RouteSegment{}
	for i := 1; i < len(instructions); i++ {
		prev, cur := instructions[i-1].Point, instructions[i].Point
		if !usable(prev) || !usable(cur) {
			continue
		}
		segments = append(segments, types.RouteSegment{
			ID:    fmt.Sprintf("instruction_%d", i),
			Start: *prev,
			End:   *cur,
		})
	}
	return segments
}

func validPoints(points []types.Coordinate) []types.Coordinate {
	out := make([]types.Coordinate, 0, len(points))
	for _, p := range points {
		if p.Validate() == nil {
			out = append(out, p)
		}
	}
	return out
}

func usable(c *types.Coordinate) bool {
	return c != nil && c.Validate() == nil
}

// FindSegment returns the first segment whose bounding box contains point
func FindSegment(segments []types.RouteSegment, point types.Coordinate) (types.RouteSegment, bool) {
	for _, seg := range segments {
		if seg.Bounds().Contains(point) {
			return seg, true
		}
	}
	return types.RouteSegment{}, false
}
