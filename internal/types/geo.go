package types

import (
	"fmt"
	"math"
	"strconv"
)

const earthRadiusMeters = 6371000.0

// Coordinate is a WGS84 latitude/longitude pair
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NewCoordinate builds a coordinate and validates its ranges
func NewCoordinate(lat, lon float64) (Coordinate, error) {
	c := Coordinate{Lat: lat, Lon: lon}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

// Validate checks latitude and longitude ranges
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", c.Lat)
	}
	if math.IsNaN(c.Lon) || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", c.Lon)
	}
	return nil
}

// String renders the coordinate as "lat,lon", the form TomTom expects in paths
func (c Coordinate) String() string {
	return strconv.FormatFloat(c.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(c.Lon, 'f', -1, 64)
}

// DistanceTo returns the great-circle distance in metres
func (c Coordinate) DistanceTo(other Coordinate) float64 {
	lat1 := c.Lat * math.Pi / 180
	lat2 := other.Lat * math.Pi / 180
	dLat := (other.Lat - c.Lat) * math.Pi / 180
	dLon := (other.Lon - c.Lon) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// RouteSegment is the line between two consecutive route coordinates
type RouteSegment struct {
	ID    string     `json:"segment_id"`
	Start Coordinate `json:"start"`
	End   Coordinate `json:"end"`
}

// LengthMeters returns the haversine length of the segment
func (s RouteSegment) LengthMeters() float64 {
	return s.Start.DistanceTo(s.End)
}

// Bounds returns the tight bounding box around the segment
func (s RouteSegment) Bounds() BoundingBox {
	return BoundingBox{
		MinLat: math.Min(s.Start.Lat, s.End.Lat),
		MinLon: math.Min(s.Start.Lon, s.End.Lon),
		MaxLat: math.Max(s.Start.Lat, s.End.Lat),
		MaxLon: math.Max(s.Start.Lon, s.End.Lon),
	}
}

// BoundingBox is an axis-aligned lat/lon rectangle
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// Expand grows the box on each axis by margin times that axis' span
func (b BoundingBox) Expand(margin float64) BoundingBox {
	latPad := (b.MaxLat - b.MinLat) * margin
	lonPad := (b.MaxLon - b.MinLon) * margin
	return BoundingBox{
		MinLat: b.MinLat - latPad,
		MinLon: b.MinLon - lonPad,
		MaxLat: b.MaxLat + latPad,
		MaxLon: b.MaxLon + lonPad,
	}
}

// Center returns the midpoint of the box
func (b BoundingBox) Center() Coordinate {
	return Coordinate{
		Lat: (b.MinLat + b.MaxLat) / 2,
		Lon: (b.MinLon + b.MaxLon) / 2,
	}
}

// Contains reports whether the point lies inside the box, edges included
func (b BoundingBox) Contains(c Coordinate) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat && c.Lon >= b.MinLon && c.Lon <= b.MaxLon
}

// String renders the box as "minLat,minLon,maxLat,maxLon"
func (b BoundingBox) String() string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }
	return f(b.MinLat) + "," + f(b.MinLon) + "," + f(b.MaxLat) + "," + f(b.MaxLon)
}
