package geo

import (
	"fmt"
	"math"
)

// Package geo holds the geographic primitives used throughout the engine:
// WGS84 points, bounding regions, and great-circle distance.

// Mean earth radius in meters, used for haversine distance.
const EarthRadiusM = 6371000.0

// Point is a geographic coordinate (WGS84 degrees).
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate returns an error if the point is outside the valid WGS84 range.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) {
		return fmt.Errorf("coordinate is NaN: %w", ErrOutOfRange)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v outside [-90,90]: %w", p.Lat, ErrOutOfRange)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude %v outside [-180,180]: %w", p.Lon, ErrOutOfRange)
	}
	return nil
}

// DistanceTo returns the haversine (great-circle) distance to 'b', in meters.
func (p Point) DistanceTo(b Point) float64 {
	lat1 := p.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - p.Lat) * math.Pi / 180
	dLon := (b.Lon - p.Lon) * math.Pi / 180
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * EarthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Bounds is a rectangular geographic region.
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MinLon float64 `json:"minLon"`
	MaxLat float64 `json:"maxLat"`
	MaxLon float64 `json:"maxLon"`
}

func (b Bounds) Validate() error {
	if err := (Point{Lat: b.MinLat, Lon: b.MinLon}).Validate(); err != nil {
		return err
	}
	if err := (Point{Lat: b.MaxLat, Lon: b.MaxLon}).Validate(); err != nil {
		return err
	}
	if b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon {
		return fmt.Errorf("degenerate bounds (%v,%v)-(%v,%v): %w", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon, ErrOutOfRange)
	}
	return nil
}

func (b Bounds) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

func (b Bounds) Center() Point {
	return Point{
		Lat: (b.MinLat + b.MaxLat) / 2,
		Lon: (b.MinLon + b.MaxLon) / 2,
	}
}
