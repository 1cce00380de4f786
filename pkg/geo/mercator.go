package geo

import (
	"errors"
	"fmt"
	"math"
)

// Spherical Web Mercator projection between WGS84 degrees and global pixel
// coordinates at a given zoom level. At zoom z the world is a square of
// TileSize * 2^z pixels, with (0,0) at the north-west corner.

const TileSize = 256

const MinZoom = 1
const MaxZoom = 21

// Latitude limit of the Mercator projection. Beyond this the projection
// diverges, so we refuse to project.
const MaxLatitude = 85.05112877980659

// ErrOutOfRange is returned when a coordinate or zoom level is outside the
// range that the projection (or WGS84) supports.
var ErrOutOfRange = errors.New("out of range")

// WorldSize returns the width (= height) in pixels of the world at the given zoom.
func WorldSize(zoom int) float64 {
	return TileSize * math.Exp2(float64(zoom))
}

// ToPixel projects a geographic point into global pixel coordinates.
func ToPixel(p Point, zoom int) (x, y float64, err error) {
	if zoom < MinZoom || zoom > MaxZoom {
		return 0, 0, fmt.Errorf("zoom %v outside [%v,%v]: %w", zoom, MinZoom, MaxZoom, ErrOutOfRange)
	}
	if err := p.Validate(); err != nil {
		return 0, 0, err
	}
	if p.Lat < -MaxLatitude || p.Lat > MaxLatitude {
		return 0, 0, fmt.Errorf("latitude %v outside Mercator range ±%v: %w", p.Lat, MaxLatitude, ErrOutOfRange)
	}
	ws := WorldSize(zoom)
	sinY := math.Sin(p.Lat * math.Pi / 180)
	x = (p.Lon + 180) / 360 * ws
	y = (0.5 - math.Log((1+sinY)/(1-sinY))/(4*math.Pi)) * ws
	return x, y, nil
}

// ToGeo is the inverse of ToPixel.
func ToGeo(x, y float64, zoom int) (Point, error) {
	if zoom < MinZoom || zoom > MaxZoom {
		return Point{}, fmt.Errorf("zoom %v outside [%v,%v]: %w", zoom, MinZoom, MaxZoom, ErrOutOfRange)
	}
	ws := WorldSize(zoom)
	if x < 0 || x > ws || y < 0 || y > ws {
		return Point{}, fmt.Errorf("pixel (%v,%v) outside world of %v px: %w", x, y, ws, ErrOutOfRange)
	}
	lon := x/ws*360 - 180
	m := (0.5 - y/ws) * 2 * math.Pi
	lat := (2*math.Atan(math.Exp(m)) - math.Pi/2) * 180 / math.Pi
	return Point{Lat: lat, Lon: lon}, nil
}

// MetersPerPixel returns the ground resolution of the projection at the given
// latitude and zoom.
func MetersPerPixel(lat float64, zoom int) float64 {
	return 2 * math.Pi * EarthRadiusM * math.Cos(lat*math.Pi/180) / WorldSize(zoom)
}
