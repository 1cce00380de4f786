package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Point{Lat: -37.8136, Lon: 144.9631}.Validate())
	require.NoError(t, Point{Lat: 90, Lon: -180}.Validate())
	require.ErrorIs(t, Point{Lat: 90.001, Lon: 0}.Validate(), ErrOutOfRange)
	require.ErrorIs(t, Point{Lat: 0, Lon: 180.5}.Validate(), ErrOutOfRange)
}

func TestHaversine(t *testing.T) {
	// Flinders Street Station to Melbourne Town Hall is roughly 300m
	a := Point{Lat: -37.8183, Lon: 144.9671}
	b := Point{Lat: -37.8152, Lon: 144.9666}
	d := a.DistanceTo(b)
	require.InDelta(t, 348, d, 20)

	// Identical points
	require.Equal(t, 0.0, a.DistanceTo(a))

	// Symmetry
	require.InDelta(t, a.DistanceTo(b), b.DistanceTo(a), 1e-9)

	// One degree of latitude is about 111.2 km
	c := Point{Lat: -36.8183, Lon: 144.9671}
	require.InDelta(t, 111195, a.DistanceTo(c), 100)
}

func TestBounds(t *testing.T) {
	b := Bounds{MinLat: -37.83, MinLon: 144.95, MaxLat: -37.80, MaxLon: 144.98}
	require.NoError(t, b.Validate())
	require.True(t, b.Contains(Point{Lat: -37.8136, Lon: 144.9631}))
	require.False(t, b.Contains(Point{Lat: -37.84, Lon: 144.9631}))
	require.InDelta(t, -37.815, b.Center().Lat, 1e-9)

	bad := Bounds{MinLat: -37.80, MinLon: 144.95, MaxLat: -37.83, MaxLon: 144.98}
	require.ErrorIs(t, bad.Validate(), ErrOutOfRange)
}
