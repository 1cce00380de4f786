package spatial

import (
	"math/rand"
	"testing"

	"github.com/infraroo/infraroo/pkg/geo"
	"github.com/stretchr/testify/require"
)

func randomCluster(rng *rand.Rand, n int) []geo.Point {
	// ~1km x 1km patch around Melbourne
	pts := make([]geo.Point, n)
	for i := range pts {
		pts[i] = geo.Point{
			Lat: -37.8136 + rng.Float64()*0.009,
			Lon: 144.9631 + rng.Float64()*0.011,
		}
	}
	return pts
}

func TestWithinMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	pts := randomCluster(rng, 300)
	idx := NewIndex(pts)

	for trial := 0; trial < 50; trial++ {
		q := randomCluster(rng, 1)[0]
		radius := 5 + rng.Float64()*100
		got := idx.Within(q, radius)

		want := []int{}
		for i, p := range pts {
			if q.DistanceTo(p) <= radius {
				want = append(want, i)
			}
		}
		require.Equal(t, want, got)
	}
}

func TestNearest(t *testing.T) {
	pts := []geo.Point{
		{Lat: -37.8136, Lon: 144.9631},
		{Lat: -37.8137, Lon: 144.9631}, // ~11m south of the first
		{Lat: -37.8200, Lon: 144.9700}, // far away
	}
	idx := NewIndex(pts)

	q := geo.Point{Lat: -37.81362, Lon: 144.9631}
	i, d := idx.Nearest(q, 20, 1e-9, nil)
	require.Equal(t, 0, i)
	require.Less(t, d, 5.0)

	i, _ = idx.Nearest(geo.Point{Lat: -37.8300, Lon: 144.9631}, 20, 1e-9, nil)
	require.Equal(t, -1, i)
}

func TestNearestTieBreak(t *testing.T) {
	// Two points symmetric about the query: equidistant within tolerance.
	pts := []geo.Point{
		{Lat: -37.81360, Lon: 144.96300},
		{Lat: -37.81370, Lon: 144.96300},
	}
	idx := NewIndex(pts)
	q := geo.Point{Lat: -37.81365, Lon: 144.96300}

	preferSecond := func(i, j int) bool { return i > j }
	i, _ := idx.Nearest(q, 20, 0.5, preferSecond)
	require.Equal(t, 1, i)

	preferFirst := func(i, j int) bool { return i < j }
	i, _ = idx.Nearest(q, 20, 0.5, preferFirst)
	require.Equal(t, 0, i)
}

func TestEmptyIndex(t *testing.T) {
	idx := NewIndex(nil)
	require.Empty(t, idx.Within(geo.Point{}, 100))
	i, _ := idx.Nearest(geo.Point{}, 100, 1e-9, nil)
	require.Equal(t, -1, i)
}
