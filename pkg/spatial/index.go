package spatial

import (
	"math"
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/infraroo/infraroo/pkg/geo"
)

// Index answers "which points lie within R meters of this query point"
// over a static set of geographic points. Both the cross-tile overlap merger
// and the location deduplicator are nearest-within-radius searches at
// different time scales, so they share this structure.
//
// Internally the points are projected onto a local equirectangular plane in
// meters, indexed with a flatbush packed R-tree, and candidates from the
// bounding-box search are filtered by exact haversine distance. The planar
// approximation is comfortably accurate at the sub-kilometer radii we use.
type Index struct {
	fb     *flatbush.Flatbush[float64]
	points []geo.Point
	cosLat float64
}

const metersPerDegree = 111320.0

// NewIndex builds an index over the given points. The slice is retained.
func NewIndex(points []geo.Point) *Index {
	s := &Index{
		fb:     flatbush.NewFlatbush[float64](),
		points: points,
		cosLat: 1,
	}
	if len(points) > 0 {
		s.cosLat = math.Cos(points[0].Lat * math.Pi / 180)
	}
	s.fb.Reserve(len(points))
	for _, p := range points {
		x, y := s.project(p)
		s.fb.Add(x, y, x, y)
	}
	s.fb.Finish()
	return s
}

func (s *Index) project(p geo.Point) (x, y float64) {
	return p.Lon * s.cosLat * metersPerDegree, p.Lat * metersPerDegree
}

// Within returns the indices of all points within radiusM meters of q,
// in ascending index order.
func (s *Index) Within(q geo.Point, radiusM float64) []int {
	if len(s.points) == 0 {
		return nil
	}
	x, y := s.project(q)
	out := []int{}
	for _, i := range s.fb.Search(x-radiusM, y-radiusM, x+radiusM, y+radiusM) {
		if q.DistanceTo(s.points[i]) <= radiusM {
			out = append(out, i)
		}
	}
	// The R-tree returns hits in tree order; make the result deterministic.
	sort.Ints(out)
	return out
}

// Nearest returns the index of the closest point within radiusM of q, and its
// distance. Returns -1 if nothing is in range. Ties within 'tolerance' meters
// are broken by the supplied 'prefer' function, which reports whether i should
// win over j; this keeps matching deterministic under input reordering.
func (s *Index) Nearest(q geo.Point, radiusM, tolerance float64, prefer func(i, j int) bool) (int, float64) {
	best := -1
	bestDist := math.MaxFloat64
	for _, i := range s.Within(q, radiusM) {
		d := q.DistanceTo(s.points[i])
		switch {
		case d < bestDist-tolerance:
			best, bestDist = i, d
		case d <= bestDist+tolerance && best != -1 && prefer != nil && prefer(i, best):
			best, bestDist = i, d
		}
	}
	return best, bestDist
}
