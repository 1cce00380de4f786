package tracker

import (
	"sort"

	"github.com/infraroo/infraroo/pkg/detect"
	"github.com/infraroo/infraroo/pkg/geo"
	"github.com/infraroo/infraroo/pkg/spatial"
	"github.com/infraroo/infraroo/server/trackdb"
)

// snapshot is the frozen view of one class's locations, taken at the start of
// a pass. All matching within the pass is against this view, so locations
// created mid-pass can never absorb detections from the same pass, and the
// result does not depend on the order in which detections are processed.
type snapshot struct {
	locations []trackdb.Location
	index     *spatial.Index
}

func makeSnapshot(locations []trackdb.Location) *snapshot {
	points := make([]geo.Point, len(locations))
	for i := range locations {
		points[i] = locations[i].Center()
	}
	return &snapshot{
		locations: locations,
		index:     spatial.NewIndex(points),
	}
}

// Distance ties closer than this are considered equal, and broken by
// detection count and then location ID.
const matchToleranceM = 0.01

// match returns the index into s.locations of the location that should absorb
// a detection at p, or -1 if the detection is beyond every location's buffer
// radius.
func (s *snapshot) match(p geo.Point) int {
	if len(s.locations) == 0 {
		return -1
	}
	maxRadius := 0.0
	for i := range s.locations {
		if s.locations[i].BufferRadiusM > maxRadius {
			maxRadius = s.locations[i].BufferRadiusM
		}
	}
	prefer := func(i, j int) bool {
		a, b := &s.locations[i], &s.locations[j]
		if a.DetectionCount != b.DetectionCount {
			return a.DetectionCount > b.DetectionCount
		}
		return a.ID < b.ID
	}
	// Candidates are gathered at the widest radius in the class, then each is
	// tested against its own buffer radius.
	best := -1
	bestDist := 0.0
	for _, i := range s.index.Within(p, maxRadius) {
		d := p.DistanceTo(s.locations[i].Center())
		if d > s.locations[i].BufferRadiusM {
			continue
		}
		switch {
		case best == -1 || d < bestDist-matchToleranceM:
			best, bestDist = i, d
		case d <= bestDist+matchToleranceM && prefer(i, best):
			best, bestDist = i, d
		}
	}
	return best
}

// cluster groups unmatched detections of one class so that each group becomes
// a single new location. The highest-ranked detection seeds a group and
// absorbs everything within radiusM of it. Seeds of distinct groups are
// therefore more than radiusM apart, which preserves the invariant that no
// two same-class locations sit within each other's buffer.
//
// Ranking is the same total order used by the overlap merger (confidence
// descending, then capture time, then source image ID), so grouping is
// independent of input order.
func cluster(dets []detect.Detection, radiusM float64) [][]detect.Detection {
	if len(dets) == 0 {
		return nil
	}
	sorted := append([]detect.Detection{}, dets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := &sorted[i], &sorted[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.CapturedAt.Equal(b.CapturedAt) {
			return a.CapturedAt.Before(b.CapturedAt)
		}
		return a.SourceImageID < b.SourceImageID
	})

	points := make([]geo.Point, len(sorted))
	for i := range sorted {
		points[i] = sorted[i].Center
	}
	index := spatial.NewIndex(points)

	assigned := make([]bool, len(sorted))
	groups := [][]detect.Detection{}
	for i := range sorted {
		if assigned[i] {
			continue
		}
		group := []detect.Detection{sorted[i]}
		assigned[i] = true
		for _, j := range index.Within(points[i], radiusM) {
			if !assigned[j] {
				group = append(group, sorted[j])
				assigned[j] = true
			}
		}
		groups = append(groups, group)
	}
	return groups
}
