package detect

import (
	"sort"

	"github.com/infraroo/infraroo/pkg/geo"
	"github.com/infraroo/infraroo/pkg/spatial"
)

// MergeOverlapping suppresses duplicate detections of the same physical
// object introduced by tile overlap: adjacent source images overlap, so one
// object can be detected in two or more of them with near-identical
// geographic centers but different confidences (the model ran on slightly
// different crops).
//
// The algorithm is geographic non-max suppression per class: detections are
// visited in confidence-descending order, and each survivor suppresses all
// unsuppressed detections of its class within radiusM meters. Confidence
// ties break by earliest capture time, then source image ID, so the result
// does not depend on input ordering.
//
// Each output detection keeps the survivor's fields, except:
//   - Confidence is the maximum of the merged group (the survivor's, by
//     construction), and
//   - Center is the confidence-weighted centroid of the group, so
//     higher-confidence observations pull the merged center toward them.
func MergeOverlapping(dets []Detection, radiusM float64) []Detection {
	if len(dets) <= 1 {
		return append([]Detection{}, dets...)
	}

	byClass := map[string][]Detection{}
	classes := []string{}
	for _, d := range dets {
		if _, ok := byClass[d.Class]; !ok {
			classes = append(classes, d.Class)
		}
		byClass[d.Class] = append(byClass[d.Class], d)
	}
	sort.Strings(classes)

	out := []Detection{}
	for _, class := range classes {
		out = append(out, mergeClass(byClass[class], radiusM)...)
	}
	return out
}

func mergeClass(dets []Detection, radiusM float64) []Detection {
	sort.Slice(dets, func(i, j int) bool {
		a, b := &dets[i], &dets[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.CapturedAt.Equal(b.CapturedAt) {
			return a.CapturedAt.Before(b.CapturedAt)
		}
		return a.SourceImageID < b.SourceImageID
	})

	centers := make([]geo.Point, len(dets))
	for i := range dets {
		centers[i] = dets[i].Center
	}
	index := spatial.NewIndex(centers)

	suppressed := make([]bool, len(dets))
	out := []Detection{}
	for i := range dets {
		if suppressed[i] {
			continue
		}
		group := []int{i}
		suppressed[i] = true
		for _, j := range index.Within(dets[i].Center, radiusM) {
			if !suppressed[j] {
				suppressed[j] = true
				group = append(group, j)
			}
		}

		merged := dets[i]
		merged.Center = weightedCentroid(dets, group)
		out = append(out, merged)
	}
	return out
}

func weightedCentroid(dets []Detection, group []int) geo.Point {
	sumW := 0.0
	lat := 0.0
	lon := 0.0
	for _, j := range group {
		w := float64(dets[j].Confidence)
		sumW += w
		lat += dets[j].Center.Lat * w
		lon += dets[j].Center.Lon * w
	}
	if sumW == 0 {
		// All-zero confidence group: fall back to the unweighted mean.
		for _, j := range group {
			lat += dets[j].Center.Lat
			lon += dets[j].Center.Lon
		}
		return geo.Point{Lat: lat / float64(len(group)), Lon: lon / float64(len(group))}
	}
	return geo.Point{Lat: lat / sumW, Lon: lon / sumW}
}
