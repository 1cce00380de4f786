package detect

import (
	"fmt"
	"time"

	"github.com/infraroo/infraroo/pkg/geo"
)

// Package detect defines the detection data model shared by the imagery
// pipeline and the tracker, and the geometry that turns per-tile model output
// into geographically placed detections.

const DefaultConfidenceThreshold = 0.5

// Detection is a single object observed by the vision model in one source
// image, already placed in geographic space. Immutable once created.
type Detection struct {
	Class         string    `json:"class"`
	Confidence    float32   `json:"confidence"`
	Box           Rect      `json:"box"`    // Pixel-space box within the source image
	Center        geo.Point `json:"center"` // Geographic center, derived from Box via the projection
	SourceImageID string    `json:"sourceImageID"`
	Zoom          int       `json:"zoom"`
	CapturedAt    time.Time `json:"capturedAt"`
}

// ValidationError marks a malformed detection. Such detections are skipped
// and counted, never fatal to a scan pass.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid detection: " + e.Reason
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the detection's fields against the data model invariants.
func (d *Detection) Validate() error {
	if d.Class == "" {
		return validationErrorf("empty class")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return validationErrorf("confidence %v outside [0,1]", d.Confidence)
	}
	if d.Box.Width <= 0 || d.Box.Height <= 0 {
		return validationErrorf("degenerate box %vx%v", d.Box.Width, d.Box.Height)
	}
	if err := d.Center.Validate(); err != nil {
		return validationErrorf("center: %v", err)
	}
	if d.CapturedAt.IsZero() {
		return validationErrorf("zero capture time")
	}
	return nil
}

// Geolocate computes the geographic position of a pixel box's center within
// an image of imageWidth x imageHeight pixels whose center is at imageCenter.
func Geolocate(box Rect, imageCenter geo.Point, zoom, imageWidth, imageHeight int) (geo.Point, error) {
	cx, cy, err := geo.ToPixel(imageCenter, zoom)
	if err != nil {
		return geo.Point{}, err
	}
	c := box.Center()
	x := cx + float64(c.X) - float64(imageWidth)/2
	y := cy + float64(c.Y) - float64(imageHeight)/2
	return geo.ToGeo(x, y, zoom)
}

// ValidateAll splits detections into valid and rejected. Rejected items carry
// their individual validation errors so the pass report can sample them.
func ValidateAll(dets []Detection) (valid []Detection, rejected []error) {
	valid = make([]Detection, 0, len(dets))
	for i := range dets {
		if err := dets[i].Validate(); err != nil {
			rejected = append(rejected, fmt.Errorf("detection %v (image %v): %w", i, dets[i].SourceImageID, err))
		} else {
			valid = append(valid, dets[i])
		}
	}
	return valid, rejected
}
