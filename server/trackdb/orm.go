package trackdb

import (
	"github.com/cyclopcam/dbh"
	"github.com/infraroo/infraroo/pkg/geo"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type LocationStatus string

const (
	// First unmatched detection registered this location.
	LocationStatusNew LocationStatus = "NEW"
	// Matched again on a distinct capture date.
	LocationStatusConfirmed LocationStatus = "CONFIRMED"
	// Confirmed by enough consecutive passes.
	LocationStatusStable LocationStatus = "STABLE"
	// Covered by recent passes but not detected. Never deleted; a location
	// can come back from DISAPPEARED if it is re-detected.
	LocationStatusDisappeared LocationStatus = "DISAPPEARED"
)

// Location is one registered piece of physical infrastructure. Rows are
// mutated only through the tracker's update protocol, and never deleted.
// The center is fixed at creation so that downstream consumers can cache by
// center; drift correction would break that identity.
type Location struct {
	BaseModel
	Class          string         `json:"class"`
	CenterLat      float64        `json:"centerLat"`
	CenterLon      float64        `json:"centerLon"`
	BufferRadiusM  float64        `json:"bufferRadiusM"`
	FirstSeen      dbh.IntTime    `json:"firstSeen"`
	LastSeen       dbh.IntTime    `json:"lastSeen"`
	DetectionCount int64          `json:"detectionCount"`
	AvgConfidence  float64        `json:"avgConfidence"`
	Status         LocationStatus `json:"status"`

	// State-machine counters: consecutive covering passes with no match, and
	// consecutive passes with a match.
	MissStreak    int `json:"missStreak"`
	ConfirmStreak int `json:"confirmStreak"`

	// Capture time of the most recent imagery that covered this location.
	// A pass only moves the counters if its imagery is newer than this, so
	// re-running a pass on the same imagery is a no-op.
	LastSwept dbh.IntTime `json:"lastSwept"`
}

func (Location) TableName() string {
	return "location"
}

func (l *Location) Center() geo.Point {
	return geo.Point{Lat: l.CenterLat, Lon: l.CenterLon}
}

// Detection is the persisted form of one model observation. LocationID is
// null until the detection has been matched to (or has created) a location.
type Detection struct {
	BaseModel
	LocationID    *int64      `json:"locationID"`
	Class         string      `json:"class"`
	Confidence    float64     `json:"confidence"`
	XMin          int         `json:"xMin"`
	YMin          int         `json:"yMin"`
	XMax          int         `json:"xMax"`
	YMax          int         `json:"yMax"`
	Lat           float64     `json:"lat"`
	Lon           float64     `json:"lon"`
	SourceImageID string      `json:"sourceImageID"`
	CapturedAt    dbh.IntTime `json:"capturedAt"`
	PassID        string      `json:"passID"`
}

func (Detection) TableName() string {
	return "detection"
}

// ScanPass records the outcome of one scan pass, for auditability.
type ScanPass struct {
	BaseModel
	PassID     string                         `json:"passID"`
	StartedAt  dbh.IntTime                    `json:"startedAt"`
	FinishedAt dbh.IntTime                    `json:"finishedAt"`
	Zoom       int                            `json:"zoom"`
	Summary    *dbh.JSONField[ScanPassSummary] `json:"summary"`
}

func (ScanPass) TableName() string {
	return "scan_pass"
}

// ScanPassSummary is the pass-level report: a pass always completes with one
// of these, even when some items failed.
type ScanPassSummary struct {
	Processed   int `json:"processed"`   // Raw detections handed to the pass
	Rejected    int `json:"rejected"`    // Failed validation, skipped
	Merged      int `json:"merged"`      // Detections after cross-tile NMS
	Matched     int `json:"matched"`     // Matched to an existing location
	New         int `json:"new"`         // New locations registered
	Disappeared int `json:"disappeared"` // Locations transitioned to DISAPPEARED
	Deferred    int `json:"deferred"`    // Store failures deferred to the next pass

	Transitions []StatusTransition `json:"transitions"`

	// A few sample error messages from rejected/deferred items.
	ErrorSamples []string `json:"errorSamples,omitempty"`
}

// StatusTransition is one lifecycle change, reported in pass order to the
// change-notification collaborator.
type StatusTransition struct {
	LocationID int64          `json:"locationID"`
	Class      string         `json:"class"`
	OldStatus  LocationStatus `json:"oldStatus"`
	NewStatus  LocationStatus `json:"newStatus"`
	At         dbh.IntTime    `json:"at"`
}
