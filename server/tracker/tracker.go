package tracker

// Package tracker reconciles merged detections against the location registry:
// it matches detections to known locations, registers new locations, and runs
// the lifecycle state machine (NEW -> CONFIRMED -> STABLE, and in/out of
// DISAPPEARED).

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"github.com/infraroo/infraroo/pkg/detect"
	"github.com/infraroo/infraroo/pkg/tiles"
	"github.com/infraroo/infraroo/server/trackdb"
)

type Options struct {
	// Cross-tile duplicates closer than this are merged into one detection.
	MergeRadiusM float64

	// A detection within this distance of an existing same-class location is
	// evidence for that location, not a new one. Per-class overrides win over
	// the default.
	DefaultBufferRadiusM float64
	BufferRadiusByClass  map[string]float64

	// NEW is promoted to CONFIRMED once a location has detections from this
	// many distinct capture days.
	ConfirmPasses int

	// CONFIRMED is promoted to STABLE after this many consecutive passes with
	// a match.
	StablePasses int

	// A covered location with this many consecutive missed passes transitions
	// to DISAPPEARED.
	DisappearPasses int

	// Number of recent pass summaries kept in memory.
	RecentPasses int
}

func DefaultOptions() Options {
	return Options{
		MergeRadiusM:         5,
		DefaultBufferRadiusM: 20,
		ConfirmPasses:        2,
		StablePasses:         3,
		DisappearPasses:      2,
		RecentPasses:         32,
	}
}

func (o *Options) bufferRadius(class string) float64 {
	if r, ok := o.BufferRadiusByClass[class]; ok {
		return r
	}
	return o.DefaultBufferRadiusM
}

// Notifier receives lifecycle changes as they are committed. Implementations
// must not block; the tracker calls them synchronously from the pass.
type Notifier interface {
	LocationTransitioned(trans trackdb.StatusTransition)
	PassCompleted(passID string, summary *trackdb.ScanPassSummary)
}

// PassInput is one scan pass worth of detections, plus the coverage needed to
// decide which known locations the pass should have seen.
type PassInput struct {
	PassID     string // Empty means generate one
	StartedAt  time.Time
	Zoom       int
	Grid       *tiles.Grid // Coverage of this pass. Nil disables the disappearance sweep.
	Classes    []string    // Classes the model scanned for, even if it found none
	Detections []detect.Detection
}

type Tracker struct {
	log      logs.Log
	db       *trackdb.TrackDB
	options  Options
	notifier Notifier

	// Serializes passes that touch the same class. Two concurrent passes over
	// disjoint classes proceed in parallel.
	classLock  sync.Mutex
	classLocks map[string]*sync.Mutex

	recentLock sync.Mutex
	recent     ringbuffer.RingP[trackdb.ScanPassSummary]
}

func NewTracker(log logs.Log, db *trackdb.TrackDB, options Options) *Tracker {
	if options.RecentPasses <= 0 {
		options.RecentPasses = DefaultOptions().RecentPasses
	}
	return &Tracker{
		log:        log,
		db:         db,
		options:    options,
		classLocks: map[string]*sync.Mutex{},
		recent:     ringbuffer.NewRingP[trackdb.ScanPassSummary](options.RecentPasses),
	}
}

// SetNotifier must be called before the first pass.
func (t *Tracker) SetNotifier(n Notifier) {
	t.notifier = n
}

// RecentSummaries returns the most recent in-memory pass summaries, oldest
// first.
func (t *Tracker) RecentSummaries() []trackdb.ScanPassSummary {
	t.recentLock.Lock()
	defer t.recentLock.Unlock()
	out := make([]trackdb.ScanPassSummary, 0, t.recent.Len())
	for i := 0; i < t.recent.Len(); i++ {
		out = append(out, t.recent.Peek(i))
	}
	return out
}

// RunPass runs the full reconciliation pipeline on one pass of detections:
// validate, merge cross-tile duplicates, match against the registry, register
// new locations, then sweep for disappearances. The pass always produces a
// summary; individual bad detections are counted and skipped, and store
// failures defer the affected update to a later pass rather than aborting.
func (t *Tracker) RunPass(ctx context.Context, input *PassInput) (*trackdb.ScanPassSummary, error) {
	passID := input.PassID
	if passID == "" {
		passID = uuid.NewString()
	}
	startedAt := input.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	summary := &trackdb.ScanPassSummary{}
	summary.Processed = len(input.Detections)

	valid, rejected := detect.ValidateAll(input.Detections)
	summary.Rejected = len(rejected)
	for _, err := range rejected {
		t.log.Warnf("Pass %v: %v", passID, err)
		if len(summary.ErrorSamples) < 5 {
			summary.ErrorSamples = append(summary.ErrorSamples, err.Error())
		}
	}

	merged := detect.MergeOverlapping(valid, t.options.MergeRadiusM)
	summary.Merged = len(merged)

	byClass := map[string][]detect.Detection{}
	for _, d := range merged {
		byClass[d.Class] = append(byClass[d.Class], d)
	}
	classes := map[string]bool{}
	for _, c := range input.Classes {
		classes[c] = true
	}
	for c := range byClass {
		classes[c] = true
	}
	sortedClasses := make([]string, 0, len(classes))
	for c := range classes {
		sortedClasses = append(sortedClasses, c)
	}
	sort.Strings(sortedClasses)

	for _, class := range sortedClasses {
		if err := ctx.Err(); err != nil {
			// Aborted between class boundaries. Committed updates stay.
			return summary, err
		}
		t.runClass(ctx, passID, startedAt, input, class, byClass[class], summary)
	}

	pass := &trackdb.ScanPass{
		PassID:     passID,
		StartedAt:  dbh.MakeIntTime(startedAt),
		FinishedAt: dbh.MakeIntTime(time.Now()),
		Zoom:       input.Zoom,
		Summary:    dbh.MakeJSONField(*summary),
	}
	if err := t.db.SavePass(ctx, pass); err != nil {
		t.log.Errorf("Pass %v: failed to save pass record: %v", passID, err)
	}

	t.recentLock.Lock()
	t.recent.Add(*summary)
	t.recentLock.Unlock()

	if t.notifier != nil {
		t.notifier.PassCompleted(passID, summary)
	}
	return summary, nil
}

// runClass reconciles one class's detections. Store errors defer the affected
// update and are counted; they never abort the class.
func (t *Tracker) runClass(ctx context.Context, passID string, startedAt time.Time, input *PassInput, class string, dets []detect.Detection, summary *trackdb.ScanPassSummary) {
	lock := t.lockForClass(class)
	lock.Lock()
	defer lock.Unlock()

	existing, err := t.db.LocationsByClass(ctx, class)
	if err != nil {
		t.log.Errorf("Pass %v: failed to load locations for class %v: %v", passID, class, err)
		summary.Deferred += len(dets)
		return
	}
	snap := makeSnapshot(existing)

	// The imagery time of this pass. Counters only move when imagery is newer
	// than a location's last sweep, which is what makes replays no-ops.
	observedAt := time.Time{}
	for _, d := range dets {
		if d.CapturedAt.After(observedAt) {
			observedAt = d.CapturedAt
		}
	}
	if observedAt.IsZero() {
		observedAt = startedAt
	}

	// Matching is against the frozen snapshot only, so the outcome does not
	// depend on detection order, and locations created by this pass cannot
	// absorb its other detections.
	matched := map[int64]bool{}  // New evidence recorded this pass
	shielded := map[int64]bool{} // Evidence already recorded by an earlier pass
	pending := map[int64]*trackdb.Location{}
	unmatched := []detect.Detection{}

	for _, d := range dets {
		idx := snap.match(d.Center)
		if idx < 0 {
			unmatched = append(unmatched, d)
			continue
		}
		loc := pending[snap.locations[idx].ID]
		if loc == nil {
			cp := snap.locations[idx]
			loc = &cp
			pending[loc.ID] = loc
		}
		row := detectionRow(d, passID)
		row.LocationID = &loc.ID
		inserted, err := t.db.InsertDetection(ctx, row)
		if err != nil {
			t.log.Errorf("Pass %v: failed to record detection for location %v: %v", passID, loc.ID, err)
			summary.Deferred++
			continue
		}
		if !inserted {
			shielded[loc.ID] = true
			continue
		}
		matched[loc.ID] = true
		summary.Matched++
		loc.AvgConfidence = (loc.AvgConfidence*float64(loc.DetectionCount) + float64(d.Confidence)) / float64(loc.DetectionCount+1)
		loc.DetectionCount++
		if dbh.MakeIntTime(d.CapturedAt) > loc.LastSeen {
			loc.LastSeen = dbh.MakeIntTime(d.CapturedAt)
		}
	}

	t.registerNew(ctx, passID, startedAt, class, unmatched, summary)
	t.sweep(ctx, passID, startedAt, input, snap, matched, shielded, pending, observedAt, summary)
}

// registerNew creates one location per cluster of unmatched detections.
func (t *Tracker) registerNew(ctx context.Context, passID string, startedAt time.Time, class string, unmatched []detect.Detection, summary *trackdb.ScanPassSummary) {
	radius := t.options.bufferRadius(class)
	for _, group := range cluster(unmatched, radius) {
		seed := group[0]
		first, last := seed.CapturedAt, seed.CapturedAt
		confidence := 0.0
		for _, d := range group {
			if d.CapturedAt.Before(first) {
				first = d.CapturedAt
			}
			if d.CapturedAt.After(last) {
				last = d.CapturedAt
			}
			confidence += float64(d.Confidence)
		}
		loc := &trackdb.Location{
			Class:          class,
			CenterLat:      seed.Center.Lat,
			CenterLon:      seed.Center.Lon,
			BufferRadiusM:  radius,
			FirstSeen:      dbh.MakeIntTime(first),
			LastSeen:       dbh.MakeIntTime(last),
			DetectionCount: 0,
			AvgConfidence:  confidence / float64(len(group)),
			Status:         trackdb.LocationStatusNew,
			LastSwept:      dbh.MakeIntTime(last),
		}
		if err := t.db.CreateLocation(ctx, loc); err != nil {
			t.log.Errorf("Pass %v: failed to create location for class %v: %v", passID, class, err)
			summary.Deferred += len(group)
			continue
		}
		count := int64(0)
		for _, d := range group {
			row := detectionRow(d, passID)
			row.LocationID = &loc.ID
			inserted, err := t.db.InsertDetection(ctx, row)
			if err != nil {
				t.log.Errorf("Pass %v: failed to record detection for new location %v: %v", passID, loc.ID, err)
				summary.Deferred++
				continue
			}
			if inserted {
				count++
			}
		}
		loc.DetectionCount = count
		if err := t.db.SaveLocation(ctx, loc); err != nil {
			t.log.Errorf("Pass %v: failed to save new location %v: %v", passID, loc.ID, err)
			summary.Deferred++
			continue
		}
		summary.New++
		t.transition(summary, loc, "", trackdb.LocationStatusNew, startedAt)
	}
}

// sweep applies the state machine to every location in the snapshot.
func (t *Tracker) sweep(ctx context.Context, passID string, startedAt time.Time, input *PassInput, snap *snapshot, matched, shielded map[int64]bool, pending map[int64]*trackdb.Location, observedAt time.Time, summary *trackdb.ScanPassSummary) {
	observed := dbh.MakeIntTime(observedAt)
	for i := range snap.locations {
		id := snap.locations[i].ID
		switch {
		case matched[id]:
			loc := pending[id]
			old := loc.Status
			loc.MissStreak = 0
			loc.ConfirmStreak++
			if observed > loc.LastSwept {
				loc.LastSwept = observed
			}
			switch loc.Status {
			case trackdb.LocationStatusDisappeared:
				// Re-detection: the location comes back with its history
				// intact. Never back to NEW.
				loc.Status = trackdb.LocationStatusConfirmed
			case trackdb.LocationStatusNew:
				days, err := t.db.DistinctCaptureDays(ctx, loc.ID)
				if err != nil {
					t.log.Errorf("Pass %v: failed to count capture days for location %v: %v", passID, loc.ID, err)
				} else if days >= t.options.ConfirmPasses {
					loc.Status = trackdb.LocationStatusConfirmed
				}
			}
			if loc.Status == trackdb.LocationStatusConfirmed && loc.ConfirmStreak >= t.options.StablePasses {
				loc.Status = trackdb.LocationStatusStable
			}
			if err := t.db.SaveLocation(ctx, loc); err != nil {
				t.log.Errorf("Pass %v: failed to save location %v: %v", passID, loc.ID, err)
				summary.Deferred++
				continue
			}
			if loc.Status != old {
				t.transition(summary, loc, old, loc.Status, startedAt)
			}

		case shielded[id]:
			// All of this pass's evidence for the location was already
			// recorded by an earlier pass. Touch nothing.

		default:
			loc := &snap.locations[i]
			if input.Grid == nil || !input.Grid.Covers(loc.Center()) {
				// The pass never looked here; absence is not evidence.
				continue
			}
			if observed <= loc.LastSwept {
				// Same or older imagery than we have already counted.
				continue
			}
			old := loc.Status
			loc.MissStreak++
			loc.ConfirmStreak = 0
			loc.LastSwept = observed
			if loc.MissStreak >= t.options.DisappearPasses && loc.Status != trackdb.LocationStatusDisappeared {
				loc.Status = trackdb.LocationStatusDisappeared
			}
			if err := t.db.SaveLocation(ctx, loc); err != nil {
				t.log.Errorf("Pass %v: failed to save location %v: %v", passID, loc.ID, err)
				summary.Deferred++
				continue
			}
			if loc.Status != old {
				summary.Disappeared++
				t.transition(summary, loc, old, loc.Status, startedAt)
			}
		}
	}
}

func (t *Tracker) transition(summary *trackdb.ScanPassSummary, loc *trackdb.Location, from, to trackdb.LocationStatus, at time.Time) {
	trans := trackdb.StatusTransition{
		LocationID: loc.ID,
		Class:      loc.Class,
		OldStatus:  from,
		NewStatus:  to,
		At:         dbh.MakeIntTime(at),
	}
	summary.Transitions = append(summary.Transitions, trans)
	if t.notifier != nil {
		t.notifier.LocationTransitioned(trans)
	}
}

func (t *Tracker) lockForClass(class string) *sync.Mutex {
	t.classLock.Lock()
	defer t.classLock.Unlock()
	lock := t.classLocks[class]
	if lock == nil {
		lock = &sync.Mutex{}
		t.classLocks[class] = lock
	}
	return lock
}

func detectionRow(d detect.Detection, passID string) *trackdb.Detection {
	return &trackdb.Detection{
		Class:         d.Class,
		Confidence:    float64(d.Confidence),
		XMin:          d.Box.X,
		YMin:          d.Box.Y,
		XMax:          d.Box.X2(),
		YMax:          d.Box.Y2(),
		Lat:           d.Center.Lat,
		Lon:           d.Center.Lon,
		SourceImageID: d.SourceImageID,
		CapturedAt:    dbh.MakeIntTime(d.CapturedAt),
		PassID:        passID,
	}
}
