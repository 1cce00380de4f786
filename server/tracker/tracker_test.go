package tracker

import (
	"context"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/infraroo/infraroo/pkg/detect"
	"github.com/infraroo/infraroo/pkg/geo"
	"github.com/infraroo/infraroo/pkg/tiles"
	"github.com/infraroo/infraroo/server/trackdb"
	"github.com/stretchr/testify/require"
)

var testBounds = geo.Bounds{MinLat: -37.8160, MinLon: 144.9610, MaxLat: -37.8110, MaxLon: 144.9660}

func day(n int) time.Time {
	return time.Date(2025, 3, n, 2, 0, 0, 0, time.UTC)
}

// offset returns a point roughly the given number of meters north and east of p.
func offset(p geo.Point, northM, eastM float64) geo.Point {
	const metersPerDegree = 111320.0
	return geo.Point{
		Lat: p.Lat + northM/metersPerDegree,
		Lon: p.Lon + eastM/(metersPerDegree*0.79), // cos(-37.8) ~ 0.79
	}
}

type testNotifier struct {
	lock        sync.Mutex
	transitions []trackdb.StatusTransition
	passes      []string
}

func (n *testNotifier) LocationTransitioned(trans trackdb.StatusTransition) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.transitions = append(n.transitions, trans)
}

func (n *testNotifier) PassCompleted(passID string, summary *trackdb.ScanPassSummary) {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.passes = append(n.passes, passID)
}

func newTestTracker(t *testing.T) (*Tracker, *trackdb.TrackDB, *testNotifier) {
	db, err := trackdb.Open(logs.NewTestingLog(t), filepath.Join(t.TempDir(), "trackdb.sqlite"))
	require.NoError(t, err)
	tr := NewTracker(logs.NewTestingLog(t), db, DefaultOptions())
	notifier := &testNotifier{}
	tr.SetNotifier(notifier)
	return tr, db, notifier
}

func testGrid(t *testing.T) *tiles.Grid {
	grid, err := tiles.NewGrid(testBounds, 20, 640, 0.1)
	require.NoError(t, err)
	return grid
}

func passInput(t *testing.T, passID string, dayN int, dets ...detect.Detection) *PassInput {
	return &PassInput{
		PassID:     passID,
		StartedAt:  day(dayN),
		Zoom:       20,
		Grid:       testGrid(t),
		Classes:    []string{"school_crossing", "bus_lane"},
		Detections: dets,
	}
}

func mkDet(class string, conf float32, center geo.Point, img string, at time.Time) detect.Detection {
	return detect.Detection{
		Class:         class,
		Confidence:    conf,
		Box:           detect.MakeRect(100, 100, 140, 150),
		Center:        center,
		SourceImageID: img,
		Zoom:          20,
		CapturedAt:    at,
	}
}

// A location is born NEW, gets confirmed by a second detection on a distinct
// capture date within the buffer radius, and accumulates a running mean
// confidence without moving its center.
func TestLifecycleNewToConfirmed(t *testing.T) {
	tr, db, notifier := newTestTracker(t)
	ctx := context.Background()
	p := testBounds.Center()

	summary, err := tr.RunPass(ctx, passInput(t, "p1", 1, mkDet("school_crossing", 0.9, p, "img1", day(1))))
	require.NoError(t, err)
	require.Equal(t, 1, summary.New)
	require.Equal(t, 0, summary.Matched)

	locs, err := db.AllLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	require.Equal(t, trackdb.LocationStatusNew, locs[0].Status)
	require.Equal(t, int64(1), locs[0].DetectionCount)
	require.InDelta(t, 0.9, locs[0].AvgConfidence, 1e-9)

	// Second pass, next day, 8m away: matches the same location.
	summary, err = tr.RunPass(ctx, passInput(t, "p2", 2, mkDet("school_crossing", 0.6, offset(p, 8, 0), "img2", day(2))))
	require.NoError(t, err)
	require.Equal(t, 0, summary.New)
	require.Equal(t, 1, summary.Matched)

	locs, err = db.AllLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	require.Equal(t, trackdb.LocationStatusConfirmed, locs[0].Status)
	require.Equal(t, int64(2), locs[0].DetectionCount)
	require.InDelta(t, 0.75, locs[0].AvgConfidence, 1e-9)

	// Center never moves after creation.
	require.InDelta(t, p.Lat, locs[0].CenterLat, 1e-9)
	require.InDelta(t, p.Lon, locs[0].CenterLon, 1e-9)

	require.Len(t, notifier.transitions, 2)
	require.Equal(t, trackdb.LocationStatusNew, notifier.transitions[0].NewStatus)
	require.Equal(t, trackdb.LocationStatusConfirmed, notifier.transitions[1].NewStatus)
	require.Equal(t, []string{"p1", "p2"}, notifier.passes)
}

// Two detections on the same capture date are not enough to confirm.
func TestConfirmationNeedsDistinctDates(t *testing.T) {
	tr, db, _ := newTestTracker(t)
	ctx := context.Background()
	p := testBounds.Center()

	_, err := tr.RunPass(ctx, passInput(t, "p1", 1, mkDet("school_crossing", 0.9, p, "img1", day(1))))
	require.NoError(t, err)
	_, err = tr.RunPass(ctx, passInput(t, "p2", 1,
		mkDet("school_crossing", 0.8, offset(p, 10, 0), "img2", day(1).Add(time.Hour))))
	require.NoError(t, err)

	locs, err := db.AllLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	require.Equal(t, trackdb.LocationStatusNew, locs[0].Status)
	require.Equal(t, int64(2), locs[0].DetectionCount)
}

// Absence only counts when the pass covered the location and persisted for
// disappear_passes consecutive passes; then re-detection revives the location
// with its counters intact.
func TestDisappearAndRevive(t *testing.T) {
	tr, db, _ := newTestTracker(t)
	ctx := context.Background()
	p := testBounds.Center()

	_, err := tr.RunPass(ctx, passInput(t, "p1", 1, mkDet("school_crossing", 0.9, p, "img1", day(1))))
	require.NoError(t, err)
	_, err = tr.RunPass(ctx, passInput(t, "p2", 2, mkDet("school_crossing", 0.7, offset(p, 5, 0), "img2", day(2))))
	require.NoError(t, err)

	// First covering pass with no detection: still CONFIRMED.
	summary, err := tr.RunPass(ctx, passInput(t, "p3", 3))
	require.NoError(t, err)
	require.Equal(t, 0, summary.Disappeared)
	loc, err := db.GetLocation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, trackdb.LocationStatusConfirmed, loc.Status)
	require.Equal(t, 1, loc.MissStreak)

	// Second consecutive miss: DISAPPEARED.
	summary, err = tr.RunPass(ctx, passInput(t, "p4", 4))
	require.NoError(t, err)
	require.Equal(t, 1, summary.Disappeared)
	loc, err = db.GetLocation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, trackdb.LocationStatusDisappeared, loc.Status)

	// Re-detection goes back to CONFIRMED, not NEW, and counters carry on.
	_, err = tr.RunPass(ctx, passInput(t, "p5", 5, mkDet("school_crossing", 0.8, offset(p, 3, 3), "img5", day(5))))
	require.NoError(t, err)
	loc, err = db.GetLocation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, trackdb.LocationStatusConfirmed, loc.Status)
	require.Equal(t, int64(3), loc.DetectionCount)
	require.Equal(t, 0, loc.MissStreak)
}

// A pass whose grid does not cover the location must not count as absence.
func TestNoCoverageNoMiss(t *testing.T) {
	tr, db, _ := newTestTracker(t)
	ctx := context.Background()
	p := testBounds.Center()

	_, err := tr.RunPass(ctx, passInput(t, "p1", 1, mkDet("school_crossing", 0.9, p, "img1", day(1))))
	require.NoError(t, err)

	// A pass over a disjoint region, same class scanned, nothing found.
	farBounds := geo.Bounds{MinLat: -37.90, MinLon: 145.10, MaxLat: -37.89, MaxLon: 145.11}
	farGrid, err := tiles.NewGrid(farBounds, 20, 640, 0.1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = tr.RunPass(ctx, &PassInput{
			PassID:    "far",
			StartedAt: day(2 + i),
			Zoom:      20,
			Grid:      farGrid,
			Classes:   []string{"school_crossing"},
		})
		require.NoError(t, err)
	}

	loc, err := db.GetLocation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, trackdb.LocationStatusNew, loc.Status)
	require.Equal(t, 0, loc.MissStreak)
}

func TestStablePromotion(t *testing.T) {
	tr, db, _ := newTestTracker(t)
	ctx := context.Background()
	p := testBounds.Center()

	for i := 1; i <= 4; i++ {
		_, err := tr.RunPass(ctx, passInput(t, "", i,
			mkDet("school_crossing", 0.8, offset(p, float64(i), 0), "img", day(i))))
		require.NoError(t, err)
	}

	// Pass 1 creates, pass 2 confirms, passes 2..4 are three consecutive
	// confirming passes.
	loc, err := db.GetLocation(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, trackdb.LocationStatusStable, loc.Status)
	require.Equal(t, 3, loc.ConfirmStreak)
}

// Re-running an identical pass against the resulting registry changes nothing:
// no new locations, no transitions, no counter movement.
func TestIdempotence(t *testing.T) {
	tr, db, notifier := newTestTracker(t)
	ctx := context.Background()
	p := testBounds.Center()

	pass1 := passInput(t, "p1", 1,
		mkDet("school_crossing", 0.9, p, "img1", day(1)),
		mkDet("school_crossing", 0.6, offset(p, 100, 0), "img1", day(1)),
		mkDet("bus_lane", 0.7, offset(p, 0, 40), "img2", day(1)))
	_, err := tr.RunPass(ctx, pass1)
	require.NoError(t, err)

	pass2 := passInput(t, "p2", 2, mkDet("school_crossing", 0.8, offset(p, 6, 0), "img3", day(2)))
	_, err = tr.RunPass(ctx, pass2)
	require.NoError(t, err)

	before, err := db.AllLocations(ctx)
	require.NoError(t, err)
	transitionsBefore := len(notifier.transitions)

	// Replay both passes, in both orders.
	for _, input := range []*PassInput{pass2, pass1, pass2} {
		summary, err := tr.RunPass(ctx, input)
		require.NoError(t, err)
		require.Equal(t, 0, summary.New)
		require.Equal(t, 0, summary.Matched)
		require.Empty(t, summary.Transitions)
	}

	after, err := db.AllLocations(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Len(t, notifier.transitions, transitionsBefore)
}

// The registry ends up identical regardless of the order detections arrive in.
func TestOrderIndependence(t *testing.T) {
	ctx := context.Background()
	p := testBounds.Center()
	base := []detect.Detection{
		mkDet("school_crossing", 0.9, p, "t1", day(1)),
		mkDet("school_crossing", 0.6, offset(p, 10, 0), "t2", day(1)),
		mkDet("school_crossing", 0.7, offset(p, 120, 0), "t3", day(1)),
		mkDet("school_crossing", 0.5, offset(p, 130, 5), "t4", day(1)),
		mkDet("bus_lane", 0.8, offset(p, 2, 2), "t1", day(1)),
	}

	run := func(dets []detect.Detection) []trackdb.Location {
		tr, db, _ := newTestTracker(t)
		_, err := tr.RunPass(ctx, passInput(t, "p1", 1, dets...))
		require.NoError(t, err)
		locs, err := db.AllLocations(ctx)
		require.NoError(t, err)
		return locs
	}

	want := run(base)
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		shuffled := append([]detect.Detection{}, base...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		require.Equal(t, want, run(shuffled))
	}
}

// No two same-class locations may ever sit within the buffer radius of each
// other, no matter how clumped the input is.
func TestMinimumSeparation(t *testing.T) {
	tr, db, _ := newTestTracker(t)
	ctx := context.Background()
	p := testBounds.Center()

	rng := rand.New(rand.NewSource(11))
	dets := []detect.Detection{}
	for i := 0; i < 60; i++ {
		q := offset(p, rng.Float64()*120-60, rng.Float64()*120-60)
		dets = append(dets, mkDet("school_crossing", 0.5+rng.Float32()*0.5, q, "img", day(1)))
	}
	_, err := tr.RunPass(ctx, passInput(t, "p1", 1, dets...))
	require.NoError(t, err)

	// A second clumped pass must still respect separation against pass 1's
	// locations.
	dets = dets[:0]
	for i := 0; i < 60; i++ {
		q := offset(p, rng.Float64()*120-60, rng.Float64()*120-60)
		dets = append(dets, mkDet("school_crossing", 0.5+rng.Float32()*0.5, q, "img2", day(2)))
	}
	_, err = tr.RunPass(ctx, passInput(t, "p2", 2, dets...))
	require.NoError(t, err)

	locs, err := db.AllLocations(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, locs)
	for i := range locs {
		for j := i + 1; j < len(locs); j++ {
			if locs[i].Class != locs[j].Class {
				continue
			}
			d := locs[i].Center().DistanceTo(locs[j].Center())
			require.Greater(t, d, DefaultOptions().DefaultBufferRadiusM,
				"locations %v and %v are %vm apart", locs[i].ID, locs[j].ID, d)
		}
	}
}

// Same geographic spot, different classes: separate locations.
func TestClassesAreIndependent(t *testing.T) {
	tr, db, _ := newTestTracker(t)
	ctx := context.Background()
	p := testBounds.Center()

	_, err := tr.RunPass(ctx, passInput(t, "p1", 1,
		mkDet("school_crossing", 0.9, p, "img1", day(1)),
		mkDet("bus_lane", 0.8, p, "img1", day(1))))
	require.NoError(t, err)

	locs, err := db.AllLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locs, 2)
}

// Invalid detections are counted and skipped, and the pass still completes
// with a summary.
func TestBadDetectionsAreIsolated(t *testing.T) {
	tr, db, _ := newTestTracker(t)
	ctx := context.Background()
	p := testBounds.Center()

	bad := mkDet("school_crossing", 1.5, p, "img1", day(1))
	good := mkDet("school_crossing", 0.9, offset(p, 50, 0), "img1", day(1))

	summary, err := tr.RunPass(ctx, passInput(t, "p1", 1, bad, good))
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Rejected)
	require.Equal(t, 1, summary.New)
	require.NotEmpty(t, summary.ErrorSamples)

	locs, err := db.AllLocations(ctx)
	require.NoError(t, err)
	require.Len(t, locs, 1)
}

func TestRecentSummaries(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	p := testBounds.Center()

	for i := 1; i <= 3; i++ {
		_, err := tr.RunPass(ctx, passInput(t, "", i, mkDet("school_crossing", 0.9, p, "img", day(i))))
		require.NoError(t, err)
	}
	recent := tr.RecentSummaries()
	require.Len(t, recent, 3)
	require.Equal(t, 1, recent[0].New)
	require.Equal(t, 0, recent[1].New)
}
