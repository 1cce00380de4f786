package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/infraroo/infraroo/pkg/detect"
	"github.com/infraroo/infraroo/pkg/geo"
	"github.com/infraroo/infraroo/pkg/tiles"
	"github.com/infraroo/infraroo/server/imagery"
	"github.com/infraroo/infraroo/server/trackdb"
	"github.com/infraroo/infraroo/server/tracker"
)

// RunScanPass fetches every tile of the configured region, runs the detector
// on each, and feeds the geolocated detections through the tracker as one
// scan pass. Only one scan runs at a time.
//
// Per-tile failures are logged and skipped, but a pass with missing tiles
// does not get to declare locations disappeared: absence is only evidence if
// we actually looked everywhere.
func (s *Server) RunScanPass(ctx context.Context) (*trackdb.ScanPassSummary, error) {
	if s.Imagery == nil {
		return nil, imagery.ErrNoAPIKey
	}
	if s.detector == nil {
		return nil, ErrNoDetector
	}
	if !s.scanBusy.CompareAndSwap(false, true) {
		return nil, ErrScanBusy
	}
	defer s.scanBusy.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	s.scanCancel.Store(&cancel)
	defer func() {
		s.scanCancel.Store(nil)
		cancel()
	}()

	cfg := s.Config
	grid, err := tiles.NewGrid(cfg.Region, cfg.Zoom, cfg.TileSize, cfg.TileOverlapFraction)
	if err != nil {
		return nil, err
	}

	passID := uuid.NewString()
	startedAt := time.Now()
	s.Log.Infof("Scan pass %v starting: %v tiles at zoom %v", passID, grid.NumTiles(), cfg.Zoom)

	centers := make(chan geo.Point, grid.NumTiles())
	for {
		center, ok := grid.Next()
		if !ok {
			break
		}
		centers <- center
	}
	close(centers)

	var lock sync.Mutex
	allDetections := []detect.Detection{}
	failedTiles := 0

	var wg sync.WaitGroup
	for i := 0; i < cfg.ScanConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for center := range centers {
				if ctx.Err() != nil {
					return
				}
				dets, err := s.scanTile(ctx, center)
				lock.Lock()
				if err != nil {
					s.Log.Errorf("Scan pass %v: tile (%.6f,%.6f) failed: %v", passID, center.Lat, center.Lon, err)
					failedTiles++
				} else {
					allDetections = append(allDetections, dets...)
				}
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		s.Log.Warnf("Scan pass %v aborted: %v", passID, err)
		return nil, err
	}

	input := &tracker.PassInput{
		PassID:     passID,
		StartedAt:  startedAt,
		Zoom:       cfg.Zoom,
		Grid:       grid,
		Classes:    cfg.Classes,
		Detections: allDetections,
	}
	if failedTiles > 0 {
		s.Log.Warnf("Scan pass %v: %v tiles failed. Disabling the disappearance sweep for this pass.", passID, failedTiles)
		input.Grid = nil
	}

	summary, err := s.Tracker.RunPass(ctx, input)
	if err != nil {
		return summary, err
	}
	s.Log.Infof("Scan pass %v complete: %v detections, %v matched, %v new, %v disappeared",
		passID, summary.Merged, summary.Matched, summary.New, summary.Disappeared)
	return summary, nil
}

// scanTile fetches one tile, runs the detector, and geolocates its output.
func (s *Server) scanTile(ctx context.Context, center geo.Point) ([]detect.Detection, error) {
	cfg := s.Config
	tile, err := s.Imagery.Fetch(ctx, center, cfg.Zoom, cfg.TileSize)
	if err != nil {
		return nil, err
	}
	img, err := imagery.Decode(tile)
	if err != nil {
		return nil, err
	}

	objects, err := detect.TiledDetect(s.detector, img, detect.NewDetectionParams(), 1)
	if err != nil {
		return nil, err
	}

	classes := s.detector.Config().Classes
	dets := make([]detect.Detection, 0, len(objects))
	for _, obj := range objects {
		if obj.Class < 0 || obj.Class >= len(classes) {
			s.Log.Warnf("Detector returned unknown class %v on tile %v", obj.Class, tile.ID)
			continue
		}
		pos, err := detect.Geolocate(obj.Box, center, cfg.Zoom, img.CropWidth, img.CropHeight)
		if err != nil {
			s.Log.Warnf("Failed to geolocate detection on tile %v: %v", tile.ID, err)
			continue
		}
		dets = append(dets, detect.Detection{
			Class:         classes[obj.Class],
			Confidence:    obj.Confidence,
			Box:           obj.Box,
			Center:        pos,
			SourceImageID: tile.ID,
			Zoom:          cfg.Zoom,
			CapturedAt:    tile.FetchedAt,
		})
	}
	return dets, nil
}
