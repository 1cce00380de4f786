package detect

import (
	"sync"

	"github.com/bmharper/tiledinference"
)

// TiledDetect runs the model over the image, splitting the image into tiles
// if it is larger than the model's input, and merging duplicate boxes along
// the internal tile seams. If the model is at least as large as the image we
// run it directly, so it is safe to call this on any image.
//
// This handles duplication *within* one source image. Duplication across
// adjacent source images is geographic, and is handled by MergeOverlapping.
func TiledDetect(model ObjectDetector, img Image, params *DetectionParams, nThreads int) ([]RawDetection, error) {
	config := model.Config()

	// Keep some context around each tile so objects on a seam are seen whole
	// by at least one tile.
	minPadding := 32

	tiling := tiledinference.MakeTiling(img.CropWidth, img.CropHeight, config.Width, config.Height, minPadding)

	type tileJob struct {
		tx, ty int
	}
	jobs := make(chan tileJob, tiling.NumX*tiling.NumY)
	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			jobs <- tileJob{tx: tx, ty: ty}
		}
	}
	close(jobs)

	if nThreads < 1 {
		nThreads = 1
	}

	allObjects := []RawDetection{}
	allBoxes := []tiledinference.Box{}
	var lock sync.Mutex
	var firstErr error

	var wg sync.WaitGroup
	for i := 0; i < nThreads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				objects, boxes, err := detectTile(model, params, tiling, job.tx, job.ty, img)
				lock.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				allObjects = append(allObjects, objects...)
				allBoxes = append(allBoxes, boxes...)
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	finalClip := Rect{Width: img.CropWidth, Height: img.CropHeight}

	if tiling.IsSingle() {
		for i := range allObjects {
			allObjects[i].Box = allObjects[i].Box.Intersection(finalClip)
		}
		return allObjects, nil
	}

	merged := []RawDetection{}
	groups, mergedBoxes := tiledinference.MergeBoxes(tiling, allBoxes, nil)
	for igroup, group := range groups {
		newObj := allObjects[group[0]]
		r := mergedBoxes[igroup]
		newObj.Box = Rect{X: int(r.Rect.X1), Y: int(r.Rect.Y1), Width: int(r.Rect.Width()), Height: int(r.Rect.Height())}
		newObj.Box = newObj.Box.Intersection(finalClip)
		for _, el := range group[1:] {
			newObj.Confidence = max(newObj.Confidence, allObjects[el].Confidence)
		}
		merged = append(merged, newObj)
	}
	return merged, nil
}

// Returns two parallel arrays
func detectTile(model ObjectDetector, params *DetectionParams, tiling tiledinference.Tiling, tx, ty int, img Image) ([]RawDetection, []tiledinference.Box, error) {
	tileRect := tiling.TileRect(tx, ty)
	crop := img.Crop(int(tileRect.X1), int(tileRect.Y1), int(tileRect.X2), int(tileRect.Y2))
	objects, err := model.DetectObjects(crop, params)
	if err != nil {
		return nil, nil, err
	}
	boxes := []tiledinference.Box{}
	for i, obj := range objects {
		box := tiledinference.Box{
			Rect: tiledinference.Rect{
				X1: int32(obj.Box.X),
				Y1: int32(obj.Box.Y),
				X2: int32(obj.Box.X2()),
				Y2: int32(obj.Box.Y2()),
			},
			Class: int32(obj.Class),
			Tile:  tiling.MakeTileIndex(tx, ty),
		}
		box.Rect.Offset(int32(tileRect.X1), int32(tileRect.Y1))
		objects[i].Box.Offset(int(tileRect.X1), int(tileRect.Y1))
		boxes = append(boxes, box)
	}
	return objects, boxes, nil
}
