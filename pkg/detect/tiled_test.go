package detect

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeDetector reports one object in the center of every crop it is given.
type fakeDetector struct {
	config ModelConfig
}

func (f *fakeDetector) DetectObjects(img Image, params *DetectionParams) ([]RawDetection, error) {
	return []RawDetection{
		{
			Class:      0,
			Confidence: 0.9,
			Box:        MakeRect(img.CropWidth/2-10, img.CropHeight/2-10, img.CropWidth/2+10, img.CropHeight/2+10),
		},
	}, nil
}

func (f *fakeDetector) Config() *ModelConfig {
	return &f.config
}

func TestTiledDetectSingleTile(t *testing.T) {
	// Model input is larger than the image, so no tiling happens and the
	// box comes back unchanged.
	model := &fakeDetector{config: ModelConfig{Width: 1024, Height: 1024, Classes: []string{"school_crossing"}}}
	img := WholeImage(3, make([]byte, 3*640*640), 640, 640)

	objects, err := TiledDetect(model, img, NewDetectionParams(), 2)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Equal(t, MakeRect(310, 310, 330, 330), objects[0].Box)
}

func TestTiledDetectMultiTile(t *testing.T) {
	// Image larger than the model input forces tiling. The fake detector
	// fires once per tile, at tile centers, which are farther apart than the
	// merge IoU threshold, so each tile contributes a distinct object whose
	// coordinates are translated back into image space.
	model := &fakeDetector{config: ModelConfig{Width: 320, Height: 320, Classes: []string{"school_crossing"}}}
	img := WholeImage(3, make([]byte, 3*640*640), 640, 640)

	objects, err := TiledDetect(model, img, NewDetectionParams(), 4)
	require.NoError(t, err)
	require.Greater(t, len(objects), 1)
	for _, obj := range objects {
		require.GreaterOrEqual(t, obj.Box.X, 0)
		require.GreaterOrEqual(t, obj.Box.Y, 0)
		require.LessOrEqual(t, obj.Box.X2(), 640)
		require.LessOrEqual(t, obj.Box.Y2(), 640)
		require.Equal(t, float32(0.9), obj.Confidence)
	}
}

func TestCropBounds(t *testing.T) {
	img := WholeImage(3, make([]byte, 3*100*100), 100, 100)
	crop := img.Crop(10, 20, 60, 80)
	require.Equal(t, 50, crop.CropWidth)
	require.Equal(t, 60, crop.CropHeight)
	require.Equal(t, 10, crop.CropX)
	require.Equal(t, 20, crop.CropY)

	require.Panics(t, func() { img.Crop(50, 50, 150, 150) })
}
