package detect

// The vision model is an external collaborator. We only see its interface,
// and the raw per-image output it produces.

// Image is a crop of an RGB image. To create one, start with WholeImage(),
// and use Crop() for sub-crops.
type Image struct {
	NChan       int    // Number of channels (3 for RGB)
	Pixels      []byte // The whole image
	ImageWidth  int    // Width of the original image held in Pixels
	ImageHeight int    // Height of the original image held in Pixels
	CropX       int    // Origin of crop X
	CropY       int    // Origin of crop Y
	CropWidth   int    // Width of this crop
	CropHeight  int    // Height of this crop
}

// WholeImage returns a 'crop' of the entire image.
func WholeImage(nchan int, pixels []byte, width, height int) Image {
	return Image{
		NChan:       nchan,
		Pixels:      pixels,
		ImageWidth:  width,
		ImageHeight: height,
		CropWidth:   width,
		CropHeight:  height,
	}
}

// Crop returns a crop of the crop (new crop is relative to the existing one).
// Panics if any parameter is out of bounds.
func (c Image) Crop(x1, y1, x2, y2 int) Image {
	nc := Image{
		NChan:       c.NChan,
		Pixels:      c.Pixels,
		ImageWidth:  c.ImageWidth,
		ImageHeight: c.ImageHeight,
		CropX:       c.CropX + x1,
		CropY:       c.CropY + y1,
		CropWidth:   x2 - x1,
		CropHeight:  y2 - y1,
	}
	if nc.CropX < 0 || nc.CropY < 0 || nc.CropWidth < 0 || nc.CropHeight < 0 || nc.CropX+nc.CropWidth > c.ImageWidth || nc.CropY+nc.CropHeight > c.ImageHeight {
		panic("Crop out of bounds")
	}
	return nc
}

// RawDetection is one object found by the model in one image crop, in pixel
// space, before geographic placement.
type RawDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// DetectionParams are the thresholds handed to the model. Tuning them is out
// of our hands; we just carry whatever the configuration supplies.
type DetectionParams struct {
	ConfidenceThreshold float32 // Zero value uses the default
}

func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ConfidenceThreshold: DefaultConfidenceThreshold,
	}
}

// ModelConfig describes the external model's input size and class list.
type ModelConfig struct {
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Classes []string `json:"classes"`
}

// ObjectDetector is the external vision-model collaborator.
type ObjectDetector interface {
	// DetectObjects returns the objects found in the image crop.
	DetectObjects(img Image, params *DetectionParams) ([]RawDetection, error)

	// Config is assumed to remain constant for the detector's lifetime.
	Config() *ModelConfig
}
