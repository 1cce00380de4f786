package render

// Package render draws detections and tracked locations on top of a satellite
// tile, for eyeballing what the pipeline did. It is a QA aid, not part of the
// scan path.

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/infraroo/infraroo/pkg/detect"
	"github.com/infraroo/infraroo/pkg/gen"
	"github.com/infraroo/infraroo/pkg/geo"
	"github.com/infraroo/infraroo/server/trackdb"
)

// Palette assigned to classes in first-seen order. Wraps around if there are
// more classes than colors.
var classColors = []color.RGBA{
	{R: 255, G: 64, B: 64, A: 255},
	{R: 64, G: 160, B: 255, A: 255},
	{R: 64, G: 220, B: 96, A: 255},
	{R: 255, G: 200, B: 0, A: 255},
	{R: 200, G: 96, B: 255, A: 255},
	{R: 255, G: 128, B: 0, A: 255},
}

// Labels closer together than this are cluttering, not informing. Later
// labels within this distance of an earlier one are skipped.
const minLabelSpacing = 14

type Overlay struct {
	dc      *gg.Context
	center  geo.Point
	zoom    int
	width   int
	height  int
	classes map[string]color.RGBA
	labels  []detect.Point // Anchors of labels drawn so far
}

// NewOverlay copies a decoded RGB tile into a drawable canvas. The tile's
// geographic center and zoom are needed to place locations, which are stored
// in geographic coordinates.
func NewOverlay(img detect.Image, center geo.Point, zoom int) (*Overlay, error) {
	if img.NChan != 3 {
		return nil, fmt.Errorf("expected a 3 channel RGB image, but image has %v channels", img.NChan)
	}
	canvas := image.NewRGBA(image.Rect(0, 0, img.CropWidth, img.CropHeight))
	for y := 0; y < img.CropHeight; y++ {
		src := img.Pixels[(y+img.CropY)*img.ImageWidth*3+img.CropX*3:]
		dst := canvas.Pix[y*canvas.Stride:]
		for x := 0; x < img.CropWidth; x++ {
			dst[x*4] = src[x*3]
			dst[x*4+1] = src[x*3+1]
			dst[x*4+2] = src[x*3+2]
			dst[x*4+3] = 255
		}
	}
	return &Overlay{
		dc:      gg.NewContextForRGBA(canvas),
		center:  center,
		zoom:    zoom,
		width:   img.CropWidth,
		height:  img.CropHeight,
		classes: map[string]color.RGBA{},
	}, nil
}

func (o *Overlay) classColor(class string) color.RGBA {
	if c, ok := o.classes[class]; ok {
		return c
	}
	c := classColors[len(o.classes)%len(classColors)]
	o.classes[class] = c
	return c
}

// drawLabel draws text near (x, y), nudged so it stays on the canvas, and
// skipped when it would land on top of an earlier label. Returns whether the
// label was drawn.
func (o *Overlay) drawLabel(text string, x, y float64) bool {
	at := detect.Point{
		X: gen.Clamp(int(x), 2, o.width-2),
		Y: gen.Clamp(int(y), minLabelSpacing, o.height-2),
	}
	for _, prev := range o.labels {
		if at.Distance(prev) < minLabelSpacing {
			return false
		}
	}
	o.labels = append(o.labels, at)
	o.dc.DrawString(text, float64(at.X), float64(at.Y))
	return true
}

// pixel converts a geographic point to canvas coordinates.
func (o *Overlay) pixel(p geo.Point) (float64, float64, error) {
	cx, cy, err := geo.ToPixel(o.center, o.zoom)
	if err != nil {
		return 0, 0, err
	}
	px, py, err := geo.ToPixel(p, o.zoom)
	if err != nil {
		return 0, 0, err
	}
	return px - cx + float64(o.width)/2, py - cy + float64(o.height)/2, nil
}

// DrawDetection outlines a detection's pixel box and writes its confidence
// above the box.
func (o *Overlay) DrawDetection(d *detect.Detection) {
	c := o.classColor(d.Class)
	o.dc.SetColor(c)
	o.dc.SetLineWidth(2)
	o.dc.DrawRectangle(float64(d.Box.X), float64(d.Box.Y), float64(d.Box.Width), float64(d.Box.Height))
	o.dc.Stroke()
	o.drawLabel(fmt.Sprintf("%s %.2f", d.Class, d.Confidence), float64(d.Box.X), float64(d.Box.Y)-3)
}

// DrawLocation draws a location's buffer circle around its fixed center, if
// the center falls on this tile. The circle's pixel radius depends on
// latitude, because meters per pixel shrinks toward the poles.
func (o *Overlay) DrawLocation(loc *trackdb.Location) error {
	x, y, err := o.pixel(loc.Center())
	if err != nil {
		return err
	}
	if x < 0 || y < 0 || x >= float64(o.width) || y >= float64(o.height) {
		return nil
	}
	radius := loc.BufferRadiusM / geo.MetersPerPixel(loc.CenterLat, o.zoom)
	c := o.classColor(loc.Class)
	o.dc.SetColor(c)
	o.dc.SetLineWidth(1.5)
	o.dc.DrawCircle(x, y, radius)
	o.dc.Stroke()
	o.dc.DrawCircle(x, y, 2)
	o.dc.Fill()
	o.drawLabel(fmt.Sprintf("#%v %v", loc.ID, loc.Status), x+4, y-4)
	return nil
}

// Image returns the composed canvas.
func (o *Overlay) Image() image.Image {
	return o.dc.Image()
}

// SavePNG writes the composed canvas to a PNG file.
func (o *Overlay) SavePNG(filename string) error {
	return o.dc.SavePNG(filename)
}
