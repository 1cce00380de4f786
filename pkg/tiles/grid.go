package tiles

import (
	"fmt"

	"github.com/infraroo/infraroo/pkg/geo"
)

// Grid produces the sequence of tile centers needed to cover a geographic
// region with square imagery tiles at a fixed zoom level. Adjacent tiles
// overlap by a configurable fraction of the tile size, so that objects lying
// on a tile boundary are fully visible in at least one tile.
//
// Iteration is row-major, south to north and west to east, so consecutive
// tiles are spatially adjacent and downstream imagery caches get good
// locality. The grid is restartable: Reset rewinds it to the first tile.
type Grid struct {
	Bounds  geo.Bounds
	Zoom    int
	Size    int     // Tile edge in pixels (eg 640 for a Static Maps image)
	Overlap float64 // Fraction of Size by which adjacent tiles overlap (eg 0.1)

	// Pixel-space footprint of the region at Zoom.
	minX, minY float64 // north-west corner (pixel y grows southward)
	maxX, maxY float64
	step       float64
	numX, numY int

	ix, iy int
}

// NewGrid validates the parameters and computes the tile layout.
func NewGrid(bounds geo.Bounds, zoom, size int, overlap float64) (*Grid, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("tile size %v must be positive", size)
	}
	if overlap < 0 || overlap >= 1 {
		return nil, fmt.Errorf("tile overlap %v must be in [0,1)", overlap)
	}
	// North-west corner has the smallest pixel coordinates.
	minX, minY, err := geo.ToPixel(geo.Point{Lat: bounds.MaxLat, Lon: bounds.MinLon}, zoom)
	if err != nil {
		return nil, err
	}
	maxX, maxY, err := geo.ToPixel(geo.Point{Lat: bounds.MinLat, Lon: bounds.MaxLon}, zoom)
	if err != nil {
		return nil, err
	}
	g := &Grid{
		Bounds:  bounds,
		Zoom:    zoom,
		Size:    size,
		Overlap: overlap,
		minX:    minX,
		minY:    minY,
		maxX:    maxX,
		maxY:    maxY,
		step:    float64(size) * (1 - overlap),
	}
	g.numX = numSteps(maxX-minX, float64(size), g.step)
	g.numY = numSteps(maxY-minY, float64(size), g.step)
	g.Reset()
	return g, nil
}

// numSteps returns how many tiles of width 'size', advancing by 'step', are
// needed to cover 'span' pixels. Always at least one; over-coverage at the
// boundary is fine, a gap is not.
func numSteps(span, size, step float64) int {
	if span <= size {
		return 1
	}
	n := 1
	for covered := size; covered < span; covered += step {
		n++
	}
	return n
}

// NumTiles returns the total number of tiles in the grid.
func (g *Grid) NumTiles() int {
	return g.numX * g.numY
}

// Reset rewinds the grid to the first tile.
func (g *Grid) Reset() {
	g.ix = 0
	g.iy = g.numY - 1 // south row first (largest pixel y)
}

// Next returns the center of the next tile, or ok=false when the grid is
// exhausted.
func (g *Grid) Next() (center geo.Point, ok bool) {
	if g.iy < 0 {
		return geo.Point{}, false
	}
	center = g.center(g.ix, g.iy)
	g.ix++
	if g.ix >= g.numX {
		g.ix = 0
		g.iy-- // advance northward
	}
	return center, true
}

func (g *Grid) center(ix, iy int) geo.Point {
	x := g.minX + float64(ix)*g.step + float64(g.Size)/2
	y := g.minY + float64(iy)*g.step + float64(g.Size)/2
	p, err := geo.ToGeo(x, y, g.Zoom)
	if err != nil {
		// The grid can step slightly past the world edge on huge regions.
		// Clamp into the world rather than dropping coverage.
		ws := geo.WorldSize(g.Zoom)
		if x > ws {
			x = ws
		}
		if y > ws {
			y = ws
		}
		p, _ = geo.ToGeo(x, y, g.Zoom)
	}
	return p
}

// Covers reports whether the grid's pixel footprint contains the given point.
// The footprint extends half a tile beyond the outermost tile centers, so a
// point near the region edge that falls inside a boundary tile counts as
// covered. Used by the tracker to decide whether a scan pass actually looked
// at a location's area.
func (g *Grid) Covers(p geo.Point) bool {
	x, y, err := geo.ToPixel(p, g.Zoom)
	if err != nil {
		return false
	}
	spanX := float64(g.numX-1)*g.step + float64(g.Size)
	spanY := float64(g.numY-1)*g.step + float64(g.Size)
	return x >= g.minX && x <= g.minX+spanX && y >= g.minY && y <= g.minY+spanY
}
