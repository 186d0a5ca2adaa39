package geometry

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/i474232898/crop-yield-pipeline/internal/raster"
)

// MaskOptions controls Mask.
type MaskOptions struct {
	// Crop shrinks the output to the AOI bounding window. When false the
	// output keeps the input extent.
	Crop bool
}

// Window is a pixel rectangle in the source grid.
type Window struct {
	Col  int `json:"col"`
	Row  int `json:"row"`
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Empty reports whether the window covers no pixels.
func (w Window) Empty() bool {
	return w.Cols <= 0 || w.Rows <= 0
}

// MaskedRaster is the part of a band inside an AOI. Pixels outside the AOI are NaN.
type MaskedRaster struct {
	Band   *raster.Band
	Window Window
	Valid  int
}

// HasData reports whether any pixel inside the AOI carries a value.
func (m *MaskedRaster) HasData() bool {
	return m != nil && m.Valid > 0
}

// Mask keeps the pixels of band whose centers fall inside any AOI polygon.
// The AOI is reprojected into the band's CRS first; a band without an EPSG
// code is taken to be in WGS84. An AOI that misses the raster yields an
// all-NaN result (0x0 when cropping) rather than an error.
func Mask(band *raster.Band, aoi *AOI, opts MaskOptions) (*MaskedRaster, error) {
	if err := band.Validate(); err != nil {
		return nil, err
	}
	if aoi == nil || len(aoi.Shapes) == 0 {
		return nil, ErrInvalidGeoJSON
	}
	if band.Transform.IsZero() {
		return nil, fmt.Errorf("mask: band has no georeferencing")
	}

	rp, err := NewReprojector(band.EPSG)
	if err != nil {
		return nil, err
	}

	polys := make([]orb.Polygon, 0)
	bounds := make([]orb.Bound, 0)
	var all orb.Bound
	for i, p := range aoi.Polygons() {
		tp, err := rp.Polygon(p)
		if err != nil {
			return nil, err
		}
		op := toOrb(tp)
		b := op.Bound()
		polys = append(polys, op)
		bounds = append(bounds, b)
		if i == 0 {
			all = b
		} else {
			all = all.Union(b)
		}
	}

	win := pixelWindow(band, all)

	var out *raster.Band
	if opts.Crop {
		out = raster.Filled(win.Rows, win.Cols, math.NaN())
		out.Transform = band.Transform.Shift(win.Col, win.Row)
	} else {
		out = raster.Filled(band.Rows, band.Cols, math.NaN())
		out.Transform = band.Transform
	}
	out.EPSG = band.EPSG
	out.NoData = band.NoData
	out.HasNoData = band.HasNoData

	valid := 0
	for r := win.Row; r < win.Row+win.Rows; r++ {
		for c := win.Col; c < win.Col+win.Cols; c++ {
			x, y := band.Transform.PixelToWorld(float64(c)+0.5, float64(r)+0.5)
			if !inside(polys, bounds, orb.Point{x, y}) {
				continue
			}
			v := band.At(r, c)
			if opts.Crop {
				out.Set(r-win.Row, c-win.Col, v)
			} else {
				out.Set(r, c, v)
			}
			if !math.IsNaN(v) {
				valid++
			}
		}
	}

	return &MaskedRaster{Band: out, Window: win, Valid: valid}, nil
}

func inside(polys []orb.Polygon, bounds []orb.Bound, pt orb.Point) bool {
	for i, p := range polys {
		if bounds[i].Contains(pt) && planar.PolygonContains(p, pt) {
			return true
		}
	}
	return false
}

// pixelWindow converts a world-space bound into the pixel window covering
// it, clipped to the grid.
func pixelWindow(band *raster.Band, b orb.Bound) Window {
	c0, r0 := band.Transform.WorldToPixel(b.Min.X(), b.Min.Y())
	c1, r1 := band.Transform.WorldToPixel(b.Max.X(), b.Max.Y())

	colMin := int(math.Floor(math.Min(c0, c1)))
	colMax := int(math.Ceil(math.Max(c0, c1)))
	rowMin := int(math.Floor(math.Min(r0, r1)))
	rowMax := int(math.Ceil(math.Max(r0, r1)))

	colMin = clamp(colMin, 0, band.Cols)
	colMax = clamp(colMax, 0, band.Cols)
	rowMin = clamp(rowMin, 0, band.Rows)
	rowMax = clamp(rowMax, 0, band.Rows)

	w := Window{Col: colMin, Row: rowMin, Cols: colMax - colMin, Rows: rowMax - rowMin}
	if w.Empty() {
		return Window{Col: colMin, Row: rowMin}
	}
	return w
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MaskGeoJSON parses raw GeoJSON and masks band with it.
func MaskGeoJSON(band *raster.Band, data []byte, opts MaskOptions) (*MaskedRaster, error) {
	aoi, err := ParseAOI(data)
	if err != nil {
		return nil, err
	}
	return Mask(band, aoi, opts)
}
