package raster

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNotTwoDimensional is returned when a grid does not describe a 2-D raster.
	ErrNotTwoDimensional = errors.New("raster must be 2-dimensional")
	// ErrMultiBand is returned when a source holds more than one band.
	ErrMultiBand = errors.New("only single-band rasters are supported")
	// ErrShapeMismatch is returned when bands combined pixel-wise differ in shape.
	ErrShapeMismatch = errors.New("band shapes do not match")
)

// GeoTransform is a north-up affine transform from pixel to world coordinates.
// PixelHeight is negative for the usual top-left origin.
type GeoTransform struct {
	OriginX     float64 `json:"originX"`
	OriginY     float64 `json:"originY"`
	PixelWidth  float64 `json:"pixelWidth"`
	PixelHeight float64 `json:"pixelHeight"`
}

// PixelToWorld returns the world coordinate of the pixel position (col, row).
// Pass col+0.5, row+0.5 to get a pixel center.
func (g GeoTransform) PixelToWorld(col, row float64) (x, y float64) {
	return g.OriginX + col*g.PixelWidth, g.OriginY + row*g.PixelHeight
}

// WorldToPixel is the inverse of PixelToWorld.
func (g GeoTransform) WorldToPixel(x, y float64) (col, row float64) {
	return (x - g.OriginX) / g.PixelWidth, (y - g.OriginY) / g.PixelHeight
}

// Shift returns the transform of a window starting at (col, row).
func (g GeoTransform) Shift(col, row int) GeoTransform {
	x, y := g.PixelToWorld(float64(col), float64(row))
	return GeoTransform{OriginX: x, OriginY: y, PixelWidth: g.PixelWidth, PixelHeight: g.PixelHeight}
}

// IsZero reports whether no georeferencing was set.
func (g GeoTransform) IsZero() bool {
	return g.PixelWidth == 0 && g.PixelHeight == 0
}

// Band is a single 2-D grid of samples stored row-major.
// Missing samples are NaN once a band has been processed; NoData records the
// sentinel used by the source file, if any.
type Band struct {
	Rows      int
	Cols      int
	Data      []float64
	Transform GeoTransform
	EPSG      int
	NoData    float64
	HasNoData bool
}

// NewBand allocates a zero-filled band.
func NewBand(rows, cols int) (*Band, error) {
	if rows < 0 || cols < 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrNotTwoDimensional, rows, cols)
	}
	return &Band{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}, nil
}

// FromRows builds a band from a slice of equal-length rows.
func FromRows(rows [][]float64) (*Band, error) {
	if len(rows) == 0 {
		return &Band{}, nil
	}
	cols := len(rows[0])
	b := &Band{Rows: len(rows), Cols: cols, Data: make([]float64, 0, len(rows)*cols)}
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrNotTwoDimensional, i, len(r), cols)
		}
		b.Data = append(b.Data, r...)
	}
	return b, nil
}

// Filled returns a band of the given shape with every sample set to v.
func Filled(rows, cols int, v float64) *Band {
	b := &Band{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
	for i := range b.Data {
		b.Data[i] = v
	}
	return b
}

// Validate checks that Data matches Rows x Cols.
func (b *Band) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil band", ErrNotTwoDimensional)
	}
	if b.Rows < 0 || b.Cols < 0 || len(b.Data) != b.Rows*b.Cols {
		return fmt.Errorf("%w: %dx%d with %d samples", ErrNotTwoDimensional, b.Rows, b.Cols, len(b.Data))
	}
	return nil
}

// At returns the sample at (row, col).
func (b *Band) At(row, col int) float64 {
	return b.Data[row*b.Cols+col]
}

// Set stores v at (row, col).
func (b *Band) Set(row, col int, v float64) {
	b.Data[row*b.Cols+col] = v
}

// Shape returns rows, cols.
func (b *Band) Shape() (int, int) {
	return b.Rows, b.Cols
}

// Len is the number of samples.
func (b *Band) Len() int {
	return len(b.Data)
}

// Clone returns a deep copy.
func (b *Band) Clone() *Band {
	out := *b
	out.Data = make([]float64, len(b.Data))
	copy(out.Data, b.Data)
	return &out
}

// WithData returns a band sharing b's georeferencing but holding data.
func (b *Band) WithData(data []float64) *Band {
	out := *b
	out.Data = data
	return &out
}

// SameShape reports whether b and o have identical dimensions.
func (b *Band) SameShape(o *Band) bool {
	return b.Rows == o.Rows && b.Cols == o.Cols
}

// ValidValues returns all non-NaN samples.
func (b *Band) ValidValues() []float64 {
	out := make([]float64, 0, len(b.Data))
	for _, v := range b.Data {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// ValidCount counts non-NaN samples.
func (b *Band) ValidCount() int {
	n := 0
	for _, v := range b.Data {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// Rows2D returns the grid as nested slices, the shape consumers such as
// JSON encoders expect. NaN samples are reported as nil.
func (b *Band) Rows2D() [][]*float64 {
	out := make([][]*float64, b.Rows)
	for r := 0; r < b.Rows; r++ {
		row := make([]*float64, b.Cols)
		for c := 0; c < b.Cols; c++ {
			v := b.At(r, c)
			if !math.IsNaN(v) {
				v := v
				row[c] = &v
			}
		}
		out[r] = row
	}
	return out
}

// CheckSameShape returns ErrShapeMismatch unless every band has the shape of the first.
func CheckSameShape(bands ...*Band) error {
	if len(bands) == 0 {
		return nil
	}
	for _, b := range bands {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	first := bands[0]
	for i, b := range bands[1:] {
		if !first.SameShape(b) {
			return fmt.Errorf("%w: band 0 is %dx%d, band %d is %dx%d",
				ErrShapeMismatch, first.Rows, first.Cols, i+1, b.Rows, b.Cols)
		}
	}
	return nil
}
