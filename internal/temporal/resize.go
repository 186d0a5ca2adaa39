package temporal

import (
	"fmt"
	"math"

	"github.com/i474232898/crop-yield-pipeline/internal/raster"
)

// Shape is a target grid size.
type Shape struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// DefaultShape is the model's spatial input.
var DefaultShape = Shape{Rows: 512, Cols: 512}

// Resize resamples b onto a rows x cols grid. When shrinking, the band is
// first smoothed with a Gaussian of sigma max(0, (scale-1)/2) per axis; the
// result is then sampled bilinearly at pixel centers. NaN samples are left
// out of both steps and a sample with no valid neighbours stays NaN.
func Resize(b *raster.Band, rows, cols int) (*raster.Band, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: target %dx%d", raster.ErrNotTwoDimensional, rows, cols)
	}
	if b.Rows == 0 || b.Cols == 0 {
		return nil, fmt.Errorf("%w: empty source", raster.ErrNotTwoDimensional)
	}
	if b.Rows == rows && b.Cols == cols {
		return b.Clone(), nil
	}

	scaleR := float64(b.Rows) / float64(rows)
	scaleC := float64(b.Cols) / float64(cols)

	src := antiAlias(b, math.Max(0, (scaleR-1)/2), math.Max(0, (scaleC-1)/2))

	out := raster.Filled(rows, cols, math.NaN())
	out.EPSG = b.EPSG
	out.NoData = b.NoData
	out.HasNoData = b.HasNoData
	out.Transform = raster.GeoTransform{
		OriginX:     b.Transform.OriginX,
		OriginY:     b.Transform.OriginY,
		PixelWidth:  b.Transform.PixelWidth * scaleC,
		PixelHeight: b.Transform.PixelHeight * scaleR,
	}

	for r := 0; r < rows; r++ {
		y := clampF((float64(r)+0.5)*scaleR-0.5, 0, float64(b.Rows-1))
		y0 := int(math.Floor(y))
		y1 := min(y0+1, b.Rows-1)
		fy := y - float64(y0)
		for c := 0; c < cols; c++ {
			x := clampF((float64(c)+0.5)*scaleC-0.5, 0, float64(b.Cols-1))
			x0 := int(math.Floor(x))
			x1 := min(x0+1, b.Cols-1)
			fx := x - float64(x0)

			var sum, weight float64
			taps := [4]struct {
				r, c int
				w    float64
			}{
				{y0, x0, (1 - fy) * (1 - fx)},
				{y0, x1, (1 - fy) * fx},
				{y1, x0, fy * (1 - fx)},
				{y1, x1, fy * fx},
			}
			for _, t := range taps {
				if t.w == 0 {
					continue
				}
				v := src[t.r*b.Cols+t.c]
				if math.IsNaN(v) {
					continue
				}
				sum += v * t.w
				weight += t.w
			}
			if weight > 0 {
				out.Set(r, c, sum/weight)
			}
		}
	}
	return out, nil
}

// antiAlias applies a separable Gaussian as a normalized convolution, so
// NaN samples neither contribute nor get filled in.
func antiAlias(b *raster.Band, sigmaR, sigmaC float64) []float64 {
	if sigmaR == 0 && sigmaC == 0 {
		return b.Data
	}
	n := len(b.Data)
	vals := make([]float64, n)
	mask := make([]float64, n)
	for i, v := range b.Data {
		if !math.IsNaN(v) {
			vals[i] = v
			mask[i] = 1
		}
	}

	kr := gaussianKernel(sigmaR)
	kc := gaussianKernel(sigmaC)
	vals = convolve(convolve(vals, b.Rows, b.Cols, kc, false), b.Rows, b.Cols, kr, true)
	weights := convolve(convolve(mask, b.Rows, b.Cols, kc, false), b.Rows, b.Cols, kr, true)

	out := make([]float64, n)
	for i := range out {
		if math.IsNaN(b.Data[i]) || weights[i] <= 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = vals[i] / weights[i]
	}
	return out
}

// gaussianKernel is truncated at four sigma. A zero sigma is the identity.
func gaussianKernel(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	radius := int(4*sigma + 0.5)
	k := make([]float64, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		k[i+radius] = math.Exp(-float64(i*i) / (2 * sigma * sigma))
	}
	return k
}

// convolve runs k along rows (vertical) or columns. Taps falling outside
// the grid are dropped; the mask pass carries the matching renormalisation.
func convolve(data []float64, rows, cols int, k []float64, vertical bool) []float64 {
	if len(k) == 1 {
		return data
	}
	radius := len(k) / 2
	out := make([]float64, len(data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var sum float64
			for i, w := range k {
				rr, cc := r, c
				if vertical {
					rr += i - radius
					if rr < 0 || rr >= rows {
						continue
					}
				} else {
					cc += i - radius
					if cc < 0 || cc >= cols {
						continue
					}
				}
				sum += w * data[rr*cols+cc]
			}
			out[r*cols+c] = sum
		}
	}
	return out
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
