// Package indices derives vegetation, soil moisture and thermal indices from
// processed bands. Every function is pure and returns a new raster of the
// input shape; pixels where the formula is undefined are NaN.
package indices

import (
	"fmt"
	"math"
	"time"

	"github.com/i474232898/crop-yield-pipeline/internal/bands"
	"github.com/i474232898/crop-yield-pipeline/internal/raster"
)

// Product names a derived raster product.
type Product string

const (
	EVI   Product = "EVI"
	MTVI2 Product = "MTVI2"
	SMI   Product = "SMI"
	ST    Product = "ST"
)

// Products lists every product in display order.
var Products = []Product{EVI, ST, SMI, MTVI2}

// ParseProduct validates a product name.
func ParseProduct(s string) (Product, error) {
	for _, p := range Products {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown product %q", s)
}

// OutputNoData is the sentinel written in place of NaN when an index is encoded.
const OutputNoData = -99999.0

// IndexRaster is a derived raster tagged with its product and acquisition date.
type IndexRaster struct {
	*raster.Band
	Product Product
	Date    time.Time
}

// ForEncoding returns a copy of the band that encodes NaN as OutputNoData.
func (r IndexRaster) ForEncoding() *raster.Band {
	out := r.Band.Clone()
	out.NoData = OutputNoData
	out.HasNoData = true
	return out
}

// CalcMTVI2 computes the Modified Triangular Vegetation Index 2 from
// reflectance bands:
//
//	1.5*(1.2*(NIR-G) - 2.5*(R-G)) / sqrt((2*NIR+1)^2 - (6*NIR - 5*sqrt(R)) - 0.5)
func CalcMTVI2(nir, green, red *raster.Band) (*raster.Band, error) {
	if err := raster.CheckSameShape(nir, green, red); err != nil {
		return nil, fmt.Errorf("mtvi2: %w", err)
	}
	out := make([]float64, nir.Len())
	for i := range out {
		n, g, r := nir.Data[i], green.Data[i], red.Data[i]
		num := 1.5 * (1.2*(n-g) - 2.5*(r-g))
		radicand := (2*n+1)*(2*n+1) - (6*n - 5*math.Sqrt(r)) - 0.5
		out[i] = safeDiv(num, math.Sqrt(radicand))
	}
	return nir.WithData(out), nil
}

// CalcEVI computes the Enhanced Vegetation Index:
//
//	2.5*(NIR-R) / (NIR + 6*R - 7.5*B + 1)
func CalcEVI(nir, red, blue *raster.Band) (*raster.Band, error) {
	if err := raster.CheckSameShape(nir, red, blue); err != nil {
		return nil, fmt.Errorf("evi: %w", err)
	}
	out := make([]float64, nir.Len())
	for i := range out {
		n, r, b := nir.Data[i], red.Data[i], blue.Data[i]
		out[i] = safeDiv(2.5*(n-r), n+6*r-7.5*b+1)
	}
	return nir.WithData(out), nil
}

// CalcSMI computes the scene-relative Soil Moisture Index from a land
// surface temperature raster: (LSTmax - LST) / (LSTmax - LSTmin), with the
// extremes taken over the valid samples of lst alone.
func CalcSMI(lst *raster.Band) (*raster.Band, error) {
	if err := lst.Validate(); err != nil {
		return nil, fmt.Errorf("smi: %w", err)
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range lst.Data {
		if math.IsNaN(v) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	out := make([]float64, lst.Len())
	for i, v := range lst.Data {
		out[i] = safeDiv(hi-v, hi-lo)
	}
	return lst.WithData(out), nil
}

// SurfaceTemperature converts a thermal band with the band processor.
func SurfaceTemperature(p *bands.Processor, band *raster.Band, spec bands.ProductSpec, unit bands.TemperatureUnit) (*raster.Band, error) {
	return p.ToTemperature(band, spec, unit)
}

// safeDiv yields NaN for undefined ratios instead of ±Inf.
func safeDiv(num, den float64) float64 {
	if den == 0 || math.IsNaN(den) || math.IsNaN(num) || math.IsInf(den, 0) {
		return math.NaN()
	}
	return num / den
}
