package temporal

import (
	"fmt"
	"math"
	"time"

	gstat "gonum.org/v1/gonum/stat"

	"github.com/i474232898/crop-yield-pipeline/internal/raster"
)

// Catalog maps acquisition dates to the rasters of one product.
type Catalog = DateIndex[*raster.Band]

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return NewDateIndex[*raster.Band]()
}

// ResizeCatalog resizes every raster of cat onto shape.
func ResizeCatalog(cat *Catalog, shape Shape) (*Catalog, error) {
	if cat.Len() == 0 {
		return nil, ErrEmptyCatalog
	}
	out := NewCatalog()
	for _, e := range cat.Entries() {
		r, err := Resize(e.Value, shape.Rows, shape.Cols)
		if err != nil {
			return nil, fmt.Errorf("resize %s: %w", e.Date.Format(time.DateOnly), err)
		}
		out.Insert(e.Date, r)
	}
	return out, nil
}

// MeanStd returns the population mean and standard deviation of every valid
// sample across all frames together.
func MeanStd(frames []*raster.Band) (mean, std float64, err error) {
	n := 0
	for _, f := range frames {
		n += f.ValidCount()
	}
	if n == 0 {
		return 0, 0, ErrEmptyCatalog
	}
	all := make([]float64, 0, n)
	for _, f := range frames {
		all = append(all, f.ValidValues()...)
	}
	mean, std = gstat.PopMeanStdDev(all, nil)
	return mean, std, nil
}

// Normalize returns (v - mean) / std for every sample. A zero std leaves the
// scale untouched so a flat catalog centres on zero instead of dividing by zero.
func Normalize(b *raster.Band, mean, std float64) *raster.Band {
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	data := make([]float64, len(b.Data))
	for i, v := range b.Data {
		data[i] = (v - mean) / std
	}
	return b.WithData(data)
}

// Stats are the shared normalization statistics of a catalog.
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Prepared is a catalog ready for the model.
type Prepared struct {
	// Frames holds resized and normalized rasters keyed by acquisition date.
	Frames *Catalog
	// Features has one entry per requested date, in request order.
	Features []TimeFeatures
	// Records has the yield row matched to each requested date.
	Records []YieldRecord
	Stats
}

// Builder prepares catalogs for inference. When Stats is nil the statistics
// are computed from the resized catalog itself.
type Builder struct {
	Shape Shape
	Stats *Stats
}

// Build resizes cat, normalizes it with one shared mean and std, and matches
// each date to its nearest yield record. Dates are encoded directly when the
// yield series is empty.
func (b Builder) Build(cat *Catalog, yields *YieldSeries, dates []time.Time) (*Prepared, error) {
	shape := b.Shape
	if shape.Rows == 0 || shape.Cols == 0 {
		shape = DefaultShape
	}
	resized, err := ResizeCatalog(cat, shape)
	if err != nil {
		return nil, err
	}

	var st Stats
	if b.Stats != nil {
		st = *b.Stats
	} else {
		frames := make([]*raster.Band, 0, resized.Len())
		for _, e := range resized.Entries() {
			frames = append(frames, e.Value)
		}
		st.Mean, st.Std, err = MeanStd(frames)
		if err != nil {
			return nil, err
		}
	}

	normalized := NewCatalog()
	for _, e := range resized.Entries() {
		normalized.Insert(e.Date, Normalize(e.Value, st.Mean, st.Std))
	}

	p := &Prepared{Frames: normalized, Stats: st}
	for _, d := range dates {
		rec, err := yields.Nearest(d)
		if err != nil {
			p.Features = append(p.Features, NewTimeFeatures(d))
			p.Records = append(p.Records, YieldRecord{Date: d, TimeFeatures: NewTimeFeatures(d)})
			continue
		}
		p.Features = append(p.Features, rec.Value.TimeFeatures)
		p.Records = append(p.Records, rec.Value)
	}
	return p, nil
}

// Build is Builder{Shape: shape}.Build.
func Build(cat *Catalog, yields *YieldSeries, shape Shape, dates []time.Time) (*Prepared, error) {
	return Builder{Shape: shape}.Build(cat, yields, dates)
}
