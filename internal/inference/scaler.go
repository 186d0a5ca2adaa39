package inference

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/i474232898/crop-yield-pipeline/internal/temporal"
)

// MinMaxScaler maps [DataMin, DataMax] linearly onto [FeatureMin, FeatureMax].
type MinMaxScaler struct {
	DataMin    float64 `json:"dataMin"`
	DataMax    float64 `json:"dataMax"`
	FeatureMin float64 `json:"featureMin"`
	FeatureMax float64 `json:"featureMax"`
}

// FitMinMax fits a scaler onto [0, 1] from the finite values.
func FitMinMax(values []float64) MinMaxScaler {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	s := MinMaxScaler{FeatureMin: 0, FeatureMax: 1}
	if len(finite) == 0 {
		return s
	}
	s.DataMin = floats.Min(finite)
	s.DataMax = floats.Max(finite)
	return s
}

// scale mirrors the usual treatment of a constant feature: a zero data
// range is handled as a range of one.
func (s MinMaxScaler) scale() float64 {
	dr := s.DataMax - s.DataMin
	if dr == 0 {
		dr = 1
	}
	return (s.FeatureMax - s.FeatureMin) / dr
}

// Transform maps a data value into feature space.
func (s MinMaxScaler) Transform(v float64) float64 {
	return (v-s.DataMin)*s.scale() + s.FeatureMin
}

// Inverse maps a feature-space value back to data units.
func (s MinMaxScaler) Inverse(v float64) float64 {
	sc := s.scale()
	if sc == 0 {
		return s.DataMin
	}
	return (v-s.FeatureMin)/sc + s.DataMin
}

// FitVolumeScaler fits a scaler on the weekly volumes.
func FitVolumeScaler(records []temporal.YieldRecord) MinMaxScaler {
	vols := make([]float64, len(records))
	for i, r := range records {
		vols[i] = r.Volume
	}
	return FitMinMax(vols)
}

// ScaleVolumes returns a copy of records with Volume transformed by s.
func ScaleVolumes(records []temporal.YieldRecord, s MinMaxScaler) []temporal.YieldRecord {
	out := make([]temporal.YieldRecord, len(records))
	for i, r := range records {
		r.Volume = s.Transform(r.Volume)
		out[i] = r
	}
	return out
}
