package bands

import (
	"fmt"
	"math"

	"github.com/i474232898/crop-yield-pipeline/internal/raster"
)

// TemperatureUnit selects the output scale of ToTemperature.
type TemperatureUnit string

const (
	Kelvin     TemperatureUnit = "K"
	Celsius    TemperatureUnit = "C"
	Fahrenheit TemperatureUnit = "F"
)

// Processor turns raw digital numbers into physical quantities.
// Logf, when set, receives min/max after each step.
type Processor struct {
	Logf func(format string, args ...any)
}

// NewProcessor creates a Processor without diagnostics.
func NewProcessor() *Processor {
	return &Processor{}
}

// ProcessSource validates that a decoded source holds a single band and returns it.
func ProcessSource(src []*raster.Band) (*raster.Band, error) {
	if len(src) != 1 {
		return nil, fmt.Errorf("%w: found %d bands", raster.ErrMultiBand, len(src))
	}
	return src[0], nil
}

// Process replaces fill values with NaN, clamps into the valid range and
// applies the linear scale and offset. The input is not modified.
func (p *Processor) Process(band *raster.Band, spec ProductSpec) (*raster.Band, error) {
	out, err := p.prepare(band, spec)
	if err != nil {
		return nil, err
	}
	for i, v := range out.Data {
		out.Data[i] = v*spec.Scale + spec.Offset
	}
	p.log(spec.Name+" scaled", out)
	return out, nil
}

// ToTemperature converts a thermal band to the requested unit. Specs carrying
// ThermalConstants go through radiance and Planck inversion; Level-2 specs use
// the linear scale, which yields Kelvin.
func (p *Processor) ToTemperature(band *raster.Band, spec ProductSpec, unit TemperatureUnit) (*raster.Band, error) {
	out, err := p.prepare(band, spec)
	if err != nil {
		return nil, err
	}

	if tc := spec.Thermal; tc != nil {
		for i, dn := range out.Data {
			radiance := tc.LMin + (tc.LMax-tc.LMin)*(dn-tc.QCalMin)/(tc.QCalMax-tc.QCalMin)
			out.Data[i] = tc.K2 / math.Log(tc.K1/radiance+1)
		}
	} else {
		for i, v := range out.Data {
			out.Data[i] = v*spec.Scale + spec.Offset
		}
	}

	switch unit {
	case Kelvin, "":
	case Celsius:
		for i, k := range out.Data {
			out.Data[i] = k - 273.15
		}
	case Fahrenheit:
		for i, k := range out.Data {
			out.Data[i] = (k-273.15)*9/5 + 32
		}
	default:
		return nil, fmt.Errorf("unknown temperature unit %q", unit)
	}
	p.log(spec.Name+" temperature", out)
	return out, nil
}

func (p *Processor) prepare(band *raster.Band, spec ProductSpec) (*raster.Band, error) {
	if err := band.Validate(); err != nil {
		return nil, err
	}
	p.log(spec.Name+" raw", band)

	out := band.Clone()
	for i, v := range out.Data {
		if v == spec.Fill || math.IsNaN(v) {
			out.Data[i] = math.NaN()
			continue
		}
		if v < spec.ValidMin {
			v = spec.ValidMin
		} else if v > spec.ValidMax {
			v = spec.ValidMax
		}
		out.Data[i] = v
	}
	out.NoData = math.NaN()
	out.HasNoData = false
	p.log(spec.Name+" valid", out)
	return out, nil
}

func (p *Processor) log(stage string, b *raster.Band) {
	if p == nil || p.Logf == nil {
		return
	}
	s := raster.Summarize(b)
	p.Logf("DEBUG: %s min=%g max=%g valid=%d", stage, s.Min, s.Max, s.Count)
}
