package indices

import (
	"time"

	"github.com/i474232898/crop-yield-pipeline/internal/bands"
	"github.com/i474232898/crop-yield-pipeline/internal/raster"
)

// Calculator runs the band processor and index formulas from raw digital
// numbers, using the calibration specs it was built with.
type Calculator struct {
	processor   *bands.Processor
	reflectance bands.ProductSpec
	temperature bands.ProductSpec
	moisture    bands.ProductSpec
	unit        bands.TemperatureUnit
}

// CalculatorConfig configures a Calculator. Zero specs fall back to the
// Level-2 defaults. Temperature drives the ST display path; Moisture is the
// thermal calibration SMI is derived from.
type CalculatorConfig struct {
	Reflectance bands.ProductSpec
	Temperature bands.ProductSpec
	Moisture    bands.ProductSpec
	Unit        bands.TemperatureUnit
}

// NewCalculator creates a Calculator.
func NewCalculator(p *bands.Processor, cfg CalculatorConfig) *Calculator {
	if p == nil {
		p = bands.NewProcessor()
	}
	if cfg.Reflectance.Scale == 0 {
		cfg.Reflectance = bands.SurfaceReflectance()
	}
	if cfg.Temperature.Scale == 0 && cfg.Temperature.Thermal == nil {
		cfg.Temperature = bands.SurfaceTemperature()
	}
	if cfg.Moisture.Scale == 0 && cfg.Moisture.Thermal == nil {
		cfg.Moisture = bands.SurfaceTemperature()
	}
	if cfg.Unit == "" {
		cfg.Unit = bands.Celsius
	}
	return &Calculator{
		processor:   p,
		reflectance: cfg.Reflectance,
		temperature: cfg.Temperature,
		moisture:    cfg.Moisture,
		unit:        cfg.Unit,
	}
}

// MTVI2 processes the three reflectance bands and computes MTVI2.
func (c *Calculator) MTVI2(nir, green, red *raster.Band, date time.Time) (IndexRaster, error) {
	processed, err := c.reflect(nir, green, red)
	if err != nil {
		return IndexRaster{}, err
	}
	out, err := CalcMTVI2(processed[0], processed[1], processed[2])
	if err != nil {
		return IndexRaster{}, err
	}
	return IndexRaster{Band: out, Product: MTVI2, Date: date}, nil
}

// EVI processes the three reflectance bands and computes EVI.
func (c *Calculator) EVI(nir, red, blue *raster.Band, date time.Time) (IndexRaster, error) {
	processed, err := c.reflect(nir, red, blue)
	if err != nil {
		return IndexRaster{}, err
	}
	out, err := CalcEVI(processed[0], processed[1], processed[2])
	if err != nil {
		return IndexRaster{}, err
	}
	return IndexRaster{Band: out, Product: EVI, Date: date}, nil
}

// SurfaceTemperature converts a thermal band to the configured unit.
func (c *Calculator) SurfaceTemperature(st *raster.Band, date time.Time) (IndexRaster, error) {
	out, err := SurfaceTemperature(c.processor, st, c.temperature, c.unit)
	if err != nil {
		return IndexRaster{}, err
	}
	return IndexRaster{Band: out, Product: ST, Date: date}, nil
}

// SMI converts a thermal band with the moisture calibration and computes
// the scene-relative SMI.
func (c *Calculator) SMI(st *raster.Band, date time.Time) (IndexRaster, error) {
	lst, err := SurfaceTemperature(c.processor, st, c.moisture, c.unit)
	if err != nil {
		return IndexRaster{}, err
	}
	out, err := CalcSMI(lst)
	if err != nil {
		return IndexRaster{}, err
	}
	return IndexRaster{Band: out, Product: SMI, Date: date}, nil
}

func (c *Calculator) reflect(in ...*raster.Band) ([]*raster.Band, error) {
	if err := raster.CheckSameShape(in...); err != nil {
		return nil, err
	}
	out := make([]*raster.Band, len(in))
	for i, b := range in {
		p, err := c.processor.Process(b, c.reflectance)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}
