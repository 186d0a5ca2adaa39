package bands

// ThermalConstants converts thermal digital numbers to brightness temperature
// through spectral radiance. Values come from the scene's MTL metadata.
type ThermalConstants struct {
	LMin    float64 `json:"lMin"`
	LMax    float64 `json:"lMax"`
	QCalMin float64 `json:"qCalMin"`
	QCalMax float64 `json:"qCalMax"`
	K1      float64 `json:"k1"`
	K2      float64 `json:"k2"`
}

// ProductSpec holds the calibration parameters of one physical product.
type ProductSpec struct {
	Name string `json:"name"`

	// BandMin and BandMax bound the digital numbers a sensor can emit.
	BandMin float64 `json:"bandMin"`
	BandMax float64 `json:"bandMax"`

	// ValidMin and ValidMax bound the numbers that carry a measurement.
	ValidMin float64 `json:"validMin"`
	ValidMax float64 `json:"validMax"`

	Fill   float64 `json:"fill"`
	Scale  float64 `json:"scale"`
	Offset float64 `json:"offset"`

	// Thermal is set for products converted with the radiance/Planck path.
	Thermal *ThermalConstants `json:"thermal,omitempty"`
}

// Landsat Collection 2 Level-2 band designations for OLI.
const (
	GreenBand = "B3"
	RedBand   = "B4"
	NIRBand   = "B5"
	BlueBand  = "B2"
)

// SurfaceReflectance returns the Collection 2 Level-2 surface reflectance spec.
func SurfaceReflectance() ProductSpec {
	return ProductSpec{
		Name:     "surface_reflectance",
		BandMin:  1,
		BandMax:  65535,
		ValidMin: 7273,
		ValidMax: 43636,
		Fill:     0,
		Scale:    0.0000275,
		Offset:   -0.2,
	}
}

// SurfaceTemperature returns the Collection 2 Level-2 ST_B10 spec. Scaled values are Kelvin.
func SurfaceTemperature() ProductSpec {
	return ProductSpec{
		Name:     "surface_temperature",
		BandMin:  1,
		BandMax:  65535,
		ValidMin: 293,
		ValidMax: 61440,
		Fill:     0,
		Scale:    0.00341802,
		Offset:   149.0,
	}
}

// ThermalRadiance returns the TIRS band 10 spec used to render temperature
// straight from digital numbers.
func ThermalRadiance() ProductSpec {
	return ProductSpec{
		Name:     "thermal_radiance",
		BandMin:  1,
		BandMax:  65535,
		ValidMin: 1,
		ValidMax: 65535,
		Fill:     0,
		Scale:    1,
		Thermal: &ThermalConstants{
			LMin:    0.1,
			LMax:    22.0,
			QCalMin: 1,
			QCalMax: 65535,
			K1:      774.8853,
			K2:      1321.0789,
		},
	}
}

// ScaledRange returns the output bounds implied by the valid range and the
// linear transform.
func (s ProductSpec) ScaledRange() (lo, hi float64) {
	lo = s.ValidMin*s.Scale + s.Offset
	hi = s.ValidMax*s.Scale + s.Offset
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}
