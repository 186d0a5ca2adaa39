package geometry

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// SquareMetersPerAcre converts square meters to acres.
const SquareMetersPerAcre = 4046.8564224

// Acres converts square meters to acres.
func Acres(m2 float64) float64 {
	return m2 / SquareMetersPerAcre
}

// Area describes an AOI measured in its local UTM projection.
type Area struct {
	SquareMeters float64   `json:"areaM2"`
	Acres        float64   `json:"acres"`
	EPSG         int       `json:"epsg"`
	Centroid     orb.Point `json:"centroid"`
}

// Centroid returns the planar lon/lat centroid of the first feature.
func (a *AOI) Centroid() orb.Point {
	c, _ := planar.CentroidArea(a.Primary())
	return c
}

// Measure picks the UTM zone from the centroid of the first feature,
// reprojects that feature into it and sums its planar area.
func Measure(aoi *AOI) (Area, error) {
	primary := aoi.Primary()
	if len(primary) == 0 {
		return Area{}, ErrInvalidGeoJSON
	}
	c := aoi.Centroid()
	epsg := UTMEPSG(c.X(), c.Y())

	rp, err := NewReprojector(epsg)
	if err != nil {
		return Area{}, err
	}

	var total float64
	for _, p := range primary {
		tp, err := rp.Polygon(p)
		if err != nil {
			return Area{}, err
		}
		total += tp.Area()
	}
	return Area{SquareMeters: total, Acres: Acres(total), EPSG: epsg, Centroid: c}, nil
}

// AreaM2 returns the projected area of the first feature in square meters.
func AreaM2(aoi *AOI) (float64, error) {
	a, err := Measure(aoi)
	if err != nil {
		return 0, err
	}
	return a.SquareMeters, nil
}

// AreaFromGeoJSON parses raw GeoJSON and measures it. Structural errors
// return zero area alongside ErrInvalidGeoJSON.
func AreaFromGeoJSON(data []byte) (float64, error) {
	aoi, err := ParseAOI(data)
	if err != nil {
		return 0, err
	}
	return AreaM2(aoi)
}
