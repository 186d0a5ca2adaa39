package geometry

import (
	"fmt"
	"math"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/paulmach/orb"
)

// EPSGWGS84 is the geographic longitude/latitude CRS of AOI input.
const EPSGWGS84 = 4326

// UTMZone returns the UTM zone (1-60) for a position, including the Norway
// and Svalbard exceptions.
func UTMZone(lon, lat float64) int {
	if lat >= 56 && lat < 64 && lon >= 3 && lon < 12 {
		return 32
	}
	if lat >= 72 && lat < 84 && lon >= 0 && lon < 42 {
		switch {
		case lon < 9:
			return 31
		case lon < 21:
			return 33
		case lon < 33:
			return 35
		default:
			return 37
		}
	}
	zone := int(math.Floor((lon+180)/6)) + 1
	if zone < 1 {
		zone = 1
	}
	if zone > 60 {
		zone = 60
	}
	return zone
}

// UTMEPSG returns the WGS84 / UTM EPSG code for a position: 326xx north of
// the equator (inclusive), 327xx south of it.
func UTMEPSG(lon, lat float64) int {
	zone := UTMZone(lon, lat)
	if lat >= 0 {
		return 32600 + zone
	}
	return 32700 + zone
}

// ProjString returns the proj4 definition of a supported EPSG code.
func ProjString(epsg int) (string, error) {
	switch {
	case epsg == EPSGWGS84:
		return "+proj=longlat +datum=WGS84 +no_defs", nil
	case epsg > 32600 && epsg <= 32660:
		return fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", epsg-32600), nil
	case epsg > 32700 && epsg <= 32760:
		return fmt.Sprintf("+proj=utm +zone=%d +south +datum=WGS84 +units=m +no_defs", epsg-32700), nil
	}
	return "", fmt.Errorf("%w: EPSG:%d", ErrUnsupportedCRS, epsg)
}

// Reprojector transforms lon/lat geometries into a target CRS.
type Reprojector struct {
	EPSG      int
	transform proj.Transformer
}

// NewReprojector builds a transform from WGS84 into epsg.
func NewReprojector(epsg int) (*Reprojector, error) {
	if epsg == 0 || epsg == EPSGWGS84 {
		return &Reprojector{EPSG: EPSGWGS84}, nil
	}
	src, err := ProjString(EPSGWGS84)
	if err != nil {
		return nil, err
	}
	dst, err := ProjString(epsg)
	if err != nil {
		return nil, err
	}
	srcSR, err := proj.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	dstSR, err := proj.Parse(dst)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", dst, err)
	}
	t, err := srcSR.NewTransform(dstSR)
	if err != nil {
		return nil, fmt.Errorf("transform to EPSG:%d: %w", epsg, err)
	}
	return &Reprojector{EPSG: epsg, transform: t}, nil
}

// Polygon reprojects one lon/lat polygon.
func (r *Reprojector) Polygon(p orb.Polygon) (geom.Polygon, error) {
	g := toGeom(p)
	if r.transform == nil {
		return g, nil
	}
	out, err := g.Transform(r.transform)
	if err != nil {
		return nil, fmt.Errorf("reproject to EPSG:%d: %w", r.EPSG, err)
	}
	tp, ok := out.(geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("reproject to EPSG:%d: unexpected %T", r.EPSG, out)
	}
	return tp, nil
}

func toGeom(p orb.Polygon) geom.Polygon {
	out := make(geom.Polygon, 0, len(p))
	for _, ring := range p {
		pts := make([]geom.Point, 0, len(ring))
		for _, pt := range ring {
			pts = append(pts, geom.Point{X: pt.X(), Y: pt.Y()})
		}
		out = append(out, pts)
	}
	return out
}

func toOrb(p geom.Polygon) orb.Polygon {
	out := make(orb.Polygon, 0, len(p))
	for _, ring := range p {
		r := make(orb.Ring, 0, len(ring))
		for _, pt := range ring {
			r = append(r, orb.Point{pt.X, pt.Y})
		}
		out = append(out, r)
	}
	return out
}
