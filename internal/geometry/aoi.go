package geometry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var (
	// ErrInvalidGeoJSON is returned when an AOI has neither a geometry nor features,
	// or its geometry is not polygonal.
	ErrInvalidGeoJSON = errors.New("invalid GeoJSON area of interest")
	// ErrUnsupportedCRS is returned for EPSG codes outside WGS84 and WGS84 / UTM.
	ErrUnsupportedCRS = errors.New("unsupported coordinate reference system")
)

// AOI is a user-drawn area of interest in WGS84 longitude/latitude.
// Shapes holds one multipolygon per input feature, in input order.
type AOI struct {
	Shapes []orb.MultiPolygon
}

// Primary is the first feature's geometry, used for area and zone detection.
func (a *AOI) Primary() orb.MultiPolygon {
	if a == nil || len(a.Shapes) == 0 {
		return nil
	}
	return a.Shapes[0]
}

// Polygons flattens every feature into one list; masking keeps the union.
func (a *AOI) Polygons() []orb.Polygon {
	var out []orb.Polygon
	for _, mp := range a.Shapes {
		out = append(out, mp...)
	}
	return out
}

// Bound is the lon/lat bounding box of every feature.
func (a *AOI) Bound() orb.Bound {
	var b orb.Bound
	for i, mp := range a.Shapes {
		if i == 0 {
			b = mp.Bound()
			continue
		}
		b = b.Union(mp.Bound())
	}
	return b
}

type aoiProbe struct {
	Type     string            `json:"type"`
	Geometry json.RawMessage   `json:"geometry"`
	Features []json.RawMessage `json:"features"`
}

// ParseAOI accepts a Feature (or any object with a "geometry" member), a
// FeatureCollection, or a bare Polygon/MultiPolygon geometry.
func ParseAOI(data []byte) (*AOI, error) {
	var probe aoiProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeoJSON, err)
	}

	switch {
	case len(probe.Geometry) > 0 && !bytes.Equal(bytes.TrimSpace(probe.Geometry), []byte("null")):
		g, err := geojson.UnmarshalGeometry(probe.Geometry)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeoJSON, err)
		}
		mp, err := polygonal(g.Geometry())
		if err != nil {
			return nil, err
		}
		return &AOI{Shapes: []orb.MultiPolygon{mp}}, nil

	case probe.Features != nil:
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeoJSON, err)
		}
		aoi := &AOI{}
		for i, f := range fc.Features {
			mp, err := polygonal(f.Geometry)
			if err != nil {
				return nil, fmt.Errorf("feature %d: %w", i, err)
			}
			aoi.Shapes = append(aoi.Shapes, mp)
		}
		if len(aoi.Shapes) == 0 {
			return nil, fmt.Errorf("%w: feature collection is empty", ErrInvalidGeoJSON)
		}
		return aoi, nil

	case probe.Type == "Polygon" || probe.Type == "MultiPolygon":
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidGeoJSON, err)
		}
		mp, err := polygonal(g.Geometry())
		if err != nil {
			return nil, err
		}
		return &AOI{Shapes: []orb.MultiPolygon{mp}}, nil
	}

	return nil, fmt.Errorf("%w: no geometry or features", ErrInvalidGeoJSON)
}

func polygonal(g orb.Geometry) (orb.MultiPolygon, error) {
	switch v := g.(type) {
	case orb.Polygon:
		if len(v) == 0 || len(v[0]) < 3 {
			return nil, fmt.Errorf("%w: polygon needs at least 3 vertices", ErrInvalidGeoJSON)
		}
		return orb.MultiPolygon{v}, nil
	case orb.MultiPolygon:
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty multipolygon", ErrInvalidGeoJSON)
		}
		return v, nil
	case nil:
		return nil, fmt.Errorf("%w: missing geometry", ErrInvalidGeoJSON)
	default:
		return nil, fmt.Errorf("%w: %s is not polygonal", ErrInvalidGeoJSON, g.GeoJSONType())
	}
}
