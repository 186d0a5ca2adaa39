package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"

	"github.com/i474232898/crop-yield-pipeline/internal/geometry"
	"github.com/i474232898/crop-yield-pipeline/internal/indices"
	"github.com/i474232898/crop-yield-pipeline/internal/inference"
	"github.com/i474232898/crop-yield-pipeline/internal/raster"
	"github.com/i474232898/crop-yield-pipeline/internal/temporal"
)

// AreaUnit is the unit the model output is scaled by.
type AreaUnit string

const (
	UnitAcre AreaUnit = "acre"
	UnitM2   AreaUnit = "m2"
)

// ParseAreaUnit defaults to acres for unknown values.
func ParseAreaUnit(s string) AreaUnit {
	if AreaUnit(s) == UnitM2 {
		return UnitM2
	}
	return UnitAcre
}

// Of returns the area in this unit.
func (u AreaUnit) Of(a geometry.Area) float64 {
	if u == UnitM2 {
		return a.SquareMeters
	}
	return a.Acres
}

// Prediction is a stored weekly forecast for one field.
type Prediction struct {
	ID        string                     `json:"id"`
	FieldKey  string                     `json:"fieldKey"`
	CreatedAt time.Time                  `json:"createdAt"`
	Start     time.Time                  `json:"startDate"`
	Area      geometry.Area              `json:"area"`
	Unit      AreaUnit                   `json:"areaUnit"`
	Weeks     []inference.WeekPrediction `json:"weeks"`
	Total     float64                    `json:"total"`
	PerAcre   float64                    `json:"perAcre"`
	Stats     temporal.Stats             `json:"stats"`
}

// Store is the contract prediction stores (memory, Postgres) must satisfy.
type Store interface {
	SavePrediction(ctx context.Context, p Prediction) error
	GetPrediction(ctx context.Context, id string) (Prediction, error)
	ListByField(ctx context.Context, fieldKey string, from, to time.Time) ([]Prediction, error)
}

// Forecaster produces weekly forecasts; *inference.Engine implements it.
type Forecaster interface {
	PredictWeekly(ctx context.Context, req inference.Request) (*inference.Result, error)
}

// Layer is one product masked to an AOI, ready for display.
type Layer struct {
	Product   indices.Product        `json:"product"`
	Key       string                 `json:"key"`
	Date      time.Time              `json:"date"`
	Window    geometry.Window        `json:"window"`
	Summary   raster.Summary         `json:"summary"`
	Histogram raster.Histogram       `json:"histogram"`
	Pixels    [][]*float64           `json:"pixels,omitempty"`
	Masked    *geometry.MaskedRaster `json:"-"`
}

// IndicesResult holds the layers that were produced and the error of every
// product that was not.
type IndicesResult struct {
	Date   time.Time                  `json:"date"`
	Layers map[indices.Product]*Layer `json:"layers"`
	Errors map[indices.Product]string `json:"errors,omitempty"`
}

// FieldKey identifies a field by the hash of its submitted GeoJSON.
func FieldKey(aoi []byte) string {
	sum := sha1.Sum(aoi)
	return hex.EncodeToString(sum[:8])
}
