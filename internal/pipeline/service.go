package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/crop-yield-pipeline/internal/assets"
	"github.com/i474232898/crop-yield-pipeline/internal/geometry"
	"github.com/i474232898/crop-yield-pipeline/internal/indices"
	"github.com/i474232898/crop-yield-pipeline/internal/inference"
	"github.com/i474232898/crop-yield-pipeline/internal/raster"
	"github.com/i474232898/crop-yield-pipeline/internal/temporal"
)

var (
	// ErrAreaTooLarge is returned when a field exceeds the configured area ceiling.
	ErrAreaTooLarge = errors.New("field area exceeds the supported maximum")
	// ErrNoValidPixels is returned when a raster has no data inside the AOI.
	ErrNoValidPixels = errors.New("no valid pixels inside the area of interest")
	// ErrNoModel is returned by Predict when no forecaster is configured.
	ErrNoModel = errors.New("no yield model loaded")
)

const (
	// DefaultAreaCeilingM2 is the largest field accepted for prediction.
	DefaultAreaCeilingM2 = 610000
	// DefaultFrames is the number of newest scenes loaded per prediction.
	DefaultFrames = 4
	// AllFrames loads every scene of the product.
	AllFrames = -1
	// DefaultRegionAcres is the growing area the yield report covers.
	DefaultRegionAcres = 9229
)

// Config tunes a Service.
type Config struct {
	// AreaCeilingM2 rejects predictions at or above this area; zero uses
	// DefaultAreaCeilingM2.
	AreaCeilingM2 float64
	Unit          AreaUnit

	// Workers bounds the concurrent fetch-and-mask tasks of Indices.
	Workers int

	// BatchTimeout bounds one Indices call as a whole.
	BatchTimeout  time.Duration
	HistogramBins int

	// Frames is the number of newest scenes loaded per prediction; zero
	// means DefaultFrames and a negative value loads every scene.
	Frames int

	// RegionAcres is the acreage behind the yield report. The tabular
	// volumes are scaled by the field's share of it.
	RegionAcres float64

	// UseMasked reads prediction frames from the field-masked prefix instead
	// of the full scenes.
	UseMasked      bool
	PredictProduct indices.Product

	// RawPrefix holds the surface reflectance bands DeriveIndices reads.
	RawPrefix string
}

func (c Config) withDefaults() Config {
	if c.AreaCeilingM2 <= 0 {
		c.AreaCeilingM2 = DefaultAreaCeilingM2
	}
	if c.Unit == "" {
		c.Unit = UnitAcre
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 60 * time.Second
	}
	if c.Frames == 0 {
		c.Frames = DefaultFrames
	}
	if c.RegionAcres <= 0 {
		c.RegionAcres = DefaultRegionAcres
	}
	if c.HistogramBins <= 0 {
		c.HistogramBins = 30
	}
	if c.PredictProduct == "" {
		c.PredictProduct = indices.EVI
	}
	if c.RawPrefix == "" {
		c.RawPrefix = "landsat_raw/"
	}
	return c
}

// Deps are the collaborators of a Service. Engine may be nil when no model
// is loaded; Predict then fails with ErrNoModel.
type Deps struct {
	Locator    *assets.Locator
	Engine     Forecaster
	Calculator *indices.Calculator
	Yields     *temporal.YieldSeries
	Store      Store
}

// Service orchestrates scene discovery, masking and yield prediction.
type Service struct {
	locator *assets.Locator
	engine  Forecaster
	calc    *indices.Calculator
	yields  *temporal.YieldSeries
	store   Store
	cfg     Config

	mu     sync.RWMutex
	latest *assets.Scene
}

// NewService creates a new Service.
func NewService(deps Deps, cfg Config) *Service {
	calc := deps.Calculator
	if calc == nil {
		calc = indices.NewCalculator(nil, indices.CalculatorConfig{})
	}
	yields := deps.Yields
	if yields == nil {
		yields = temporal.NewYieldSeries(nil)
	}
	return &Service{
		locator: deps.Locator,
		engine:  deps.Engine,
		calc:    calc,
		yields:  yields,
		store:   deps.Store,
		cfg:     cfg.withDefaults(),
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Area measures the first feature of aoi in its UTM zone.
func (s *Service) Area(aoi *geometry.AOI) (geometry.Area, error) {
	return geometry.Measure(aoi)
}

// PredictRequest is one forecast request. FieldKey groups predictions of
// the same field; it is derived from Raw when empty. A zero Start forecasts
// from the latest scene date.
type PredictRequest struct {
	AOI      *geometry.AOI
	Raw      []byte
	FieldKey string
	Start    time.Time
}

// Predict checks the area ceiling, masks the scene catalog to the AOI,
// forecasts the weekly yields and stores the result. Config.BatchTimeout
// bounds the scene fetches and the forecast.
func (s *Service) Predict(ctx context.Context, req PredictRequest) (Prediction, error) {
	if s.engine == nil {
		return Prediction{}, ErrNoModel
	}
	area, err := geometry.Measure(req.AOI)
	if err != nil {
		return Prediction{}, err
	}
	if area.SquareMeters >= s.cfg.AreaCeilingM2 {
		return Prediction{}, fmt.Errorf("%w: %.0f m2 (limit %.0f m2)", ErrAreaTooLarge, area.SquareMeters, s.cfg.AreaCeilingM2)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	if req.Start.IsZero() {
		scene, err := s.scene(ctx)
		if err != nil {
			return Prediction{}, err
		}
		req.Start = scene.Date
	}

	cat, err := s.fieldCatalog(ctx, req.AOI)
	if err != nil {
		return Prediction{}, err
	}

	log.Printf("INFO: predicting field of %.2f acres from %s over %d frames",
		area.Acres, req.Start.Format(time.DateOnly), cat.Len())
	res, err := s.engine.PredictWeekly(ctx, inference.Request{
		Catalog: cat,
		Yields:  fieldYields(s.yields, area.Acres/s.cfg.RegionAcres),
		Start:   req.Start,
		Area:    s.cfg.Unit.Of(area),
	})
	if err != nil {
		return Prediction{}, err
	}

	key := req.FieldKey
	if key == "" {
		key = FieldKey(req.Raw)
	}
	p := Prediction{
		ID:        uuid.NewString(),
		FieldKey:  key,
		CreatedAt: time.Now().UTC(),
		Start:     req.Start,
		Area:      area,
		Unit:      s.cfg.Unit,
		Weeks:     res.Weeks,
		Stats:     res.Stats,
	}
	for _, y := range res.Yields {
		p.Total += y
	}
	if area.Acres > 0 {
		p.PerAcre = p.Total / area.Acres
	}

	if s.store != nil {
		if err := s.store.SavePrediction(ctx, p); err != nil {
			log.Printf("ERROR: failed to store prediction %s: %v", p.ID, err)
			return p, err
		}
	}
	return p, nil
}

// fieldYields returns a copy of the regional series with the volume
// features scaled to a field holding share of the region's acreage.
func fieldYields(region *temporal.YieldSeries, share float64) *temporal.YieldSeries {
	entries := region.Entries()
	records := make([]temporal.YieldRecord, len(entries))
	for i, e := range entries {
		r := e.Value
		r.Volume *= share
		r.Cumulative *= share
		records[i] = r
	}
	return temporal.NewYieldSeries(records)
}

// fieldCatalog loads the prediction frames and masks each to the AOI.
// Frames without data inside the AOI are dropped.
func (s *Service) fieldCatalog(ctx context.Context, aoi *geometry.AOI) (*temporal.Catalog, error) {
	n := s.cfg.Frames
	if n < 0 {
		n = AllFrames
	}
	var (
		keys []assets.DatedKey
		err  error
	)
	if s.cfg.UseMasked {
		keys, err = s.locator.LastMasked(ctx, n)
	} else {
		keys, err = s.locator.LastN(ctx, s.cfg.PredictProduct, n)
	}
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, assets.ErrNoScene
	}

	loaded, err := s.locator.LoadCatalog(ctx, keys, func(b *raster.Band) (*raster.Band, error) {
		m, err := geometry.Mask(b, aoi, geometry.MaskOptions{Crop: true})
		if err != nil {
			return nil, err
		}
		return m.Band, nil
	})
	if err != nil {
		return nil, err
	}

	cat := temporal.NewCatalog()
	for _, e := range loaded.Entries() {
		if e.Value.ValidCount() == 0 {
			log.Printf("DEBUG: frame %s has no pixels inside the field", e.Date.Format(time.DateOnly))
			continue
		}
		cat.Insert(e.Date, e.Value)
	}
	if cat.Len() == 0 {
		return nil, ErrNoValidPixels
	}
	return cat, nil
}

// GetPrediction delegates to the underlying store.
func (s *Service) GetPrediction(ctx context.Context, id string) (Prediction, error) {
	return s.store.GetPrediction(ctx, id)
}

// ListPredictions delegates to the underlying store.
func (s *Service) ListPredictions(ctx context.Context, fieldKey string, from, to time.Time) ([]Prediction, error) {
	return s.store.ListByField(ctx, fieldKey, from, to)
}

// RefreshLatest discovers the newest scene and caches it.
func (s *Service) RefreshLatest(ctx context.Context) (assets.Scene, error) {
	scene, err := s.locator.Latest(ctx)
	if err != nil {
		return assets.Scene{}, err
	}

	s.mu.Lock()
	prev := s.latest
	s.latest = &scene
	s.mu.Unlock()

	if prev == nil || !prev.Date.Equal(scene.Date) {
		log.Printf("INFO: latest scene is %s with %d products", scene.Date.Format(time.DateOnly), len(scene.Keys))
	}
	return scene, nil
}

// Latest returns the cached scene, if a refresh has succeeded.
func (s *Service) Latest() (assets.Scene, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return assets.Scene{}, false
	}
	return *s.latest, true
}

func (s *Service) scene(ctx context.Context) (assets.Scene, error) {
	if sc, ok := s.Latest(); ok {
		return sc, nil
	}
	return s.RefreshLatest(ctx)
}
