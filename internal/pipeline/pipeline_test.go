package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/crop-yield-pipeline/internal/assets"
	"github.com/i474232898/crop-yield-pipeline/internal/geometry"
	"github.com/i474232898/crop-yield-pipeline/internal/indices"
	"github.com/i474232898/crop-yield-pipeline/internal/inference"
	"github.com/i474232898/crop-yield-pipeline/internal/raster"
	"github.com/i474232898/crop-yield-pipeline/internal/temporal"
)

const (
	fieldLon = -121.6
	fieldLat = 36.7
)

func squareAround(lon, lat, side float64) orb.Polygon {
	dLat := side / 2 / 110960.0
	dLon := side / 2 / (111320.0 * math.Cos(lat*math.Pi/180))
	return orb.Polygon{orb.Ring{
		{lon - dLon, lat - dLat},
		{lon + dLon, lat - dLat},
		{lon + dLon, lat + dLat},
		{lon - dLon, lat + dLat},
		{lon - dLon, lat - dLat},
	}}
}

func fieldAOI(side float64) *geometry.AOI {
	return &geometry.AOI{Shapes: []orb.MultiPolygon{{squareAround(fieldLon, fieldLat, side)}}}
}

// geoBand is a 40x40 WGS84 raster of 0.0005 degree pixels centred on
// (lon, lat), filled by fill(row, col).
func geoBand(lon, lat float64, fill func(r, c int) float64) *raster.Band {
	b := raster.Filled(40, 40, 0)
	for r := 0; r < 40; r++ {
		for c := 0; c < 40; c++ {
			b.Set(r, c, fill(r, c))
		}
	}
	b.Transform = raster.GeoTransform{OriginX: lon - 0.01, OriginY: lat + 0.01, PixelWidth: 0.0005, PixelHeight: -0.0005}
	b.EPSG = 4326
	return b
}

func constant(v float64) func(int, int) float64 {
	return func(int, int) float64 { return v }
}

func sceneKey(prefix, date, suffix string) string {
	return prefix + "LC09_L2SP_044034_" + date + "_20230901_02_T1_" + suffix + ".TIF"
}

func putBand(t *testing.T, s assets.BlobStore, key string, b *raster.Band) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, raster.Encode(&buf, b))
	require.NoError(t, s.Put(context.Background(), key, buf.Bytes()))
}

func getBand(t *testing.T, s assets.BlobStore, key string) *raster.Band {
	t.Helper()
	data, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	b, err := raster.Decode(data)
	require.NoError(t, err)
	return b.MaskNoData()
}

type memStore struct {
	mu    sync.Mutex
	saved map[string]Prediction
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]Prediction)}
}

func (m *memStore) SavePrediction(_ context.Context, p Prediction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[p.ID] = p
	return nil
}

func (m *memStore) GetPrediction(_ context.Context, id string) (Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.saved[id]
	if !ok {
		return Prediction{}, fmt.Errorf("prediction %s not found", id)
	}
	return p, nil
}

func (m *memStore) ListByField(_ context.Context, key string, from, to time.Time) ([]Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Prediction
	for _, p := range m.saved {
		if p.FieldKey == key && !p.CreatedAt.Before(from) && !p.CreatedAt.After(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

// fakeForecaster returns three weeks whose yield is the area times the week number.
type fakeForecaster struct {
	mu   sync.Mutex
	reqs []inference.Request
}

func (f *fakeForecaster) PredictWeekly(_ context.Context, req inference.Request) (*inference.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	res := &inference.Result{Stats: temporal.Stats{Mean: 1, Std: 2}}
	for i := 0; i < 3; i++ {
		d := req.Start.AddDate(0, 0, 7*i)
		y := req.Area * float64(i+1)
		res.Dates = append(res.Dates, d)
		res.Yields = append(res.Yields, y)
		res.Weeks = append(res.Weeks, inference.WeekPrediction{Date: d, Yield: y})
	}
	return res, nil
}

func newTestService(t *testing.T, cfg Config) (*Service, *assets.MemoryStore, *fakeForecaster, *memStore) {
	t.Helper()
	blobs := assets.NewMemoryStore()
	fc := &fakeForecaster{}
	ms := newMemStore()
	svc := NewService(Deps{
		Locator: assets.NewLocator(blobs, assets.KeyLayout{}),
		Engine:  fc,
		Store:   ms,
	}, cfg)
	return svc, blobs, fc, ms
}

func TestPredictRejectsLargeFields(t *testing.T) {
	svc, _, fc, _ := newTestService(t, Config{})

	_, err := svc.Predict(context.Background(), PredictRequest{AOI: fieldAOI(1000), Start: time.Now()})
	assert.ErrorIs(t, err, ErrAreaTooLarge)
	assert.Empty(t, fc.reqs)
}

func TestPredictWithoutModel(t *testing.T) {
	svc := NewService(Deps{Locator: assets.NewLocator(assets.NewMemoryStore(), assets.KeyLayout{})}, Config{})
	_, err := svc.Predict(context.Background(), PredictRequest{AOI: fieldAOI(500)})
	assert.ErrorIs(t, err, ErrNoModel)
}

func TestPredictWithoutScenes(t *testing.T) {
	svc, _, _, _ := newTestService(t, Config{})
	_, err := svc.Predict(context.Background(), PredictRequest{AOI: fieldAOI(500)})
	assert.ErrorIs(t, err, assets.ErrNoScene)
}

func TestPredictMasksFramesAndStoresResult(t *testing.T) {
	svc, blobs, fc, ms := newTestService(t, Config{})

	putBand(t, blobs, sceneKey("converted/", "20230601", "EVI"), geoBand(fieldLon, fieldLat, constant(0.4)))
	putBand(t, blobs, sceneKey("converted/", "20230617", "EVI"), geoBand(fieldLon, fieldLat, constant(0.5)))
	// A scene of another path that does not cover the field.
	putBand(t, blobs, sceneKey("converted/", "20230703", "EVI"), geoBand(fieldLon+1, fieldLat, constant(0.6)))

	raw := []byte(`{"type":"Polygon"}`)
	start := time.Date(2023, 7, 2, 0, 0, 0, 0, time.UTC)
	p, err := svc.Predict(context.Background(), PredictRequest{AOI: fieldAOI(500), Raw: raw, Start: start})
	require.NoError(t, err)

	require.Len(t, fc.reqs, 1)
	req := fc.reqs[0]
	assert.Equal(t, 2, req.Catalog.Len())
	assert.InDelta(t, 250000/geometry.SquareMetersPerAcre, req.Area, 2)
	assert.Equal(t, start, req.Start)

	for _, e := range req.Catalog.Entries() {
		assert.Less(t, e.Value.Rows, 40, "frames are cropped to the field")
		assert.Greater(t, e.Value.ValidCount(), 50)
	}

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, FieldKey(raw), p.FieldKey)
	assert.Equal(t, UnitAcre, p.Unit)
	assert.Len(t, p.Weeks, 3)
	assert.InDelta(t, 6*req.Area, p.Total, 1e-9)

	stored, err := svc.GetPrediction(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Total, stored.Total)
	assert.Len(t, ms.saved, 1)

	list, err := svc.ListPredictions(context.Background(), p.FieldKey, p.CreatedAt.Add(-time.Minute), p.CreatedAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPredictSquareMetreUnitAndFrameLimit(t *testing.T) {
	svc, blobs, fc, _ := newTestService(t, Config{Unit: UnitM2, Frames: 1})

	putBand(t, blobs, sceneKey("converted/", "20230601", "EVI"), geoBand(fieldLon, fieldLat, constant(0.4)))
	putBand(t, blobs, sceneKey("converted/", "20230617", "EVI"), geoBand(fieldLon, fieldLat, constant(0.5)))

	_, err := svc.Predict(context.Background(), PredictRequest{AOI: fieldAOI(500), FieldKey: "north"})
	require.NoError(t, err)

	req := fc.reqs[0]
	assert.Equal(t, 1, req.Catalog.Len())
	assert.InDelta(t, 250000, req.Area, 5000)
	latest := req.Catalog.Latest(1)[0]
	assert.Equal(t, time.Date(2023, 6, 17, 0, 0, 0, 0, time.UTC), latest.Date)
}

func TestPredictFieldOutsideEveryScene(t *testing.T) {
	svc, blobs, _, _ := newTestService(t, Config{})
	putBand(t, blobs, sceneKey("converted/", "20230601", "EVI"), geoBand(fieldLon+1, fieldLat, constant(0.4)))

	_, err := svc.Predict(context.Background(), PredictRequest{AOI: fieldAOI(500)})
	assert.ErrorIs(t, err, ErrNoValidPixels)
}

func TestPredictScalesYieldsToFieldShare(t *testing.T) {
	regional := regionalYields()
	blobs := assets.NewMemoryStore()
	fc := &fakeForecaster{}
	svc := NewService(Deps{
		Locator: assets.NewLocator(blobs, assets.KeyLayout{}),
		Engine:  fc,
		Yields:  regional,
		Store:   newMemStore(),
	}, Config{RegionAcres: 100})
	putBand(t, blobs, sceneKey("converted/", "20230617", "EVI"), geoBand(fieldLon, fieldLat, constant(0.4)))

	p, err := svc.Predict(context.Background(), PredictRequest{AOI: fieldAOI(500)})
	require.NoError(t, err)

	share := p.Area.Acres / 100
	got := fc.reqs[0].Yields.Entries()
	require.Len(t, got, 2)
	assert.InDelta(t, 0.8*share, got[0].Value.Volume, 1e-12)
	assert.InDelta(t, 40*share, got[1].Value.Cumulative, 1e-12)
	assert.Equal(t, got[1].Value.MonthSin, regional.Entries()[1].Value.MonthSin)

	assert.Equal(t, 0.8, regional.Entries()[0].Value.Volume, "regional series untouched")
	assert.InDelta(t, p.Total/p.Area.Acres, p.PerAcre, 1e-12)
	assert.Equal(t, time.Date(2023, 6, 17, 0, 0, 0, 0, time.UTC), p.Start, "start defaults to the latest scene")
}

// regionalYields holds two scaled weeks of a regional report.
func regionalYields() *temporal.YieldSeries {
	w1 := time.Date(2023, 6, 11, 0, 0, 0, 0, time.UTC)
	w2 := w1.AddDate(0, 0, 7)
	return temporal.NewYieldSeries([]temporal.YieldRecord{
		{Date: w1, Volume: 0.8, Cumulative: 20, TimeFeatures: temporal.NewTimeFeatures(w1)},
		{Date: w2, Volume: 0.2, Cumulative: 40, TimeFeatures: temporal.NewTimeFeatures(w2)},
	})
}

// stallingStore lists like a MemoryStore but Get waits for ctx to end.
type stallingStore struct {
	*assets.MemoryStore
}

func (s *stallingStore) Get(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPredictHonoursBatchTimeout(t *testing.T) {
	blobs := &stallingStore{MemoryStore: assets.NewMemoryStore()}
	putBand(t, blobs.MemoryStore, sceneKey("converted/", "20230617", "EVI"), geoBand(fieldLon, fieldLat, constant(0.4)))
	fc := &fakeForecaster{}
	svc := NewService(Deps{
		Locator: assets.NewLocator(blobs, assets.KeyLayout{}),
		Engine:  fc,
		Store:   newMemStore(),
	}, Config{BatchTimeout: 100 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := svc.Predict(context.Background(), PredictRequest{AOI: fieldAOI(500), Start: time.Date(2023, 7, 2, 0, 0, 0, 0, time.UTC)})
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Predict ignored the batch timeout")
	}
	assert.Empty(t, fc.reqs)
}

func TestConfigFrameDefaults(t *testing.T) {
	assert.Equal(t, DefaultFrames, Config{}.withDefaults().Frames)
	assert.Equal(t, AllFrames, Config{Frames: AllFrames}.withDefaults().Frames)
	assert.Equal(t, float64(DefaultRegionAcres), Config{}.withDefaults().RegionAcres)
}

func TestPredictLoadsNewestFramesByDefault(t *testing.T) {
	svc, blobs, fc, _ := newTestService(t, Config{})
	for _, d := range []string{"20230501", "20230517", "20230601", "20230617", "20230703"} {
		putBand(t, blobs, sceneKey("converted/", d, "EVI"), geoBand(fieldLon, fieldLat, constant(0.4)))
	}

	_, err := svc.Predict(context.Background(), PredictRequest{AOI: fieldAOI(500)})
	require.NoError(t, err)
	cat := fc.reqs[0].Catalog
	require.Equal(t, DefaultFrames, cat.Len())
	assert.Equal(t, time.Date(2023, 5, 17, 0, 0, 0, 0, time.UTC), cat.Entries()[0].Date)
}

func TestRefreshLatestCachesScene(t *testing.T) {
	svc, blobs, _, _ := newTestService(t, Config{})
	_, ok := svc.Latest()
	assert.False(t, ok)

	putBand(t, blobs, sceneKey("converted/", "20230617", "EVI"), geoBand(fieldLon, fieldLat, constant(0.4)))
	scene, err := svc.RefreshLatest(context.Background())
	require.NoError(t, err)

	cached, ok := svc.Latest()
	require.True(t, ok)
	assert.Equal(t, scene.Date, cached.Date)
	assert.Equal(t, time.Date(2023, 6, 17, 0, 0, 0, 0, time.UTC), cached.Date)
}

func TestIndicesIsolatesProductFailures(t *testing.T) {
	svc, blobs, _, _ := newTestService(t, Config{Workers: 2})

	putBand(t, blobs, sceneKey("converted/", "20230703", "EVI"), geoBand(fieldLon, fieldLat, constant(0.45)))
	putBand(t, blobs, sceneKey("converted/", "20230703", "ST_B10"), geoBand(fieldLon, fieldLat, constant(45000)))
	putBand(t, blobs, sceneKey("mtvi2_output/", "20230703", "MTVI2"), geoBand(fieldLon, fieldLat, func(r, c int) float64 {
		return float64(r) / 100
	}))

	res, err := svc.Indices(context.Background(), IndicesRequest{AOI: fieldAOI(500), IncludePixels: true})
	require.NoError(t, err)

	assert.Equal(t, time.Date(2023, 7, 3, 0, 0, 0, 0, time.UTC), res.Date)
	require.Len(t, res.Layers, 3)
	assert.Contains(t, res.Errors, indices.SMI)

	evi := res.Layers[indices.EVI]
	assert.InDelta(t, 0.45, evi.Summary.Mean, 1e-6)
	assert.Equal(t, evi.Summary.Count, evi.Masked.Valid)
	assert.Len(t, evi.Pixels, evi.Masked.Band.Rows)

	// 45000 * 0.00341802 + 149 K in Celsius.
	st := res.Layers[indices.ST]
	assert.InDelta(t, 45000*0.00341802+149-273.15, st.Summary.Mean, 1e-3)

	mt := res.Layers[indices.MTVI2]
	assert.Less(t, mt.Summary.Min, mt.Summary.Max)
	assert.NotEmpty(t, mt.Histogram.Counts)
}

func TestIndicesSelectedProducts(t *testing.T) {
	svc, blobs, _, _ := newTestService(t, Config{})
	putBand(t, blobs, sceneKey("converted/", "20230703", "EVI"), geoBand(fieldLon, fieldLat, constant(0.45)))
	putBand(t, blobs, sceneKey("converted/", "20230703", "ST_B10"), geoBand(fieldLon, fieldLat, constant(45000)))

	res, err := svc.Indices(context.Background(), IndicesRequest{AOI: fieldAOI(500), Products: []indices.Product{indices.EVI}})
	require.NoError(t, err)
	assert.Len(t, res.Layers, 1)
	assert.Empty(t, res.Errors)
	assert.Nil(t, res.Layers[indices.EVI].Pixels)
}

func TestIndicesFailsWhenNothingMasks(t *testing.T) {
	svc, blobs, _, _ := newTestService(t, Config{})
	putBand(t, blobs, sceneKey("converted/", "20230703", "EVI"), geoBand(fieldLon+1, fieldLat, constant(0.45)))

	var logs bytes.Buffer
	log.SetOutput(&logs)
	defer log.SetOutput(os.Stderr)

	res, err := svc.Indices(context.Background(), IndicesRequest{AOI: fieldAOI(500), Products: []indices.Product{indices.EVI}})
	assert.ErrorIs(t, err, ErrNoValidPixels)
	require.NotNil(t, res)
	assert.Contains(t, res.Errors, indices.EVI)
	assert.Contains(t, logs.String(), "ERROR: product EVI failed")
}

func TestDeriveIndicesWritesMissingOutputs(t *testing.T) {
	svc, blobs, _, _ := newTestService(t, Config{})
	ctx := context.Background()

	stKey := sceneKey("converted/", "20230703", "ST_B10")
	lst := geoBand(fieldLon, fieldLat, func(r, c int) float64 { return 30000 + float64(r*40+c) })
	lst.Set(0, 1, 0)
	putBand(t, blobs, stKey, lst)

	putBand(t, blobs, sceneKey("landsat_raw/", "20230703", "SR_B5"), geoBand(fieldLon, fieldLat, constant(30000)))
	putBand(t, blobs, sceneKey("landsat_raw/", "20230703", "SR_B4"), geoBand(fieldLon, fieldLat, constant(10000)))
	putBand(t, blobs, sceneKey("landsat_raw/", "20230703", "SR_B3"), geoBand(fieldLon, fieldLat, constant(12000)))
	// Incomplete group without a green band.
	putBand(t, blobs, sceneKey("landsat_raw/", "20230719", "SR_B5"), geoBand(fieldLon, fieldLat, constant(30000)))
	putBand(t, blobs, sceneKey("landsat_raw/", "20230719", "SR_B4"), geoBand(fieldLon, fieldLat, constant(10000)))

	report, err := svc.DeriveIndices(ctx)
	require.NoError(t, err)
	smiKey := sceneKey("smi_output/", "20230703", "SMI")
	mtKey := sceneKey("mtvi2_output/", "20230703", "SR_MTVI2")
	assert.ElementsMatch(t, []string{smiKey, mtKey}, report.Written)
	assert.Empty(t, report.Failed)

	smi := getBand(t, blobs, smiKey)
	assert.InDelta(t, 1, smi.At(0, 0), 1e-4, "coolest pixel")
	assert.InDelta(t, 0, smi.At(39, 39), 1e-4, "warmest pixel")
	assert.True(t, math.IsNaN(smi.At(0, 1)), "fill pixel is written as nodata")

	mt := getBand(t, blobs, mtKey)
	nir, red, green := 30000*0.0000275-0.2, 10000*0.0000275-0.2, 12000*0.0000275-0.2
	want := 1.5 * (1.2*(nir-green) - 2.5*(red-green)) / math.Sqrt(math.Pow(2*nir+1, 2)-(6*nir-5*math.Sqrt(red))-0.5)
	assert.InDelta(t, want, mt.At(5, 5), 1e-5)

	keys, err := svc.locator.Keys(ctx, indices.MTVI2)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, time.Date(2023, 7, 3, 0, 0, 0, 0, time.UTC), keys[0].Date)

	again, err := svc.DeriveIndices(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Written)
	assert.Equal(t, 2, again.Skipped)
}

const dailyYields = `Date,Volume (Pounds),Cumulative Volumne (Pounds),Pounds/Acre
2023-03-06,10,10,1
2023-03-07,30,40,3
2023-03-14,20,60,2
2023-01-10,99,99,9
`

func TestLoadYieldsFitsScalerOnWeeklyVolumes(t *testing.T) {
	series, scaler, err := LoadYields(strings.NewReader(dailyYields), nil)
	require.NoError(t, err)
	require.Equal(t, 2, series.Len())

	assert.Equal(t, 20.0, scaler.DataMin)
	assert.Equal(t, 40.0, scaler.DataMax)

	first, ok := series.Get(time.Date(2023, 3, 12, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.InDelta(t, 1, first.Volume, 1e-9)
	assert.InDelta(t, 40, first.Cumulative, 1e-9)
	last := series.Latest(1)[0]
	assert.InDelta(t, 0, last.Value.Volume, 1e-9)
}

func TestLoadYieldsUsesGivenScaler(t *testing.T) {
	given := inference.MinMaxScaler{DataMin: 0, DataMax: 80, FeatureMin: 0, FeatureMax: 1}
	series, scaler, err := LoadYields(strings.NewReader(dailyYields), &given)
	require.NoError(t, err)
	assert.Equal(t, given, scaler)
	assert.InDelta(t, 0.5, series.Entries()[0].Value.Volume, 1e-9)
}

func TestLoadYieldsRejectsEmptySeason(t *testing.T) {
	_, _, err := LoadYields(strings.NewReader("Date,Volume (Pounds),Cumulative Volumne (Pounds),Pounds/Acre\n2023-01-10,1,1,1\n"), nil)
	assert.ErrorIs(t, err, temporal.ErrEmptyIndex)
}
