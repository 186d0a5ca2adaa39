package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/crop-yield-pipeline/internal/assets"
	"github.com/i474232898/crop-yield-pipeline/internal/inference"
	"github.com/i474232898/crop-yield-pipeline/internal/pipeline"
	"github.com/i474232898/crop-yield-pipeline/internal/raster"
	"github.com/i474232898/crop-yield-pipeline/internal/store"
)

const (
	fieldLon = -121.6
	fieldLat = 36.7
)

// squareFeature returns a GeoJSON feature of a lon/lat square of roughly side meters.
func squareFeature(side float64) string {
	dLat := side / 2 / 110960.0
	dLon := side / 2 / (111320.0 * math.Cos(fieldLat*math.Pi/180))
	return fmt.Sprintf(`{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[%[1]f,%[3]f],[%[2]f,%[3]f],[%[2]f,%[4]f],[%[1]f,%[4]f],[%[1]f,%[3]f]]]}}`,
		fieldLon-dLon, fieldLon+dLon, fieldLat-dLat, fieldLat+dLat)
}

type flatForecaster struct{}

func (flatForecaster) PredictWeekly(_ context.Context, req inference.Request) (*inference.Result, error) {
	res := &inference.Result{}
	for i := 0; i < 2; i++ {
		d := req.Start.AddDate(0, 0, 7*i)
		res.Dates = append(res.Dates, d)
		res.Yields = append(res.Yields, req.Area)
		res.Weeks = append(res.Weeks, inference.WeekPrediction{Date: d, Yield: req.Area})
	}
	return res, nil
}

func putEVI(t *testing.T, s assets.BlobStore, date string, v float64) {
	t.Helper()
	b := raster.Filled(40, 40, v)
	b.Transform = raster.GeoTransform{OriginX: fieldLon - 0.01, OriginY: fieldLat + 0.01, PixelWidth: 0.0005, PixelHeight: -0.0005}
	b.EPSG = 4326
	var buf bytes.Buffer
	require.NoError(t, raster.Encode(&buf, b))
	key := "converted/LC09_L2SP_044034_" + date + "_20230901_02_T1_EVI.TIF"
	require.NoError(t, s.Put(context.Background(), key, buf.Bytes()))
}

func newTestApp(t *testing.T, withScenes bool) *fiber.App {
	t.Helper()
	blobs := assets.NewMemoryStore()
	if withScenes {
		putEVI(t, blobs, "20230601", 0.4)
		putEVI(t, blobs, "20230617", 0.5)
	}
	svc := pipeline.NewService(pipeline.Deps{
		Locator: assets.NewLocator(blobs, assets.KeyLayout{}),
		Engine:  flatForecaster{},
		Store:   store.NewMemoryStore(10, time.Hour),
	}, pipeline.Config{})

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	RegisterRoutes(app, svc)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)

	out := map[string]any{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

func TestAreaEndpoint(t *testing.T) {
	app := newTestApp(t, false)

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/fields/area", `{"aoi":`+squareFeature(500)+`}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 250000, body["areaM2"], 5000)
	assert.InDelta(t, 61.8, body["acres"], 1.5)
	assert.Equal(t, 32610.0, body["epsg"])
}

func TestAreaEndpointValidation(t *testing.T) {
	app := newTestApp(t, false)

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/fields/area", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, true, body["error"])

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/fields/area", `{"aoi":{"type":"Point","coordinates":[1,2]}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/fields/area", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIndicesEndpoint(t *testing.T) {
	app := newTestApp(t, true)

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/fields/indices",
		`{"aoi":`+squareFeature(500)+`,"products":["EVI"],"includePixels":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	layers := body["layers"].(map[string]any)
	evi := layers["EVI"].(map[string]any)
	summary := evi["summary"].(map[string]any)
	assert.InDelta(t, 0.5, summary["mean"], 1e-6)
	assert.NotEmpty(t, evi["pixels"])

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/fields/indices",
		`{"aoi":`+squareFeature(500)+`,"products":["NDVI"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPredictionLifecycle(t *testing.T) {
	app := newTestApp(t, true)

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/predictions",
		`{"aoi":`+squareFeature(500)+`,"startDate":"2023-07-02","fieldKey":"north"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	assert.NotEmpty(t, id)
	assert.Len(t, body["weeks"], 2)

	resp, body = doJSON(t, app, http.MethodGet, "/api/v1/predictions/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "north", body["fieldKey"])

	now := time.Now().UTC()
	path := fmt.Sprintf("/api/v1/predictions?fieldKey=north&from=%d&to=%d", now.Add(-time.Hour).Unix(), now.Add(time.Hour).Unix())
	resp, body = doJSON(t, app, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["predictions"], 1)

	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/predictions/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPredictionRejectsLargeField(t *testing.T) {
	app := newTestApp(t, true)

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/predictions",
		`{"aoi":`+squareFeature(1000)+`,"startDate":"2023-07-02"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["message"], "exceeds")
}

func TestPredictionValidation(t *testing.T) {
	app := newTestApp(t, true)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/v1/predictions", `{"startDate":"2023-07-02"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/api/v1/predictions", `{"aoi":`+squareFeature(500)+`,"startDate":"July"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPredictionDefaultsToLatestScene(t *testing.T) {
	app := newTestApp(t, true)

	resp, body := doJSON(t, app, http.MethodPost, "/api/v1/predictions", `{"aoi":`+squareFeature(500)+`}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "2023-06-17T00:00:00Z", body["startDate"])
	assert.Greater(t, body["perAcre"], 0.0)
}

func TestPredictionTimesOut(t *testing.T) {
	blobs := &stallingStore{MemoryStore: assets.NewMemoryStore()}
	putEVI(t, blobs.MemoryStore, "20230617", 0.5)
	svc := pipeline.NewService(pipeline.Deps{
		Locator: assets.NewLocator(blobs, assets.KeyLayout{}),
		Engine:  flatForecaster{},
		Store:   store.NewMemoryStore(10, time.Hour),
	}, pipeline.Config{BatchTimeout: 50 * time.Millisecond})
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	RegisterRoutes(app, svc)

	resp, _ := doJSON(t, app, http.MethodPost, "/api/v1/predictions",
		`{"aoi":`+squareFeature(500)+`,"startDate":"2023-07-02"}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

// stallingStore lists normally but never finishes a Get before ctx ends.
type stallingStore struct {
	*assets.MemoryStore
}

func (s *stallingStore) Get(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHistoryQueryValidation(t *testing.T) {
	app := newTestApp(t, false)

	resp, _ := doJSON(t, app, http.MethodGet, "/api/v1/predictions?fieldKey=north", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodGet, "/api/v1/predictions?fieldKey=north&from=2023-08-02&to=2023-08-01", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLatestScene(t *testing.T) {
	resp, _ := doJSON(t, newTestApp(t, false), http.MethodGet, "/api/v1/scenes/latest", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := doJSON(t, newTestApp(t, true), http.MethodGet, "/api/v1/scenes/latest", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2023-06-17T00:00:00Z", body["date"])
}
