package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/crop-yield-pipeline/internal/bands"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("BLOB_BACKEND", "")
	t.Setenv("AREA_UNIT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "file", cfg.BlobBackend)
	assert.Equal(t, "agrisense3", cfg.Bucket)
	assert.Equal(t, "https://agrisense3.s3.amazonaws.com", cfg.BlobBaseURL)
	assert.Equal(t, 610000.0, cfg.AreaCeilingM2)
	assert.Equal(t, "acre", cfg.AreaUnit)
	assert.Equal(t, 4, cfg.FetchWorkers)
	assert.Equal(t, 60*time.Second, cfg.BatchTimeout)
	assert.Equal(t, 60*time.Minute, cfg.RefreshInterval)
	assert.Equal(t, 512, cfg.TargetSize)
	assert.Equal(t, 13, cfg.PredictWeeks)
	assert.Equal(t, 4, cfg.Frames)
	assert.Equal(t, 9229.0, cfg.RegionAcres)
	assert.Equal(t, bands.Fahrenheit, cfg.TemperatureUnit)
	assert.Equal(t, bands.SurfaceTemperature(), cfg.Temperature)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BLOB_BACKEND", "HTTP")
	t.Setenv("ASSET_BUCKET", "fields")
	t.Setenv("BLOB_BASE_URL", "")
	t.Setenv("AREA_CEILING_M2", "1000.5")
	t.Setenv("AREA_UNIT", "m2")
	t.Setenv("SEQUENCE_LENGTH", "3")
	t.Setenv("STORE_MAX_AGE", "2h")
	t.Setenv("TEMP_UNIT", "C")
	t.Setenv("THERMAL_RADIANCE", "true")
	t.Setenv("PREDICT_FRAMES", "0")
	t.Setenv("REGION_ACRES", "500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.BlobBackend)
	assert.Equal(t, "https://fields.s3.amazonaws.com", cfg.BlobBaseURL)
	assert.Equal(t, 1000.5, cfg.AreaCeilingM2)
	assert.Equal(t, "m2", cfg.AreaUnit)
	assert.Equal(t, 3, cfg.SequenceLength)
	assert.Equal(t, 2*time.Hour, cfg.StoreMaxAge)
	assert.Equal(t, bands.Celsius, cfg.TemperatureUnit)
	require.NotNil(t, cfg.Temperature.Thermal)
	assert.Equal(t, bands.SurfaceTemperature(), cfg.Moisture)
	assert.Equal(t, 0, cfg.Frames)
	assert.Equal(t, 500.0, cfg.RegionAcres)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"backend":  {"BLOB_BACKEND", "ftp"},
		"unit":     {"AREA_UNIT", "hectare"},
		"duration": {"BATCH_TIMEOUT", "soon"},
		"temp":     {"TEMP_UNIT", "R"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGetenvFallsBackOnGarbage(t *testing.T) {
	t.Setenv("FETCH_WORKERS", "many")
	assert.Equal(t, 4, getenvInt("FETCH_WORKERS", 4))
	t.Setenv("USE_MASKED_FRAMES", "yes please")
	assert.False(t, getenvBool("USE_MASKED_FRAMES", false))
}
