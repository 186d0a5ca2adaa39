package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/i474232898/crop-yield-pipeline/internal/bands"
)

type AppConfig struct {
	Port        string
	HTTPTimeout time.Duration

	// Blob storage holding scenes, derived indices and the model artifact.
	BlobBackend string // file, http or memory
	BlobRoot    string
	BlobBaseURL string
	Bucket      string

	// Model artifact manifest key and optional weights key override.
	ModelPath        string
	ModelWeightsPath string
	YieldCSVPath     string

	AreaCeilingM2  float64
	AreaUnit       string
	FetchWorkers   int
	BatchTimeout   time.Duration
	TargetSize     int
	PredictWeeks   int
	SequenceLength int
	Frames         int // newest scenes per prediction (0 = all)
	RegionAcres    float64
	UseMasked      bool
	RawPrefix      string

	// RefreshInterval controls how often the latest scene is rediscovered.
	RefreshInterval time.Duration
	// DeriveInterval controls the index derivation job (0 = disabled).
	DeriveInterval time.Duration

	// In-memory store retention.
	StoreMaxHistory int           // max number of predictions per field (0 = unlimited)
	StoreMaxAge     time.Duration // max age of predictions (0 = unlimited)
	DatabaseURL     string

	TemperatureUnit bands.TemperatureUnit
	Reflectance     bands.ProductSpec
	Temperature     bands.ProductSpec
	Moisture        bands.ProductSpec
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	cfg := &AppConfig{}
	var err error

	cfg.Port = getenvDefault("PORT", "8080")
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", "30s"); err != nil {
		return nil, err
	}

	cfg.BlobBackend = strings.ToLower(getenvDefault("BLOB_BACKEND", "file"))
	switch cfg.BlobBackend {
	case "file", "http", "memory":
	default:
		return nil, fmt.Errorf("invalid BLOB_BACKEND %q: use file, http or memory", cfg.BlobBackend)
	}
	cfg.BlobRoot = getenvDefault("BLOB_ROOT", "./data")
	cfg.Bucket = getenvDefault("ASSET_BUCKET", "agrisense3")
	cfg.BlobBaseURL = getenvDefault("BLOB_BASE_URL", "https://"+cfg.Bucket+".s3.amazonaws.com")

	cfg.ModelPath = os.Getenv("MODEL_PATH")
	cfg.ModelWeightsPath = os.Getenv("MODEL_WEIGHTS_PATH")
	cfg.YieldCSVPath = os.Getenv("YIELD_CSV_PATH")

	cfg.AreaCeilingM2 = getenvFloat("AREA_CEILING_M2", 610000)
	cfg.AreaUnit = getenvDefault("AREA_UNIT", "acre")
	if cfg.AreaUnit != "acre" && cfg.AreaUnit != "m2" {
		return nil, fmt.Errorf("invalid AREA_UNIT %q: use acre or m2", cfg.AreaUnit)
	}
	cfg.FetchWorkers = getenvInt("FETCH_WORKERS", 4)
	if cfg.BatchTimeout, err = getenvDuration("BATCH_TIMEOUT", "60s"); err != nil {
		return nil, err
	}
	cfg.TargetSize = getenvInt("TARGET_SIZE", 512)
	cfg.PredictWeeks = getenvInt("PREDICT_WEEKS", 13)
	cfg.SequenceLength = getenvInt("SEQUENCE_LENGTH", 1)
	cfg.Frames = getenvInt("PREDICT_FRAMES", 4)
	cfg.RegionAcres = getenvFloat("REGION_ACRES", 9229)
	cfg.UseMasked = getenvBool("USE_MASKED_FRAMES", false)
	cfg.RawPrefix = getenvDefault("RAW_PREFIX", "landsat_raw/")

	if cfg.RefreshInterval, err = getenvDuration("REFRESH_INTERVAL", "60m"); err != nil {
		return nil, err
	}
	if cfg.DeriveInterval, err = getenvDuration("DERIVE_INTERVAL", "0s"); err != nil {
		return nil, err
	}

	// Store retention.
	cfg.StoreMaxHistory = getenvInt("STORE_MAX_HISTORY", 100)
	if cfg.StoreMaxAge, err = getenvDuration("STORE_MAX_AGE", "720h"); err != nil {
		return nil, err
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	switch unit := bands.TemperatureUnit(getenvDefault("TEMP_UNIT", string(bands.Fahrenheit))); unit {
	case bands.Kelvin, bands.Celsius, bands.Fahrenheit:
		cfg.TemperatureUnit = unit
	default:
		return nil, fmt.Errorf("invalid TEMP_UNIT %q", unit)
	}
	cfg.Reflectance = bands.SurfaceReflectance()
	cfg.Temperature = bands.SurfaceTemperature()
	if getenvBool("THERMAL_RADIANCE", false) {
		cfg.Temperature = bands.ThermalRadiance()
	}
	// SMI always uses the Level-2 linear scale.
	cfg.Moisture = bands.SurfaceTemperature()

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getenvDefault(key, def))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
