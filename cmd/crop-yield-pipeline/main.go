package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/i474232898/crop-yield-pipeline/internal/api/http"
	"github.com/i474232898/crop-yield-pipeline/internal/assets"
	"github.com/i474232898/crop-yield-pipeline/internal/bands"
	"github.com/i474232898/crop-yield-pipeline/internal/config"
	"github.com/i474232898/crop-yield-pipeline/internal/indices"
	"github.com/i474232898/crop-yield-pipeline/internal/inference"
	"github.com/i474232898/crop-yield-pipeline/internal/pipeline"
	"github.com/i474232898/crop-yield-pipeline/internal/scheduler"
	"github.com/i474232898/crop-yield-pipeline/internal/store"
	"github.com/i474232898/crop-yield-pipeline/internal/temporal"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Shared HTTP client for outbound blob calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	blobs := newBlobStore(cfg, httpClient)
	locator := assets.NewLocator(blobs, assets.DefaultLayout())

	calc := indices.NewCalculator(bands.NewProcessor(), indices.CalculatorConfig{
		Reflectance: cfg.Reflectance,
		Temperature: cfg.Temperature,
		Moisture:    cfg.Moisture,
		Unit:        cfg.TemperatureUnit,
	})

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.BatchTimeout)
	defer cancelStartup()

	// The service still answers area, index and scene requests without a model.
	var bundle *inference.Bundle
	if cfg.ModelPath != "" {
		bundle, err = inference.LoadArtifactWeights(startupCtx, assets.Fetcher(blobs), cfg.ModelPath, cfg.ModelWeightsPath)
		if err != nil {
			log.Fatalf("failed to load model: %v", err)
		}
		if size := bundle.Model.InputSize(); size != cfg.TargetSize {
			log.Printf("INFO: model input size %d overrides TARGET_SIZE %d", size, cfg.TargetSize)
		}
		log.Printf("INFO: loaded model %s (input %d)", cfg.ModelPath, bundle.Model.InputSize())
	} else {
		log.Printf("INFO: MODEL_PATH not set; predictions are disabled")
	}

	var scaler *inference.MinMaxScaler
	if bundle != nil {
		scaler = bundle.Scaler
	}
	yields, scaler, err := loadYields(cfg.YieldCSVPath, scaler)
	if err != nil {
		log.Fatalf("failed to load yields: %v", err)
	}

	var engine pipeline.Forecaster
	if bundle != nil {
		engine = inference.NewEngineFromBundle(bundle, inference.Options{
			Scaler:         scaler,
			Weeks:          cfg.PredictWeeks,
			SequenceLength: cfg.SequenceLength,
		})
	}

	// Prediction history: Postgres when configured, otherwise in memory.
	var predStore pipeline.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(startupCtx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer pg.Close()
		predStore = pg
	} else {
		predStore = store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge)
	}

	// Core service orchestrating scenes, model and store.
	service := pipeline.NewService(pipeline.Deps{
		Locator:    locator,
		Engine:     engine,
		Calculator: calc,
		Yields:     yields,
		Store:      predStore,
	}, pipeline.Config{
		AreaCeilingM2: cfg.AreaCeilingM2,
		Unit:          pipeline.ParseAreaUnit(cfg.AreaUnit),
		Workers:       cfg.FetchWorkers,
		BatchTimeout:  cfg.BatchTimeout,
		Frames:        frameLimit(cfg.Frames),
		RegionAcres:   cfg.RegionAcres,
		UseMasked:     cfg.UseMasked,
		RawPrefix:     cfg.RawPrefix,
	})

	// Scheduler that periodically rediscovers scenes and derives indices.
	sched := scheduler.New(service, cfg.RefreshInterval, cfg.DeriveInterval, cfg.BatchTimeout)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "crop-yield-pipeline",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          cfg.BatchTimeout + 10*time.Second,
		BodyLimit:             8 * 1024 * 1024,
		ErrorHandler:          httpapi.ErrorHandler,
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		_, hasScene := service.Latest()
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "crop-yield-pipeline",
			"model":   engine != nil,
			"scene":   hasScene,
		})
	})

	// API routes.
	httpapi.RegisterRoutes(app, service)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
}

// frameLimit maps PREDICT_FRAMES=0 to every scene.
func frameLimit(n int) int {
	if n == 0 {
		return pipeline.AllFrames
	}
	return n
}

func newBlobStore(cfg *config.AppConfig, client *http.Client) assets.BlobStore {
	switch cfg.BlobBackend {
	case "http":
		log.Printf("INFO: reading assets from %s", cfg.BlobBaseURL)
		return assets.NewHTTPStore(cfg.BlobBaseURL, client)
	case "memory":
		return assets.NewMemoryStore()
	default:
		log.Printf("INFO: reading assets from %s", cfg.BlobRoot)
		return assets.NewFileStore(cfg.BlobRoot)
	}
}

// loadYields reads the weekly yield series and returns the volume scaler
// in effect. An empty path yields no tabular history and keeps scaler.
func loadYields(path string, scaler *inference.MinMaxScaler) (*temporal.YieldSeries, *inference.MinMaxScaler, error) {
	if path == "" {
		return temporal.NewYieldSeries(nil), scaler, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	series, fitted, err := pipeline.LoadYields(f, scaler)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("INFO: loaded %d yield weeks from %s", series.Len(), path)
	return series, &fitted, nil
}
