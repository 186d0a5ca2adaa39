package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/i474232898/crop-yield-pipeline/internal/assets"
	"github.com/i474232898/crop-yield-pipeline/internal/geometry"
	"github.com/i474232898/crop-yield-pipeline/internal/indices"
	"github.com/i474232898/crop-yield-pipeline/internal/inference"
	"github.com/i474232898/crop-yield-pipeline/internal/pipeline"
	"github.com/i474232898/crop-yield-pipeline/internal/raster"
	"github.com/i474232898/crop-yield-pipeline/internal/store"
	"github.com/i474232898/crop-yield-pipeline/internal/temporal"
)

// requireFlags fails when any of the named string flags is empty.
func requireFlags(c *cli.Context, names ...string) error {
	for _, n := range names {
		if c.String(n) == "" {
			return fmt.Errorf("missing required flag --%s", n)
		}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readAOI(path string) (*geometry.AOI, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	aoi, err := geometry.ParseAOI(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return aoi, data, nil
}

func readBand(path string) (*raster.Band, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := raster.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b.MaskNoData(), nil
}

func writeIndex(path string, r indices.IndexRaster) error {
	var buf bytes.Buffer
	if err := raster.Encode(&buf, r.ForEncoding()); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return err
	}
	log.Printf("INFO: wrote %s to %s", r.Product, path)
	return nil
}

func areaAction(c *cli.Context) error {
	if err := requireFlags(c, "aoi"); err != nil {
		return err
	}
	aoi, _, err := readAOI(c.String("aoi"))
	if err != nil {
		return err
	}
	area, err := geometry.Measure(aoi)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, area)
}

func mtvi2Action(c *cli.Context) error {
	if err := requireFlags(c, "nir", "red", "green", "out"); err != nil {
		return err
	}
	var in [3]*raster.Band
	for i, name := range []string{"nir", "green", "red"} {
		b, err := readBand(c.String(name))
		if err != nil {
			return err
		}
		in[i] = b
	}
	calc := indices.NewCalculator(nil, indices.CalculatorConfig{})
	r, err := calc.MTVI2(in[0], in[1], in[2], time.Time{})
	if err != nil {
		return err
	}
	return writeIndex(c.String("out"), r)
}

func smiAction(c *cli.Context) error {
	if err := requireFlags(c, "lst", "out"); err != nil {
		return err
	}
	st, err := readBand(c.String("lst"))
	if err != nil {
		return err
	}
	calc := indices.NewCalculator(nil, indices.CalculatorConfig{})
	r, err := calc.SMI(st, time.Time{})
	if err != nil {
		return err
	}
	return writeIndex(c.String("out"), r)
}

func weeklyAction(c *cli.Context) error {
	if err := requireFlags(c, "csv"); err != nil {
		return err
	}
	f, err := os.Open(c.String("csv"))
	if err != nil {
		return err
	}
	defer f.Close()

	if c.Bool("scaled") {
		series, scaler, err := pipeline.LoadYields(f, nil)
		if err != nil {
			return err
		}
		records := make([]temporal.YieldRecord, 0, series.Len())
		for _, e := range series.Entries() {
			records = append(records, e.Value)
		}
		return printJSON(c.App.Writer, map[string]any{"scaler": scaler, "weeks": records})
	}

	obs, err := temporal.ReadYieldCSV(f)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, temporal.WeeklyResample(obs, temporal.SeasonMonths))
}

func predictAction(c *cli.Context) error {
	if err := requireFlags(c, "aoi", "model", "catalog-dir", "yields"); err != nil {
		return err
	}
	ctx := context.Background()

	aoi, raw, err := readAOI(c.String("aoi"))
	if err != nil {
		return err
	}
	var start time.Time
	if v := c.String("start"); v != "" {
		if start, err = time.Parse(time.DateOnly, v); err != nil {
			return fmt.Errorf("invalid --start %q: use YYYY-MM-DD", v)
		}
	}

	modelPath := c.String("model")
	bundle, err := inference.LoadArtifact(ctx, assets.Fetcher(assets.NewFileStore(filepath.Dir(modelPath))), filepath.Base(modelPath))
	if err != nil {
		return err
	}

	f, err := os.Open(c.String("yields"))
	if err != nil {
		return err
	}
	yields, scaler, err := pipeline.LoadYields(f, bundle.Scaler)
	f.Close()
	if err != nil {
		return err
	}

	engine := inference.NewEngineFromBundle(bundle, inference.Options{
		Scaler: &scaler,
		Weeks:  c.Int("weeks"),
	})
	service := pipeline.NewService(pipeline.Deps{
		Locator: assets.NewLocator(assets.NewFileStore(c.String("catalog-dir")), assets.DefaultLayout()),
		Engine:  engine,
		Yields:  yields,
		Store:   store.NewMemoryStore(0, 0),
	}, pipeline.Config{
		Unit:        pipeline.ParseAreaUnit(c.String("unit")),
		Frames:      frameLimit(c.Int("frames")),
		RegionAcres: c.Float64("region-acres"),
	})

	p, err := service.Predict(ctx, pipeline.PredictRequest{AOI: aoi, Raw: raw, Start: start})
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, p)
}

// frameLimit maps --frames 0 to every scene.
func frameLimit(n int) int {
	if n == 0 {
		return pipeline.AllFrames
	}
	return n
}

func modelInitAction(c *cli.Context) error {
	if err := requireFlags(c, "out"); err != nil {
		return err
	}
	arch := inference.DefaultArchitecture()
	arch.InputSize = c.Int("size")
	m, err := inference.NewHybridModel(arch)
	if err != nil {
		return err
	}
	m.Randomize(c.Int64("seed"))

	manifest, err := inference.SaveArtifact(c.String("out"), inference.Artifact{SequenceLength: 1}, m)
	if err != nil {
		return err
	}
	log.Printf("INFO: wrote model artifact %s", manifest)
	return nil
}
