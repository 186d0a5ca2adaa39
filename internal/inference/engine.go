package inference

import (
	"context"
	"fmt"
	"log"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/i474232898/crop-yield-pipeline/internal/raster"
	"github.com/i474232898/crop-yield-pipeline/internal/temporal"
)

// DefaultWeeks is the forecast horizon of PredictWeekly.
const DefaultWeeks = 13

// Options configures an Engine.
type Options struct {
	// Stats fixes the normalization statistics; nil computes them per request.
	Stats *temporal.Stats

	// Scaler inverts the training-time volume scaling of the model output.
	Scaler *MinMaxScaler

	// Weeks is the number of weekly predictions; zero means DefaultWeeks.
	Weeks int

	// SequenceLength is the number of frames fed per prediction; zero means one.
	SequenceLength int

	Logf func(format string, args ...any)
}

// Engine runs weekly yield forecasts. It holds no per-request state.
type Engine struct {
	model Model
	opts  Options
}

// NewEngine wraps model.
func NewEngine(model Model, opts Options) *Engine {
	if opts.Weeks <= 0 {
		opts.Weeks = DefaultWeeks
	}
	if opts.SequenceLength <= 0 {
		opts.SequenceLength = 1
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	return &Engine{model: model, opts: opts}
}

// NewEngineFromBundle uses the artifact's training statistics, scaler and
// sequence length.
func NewEngineFromBundle(b *Bundle, opts Options) *Engine {
	if opts.Stats == nil {
		opts.Stats = b.Stats
	}
	if opts.Scaler == nil {
		opts.Scaler = b.Scaler
	}
	if opts.SequenceLength == 0 {
		opts.SequenceLength = b.SequenceLength
	}
	return NewEngine(b.Model, opts)
}

// Request is one forecast. Catalog holds masked rasters at native
// resolution; Area scales the summed per-unit-area output into a field total.
type Request struct {
	Catalog *temporal.Catalog
	Yields  *temporal.YieldSeries
	Start   time.Time
	Area    float64
}

// WeekPrediction is one forecast step.
type WeekPrediction struct {
	Date      time.Time `json:"date"`
	FrameDate time.Time `json:"frameDate"`
	YieldDate time.Time `json:"yieldDate"`
	Sum       float64   `json:"sum"`
	Yield     float64   `json:"yield"`

	// Output is the raw per-pixel (or single) model output.
	Output []float64 `json:"-"`
}

// Result is an ordered weekly forecast.
type Result struct {
	Dates  []time.Time      `json:"dates"`
	Yields []float64        `json:"yields"`
	Weeks  []WeekPrediction `json:"weeks"`
	Stats  temporal.Stats   `json:"stats"`
}

// PredictWeekly forecasts one value per week from req.Start. Each week uses
// the nearest frame and the nearest yield row; the model output is summed,
// multiplied by req.Area and passed through the inverse scaler when one is
// configured. A yield series shorter than the horizon shortens the forecast.
func (e *Engine) PredictWeekly(ctx context.Context, req Request) (*Result, error) {
	if req.Catalog.Len() == 0 {
		return nil, temporal.ErrEmptyCatalog
	}
	if req.Yields.Len() == 0 {
		return nil, fmt.Errorf("yield series: %w", temporal.ErrEmptyIndex)
	}

	weeks := min(e.opts.Weeks, req.Yields.Len())
	dates := make([]time.Time, weeks)
	for i := range dates {
		dates[i] = req.Start.AddDate(0, 0, 7*i)
	}

	side := e.model.InputSize()
	prepared, err := temporal.Builder{
		Shape: temporal.Shape{Rows: side, Cols: side},
		Stats: e.opts.Stats,
	}.Build(req.Catalog, req.Yields, dates)
	if err != nil {
		return nil, err
	}
	e.opts.Logf("INFO: forecasting %d weeks from %s over %d frames (mean=%.4f std=%.4f)",
		weeks, req.Start.Format(time.DateOnly), prepared.Frames.Len(), prepared.Mean, prepared.Std)

	res := &Result{Stats: prepared.Stats}
	for i, d := range dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := prepared.Frames.Nearest(d)
		if err != nil {
			return nil, err
		}
		rec := prepared.Records[i]

		wp, err := e.predict(e.sequence(prepared.Frames, frame.Date), rec, req.Area)
		if err != nil {
			return nil, fmt.Errorf("week %d (%s): %w", i, d.Format(time.DateOnly), err)
		}
		wp.Date = d
		wp.FrameDate = frame.Date
		res.Weeks = append(res.Weeks, *wp)
		res.Dates = append(res.Dates, d)
		res.Yields = append(res.Yields, wp.Yield)
	}
	return res, nil
}

// PredictLatest runs one prediction over the most recent frames of the
// catalog and the latest yield row.
func (e *Engine) PredictLatest(ctx context.Context, req Request) (*WeekPrediction, error) {
	if req.Catalog.Len() == 0 {
		return nil, temporal.ErrEmptyCatalog
	}
	latest := req.Yields.Latest(1)
	if len(latest) == 0 {
		return nil, fmt.Errorf("yield series: %w", temporal.ErrEmptyIndex)
	}
	rec := latest[0]

	side := e.model.InputSize()
	prepared, err := temporal.Builder{
		Shape: temporal.Shape{Rows: side, Cols: side},
		Stats: e.opts.Stats,
	}.Build(req.Catalog, req.Yields, []time.Time{rec.Date})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	last := prepared.Frames.Latest(1)[0]
	wp, err := e.predict(e.sequence(prepared.Frames, last.Date), prepared.Records[0], req.Area)
	if err != nil {
		return nil, err
	}
	wp.Date = rec.Date
	wp.FrameDate = last.Date
	return wp, nil
}

// sequence returns up to SequenceLength frames ending at date, oldest first.
func (e *Engine) sequence(frames *temporal.Catalog, date time.Time) []*raster.Band {
	entries := frames.Before(date, e.opts.SequenceLength)
	out := make([]*raster.Band, len(entries))
	for i, en := range entries {
		out[i] = en.Value
	}
	return out
}

func (e *Engine) predict(seq []*raster.Band, rec temporal.YieldRecord, area float64) (*WeekPrediction, error) {
	var tabular []float64
	switch e.model.TabularSize() {
	case 4:
		tabular = rec.TimeFeatures.Slice()
	case 6:
		tabular = rec.Tabular()
	default:
		return nil, fmt.Errorf("%w: unsupported tabular size %d", ErrInputShape, e.model.TabularSize())
	}

	out, err := e.model.Predict(seq, tabular)
	if err != nil {
		return nil, err
	}
	sum := floats.Sum(out)
	total := sum * area
	if e.opts.Scaler != nil {
		total = e.opts.Scaler.Inverse(total)
	}
	return &WeekPrediction{YieldDate: rec.Date, Output: out, Sum: sum, Yield: total}, nil
}
