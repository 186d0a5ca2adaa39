package raster

import (
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
	gstat "gonum.org/v1/gonum/stat"
)

// Summary describes the valid (non-NaN) samples of a band.
type Summary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
}

// Summarize computes NaN-aware statistics. A band without valid samples
// returns a zero Summary with Count 0.
func Summarize(b *Band) Summary {
	valid := stats.Float64Data(b.ValidValues())
	if len(valid) == 0 {
		return Summary{}
	}

	// Errors are only returned for empty input, which is handled above.
	minV, _ := stats.Min(valid)
	maxV, _ := stats.Max(valid)
	mean, _ := stats.Mean(valid)
	median, _ := stats.Median(valid)

	return Summary{
		Count:  len(valid),
		Min:    minV,
		Max:    maxV,
		Mean:   mean,
		Median: median,
	}
}

// Histogram buckets the valid samples of b into n equal-width bins spanning
// [min, max]. Edges has n+1 entries.
type Histogram struct {
	Edges  []float64 `json:"edges"`
	Counts []float64 `json:"counts"`
}

// NewHistogram returns an empty histogram when b has no valid samples.
func NewHistogram(b *Band, n int) Histogram {
	valid := b.ValidValues()
	if len(valid) == 0 || n <= 0 {
		return Histogram{}
	}
	sort.Float64s(valid)

	lo, hi := valid[0], valid[len(valid)-1]
	if lo == hi {
		return Histogram{Edges: []float64{lo, hi}, Counts: []float64{float64(len(valid))}}
	}

	edges := make([]float64, n+1)
	floats.Span(edges, lo, hi)
	// gonum excludes the upper divider; nudge it so max lands in the last bin.
	dividers := make([]float64, len(edges))
	copy(dividers, edges)
	dividers[n] = hi + (hi-lo)*1e-9

	counts := gstat.Histogram(nil, dividers, valid, nil)
	return Histogram{Edges: edges, Counts: counts}
}
