package temporal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Column names of the daily yield report.
const (
	ColumnDate          = "Date"
	ColumnVolume        = "Volume (Pounds)"
	ColumnCumulative    = "Cumulative Volumne (Pounds)"
	ColumnPoundsPerAcre = "Pounds/Acre"
)

// SeasonMonths is the growing season kept by WeeklyResample.
var SeasonMonths = []time.Month{
	time.March, time.April, time.May, time.June,
	time.July, time.August, time.September, time.October,
}

// ErrMissingColumn is returned when the yield report lacks a required column.
var ErrMissingColumn = errors.New("yield report is missing a column")

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"1/2/2006",
	"01/02/2006",
	"20060102",
}

// Observation is one raw row of the daily yield report. Missing cells are NaN.
type Observation struct {
	Date          time.Time
	Volume        float64
	Cumulative    float64
	PoundsPerAcre float64
}

// TimeFeatures is the cyclical encoding of a date.
type TimeFeatures struct {
	MonthSin float64 `json:"monthSin"`
	MonthCos float64 `json:"monthCos"`
	DoYSin   float64 `json:"dayOfYearSin"`
	DoYCos   float64 `json:"dayOfYearCos"`
}

// NewTimeFeatures encodes month over 12 and day of year over 365.
func NewTimeFeatures(d time.Time) TimeFeatures {
	month := float64(d.Month())
	doy := float64(d.YearDay())
	return TimeFeatures{
		MonthSin: math.Sin(2 * math.Pi * month / 12),
		MonthCos: math.Cos(2 * math.Pi * month / 12),
		DoYSin:   math.Sin(2 * math.Pi * doy / 365),
		DoYCos:   math.Cos(2 * math.Pi * doy / 365),
	}
}

// Slice returns the four encodings in model order.
func (f TimeFeatures) Slice() []float64 {
	return []float64{f.MonthSin, f.MonthCos, f.DoYSin, f.DoYCos}
}

// YieldRecord is one weekly bin of the yield series.
type YieldRecord struct {
	Date          time.Time `json:"date"`
	Volume        float64   `json:"volume"`
	Cumulative    float64   `json:"cumulative"`
	PoundsPerAcre float64   `json:"poundsPerAcre"`
	TimeFeatures
}

// Tabular returns the model's tabular input: the four time encodings
// followed by volume and cumulative volume.
func (r YieldRecord) Tabular() []float64 {
	return append(r.TimeFeatures.Slice(), r.Volume, r.Cumulative)
}

// YieldSeries is the weekly yield series keyed by bin date.
type YieldSeries = DateIndex[YieldRecord]

// NewYieldSeries indexes records by date.
func NewYieldSeries(records []YieldRecord) *YieldSeries {
	s := NewDateIndex[YieldRecord]()
	for _, r := range records {
		s.Insert(r.Date, r)
	}
	return s
}

// ReadYieldCSV parses the daily yield report. Empty numeric cells become NaN.
func ReadYieldCSV(r io.Reader) ([]Observation, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read yield header: %w", err)
	}
	colMap := make(map[string]int, len(header))
	for i, col := range header {
		colMap[strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))] = i
	}
	for _, col := range []string{ColumnDate, ColumnVolume, ColumnCumulative, ColumnPoundsPerAcre} {
		if _, ok := colMap[col]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, col)
		}
	}

	var out []Observation
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("yield report line %d: %w", line, err)
		}
		obs, err := parseObservation(row, colMap)
		if err != nil {
			return nil, fmt.Errorf("yield report line %d: %w", line, err)
		}
		out = append(out, obs)
	}
	return out, nil
}

func parseObservation(row []string, colMap map[string]int) (Observation, error) {
	date, err := parseDate(row[colMap[ColumnDate]])
	if err != nil {
		return Observation{}, err
	}
	var obs Observation
	obs.Date = date
	fields := []struct {
		col string
		dst *float64
	}{
		{ColumnVolume, &obs.Volume},
		{ColumnCumulative, &obs.Cumulative},
		{ColumnPoundsPerAcre, &obs.PoundsPerAcre},
	}
	for _, f := range fields {
		v, err := parseNumber(row[colMap[f.col]])
		if err != nil {
			return Observation{}, fmt.Errorf("invalid %s: %w", f.col, err)
		}
		*f.dst = v
	}
	return obs, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

func parseNumber(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// weekEnding returns the Sunday closing the Monday-to-Sunday week of d.
func weekEnding(d time.Time) time.Time {
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, (7-int(day.Weekday()))%7)
}

type weekBin struct {
	volume    float64
	last      float64
	hasLast   bool
	acreSum   float64
	acreCount int
}

// WeeklyResample keeps observations whose month is in season and bins them
// into weeks ending on Sunday. Volume is summed, cumulative volume takes the
// last value of the week then is forward-filled and made monotone, pounds
// per acre is averaged, and remaining gaps become zero. Every week between
// the first and last observation is emitted, including empty ones.
func WeeklyResample(obs []Observation, season []time.Month) []YieldRecord {
	inSeason := make(map[time.Month]bool, len(season))
	for _, m := range season {
		inSeason[m] = true
	}

	sorted := make([]Observation, len(obs))
	copy(sorted, obs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	bins := make(map[time.Time]*weekBin)
	var first, last time.Time
	for _, o := range sorted {
		if len(season) > 0 && !inSeason[o.Date.Month()] {
			continue
		}
		wk := weekEnding(o.Date)
		b, ok := bins[wk]
		if !ok {
			b = &weekBin{}
			bins[wk] = b
		}
		if first.IsZero() || wk.Before(first) {
			first = wk
		}
		if wk.After(last) {
			last = wk
		}
		if !math.IsNaN(o.Volume) {
			b.volume += o.Volume
		}
		if !math.IsNaN(o.Cumulative) {
			b.last = o.Cumulative
			b.hasLast = true
		}
		if !math.IsNaN(o.PoundsPerAcre) {
			b.acreSum += o.PoundsPerAcre
			b.acreCount++
		}
	}
	if len(bins) == 0 {
		return nil
	}

	var out []YieldRecord
	cumulative := math.NaN()
	for wk := first; !wk.After(last); wk = wk.AddDate(0, 0, 7) {
		rec := YieldRecord{Date: wk, TimeFeatures: NewTimeFeatures(wk)}
		if b, ok := bins[wk]; ok {
			rec.Volume = b.volume
			if b.hasLast {
				if math.IsNaN(cumulative) || b.last > cumulative {
					cumulative = b.last
				}
			}
			if b.acreCount > 0 {
				rec.PoundsPerAcre = b.acreSum / float64(b.acreCount)
			}
		}
		if !math.IsNaN(cumulative) {
			rec.Cumulative = cumulative
		}
		out = append(out, rec)
	}
	return out
}
