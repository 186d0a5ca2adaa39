package temporal

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/crop-yield-pipeline/internal/raster"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNearestPicksClosestDate(t *testing.T) {
	idx := NewDateIndex[string]()
	idx.Insert(day("2024-01-15"), "b")
	idx.Insert(day("2024-01-01"), "a")

	e, err := idx.Nearest(day("2024-01-10"))
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-15"), e.Date, "5 days beats 9 days")

	e, _ = idx.Nearest(day("2024-01-01"))
	assert.Equal(t, "a", e.Value)
	e, _ = idx.Nearest(day("2023-06-01"))
	assert.Equal(t, "a", e.Value)
	e, _ = idx.Nearest(day("2025-06-01"))
	assert.Equal(t, "b", e.Value)
}

func TestNearestTieGoesToEarlierDate(t *testing.T) {
	idx := NewDateIndex[string]()
	idx.Insert(day("2024-01-15"), "b")
	idx.Insert(day("2024-01-01"), "a")

	e, err := idx.Nearest(day("2024-01-08"))
	require.NoError(t, err)
	assert.Equal(t, "a", e.Value)
}

func TestNearestOnEmptyIndex(t *testing.T) {
	_, err := NewDateIndex[int]().Nearest(day("2024-01-01"))
	assert.ErrorIs(t, err, ErrEmptyIndex)

	var nilIdx *DateIndex[int]
	_, err = nilIdx.Nearest(day("2024-01-01"))
	assert.ErrorIs(t, err, ErrEmptyIndex)
}

func TestInsertKeepsOrderAndReplaces(t *testing.T) {
	idx := NewDateIndex[int]()
	for i, d := range []string{"2024-03-01", "2024-01-01", "2024-02-01", "2024-01-01"} {
		idx.Insert(day(d), i)
	}
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, []time.Time{day("2024-01-01"), day("2024-02-01"), day("2024-03-01")}, idx.Dates())

	v, ok := idx.Get(day("2024-01-01"))
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	_, ok = idx.Get(day("2024-01-02"))
	assert.False(t, ok)
}

func TestLatestAndBefore(t *testing.T) {
	idx := NewDateIndex[int]()
	for i, d := range []string{"2024-01-01", "2024-02-01", "2024-03-01", "2024-04-01"} {
		idx.Insert(day(d), i)
	}

	latest := idx.Latest(2)
	require.Len(t, latest, 2)
	assert.Equal(t, 2, latest[0].Value)
	assert.Equal(t, 3, latest[1].Value)
	assert.Len(t, idx.Latest(10), 4)
	assert.Empty(t, idx.Latest(0))

	before := idx.Before(day("2024-03-01"), 2)
	require.Len(t, before, 2)
	assert.Equal(t, 1, before[0].Value)
	assert.Equal(t, 2, before[1].Value, "the exact date is included")

	before = idx.Before(day("2024-02-15"), 5)
	require.Len(t, before, 2)
	assert.Empty(t, idx.Before(day("2023-01-01"), 3))
}

const yieldCSV = `Date,Volume (Pounds),Cumulative Volumne (Pounds),Pounds/Acre
2024-02-27,100,100,50
2024-03-06,20,130,7
2024-03-04,10,110,5
2024-03-20,5,,
2024-03-27,1,120,2
`

func TestReadYieldCSV(t *testing.T) {
	obs, err := ReadYieldCSV(strings.NewReader(yieldCSV))
	require.NoError(t, err)
	require.Len(t, obs, 5)
	assert.Equal(t, day("2024-03-06"), obs[1].Date)
	assert.Equal(t, 130.0, obs[1].Cumulative)
	assert.True(t, math.IsNaN(obs[3].Cumulative))
	assert.True(t, math.IsNaN(obs[3].PoundsPerAcre))
}

func TestReadYieldCSVMissingColumn(t *testing.T) {
	_, err := ReadYieldCSV(strings.NewReader("Date,Volume (Pounds)\n2024-03-01,1\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = ReadYieldCSV(strings.NewReader(
		"Date,Volume (Pounds),Cumulative Volumne (Pounds),Pounds/Acre\nyesterday,1,1,1\n"))
	assert.Error(t, err)
}

func TestWeeklyResample(t *testing.T) {
	obs, err := ReadYieldCSV(strings.NewReader(yieldCSV))
	require.NoError(t, err)

	weeks := WeeklyResample(obs, SeasonMonths)
	require.Len(t, weeks, 4, "February is out of season; weeks end on Sunday")

	want := []struct {
		date          string
		vol, cum, ppa float64
	}{
		{"2024-03-10", 30, 130, 6},
		{"2024-03-17", 0, 130, 0},
		{"2024-03-24", 5, 130, 0},
		{"2024-03-31", 1, 130, 2},
	}
	for i, w := range want {
		assert.Equal(t, day(w.date), weeks[i].Date)
		assert.Equal(t, time.Sunday, weeks[i].Date.Weekday())
		assert.InDelta(t, w.vol, weeks[i].Volume, 1e-9, w.date)
		assert.InDelta(t, w.cum, weeks[i].Cumulative, 1e-9, w.date)
		assert.InDelta(t, w.ppa, weeks[i].PoundsPerAcre, 1e-9, w.date)
	}

	assert.InDelta(t, 1, weeks[0].MonthSin, 1e-9)
	assert.InDelta(t, 0, weeks[0].MonthCos, 1e-9)
	assert.Len(t, weeks[0].Tabular(), 6)
	assert.Equal(t, 30.0, weeks[0].Tabular()[4])

	assert.Empty(t, WeeklyResample(nil, SeasonMonths))
}

func TestTimeFeatures(t *testing.T) {
	f := NewTimeFeatures(day("2024-12-31"))
	assert.InDelta(t, 0, f.MonthSin, 1e-9)
	assert.InDelta(t, 1, f.MonthCos, 1e-9)
	assert.Equal(t, []float64{f.MonthSin, f.MonthCos, f.DoYSin, f.DoYCos}, f.Slice())
}

func TestResizeConstantStaysConstant(t *testing.T) {
	b := raster.Filled(64, 48, 3)
	out, err := Resize(b, 16, 16)
	require.NoError(t, err)
	assert.Equal(t, 16, out.Rows)
	for _, v := range out.Data {
		assert.InDelta(t, 3, v, 1e-9)
	}

	up, err := Resize(raster.Filled(10, 10, -2), 512, 512)
	require.NoError(t, err)
	assert.Equal(t, 512*512, up.Len())
	assert.InDelta(t, -2, up.At(511, 0), 1e-9)
}

func TestResizeBilinearRamp(t *testing.T) {
	b, err := raster.FromRows([][]float64{{0, 1}})
	require.NoError(t, err)
	out, err := Resize(b, 1, 4)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0.25, 0.75, 1}, out.Data, 1e-9)
}

func TestResizeKeepsNoDataFootprint(t *testing.T) {
	b := raster.Filled(8, 8, 2)
	for r := 0; r < 8; r++ {
		for c := 0; c < 4; c++ {
			b.Set(r, c, math.NaN())
		}
	}
	out, err := Resize(b, 4, 4)
	require.NoError(t, err)
	for r := 0; r < 4; r++ {
		assert.True(t, math.IsNaN(out.At(r, 0)))
		assert.True(t, math.IsNaN(out.At(r, 1)))
		assert.InDelta(t, 2, out.At(r, 2), 1e-9)
		assert.InDelta(t, 2, out.At(r, 3), 1e-9)
	}
}

func TestResizeRejectsBadShapes(t *testing.T) {
	_, err := Resize(raster.Filled(2, 2, 1), 0, 4)
	assert.ErrorIs(t, err, raster.ErrNotTwoDimensional)
	_, err = Resize(&raster.Band{Rows: 2, Cols: 2}, 4, 4)
	assert.ErrorIs(t, err, raster.ErrNotTwoDimensional)
}

func TestMeanStdIsPopulationOverAllFrames(t *testing.T) {
	a, _ := raster.FromRows([][]float64{{1, 2}})
	b, _ := raster.FromRows([][]float64{{3, math.NaN(), 4}})

	mean, std, err := MeanStd([]*raster.Band{a, b})
	require.NoError(t, err)
	assert.InDelta(t, 2.5, mean, 1e-12)
	assert.InDelta(t, math.Sqrt(1.25), std, 1e-12)

	_, _, err = MeanStd([]*raster.Band{raster.Filled(2, 2, math.NaN())})
	assert.ErrorIs(t, err, ErrEmptyCatalog)
}

func TestBuildSharesNormalization(t *testing.T) {
	cat := NewCatalog()
	cat.Insert(day("2024-03-01"), raster.Filled(4, 4, 1))
	cat.Insert(day("2024-03-17"), raster.Filled(4, 4, 3))

	yields := NewYieldSeries([]YieldRecord{
		{Date: day("2024-03-03"), Volume: 1, TimeFeatures: NewTimeFeatures(day("2024-03-03"))},
		{Date: day("2024-03-10"), Volume: 2, TimeFeatures: NewTimeFeatures(day("2024-03-10"))},
	})

	p, err := Build(cat, yields, Shape{Rows: 8, Cols: 8}, []time.Time{day("2024-03-01"), day("2024-03-09")})
	require.NoError(t, err)
	assert.InDelta(t, 2, p.Mean, 1e-12)
	assert.InDelta(t, 1, p.Std, 1e-12)

	first, ok := p.Frames.Get(day("2024-03-01"))
	require.True(t, ok)
	assert.Equal(t, 8, first.Rows)
	assert.InDelta(t, -1, first.At(3, 3), 1e-9)
	second, _ := p.Frames.Get(day("2024-03-17"))
	assert.InDelta(t, 1, second.At(0, 0), 1e-9)

	require.Len(t, p.Features, 2)
	assert.Equal(t, NewTimeFeatures(day("2024-03-03")), p.Features[0])
	assert.Equal(t, 2.0, p.Records[1].Volume)
}

func TestBuildWithFixedStats(t *testing.T) {
	cat := NewCatalog()
	cat.Insert(day("2024-03-01"), raster.Filled(2, 2, 5))

	p, err := Builder{Shape: Shape{Rows: 2, Cols: 2}, Stats: &Stats{Mean: 1, Std: 2}}.
		Build(cat, nil, []time.Time{day("2024-05-01")})
	require.NoError(t, err)
	f, _ := p.Frames.Get(day("2024-03-01"))
	assert.InDelta(t, 2, f.At(0, 0), 1e-12)
	assert.Equal(t, NewTimeFeatures(day("2024-05-01")), p.Features[0])

	_, err = Build(NewCatalog(), nil, DefaultShape, nil)
	assert.ErrorIs(t, err, ErrEmptyCatalog)
}
