package pipeline

import (
	"fmt"
	"io"

	"github.com/i474232898/crop-yield-pipeline/internal/inference"
	"github.com/i474232898/crop-yield-pipeline/internal/temporal"
)

// LoadYields reads a daily yield report, resamples it to growing-season
// weeks and scales the weekly volumes. The model's fitted scaler is used
// when given; otherwise one is fitted on the report and returned.
func LoadYields(r io.Reader, scaler *inference.MinMaxScaler) (*temporal.YieldSeries, inference.MinMaxScaler, error) {
	obs, err := temporal.ReadYieldCSV(r)
	if err != nil {
		return nil, inference.MinMaxScaler{}, err
	}
	weekly := temporal.WeeklyResample(obs, temporal.SeasonMonths)
	if len(weekly) == 0 {
		return nil, inference.MinMaxScaler{}, fmt.Errorf("yield report: %w", temporal.ErrEmptyIndex)
	}

	var s inference.MinMaxScaler
	if scaler != nil {
		s = *scaler
	} else {
		s = inference.FitVolumeScaler(weekly)
	}
	return temporal.NewYieldSeries(inference.ScaleVolumes(weekly, s)), s, nil
}
