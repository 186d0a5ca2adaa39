package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"

	"github.com/i474232898/crop-yield-pipeline/internal/pipeline"
)

// PostgresStore persists predictions in a single table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store backed by a pgx pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool resources.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const createPredictionsSQL = `
CREATE TABLE IF NOT EXISTS predictions (
    id         TEXT PRIMARY KEY,
    field_key  TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    start_date TIMESTAMPTZ NOT NULL,
    area_m2    DOUBLE PRECISION NOT NULL,
    acres      DOUBLE PRECISION NOT NULL,
    epsg       INTEGER NOT NULL,
    lon        DOUBLE PRECISION NOT NULL,
    lat        DOUBLE PRECISION NOT NULL,
    area_unit  TEXT NOT NULL,
    total      DOUBLE PRECISION NOT NULL,
    norm_mean  DOUBLE PRECISION NOT NULL,
    norm_std   DOUBLE PRECISION NOT NULL,
    weeks      JSONB NOT NULL
)`

const createPredictionsIndexSQL = `
CREATE INDEX IF NOT EXISTS predictions_field_created_idx
    ON predictions (field_key, created_at)`

// EnsureSchema creates the predictions table if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createPredictionsSQL); err != nil {
		return fmt.Errorf("create predictions table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, createPredictionsIndexSQL); err != nil {
		return fmt.Errorf("create predictions index: %w", err)
	}
	return nil
}

const insertPredictionSQL = `
INSERT INTO predictions (id, field_key, created_at, start_date, area_m2, acres, epsg, lon, lat,
    area_unit, total, norm_mean, norm_std, weeks)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

// SavePrediction inserts a prediction.
func (s *PostgresStore) SavePrediction(ctx context.Context, p pipeline.Prediction) error {
	weeks, err := json.Marshal(p.Weeks)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, insertPredictionSQL,
		p.ID, p.FieldKey, p.CreatedAt, p.Start,
		p.Area.SquareMeters, p.Area.Acres, p.Area.EPSG, p.Area.Centroid.X(), p.Area.Centroid.Y(),
		string(p.Unit), p.Total, p.Stats.Mean, p.Stats.Std, weeks,
	)
	return err
}

const selectPredictionSQL = `
SELECT id, field_key, created_at, start_date, area_m2, acres, epsg, lon, lat,
    area_unit, total, norm_mean, norm_std, weeks
FROM predictions`

// GetPrediction returns a prediction by id.
func (s *PostgresStore) GetPrediction(ctx context.Context, id string) (pipeline.Prediction, error) {
	row := s.pool.QueryRow(ctx, selectPredictionSQL+` WHERE id = $1`, id)
	p, err := scanPrediction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.Prediction{}, ErrNotFound
	}
	return p, err
}

// ListByField returns the predictions of a field created between from and to (inclusive).
func (s *PostgresStore) ListByField(ctx context.Context, fieldKey string, from, to time.Time) ([]pipeline.Prediction, error) {
	rows, err := s.pool.Query(ctx,
		selectPredictionSQL+` WHERE field_key = $1 AND created_at >= $2 AND created_at <= $3 ORDER BY created_at`,
		fieldKey, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]pipeline.Prediction, 0)
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func scanPrediction(row pgx.Row) (pipeline.Prediction, error) {
	var (
		p        pipeline.Prediction
		lon, lat float64
		unit     string
		weeks    []byte
	)
	if err := row.Scan(
		&p.ID,
		&p.FieldKey,
		&p.CreatedAt,
		&p.Start,
		&p.Area.SquareMeters,
		&p.Area.Acres,
		&p.Area.EPSG,
		&lon,
		&lat,
		&unit,
		&p.Total,
		&p.Stats.Mean,
		&p.Stats.Std,
		&weeks,
	); err != nil {
		return pipeline.Prediction{}, err
	}
	p.Area.Centroid = orb.Point{lon, lat}
	p.Unit = pipeline.AreaUnit(unit)
	if p.Area.Acres > 0 {
		p.PerAcre = p.Total / p.Area.Acres
	}
	if err := json.Unmarshal(weeks, &p.Weeks); err != nil {
		return pipeline.Prediction{}, fmt.Errorf("decode weeks of %s: %w", p.ID, err)
	}
	return p, nil
}
