package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/i474232898/crop-yield-pipeline/internal/pipeline"
)

var (
	// ErrNotFound is returned when no prediction matches the request.
	ErrNotFound = errors.New("prediction not found")
)

// FieldHistory holds the time-ordered predictions of one field.
type FieldHistory struct {
	Predictions []pipeline.Prediction
}

// MemoryStore is a concurrency-safe in-memory implementation of a prediction store.
type MemoryStore struct {
	mu sync.RWMutex

	// key: field key, value: history
	data map[string]*FieldHistory
	// key: prediction id, value: field key
	ids map[string]string

	// retention configuration
	maxHistory int           // max number of predictions per field
	maxAge     time.Duration // optional max age for predictions

	now func() time.Time
}

// NewMemoryStore creates a new MemoryStore with optional limits.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int, maxAge time.Duration) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string]*FieldHistory),
		ids:        make(map[string]string),
		maxHistory: maxHistory,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// SavePrediction appends a prediction to its field and enforces retention.
func (s *MemoryStore) SavePrediction(ctx context.Context, p pipeline.Prediction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history, ok := s.data[p.FieldKey]
	if !ok {
		history = &FieldHistory{}
		s.data[p.FieldKey] = history
	}

	history.Predictions = append(history.Predictions, p)
	s.ids[p.ID] = p.FieldKey

	// Enforce retention by count.
	if s.maxHistory > 0 && len(history.Predictions) > s.maxHistory {
		over := len(history.Predictions) - s.maxHistory
		s.forget(history.Predictions[:over])
		history.Predictions = history.Predictions[over:]
	}

	// Enforce retention by age.
	if s.maxAge > 0 {
		cutoff := s.now().Add(-s.maxAge)
		i := 0
		for ; i < len(history.Predictions); i++ {
			if !history.Predictions[i].CreatedAt.Before(cutoff) {
				break
			}
		}
		if i > 0 && i < len(history.Predictions) {
			s.forget(history.Predictions[:i])
			history.Predictions = history.Predictions[i:]
		}
	}
	return nil
}

func (s *MemoryStore) forget(ps []pipeline.Prediction) {
	for _, p := range ps {
		delete(s.ids, p.ID)
	}
}

// GetPrediction returns a prediction by id.
func (s *MemoryStore) GetPrediction(ctx context.Context, id string) (pipeline.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Prediction{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.ids[id]
	if !ok {
		return pipeline.Prediction{}, ErrNotFound
	}
	for _, p := range s.data[key].Predictions {
		if p.ID == id {
			return p, nil
		}
	}
	return pipeline.Prediction{}, ErrNotFound
}

// ListByField returns the predictions of a field created between from and to (inclusive).
func (s *MemoryStore) ListByField(ctx context.Context, fieldKey string, from, to time.Time) ([]pipeline.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.data[fieldKey]
	if !ok || len(history.Predictions) == 0 {
		return nil, ErrNotFound
	}

	var result []pipeline.Prediction
	for _, p := range history.Predictions {
		if !p.CreatedAt.Before(from) && !p.CreatedAt.After(to) {
			result = append(result, p)
		}
	}

	if len(result) == 0 {
		return nil, ErrNotFound
	}

	return result, nil
}
