package assets

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned when a blob key does not exist.
var ErrNotFound = errors.New("blob not found")

// BlobFetcher reads one object by key.
type BlobFetcher func(ctx context.Context, key string) ([]byte, error)

// BlobStore is the object store holding scenes, derived indices and models.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Put(ctx context.Context, key string, data []byte) error
}

// Fetcher adapts a store to a BlobFetcher.
func Fetcher(s BlobStore) BlobFetcher {
	return s.Get
}

// MemoryStore is an in-memory BlobStore used by tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := make([]byte, len(data))
	copy(b, data)
	s.objects[key] = b
	return nil
}
