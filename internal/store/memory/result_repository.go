package memory

import (
	"context"
	"sort"
	"sync"

	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/store"
)

// ResultRepository is an in-memory implementation of store.ResultRepository.
type ResultRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.TaskRecord
}

// NewResultRepository creates a new in-memory result repository.
func NewResultRepository() *ResultRepository {
	return &ResultRepository{
		records: make(map[string]*domain.TaskRecord),
	}
}

// Save inserts or replaces the record for rec.MessageID.
func (r *ResultRepository) Save(_ context.Context, rec *domain.TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Store a copy to prevent external modification
	stored := *rec
	r.records[rec.MessageID] = &stored
	return nil
}

// Get retrieves the record for a message.
func (r *ResultRepository) Get(_ context.Context, messageID string) (*domain.TaskRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[messageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	result := *rec
	return &result, nil
}

// List returns records matching filter, most recently updated first.
func (r *ResultRepository) List(_ context.Context, filter store.ResultFilter) ([]*domain.TaskRecord, error) {
	r.mu.RLock()
	var out []*domain.TaskRecord
	for _, rec := range r.records {
		if filter.Matches(rec) {
			result := *rec
			out = append(out, &result)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})

	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
