package store

import (
	"context"
	"errors"

	"wipsie-worker/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// DefaultListLimit bounds List when the filter sets no limit.
const DefaultListLimit = 100

// ResultFilter narrows a result listing. Empty fields match everything.
type ResultFilter struct {
	State    domain.TaskState
	Queue    string
	TaskType string
	Limit    int
}

// Matches reports whether rec satisfies the filter, ignoring Limit.
func (f ResultFilter) Matches(rec *domain.TaskRecord) bool {
	if f.State != "" && rec.State != f.State {
		return false
	}
	if f.Queue != "" && rec.Queue != f.Queue {
		return false
	}
	if f.TaskType != "" && rec.TaskType != f.TaskType {
		return false
	}
	return true
}

// EffectiveLimit returns Limit, or DefaultListLimit when unset.
func (f ResultFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// ResultRepository persists the latest task record per message.
// This is typically backed by PostgreSQL for production use.
type ResultRepository interface {
	// Save inserts or replaces the record for rec.MessageID.
	Save(ctx context.Context, rec *domain.TaskRecord) error

	// Get retrieves the record for a message. Returns ErrNotFound if absent.
	Get(ctx context.Context, messageID string) (*domain.TaskRecord, error)

	// List returns records matching filter, most recently updated first.
	List(ctx context.Context, filter ResultFilter) ([]*domain.TaskRecord, error)
}
