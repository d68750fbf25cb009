// Package store defines interfaces for task result persistence and
// idempotency state. These abstractions allow swapping implementations
// (Redis, PostgreSQL, in-memory) without changing worker logic.
package store

import (
	"context"
	"time"
)

// DedupStore remembers which envelopes have already been processed so that
// a redelivered message is not handled twice.
// All methods must be safe for concurrent use.
type DedupStore interface {
	// IsProcessed reports whether key was marked and has not expired.
	IsProcessed(ctx context.Context, key string) (bool, error)

	// MarkProcessed records key for ttl. Marking an existing key refreshes it.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error

	// Close releases any resources held by the store.
	Close() error
}
