// Package task maps task types to handlers and runs them.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"wipsie-worker/internal/domain"
)

// Handler runs one task. It reports failure through the returned Result
// rather than by panicking.
type Handler func(ctx context.Context, payload map[string]any) domain.Result

// Registration errors.
var (
	ErrEmptyTaskType  = errors.New("task type is required")
	ErrNilHandler     = errors.New("handler is nil")
	ErrDuplicateType  = errors.New("task type already registered")
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// Registry holds the task type -> handler table. Register everything at
// startup and call Freeze before workers start.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register binds handler to taskType.
func (r *Registry) Register(taskType string, handler Handler) error {
	if taskType == "" {
		return ErrEmptyTaskType
	}
	if handler == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot register %s", ErrRegistryFrozen, taskType)
	}
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, taskType)
	}
	r.handlers[taskType] = handler
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(taskType string, handler Handler) {
	if err := r.Register(taskType, handler); err != nil {
		panic(err)
	}
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Has reports whether taskType has a handler.
func (r *Registry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[taskType]
	return ok
}

// Types returns the registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	r.mu.RUnlock()

	sort.Strings(types)
	return types
}

// Dispatch runs the handler for taskType. An unknown type yields a
// non-retryable failure; a panicking handler yields a retryable one.
func (r *Registry) Dispatch(ctx context.Context, taskType string, payload map[string]any) (result domain.Result) {
	r.mu.RLock()
	handler, ok := r.handlers[taskType]
	r.mu.RUnlock()

	if !ok {
		return domain.Unsupported(taskType)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task handler panicked",
				"task_type", taskType,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			result = domain.Retry(fmt.Errorf("handler panic: %v", rec))
		}
	}()

	return handler(ctx, payload)
}
