// Package status publishes the outcome of each delivery on a side channel.
// Producers never wait for these reports; they are for observers.
package status

import (
	"context"
	"errors"
	"log/slog"

	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/metrics"
	"wipsie-worker/internal/store"
)

// Reporter receives task records. A failed report never changes what
// happens to the message.
type Reporter interface {
	Report(ctx context.Context, rec *domain.TaskRecord) error
}

// LogReporter writes records to the structured log. Failures are logged
// at Warn so they surface without a separate sink.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter creates a log reporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

// Report implements Reporter.
func (r *LogReporter) Report(ctx context.Context, rec *domain.TaskRecord) error {
	level := slog.LevelInfo
	switch rec.State {
	case domain.TaskDeadLettered, domain.TaskDropped, domain.TaskLeaseLost:
		level = slog.LevelWarn
	case domain.TaskRetrying:
		level = slog.LevelDebug
	}

	r.logger.Log(ctx, level, "task status",
		"message_id", rec.MessageID,
		"task_type", rec.TaskType,
		"queue", rec.Queue,
		"state", rec.State,
		"attempt", rec.Attempt,
		"error", rec.ErrorDetail,
	)
	metrics.StatusReportsTotal.WithLabelValues("log", "ok").Inc()
	return nil
}

// StoreReporter persists records through a result repository.
type StoreReporter struct {
	repo store.ResultRepository
}

// NewStoreReporter creates a reporter backed by repo.
func NewStoreReporter(repo store.ResultRepository) *StoreReporter {
	return &StoreReporter{repo: repo}
}

// Report implements Reporter.
func (r *StoreReporter) Report(ctx context.Context, rec *domain.TaskRecord) error {
	if err := r.repo.Save(ctx, rec); err != nil {
		metrics.StatusReportsTotal.WithLabelValues("store", "error").Inc()
		return err
	}
	metrics.StatusReportsTotal.WithLabelValues("store", "ok").Inc()
	return nil
}

// Multi fans a record out to several reporters.
type Multi []Reporter

// Report implements Reporter. Every reporter is called; errors are joined.
func (m Multi) Report(ctx context.Context, rec *domain.TaskRecord) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every record.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(context.Context, *domain.TaskRecord) error { return nil }
