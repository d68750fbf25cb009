// Package producer provides the task submission service.
// It builds the task envelope, routes it to a queue and sends it to the
// broker. Callers only learn that the task was enqueued; outcomes are
// reported through the status side channel.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/metrics"
	"wipsie-worker/internal/queue"
	"wipsie-worker/internal/router"
)

// ErrEmptyTaskType is returned when Publish is called without a task type.
var ErrEmptyTaskType = domain.ErrEmptyTaskType

// Service publishes tasks to their routed queues.
type Service struct {
	client queue.Client
	router *router.Router
	source string
	logger *slog.Logger
}

// NewService creates a new producer service. source is stamped on every
// envelope and message.
func NewService(client queue.Client, r *router.Router, source string, logger *slog.Logger) *Service {
	return &Service{
		client: client,
		router: r,
		source: source,
		logger: logger,
	}
}

// Publish enqueues a task and returns the broker's receipt.
func (s *Service) Publish(ctx context.Context, taskType string, payload map[string]any) (*domain.PublishReceipt, error) {
	if taskType == "" {
		return nil, ErrEmptyTaskType
	}

	env := domain.NewEnvelope(taskType, s.source, payload)
	queueName := s.router.Route(taskType)

	attrs := map[string]string{
		queue.AttrTaskType: taskType,
		queue.AttrSource:   s.source,
	}

	start := time.Now()
	messageID, err := s.client.Send(ctx, queueName, env, attrs)
	metrics.BrokerOperationLatency.WithLabelValues("send").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PublishErrorsTotal.WithLabelValues(queueName).Inc()
		s.logger.Error("failed to publish task",
			"error", err,
			"task_type", taskType,
			"queue", queueName,
		)
		return nil, fmt.Errorf("failed to publish %s to %s: %w", taskType, queueName, err)
	}

	metrics.TasksPublishedTotal.WithLabelValues(queueName, taskType).Inc()

	s.logger.Debug("task published",
		"task_type", taskType,
		"queue", queueName,
		"message_id", messageID,
		"envelope_id", env.ID,
	)

	return &domain.PublishReceipt{
		MessageID:  messageID,
		EnvelopeID: env.ID,
		Queue:      queueName,
		TaskType:   taskType,
		Status:     domain.ReceiptStatusSent,
		Timestamp:  env.Timestamp,
	}, nil
}

// Route exposes the queue a task type would be sent to.
func (s *Service) Route(taskType string) string {
	return s.router.Route(taskType)
}
