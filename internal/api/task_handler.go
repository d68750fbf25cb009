package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/queue"
)

// Publisher enqueues tasks.
type Publisher interface {
	Publish(ctx context.Context, taskType string, payload map[string]any) (*domain.PublishReceipt, error)
}

// TypeLister reports the task types with a registered handler.
type TypeLister interface {
	Types() []string
}

// TaskRequest is the body of POST /v1/tasks.
type TaskRequest struct {
	TaskType string         `json:"task_type"`
	Payload  map[string]any `json:"payload"`
}

// TaskHandler handles HTTP requests for task submission.
type TaskHandler struct {
	publisher Publisher
	types     TypeLister
	logger    *slog.Logger
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(publisher Publisher, types TypeLister, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		publisher: publisher,
		types:     types,
		logger:    logger,
	}
}

// Submit handles POST /v1/tasks
// Publishes the task and returns 202 Accepted with the publish receipt.
// The receipt only acknowledges the enqueue; the outcome is reported later
// under /v1/results.
func (h *TaskHandler) Submit(c *fiber.Ctx) error {
	var req TaskRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Debug("failed to parse task body", "error", err)
		return BadRequest(c, "invalid request body")
	}
	if req.TaskType == "" {
		return ValidationError(c, domain.ErrEmptyTaskType.Error())
	}

	receipt, err := h.publisher.Publish(c.Context(), req.TaskType, req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEmptyTaskType), errors.Is(err, queue.ErrInvalidBody):
			return ValidationError(c, err.Error())
		case errors.Is(err, queue.ErrBrokerUnavailable):
			h.logger.Error("broker unavailable", "error", err, "task_type", req.TaskType)
			return ServiceUnavailable(c, "broker unavailable")
		default:
			h.logger.Error("failed to publish task", "error", err, "task_type", req.TaskType)
			return InternalError(c, "failed to publish task")
		}
	}

	return Accepted(c, receipt)
}

// Types handles GET /v1/tasks/types
func (h *TaskHandler) Types(c *fiber.Ctx) error {
	return Success(c, h.types.Types())
}
