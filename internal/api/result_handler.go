package api

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/store"
)

// ResultHandler serves task records written by the status reporter.
type ResultHandler struct {
	repo   store.ResultRepository
	logger *slog.Logger
}

// NewResultHandler creates a new result handler.
func NewResultHandler(repo store.ResultRepository, logger *slog.Logger) *ResultHandler {
	return &ResultHandler{
		repo:   repo,
		logger: logger,
	}
}

// List handles GET /v1/results
// Supports state, queue, task_type and limit query parameters.
func (h *ResultHandler) List(c *fiber.Ctx) error {
	filter := store.ResultFilter{
		Queue:    c.Query("queue"),
		TaskType: c.Query("task_type"),
	}

	if state := c.Query("state"); state != "" {
		filter.State = domain.TaskState(state)
		if !filter.State.IsValid() {
			return ValidationError(c, "unknown state: "+state)
		}
	}

	if limit := c.Query("limit"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil || l < 1 {
			return ValidationError(c, "limit must be a positive integer")
		}
		filter.Limit = l
	}

	records, err := h.repo.List(c.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list task results", "error", err)
		return InternalError(c, "failed to list task results")
	}

	return Success(c, records)
}

// Get handles GET /v1/results/:messageId
func (h *ResultHandler) Get(c *fiber.Ctx) error {
	id := c.Params("messageId")

	rec, err := h.repo.Get(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFound(c, "task result not found")
		}
		h.logger.Error("failed to get task result", "error", err, "message_id", id)
		return InternalError(c, "failed to get task result")
	}

	return Success(c, rec)
}
