package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"wipsie-worker/internal/metrics"
	"wipsie-worker/internal/queue"
)

// QueueHandler exposes queue attributes and depth.
type QueueHandler struct {
	client queue.Client
	logger *slog.Logger
}

// NewQueueHandler creates a new queue handler.
func NewQueueHandler(client queue.Client, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{
		client: client,
		logger: logger,
	}
}

// List handles GET /v1/queues
func (h *QueueHandler) List(c *fiber.Ctx) error {
	names := h.client.ListQueues(c.Context())
	infos := make([]*queue.QueueInfo, 0, len(names))

	for _, name := range names {
		info, err := h.client.DescribeQueue(c.Context(), name)
		if err != nil {
			return h.describeError(c, name, err)
		}
		metrics.QueueDepth.WithLabelValues(name).Set(float64(info.MessagesAvailable))
		infos = append(infos, info)
	}

	return Success(c, infos)
}

// Get handles GET /v1/queues/:name
func (h *QueueHandler) Get(c *fiber.Ctx) error {
	name := c.Params("name")

	info, err := h.client.DescribeQueue(c.Context(), name)
	if err != nil {
		return h.describeError(c, name, err)
	}
	metrics.QueueDepth.WithLabelValues(name).Set(float64(info.MessagesAvailable))

	return Success(c, info)
}

func (h *QueueHandler) describeError(c *fiber.Ctx, name string, err error) error {
	switch {
	case errors.Is(err, queue.ErrUnknownQueue):
		return NotFound(c, "queue not found")
	case errors.Is(err, queue.ErrBrokerUnavailable):
		h.logger.Error("broker unavailable", "error", err, "queue", name)
		return ServiceUnavailable(c, "broker unavailable")
	default:
		h.logger.Error("failed to describe queue", "error", err, "queue", name)
		return InternalError(c, "failed to describe queue")
	}
}
