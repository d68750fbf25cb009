package api

import (
	"github.com/gofiber/fiber/v2"

	"wipsie-worker/internal/lease"
)

// LeaseHandler reports the leases held by this process.
type LeaseHandler struct {
	tracker *lease.Tracker
}

// NewLeaseHandler creates a new lease handler.
func NewLeaseHandler(tracker *lease.Tracker) *LeaseHandler {
	return &LeaseHandler{tracker: tracker}
}

// List handles GET /v1/leases
func (h *LeaseHandler) List(c *fiber.Ctx) error {
	return Success(c, h.tracker.Leases())
}
