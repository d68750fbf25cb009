// Package handlers contains the built-in task handlers.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/notification"
	"wipsie-worker/internal/task"
)

// Task types handled by this package.
const (
	TypeDefaultMessage   = "process_default_message"
	TypeDataPolling      = "data_polling"
	TypeEnrichData       = "enrich_data"
	TypeProcessTask      = "process_task"
	TypeProcessBatch     = "process_batch"
	TypeHealthCheck      = "health_check"
	TypeSendNotification = "send_notification"
	TypeSendEmail        = "send_email"
)

// Input errors. Handlers turn these into permanent failures.
var (
	ErrMissingField = errors.New("missing required field")
	ErrInvalidField = errors.New("invalid field")
)

// Handlers holds the dependencies shared by the built-in handlers.
type Handlers struct {
	logger   *slog.Logger
	notifier *notification.Notifier
	now      func() time.Time
}

// New creates the built-in handler set.
func New(logger *slog.Logger, notifier *notification.Notifier) *Handlers {
	return &Handlers{
		logger:   logger,
		notifier: notifier,
		now:      time.Now,
	}
}

// DefaultNotifier wires the log and email channels plus a stub for slack.
// Email notifications are enqueued as send_email tasks through publisher.
func DefaultNotifier(logger *slog.Logger, publisher notification.Publisher) *notification.Notifier {
	return notification.NewNotifier(
		notification.NewLogChannel(logger),
		notification.NewEmailChannel(publisher, TypeSendEmail),
		notification.NewStubChannel("slack", logger),
	)
}

// Register adds every built-in handler to r.
func (h *Handlers) Register(r *task.Registry) error {
	handlers := map[string]task.Handler{
		TypeDefaultMessage:   h.DefaultMessage,
		TypeDataPolling:      h.DataPolling,
		TypeEnrichData:       h.EnrichData,
		TypeProcessTask:      h.ProcessTask,
		TypeProcessBatch:     h.ProcessBatch,
		TypeHealthCheck:      h.HealthCheck,
		TypeSendNotification: h.SendNotification,
		TypeSendEmail:        h.SendEmail,
	}
	for taskType, handler := range handlers {
		if err := r.Register(taskType, handler); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) timestamp() string {
	return h.now().UTC().Format(time.RFC3339)
}

func stringField(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func requireString(payload map[string]any, key string) (string, error) {
	v, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", ErrInvalidField, key)
	}
	return s, nil
}

func deliveryFields(ctx context.Context) (messageID, queueName string) {
	d, ok := task.DeliveryFrom(ctx)
	if !ok {
		return "", ""
	}
	return d.MessageID, d.Queue
}

// DefaultMessage acknowledges a generic message and echoes it back.
func (h *Handlers) DefaultMessage(ctx context.Context, payload map[string]any) domain.Result {
	messageID, _ := deliveryFields(ctx)
	h.logger.Info("processing default message",
		"message_id", messageID,
		"message", stringField(payload, "message", ""),
	)

	return domain.Success(map[string]any{
		"status":        "processed",
		"message_id":    messageID,
		"processed_at":  h.timestamp(),
		"original_data": payload,
	})
}

// DataPolling collects records from the named source.
func (h *Handlers) DataPolling(ctx context.Context, payload map[string]any) domain.Result {
	source, err := requireString(payload, "source")
	if err != nil {
		return domain.Permanent(err)
	}
	if err := ctx.Err(); err != nil {
		return domain.Retry(err)
	}

	h.logger.Info("polling data source", "source", source)

	return domain.Success(map[string]any{
		"timestamp":         h.timestamp(),
		"source":            source,
		"records_collected": 42,
		"status":            "success",
	})
}

// EnrichData decorates a raw record with processing metadata.
func (h *Handlers) EnrichData(ctx context.Context, payload map[string]any) domain.Result {
	messageID, _ := deliveryFields(ctx)
	dataType := stringField(payload, "type", "generic")

	metadata := map[string]any{
		"processing_id":     messageID,
		"source_validation": "passed",
		"quality_score":     0.95,
		"tags":              []string{dataType, "processed", "enriched"},
	}
	switch dataType {
	case "user_data":
		metadata["privacy_level"] = "standard"
		metadata["retention_days"] = 365
	case "analytics":
		metadata["aggregation_level"] = "daily"
		metadata["dashboard_ready"] = true
	}

	out := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		out[k] = v
	}
	out["enriched_at"] = h.timestamp()
	out["enrichment_version"] = "1.0"
	out["metadata"] = metadata

	h.logger.Info("data enriched", "id", stringField(payload, "id", "unknown"), "type", dataType)
	return domain.Success(out)
}

// ProcessTask runs a general-purpose job selected by the payload's type field.
func (h *Handlers) ProcessTask(ctx context.Context, payload map[string]any) domain.Result {
	messageID, _ := deliveryFields(ctx)
	kind := stringField(payload, "type", "unknown")

	var out map[string]any
	switch kind {
	case "data_analysis":
		out = map[string]any{
			"analysis":          "completed",
			"insights":          []string{"insight1", "insight2"},
			"processed_records": 150,
		}
	case "report_generation":
		out = map[string]any{
			"report":    "generated",
			"file_path": "/reports/report.pdf",
			"pages":     12,
			"charts":    5,
		}
	case "data_cleanup":
		out = map[string]any{
			"cleanup":            "completed",
			"records_cleaned":    1200,
			"duplicates_removed": 45,
			"errors_fixed":       12,
		}
	default:
		out = map[string]any{"status": "processed", "type": kind}
	}

	out["task_id"] = messageID
	out["completed_at"] = h.timestamp()

	h.logger.Info("general task completed", "type", kind, "message_id", messageID)
	return domain.Success(out)
}

// ProcessBatch processes each entry of the items list.
func (h *Handlers) ProcessBatch(ctx context.Context, payload map[string]any) domain.Result {
	raw, ok := payload["items"]
	if !ok {
		return domain.Permanent(fmt.Errorf("%w: items", ErrMissingField))
	}
	items, ok := raw.([]any)
	if !ok {
		return domain.Permanent(fmt.Errorf("%w: items must be a list", ErrInvalidField))
	}

	batchType := stringField(payload, "type", "generic")
	processed := make([]map[string]any, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return domain.Retry(err)
		}
		processed = append(processed, map[string]any{
			"original":     item,
			"processed_at": h.timestamp(),
			"item_index":   i,
			"status":       "success",
		})
	}

	preview := processed
	if len(preview) > 5 {
		preview = preview[:5]
	}

	messageID, _ := deliveryFields(ctx)
	h.logger.Info("batch processed", "type", batchType, "items", len(items))

	return domain.Success(map[string]any{
		"batch_id":        messageID,
		"type":            batchType,
		"total_items":     len(items),
		"processed_count": len(processed),
		"failed_count":    0,
		"processed_items": preview,
		"completed_at":    h.timestamp(),
	})
}

// HealthCheck reports that a worker is consuming the queue it arrived on.
func (h *Handlers) HealthCheck(ctx context.Context, _ map[string]any) domain.Result {
	messageID, queueName := deliveryFields(ctx)
	if queueName == "" {
		queueName = "unknown"
	}

	return domain.Success(map[string]any{
		"status":    "healthy",
		"timestamp": h.timestamp(),
		"worker_id": messageID,
		"queue":     queueName,
	})
}

// SendNotification fans a notification out over the requested channels.
// Channels default to email and log.
func (h *Handlers) SendNotification(ctx context.Context, payload map[string]any) domain.Result {
	recipient, err := requireString(payload, "recipient")
	if err != nil {
		return domain.Permanent(err)
	}

	channels := []string{"email", "log"}
	if raw, ok := payload["channels"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return domain.Permanent(fmt.Errorf("%w: channels must be a list", ErrInvalidField))
		}
		channels = make([]string, 0, len(list))
		for _, c := range list {
			if s, ok := c.(string); ok {
				channels = append(channels, s)
			}
		}
	}

	n := &notification.Notification{
		Recipient: recipient,
		Message:   stringField(payload, "message", "No message"),
		Type:      stringField(payload, "type", "general"),
		Priority:  stringField(payload, "priority", "medium"),
	}

	deliveries, err := h.notifier.Notify(ctx, n, channels)
	if err != nil {
		return domain.Retry(err)
	}

	return domain.Success(map[string]any{
		"type":               n.Type,
		"recipient":          n.Recipient,
		"priority":           n.Priority,
		"channels_attempted": channels,
		"results":            deliveries,
		"sent_at":            h.timestamp(),
	})
}

// SendEmail is a stub mail sender: it validates the request and logs what
// would be sent.
func (h *Handlers) SendEmail(ctx context.Context, payload map[string]any) domain.Result {
	recipient, err := requireString(payload, "recipient")
	if err != nil {
		return domain.Permanent(err)
	}
	if !strings.Contains(recipient, "@") {
		return domain.Permanent(fmt.Errorf("%w: recipient %q is not an email address", ErrInvalidField, recipient))
	}
	subject := stringField(payload, "subject", "Wipsie notification")

	messageID, _ := deliveryFields(ctx)
	h.logger.Info("STUB: would send email",
		"recipient", recipient,
		"subject", subject,
		"message_id", messageID,
	)

	return domain.Success(map[string]any{
		"recipient": recipient,
		"subject":   subject,
		"status":    "sent",
		"sent_at":   h.timestamp(),
	})
}
