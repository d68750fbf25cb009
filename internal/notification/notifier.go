// Package notification delivers notifications over named channels.
// Only the log and email channels do real work; the email channel hands
// off to the send_email task rather than talking to a mail server.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/metrics"
	"wipsie-worker/internal/queue"
)

// Notification is a message to a single recipient.
type Notification struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Priority  string `json:"priority"`
}

// Delivery is the per-channel outcome of a notification.
type Delivery struct {
	Channel   string `json:"channel"`
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Delivery statuses.
const (
	StatusSent           = "sent"
	StatusQueued         = "queued"
	StatusSkipped        = "skipped"
	StatusFailed         = "failed"
	StatusNotImplemented = "not_implemented"
)

// ErrTransient marks a channel failure worth retrying the whole notification for.
var ErrTransient = errors.New("transient notification failure")

// Channel delivers a notification one way.
type Channel interface {
	// Name identifies the channel in requests and results.
	Name() string

	// Send delivers n. A returned error wrapping ErrTransient asks the caller
	// to retry; any other error is reported as a failed delivery.
	Send(ctx context.Context, n *Notification) (Delivery, error)
}

// Publisher enqueues follow-up tasks.
type Publisher interface {
	Publish(ctx context.Context, taskType string, payload map[string]any) (*domain.PublishReceipt, error)
}

// LogChannel writes notifications to the worker log.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

// Name implements Channel.
func (c *LogChannel) Name() string { return "log" }

// Send implements Channel.
func (c *LogChannel) Send(_ context.Context, n *Notification) (Delivery, error) {
	start := time.Now()
	c.logger.Info("notification",
		"recipient", n.Recipient,
		"type", n.Type,
		"priority", n.Priority,
		"message", n.Message,
	)
	metrics.NotificationLatency.WithLabelValues(c.Name()).Observe(time.Since(start).Seconds())
	return Delivery{Channel: c.Name(), Status: StatusSent}, nil
}

// EmailChannel enqueues a task of type taskType for each notification
// addressed to an email recipient.
type EmailChannel struct {
	publisher Publisher
	taskType  string
}

// NewEmailChannel creates an email channel publishing taskType tasks.
func NewEmailChannel(publisher Publisher, taskType string) *EmailChannel {
	return &EmailChannel{publisher: publisher, taskType: taskType}
}

// Name implements Channel.
func (c *EmailChannel) Name() string { return "email" }

// Send implements Channel.
func (c *EmailChannel) Send(ctx context.Context, n *Notification) (Delivery, error) {
	if !strings.Contains(n.Recipient, "@") {
		return Delivery{Channel: c.Name(), Status: StatusSkipped, Detail: "recipient is not an email address"}, nil
	}

	start := time.Now()
	receipt, err := c.publisher.Publish(ctx, c.taskType, map[string]any{
		"recipient": n.Recipient,
		"subject":   fmt.Sprintf("[%s] %s notification", strings.ToUpper(n.Priority), n.Type),
		"message":   n.Message,
		"type":      n.Type,
		"priority":  n.Priority,
	})
	if err != nil {
		if errors.Is(err, queue.ErrBrokerUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			return Delivery{}, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return Delivery{Channel: c.Name(), Status: StatusFailed, Detail: err.Error()}, nil
	}
	metrics.NotificationLatency.WithLabelValues(c.Name()).Observe(time.Since(start).Seconds())

	return Delivery{Channel: c.Name(), Status: StatusQueued, MessageID: receipt.MessageID}, nil
}

// StubChannel accepts notifications for a channel that has no integration yet.
type StubChannel struct {
	name   string
	logger *slog.Logger
}

// NewStubChannel creates a stub channel with the given name.
func NewStubChannel(name string, logger *slog.Logger) *StubChannel {
	return &StubChannel{name: name, logger: logger}
}

// Name implements Channel.
func (c *StubChannel) Name() string { return c.name }

// Send implements Channel.
func (c *StubChannel) Send(_ context.Context, n *Notification) (Delivery, error) {
	c.logger.Info("STUB: would send notification",
		"channel", c.name,
		"recipient", n.Recipient,
		"type", n.Type,
	)
	return Delivery{Channel: c.name, Status: StatusNotImplemented}, nil
}

// Notifier routes a notification to the requested channels.
type Notifier struct {
	channels map[string]Channel
}

// NewNotifier creates a notifier over channels.
func NewNotifier(channels ...Channel) *Notifier {
	m := make(map[string]Channel, len(channels))
	for _, c := range channels {
		m[c.Name()] = c
	}
	return &Notifier{channels: m}
}

// Notify sends n on each named channel. Unknown channels are reported as
// not implemented. It stops at the first transient failure.
func (nt *Notifier) Notify(ctx context.Context, n *Notification, channels []string) ([]Delivery, error) {
	out := make([]Delivery, 0, len(channels))
	for _, name := range channels {
		c, ok := nt.channels[name]
		if !ok {
			out = append(out, Delivery{Channel: name, Status: StatusNotImplemented})
			continue
		}

		d, err := c.Send(ctx, n)
		if err != nil {
			if errors.Is(err, ErrTransient) {
				return out, err
			}
			d = Delivery{Channel: name, Status: StatusFailed, Detail: err.Error()}
		}
		out = append(out, d)
	}
	return out, nil
}
