// Package queue defines the broker-neutral contract for durable work queues
// with visibility-timeout semantics.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxPollWait is the longest a single Receive call may block.
const MaxPollWait = 20 * time.Second

// MaxBatch is the largest number of messages a single Receive may return.
const MaxBatch = 10

// Attribute keys stamped on every sent message.
const (
	AttrEnqueuedAt = "enqueued_at"
	AttrQueue      = "queue"
	AttrTaskType   = "task_type"
	AttrSource     = "source"
)

// Attribute keys stamped on messages moved to a dead-letter queue.
const (
	AttrDeadLetterReason  = "dead_letter_reason"
	AttrSourceQueue       = "source_queue"
	AttrDeliveryCount     = "delivery_count"
	AttrOriginalMessageID = "original_message_id"
)

// Values of the dead_letter_reason attribute.
const (
	ReasonMaxReceiveCount  = "max_receive_count_exceeded"
	ReasonPermanentFailure = "permanent_failure"
)

// Errors returned by Client implementations.
var (
	// ErrBrokerUnavailable is returned on transport failure or after Close.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrUnknownQueue is returned when the queue name is not known to the broker.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrLeaseExpired is returned when a lease token is no longer valid,
	// either because the visibility timeout elapsed or the message was re-leased.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrNotFound is returned when the message no longer exists.
	ErrNotFound = errors.New("message not found")

	// ErrInvalidBody is returned when a message body is not a JSON object.
	ErrInvalidBody = errors.New("message body must be a JSON object")
)

// Message is a leased message as seen by a consumer.
type Message struct {
	// ID is the broker-assigned identifier.
	ID string

	// Queue is the name of the queue the message was received from.
	Queue string

	// Body is the raw JSON object.
	Body []byte

	// Attributes carry routing metadata outside the body.
	Attributes map[string]string

	// EnqueuedAt is when the broker accepted the message.
	EnqueuedAt time.Time

	// DeliveryCount is the number of times this message has been leased,
	// including the current lease.
	DeliveryCount int

	// LeaseToken identifies the current lease. It changes on every redelivery
	// and is required for Delete and ExtendLease.
	LeaseToken string

	// VisibleAt is when the current lease expires unless extended.
	VisibleAt time.Time
}

// DecodeBody unmarshals the message body into v.
func (m *Message) DecodeBody(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return nil
}

// Attribute returns the named attribute or an empty string.
func (m *Message) Attribute(key string) string {
	if m.Attributes == nil {
		return ""
	}
	return m.Attributes[key]
}

// QueueInfo is a point-in-time description of a queue.
type QueueInfo struct {
	Name               string        `json:"name"`
	URL                string        `json:"url,omitempty"`
	VisibilityTimeout  time.Duration `json:"visibility_timeout"`
	RetentionPeriod    time.Duration `json:"retention_period"`
	MaxReceiveCount    int           `json:"max_receive_count"`
	MessagesAvailable  int           `json:"messages_available"`
	MessagesInFlight   int           `json:"messages_in_flight"`
	HasDeadLetterQueue bool          `json:"has_dead_letter_queue"`
	DeadLetterQueue    string        `json:"dead_letter_queue,omitempty"`
}

// Client defines the operations a worker needs from a broker.
// Implementations must be safe for concurrent use.
type Client interface {
	// Send enqueues body, which must encode to a JSON object, and returns the
	// broker-assigned message ID. The client stamps enqueued_at and queue
	// attributes in addition to attrs.
	Send(ctx context.Context, queue string, body any, attrs map[string]string) (string, error)

	// Receive leases up to max messages, waiting at most wait for the first
	// one to arrive. It returns an empty slice when nothing arrived in time.
	Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]*Message, error)

	// Delete permanently removes a leased message.
	Delete(ctx context.Context, queue, leaseToken string) error

	// ExtendLease makes the message visible again at now+d.
	// A zero d releases the message for immediate redelivery.
	ExtendLease(ctx context.Context, queue, leaseToken string, d time.Duration) error

	// DescribeQueue returns queue configuration and approximate counts.
	DescribeQueue(ctx context.Context, queue string) (*QueueInfo, error)

	// ListQueues returns the names of the queues this client knows about.
	ListQueues(ctx context.Context) []string

	// Close releases any resources held by the client.
	Close() error
}

// MarshalBody encodes body for the wire and checks it is a JSON object.
// A []byte or json.RawMessage body is validated as-is.
func MarshalBody(body any) ([]byte, error) {
	var data []byte
	switch b := body.(type) {
	case []byte:
		data = b
	case json.RawMessage:
		data = b
	default:
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
		}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, ErrInvalidBody
	}
	return data, nil
}

// ClampBatch bounds a requested batch size to 1..MaxBatch.
func ClampBatch(max int) int {
	if max < 1 {
		return 1
	}
	if max > MaxBatch {
		return MaxBatch
	}
	return max
}

// ClampWait bounds a requested poll wait to 0..MaxPollWait.
func ClampWait(wait time.Duration) time.Duration {
	if wait < 0 {
		return 0
	}
	if wait > MaxPollWait {
		return MaxPollWait
	}
	return wait
}
