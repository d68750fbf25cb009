// Package kafka bridges task requests published on a Kafka topic into the
// task queues.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"wipsie-worker/internal/config"
	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/queue"
)

// Request is the JSON value expected on the request topic.
type Request struct {
	TaskType string         `json:"task_type"`
	Payload  map[string]any `json:"payload"`
}

// ErrInvalidRequest is returned for requests that can never be published.
var ErrInvalidRequest = errors.New("invalid task request")

// Publisher enqueues tasks.
type Publisher interface {
	Publish(ctx context.Context, taskType string, payload map[string]any) (*domain.PublishReceipt, error)
}

// MessageReader is the subset of *kafka.Reader the bridge uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads task requests and publishes them. Offsets are committed
// only after a successful publish, so a request is never lost, though it
// may be published twice after a crash.
type Consumer struct {
	reader    MessageReader
	publisher Publisher
	logger    *slog.Logger
	backoff   time.Duration
}

// NewConsumer creates a new Kafka bridge consumer.
func NewConsumer(cfg *config.KafkaConfig, publisher Publisher, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.RequestTopic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return NewConsumerWithReader(reader, publisher, logger)
}

// NewConsumerWithReader creates a bridge over an existing reader.
func NewConsumerWithReader(reader MessageReader, publisher Publisher, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:    reader,
		publisher: publisher,
		logger:    logger,
		backoff:   time.Second,
	}
}

// Start consumes requests until ctx is canceled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting kafka task bridge")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("kafka task bridge stopping")
				return ctx.Err()
			}
			c.logger.Error("failed to fetch message", "error", err)
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if errors.Is(err, ErrInvalidRequest) {
				c.logger.Warn("discarding invalid task request",
					"error", err,
					"partition", msg.Partition,
					"offset", msg.Offset,
				)
			} else {
				c.logger.Error("failed to publish task request",
					"error", err,
					"partition", msg.Partition,
					"offset", msg.Offset,
				)
				// Leave the offset uncommitted and retry the same request.
				if !c.sleep(ctx) {
					return ctx.Err()
				}
				if err := c.retry(ctx, msg); err != nil {
					return err
				}
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to commit message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return fmt.Errorf("failed to commit message: %w", err)
		}
	}
}

// retry republishes msg until it succeeds, turns out invalid, or ctx ends.
func (c *Consumer) retry(ctx context.Context, msg kafka.Message) error {
	for {
		err := c.handle(ctx, msg)
		if err == nil || errors.Is(err, ErrInvalidRequest) {
			return nil
		}
		c.logger.Error("retrying task request publish", "error", err, "offset", msg.Offset)
		if !c.sleep(ctx) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var req Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.TaskType == "" {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, domain.ErrEmptyTaskType)
	}

	receipt, err := c.publisher.Publish(ctx, req.TaskType, req.Payload)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidBody) || errors.Is(err, domain.ErrEmptyTaskType) {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return err
	}

	c.logger.Debug("bridged task request",
		"task_type", req.TaskType,
		"message_id", receipt.MessageID,
		"queue", receipt.Queue,
	)
	return nil
}

func (c *Consumer) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close closes the Kafka reader.
func (c *Consumer) Close() error {
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}
