// Package kafka publishes task status records to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"wipsie-worker/internal/config"
	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/metrics"
)

// Header keys set on every status message.
const (
	HeaderState    = "state"
	HeaderTaskType = "task_type"
	HeaderQueue    = "queue"
)

// MessageWriter is the subset of *kafka.Writer the reporter uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reporter implements status.Reporter by writing JSON records keyed by
// message id, so all reports for one message land on the same partition.
type Reporter struct {
	writer MessageWriter
}

// NewReporter creates a reporter writing to cfg.ResultTopic.
func NewReporter(cfg *config.KafkaConfig) *Reporter {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.ResultTopic,
		Balancer:     &kafka.Hash{}, // Use key-based partitioning
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return NewReporterWithWriter(writer)
}

// NewReporterWithWriter wraps an existing writer.
func NewReporterWithWriter(w MessageWriter) *Reporter {
	return &Reporter{writer: w}
}

// Report writes rec to the results topic.
func (r *Reporter) Report(ctx context.Context, rec *domain.TaskRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(rec.MessageID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderState, Value: []byte(rec.State)},
			{Key: HeaderTaskType, Value: []byte(rec.TaskType)},
			{Key: HeaderQueue, Value: []byte(rec.Queue)},
		},
	}

	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		metrics.StatusReportsTotal.WithLabelValues("kafka", "error").Inc()
		return fmt.Errorf("failed to write status to kafka: %w", err)
	}

	metrics.StatusReportsTotal.WithLabelValues("kafka", "ok").Inc()
	return nil
}

// Close closes the Kafka writer.
func (r *Reporter) Close() error {
	if r.writer != nil {
		return r.writer.Close()
	}
	return nil
}
