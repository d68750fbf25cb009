package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"

	"wipsie-worker/internal/domain"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestReporter_Report(t *testing.T) {
	w := &recordingWriter{}
	r := NewReporterWithWriter(w)

	rec := &domain.TaskRecord{
		MessageID: "m-1",
		TaskType:  "process_batch",
		Queue:     "wipsie-task-processing",
		State:     domain.TaskDeadLettered,
		Attempt:   3,
	}
	if err := r.Report(context.Background(), rec); err != nil {
		t.Fatalf("Report error: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "m-1" {
		t.Errorf("Key = %s, want m-1", msg.Key)
	}

	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers[HeaderState] != "dead_lettered" {
		t.Errorf("state header = %v, want dead_lettered", headers[HeaderState])
	}

	var decoded domain.TaskRecord
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("Value is not a task record: %v", err)
	}
	if decoded.Attempt != 3 || decoded.Queue != "wipsie-task-processing" {
		t.Errorf("decoded = %+v", decoded)
	}

	if err := r.Close(); err != nil || !w.closed {
		t.Errorf("Close() = %v, closed = %v", err, w.closed)
	}
}

func TestReporter_WriteError(t *testing.T) {
	w := &recordingWriter{err: errors.New("leader not available")}
	r := NewReporterWithWriter(w)

	if err := r.Report(context.Background(), &domain.TaskRecord{MessageID: "m-1"}); err == nil {
		t.Error("expected error when the writer fails")
	}
}
