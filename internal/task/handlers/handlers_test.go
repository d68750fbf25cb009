package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/notification"
	"wipsie-worker/internal/queue"
	"wipsie-worker/internal/task"
)

type publishCall struct {
	taskType string
	payload  map[string]any
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *fakePublisher) Publish(_ context.Context, taskType string, payload map[string]any) (*domain.PublishReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.calls = append(p.calls, publishCall{taskType: taskType, payload: payload})
	return &domain.PublishReceipt{MessageID: "msg-1", Status: domain.ReceiptStatusSent}, nil
}

func testSetup() (*Handlers, *fakePublisher) {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	pub := &fakePublisher{}
	h := New(logger, DefaultNotifier(logger, pub))
	h.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }
	return h, pub
}

func deliveryCtx() context.Context {
	return task.WithDelivery(context.Background(), task.Delivery{MessageID: "m-42", Queue: "wipsie-task-processing", Attempt: 1})
}

func TestRegister(t *testing.T) {
	h, _ := testSetup()
	r := task.NewRegistry(h.logger)
	if err := h.Register(r); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	want := []string{
		TypeDataPolling, TypeEnrichData, TypeHealthCheck, TypeDefaultMessage,
		TypeProcessBatch, TypeProcessTask, TypeSendEmail, TypeSendNotification,
	}
	got := r.Types()
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %d types", got, len(want))
	}
	for _, tt := range want {
		if !r.Has(tt) {
			t.Errorf("missing handler for %s", tt)
		}
	}

	if err := h.Register(r); err == nil {
		t.Error("registering twice should fail")
	}
}

func TestDataPolling(t *testing.T) {
	h, _ := testSetup()

	res := h.DataPolling(context.Background(), map[string]any{"source": "weather-api"})
	if !res.OK() {
		t.Fatalf("DataPolling failed: %+v", res)
	}
	if res.Output["source"] != "weather-api" {
		t.Errorf("source = %v, want weather-api", res.Output["source"])
	}

	missing := h.DataPolling(context.Background(), map[string]any{})
	if missing.OK() || missing.Retryable {
		t.Errorf("missing source result = %+v, want permanent failure", missing)
	}
	if !strings.Contains(missing.ErrorDetail, "source") {
		t.Errorf("ErrorDetail = %q, want mention of source", missing.ErrorDetail)
	}

	wrongType := h.DataPolling(context.Background(), map[string]any{"source": 7})
	if wrongType.OK() || wrongType.Retryable {
		t.Errorf("non-string source result = %+v, want permanent failure", wrongType)
	}
}

func TestEnrichData(t *testing.T) {
	h, _ := testSetup()

	res := h.EnrichData(deliveryCtx(), map[string]any{"id": "r1", "type": "analytics"})
	if !res.OK() {
		t.Fatalf("EnrichData failed: %+v", res)
	}
	if res.Output["id"] != "r1" {
		t.Errorf("id = %v, want r1", res.Output["id"])
	}
	meta, ok := res.Output["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("metadata missing: %+v", res.Output)
	}
	if meta["aggregation_level"] != "daily" {
		t.Errorf("aggregation_level = %v, want daily", meta["aggregation_level"])
	}
	if meta["processing_id"] != "m-42" {
		t.Errorf("processing_id = %v, want m-42", meta["processing_id"])
	}
}

func TestProcessTask(t *testing.T) {
	h, _ := testSetup()

	tests := []struct {
		kind    string
		wantKey string
	}{
		{"data_analysis", "analysis"},
		{"report_generation", "report"},
		{"data_cleanup", "cleanup"},
		{"something_else", "status"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			res := h.ProcessTask(deliveryCtx(), map[string]any{"type": tt.kind})
			if !res.OK() {
				t.Fatalf("ProcessTask failed: %+v", res)
			}
			if _, ok := res.Output[tt.wantKey]; !ok {
				t.Errorf("output missing %q: %+v", tt.wantKey, res.Output)
			}
			if res.Output["task_id"] != "m-42" {
				t.Errorf("task_id = %v, want m-42", res.Output["task_id"])
			}
		})
	}
}

func TestProcessBatch(t *testing.T) {
	h, _ := testSetup()

	items := make([]any, 8)
	for i := range items {
		items[i] = i
	}
	res := h.ProcessBatch(deliveryCtx(), map[string]any{"items": items})
	if !res.OK() {
		t.Fatalf("ProcessBatch failed: %+v", res)
	}
	if res.Output["total_items"] != 8 {
		t.Errorf("total_items = %v, want 8", res.Output["total_items"])
	}
	if preview := res.Output["processed_items"].([]map[string]any); len(preview) != 5 {
		t.Errorf("processed_items length = %d, want 5", len(preview))
	}

	if res := h.ProcessBatch(deliveryCtx(), map[string]any{}); res.OK() || res.Retryable {
		t.Errorf("missing items result = %+v, want permanent failure", res)
	}
	if res := h.ProcessBatch(deliveryCtx(), map[string]any{"items": "nope"}); res.OK() || res.Retryable {
		t.Errorf("non-list items result = %+v, want permanent failure", res)
	}

	ctx, cancel := context.WithCancel(deliveryCtx())
	cancel()
	if res := h.ProcessBatch(ctx, map[string]any{"items": items}); res.OK() || !res.Retryable {
		t.Errorf("canceled batch result = %+v, want retryable failure", res)
	}
}

func TestHealthCheck(t *testing.T) {
	h, _ := testSetup()

	res := h.HealthCheck(deliveryCtx(), nil)
	if !res.OK() {
		t.Fatalf("HealthCheck failed: %+v", res)
	}
	if res.Output["queue"] != "wipsie-task-processing" {
		t.Errorf("queue = %v, want wipsie-task-processing", res.Output["queue"])
	}

	bare := h.HealthCheck(context.Background(), nil)
	if bare.Output["queue"] != "unknown" {
		t.Errorf("queue without delivery = %v, want unknown", bare.Output["queue"])
	}
}

func TestSendNotification(t *testing.T) {
	h, pub := testSetup()

	res := h.SendNotification(deliveryCtx(), map[string]any{
		"recipient": "ops@wipsie.com",
		"message":   "disk almost full",
		"channels":  []any{"email", "log", "slack", "pager"},
	})
	if !res.OK() {
		t.Fatalf("SendNotification failed: %+v", res)
	}

	deliveries := res.Output["results"].([]notification.Delivery)
	want := map[string]string{
		"email": notification.StatusQueued,
		"log":   notification.StatusSent,
		"slack": notification.StatusNotImplemented,
		"pager": notification.StatusNotImplemented,
	}
	if len(deliveries) != len(want) {
		t.Fatalf("results = %+v, want %d entries", deliveries, len(want))
	}
	for _, d := range deliveries {
		if d.Status != want[d.Channel] {
			t.Errorf("channel %s status = %v, want %v", d.Channel, d.Status, want[d.Channel])
		}
	}

	if len(pub.calls) != 1 || pub.calls[0].taskType != TypeSendEmail {
		t.Fatalf("publish calls = %+v, want one send_email", pub.calls)
	}
	if pub.calls[0].payload["recipient"] != "ops@wipsie.com" {
		t.Errorf("email recipient = %v, want ops@wipsie.com", pub.calls[0].payload["recipient"])
	}
}

func TestSendNotification_NonEmailRecipientSkipsEmail(t *testing.T) {
	h, pub := testSetup()

	res := h.SendNotification(deliveryCtx(), map[string]any{"recipient": "ops-team"})
	if !res.OK() {
		t.Fatalf("SendNotification failed: %+v", res)
	}
	if len(pub.calls) != 0 {
		t.Errorf("publish calls = %d, want 0", len(pub.calls))
	}
}

func TestSendNotification_Failures(t *testing.T) {
	h, pub := testSetup()

	if res := h.SendNotification(deliveryCtx(), map[string]any{}); res.OK() || res.Retryable {
		t.Errorf("missing recipient result = %+v, want permanent failure", res)
	}
	if res := h.SendNotification(deliveryCtx(), map[string]any{"recipient": "a@b.c", "channels": "email"}); res.OK() || res.Retryable {
		t.Errorf("bad channels result = %+v, want permanent failure", res)
	}

	pub.err = queue.ErrBrokerUnavailable
	res := h.SendNotification(deliveryCtx(), map[string]any{"recipient": "a@b.c", "channels": []any{"email"}})
	if res.OK() || !res.Retryable {
		t.Errorf("broker down result = %+v, want retryable failure", res)
	}

	pub.err = errors.New("validation failed")
	res = h.SendNotification(deliveryCtx(), map[string]any{"recipient": "a@b.c", "channels": []any{"email"}})
	if !res.OK() {
		t.Fatalf("non-transient publish error should not fail the notification: %+v", res)
	}
	if d := res.Output["results"].([]notification.Delivery); d[0].Status != notification.StatusFailed {
		t.Errorf("email status = %v, want failed", d[0].Status)
	}
}

func TestSendEmail(t *testing.T) {
	h, _ := testSetup()

	res := h.SendEmail(deliveryCtx(), map[string]any{"recipient": "user@wipsie.com", "subject": "hi"})
	if !res.OK() {
		t.Fatalf("SendEmail failed: %+v", res)
	}
	if res.Output["subject"] != "hi" {
		t.Errorf("subject = %v, want hi", res.Output["subject"])
	}

	if res := h.SendEmail(deliveryCtx(), map[string]any{"recipient": "not-an-address"}); res.OK() || res.Retryable {
		t.Errorf("bad recipient result = %+v, want permanent failure", res)
	}
}

func TestDefaultMessage(t *testing.T) {
	h, _ := testSetup()

	res := h.DefaultMessage(deliveryCtx(), map[string]any{"message": "hello"})
	if !res.OK() {
		t.Fatalf("DefaultMessage failed: %+v", res)
	}
	if res.Output["message_id"] != "m-42" {
		t.Errorf("message_id = %v, want m-42", res.Output["message_id"])
	}
}
