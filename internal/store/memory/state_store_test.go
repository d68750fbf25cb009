package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"wipsie-worker/internal/domain"
	"wipsie-worker/internal/store"
)

func TestDedupStore_MarkAndCheck(t *testing.T) {
	s := NewDedupStore()
	ctx := context.Background()

	processed, err := s.IsProcessed(ctx, "env-1")
	if err != nil {
		t.Fatalf("IsProcessed error: %v", err)
	}
	if processed {
		t.Error("Expected unmarked key to be unprocessed")
	}

	if err := s.MarkProcessed(ctx, "env-1", time.Minute); err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}

	processed, _ = s.IsProcessed(ctx, "env-1")
	if !processed {
		t.Error("Expected marked key to be processed")
	}
}

func TestDedupStore_Expiration(t *testing.T) {
	s := NewDedupStore()
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_ = s.MarkProcessed(ctx, "env-1", time.Minute)
	_ = s.MarkProcessed(ctx, "env-2", time.Hour)

	now = now.Add(2 * time.Minute)

	if processed, _ := s.IsProcessed(ctx, "env-1"); processed {
		t.Error("Expected expired key to be unprocessed")
	}
	if processed, _ := s.IsProcessed(ctx, "env-2"); !processed {
		t.Error("Expected live key to be processed")
	}

	if removed := s.Cleanup(); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestResultRepository_SaveGet(t *testing.T) {
	r := NewResultRepository()
	ctx := context.Background()

	rec := &domain.TaskRecord{MessageID: "m1", TaskType: "health_check", Queue: "q", State: domain.TaskRetrying, Attempt: 1}
	if err := r.Save(ctx, rec); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	// Mutating the caller's copy must not affect the stored record.
	rec.State = domain.TaskDropped

	got, err := r.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.State != domain.TaskRetrying {
		t.Errorf("State = %v, want retrying", got.State)
	}

	// A later report for the same message replaces the earlier one.
	_ = r.Save(ctx, &domain.TaskRecord{MessageID: "m1", State: domain.TaskSucceeded, Attempt: 2})
	got, _ = r.Get(ctx, "m1")
	if got.State != domain.TaskSucceeded || got.Attempt != 2 {
		t.Errorf("record = %+v, want succeeded attempt 2", got)
	}

	if _, err := r.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestResultRepository_List(t *testing.T) {
	r := NewResultRepository()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		state := domain.TaskSucceeded
		if i%2 == 1 {
			state = domain.TaskDeadLettered
		}
		_ = r.Save(ctx, &domain.TaskRecord{
			MessageID: fmt.Sprintf("m%d", i),
			Queue:     "wipsie-default",
			TaskType:  "process_task",
			State:     state,
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	dead, err := r.List(ctx, store.ResultFilter{State: domain.TaskDeadLettered})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(dead) != 3 {
		t.Fatalf("List(dead_lettered) returned %d, want 3", len(dead))
	}
	if dead[0].MessageID != "m5" {
		t.Errorf("first record = %v, want most recent m5", dead[0].MessageID)
	}

	limited, _ := r.List(ctx, store.ResultFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("List(limit 2) returned %d, want 2", len(limited))
	}

	none, _ := r.List(ctx, store.ResultFilter{Queue: "other"})
	if len(none) != 0 {
		t.Errorf("List(queue other) returned %d, want 0", len(none))
	}
}
