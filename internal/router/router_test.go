package router

import (
	"errors"
	"sync"
	"testing"

	"wipsie-worker/internal/config"
)

func testRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New("wipsie-default", []Route{
		{Pattern: "data_polling", Queue: "wipsie-data-polling"},
		{Pattern: "report_*", Queue: "wipsie-task-processing"},
		{Pattern: "report_urgent_*", Queue: "wipsie-notifications"},
		{Pattern: "report_weekly", Queue: "wipsie-default"},
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return r
}

func TestRouter_Route(t *testing.T) {
	r := testRouter(t)

	tests := []struct {
		taskType string
		want     string
	}{
		{"data_polling", "wipsie-data-polling"},
		{"report_monthly", "wipsie-task-processing"},
		{"report_urgent_outage", "wipsie-notifications"},
		{"report_weekly", "wipsie-default"},
		{"unknown_task", "wipsie-default"},
		{"", "wipsie-default"},
	}

	for _, tt := range tests {
		t.Run(tt.taskType, func(t *testing.T) {
			if got := r.Route(tt.taskType); got != tt.want {
				t.Errorf("Route(%q) = %v, want %v", tt.taskType, got, tt.want)
			}
		})
	}
}

func TestRouter_Deterministic(t *testing.T) {
	r := testRouter(t)
	want := r.Route("report_monthly")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if got := r.Route("report_monthly"); got != want {
					t.Errorf("Route changed: %v != %v", got, want)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestNew_Errors(t *testing.T) {
	if _, err := New("", nil); !errors.Is(err, ErrEmptyDefaultQueue) {
		t.Errorf("New(empty default) error = %v, want ErrEmptyDefaultQueue", err)
	}
	if _, err := New("q", []Route{{Pattern: "", Queue: "q"}}); !errors.Is(err, ErrInvalidRoute) {
		t.Errorf("New(empty pattern) error = %v, want ErrInvalidRoute", err)
	}
	if _, err := New("q", []Route{{Pattern: "x", Queue: ""}}); !errors.Is(err, ErrInvalidRoute) {
		t.Errorf("New(empty queue) error = %v, want ErrInvalidRoute", err)
	}
}

func TestRouter_TableIsCopy(t *testing.T) {
	r := testRouter(t)
	table := r.Table()
	table[0].Queue = "mutated"

	if got := r.Route("data_polling"); got != "wipsie-data-polling" {
		t.Errorf("Route after mutating table = %v, want wipsie-data-polling", got)
	}
	if len(r.Table()) != 4 {
		t.Errorf("Table() length = %d, want 4", len(r.Table()))
	}
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(config.Default().Routing)
	if err != nil {
		t.Fatalf("FromConfig error: %v", err)
	}
	if got := r.Route("send_email"); got != "wipsie-notifications" {
		t.Errorf("Route(send_email) = %v, want wipsie-notifications", got)
	}
	if got := r.Route("process_default_message"); got != "wipsie-default" {
		t.Errorf("Route(process_default_message) = %v, want wipsie-default", got)
	}
	if got := r.DefaultQueue(); got != "wipsie-default" {
		t.Errorf("DefaultQueue() = %v, want wipsie-default", got)
	}
}
