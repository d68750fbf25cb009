package queue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMarshalBody(t *testing.T) {
	tests := []struct {
		name    string
		body    any
		wantErr bool
	}{
		{name: "map", body: map[string]any{"a": 1}},
		{name: "struct", body: struct {
			ID string `json:"id"`
		}{ID: "x"}},
		{name: "raw object", body: []byte(`{"ok":true}`)},
		{name: "raw message", body: json.RawMessage(`{"ok":true}`)},
		{name: "array", body: []int{1, 2}, wantErr: true},
		{name: "string", body: "hello", wantErr: true},
		{name: "null", body: nil, wantErr: true},
		{name: "malformed raw", body: []byte(`{"ok":`), wantErr: true},
		{name: "unencodable", body: map[string]any{"ch": make(chan int)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MarshalBody(tt.body)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidBody) {
					t.Errorf("MarshalBody() error = %v, want ErrInvalidBody", err)
				}
				return
			}
			if err != nil {
				t.Errorf("MarshalBody() unexpected error: %v", err)
			}
		})
	}
}

func TestMessage_DecodeBody(t *testing.T) {
	msg := &Message{Body: []byte(`{"task_type":"health_check"}`)}

	var out map[string]any
	if err := msg.DecodeBody(&out); err != nil {
		t.Fatalf("DecodeBody error: %v", err)
	}
	if out["task_type"] != "health_check" {
		t.Errorf("task_type = %v, want health_check", out["task_type"])
	}

	bad := &Message{Body: []byte(`not json`)}
	if err := bad.DecodeBody(&out); !errors.Is(err, ErrInvalidBody) {
		t.Errorf("DecodeBody() error = %v, want ErrInvalidBody", err)
	}
}

func TestMessage_Attribute(t *testing.T) {
	var msg Message
	if got := msg.Attribute(AttrTaskType); got != "" {
		t.Errorf("Attribute on nil map = %q, want empty", got)
	}
	msg.Attributes = map[string]string{AttrTaskType: "send_email"}
	if got := msg.Attribute(AttrTaskType); got != "send_email" {
		t.Errorf("Attribute = %q, want send_email", got)
	}
}

func TestClamp(t *testing.T) {
	if got := ClampBatch(0); got != 1 {
		t.Errorf("ClampBatch(0) = %d, want 1", got)
	}
	if got := ClampBatch(50); got != MaxBatch {
		t.Errorf("ClampBatch(50) = %d, want %d", got, MaxBatch)
	}
	if got := ClampBatch(5); got != 5 {
		t.Errorf("ClampBatch(5) = %d, want 5", got)
	}
	if got := ClampWait(time.Minute); got != MaxPollWait {
		t.Errorf("ClampWait(1m) = %v, want %v", got, MaxPollWait)
	}
	if got := ClampWait(-time.Second); got != 0 {
		t.Errorf("ClampWait(-1s) = %v, want 0", got)
	}
}
