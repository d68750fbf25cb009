// Package domain contains the wire and result types shared by producers,
// workers and the status side channel.
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Envelope is the JSON body of every task message.
//
// Older producers wrote the task type under "type"; both keys are accepted
// on read and Kind resolves between them. Unknown fields are ignored.
type Envelope struct {
	ID            string         `json:"id"`
	TaskType      string         `json:"task_type,omitempty"`
	Type          string         `json:"type,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source,omitempty"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      int            `json:"priority,omitempty"`
}

// Envelope validation errors.
var (
	ErrEmptyTaskType    = errors.New("task_type is required")
	ErrMalformedMessage = errors.New("malformed message body")
)

// NewEnvelope builds an envelope with a fresh id and the current UTC time.
func NewEnvelope(taskType, source string, data map[string]any) *Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return &Envelope{
		ID:        uuid.New().String(),
		TaskType:  taskType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      data,
	}
}

// Kind returns the task type, preferring task_type over the legacy type key.
func (e *Envelope) Kind() string {
	if e.TaskType != "" {
		return e.TaskType
	}
	return e.Type
}

// ParseEnvelope decodes a message body. The body must be a JSON object;
// a missing data field decodes as an empty map.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Join(ErrMalformedMessage, err)
	}
	if env.Data == nil {
		env.Data = map[string]any{}
	}
	return &env, nil
}
