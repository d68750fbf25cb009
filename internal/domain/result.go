package domain

import (
	"fmt"
	"time"
)

// ResultStatus is the outcome of running a task handler.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailure ResultStatus = "failure"
)

// Result is what a handler returns instead of raising.
// Retryable only has meaning for failures.
type Result struct {
	Status      ResultStatus   `json:"status"`
	Retryable   bool           `json:"retryable"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

// Success returns a successful result carrying output.
func Success(output map[string]any) Result {
	return Result{Status: StatusSuccess, Output: output}
}

// Retry returns a transient failure eligible for redelivery.
func Retry(err error) Result {
	return Result{Status: StatusFailure, Retryable: true, ErrorDetail: errorText(err)}
}

// Permanent returns a failure that must not be retried.
func Permanent(err error) Result {
	return Result{Status: StatusFailure, ErrorDetail: errorText(err)}
}

// Unsupported is the permanent failure for a task type with no handler.
func Unsupported(taskType string) Result {
	return Result{Status: StatusFailure, ErrorDetail: fmt.Sprintf("UnsupportedTaskType: %s", taskType)}
}

// OK reports whether the handler succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// TaskState is the final disposition of one delivery, as reported on the
// status side channel.
type TaskState string

const (
	TaskSucceeded    TaskState = "succeeded"
	TaskRetrying     TaskState = "retrying"
	TaskDeadLettered TaskState = "dead_lettered"
	TaskDropped      TaskState = "dropped"
	TaskLeaseLost    TaskState = "lease_lost"
	TaskDuplicate    TaskState = "duplicate"
)

// IsValid reports whether s is a known task state.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskSucceeded, TaskRetrying, TaskDeadLettered, TaskDropped, TaskLeaseLost, TaskDuplicate:
		return true
	}
	return false
}

// TaskRecord describes what happened to one delivery of a message.
type TaskRecord struct {
	MessageID   string         `json:"message_id"`
	EnvelopeID  string         `json:"envelope_id,omitempty"`
	TaskType    string         `json:"task_type"`
	Queue       string         `json:"queue"`
	State       TaskState      `json:"state"`
	Attempt     int            `json:"attempt"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PublishReceipt acknowledges that a task was enqueued. It says nothing
// about whether the task will succeed.
type PublishReceipt struct {
	MessageID  string    `json:"message_id"`
	EnvelopeID string    `json:"envelope_id"`
	Queue      string    `json:"queue"`
	TaskType   string    `json:"task_type"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// ReceiptStatusSent is the only status a receipt carries.
const ReceiptStatusSent = "sent"
