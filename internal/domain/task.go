package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	Pending TaskStatus = "PENDING"
	Started TaskStatus = "STARTED"
	Success TaskStatus = "SUCCESS"
	Failure TaskStatus = "FAILURE"
	Retry   TaskStatus = "RETRY"
)

// IsTerminal reports whether no further transition is expected from the status
func (s TaskStatus) IsTerminal() bool {
	return s == Success || s == Failure
}

type TaskErrorKind string

const (
	UnknownTask       TaskErrorKind = "UnknownTask"
	HandlerError      TaskErrorKind = "HandlerError"
	HandlerFatalError TaskErrorKind = "HandlerFatalError"
	Revoked           TaskErrorKind = "Revoked"
)

// TaskInvocation is a single request to run a registered task, as it travels through the broker
type TaskInvocation struct {
	ID         string          `json:"id"`
	TaskName   string          `json:"task_name"`
	Payload    json.RawMessage `json:"payload"`
	QueueName  string          `json:"queue_name"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	ETA        *time.Time      `json:"eta,omitempty"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Priority   int             `json:"priority"`
}

// Clone returns a deep copy so that brokers never share mutable state with their callers
func (t *TaskInvocation) Clone() *TaskInvocation {
	if t == nil {
		return nil
	}

	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.ETA != nil {
		eta := *t.ETA
		c.ETA = &eta
	}

	return &c
}

type TaskError struct {
	Kind    TaskErrorKind `json:"kind"`
	Message string        `json:"message"`
}

type TaskResult struct {
	InvocationID string          `json:"invocation_id"`
	TaskName     string          `json:"task_name"`
	Status       TaskStatus      `json:"status"`
	RetryCount   int             `json:"retry_count"`
	Value        json.RawMessage `json:"result_value,omitempty"`
	Error        *TaskError      `json:"error_info,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// ResultUpdate is what a worker writes into the result store on every transition
type ResultUpdate struct {
	TaskName   string
	Status     TaskStatus
	RetryCount int
	Value      json.RawMessage
	Error      *TaskError
	// ETA, when set, replaces the stored invocation's ETA
	ETA *time.Time
}
