package domain

import "time"

type TaskStatusChange struct {
	ID           int64      `json:"-"`
	InvocationID string     `json:"invocation_id"`
	OldStatus    TaskStatus `json:"old_status,omitempty"`
	NewStatus    TaskStatus `json:"new_status"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
