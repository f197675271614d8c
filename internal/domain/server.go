package domain

import "encoding/json"

type RouterRequestAddTask struct {
	TaskName         string          `json:"task_name" binding:"required,max=255"`
	Payload          json.RawMessage `json:"payload" binding:"omitempty,validate_payload"`
	Queue            string          `json:"queue" binding:"omitempty,max=64"`
	Priority         *int            `json:"priority" binding:"omitempty,min=0,max=255"`
	MaxRetries       *int            `json:"max_retries" binding:"omitempty,min=0,max=100"`
	CountdownSeconds *int64          `json:"countdown_seconds" binding:"omitempty,min=0"`
}

type RouterResponseAddTask struct {
	TaskID string `json:"task_id"`
}
