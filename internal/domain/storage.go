package domain

import (
	"context"
	"time"
)

type ResultStore interface {
	Ping(ctx context.Context) (err error)
	Create(ctx context.Context, invocation *TaskInvocation) (*TaskResult, error)
	Record(ctx context.Context, invocationID string, update ResultUpdate) (*TaskResult, error)
	Get(ctx context.Context, invocationID string) (*TaskResult, error)
	History(ctx context.Context, invocationID string) ([]*TaskStatusChange, error)
	GetStalePending(ctx context.Context, olderThan time.Duration, limit int32) ([]*TaskInvocation, error)
	CountByStatus(ctx context.Context) (map[TaskStatus]int64, error)
}
