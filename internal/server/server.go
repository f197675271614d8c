package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/errval"
	"github.com/sf7293/task-dispatcher/internal/producer"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, taskName string, payload any, opts producer.Options) (string, error)
}

type ServerLogic struct {
	enqueuer Enqueuer
	results  domain.ResultStore
	revoker  domain.Revoker
}

func NewServerLogic(enqueuer Enqueuer, results domain.ResultStore, revoker domain.Revoker) *ServerLogic {
	return &ServerLogic{
		enqueuer: enqueuer,
		results:  results,
		revoker:  revoker,
	}
}

// AddTask enqueues the task. When the broker is unavailable the id is returned together with the error;
// the task stays PENDING and is re-queued by the recovery command.
func (s *ServerLogic) AddTask(ctx context.Context, req domain.RouterRequestAddTask) (taskID string, err error) {
	opts := producer.Options{
		Queue:      req.Queue,
		MaxRetries: req.MaxRetries,
	}
	if req.Priority != nil {
		opts.Priority = *req.Priority
	}
	if req.CountdownSeconds != nil {
		opts.Countdown = time.Duration(*req.CountdownSeconds) * time.Second
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	taskID, err = s.enqueuer.Enqueue(ctx, req.TaskName, payload, opts)
	if err != nil {
		switch {
		case errors.Is(err, errval.ErrInvalidRequest):
			return "", err
		case errors.Is(err, errval.ErrBrokerUnavailable) && taskID != "":
			slog.WarnContext(ctx, "Task is stored but could not be published, it will be re-queued by recovery", "task_id", taskID, "error", err)
			return taskID, errval.ErrBrokerUnavailable
		default:
			slog.ErrorContext(ctx, "error occurred while calling enqueuer.Enqueue", "task_name", req.TaskName, "error", err)
			return "", errval.ErrInternal
		}
	}

	return taskID, nil
}

func (s *ServerLogic) GetTaskResult(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	result, err := s.results.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			slog.Info("task not found with the given id", "id", taskID)
			return nil, errval.ErrNotFound
		}

		slog.ErrorContext(ctx, "error occurred while calling results.Get", "error", err)
		return nil, errval.ErrInternal
	}

	return result, nil
}

func (s *ServerLogic) GetTaskStatusHistory(ctx context.Context, taskID string) (history []*domain.TaskStatusChange, err error) {
	taskHistory, err := s.results.History(ctx, taskID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			slog.Info("history not found for the given task id", "task_id", taskID)
			return nil, errval.ErrNotFound
		}

		slog.ErrorContext(ctx, "error occurred while calling results.History", "error", err)
		return nil, errval.ErrInternal
	}

	return taskHistory, nil
}

// RevokeTask asks every worker to cancel the task. It is best effort: a handler finishing first keeps its result.
func (s *ServerLogic) RevokeTask(ctx context.Context, taskID string) error {
	result, err := s.GetTaskResult(ctx, taskID)
	if err != nil {
		return err
	}
	if result.Status.IsTerminal() {
		return errval.ErrTaskFinished
	}

	if s.revoker == nil {
		slog.ErrorContext(ctx, "revoke requested but no revoker is configured", "task_id", taskID)
		return errval.ErrInternal
	}

	if err = s.revoker.Revoke(ctx, taskID); err != nil {
		slog.ErrorContext(ctx, "error occurred while calling revoker.Revoke", "task_id", taskID, "error", err)
		return errval.ErrInternal
	}

	slog.InfoContext(ctx, "Task revoke is published", "task_id", taskID)
	return nil
}
