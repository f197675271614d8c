package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/errval"
)

const uniqueViolationCode = "23505"

// storage implements domain.ResultStore on Postgres
type storage struct {
	queries *Queries
	pool    *pgxpool.Pool
}

func NewStorage(ctx context.Context, dsn string) (*storage, error) {
	var pool *pgxpool.Pool
	var err error

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	err = backoff.Retry(func() error {
		if pool, err = pgxpool.ConnectConfig(ctx, config); err != nil {
			slog.ErrorContext(ctx, "failed to connect to postgres database.. retrying...", "error", err)
			return err
		}

		if err = pool.Ping(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ping postgres database connection.. retrying...", "error", err)
			pool.Close()
			return err
		}

		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5), ctx))

	if err != nil {
		return nil, err
	}

	return &storage{
		queries: New(pool),
		pool:    pool,
	}, nil
}

func (s *storage) Ping(ctx context.Context) (err error) {
	return s.pool.Ping(ctx)
}

func (s *storage) Close() {
	s.pool.Close()
}

// Create stores the invocation and its PENDING result in one transaction
func (s *storage) Create(ctx context.Context, invocation *domain.TaskInvocation) (result *domain.TaskResult, err error) {
	payload, err := toJSONB(invocation.Payload)
	if err != nil {
		return nil, err
	}

	err = s.inTx(ctx, func(qtx *Queries) error {
		err := qtx.InsertTaskInvocation(ctx, InsertTaskInvocationParams{
			ID:         invocation.ID,
			TaskName:   invocation.TaskName,
			Payload:    payload,
			QueueName:  invocation.QueueName,
			Priority:   int32(invocation.Priority),
			MaxRetries: int32(invocation.MaxRetries),
			RetryCount: int32(invocation.RetryCount),
			Eta:        toTimestamptz(invocation.ETA),
			EnqueuedAt: toTimestamptz(&invocation.EnqueuedAt),
		})
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", errval.ErrDuplicateTask, invocation.ID)
			}
			return err
		}

		row, err := qtx.UpsertTaskResult(ctx, UpsertTaskResultParams{
			InvocationID: invocation.ID,
			TaskName:     invocation.TaskName,
			Status:       TaskStatusPENDING,
			RetryCount:   int32(invocation.RetryCount),
			ResultValue:  pgtype.JSONB{Status: pgtype.Null},
			ErrorKind:    pgtype.Text{Status: pgtype.Null},
			ErrorMessage: pgtype.Text{Status: pgtype.Null},
			CompletedAt:  pgtype.Timestamptz{Status: pgtype.Null},
		})
		if err != nil {
			return err
		}

		err = qtx.InsertTaskStatusHistory(ctx, InsertTaskStatusHistoryParams{
			InvocationID: invocation.ID,
			NewStatus:    TaskStatusPENDING,
			RetryCount:   int32(invocation.RetryCount),
			ErrorMessage: pgtype.Text{Status: pgtype.Null},
		})
		if err != nil {
			return err
		}

		result = convertTaskResult(row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Record upserts the result and logs the status change in the same transaction
func (s *storage) Record(ctx context.Context, invocationID string, update domain.ResultUpdate) (result *domain.TaskResult, err error) {
	params := UpsertTaskResultParams{
		InvocationID: invocationID,
		TaskName:     update.TaskName,
		Status:       TaskStatus(update.Status),
		RetryCount:   int32(update.RetryCount),
		ResultValue:  pgtype.JSONB{Status: pgtype.Null},
		ErrorKind:    pgtype.Text{Status: pgtype.Null},
		ErrorMessage: pgtype.Text{Status: pgtype.Null},
		CompletedAt:  pgtype.Timestamptz{Status: pgtype.Null},
	}

	errMessage := pgtype.Text{Status: pgtype.Null}
	if update.Error != nil {
		errMessage = toText(update.Error.Message)
	}

	now := time.Now().UTC()
	switch update.Status {
	case domain.Success:
		if params.ResultValue, err = toJSONB(update.Value); err != nil {
			return nil, err
		}
		params.CompletedAt = toTimestamptz(&now)
	case domain.Failure:
		if update.Error != nil {
			params.ErrorKind = toText(string(update.Error.Kind))
			params.ErrorMessage = errMessage
		}
		params.CompletedAt = toTimestamptz(&now)
	}

	err = s.inTx(ctx, func(qtx *Queries) error {
		oldStatus := NullTaskStatus{}
		current, err := qtx.GetTaskResultForUpdate(ctx, invocationID)
		switch {
		case err == nil:
			oldStatus = NullTaskStatus{TaskStatus: current.Status, Valid: true}
			if params.TaskName == "" {
				params.TaskName = current.TaskName
			}
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		row, err := qtx.UpsertTaskResult(ctx, params)
		if err != nil {
			return err
		}

		err = qtx.UpdateTaskInvocationRetry(ctx, UpdateTaskInvocationRetryParams{
			ID:         invocationID,
			RetryCount: int32(update.RetryCount),
			Eta:        toTimestamptz(update.ETA),
		})
		if err != nil {
			return err
		}

		err = qtx.InsertTaskStatusHistory(ctx, InsertTaskStatusHistoryParams{
			InvocationID: invocationID,
			OldStatus:    oldStatus,
			NewStatus:    TaskStatus(update.Status),
			RetryCount:   int32(update.RetryCount),
			ErrorMessage: errMessage,
		})
		if err != nil {
			return err
		}

		result = convertTaskResult(row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *storage) Get(ctx context.Context, invocationID string) (*domain.TaskResult, error) {
	row, err := s.queries.GetTaskResult(ctx, invocationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errval.ErrNotFound
		}

		return nil, err
	}

	return convertTaskResult(row), nil
}

func (s *storage) History(ctx context.Context, invocationID string) ([]*domain.TaskStatusChange, error) {
	rows, err := s.queries.GetTaskStatusHistory(ctx, invocationID)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, errval.ErrNotFound
	}

	return convertTaskStatusHistories(rows), nil
}

func (s *storage) GetStalePending(ctx context.Context, olderThan time.Duration, limit int32) ([]*domain.TaskInvocation, error) {
	rows, err := s.queries.GetStalePendingInvocations(ctx, GetStalePendingInvocationsParams{
		Column1: int32(olderThan / time.Second),
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, errval.ErrNotFound
	}

	invocations := make([]*domain.TaskInvocation, 0, len(rows))
	for _, row := range rows {
		invocations = append(invocations, convertTaskInvocation(row))
	}

	return invocations, nil
}

func (s *storage) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error) {
	rows, err := s.queries.CountTaskResultsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[domain.TaskStatus]int64, len(rows))
	for _, row := range rows {
		counts[domain.TaskStatus(row.Status)] = row.Count
	}

	return counts, nil
}

func (s *storage) inTx(ctx context.Context, fn func(qtx *Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}

	if err = fn(s.queries.WithTx(tx)); err != nil {
		err2 := tx.Rollback(ctx)
		if err2 != nil {
			slog.Error("Error occurred while rolling back transaction", "error", err2.Error())
		}

		return err
	}

	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func toJSONB(raw []byte) (pgtype.JSONB, error) {
	var value pgtype.JSONB
	if raw == nil {
		value.Status = pgtype.Null
		return value, nil
	}

	if err := value.Set(raw); err != nil {
		return value, err
	}

	return value, nil
}

func toText(s string) pgtype.Text {
	return pgtype.Text{String: s, Status: pgtype.Present}
}

func toTimestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Status: pgtype.Null}
	}

	return pgtype.Timestamptz{Time: t.UTC(), Status: pgtype.Present}
}

func fromTimestamptz(t pgtype.Timestamptz) *time.Time {
	if t.Status != pgtype.Present {
		return nil
	}

	value := t.Time.UTC()
	return &value
}

func convertTaskResult(row TaskResult) *domain.TaskResult {
	result := &domain.TaskResult{
		InvocationID: row.InvocationID,
		TaskName:     row.TaskName,
		Status:       domain.TaskStatus(row.Status),
		RetryCount:   int(row.RetryCount),
		CreatedAt:    row.CreatedAt.Time.UTC(),
		UpdatedAt:    row.UpdatedAt.Time.UTC(),
		CompletedAt:  fromTimestamptz(row.CompletedAt),
	}

	if row.ResultValue.Status == pgtype.Present {
		result.Value = append([]byte(nil), row.ResultValue.Bytes...)
	}
	if row.ErrorKind.Status == pgtype.Present {
		result.Error = &domain.TaskError{
			Kind:    domain.TaskErrorKind(row.ErrorKind.String),
			Message: row.ErrorMessage.String,
		}
	}

	return result
}

func convertTaskInvocation(row TaskInvocation) *domain.TaskInvocation {
	invocation := &domain.TaskInvocation{
		ID:         row.ID,
		TaskName:   row.TaskName,
		QueueName:  row.QueueName,
		EnqueuedAt: row.EnqueuedAt.Time.UTC(),
		ETA:        fromTimestamptz(row.Eta),
		RetryCount: int(row.RetryCount),
		MaxRetries: int(row.MaxRetries),
		Priority:   int(row.Priority),
	}

	if row.Payload.Status == pgtype.Present {
		invocation.Payload = append([]byte(nil), row.Payload.Bytes...)
	}

	return invocation
}

func convertTaskStatusHistories(rows []TaskStatusHistory) []*domain.TaskStatusChange {
	changes := make([]*domain.TaskStatusChange, 0, len(rows))
	for _, row := range rows {
		change := &domain.TaskStatusChange{
			ID:           row.ID,
			InvocationID: row.InvocationID,
			NewStatus:    domain.TaskStatus(row.NewStatus),
			RetryCount:   int(row.RetryCount),
			ErrorMessage: row.ErrorMessage.String,
			CreatedAt:    row.CreatedAt.Time.UTC(),
		}
		if row.OldStatus.Valid {
			change.OldStatus = domain.TaskStatus(row.OldStatus.TaskStatus)
		}
		changes = append(changes, change)
	}

	return changes
}
