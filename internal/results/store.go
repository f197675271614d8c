package results

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/errval"
)

type record struct {
	invocation *domain.TaskInvocation
	result     domain.TaskResult
	history    []*domain.TaskStatusChange
}

// Store keeps task results in memory. It implements domain.ResultStore.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	nextID  int64
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Create(ctx context.Context, invocation *domain.TaskInvocation) (*domain.TaskResult, error) {
	if invocation == nil || invocation.ID == "" {
		return nil, fmt.Errorf("results: invocation without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[invocation.ID]; exists {
		return nil, fmt.Errorf("%w: %s", errval.ErrDuplicateTask, invocation.ID)
	}

	now := s.now().UTC()
	r := &record{
		invocation: invocation.Clone(),
		result: domain.TaskResult{
			InvocationID: invocation.ID,
			TaskName:     invocation.TaskName,
			Status:       domain.Pending,
			RetryCount:   invocation.RetryCount,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}
	r.history = append(r.history, s.changeLocked(invocation.ID, "", domain.Pending, invocation.RetryCount, "", now))
	s.records[invocation.ID] = r

	return copyResult(&r.result), nil
}

// Record upserts the result of an invocation and appends a history entry for the transition
func (s *Store) Record(ctx context.Context, invocationID string, update domain.ResultUpdate) (*domain.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	r, ok := s.records[invocationID]
	if !ok {
		r = &record{
			result: domain.TaskResult{
				InvocationID: invocationID,
				TaskName:     update.TaskName,
				CreatedAt:    now,
			},
		}
		s.records[invocationID] = r
	}

	old := r.result.Status
	applyUpdate(&r.result, update, now)
	if r.invocation != nil {
		r.invocation.RetryCount = update.RetryCount
		if update.ETA != nil {
			eta := update.ETA.UTC()
			r.invocation.ETA = &eta
		}
	}

	errMessage := ""
	if update.Error != nil {
		errMessage = update.Error.Message
	}
	r.history = append(r.history, s.changeLocked(invocationID, old, update.Status, update.RetryCount, errMessage, now))

	return copyResult(&r.result), nil
}

func (s *Store) Get(ctx context.Context, invocationID string) (*domain.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[invocationID]
	if !ok {
		return nil, errval.ErrNotFound
	}

	return copyResult(&r.result), nil
}

func (s *Store) History(ctx context.Context, invocationID string) ([]*domain.TaskStatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[invocationID]
	if !ok || len(r.history) == 0 {
		return nil, errval.ErrNotFound
	}

	history := make([]*domain.TaskStatusChange, 0, len(r.history))
	for _, change := range r.history {
		c := *change
		history = append(history, &c)
	}

	return history, nil
}

// GetStalePending returns invocations still PENDING whose result was last touched, and whose ETA passed, more than olderThan ago
func (s *Store) GetStalePending(ctx context.Context, olderThan time.Duration, limit int32) ([]*domain.TaskInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threshold := s.now().UTC().Add(-olderThan)
	var stale []*record
	for _, r := range s.records {
		if r.invocation == nil || r.result.Status != domain.Pending {
			continue
		}
		if r.result.UpdatedAt.After(threshold) {
			continue
		}
		// a delayed invocation is only overdue once its ETA is older than the threshold too
		if r.invocation.ETA != nil && r.invocation.ETA.After(threshold) {
			continue
		}
		stale = append(stale, r)
	}

	if len(stale) == 0 {
		return nil, errval.ErrNotFound
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].result.UpdatedAt.Before(stale[j].result.UpdatedAt)
	})
	if limit > 0 && len(stale) > int(limit) {
		stale = stale[:limit]
	}

	invocations := make([]*domain.TaskInvocation, 0, len(stale))
	for _, r := range stale {
		invocations = append(invocations, r.invocation.Clone())
	}

	return invocations, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := map[domain.TaskStatus]int64{}
	for _, r := range s.records {
		counts[r.result.Status]++
	}

	return counts, nil
}

func (s *Store) changeLocked(invocationID string, old, status domain.TaskStatus, retryCount int, errMessage string, now time.Time) *domain.TaskStatusChange {
	s.nextID++
	return &domain.TaskStatusChange{
		ID:           s.nextID,
		InvocationID: invocationID,
		OldStatus:    old,
		NewStatus:    status,
		RetryCount:   retryCount,
		ErrorMessage: errMessage,
		CreatedAt:    now,
	}
}

// applyUpdate keeps the value only on SUCCESS and the error only on FAILURE
func applyUpdate(result *domain.TaskResult, update domain.ResultUpdate, now time.Time) {
	if update.TaskName != "" {
		result.TaskName = update.TaskName
	}
	result.Status = update.Status
	result.RetryCount = update.RetryCount
	result.UpdatedAt = now
	result.Value = nil
	result.Error = nil
	result.CompletedAt = nil

	switch update.Status {
	case domain.Success:
		result.Value = append([]byte(nil), update.Value...)
		result.CompletedAt = &now
	case domain.Failure:
		if update.Error != nil {
			e := *update.Error
			result.Error = &e
		}
		result.CompletedAt = &now
	}
}

func copyResult(r *domain.TaskResult) *domain.TaskResult {
	c := *r
	if r.Value != nil {
		c.Value = append([]byte(nil), r.Value...)
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}

	return &c
}
