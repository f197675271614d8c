package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/producer"
)

const (
	DefaultTickInterval = time.Second
	defaultLockTTL      = 10 * time.Minute
)

type Enqueuer interface {
	Enqueue(ctx context.Context, taskName string, payload any, opts producer.Options) (string, error)
}

type entry struct {
	domain.ScheduleEntry
	schedule cron.Schedule
}

// Scheduler enqueues recurring tasks. It is single threaded: Run and Tick must not be called concurrently.
type Scheduler struct {
	enqueuer     Enqueuer
	lock         domain.DistributedLock
	lockTTL      time.Duration
	tickInterval time.Duration
	now          func() time.Time

	mu      sync.Mutex
	entries []*entry
}

type Option func(*Scheduler)

// WithLock makes only one scheduler instance fire a given boundary of an entry
func WithLock(lock domain.DistributedLock, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.lock = lock
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New validates the entries and sets the last fired time of every entry that has none to the current time.
func New(enqueuer Enqueuer, entries []domain.ScheduleEntry, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		enqueuer:     enqueuer,
		lockTTL:      defaultLockTTL,
		tickInterval: DefaultTickInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	startedAt := s.now()
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.TaskName == "" {
			return nil, errors.New("schedule entry needs a name and a task name")
		}
		if names[e.Name] {
			return nil, fmt.Errorf("duplicate schedule entry %q", e.Name)
		}
		names[e.Name] = true

		parsed := &entry{ScheduleEntry: e}
		switch {
		case e.Interval > 0 && e.Cron != "":
			return nil, fmt.Errorf("schedule entry %q has both an interval and a cron expression", e.Name)
		case e.Cron != "":
			schedule, err := cron.ParseStandard(e.Cron)
			if err != nil {
				return nil, fmt.Errorf("schedule entry %q: invalid cron expression: %w", e.Name, err)
			}
			parsed.schedule = schedule
		case e.Interval <= 0:
			return nil, fmt.Errorf("schedule entry %q needs a positive interval or a cron expression", e.Name)
		}
		if parsed.Payload != nil {
			parsed.Payload = append([]byte(nil), e.Payload...)
		}
		if parsed.LastFiredAt.IsZero() {
			parsed.LastFiredAt = startedAt
		}

		s.entries = append(s.entries, parsed)
	}

	return s, nil
}

func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler is started", "entries", len(s.entries), "tick_interval", s.tickInterval.String())
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler is stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick fires every entry that is due at now and returns the number of tasks enqueued
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	fired := 0
	for _, e := range s.entries {
		boundary, due := e.dueBoundary(now)
		if !due {
			continue
		}
		e.LastFiredAt = boundary

		if s.fire(ctx, e, boundary) {
			fired++
		}
	}

	return fired
}

// Entries returns a snapshot of the schedule including the last fired times
func (s *Scheduler) Entries() []domain.ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.ScheduleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		result = append(result, e.ScheduleEntry)
	}

	return result
}

// dueBoundary returns the latest boundary not after now when at least one boundary passed since the last firing.
// Interval boundaries are multiples of the interval since the zero time, so every instance computes the same
// boundary, and the lock key, whatever its start time.
func (e *entry) dueBoundary(now time.Time) (time.Time, bool) {
	if e.schedule == nil {
		if now.Sub(e.LastFiredAt) < e.Interval {
			return time.Time{}, false
		}
		return now.Truncate(e.Interval), true
	}

	next := e.schedule.Next(e.LastFiredAt)
	if next.IsZero() || next.After(now) {
		return time.Time{}, false
	}
	for {
		following := e.schedule.Next(next)
		if following.IsZero() || following.After(now) {
			return next, true
		}
		next = following
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, boundary time.Time) bool {
	logger := slog.With("schedule", e.Name, "task_name", e.TaskName, "boundary", boundary.UTC().Format(time.RFC3339))

	if s.lock != nil {
		lockKey := fmt.Sprintf("schedule:%s:%d", e.Name, boundary.Unix())
		isLocked, err := s.lock.Lock(ctx, lockKey, s.lockTTL)
		if err != nil {
			logger.Error("Error while locking schedule boundary", "lock_key", lockKey, "error", err)
			return false
		}
		if !isLocked {
			logger.Info("Schedule boundary is already fired by another instance", "lock_key", lockKey)
			return false
		}
	}

	var payload any
	if e.Payload != nil {
		payload = e.Payload
	}
	taskID, err := s.enqueuer.Enqueue(ctx, e.TaskName, payload, producer.Options{Queue: e.Queue, Priority: e.Priority})
	if err != nil {
		logger.Error("Error occurred while enqueueing scheduled task", "task_id", taskID, "error", err)
		return false
	}

	logger.Info("Scheduled task is enqueued", "task_id", taskID)
	return true
}
