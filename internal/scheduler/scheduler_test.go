package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/memqueue"
	"github.com/sf7293/task-dispatcher/internal/producer"
	"github.com/sf7293/task-dispatcher/internal/results"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type enqueueCall struct {
	taskName string
	payload  any
	opts     producer.Options
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, taskName string, payload any, opts producer.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enqueueCall{taskName: taskName, payload: payload, opts: opts})
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("task-%d", len(f.calls)), nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memoryLock struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (l *memoryLock) Ping(ctx context.Context) error { return nil }
func (l *memoryLock) Close() error                   { return nil }

func (l *memoryLock) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.keys == nil {
		l.keys = map[string]bool{}
	}
	if l.keys[key] {
		return false, nil
	}
	l.keys[key] = true
	return true, nil
}

func (l *memoryLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
	return nil
}

var (
	start    = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	midnight = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
)

func fixedClock() time.Time { return start }

func midnightClock() time.Time { return midnight }

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func dailyReport() domain.ScheduleEntry {
	return domain.ScheduleEntry{Name: "daily_report", TaskName: "daily_report", Interval: 24 * time.Hour}
}

func TestScheduler_IntervalFiresOncePerInterval(t *testing.T) {
	enq := &fakeEnqueuer{}
	s, err := New(enq, []domain.ScheduleEntry{dailyReport()}, WithClock(midnightClock))
	require.NoError(t, err)
	ctx := context.Background()

	now := midnight
	for i := 0; i < 3*24*60; i++ {
		now = now.Add(time.Minute)
		s.Tick(ctx, now)
	}

	assert.Equal(t, 3, enq.count())
	assert.Equal(t, midnight.Add(72*time.Hour), s.Entries()[0].LastFiredAt)
	for _, call := range enq.calls {
		assert.Equal(t, "daily_report", call.taskName)
		assert.Nil(t, call.payload)
	}
}

func TestScheduler_ClockJumpFiresOnceWithoutDrift(t *testing.T) {
	enq := &fakeEnqueuer{}
	s, err := New(enq, []domain.ScheduleEntry{dailyReport()}, WithClock(midnightClock))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, 0, s.Tick(ctx, midnight.Add(23*time.Hour)))
	assert.Equal(t, 1, s.Tick(ctx, midnight.Add(5*24*time.Hour+3*time.Hour)))
	assert.Equal(t, midnight.Add(5*24*time.Hour), s.Entries()[0].LastFiredAt)

	assert.Equal(t, 0, s.Tick(ctx, midnight.Add(5*24*time.Hour+23*time.Hour)))
	assert.Equal(t, 1, s.Tick(ctx, midnight.Add(6*24*time.Hour)))
	assert.Equal(t, 2, enq.count())
}

func TestScheduler_CronEntry(t *testing.T) {
	enq := &fakeEnqueuer{}
	entry := domain.ScheduleEntry{Name: "morning", TaskName: "daily_report", Cron: "30 10 * * *", Queue: "reports", Priority: 3}
	s, err := New(enq, []domain.ScheduleEntry{entry}, WithClock(fixedClock))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, 0, s.Tick(ctx, start.Add(29*time.Minute)))
	assert.Equal(t, 1, s.Tick(ctx, start.Add(31*time.Minute)))
	assert.Equal(t, 0, s.Tick(ctx, start.Add(2*time.Hour)))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), s.Entries()[0].LastFiredAt)

	assert.Equal(t, 1, s.Tick(ctx, start.Add(3*24*time.Hour)))
	assert.Equal(t, time.Date(2026, 3, 3, 10, 30, 0, 0, time.UTC), s.Entries()[0].LastFiredAt)

	require.Len(t, enq.calls, 2)
	assert.Equal(t, "reports", enq.calls[0].opts.Queue)
	assert.Equal(t, 3, enq.calls[0].opts.Priority)
}

func TestScheduler_LockAllowsOneInstancePerBoundary(t *testing.T) {
	lock := &memoryLock{}
	first := &fakeEnqueuer{}
	second := &fakeEnqueuer{}
	a, err := New(first, []domain.ScheduleEntry{dailyReport()}, WithClock(midnightClock), WithLock(lock, time.Hour))
	require.NoError(t, err)
	b, err := New(second, []domain.ScheduleEntry{dailyReport()}, WithClock(midnightClock), WithLock(lock, time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	for day := 1; day <= 2; day++ {
		now := midnight.Add(time.Duration(day)*24*time.Hour + time.Second)
		a.Tick(ctx, now)
		b.Tick(ctx, now)
	}

	assert.Equal(t, 2, first.count()+second.count())
	assert.True(t, lock.keys[fmt.Sprintf("schedule:daily_report:%d", midnight.Add(24*time.Hour).Unix())])
	assert.Equal(t, a.Entries()[0].LastFiredAt, b.Entries()[0].LastFiredAt)
}

func TestScheduler_StaggeredInstancesShareIntervalBoundaries(t *testing.T) {
	lock := &memoryLock{}
	first := &fakeEnqueuer{}
	second := &fakeEnqueuer{}
	entry := domain.ScheduleEntry{Name: "heartbeat", TaskName: "daily_report", Interval: time.Minute}
	a, err := New(first, []domain.ScheduleEntry{entry}, WithClock(clockAt(start)), WithLock(lock, time.Hour))
	require.NoError(t, err)
	b, err := New(second, []domain.ScheduleEntry{entry}, WithClock(clockAt(start.Add(time.Second))), WithLock(lock, time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	for _, now := range []time.Time{start.Add(70 * time.Second), start.Add(125 * time.Second), start.Add(190 * time.Second)} {
		fired := a.Tick(ctx, now) + b.Tick(ctx, now)
		assert.Equal(t, 1, fired, "tick at %s", now.Format(time.RFC3339))
	}

	assert.Equal(t, 3, first.count()+second.count())
	assert.Equal(t, start.Add(3*time.Minute), a.Entries()[0].LastFiredAt)
	assert.Equal(t, start.Add(3*time.Minute), b.Entries()[0].LastFiredAt)
}

func TestScheduler_UnalignedStartConvergesToBoundaries(t *testing.T) {
	enq := &fakeEnqueuer{}
	s, err := New(enq, []domain.ScheduleEntry{dailyReport()}, WithClock(fixedClock))
	require.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, 0, s.Tick(ctx, start.Add(23*time.Hour)))
	assert.Equal(t, 1, s.Tick(ctx, start.Add(24*time.Hour)))
	assert.Equal(t, midnight.Add(24*time.Hour), s.Entries()[0].LastFiredAt)

	assert.Equal(t, 0, s.Tick(ctx, midnight.Add(48*time.Hour-time.Second)))
	assert.Equal(t, 1, s.Tick(ctx, midnight.Add(48*time.Hour)))
	assert.Equal(t, 2, enq.count())
}

func TestScheduler_EnqueueErrorStillAdvances(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("broker down")}
	s, err := New(enq, []domain.ScheduleEntry{dailyReport()}, WithClock(midnightClock))
	require.NoError(t, err)

	assert.Equal(t, 0, s.Tick(context.Background(), midnight.Add(25*time.Hour)))
	assert.Equal(t, 1, enq.count())
	assert.Equal(t, midnight.Add(24*time.Hour), s.Entries()[0].LastFiredAt)
}

func TestScheduler_EnqueuesThroughProducer(t *testing.T) {
	broker := memqueue.NewBroker()
	store := results.NewStore()
	p := producer.New(broker, store)

	entry := dailyReport()
	entry.Payload = json.RawMessage(`{"recipients":["ops@example.com"]}`)
	s, err := New(p, []domain.ScheduleEntry{entry}, WithClock(midnightClock))
	require.NoError(t, err)

	require.Equal(t, 1, s.Tick(context.Background(), midnight.Add(24*time.Hour)))
	assert.Equal(t, 1, broker.Len(producer.DefaultQueueName))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := broker.Consume(ctx, []string{producer.DefaultQueueName})
	require.NoError(t, err)
	assert.Equal(t, "daily_report", d.Invocation.TaskName)
	assert.JSONEq(t, `{"recipients":["ops@example.com"]}`, string(d.Invocation.Payload))

	res, err := store.Get(context.Background(), d.Invocation.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, res.Status)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	enq := &fakeEnqueuer{}
	entry := domain.ScheduleEntry{Name: "fast", TaskName: "ping", Interval: 10 * time.Millisecond}
	s, err := New(enq, []domain.ScheduleEntry{entry}, WithTickInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return enq.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestNew_RejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry domain.ScheduleEntry
	}{
		{"missing name", domain.ScheduleEntry{TaskName: "x", Interval: time.Second}},
		{"missing task", domain.ScheduleEntry{Name: "x", Interval: time.Second}},
		{"no schedule", domain.ScheduleEntry{Name: "x", TaskName: "x"}},
		{"both schedules", domain.ScheduleEntry{Name: "x", TaskName: "x", Interval: time.Second, Cron: "@daily"}},
		{"bad cron", domain.ScheduleEntry{Name: "x", TaskName: "x", Cron: "not a cron"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&fakeEnqueuer{}, []domain.ScheduleEntry{tt.entry})
			assert.Error(t, err)
		})
	}

	_, err := New(&fakeEnqueuer{}, []domain.ScheduleEntry{dailyReport(), dailyReport()})
	assert.Error(t, err)
}

func TestLoadSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	content := `schedule:
  - name: daily_report
    interval: 24h
    queue: reports
    priority: 2
  - name: nightly_digest
    task: daily_report
    cron: "@midnight"
    payload:
      recipients: ops@example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	entries, err := LoadSchedule(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "daily_report", entries[0].TaskName)
	assert.Equal(t, 24*time.Hour, entries[0].Interval)
	assert.Equal(t, "reports", entries[0].Queue)
	assert.Equal(t, 2, entries[0].Priority)
	assert.Nil(t, entries[0].Payload)

	assert.Equal(t, "daily_report", entries[1].TaskName)
	assert.Equal(t, "@midnight", entries[1].Cron)
	assert.JSONEq(t, `{"recipients":"ops@example.com"}`, string(entries[1].Payload))

	_, err = New(&fakeEnqueuer{}, entries)
	assert.NoError(t, err)
}

func TestLoadSchedule_MissingFile(t *testing.T) {
	_, err := LoadSchedule(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
