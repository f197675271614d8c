package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/errval"
	"github.com/sf7293/task-dispatcher/internal/registry"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	// Concurrency is the number of independent consume-execute-ack loops
	Concurrency int
	Queues      []string
	// DefaultBackoff applies to tasks registered without their own policy
	DefaultBackoff registry.BackoffPolicy
	// TaskTimeout bounds handlers registered without their own timeout; zero disables it
	TaskTimeout time.Duration
	// LockTTL is the lifetime of the per-invocation distributed lock and the requeue delay when it is held elsewhere
	LockTTL time.Duration
	// RevokeTTL is how long a revoked invocation id is remembered
	RevokeTTL time.Duration
	// ConsumeErrorDelay is the pause after a failed Consume before trying again
	ConsumeErrorDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		Queues:            []string{"default"},
		DefaultBackoff:    registry.BackoffPolicy{Base: time.Second, Max: 10 * time.Minute},
		TaskTimeout:       15 * time.Second,
		LockTTL:           30 * time.Second,
		RevokeTTL:         time.Hour,
		ConsumeErrorDelay: time.Second,
	}
}

type Pool struct {
	broker   domain.Broker
	registry *registry.Registry
	results  domain.ResultStore
	lock     domain.DistributedLock
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
	revoked map[string]time.Time
}

type Option func(*Pool)

// WithLock serializes executions of one invocation across worker processes
func WithLock(lock domain.DistributedLock) Option {
	return func(p *Pool) { p.lock = lock }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPool(broker domain.Broker, reg *registry.Registry, results domain.ResultStore, cfg Config, opts ...Option) *Pool {
	defaults := DefaultConfig()
	if cfg.Concurrency <= 0 {
		slog.Warn("invalid worker concurrency specified, using default", "specified_count", cfg.Concurrency, "default_count", defaults.Concurrency)
		cfg.Concurrency = defaults.Concurrency
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = defaults.Queues
	}
	if cfg.DefaultBackoff.IsZero() {
		cfg.DefaultBackoff = defaults.DefaultBackoff
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.RevokeTTL <= 0 {
		cfg.RevokeTTL = defaults.RevokeTTL
	}
	if cfg.ConsumeErrorDelay <= 0 {
		cfg.ConsumeErrorDelay = defaults.ConsumeErrorDelay
	}

	p := &Pool{
		broker:   broker,
		registry: reg,
		results:  results,
		cfg:      cfg,
		now:      time.Now,
		running:  make(map[string]context.CancelFunc),
		revoked:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Run seals the registry and runs the consume loops until ctx is cancelled. Handlers already
// executing when ctx is cancelled run to completion.
func (p *Pool) Run(ctx context.Context) error {
	p.registry.Seal()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerNumber := i
		g.Go(func() error {
			return p.loop(gctx, workerNumber)
		})
	}

	return g.Wait()
}

// Revoke cancels the invocation if it is executing here and makes later deliveries of it fail
// without running. It reports whether a running handler was cancelled.
func (p *Pool) Revoke(invocationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for id, until := range p.revoked {
		if !until.After(now) {
			delete(p.revoked, id)
		}
	}
	p.revoked[invocationID] = now.Add(p.cfg.RevokeTTL)

	cancel, ok := p.running[invocationID]
	if ok {
		cancel()
	}

	return ok
}

func (p *Pool) isRevoked(invocationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	until, ok := p.revoked[invocationID]
	return ok && until.After(p.now())
}

func (p *Pool) loop(ctx context.Context, workerNumber int) error {
	slog.Info("Worker loop is started", "worker_num", workerNumber, "queues", p.cfg.Queues)
	for {
		delivery, err := p.broker.Consume(ctx, p.cfg.Queues)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Worker loop is stopped", "worker_num", workerNumber)
				return nil
			}

			slog.Error("Error occurred while consuming from the broker", "worker_num", workerNumber, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.ConsumeErrorDelay):
			}
			continue
		}

		p.process(context.WithoutCancel(ctx), delivery)
	}
}

func (p *Pool) process(ctx context.Context, d *domain.Delivery) {
	inv := d.Invocation
	logger := slog.With("task_id", inv.ID, "task_name", inv.TaskName, "queue", d.Queue, "retry_count", inv.RetryCount)
	logger.Info("Task is picked up from the queue", "redelivered", d.Redelivered)

	if p.isRevoked(inv.ID) {
		logger.Info("Task was revoked before it started, skipping it")
		p.revokedOutcome(ctx, d)
		return
	}

	if p.lock != nil {
		lockKey := "lock:" + inv.ID
		isLocked, err := p.lock.Lock(ctx, lockKey, p.cfg.LockTTL)
		if err != nil || !isLocked {
			logger.Warn("Task is locked by another worker or the lock is unavailable, requeueing it", "lock_key", lockKey, "error", err)
			p.requeueLater(ctx, d, p.cfg.LockTTL)
			return
		}
		defer func() {
			if err := p.lock.Unlock(ctx, lockKey); err != nil {
				logger.Error("Error while unlocking locked key", "lock_key", lockKey, "error", err)
			}
		}()
	}

	if res, err := p.results.Get(ctx, inv.ID); err == nil && res.Status.IsTerminal() {
		logger.Warn("Duplicate delivery of a finished task, acknowledging it without running", "status", res.Status)
		p.ack(ctx, d)
		return
	}

	task, err := p.registry.Lookup(inv.TaskName)
	if err != nil {
		logger.Error("No handler is registered for the task", "error", err)
		p.deadLetter(ctx, d, domain.ResultUpdate{
			TaskName:   inv.TaskName,
			Status:     domain.Failure,
			RetryCount: inv.RetryCount,
			Error:      &domain.TaskError{Kind: domain.UnknownTask, Message: err.Error()},
		})
		return
	}

	p.record(ctx, inv.ID, domain.ResultUpdate{TaskName: inv.TaskName, Status: domain.Started, RetryCount: inv.RetryCount})

	outcome := p.execute(ctx, task, inv)
	p.settle(ctx, d, task, outcome)
}

func (p *Pool) execute(ctx context.Context, task *registry.Task, inv *domain.TaskInvocation) (outcome domain.TaskOutcome) {
	timeout := task.Options.Timeout
	if timeout <= 0 {
		timeout = p.cfg.TaskTimeout
	}

	var execCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	p.mu.Lock()
	p.running[inv.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, inv.ID)
		p.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Task handler panicked", "task_id", inv.ID, "task_name", inv.TaskName, "panic", r, "stack", string(debug.Stack()))
			outcome = domain.Fatal(fmt.Errorf("handler panicked: %v", r))
		}
	}()

	return task.Handler.Execute(execCtx, inv.Payload)
}

func (p *Pool) settle(ctx context.Context, d *domain.Delivery, task *registry.Task, outcome domain.TaskOutcome) {
	inv := d.Invocation

	if outcome.Kind != domain.OutcomeSuccess && p.isRevoked(inv.ID) {
		slog.Info("Task was revoked while running", "task_id", inv.ID)
		p.revokedOutcome(ctx, d)
		return
	}

	switch outcome.Kind {
	case domain.OutcomeSuccess:
		p.record(ctx, inv.ID, domain.ResultUpdate{
			TaskName:   inv.TaskName,
			Status:     domain.Success,
			RetryCount: inv.RetryCount,
			Value:      outcome.Value,
		})
		p.ack(ctx, d)
		slog.Info("Task running has been successfully finished", "task_id", inv.ID, "task_name", inv.TaskName, "retry_count", inv.RetryCount)

	case domain.OutcomeRetryable:
		err := outcomeError(outcome)
		if !task.IsRetryable(err) {
			slog.Warn("Retryable error is not covered by the task retry policy, failing permanently", "task_id", inv.ID, "error", err)
			p.fail(ctx, d, domain.HandlerFatalError, fmt.Errorf("%w: %v", errval.ErrHandlerFatal, err))
			return
		}
		if inv.RetryCount >= inv.MaxRetries {
			slog.Error("Task exhausted its retries", "task_id", inv.ID, "retry_count", inv.RetryCount, "max_retries", inv.MaxRetries, "error", err)
			p.fail(ctx, d, domain.HandlerError, fmt.Errorf("%w: %v", errval.ErrHandler, err))
			return
		}
		p.retry(ctx, d, task, err)

	default:
		p.fail(ctx, d, domain.HandlerFatalError, fmt.Errorf("%w: %v", errval.ErrHandlerFatal, outcomeError(outcome)))
	}
}

func (p *Pool) retry(ctx context.Context, d *domain.Delivery, task *registry.Task, cause error) {
	inv := d.Invocation

	policy := task.Options.Backoff
	if policy.IsZero() {
		policy = p.cfg.DefaultBackoff
	}
	delay := policy.Delay(inv.RetryCount)

	next := inv.Clone()
	next.RetryCount++
	eta := p.now().UTC().Add(delay)
	next.ETA = &eta

	p.record(ctx, inv.ID, domain.ResultUpdate{
		TaskName:   inv.TaskName,
		Status:     domain.Retry,
		RetryCount: next.RetryCount,
		Error:      &domain.TaskError{Kind: domain.HandlerError, Message: cause.Error()},
		ETA:        next.ETA,
	})
	p.record(ctx, inv.ID, domain.ResultUpdate{TaskName: inv.TaskName, Status: domain.Pending, RetryCount: next.RetryCount, ETA: next.ETA})

	d.Invocation = next
	if err := p.broker.Nack(ctx, d, true); err != nil {
		slog.Error("Error occurred while requeueing task for retry", "task_id", inv.ID, "error", err)
		return
	}

	slog.Info("Task is requeued for retry", "task_id", inv.ID, "retry_count", next.RetryCount, "max_retries", next.MaxRetries, "delay", delay.String())
}

func (p *Pool) fail(ctx context.Context, d *domain.Delivery, kind domain.TaskErrorKind, err error) {
	p.deadLetter(ctx, d, domain.ResultUpdate{
		TaskName:   d.Invocation.TaskName,
		Status:     domain.Failure,
		RetryCount: d.Invocation.RetryCount,
		Error:      &domain.TaskError{Kind: kind, Message: err.Error()},
	})
}

func (p *Pool) revokedOutcome(ctx context.Context, d *domain.Delivery) {
	p.record(ctx, d.Invocation.ID, domain.ResultUpdate{
		TaskName:   d.Invocation.TaskName,
		Status:     domain.Failure,
		RetryCount: d.Invocation.RetryCount,
		Error:      &domain.TaskError{Kind: domain.Revoked, Message: errval.ErrRevoked.Error()},
	})
	p.ack(ctx, d)
}

func (p *Pool) deadLetter(ctx context.Context, d *domain.Delivery, update domain.ResultUpdate) {
	p.record(ctx, d.Invocation.ID, update)
	if err := p.broker.Nack(ctx, d, false); err != nil {
		slog.Error("Error occurred while dead-lettering task", "task_id", d.Invocation.ID, "error", err)
	}
}

func (p *Pool) requeueLater(ctx context.Context, d *domain.Delivery, delay time.Duration) {
	next := d.Invocation.Clone()
	eta := p.now().UTC().Add(delay)
	next.ETA = &eta
	d.Invocation = next

	if err := p.broker.Nack(ctx, d, true); err != nil {
		slog.Error("Error occurred while requeueing task", "task_id", next.ID, "error", err)
	}
}

func (p *Pool) ack(ctx context.Context, d *domain.Delivery) {
	if err := p.broker.Ack(ctx, d); err != nil {
		slog.Error("Error occurred while acknowledging task", "task_id", d.Invocation.ID, "error", err)
	}
}

func (p *Pool) record(ctx context.Context, invocationID string, update domain.ResultUpdate) {
	if _, err := p.results.Record(ctx, invocationID, update); err != nil {
		slog.Error("There was an error in recording task status", "task_id", invocationID, "status", update.Status, "error", err)
	}
}

func outcomeError(outcome domain.TaskOutcome) error {
	if outcome.Err != nil {
		return outcome.Err
	}

	return errors.New("handler reported a " + outcome.Kind.String() + " failure without an error")
}
