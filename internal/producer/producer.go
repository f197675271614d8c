package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/errval"
	"github.com/sf7293/task-dispatcher/internal/registry"
)

const DefaultQueueName = "default"

// Options tune a single enqueue. Zero values fall back to the task's registered defaults.
type Options struct {
	Queue      string        `validate:"omitempty,max=64"`
	ETA        *time.Time    `validate:"-"`
	Countdown  time.Duration `validate:"gte=0"`
	Priority   int           `validate:"gte=0,lte=255"`
	MaxRetries *int          `validate:"omitempty,gte=0,lte=100"`
}

type Producer struct {
	broker       domain.Broker
	results      domain.ResultStore
	registry     *registry.Registry
	validate     *validator.Validate
	defaultQueue string
	now          func() time.Time
}

type Option func(*Producer)

// WithRegistry lets the producer take queue and max retries defaults from locally registered tasks.
// Task names are not validated against it; unknown names are rejected by the worker.
func WithRegistry(r *registry.Registry) Option {
	return func(p *Producer) { p.registry = r }
}

func WithDefaultQueue(name string) Option {
	return func(p *Producer) {
		if name != "" {
			p.defaultQueue = name
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Producer) {
		if now != nil {
			p.now = now
		}
	}
}

func New(broker domain.Broker, results domain.ResultStore, opts ...Option) *Producer {
	p := &Producer{
		broker:       broker,
		results:      results,
		validate:     validator.New(),
		defaultQueue: DefaultQueueName,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Enqueue records a PENDING result for a new invocation and publishes it. When the broker is unavailable
// the error wraps errval.ErrBrokerUnavailable and the returned id still identifies the PENDING record,
// which the recovery command can republish later.
func (p *Producer) Enqueue(ctx context.Context, taskName string, payload any, opts Options) (string, error) {
	if taskName == "" {
		return "", fmt.Errorf("%w: task name must not be empty", errval.ErrInvalidRequest)
	}
	if err := p.validate.Struct(opts); err != nil {
		return "", fmt.Errorf("%w: invalid enqueue options: %v", errval.ErrInvalidRequest, err)
	}

	encodedPayload, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errval.ErrInvalidRequest, err)
	}

	invocation := p.newInvocation(taskName, encodedPayload, opts)

	if _, err := p.results.Create(ctx, invocation); err != nil {
		slog.ErrorContext(ctx, "error occurred while creating pending task result", "task_name", taskName, "error", err)
		return "", fmt.Errorf("%w: %v", errval.ErrInternal, err)
	}

	err = p.broker.Publish(ctx, invocation.QueueName, invocation)
	if err != nil {
		slog.ErrorContext(ctx, "Error occurred while publishing task invocation", "task_id", invocation.ID, "queue", invocation.QueueName, "error", err)
		if !errors.Is(err, errval.ErrBrokerUnavailable) {
			err = fmt.Errorf("%w: %v", errval.ErrBrokerUnavailable, err)
		}
		return invocation.ID, err
	}

	slog.InfoContext(ctx, "Task invocation is enqueued", "task_id", invocation.ID, "task_name", taskName, "queue", invocation.QueueName, "priority", invocation.Priority)
	return invocation.ID, nil
}

// Republish sends an already recorded invocation to the broker again
func (p *Producer) Republish(ctx context.Context, invocation *domain.TaskInvocation) error {
	err := p.broker.Publish(ctx, invocation.QueueName, invocation)
	if err != nil && !errors.Is(err, errval.ErrBrokerUnavailable) {
		return fmt.Errorf("%w: %v", errval.ErrBrokerUnavailable, err)
	}

	return err
}

func (p *Producer) newInvocation(taskName string, payload json.RawMessage, opts Options) *domain.TaskInvocation {
	queueName := p.defaultQueue
	maxRetries := 0
	if p.registry != nil {
		if task, err := p.registry.Lookup(taskName); err == nil {
			maxRetries = task.Options.MaxRetries
			if task.Options.Queue != "" {
				queueName = task.Options.Queue
			}
		}
	}
	if opts.Queue != "" {
		queueName = opts.Queue
	}
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	now := p.now().UTC()
	var eta *time.Time
	switch {
	case opts.ETA != nil:
		t := opts.ETA.UTC()
		eta = &t
	case opts.Countdown > 0:
		t := now.Add(opts.Countdown)
		eta = &t
	}

	return &domain.TaskInvocation{
		ID:         uuid.NewString(),
		TaskName:   taskName,
		Payload:    payload,
		QueueName:  queueName,
		EnqueuedAt: now,
		ETA:        eta,
		RetryCount: 0,
		MaxRetries: maxRetries,
		Priority:   opts.Priority,
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		return b, nil
	}
}
