package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/errval"
)

type Handler interface {
	Execute(ctx context.Context, payload []byte) domain.TaskOutcome
}

// HandlerFunc adapts a plain function to the Handler interface
type HandlerFunc func(ctx context.Context, payload []byte) domain.TaskOutcome

func (f HandlerFunc) Execute(ctx context.Context, payload []byte) domain.TaskOutcome {
	return f(ctx, payload)
}

type Options struct {
	// MaxRetries is used when the producer does not set one for the invocation
	MaxRetries int
	// Queue is the default queue invocations of this task are published to
	Queue string
	// Backoff overrides the worker pool default when Base is non-zero
	Backoff BackoffPolicy
	// Timeout bounds a single execution; zero means the worker pool default
	Timeout time.Duration
	// RetryOn restricts which retryable errors are actually retried. When empty, every
	// retryable outcome is retried; otherwise errors matching none of these are fatal.
	RetryOn []error
}

type Task struct {
	Name    string
	Handler Handler
	Options Options
}

// IsRetryable applies the task's retry policy to an error returned inside a retryable outcome
func (t *Task) IsRetryable(err error) bool {
	if len(t.Options.RetryOn) == 0 {
		return true
	}

	for _, target := range t.Options.RetryOn {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	sealed bool
}

func New() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
	}
}

func (r *Registry) Register(name string, handler Handler, opts Options) error {
	if name == "" {
		return errors.New("task name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("task %q: handler must not be nil", name)
	}
	if opts.MaxRetries < 0 {
		return fmt.Errorf("task %q: max retries must not be negative", name)
	}
	if opts.Backoff.Base < 0 || opts.Backoff.Max < 0 {
		return fmt.Errorf("task %q: backoff durations must not be negative", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("%w: cannot register %q", errval.ErrRegistrySealed, name)
	}
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("%w: %q", errval.ErrDuplicateTaskName, name)
	}

	retryOn := make([]error, len(opts.RetryOn))
	copy(retryOn, opts.RetryOn)
	opts.RetryOn = retryOn

	r.tasks[name] = &Task{Name: name, Handler: handler, Options: opts}
	return nil
}

func (r *Registry) Lookup(name string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errval.ErrUnknownTask, name)
	}

	return task, nil
}

// Seal makes the registry read-only. Worker pools seal it when they start.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
