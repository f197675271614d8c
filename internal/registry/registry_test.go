package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, payload []byte) domain.TaskOutcome {
	return domain.Succeeded(nil)
}

func TestRegistry_Register(t *testing.T) {
	r := New()

	err := r.Register("send_email", HandlerFunc(noop), Options{MaxRetries: 3})
	require.NoError(t, err)

	err = r.Register("send_email", HandlerFunc(noop), Options{})
	assert.ErrorIs(t, err, errval.ErrDuplicateTaskName)

	err = r.Register("", HandlerFunc(noop), Options{})
	assert.Error(t, err)

	err = r.Register("nil_handler", nil, Options{})
	assert.Error(t, err)

	err = r.Register("negative", HandlerFunc(noop), Options{MaxRetries: -1})
	assert.Error(t, err)
}

func TestRegistry_Lookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("send_email", HandlerFunc(noop), Options{MaxRetries: 2, Queue: "emails"}))

	task, err := r.Lookup("send_email")
	require.NoError(t, err)
	assert.Equal(t, "send_email", task.Name)
	assert.Equal(t, 2, task.Options.MaxRetries)
	assert.Equal(t, "emails", task.Options.Queue)

	outcome := task.Handler.Execute(context.Background(), nil)
	assert.Equal(t, domain.OutcomeSuccess, outcome.Kind)

	_, err = r.Lookup("nonexistent")
	assert.ErrorIs(t, err, errval.ErrUnknownTask)
}

func TestRegistry_Seal(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("a", HandlerFunc(noop), Options{}))
	r.Seal()

	err := r.Register("b", HandlerFunc(noop), Options{})
	assert.ErrorIs(t, err, errval.ErrRegistrySealed)

	_, err = r.Lookup("a")
	assert.NoError(t, err)
}

func TestRegistry_Names(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("daily_report", HandlerFunc(noop), Options{}))
	require.NoError(t, r.Register("send_email", HandlerFunc(noop), Options{}))

	assert.Equal(t, []string{"daily_report", "send_email"}, r.Names())
}

func TestTask_IsRetryable(t *testing.T) {
	errTimeout := errors.New("smtp timeout")
	errRefused := errors.New("connection refused")

	open := &Task{Name: "open"}
	assert.True(t, open.IsRetryable(errors.New("anything")))

	restricted := &Task{Name: "restricted", Options: Options{RetryOn: []error{errTimeout}}}
	assert.True(t, restricted.IsRetryable(errTimeout))
	assert.True(t, restricted.IsRetryable(errors.Join(errors.New("send"), errTimeout)))
	assert.False(t, restricted.IsRetryable(errRefused))
}
