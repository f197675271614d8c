package memqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func invocation(id string, priority int) *domain.TaskInvocation {
	return &domain.TaskInvocation{
		ID:         id,
		TaskName:   "send_email",
		Payload:    []byte(`{"to":"a@example.com"}`),
		QueueName:  "default",
		EnqueuedAt: time.Now(),
		MaxRetries: 3,
		Priority:   priority,
	}
}

func consumeWithin(t *testing.T, b *Broker, d time.Duration, queues ...string) (*domain.Delivery, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return b.Consume(ctx, queues)
}

func TestBroker_PriorityAndFIFO(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "default", invocation("low-1", 0)))
	require.NoError(t, b.Publish(ctx, "default", invocation("high-1", 5)))
	require.NoError(t, b.Publish(ctx, "default", invocation("low-2", 0)))
	require.NoError(t, b.Publish(ctx, "default", invocation("high-2", 5)))

	var got []string
	for i := 0; i < 4; i++ {
		d, err := consumeWithin(t, b, time.Second, "default")
		require.NoError(t, err)
		got = append(got, d.Invocation.ID)
		require.NoError(t, b.Ack(ctx, d))
	}

	assert.Equal(t, []string{"high-1", "high-2", "low-1", "low-2"}, got)
	assert.Equal(t, 0, b.Len("default"))
	assert.Equal(t, 0, b.InFlight())
}

func TestBroker_ConsumeAcrossQueues(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "emails", invocation("e-1", 0)))
	require.NoError(t, b.Publish(ctx, "reports", invocation("r-1", 1)))

	d, err := consumeWithin(t, b, time.Second, "emails", "reports")
	require.NoError(t, err)
	assert.Equal(t, "r-1", d.Invocation.ID)
	assert.Equal(t, "reports", d.Queue)

	d, err = consumeWithin(t, b, time.Second, "emails", "reports")
	require.NoError(t, err)
	assert.Equal(t, "e-1", d.Invocation.ID)

	_, err = consumeWithin(t, b, 20*time.Millisecond, "other")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroker_ConsumeBlocksUntilPublish(t *testing.T) {
	b := NewBroker()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Publish(context.Background(), "default", invocation("late", 0))
	}()

	d, err := consumeWithin(t, b, 2*time.Second, "default")
	require.NoError(t, err)
	assert.Equal(t, "late", d.Invocation.ID)
}

func TestBroker_ConsumeHonoursContext(t *testing.T) {
	b := NewBroker()

	_, err := consumeWithin(t, b, 20*time.Millisecond, "default")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = b.Consume(context.Background(), nil)
	assert.Error(t, err)
}

func TestBroker_ETA(t *testing.T) {
	clock := newFakeClock()
	b := NewBroker(WithClock(clock.Now))
	ctx := context.Background()

	inv := invocation("later", 0)
	eta := clock.Now().Add(time.Minute)
	inv.ETA = &eta
	require.NoError(t, b.Publish(ctx, "default", inv))
	require.NoError(t, b.Publish(ctx, "default", invocation("now", 0)))
	assert.Equal(t, 2, b.Len("default"))

	d, err := consumeWithin(t, b, time.Second, "default")
	require.NoError(t, err)
	assert.Equal(t, "now", d.Invocation.ID)
	require.NoError(t, b.Ack(ctx, d))

	_, err = consumeWithin(t, b, 20*time.Millisecond, "default")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	clock.Advance(time.Minute)
	d, err = consumeWithin(t, b, time.Second, "default")
	require.NoError(t, err)
	assert.Equal(t, "later", d.Invocation.ID)
}

func TestBroker_ETAWithRealClock(t *testing.T) {
	b := NewBroker()

	inv := invocation("soon", 0)
	eta := time.Now().Add(50 * time.Millisecond)
	inv.ETA = &eta
	require.NoError(t, b.Publish(context.Background(), "default", inv))

	start := time.Now()
	d, err := consumeWithin(t, b, 2*time.Second, "default")
	require.NoError(t, err)
	assert.Equal(t, "soon", d.Invocation.ID)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestBroker_VisibilityTimeoutRedelivers(t *testing.T) {
	clock := newFakeClock()
	b := NewBroker(WithClock(clock.Now), WithVisibilityTimeout(30*time.Second))
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "default", invocation("slow", 0)))

	first, err := consumeWithin(t, b, time.Second, "default")
	require.NoError(t, err)
	assert.False(t, first.Redelivered)

	_, err = consumeWithin(t, b, 20*time.Millisecond, "default")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "an in-flight message must not be delivered twice")

	clock.Advance(31 * time.Second)
	second, err := consumeWithin(t, b, time.Second, "default")
	require.NoError(t, err)
	assert.Equal(t, "slow", second.Invocation.ID)
	assert.True(t, second.Redelivered)

	err = b.Ack(ctx, first)
	assert.ErrorIs(t, err, errval.ErrDeliveryNotFound)
	require.NoError(t, b.Ack(ctx, second))
	assert.Equal(t, 0, b.InFlight())
}

func TestBroker_NackRequeueKeepsCallerChanges(t *testing.T) {
	clock := newFakeClock()
	b := NewBroker(WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "default", invocation("retry-me", 0)))
	d, err := consumeWithin(t, b, time.Second, "default")
	require.NoError(t, err)

	d.Invocation.RetryCount = 1
	eta := clock.Now().Add(10 * time.Second)
	d.Invocation.ETA = &eta
	require.NoError(t, b.Nack(ctx, d, true))
	assert.Equal(t, 1, b.Len("default"))

	_, err = consumeWithin(t, b, 20*time.Millisecond, "default")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	clock.Advance(10 * time.Second)
	again, err := consumeWithin(t, b, time.Second, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Invocation.RetryCount)

	err = b.Nack(ctx, d, true)
	assert.ErrorIs(t, err, errval.ErrDeliveryNotFound)
}

func TestBroker_NackWithoutRequeueDeadLetters(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "default", invocation("doomed", 0)))
	d, err := consumeWithin(t, b, time.Second, "default")
	require.NoError(t, err)

	require.NoError(t, b.Nack(ctx, d, false))
	assert.Equal(t, 0, b.Len("default"))
	assert.Equal(t, 0, b.InFlight())

	dead := b.DeadLetters("default")
	require.Len(t, dead, 1)
	assert.Equal(t, "doomed", dead[0].ID)
	assert.Empty(t, b.DeadLetters("unknown"))
}

func TestBroker_PublishCopiesInvocation(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	inv := invocation("copy", 0)
	require.NoError(t, b.Publish(ctx, "default", inv))
	inv.RetryCount = 99

	d, err := consumeWithin(t, b, time.Second, "default")
	require.NoError(t, err)
	assert.Equal(t, 0, d.Invocation.RetryCount)
}

func TestBroker_Closed(t *testing.T) {
	b := NewBroker()
	assert.True(t, b.IsHealthy())

	done := make(chan error, 1)
	go func() {
		_, err := b.Consume(context.Background(), []string{"default"})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.False(t, b.IsHealthy())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errval.ErrBrokerUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer was not released by Close")
	}

	err := b.Publish(context.Background(), "default", invocation("x", 0))
	assert.ErrorIs(t, err, errval.ErrBrokerUnavailable)
}

func TestBroker_SingleDeliveryUnderConcurrency(t *testing.T) {
	b := NewBroker()
	ctx := context.Background()

	const total = 200
	for i := 0; i < total; i++ {
		require.NoError(t, b.Publish(ctx, "default", invocation(fmt.Sprintf("inv-%d", i), i%3)))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				d, err := consumeWithin(t, b, 50*time.Millisecond, "default")
				if err != nil {
					return
				}
				mu.Lock()
				seen[d.Invocation.ID]++
				mu.Unlock()
				_ = b.Ack(ctx, d)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "invocation %s delivered %d times", id, n)
	}
}
