package memqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/errval"
)

const DefaultVisibilityTimeout = 30 * time.Second

type queue struct {
	ready   readyHeap
	delayed delayedHeap
	dead    []*domain.TaskInvocation
}

// Broker is an in-process implementation of domain.Broker. Messages live in memory only,
// so it serves tests and single-process deployments.
type Broker struct {
	mu                sync.Mutex
	queues            map[string]*queue
	inFlight          map[uint64]*message
	seq               uint64
	tag               uint64
	visibilityTimeout time.Duration
	now               func() time.Time
	wake              chan struct{}
	closed            bool
}

type Option func(*Broker)

func WithVisibilityTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.visibilityTimeout = d
		}
	}
}

// WithClock replaces time.Now. The clock is read on every Consume attempt, so a stepped clock
// takes effect on the next call.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queues:            make(map[string]*queue),
		inFlight:          make(map[uint64]*message),
		visibilityTimeout: DefaultVisibilityTimeout,
		now:               time.Now,
		wake:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Broker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return !b.closed
}

func (b *Broker) Publish(ctx context.Context, queueName string, invocation *domain.TaskInvocation) error {
	if invocation == nil {
		return errors.New("memqueue: nil invocation")
	}
	if queueName == "" {
		return errors.New("memqueue: empty queue name")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("%w: memqueue is closed", errval.ErrBrokerUnavailable)
	}

	b.seq++
	b.pushLocked(&message{inv: invocation.Clone(), queue: queueName, seq: b.seq}, b.now())
	b.signalLocked()

	return nil
}

// Consume blocks until one of queueNames has a visible message or ctx is done
func (b *Broker) Consume(ctx context.Context, queueNames []string) (*domain.Delivery, error) {
	if len(queueNames) == 0 {
		return nil, errors.New("memqueue: no queues to consume from")
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: memqueue is closed", errval.ErrBrokerUnavailable)
		}

		now := b.now()
		b.promoteLocked(now)

		if m := b.popLocked(queueNames); m != nil {
			b.tag++
			m.tag = b.tag
			m.deadline = now.Add(b.visibilityTimeout)
			b.inFlight[m.tag] = m

			delivery := &domain.Delivery{
				Tag:         m.tag,
				Queue:       m.queue,
				Invocation:  m.inv.Clone(),
				Redelivered: m.redelivered,
			}
			b.mu.Unlock()
			return delivery, nil
		}

		wait, hasWait := b.nextWakeLocked(queueNames, now)
		wake := b.wake
		b.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if hasWait {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-timerC:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

func (b *Broker) Ack(ctx context.Context, delivery *domain.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.takeInFlightLocked(delivery); err != nil {
		return err
	}

	return nil
}

// Nack settles a delivery without success. With requeue the delivery's invocation, including any
// retry count or ETA the caller changed, goes back to its queue; otherwise it is dead-lettered.
func (b *Broker) Nack(ctx context.Context, delivery *domain.Delivery, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, err := b.takeInFlightLocked(delivery)
	if err != nil {
		return err
	}

	inv := m.inv
	if delivery.Invocation != nil {
		inv = delivery.Invocation.Clone()
	}

	if !requeue {
		q := b.queueLocked(m.queue)
		q.dead = append(q.dead, inv)
		slog.Info("Invocation is moved to the dead-letter queue", "task_id", inv.ID, "queue", m.queue)
		return nil
	}

	b.seq++
	b.pushLocked(&message{inv: inv, queue: m.queue, seq: b.seq}, b.now())
	b.signalLocked()

	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.signalLocked()

	return nil
}

// Len returns the number of messages waiting in the queue, delayed ones included
func (b *Broker) Len(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}

	return q.ready.Len() + q.delayed.Len()
}

func (b *Broker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.inFlight)
}

func (b *Broker) DeadLetters(queueName string) []*domain.TaskInvocation {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}

	dead := make([]*domain.TaskInvocation, 0, len(q.dead))
	for _, inv := range q.dead {
		dead = append(dead, inv.Clone())
	}

	return dead
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{}
		b.queues[name] = q
	}

	return q
}

func (b *Broker) pushLocked(m *message, now time.Time) {
	q := b.queueLocked(m.queue)
	if m.inv.ETA != nil && m.inv.ETA.After(now) {
		m.readyAt = *m.inv.ETA
		heap.Push(&q.delayed, m)
		return
	}

	heap.Push(&q.ready, m)
}

// promoteLocked moves due delayed messages to their ready heaps and returns expired in-flight
// deliveries to their queues
func (b *Broker) promoteLocked(now time.Time) {
	for _, q := range b.queues {
		for q.delayed.Len() > 0 && !q.delayed[0].readyAt.After(now) {
			m := heap.Pop(&q.delayed).(*message)
			heap.Push(&q.ready, m)
		}
	}

	for tag, m := range b.inFlight {
		if m.deadline.After(now) {
			continue
		}

		delete(b.inFlight, tag)
		slog.Warn("Visibility timeout expired, redelivering invocation", "task_id", m.inv.ID, "queue", m.queue)
		m.tag = 0
		m.redelivered = true
		heap.Push(&b.queueLocked(m.queue).ready, m)
	}
}

func (b *Broker) popLocked(queueNames []string) *message {
	var best *queue
	for _, name := range queueNames {
		q, ok := b.queues[name]
		if !ok || q.ready.Len() == 0 {
			continue
		}
		if best == nil || before(q.ready[0], best.ready[0]) {
			best = q
		}
	}

	if best == nil {
		return nil
	}

	return heap.Pop(&best.ready).(*message)
}

// nextWakeLocked returns how long until a delayed message or an in-flight deadline of one of
// queueNames becomes relevant
func (b *Broker) nextWakeLocked(queueNames []string, now time.Time) (time.Duration, bool) {
	var next time.Time
	consider := func(t time.Time) {
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}

	watched := make(map[string]bool, len(queueNames))
	for _, name := range queueNames {
		watched[name] = true
		if q, ok := b.queues[name]; ok && q.delayed.Len() > 0 {
			consider(q.delayed[0].readyAt)
		}
	}
	for _, m := range b.inFlight {
		if watched[m.queue] {
			consider(m.deadline)
		}
	}

	if next.IsZero() {
		return 0, false
	}

	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
	}

	return wait, true
}

func (b *Broker) takeInFlightLocked(delivery *domain.Delivery) (*message, error) {
	if delivery == nil {
		return nil, errval.ErrDeliveryNotFound
	}

	m, ok := b.inFlight[delivery.Tag]
	if !ok {
		return nil, fmt.Errorf("%w: tag %d", errval.ErrDeliveryNotFound, delivery.Tag)
	}
	delete(b.inFlight, delivery.Tag)

	return m, nil
}

func (b *Broker) signalLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}
