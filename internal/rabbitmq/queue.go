package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sf7293/task-dispatcher/internal/domain"
	"github.com/sf7293/task-dispatcher/internal/errval"
)

const (
	// MaxPriority is the x-max-priority of every task queue; invocation priorities 0-255 are scaled into it
	MaxPriority = 10

	deadLetterSuffix = ".dead"
	delaySuffix      = ".delay"
	consumerPrefix   = "task-dispatcher"
)

type inbound struct {
	queue    string
	delivery amqp.Delivery
}

// RabbitMQClient implements domain.Broker on AMQP 0-9-1 with manual acknowledgements
type RabbitMQClient struct {
	conn     *amqp.Connection
	prefetch int
	now      func() time.Time

	publishMu sync.Mutex
	publishCh *amqp.Channel

	mu          sync.Mutex
	consumeCh   *amqp.Channel
	consumerSeq int
	declared    map[string]bool
	streams     map[string]chan inbound
	pending     map[uint64]amqp.Delivery
	closed      bool
	done        chan struct{}
}

func NewRabbitMQClient(ctx context.Context, amqpURL string, mainQueueNames []string, prefetch int) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errval.ErrBrokerUnavailable, err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		closeConnection(conn)
		return nil, fmt.Errorf("%w: %v", errval.ErrBrokerUnavailable, err)
	}

	if prefetch <= 0 {
		prefetch = 1
	}
	consumeCh, err := openConsumeChannel(conn, prefetch)
	if err != nil {
		closeConnection(conn)
		return nil, err
	}

	client := &RabbitMQClient{
		conn:      conn,
		prefetch:  prefetch,
		now:       time.Now,
		publishCh: publishCh,
		consumeCh: consumeCh,
		declared:  make(map[string]bool),
		streams:   make(map[string]chan inbound),
		pending:   make(map[uint64]amqp.Delivery),
		done:      make(chan struct{}),
	}

	client.publishMu.Lock()
	defer client.publishMu.Unlock()
	for _, queueName := range mainQueueNames {
		if err = client.declareLocked(queueName); err != nil {
			slog.Error("Error while checking declarations of main queues", "queue", queueName, "error", err.Error())
			closeConnection(conn)
			return nil, err
		}
	}

	return client, nil
}

func (c *RabbitMQClient) Publish(ctx context.Context, queueName string, invocation *domain.TaskInvocation) error {
	if c.isClosed() {
		return errval.ErrBrokerUnavailable
	}

	body, err := json.Marshal(invocation)
	if err != nil {
		return fmt.Errorf("encode invocation: %w", err)
	}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	if err = c.declareLocked(queueName); err != nil {
		return err
	}

	routingKey, msg := buildPublishing(queueName, invocation, body, c.now())
	err = c.publishCh.PublishWithContext(
		ctx,
		"",         // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", errval.ErrBrokerUnavailable, err)
	}

	return nil
}

// Consume blocks until a message arrives on one of the queues. All callers asking for the same
// queue set share one AMQP consumer per queue. When the broker closes those consumers Consume
// returns ErrBrokerUnavailable and the next call subscribes again.
func (c *RabbitMQClient) Consume(ctx context.Context, queueNames []string) (*domain.Delivery, error) {
	stream, err := c.stream(queueNames)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, errval.ErrBrokerUnavailable
		case in, ok := <-stream:
			if !ok {
				c.forget(stream)
				return nil, errval.ErrBrokerUnavailable
			}

			var invocation domain.TaskInvocation
			if err := json.Unmarshal(in.delivery.Body, &invocation); err != nil {
				slog.Error("Undecodable message is dead-lettered", "queue", in.queue, "message_id", in.delivery.MessageId, "error", err)
				if err := in.delivery.Nack(false, false); err != nil {
					slog.Error("Error occurred while rejecting undecodable message", "error", err)
				}
				continue
			}

			c.mu.Lock()
			c.pending[in.delivery.DeliveryTag] = in.delivery
			c.mu.Unlock()

			return &domain.Delivery{
				Tag:         in.delivery.DeliveryTag,
				Queue:       in.queue,
				Invocation:  &invocation,
				Redelivered: in.delivery.Redelivered,
			}, nil
		}
	}
}

func (c *RabbitMQClient) Ack(ctx context.Context, delivery *domain.Delivery) error {
	d, err := c.take(delivery)
	if err != nil {
		return err
	}

	if err = d.Ack(false); err != nil {
		return fmt.Errorf("%w: %v", errval.ErrBrokerUnavailable, err)
	}

	return nil
}

// Nack with requeue publishes the delivery's current invocation again, through the delay queue when
// it carries a future ETA, and then acknowledges the original. Without requeue the message is
// rejected and dead-lettered by the broker.
func (c *RabbitMQClient) Nack(ctx context.Context, delivery *domain.Delivery, requeue bool) error {
	if !requeue {
		d, err := c.take(delivery)
		if err != nil {
			return err
		}
		if err = d.Nack(false, false); err != nil {
			return fmt.Errorf("%w: %v", errval.ErrBrokerUnavailable, err)
		}
		return nil
	}

	c.mu.Lock()
	_, ok := c.pending[delivery.Tag]
	c.mu.Unlock()
	if !ok {
		return errval.ErrDeliveryNotFound
	}

	if err := c.Publish(ctx, delivery.Queue, delivery.Invocation); err != nil {
		return err
	}

	return c.Ack(ctx, delivery)
}

func (c *RabbitMQClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	return c.conn.Close()
}

func (c *RabbitMQClient) IsHealthy() bool {
	if c.conn.IsClosed() {
		slog.Error("RabbitMQ connection is closed, Rabbit is not healthy")
		return false
	}

	ch, err := c.conn.Channel()
	if err != nil {
		slog.Error("Failed to open RabbitMQ channel, Rabbit is not healthy", "error", err)
		return false
	}
	defer func() {
		err = ch.Close()
		if err != nil {
			slog.Error("Error occurred while closing rabbit channel created for health check", "error", err.Error())
		}
	}()

	return true
}

func (c *RabbitMQClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *RabbitMQClient) take(delivery *domain.Delivery) (amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.pending[delivery.Tag]
	if !ok {
		return amqp.Delivery{}, errval.ErrDeliveryNotFound
	}
	delete(c.pending, delivery.Tag)

	return d, nil
}

func (c *RabbitMQClient) stream(queueNames []string) (chan inbound, error) {
	names := append([]string(nil), queueNames...)
	sort.Strings(names)
	key := strings.Join(names, ",")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errval.ErrBrokerUnavailable
	}
	if stream, ok := c.streams[key]; ok {
		return stream, nil
	}

	c.publishMu.Lock()
	for _, name := range names {
		if err := c.declareLocked(name); err != nil {
			c.publishMu.Unlock()
			return nil, err
		}
	}
	c.publishMu.Unlock()

	if c.consumeCh.IsClosed() {
		ch, err := openConsumeChannel(c.conn, c.prefetch)
		if err != nil {
			return nil, err
		}
		c.consumeCh = ch
		// delivery tags restart on a new channel and the old deliveries can no longer be settled
		c.pending = make(map[uint64]amqp.Delivery)
		slog.Info("RabbitMQ consume channel is reopened")
	}

	consumers := make(map[string]<-chan amqp.Delivery, len(names))
	for _, name := range names {
		msgs, err := c.consumeCh.Consume(
			name, // queue
			fmt.Sprintf("%s-%s-%d", consumerPrefix, name, c.consumerSeq), // consumer
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errval.ErrBrokerUnavailable, err)
		}
		consumers[name] = msgs
	}
	c.consumerSeq++

	stream := merge(consumers, c.done)
	c.streams[key] = stream

	return stream, nil
}

// forget drops a closed stream so that the next Consume for its queues subscribes again
func (c *RabbitMQClient) forget(stream chan inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, s := range c.streams {
		if s == stream {
			delete(c.streams, key)
		}
	}
}

// merge forwards the deliveries of every consumer into one stream. The stream is closed once all
// consumer channels are closed, or once done is closed.
func merge(consumers map[string]<-chan amqp.Delivery, done <-chan struct{}) chan inbound {
	stream := make(chan inbound)

	var wg sync.WaitGroup
	for name, msgs := range consumers {
		wg.Add(1)
		go func(queueName string, msgs <-chan amqp.Delivery) {
			defer wg.Done()
			forward(queueName, msgs, stream, done)
		}(name, msgs)
	}

	go func() {
		wg.Wait()
		close(stream)
	}()

	return stream
}

func forward(queueName string, msgs <-chan amqp.Delivery, stream chan<- inbound, done <-chan struct{}) {
	for d := range msgs {
		select {
		case stream <- inbound{queue: queueName, delivery: d}:
		case <-done:
			return
		}
	}
	slog.Warn("RabbitMQ consumer is closed", "queue", queueName)
}

// declareLocked declares the task queue with its dead-letter and delay queues. publishMu must be held.
func (c *RabbitMQClient) declareLocked(queueName string) error {
	if c.declared[queueName] {
		return nil
	}

	declarations := []struct {
		name string
		args amqp.Table
	}{
		{queueName + deadLetterSuffix, nil},
		{queueName, taskQueueArgs(queueName)},
		{queueName + delaySuffix, delayQueueArgs(queueName)},
	}
	for _, d := range declarations {
		_, err := c.publishCh.QueueDeclare(
			d.name, // name
			true,   // durable
			false,  // delete when unused
			false,  // exclusive
			false,  // no-wait
			d.args, // arguments
		)
		if err != nil {
			return fmt.Errorf("%w: declare queue %s: %v", errval.ErrBrokerUnavailable, d.name, err)
		}
	}

	c.declared[queueName] = true
	return nil
}

func taskQueueArgs(queueName string) amqp.Table {
	return amqp.Table{
		"x-max-priority":            int32(MaxPriority),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queueName + deadLetterSuffix,
	}
}

func delayQueueArgs(queueName string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queueName,
	}
}

// buildPublishing returns the routing key and message for an invocation. Invocations with a future
// ETA go to the delay queue with a TTL that expires them back into the task queue.
func buildPublishing(queueName string, invocation *domain.TaskInvocation, body []byte, now time.Time) (string, amqp.Publishing) {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    invocation.ID,
		Type:         invocation.TaskName,
		Timestamp:    now,
		Priority:     amqpPriority(invocation.Priority),
		Body:         body,
	}

	if invocation.ETA != nil {
		delay := invocation.ETA.Sub(now)
		if delay > 0 {
			msg.Expiration = strconv.FormatInt(delay.Milliseconds()+1, 10)
			return queueName + delaySuffix, msg
		}
	}

	return queueName, msg
}

func amqpPriority(priority int) uint8 {
	switch {
	case priority <= 0:
		return 0
	case priority >= 255:
		return MaxPriority
	default:
		return uint8(priority * MaxPriority / 255)
	}
}

func openConsumeChannel(conn *amqp.Connection, prefetch int) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errval.ErrBrokerUnavailable, err)
	}

	if err = ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("%w: %v", errval.ErrBrokerUnavailable, err)
	}

	return ch, nil
}

func closeConnection(conn *amqp.Connection) {
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		slog.Error("error occurred while closing connection", "error", err.Error())
	}
}
