package domain

import "context"

// Delivery is a consumed invocation plus the handle needed to settle it
type Delivery struct {
	Tag         uint64
	Queue       string
	Invocation  *TaskInvocation
	Redelivered bool
}

type Broker interface {
	IsHealthy() bool
	Publish(ctx context.Context, queueName string, invocation *TaskInvocation) error
	Consume(ctx context.Context, queueNames []string) (*Delivery, error)
	Ack(ctx context.Context, delivery *Delivery) error
	Nack(ctx context.Context, delivery *Delivery, requeue bool) error
	Close() error
}
