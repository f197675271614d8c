package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RevokeChannel is the pub/sub channel revoked invocation ids are published on
const RevokeChannel = "tasks:revoke"

type Client struct {
	RedisClient *redis.Client
}

func NewClient(ctx context.Context, dsn string) (*Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}

	return &Client{RedisClient: redis.NewClient(opts)}, nil
}

func (c *Client) Lock(ctx context.Context, lockKey string, lockTimeDuration time.Duration) (result bool, err error) {
	result, err = c.RedisClient.SetNX(ctx, lockKey, 1, lockTimeDuration).Result()
	if err != nil {
		return false, err
	}

	return result, nil
}

func (c *Client) Unlock(ctx context.Context, lockKey string) (err error) {
	err = c.RedisClient.Del(ctx, lockKey).Err()
	return err
}

// Revoke broadcasts the invocation id to every subscribed worker
func (c *Client) Revoke(ctx context.Context, invocationID string) (err error) {
	err = c.RedisClient.Publish(ctx, RevokeChannel, invocationID).Err()
	return err
}

// SubscribeRevokes calls fn for every revoked id until ctx is cancelled
func (c *Client) SubscribeRevokes(ctx context.Context, fn func(invocationID string)) error {
	sub := c.RedisClient.Subscribe(ctx, RevokeChannel)
	defer func() {
		if err := sub.Close(); err != nil {
			slog.Error("Error occurred while closing revoke subscription", "error", err)
		}
	}()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", RevokeChannel, err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

func (c *Client) Close() (err error) {
	err = c.RedisClient.Close()
	return err
}

func (c *Client) Ping(ctx context.Context) (err error) {
	err = c.RedisClient.Ping(ctx).Err()
	return err
}
