package events

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisPublisher appends events to a Redis list consumed by the notification
// worker.
type RedisPublisher struct {
	client *redis.Client
	list   string
}

func NewRedisPublisher(client *redis.Client, list string) *RedisPublisher {
	if list == "" {
		list = "receipt_events"
	}
	return &RedisPublisher{client: client, list: list}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", e.Type, err)
	}
	if err := p.client.RPush(ctx, p.list, payload).Err(); err != nil {
		return fmt.Errorf("events: push %s: %w", e.Type, err)
	}
	return nil
}

// Close is a no-op; the client is shared and closed by its owner.
func (p *RedisPublisher) Close() error {
	return nil
}
