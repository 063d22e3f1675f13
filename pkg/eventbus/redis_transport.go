package eventbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes lifecycle events to a redis pub/sub channel so
// external consumers (notification workers, audit mirrors) can follow
// record mutations without polling the API.
type RedisTransport struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisTransport creates a redis-backed transport. Events for all
// subjects fan into a single channel; the envelope carries the subject.
func NewRedisTransport(client redis.UniversalClient, channel string) (*RedisTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("eventbus: redis client cannot be nil")
	}
	if channel == "" {
		channel = "civicpress.records"
	}
	return &RedisTransport{client: client, channel: channel}, nil
}

// Publish sends the serialized envelope to the configured channel.
func (t *RedisTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if subject == "" {
		return fmt.Errorf("eventbus: subject cannot be empty")
	}
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("eventbus: redis publish: %w", err)
	}
	return nil
}

// Close releases the redis client.
func (t *RedisTransport) Close() error {
	return t.client.Close()
}
