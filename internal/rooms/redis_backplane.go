package rooms

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "collabhub:rooms"

// PubSubClient is the slice of a redis client the backplane needs.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) *redis.PubSub
}

// RedisBackplane relays room events over a redis pub/sub channel.
type RedisBackplane struct {
	client  PubSubClient
	channel string
}

// NewRedisBackplane returns a backplane on channel, or DefaultRedisChannel when empty.
func NewRedisBackplane(client PubSubClient, channel string) *RedisBackplane {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBackplane{client: client, channel: channel}
}

// Channel returns the pub/sub channel name.
func (b *RedisBackplane) Channel() string { return b.channel }

// Publish implements Backplane.
func (b *RedisBackplane) Publish(ctx context.Context, data []byte) error {
	return b.client.Publish(ctx, b.channel, data)
}

// Subscribe implements Backplane.
func (b *RedisBackplane) Subscribe(ctx context.Context, handle func([]byte)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Wait for the subscription confirmation so connection failures are returned.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return errors.New("rooms: redis subscription closed")
			}
			handle([]byte(msg.Payload))
		}
	}
}
