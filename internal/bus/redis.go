package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/neo/debatearena_backend/internal/logging"
)

// RedisBus implements Bus on a shared Redis instance. This is the
// multi-replica deployment path.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects to redisURL and verifies the connection with a
// ping. Callers fall back to LocalBus when this fails.
func NewRedisBus(ctx context.Context, redisURL string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %v", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %v", err)
	}

	return &RedisBus{client: client}, nil
}

// Publish sends payload on channel
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %v", channel, err)
	}
	return nil
}

// Subscribe opens a Redis subscription and pumps messages until cancelled
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Force the subscription to be established before returning so a
	// publish immediately after Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %v", channel, err)
	}

	out := make(chan []byte, 64)
	done := make(chan struct{})

	go func() {
		defer close(out)
		src := pubsub.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					logging.LogBusEvent("subscriber_overflow", channel, map[string]interface{}{
						"dropped_bytes": len(msg.Payload),
					})
				}
			case <-done:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		pubsub.Close()
	}
	return out, cancel, nil
}

// SetKey writes a volatile key
func (b *RedisBus) SetKey(ctx context.Context, key, value string, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// GetKey reads a key
func (b *RedisBus) GetKey(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %v", key, err)
	}
	return val, true, nil
}

// DeleteKey removes a key
func (b *RedisBus) DeleteKey(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// Keys lists keys matching pattern
func (b *RedisBus) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := b.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys %s: %v", pattern, err)
	}
	return keys, nil
}

// AcquireLock takes a SETNX lock with a TTL. Release only deletes the
// key when this holder still owns it.
func (b *RedisBus) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, func(), error) {
	holder := uuid.New().String()
	ok, err := b.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, func() {}, fmt.Errorf("failed to acquire lock %s: %v", key, err)
	}
	if !ok {
		return false, func() {}, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		val, err := b.client.Get(releaseCtx, key).Result()
		if err == nil && val == holder {
			b.client.Del(releaseCtx, key)
		}
	}
	return true, release, nil
}

// Distributed reports cross-replica reach
func (b *RedisBus) Distributed() bool {
	return true
}

// Close closes the Redis client
func (b *RedisBus) Close() error {
	return b.client.Close()
}
