package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis lists (FIFO per queue via RPush/BLPop)
// and a processing sorted set keyed by deadline, over the ten named queues
// of spec.md §6.
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus dials redisURL and verifies connectivity before returning.
func NewRedisBus(ctx context.Context, redisURL, keyPrefix string) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "codeatlas:"
	}
	return &RedisBus{client: client, prefix: keyPrefix}, nil
}

// NewRedisBusFromClient wraps an existing client, used by tests against
// miniredis.
func NewRedisBusFromClient(client *redis.Client, keyPrefix string) *RedisBus {
	if keyPrefix == "" {
		keyPrefix = "codeatlas:"
	}
	return &RedisBus{client: client, prefix: keyPrefix}
}

func (b *RedisBus) Close() error { return b.client.Close() }

// Ping verifies the Redis connection is still alive, used by health/ for
// readiness checks.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) queueKey(name string) string     { return b.prefix + "q:" + name }
func (b *RedisBus) processingKey() string           { return b.prefix + "processing" }

func (b *RedisBus) Enqueue(ctx context.Context, queueName string, payload []byte) error {
	return b.client.RPush(ctx, b.queueKey(queueName), payload).Err()
}

func (b *RedisBus) BulkEnqueue(ctx context.Context, queueName string, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	args := make([]interface{}, len(payloads))
	for i, p := range payloads {
		args[i] = p
	}
	return b.client.RPush(ctx, b.queueKey(queueName), args...).Err()
}

func (b *RedisBus) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Message, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	result, err := b.client.BLPop(dctx, timeout, b.queueKey(queueName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queueName, err)
	}
	if len(result) < 2 {
		return nil, nil
	}
	id := fmt.Sprintf("%s-%d", queueName, time.Now().UnixNano())
	return &Message{ID: id, Queue: queueName, Payload: []byte(result[1])}, nil
}

func (b *RedisBus) MarkProcessing(ctx context.Context, id string, deadline time.Time) error {
	return b.client.ZAdd(ctx, b.processingKey(), redis.Z{Score: float64(deadline.Unix()), Member: id}).Err()
}

func (b *RedisBus) Complete(ctx context.Context, id string) error {
	return b.client.ZRem(ctx, b.processingKey(), id).Err()
}

func (b *RedisBus) Fail(ctx context.Context, id string, queueName string, payload []byte, requeue bool) error {
	if err := b.Complete(ctx, id); err != nil {
		return err
	}
	if requeue {
		return b.Enqueue(ctx, queueName, payload)
	}
	return nil
}

func (b *RedisBus) Depth(ctx context.Context, queueName string) (int64, error) {
	return b.client.LLen(ctx, b.queueKey(queueName)).Result()
}
