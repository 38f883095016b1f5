package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var ErrEmpty = errors.New("queue is empty")

// Redis is a durable FIFO queue over a redis list. Producers push to the
// left, consumers pop from the right, so PushFront reinserts an item at
// the consuming end for the next cycle.
type Redis struct {
	client *redis.Client
	key    string
}

func NewRedis(client *redis.Client, key string) *Redis {
	return &Redis{client: client, key: key}
}

func (q *Redis) Push(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", q.key, err)
	}

	return nil
}

func (q *Redis) Pop(ctx context.Context) ([]byte, error) {
	payload, err := q.client.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", q.key, err)
	}

	return payload, nil
}

func (q *Redis) PushFront(ctx context.Context, payload []byte) error {
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push front to %s: %w", q.key, err)
	}

	return nil
}

func (q *Redis) Len(ctx context.Context) (int64, error) {
	count, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", q.key, err)
	}

	return count, nil
}
