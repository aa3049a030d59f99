package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key is the Redis list used as the wake-up channel.
const Key = "datamachine:jobs"

// Redis signals through a Redis list so that workers in several processes
// sharing one database are woken by any of them.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Notify(ctx context.Context) error {
	if err := r.client.LPush(ctx, Key, time.Now().UTC().Format(time.RFC3339Nano)).Err(); err != nil {
		return fmt.Errorf("pushing job signal: %w", err)
	}
	return nil
}

func (r *Redis) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	_, err := r.client.BRPop(ctx, timeout, Key).Result()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		return false, fmt.Errorf("waiting for job signal: %w", err)
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
