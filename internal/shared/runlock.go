package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RunLockKey builds redis keys for batch critical sections.
func RunLockKey(name string) string {
	return fmt.Sprintf("dunning:run:%s:lock", name)
}

// RunGuard serialises batch runs across worker instances with a redis
// lease. Nothing inside a batch prevents duplicate sends when two dispatch
// runs overlap, so every batch acquires its lease first.
type RunGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRunGuard constructs the guard. The TTL bounds how long a crashed run
// can block its successors.
func NewRunGuard(client *redis.Client, ttl time.Duration) *RunGuard {
	return &RunGuard{client: client, ttl: ttl}
}

// Acquire takes the lease for the named run, returning ErrRunInProgress
// when another run still holds it. The returned release function is safe to
// call after lease expiry.
func (g *RunGuard) Acquire(ctx context.Context, name, token string) (func(context.Context) error, error) {
	if g == nil || g.client == nil {
		return func(context.Context) error { return nil }, nil
	}
	key := RunLockKey(name)
	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("run guard: acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	release := func(ctx context.Context) error {
		current, err := g.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}
		if current != token {
			return nil
		}
		return g.client.Del(ctx, key).Err()
	}
	return release, nil
}
