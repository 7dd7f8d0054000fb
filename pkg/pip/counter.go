package pip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemoryCounter is an in-process AccessCounter.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]uint64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]uint64)}
}

func (c *MemoryCounter) Increment(_ context.Context, target string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[target]++
	return c.counts[target], nil
}

func (c *MemoryCounter) Count(_ context.Context, target string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[target], nil
}

// RedisCounter shares access counts between connector replicas.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounter creates a counter storing one key per artifact under prefix.
func NewRedisCounter(client redis.UniversalClient, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "access"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(target string) string {
	return fmt.Sprintf("%s:%s", c.prefix, target)
}

func (c *RedisCounter) Increment(ctx context.Context, target string) (uint64, error) {
	n, err := c.client.Incr(ctx, c.key(target)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis counter incr: %w", err)
	}
	return uint64(n), nil
}

func (c *RedisCounter) Count(ctx context.Context, target string) (uint64, error) {
	v, err := c.client.Get(ctx, c.key(target)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis counter get: %w", err)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis counter value %q: %w", v, err)
	}
	return n, nil
}
