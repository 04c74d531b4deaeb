// Package interruption records which running tasks were asked to stop early.
// A request is consumed by the first poll that sees it.
package interruption

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the redis set holding pending interruptions
const DefaultKey = "csa:interrupt"

// Registry stores interruption requests
type Registry interface {
	Interrupt(ctx context.Context, taskID string) error
	Consume(ctx context.Context, taskID string) (bool, error)
}

// MemoryRegistry keeps interruption requests in process
type MemoryRegistry struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{pending: make(map[string]struct{})}
}

// Interrupt registers a request for the task
func (r *MemoryRegistry) Interrupt(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[taskID] = struct{}{}
	return nil
}

// Consume reports whether the task was asked to stop and clears the request
func (r *MemoryRegistry) Consume(ctx context.Context, taskID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[taskID]; !ok {
		return false, nil
	}
	delete(r.pending, taskID)
	return true, nil
}

// RedisRegistry shares interruption requests between runner instances
type RedisRegistry struct {
	client redis.Cmdable
	key    string
}

// NewRedisRegistry creates a registry on the given set key. An empty key
// falls back to DefaultKey.
func NewRedisRegistry(client redis.Cmdable, key string) *RedisRegistry {
	if key == "" {
		key = DefaultKey
	}
	return &RedisRegistry{client: client, key: key}
}

// Interrupt registers a request for the task
func (r *RedisRegistry) Interrupt(ctx context.Context, taskID string) error {
	if err := r.client.SAdd(ctx, r.key, taskID).Err(); err != nil {
		return fmt.Errorf("failed to register interruption of %s: %w", taskID, err)
	}
	return nil
}

// Consume reports whether the task was asked to stop and clears the request.
// SREM is atomic so only one poller sees a given request.
func (r *RedisRegistry) Consume(ctx context.Context, taskID string) (bool, error) {
	removed, err := r.client.SRem(ctx, r.key, taskID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to consume interruption of %s: %w", taskID, err)
	}
	return removed > 0, nil
}
