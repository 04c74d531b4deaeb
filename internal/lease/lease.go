// Package lease makes sure a task id is processed by a single runner at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

var ErrTaskLocked = errors.New("task is already running")

// DefaultPrefix is the etcd key prefix of task leases
const DefaultPrefix = "/csa/tasks/"

// Release gives a lease back
type Release func(ctx context.Context) error

// Locker hands out task leases
type Locker interface {
	Acquire(ctx context.Context, taskID string) (Release, error)
}

// EtcdLocker holds one etcd mutex per running task. The lease dies with the
// session so a crashed runner frees its tasks after the TTL.
type EtcdLocker struct {
	client *clientv3.Client
	prefix string
	ttl    int
}

// NewEtcdLocker creates a locker. ttl is in seconds.
func NewEtcdLocker(client *clientv3.Client, prefix string, ttl int) *EtcdLocker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = 30
	}
	return &EtcdLocker{client: client, prefix: prefix, ttl: ttl}
}

// Acquire takes the lease of a task without waiting
func (l *EtcdLocker) Acquire(ctx context.Context, taskID string) (Release, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(l.ttl), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to open lease session: %w", err)
	}

	mutex := concurrency.NewMutex(session, l.prefix+taskID)
	if err := mutex.TryLock(ctx); err != nil {
		session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, fmt.Errorf("%s: %w", taskID, ErrTaskLocked)
		}
		return nil, fmt.Errorf("failed to lock task %s: %w", taskID, err)
	}

	return func(ctx context.Context) error {
		defer session.Close()
		if err := mutex.Unlock(ctx); err != nil {
			return fmt.Errorf("failed to unlock task %s: %w", taskID, err)
		}
		return nil
	}, nil
}

// MemoryLocker holds leases in process
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates a locker with no lease held
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// Acquire takes the lease of a task without waiting
func (l *MemoryLocker) Acquire(ctx context.Context, taskID string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[taskID]; ok {
		return nil, fmt.Errorf("%s: %w", taskID, ErrTaskLocked)
	}
	l.held[taskID] = struct{}{}

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, taskID)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
