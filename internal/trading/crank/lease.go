package crank

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease elects the single crank allowed to settle a market. Acquire takes
// the lease or extends it when already held; it reports whether the caller
// holds it afterwards.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// extendScript extends the lease only for its current holder.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only for its current holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a lease shared between processes through a redis key.
type RedisLease struct {
	client redis.Cmdable
	key    string
	holder string
	ttl    time.Duration
}

func NewRedisLease(client redis.Cmdable, key, holder string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, key: key, holder: holder, ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// MemoryLeases is an in-process lease table for single-node deployments
// and tests.
type MemoryLeases struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryEntry
}

type memoryEntry struct {
	holder  string
	expires time.Time
}

func NewMemoryLeases(now func() time.Time) *MemoryLeases {
	if now == nil {
		now = time.Now
	}
	return &MemoryLeases{now: now, leases: make(map[string]memoryEntry)}
}

// Lease returns holder's handle on key.
func (t *MemoryLeases) Lease(key, holder string, ttl time.Duration) Lease {
	return &memoryLease{table: t, key: key, holder: holder, ttl: ttl}
}

type memoryLease struct {
	table  *MemoryLeases
	key    string
	holder string
	ttl    time.Duration
}

func (l *memoryLease) Acquire(context.Context) (bool, error) {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	cur, ok := t.leases[l.key]
	if ok && cur.holder != l.holder && now.Before(cur.expires) {
		return false, nil
	}
	t.leases[l.key] = memoryEntry{holder: l.holder, expires: now.Add(l.ttl)}
	return true, nil
}

func (l *memoryLease) Release(context.Context) error {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.leases[l.key]; ok && cur.holder == l.holder {
		delete(t.leases, l.key)
	}
	return nil
}
