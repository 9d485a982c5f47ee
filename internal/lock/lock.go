// Package lock provides the non-blocking run locks that keep two job
// materializer runs from overlapping.
package lock

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by callers that refuse to wait for a held lock.
var ErrNotAcquired = errors.New("lock is held by another run")

// Locker hands out exclusive, non-blocking locks by key. The returned
// release func is safe to call more than once.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// InMemoryLock serves single-instance deployments and tests.
type InMemoryLock struct {
	mu   sync.Mutex
	held map[string]uint64 // key -> generation currently holding it
	gen  uint64
}

func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{held: map[string]uint64{}}
}

func (l *InMemoryLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	if _, busy := l.held[key]; busy {
		l.mu.Unlock()
		return nil, false, nil
	}
	l.gen++
	mine := l.gen
	l.held[key] = mine
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key] == mine {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
	}
	if ttl > 0 {
		time.AfterFunc(ttl, release)
	}
	return release, true, nil
}

// RedisLock uses SET NX PX with a random token so only the holder can
// release. Shared across API replicas.
type RedisLock struct {
	client *redis.Client
	prefix string
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client, prefix: "scooproute:lock:"}
}

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	token, err := randomToken()
	if err != nil {
		return nil, false, err
	}
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			_ = releaseScript.Run(context.Background(), l.client, []string{l.prefix + key}, token).Err()
		})
	}
	return release, true, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// PGAdvisoryLock uses session-level advisory locks. The ttl is ignored;
// the lock lives until release or until the connection closes.
type PGAdvisoryLock struct {
	db *sql.DB
}

func NewPGAdvisoryLock(db *sql.DB) *PGAdvisoryLock {
	return &PGAdvisoryLock{db: db}
}

func (l *PGAdvisoryLock) TryAcquire(ctx context.Context, key string, _ time.Duration) (func(), bool, error) {
	id := hashToInt64(key)
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("try acquire lock connection for %s: %w", key, err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try acquire lock for %s: %w", key, err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", id)
			conn.Close()
		})
	}
	return release, true, nil
}

// hashToInt64 maps a key onto the advisory lock id space with FNV-1a.
func hashToInt64(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
