package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out best-effort distributed mutexes. Used to keep multiple
// worker replicas from running the midnight sweep twice, and to serialize
// vector mutations on a single document across deletes and reindex items.
type Locker interface {
	// Acquire takes the named lock for ttl. Returns false without error when
	// the lock is held elsewhere.
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// DocumentName is the lock name guarding one document's index entries.
func DocumentName(documentID string) string {
	return "doc:" + documentID
}

const lockKeyPrefix = "lock:"

// RedisLocker implements Locker with SET NX.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(addr, password string) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisLocker{client: client}, nil
}

// releaseScript deletes the lock only when the token still matches, so an
// expired lock taken over by another holder is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := lockKeyPrefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

func (l *RedisLocker) Close() error { return l.client.Close() }

// NoOpLocker always grants the lock. Used when Redis is unavailable and in
// single-replica deployments.
type NoOpLocker struct{}

func NewNoOpLocker() *NoOpLocker { return &NoOpLocker{} }

func (NoOpLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
