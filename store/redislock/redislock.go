// Package redislock provides a best-effort run lock shared by replicas.
//
// The scheduler takes the lock before a tick so that two replicas do not
// run the same sweep at once. Billing correctness never depends on it: the
// orchestrators are idempotent and a lost or expired lock only costs
// duplicate work.
//
// A lock is a SET NX PX key holding a random token. Release deletes the key
// only while it still holds that token, so a holder whose TTL lapsed cannot
// free a lock someone else has since taken.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes KEYS[1] only if it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrNotHeld is returned by Release when the lock expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

type Locker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// New returns a Locker whose locks expire after ttl unless released.
func New(client redis.Cmdable, ttl time.Duration) *Locker {
	return &Locker{client: client, prefix: "dues:lock:", ttl: ttl}
}

// NewFromAddr connects to a single redis node.
func NewFromAddr(addr, password string, db int, ttl time.Duration) *Locker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return New(rdb, ttl)
}

// Lock is a held lock.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// TryAcquire takes the named lock without waiting. ok is false when another
// holder has it.
func (l *Locker) TryAcquire(ctx context.Context, name string) (lock *Lock, ok bool, err error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err = l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{locker: l, key: key, token: token}, true, nil
}

// Release frees the lock if it is still held by this holder.
func (lk *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lk.locker.client, []string{lk.key}, lk.token).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", lk.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// TryLock is TryAcquire in the shape the scheduler expects.
func (l *Locker) TryLock(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	lk, ok, err := l.TryAcquire(ctx, name)
	if err != nil || !ok {
		return nil, ok, err
	}
	return lk.Release, true, nil
}
