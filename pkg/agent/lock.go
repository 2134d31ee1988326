package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/querypilot/querypilot/pkg/fault"
)

// releaseScript deletes the key only when the stored token still matches,
// so an expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the TTL only for the current holder.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out distributed locks keyed by resource name. Locks expire
// on their own when a holder dies, so a crashed agent never wedges the
// resource.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

func NewLocker(client redis.UniversalClient) *Locker {
	return &Locker{client: client, prefix: "querypilot:lock:"}
}

// Lock is a held distributed lock. Release or expiry ends it.
type Lock struct {
	locker *Locker
	key    string
	token  string
	ttl    time.Duration
}

// TryAcquire attempts the lock once. A held lock returns ok=false without
// error.
func (l *Locker) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, bool, error) {
	key := l.prefix + resource
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fault.Wrap(fault.KindConnectionFailed, "agent", "lock", err).WithResource(resource)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{locker: l, key: key, token: token, ttl: ttl}, true, nil
}

// Acquire polls until the lock is free or ctx expires.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		lock, ok, err := l.TryAcquire(ctx, resource, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindTimeout, "agent", "lock",
				fmt.Errorf("lock %q not acquired: %w", resource, ctx.Err())).WithResource(resource)
		case <-ticker.C:
		}
	}
}

// Release frees the lock if this holder still owns it.
func (lk *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, lk.locker.client, []string{lk.key}, lk.token).Int()
	if err != nil {
		return fault.Wrap(fault.KindConnectionFailed, "agent", "lock", err).WithResource(lk.key)
	}
	if n == 0 {
		return fault.New(fault.KindInvalidOperation, "agent", "lock",
			"lock no longer held by this owner").WithResource(lk.key)
	}
	return nil
}

// Refresh extends the TTL for a long-running holder.
func (lk *Lock) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, lk.locker.client, []string{lk.key}, lk.token, lk.ttl.Milliseconds()).Int()
	if err != nil {
		return fault.Wrap(fault.KindConnectionFailed, "agent", "lock", err).WithResource(lk.key)
	}
	if n == 0 {
		return fault.New(fault.KindInvalidOperation, "agent", "lock",
			"lock expired before refresh").WithResource(lk.key)
	}
	return nil
}
