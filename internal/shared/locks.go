package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ScheduleLockKey builds redis keys for per-asset schedule critical
// sections. Every multi-line mutation (generate, regenerate, allocate,
// recalculate) takes this lock before touching the asset's lines.
func ScheduleLockKey(assetID int64) string {
	return fmt.Sprintf("assets:%d:schedule:lock", assetID)
}

// Locker serializes schedule mutations across processes using redis SET NX.
// The database row lock already serializes writers inside one instance; the
// advisory lock keeps a second instance (or the worker) from queueing up
// behind a long transaction and surfacing a timeout instead of a clean
// conflict.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker constructs a Locker. ttl bounds how long a crashed holder can
// keep a schedule locked.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, ttl: ttl}
}

// Lock represents one held lock.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the lock for key or returns ErrConflict when another holder
// has it. A nil Locker is a no-op so the engine stays usable without redis,
// e.g. in the seeder.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	if l == nil {
		return &Lock{}, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrConflict
	}
	return &Lock{locker: l, key: key, token: token}, nil
}

// Release frees the lock if this holder still owns it. A lock that expired
// and was re-acquired by someone else is left alone.
func (lk *Lock) Release(ctx context.Context) {
	if lk == nil || lk.locker == nil {
		return
	}
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
	_ = lk.locker.client.Eval(ctx, script, []string{lk.key}, lk.token).Err()
}
