package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, time.Minute)
}

func TestLockerAcquireRelease(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()
	key := ScheduleLockKey(42)

	lock, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrConflict)

	lock.Release(ctx)

	again, err := locker.Acquire(ctx, key)
	require.NoError(t, err)
	again.Release(ctx)
}

func TestLockerIndependentKeys(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	a, err := locker.Acquire(ctx, ScheduleLockKey(1))
	require.NoError(t, err)
	defer a.Release(ctx)

	b, err := locker.Acquire(ctx, ScheduleLockKey(2))
	require.NoError(t, err)
	defer b.Release(ctx)
}

func TestNilLockerIsNoop(t *testing.T) {
	var locker *Locker
	lock, err := locker.Acquire(context.Background(), ScheduleLockKey(9))
	require.NoError(t, err)
	lock.Release(context.Background())
}
