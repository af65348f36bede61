package redisdb

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgehub/internal/domain/lock"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestLockerConcurrentAcquireHasSingleWinner(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb)
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := locker.TryAcquire(ctx, "knowledge:save:1", 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if res.Status() == lock.StatusAcquired {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, winners.Load())
}

func TestLockerReleaseRequiresMatchingToken(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb)
	ctx := context.Background()

	res, err := locker.TryAcquire(ctx, "knowledge:update:7", 5*time.Second)
	require.NoError(t, err)
	lease, ok := res.Lease()
	require.True(t, ok)

	released, err := locker.Release(ctx, lock.Lease{Resource: lease.Resource, Token: "someone-else"})
	require.NoError(t, err)
	assert.False(t, released)

	again, err := locker.TryAcquire(ctx, "knowledge:update:7", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, lock.StatusBusy, again.Status())

	released, err = locker.Release(ctx, lease)
	require.NoError(t, err)
	assert.True(t, released)

	again, err = locker.TryAcquire(ctx, "knowledge:update:7", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, lock.StatusAcquired, again.Status())
}

func TestLockerLeaseExpires(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewLocker(rdb)
	ctx := context.Background()

	first, err := locker.TryAcquire(ctx, "vector:index:3", time.Second)
	require.NoError(t, err)
	stale, ok := first.Lease()
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	second, err := locker.TryAcquire(ctx, "vector:index:3", time.Second)
	require.NoError(t, err)
	require.Equal(t, lock.StatusAcquired, second.Status())

	// 旧持有者不能释放新持有者的锁
	released, err := locker.Release(ctx, stale)
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, mr.Exists("lock:vector:index:3"))
}

func TestLockerRejectsEmptyResource(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb)

	res, err := locker.TryAcquire(context.Background(), "  ", time.Second)
	assert.ErrorIs(t, err, lock.ErrInvalidResource)
	assert.Equal(t, lock.StatusBusy, res.Status())
}

func TestGuardSkipsWhenBusy(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewLocker(rdb)
	ctx := context.Background()

	_, err := locker.TryAcquire(ctx, "knowledge:delete:9", 5*time.Second)
	require.NoError(t, err)

	called := false
	ran, err := lock.Guard(ctx, locker, "knowledge:delete:9", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	assert.False(t, called)
}

func TestGuardReleasesAfterRun(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewLocker(rdb)

	ran, err := lock.Guard(context.Background(), locker, "knowledge:add:title", time.Second, func(context.Context) error {
		assert.True(t, mr.Exists("lock:knowledge:add:title"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("lock:knowledge:add:title"))
}
