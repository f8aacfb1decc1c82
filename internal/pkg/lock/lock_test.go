package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyed_SerializesSameKey(t *testing.T) {
	k := NewKeyed()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = k.WithLock(context.Background(), "p1", func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, k.size())
}

func TestKeyed_DifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyed()
	held := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = k.WithLock(context.Background(), "a", func(ctx context.Context) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := k.WithLock(ctx, "b", func(ctx context.Context) error { return nil })
	close(done)

	assert.NoError(t, err)
}

func TestKeyed_ContextCancelledWhileWaiting(t *testing.T) {
	k := NewKeyed()
	held := make(chan struct{})
	done := make(chan struct{})
	defer close(done)

	go func() {
		_ = k.WithLock(context.Background(), "a", func(ctx context.Context) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := k.WithLock(ctx, "a", func(ctx context.Context) error { return nil })

	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestKeyed_PropagatesError(t *testing.T) {
	k := NewKeyed()
	boom := errors.New("boom")

	err := k.WithLock(context.Background(), "a", func(ctx context.Context) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Zero(t, k.size())
}

func newRedisLock(t *testing.T, wait time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, time.Second, wait), mr
}

func TestRedis_AcquireAndRelease(t *testing.T) {
	l, mr := newRedisLock(t, 200*time.Millisecond)

	err := l.WithLock(context.Background(), "inventory:p1", func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:inventory:p1"))
		return nil
	})

	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:inventory:p1"))
}

func TestRedis_BusyLockTimesOut(t *testing.T) {
	l, mr := newRedisLock(t, 120*time.Millisecond)
	require.NoError(t, mr.Set("lock:inventory:p1", "someone-else"))

	called := false
	err := l.WithLock(context.Background(), "inventory:p1", func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, called)

	v, _ := mr.Get("lock:inventory:p1")
	assert.Equal(t, "someone-else", v, "release must not delete a lock owned by another holder")
}

func TestRedis_WaitsForRelease(t *testing.T) {
	l, mr := newRedisLock(t, time.Second)
	require.NoError(t, mr.Set("lock:inventory:p1", "someone-else"))

	go func() {
		time.Sleep(100 * time.Millisecond)
		mr.Del("lock:inventory:p1")
	}()

	err := l.WithLock(context.Background(), "inventory:p1", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}
