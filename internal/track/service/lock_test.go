package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_BusyThenRelease(t *testing.T) {
	l := NewLocalLocker(50 * time.Millisecond)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "master:1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "master:1", time.Minute)
	assert.ErrorIs(t, err, ErrLockBusy)

	// 不同key互不影响
	other, err := l.Acquire(ctx, "master:2", time.Minute)
	require.NoError(t, err)
	other()

	release()
	again, err := l.Acquire(ctx, "master:1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLocalLocker_ExpiredHolder(t *testing.T) {
	l := NewLocalLocker(200 * time.Millisecond)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "session:1", 20*time.Millisecond)
	require.NoError(t, err)

	fresh, err := l.Acquire(ctx, "session:1", time.Minute)
	require.NoError(t, err, "expired lock is taken over")

	// 过期持有者释放不能删掉新持有者的锁
	stale()
	_, err = l.Acquire(ctx, "session:1", time.Minute)
	assert.ErrorIs(t, err, ErrLockBusy)
	fresh()
}

func TestLocalLocker_ContextCancelled(t *testing.T) {
	l := NewLocalLocker(time.Second)
	release, err := l.Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalLocker_Serializes(t *testing.T) {
	l := NewLocalLocker(2 * time.Second)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "shared", time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestLockError(t *testing.T) {
	busy := AsAppError(lockError("master code MC-1", ErrLockBusy))
	assert.Equal(t, KindConflict, busy.Kind)
	assert.Equal(t, CodeBusy, busy.Code)

	failed := AsAppError(lockError("master code MC-1", errors.New("redis down")))
	assert.Equal(t, KindUpstream, failed.Kind)
}
