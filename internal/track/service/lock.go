package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockBusy 锁等待超时
var ErrLockBusy = errors.New("lock busy")

const lockRetryInterval = 25 * time.Millisecond

// Locker 短时互斥锁，用于箱码装箱和出库会话扫描
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// 仅当值仍是本次token时才删除
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker 基于 SET NX PX 的分布式锁
type RedisLocker struct {
	rdb    *redis.Client
	prefix string
	wait   time.Duration
}

// NewRedisLocker 创建Redis锁
func NewRedisLocker(rdb *redis.Client, wait time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: "nimo-track:lock:", wait: wait}
}

// Acquire 获取锁，wait 内重试，超时返回 ErrLockBusy
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	key = l.prefix + key
	token := uuid.New().String()

	err := retryAcquire(ctx, l.wait, func() (bool, error) {
		return l.rdb.SetNX(ctx, key, token, ttl).Result()
	})
	if err != nil {
		return nil, err
	}
	return func() {
		// request ctx may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		releaseScript.Run(releaseCtx, l.rdb, []string{key}, token)
	}, nil
}

// LocalLocker 进程内锁，未配置Redis时使用
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	wait time.Duration
}

// NewLocalLocker 创建进程内锁
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{held: make(map[string]time.Time), wait: wait}
}

// Acquire 获取锁，过期的持有者视为已释放
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	var expiry time.Time
	err := retryAcquire(ctx, l.wait, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		now := time.Now()
		if until, ok := l.held[key]; ok && now.Before(until) {
			return false, nil
		}
		expiry = now.Add(ttl)
		l.held[key] = expiry
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(expiry) {
			delete(l.held, key)
		}
	}, nil
}

func retryAcquire(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}
