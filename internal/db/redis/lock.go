package redisdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"knowledgehub/internal/domain/lock"
	applog "knowledgehub/internal/platform/log"
)

// releaseScript 仅当值与 token 相同才删除，避免误删他人持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 基于 SET NX PX 的分布式锁
type Locker struct {
	redis  *redis.Client
	prefix string
}

// NewLocker 创建分布式锁
func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{redis: rdb, prefix: "lock:"}
}

var _ lock.Locker = (*Locker)(nil)

// TryAcquire 尝试获取锁，不重试
func (l *Locker) TryAcquire(ctx context.Context, resource string, lease time.Duration) (lock.Result, error) {
	if strings.TrimSpace(resource) == "" {
		return lock.Busy(), lock.ErrInvalidResource
	}
	lease = lock.NormalizeLease(lease)
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, l.prefix+resource, token, lease).Result()
	if err != nil {
		return lock.Busy(), fmt.Errorf("redis setnx %s: %w", resource, err)
	}
	if !ok {
		applog.Debug("[Lock] busy", "resource", resource)
		return lock.Busy(), nil
	}
	return lock.Acquired(lock.Lease{Resource: resource, Token: token, TTL: lease}), nil
}

// Release 释放锁；token 不匹配（锁已过期被他人获取）时返回 false
func (l *Locker) Release(ctx context.Context, lease lock.Lease) (bool, error) {
	if lease.Resource == "" || lease.Token == "" {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, l.redis, []string{l.prefix + lease.Resource}, lease.Token).Int()
	if err != nil {
		return false, fmt.Errorf("redis release %s: %w", lease.Resource, err)
	}
	if n == 0 {
		applog.Warn("[Lock] release skipped, lease no longer held", "resource", lease.Resource)
	}
	return n == 1, nil
}
