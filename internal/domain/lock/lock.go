// Package lock 定义跨实例互斥的分布式锁契约。
//
// 获取失败（资源已被占用）不是错误：调用方拿到 Busy 结果后应跳过可选工作，
// 不得在请求路径上阻塞重试。存储不可用才以 error 返回。
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultLease 未指定租期时使用的默认租期
const DefaultLease = 10 * time.Second

// 资源命名空间：缓存更新与向量索引更新互不竞争，只与自身竞争
const (
	SaveResourcePrefix         = "knowledge:save:"
	AddResourcePrefix          = "knowledge:add:"
	UpdateResourcePrefix       = "knowledge:update:"
	DeleteResourcePrefix       = "knowledge:delete:"
	VectorIndexResourcePrefix  = "vector:index:"
	VectorDeleteResourcePrefix = "vector:delete:"
	SweepResource              = "knowledge:sweep"
)

// ErrInvalidResource 资源名为空
var ErrInvalidResource = errors.New("lock resource is required")

// Lease 已获取的锁凭证。只有持有相同 Token 才能释放。
type Lease struct {
	Resource string
	Token    string
	TTL      time.Duration
}

// Status 获取结果标签
type Status int

const (
	// StatusBusy 资源被其他持有者占用
	StatusBusy Status = iota
	// StatusAcquired 成功获取
	StatusAcquired
)

func (s Status) String() string {
	switch s {
	case StatusAcquired:
		return "acquired"
	default:
		return "busy"
	}
}

// Result 获取锁的标签化结果：Acquired(lease) | Busy
type Result struct {
	status Status
	lease  Lease
}

// Acquired 构造成功结果
func Acquired(lease Lease) Result {
	return Result{status: StatusAcquired, lease: lease}
}

// Busy 构造占用结果
func Busy() Result {
	return Result{status: StatusBusy}
}

// Status 返回结果标签
func (r Result) Status() Status { return r.status }

// Lease 返回租约；仅当 ok 为 true 时有效
func (r Result) Lease() (Lease, bool) {
	return r.lease, r.status == StatusAcquired
}

// Locker 分布式锁
type Locker interface {
	// TryAcquire 原子地 set-if-absent-with-expiry，不做内部重试
	TryAcquire(ctx context.Context, resource string, lease time.Duration) (Result, error)
	// Release 原子地 compare-and-delete；token 不匹配时返回 false 且不删除
	Release(ctx context.Context, lease Lease) (bool, error)
}

// Guard 获取锁后执行 fn 并保证释放。资源被占用时不执行 fn，返回 ran=false。
func Guard(ctx context.Context, l Locker, resource string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	res, err := l.TryAcquire(ctx, resource, ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", resource, err)
	}
	lease, ok := res.Lease()
	if !ok {
		return false, nil
	}
	defer func() {
		// 释放使用独立 context，避免请求取消后锁残留到租期结束
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_, _ = l.Release(relCtx, lease)
	}()
	return true, fn(ctx)
}

// AcquireWithBackoff 以指数退避轮询获取锁，最多 attempts 次。
// 仅用于允许等待的后台任务，请求路径上应直接使用 TryAcquire。
func AcquireWithBackoff(ctx context.Context, l Locker, resource string, ttl time.Duration, attempts int, base time.Duration) (Result, error) {
	if attempts <= 0 {
		attempts = 1
	}
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	delay := base
	for i := 0; i < attempts; i++ {
		res, err := l.TryAcquire(ctx, resource, ttl)
		if err != nil {
			return Busy(), err
		}
		if res.Status() == StatusAcquired || i == attempts-1 {
			return res, nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Busy(), ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return Busy(), nil
}

// NormalizeLease 租期必须为正
func NormalizeLease(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultLease
	}
	return ttl
}
