// Package maintenance 定时维护任务：按热度阈值清扫热点缓存。
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"knowledgehub/internal/domain/lock"
	applog "knowledgehub/internal/platform/log"
)

// SweepLease 跨实例清扫锁租期
const SweepLease = time.Minute

// Sweepable 可按分数阈值清扫的缓存
type Sweepable interface {
	SweepBelow(ctx context.Context, threshold float64) ([]int64, error)
}

// Cleaner 进程内缓存清理
type Cleaner interface {
	Cleanup()
}

// Config 清扫配置
type Config struct {
	Threshold float64
	Schedule  string // 标准 5 段 cron 表达式
	UseLock   bool   // 多实例时仅一个实例执行
}

// Report 单次清扫结果
type Report struct {
	Skipped   bool      `json:"skipped"`
	Removed   []int64   `json:"removed"`
	StartedAt time.Time `json:"started_at"`
	ElapsedMs int64     `json:"elapsed_ms"`
}

// Sweeper 移除热度低于阈值的条目（连带快照与关键词索引），并清理关键词提取缓存
type Sweeper struct {
	cache    Sweepable
	cleaners []Cleaner
	locker   lock.Locker
	cfg      Config

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper 创建清扫器；locker 为 nil 时不加锁
func NewSweeper(cache Sweepable, locker lock.Locker, cfg Config, cleaners ...Cleaner) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 0 * * *"
	}
	return &Sweeper{cache: cache, cleaners: cleaners, locker: locker, cfg: cfg}
}

// RunOnce 执行一次清扫。锁被其他实例持有时跳过。
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now()}

	if s.cfg.UseLock && s.locker != nil {
		res, err := lock.AcquireWithBackoff(ctx, s.locker, lock.SweepResource, SweepLease, 3, 200*time.Millisecond)
		if err != nil {
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		lease, ok := res.Lease()
		if !ok {
			applog.Info("[Sweeper] another instance is sweeping, skipped")
			report.Skipped = true
			return report, nil
		}
		defer func() {
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_, _ = s.locker.Release(relCtx, lease)
		}()
	}

	removed, err := s.cache.SweepBelow(ctx, s.cfg.Threshold)
	if err != nil {
		return nil, fmt.Errorf("sweep hot cache: %w", err)
	}
	report.Removed = removed
	for _, c := range s.cleaners {
		c.Cleanup()
	}
	report.ElapsedMs = time.Since(report.StartedAt).Milliseconds()

	applog.Info("[Sweeper] sweep finished",
		"threshold", s.cfg.Threshold,
		"removed", len(removed),
		"elapsed_ms", report.ElapsedMs,
	)
	return report, nil
}

// Start 按 cron 表达式调度清扫，ctx 结束后不再触发新的清扫
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunOnce(ctx); err != nil {
			applog.Error("[Sweeper] sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	applog.Info("[Sweeper] scheduled", "schedule", s.cfg.Schedule, "threshold", s.cfg.Threshold, "lock", s.cfg.UseLock)
	return nil
}

// Stop 停止调度并等待正在执行的清扫结束
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
