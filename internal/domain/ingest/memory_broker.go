package ingest

import (
	"context"
	"sync"
	"time"

	applog "knowledgehub/internal/platform/log"
)

// MemoryBrokerConfig 进程内代理配置，语义对齐 RabbitMQ 主队列参数
type MemoryBrokerConfig struct {
	MessageTTL time.Duration // 0 表示不过期
	MaxLength  int           // 0 表示不限；超出时最旧消息进入死信（drop-head）
}

// MemoryBroker 进程内消息代理，用于单机部署与测试
type MemoryBroker struct {
	cfg  MemoryBrokerConfig
	main *memQueue[memMessage]
	dead *memQueue[DeadDelivery]
}

type memMessage struct {
	id       string
	body     []byte
	attempt  int
	enqueued time.Time
}

// NewMemoryBroker 创建进程内代理
func NewMemoryBroker(cfg MemoryBrokerConfig) *MemoryBroker {
	return &MemoryBroker{
		cfg:  cfg,
		main: newMemQueue[memMessage](),
		dead: newMemQueue[DeadDelivery](),
	}
}

var _ Broker = (*MemoryBroker)(nil)

// Publish 入队
func (b *MemoryBroker) Publish(ctx context.Context, messageID string, body []byte) error {
	b.enqueue(memMessage{id: messageID, body: body, attempt: 1, enqueued: time.Now()})
	return nil
}

func (b *MemoryBroker) enqueue(m memMessage) {
	if b.cfg.MaxLength > 0 {
		for b.main.len() >= b.cfg.MaxLength {
			oldest, ok := b.main.dropHead()
			if !ok {
				break
			}
			b.deadLetter(oldest, "maxlen")
		}
	}
	b.main.push(m)
}

func (b *MemoryBroker) deadLetter(m memMessage, reason string) {
	b.dead.push(DeadDelivery{
		MessageID: m.id,
		Body:      m.body,
		Attempt:   m.attempt,
		Reason:    reason,
		Queue:     "memory",
	})
}

// Consume 阻塞消费主队列
func (b *MemoryBroker) Consume(ctx context.Context, handler Handler) error {
	for {
		m, ok := b.main.pop(ctx)
		if !ok {
			return ctx.Err()
		}
		if b.cfg.MessageTTL > 0 && time.Since(m.enqueued) > b.cfg.MessageTTL {
			b.deadLetter(m, "expired")
			continue
		}
		switch handler(ctx, Delivery{MessageID: m.id, Body: m.body, Attempt: m.attempt}) {
		case Ack:
		case Retry:
			m.attempt++
			m.enqueued = time.Now()
			b.enqueue(m)
		default:
			b.deadLetter(m, "rejected")
		}
	}
}

// ConsumeDeadLetters 阻塞消费死信；处理失败的死信放回队尾
func (b *MemoryBroker) ConsumeDeadLetters(ctx context.Context, handler DeadLetterFunc) error {
	for {
		d, ok := b.dead.pop(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := handler(ctx, d); err != nil {
			applog.Warn("[MemoryBroker] dead letter handler failed, requeueing", "message_id", d.MessageID, "error", err)
			b.dead.push(d)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// Pending 主队列积压数
func (b *MemoryBroker) Pending() int { return b.main.len() }

// DeadLetters 尚未被消费的死信快照
func (b *MemoryBroker) DeadLetters() []DeadDelivery { return b.dead.snapshot() }

type memQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func newMemQueue[T any]() *memQueue[T] {
	return &memQueue[T]{notify: make(chan struct{}, 1)}
}

func (q *memQueue[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memQueue[T]) dropHead() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

func (q *memQueue[T]) pop(ctx context.Context) (T, bool) {
	for {
		if v, ok := q.dropHead(); ok {
			return v, true
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-q.notify:
		}
	}
}

func (q *memQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memQueue[T]) snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]T(nil), q.items...)
}
