package ingest

import (
	"context"

	"knowledgehub/internal/domain/knowledge"
)

// Disposition 消费端对一次投递的处理结论，由 Broker 负责执行
type Disposition int

const (
	// Ack 处理成功
	Ack Disposition = iota
	// Retry 重新投递（attempt+1）
	Retry
	// Reject 拒绝且不重回队列，进入死信队列
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	default:
		return "reject"
	}
}

// Delivery 主队列投递
type Delivery struct {
	MessageID string
	Body      []byte
	Attempt   int // 从 1 开始
}

// DeadDelivery 死信队列投递
type DeadDelivery struct {
	MessageID string
	Body      []byte
	Attempt   int
	Reason    string // rejected | expired | maxlen
	Queue     string // 原队列
}

// Handler 主队列处理函数
type Handler func(ctx context.Context, d Delivery) Disposition

// DeadLetterFunc 死信处理函数；返回错误时死信保留在队列中
type DeadLetterFunc func(ctx context.Context, d DeadDelivery) error

// Broker 消息代理
type Broker interface {
	Publish(ctx context.Context, messageID string, body []byte) error
	// Consume 阻塞消费主队列直到 ctx 结束
	Consume(ctx context.Context, handler Handler) error
	// ConsumeDeadLetters 阻塞消费死信队列直到 ctx 结束
	ConsumeDeadLetters(ctx context.Context, handler DeadLetterFunc) error
}

// BatchStore 事务性批量入库
type BatchStore interface {
	InsertBatch(ctx context.Context, docs []knowledge.Document, beforeCommit func(ctx context.Context, inserted []knowledge.Document) error) ([]knowledge.Document, error)
}

// VectorBatchIndexer 批量写向量；失败时由调用方清理已写入部分
type VectorBatchIndexer interface {
	IndexBatch(ctx context.Context, docs []knowledge.Document) ([]int64, error)
	Cleanup(ctx context.Context, ids []int64)
}

// DeadLetterStore 死信持久化
type DeadLetterStore interface {
	RecordDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}
