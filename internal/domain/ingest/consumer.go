package ingest

import (
	"context"
	"time"

	"knowledgehub/internal/domain/knowledge"
	applog "knowledgehub/internal/platform/log"
)

// ConsumerConfig 消费端配置
type ConsumerConfig struct {
	MaxAttempts int
}

// Consumer 每个批次在一个数据库事务内完成入库与向量写入。
// 失败时事务回滚并尽力删除已写入的向量；未超过最大尝试次数则重试，否则进入死信。
type Consumer struct {
	store   BatchStore
	vectors VectorBatchIndexer // 可选
	cfg     ConsumerConfig
}

// NewConsumer 创建消费端
func NewConsumer(store BatchStore, cfg ConsumerConfig) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempt
	}
	return &Consumer{store: store, cfg: cfg}
}

// SetVectorIndexer 启用入库时写向量
func (c *Consumer) SetVectorIndexer(v VectorBatchIndexer) {
	c.vectors = v
}

// Run 阻塞消费直到 ctx 结束
func (c *Consumer) Run(ctx context.Context, broker Broker) error {
	applog.Info("[Import] consumer started", "max_attempts", c.cfg.MaxAttempts)
	return broker.Consume(ctx, c.Handle)
}

// Handle 处理单次投递
func (c *Consumer) Handle(ctx context.Context, d Delivery) Disposition {
	start := time.Now()
	msg, err := DecodeBatch(d.Body)
	if err != nil {
		applog.Error("[Import] undecodable batch, dead-lettering", "message_id", d.MessageID, "error", err)
		return Reject
	}
	if len(msg.Documents) == 0 {
		return Ack
	}

	var indexed []int64
	_, err = c.store.InsertBatch(ctx, msg.Documents, func(ctx context.Context, inserted []knowledge.Document) error {
		if c.vectors == nil {
			return nil
		}
		ids, err := c.vectors.IndexBatch(ctx, inserted)
		indexed = ids
		return err
	})
	if err != nil {
		if len(indexed) > 0 {
			c.vectors.Cleanup(context.WithoutCancel(ctx), indexed)
		}
		disposition := Retry
		if d.Attempt >= c.cfg.MaxAttempts {
			disposition = Reject
		}
		applog.Warn("[Import] batch failed",
			"import_id", msg.ImportID,
			"batch", msg.Batch,
			"attempt", d.Attempt,
			"next", disposition.String(),
			"error", err,
		)
		return disposition
	}

	applog.Info("[Import] batch stored",
		"import_id", msg.ImportID,
		"batch", msg.Batch,
		"total_batches", msg.TotalBatches,
		"documents", len(msg.Documents),
		"attempt", d.Attempt,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return Ack
}
