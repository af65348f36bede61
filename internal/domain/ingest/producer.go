package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"knowledgehub/internal/domain/knowledge"
	applog "knowledgehub/internal/platform/log"
)

const (
	DefaultBatchSize  = 10
	DefaultMaxDocs    = 1000
	DefaultMaxAttempt = 3
)

// ProducerConfig 生产端配置
type ProducerConfig struct {
	BatchSize int
	MaxDocs   int
}

// Producer 校验导入请求、切分批次并逐批投递
type Producer struct {
	broker Broker
	cfg    ProducerConfig
}

// NewProducer 创建生产端
func NewProducer(broker Broker, cfg ProducerConfig) *Producer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxDocs <= 0 {
		cfg.MaxDocs = DefaultMaxDocs
	}
	return &Producer{broker: broker, cfg: cfg}
}

var _ knowledge.BatchPublisher = (*Producer)(nil)

// Publish 投递导入请求。批次之间无顺序保证。
func (p *Producer) Publish(ctx context.Context, docs []knowledge.Document) (*knowledge.ImportReceipt, error) {
	if err := p.validate(docs); err != nil {
		return nil, err
	}

	importID := uuid.NewString()
	batches := Split(docs, p.cfg.BatchSize)
	receipt := &knowledge.ImportReceipt{
		ImportID:   importID,
		Total:      len(docs),
		Batches:    len(batches),
		BatchSizes: make([]int, 0, len(batches)),
	}

	now := time.Now().UTC()
	for i, batch := range batches {
		msg := BatchMessage{
			ImportID:     importID,
			Batch:        i + 1,
			TotalBatches: len(batches),
			Documents:    batch,
			EnqueuedAt:   now,
		}
		body, err := msg.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode batch %d: %w", msg.Batch, err)
		}
		if err := p.broker.Publish(ctx, msg.MessageID(), body); err != nil {
			return nil, fmt.Errorf("publish batch %d/%d of %s: %w", msg.Batch, msg.TotalBatches, importID, err)
		}
		receipt.BatchSizes = append(receipt.BatchSizes, len(batch))
	}

	applog.Info("[Import] batches published",
		"import_id", importID,
		"documents", len(docs),
		"batches", len(batches),
	)
	return receipt, nil
}

func (p *Producer) validate(docs []knowledge.Document) error {
	if len(docs) == 0 {
		return &ValidationError{Size: 0, Max: p.cfg.MaxDocs, Reason: "no documents"}
	}
	if len(docs) > p.cfg.MaxDocs {
		return &ValidationError{Size: len(docs), Max: p.cfg.MaxDocs, Reason: "too many documents"}
	}
	for i, d := range docs {
		if err := d.Validate(); err != nil {
			return &ValidationError{Size: len(docs), Max: p.cfg.MaxDocs, Reason: fmt.Sprintf("document %d: %v", i, err)}
		}
	}
	return nil
}

// Split 按 size 切分，最后一批可能不足 size
func Split(docs []knowledge.Document, size int) [][]knowledge.Document {
	if size <= 0 {
		size = DefaultBatchSize
	}
	out := make([][]knowledge.Document, 0, (len(docs)+size-1)/size)
	for start := 0; start < len(docs); start += size {
		end := min(start+size, len(docs))
		out = append(out, docs[start:end])
	}
	return out
}
