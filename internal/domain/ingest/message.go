// Package ingest 批量导入流水线：生产端切分批次并投递，消费端在单个事务内
// 入库并写向量，无法处理的批次进入死信队列。
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"knowledgehub/internal/domain/knowledge"
)

// BatchMessage 一个批次的消息体
type BatchMessage struct {
	ImportID     string               `json:"import_id"`
	Batch        int                  `json:"batch"`
	TotalBatches int                  `json:"total_batches"`
	Documents    []knowledge.Document `json:"documents"`
	EnqueuedAt   time.Time            `json:"enqueued_at"`
}

// MessageID 批次消息 ID：<import_id>-<batch>
func (m BatchMessage) MessageID() string {
	return fmt.Sprintf("%s-%d", m.ImportID, m.Batch)
}

// Encode JSON 编码
func (m BatchMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeBatch 解码批次消息
func DecodeBatch(body []byte) (*BatchMessage, error) {
	var m BatchMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode batch message: %w", err)
	}
	if m.ImportID == "" {
		return nil, errors.New("decode batch message: import_id is missing")
	}
	return &m, nil
}

// DeadLetter 死信记录
type DeadLetter struct {
	ID           int64     `json:"id"`
	ImportID     string    `json:"import_id"`
	Batch        int       `json:"batch"`
	TotalBatches int       `json:"total_batches"`
	Attempt      int       `json:"attempt"`
	Reason       string    `json:"reason"`
	Payload      string    `json:"payload"`
	CreatedAt    time.Time `json:"created_at"`
}

// ErrInvalidBatch 导入请求校验失败
var ErrInvalidBatch = errors.New("invalid batch import request")

// ValidationError 导入请求校验失败详情
type ValidationError struct {
	Size   int
	Max    int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (size=%d, max=%d)", ErrInvalidBatch, e.Reason, e.Size, e.Max)
}

// Unwrap 支持 errors.Is(err, ErrInvalidBatch)
func (e *ValidationError) Unwrap() error { return ErrInvalidBatch }
