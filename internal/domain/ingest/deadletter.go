package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	applog "knowledgehub/internal/platform/log"
)

// maxPayloadBytes 死信记录中保留的消息体上限
const maxPayloadBytes = 64 << 10

// DeadLetterHandler 记录死信以便人工处理
type DeadLetterHandler struct {
	store DeadLetterStore
}

// NewDeadLetterHandler 创建死信处理器
func NewDeadLetterHandler(store DeadLetterStore) *DeadLetterHandler {
	return &DeadLetterHandler{store: store}
}

// Run 阻塞消费死信队列直到 ctx 结束
func (h *DeadLetterHandler) Run(ctx context.Context, broker Broker) error {
	return broker.ConsumeDeadLetters(ctx, h.Handle)
}

// Handle 记录一条死信
func (h *DeadLetterHandler) Handle(ctx context.Context, d DeadDelivery) error {
	dl := &DeadLetter{
		ImportID:  d.MessageID,
		Attempt:   d.Attempt,
		Reason:    d.Reason,
		Payload:   sanitizePayload(d.Body),
		CreatedAt: time.Now().UTC(),
	}
	if msg, err := DecodeBatch(d.Body); err == nil {
		dl.ImportID = msg.ImportID
		dl.Batch = msg.Batch
		dl.TotalBatches = msg.TotalBatches
	} else {
		dl.Reason = fmt.Sprintf("%s: %v", d.Reason, err)
	}

	applog.Error("[Import] dead letter",
		"import_id", dl.ImportID,
		"batch", dl.Batch,
		"attempt", dl.Attempt,
		"reason", dl.Reason,
		"queue", d.Queue,
	)

	if h.store == nil {
		return nil
	}
	if err := h.store.RecordDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("record dead letter %s/%d: %w", dl.ImportID, dl.Batch, err)
	}
	return nil
}

// sanitizePayload 转成可入 TEXT 列的合法 UTF-8，并在字符边界截断到 maxPayloadBytes
func sanitizePayload(body []byte) string {
	p := strings.ToValidUTF8(string(body), string(utf8.RuneError))
	p = strings.ReplaceAll(p, "\x00", "")
	if len(p) <= maxPayloadBytes {
		return p
	}
	cut := maxPayloadBytes
	for cut > 0 && !utf8.RuneStart(p[cut]) {
		cut--
	}
	return p[:cut]
}

// List 最近的死信
func (h *DeadLetterHandler) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	if h.store == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return h.store.ListDeadLetters(ctx, limit)
}
