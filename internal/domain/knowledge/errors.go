package knowledge

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 文档不存在
	ErrNotFound = errors.New("knowledge document not found")

	// ErrInvalidDocument 文档字段校验失败
	ErrInvalidDocument = errors.New("invalid knowledge document")

	// ErrBusy 写操作未能获得文档锁（另一实例正在处理同一文档）
	ErrBusy = errors.New("knowledge document is locked by another operation")

	// ErrVectorDisabled 未配置向量检索
	ErrVectorDisabled = errors.New("vector search is not configured")
)

func invalidDocument(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidDocument, reason)
}

func notFound(id int64) error {
	return fmt.Errorf("%w: id=%d", ErrNotFound, id)
}
