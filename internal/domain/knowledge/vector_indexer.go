package knowledge

import (
	"context"
	"fmt"
	"time"

	"knowledgehub/internal/domain/lock"
	applog "knowledgehub/internal/platform/log"
)

// VectorIndexer 向量索引写操作。每个文档的 upsert/delete 分别持有
// vector:index:<id> / vector:delete:<id> 锁，锁被占用时跳过该文档。
type VectorIndexer struct {
	store    VectorStore
	embedder Embedder
	locker   lock.Locker
	lease    time.Duration
}

// NewVectorIndexer 创建向量索引器
func NewVectorIndexer(store VectorStore, embedder Embedder, locker lock.Locker, lease time.Duration) *VectorIndexer {
	return &VectorIndexer{
		store:    store,
		embedder: embedder,
		locker:   locker,
		lease:    lock.NormalizeLease(lease),
	}
}

// Store 底层向量存储
func (v *VectorIndexer) Store() VectorStore { return v.store }

// Embedder 向量生成器
func (v *VectorIndexer) Embedder() Embedder { return v.embedder }

// Index 生成并写入单个文档的向量
func (v *VectorIndexer) Index(ctx context.Context, doc Document) error {
	_, err := v.IndexBatch(ctx, []Document{doc})
	return err
}

// IndexBatch 一次 embedding 请求生成整批向量后逐个写入，返回已写入的 ID
func (v *VectorIndexer) IndexBatch(ctx context.Context, docs []Document) ([]int64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text()
	}
	vectors, err := v.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return nil, fmt.Errorf("embed documents: got %d vectors for %d documents", len(vectors), len(docs))
	}

	written := make([]int64, 0, len(docs))
	for i, d := range docs {
		vec := vectors[i]
		ran, err := lock.Guard(ctx, v.locker, lock.VectorIndexResourcePrefix+d.Key(), v.lease, func(ctx context.Context) error {
			return v.store.Upsert(ctx, d.ID, vec)
		})
		if err != nil {
			return written, fmt.Errorf("upsert vector %d: %w", d.ID, err)
		}
		if !ran {
			applog.Debug("[VectorIndexer] index skipped, document busy", "doc_id", d.ID)
			continue
		}
		written = append(written, d.ID)
	}
	return written, nil
}

// Delete 删除文档向量
func (v *VectorIndexer) Delete(ctx context.Context, id int64) error {
	ran, err := lock.Guard(ctx, v.locker, lock.VectorDeleteResourcePrefix+FormatID(id), v.lease, func(ctx context.Context) error {
		return v.store.Delete(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete vector %d: %w", id, err)
	}
	if !ran {
		applog.Debug("[VectorIndexer] delete skipped, document busy", "doc_id", id)
	}
	return nil
}

// Reindex 删除旧向量后重新写入
func (v *VectorIndexer) Reindex(ctx context.Context, doc Document) error {
	if err := v.Delete(ctx, doc.ID); err != nil {
		return err
	}
	return v.Index(ctx, doc)
}

// Cleanup 尽力删除一组向量（批量导入回滚时使用）
func (v *VectorIndexer) Cleanup(ctx context.Context, ids []int64) {
	for _, id := range ids {
		if err := v.Delete(ctx, id); err != nil {
			applog.Warn("[VectorIndexer] cleanup failed", "doc_id", id, "error", err)
		}
	}
}
