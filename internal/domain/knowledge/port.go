package knowledge

import "context"

// Repository 持久层（权威数据源）
type Repository interface {
	Insert(ctx context.Context, doc *Document) error
	// SelectByID 不存在时返回 (nil, nil)
	SelectByID(ctx context.Context, id int64) (*Document, error)
	// Update 返回是否命中记录
	Update(ctx context.Context, doc *Document) (bool, error)
	// DeleteByID 返回是否命中记录
	DeleteByID(ctx context.Context, id int64) (bool, error)
	SearchByKeyword(ctx context.Context, keyword string, page, size int) (*Page, error)
	FindByIDs(ctx context.Context, ids []int64) ([]Document, error)
	List(ctx context.Context, page, size int) (*Page, error)
	ListByCategory(ctx context.Context, category string, page, size int) (*Page, error)
	// InsertBatch 在一个事务内插入全部文档，提交前调用 beforeCommit；
	// beforeCommit 返回错误则整体回滚。
	InsertBatch(ctx context.Context, docs []Document, beforeCommit func(ctx context.Context, inserted []Document) error) ([]Document, error)
}

// VectorStore 向量相似度检索服务
type VectorStore interface {
	EnsureCollection(ctx context.Context, dims int) error
	Upsert(ctx context.Context, id int64, vector []float32) error
	Search(ctx context.Context, vector []float32, topK int) ([]VectorMatch, error)
	Delete(ctx context.Context, id int64) error
}

// Embedder 向量生成接口
type Embedder interface {
	// Embed 将文本列表转为向量（batch）
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dims 返回向量维度
	Dims() int
}

// Extractor 关键词提取
type Extractor interface {
	Extract(text string, max int) []string
	ExtractFromArticle(article string, max int) []string
}

// HotCache 热点排行 + 文档快照缓存。唯一允许修改这两个结构的组件。
type HotCache interface {
	RecordAccessOrSave(ctx context.Context, doc Document) (SaveOutcome, error)
	Touch(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*Document, error)
	GetMany(ctx context.Context, ids []int64) ([]Document, error)
	Contains(ctx context.Context, id int64) (bool, error)
	Delete(ctx context.Context, id int64) error
	Hot(ctx context.Context, limit int) ([]HotEntry, error)
	HotMatching(ctx context.Context, terms []string) ([]Document, error)
	SweepBelow(ctx context.Context, threshold float64) ([]int64, error)
	Size(ctx context.Context) (int64, error)
}

// KeywordIndex 关键词倒排索引
type KeywordIndex interface {
	Index(ctx context.Context, doc Document) ([]string, error)
	Unindex(ctx context.Context, id int64) error
	Lookup(ctx context.Context, keywords []string) ([]int64, error)
}

// BatchPublisher 批量导入生产端（由 ingest 包实现）
type BatchPublisher interface {
	Publish(ctx context.Context, docs []Document) (*ImportReceipt, error)
}

// ImportReceipt 批量导入回执
type ImportReceipt struct {
	ImportID   string `json:"import_id"`
	Total      int    `json:"total"`
	Batches    int    `json:"batches"`
	BatchSizes []int  `json:"batch_sizes"`
}
