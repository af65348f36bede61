package knowledge

import "time"

// VectorBackend 向量检索后端
type VectorBackend string

const (
	VectorBackendNone       VectorBackend = ""
	VectorBackendOpenSearch VectorBackend = "opensearch"
	VectorBackendQdrant     VectorBackend = "qdrant"
)

// Config 知识检索模块配置
type Config struct {
	// 热点缓存
	HotSetMax      int     `json:"hot_set_max"`      // 热点集合容量
	SnapshotTTLSec int     `json:"snapshot_ttl_sec"` // 快照/索引 TTL（秒）
	SweepThreshold float64 `json:"sweep_threshold"`  // 低于该分数的条目在清扫时移除
	SweepSchedule  string  `json:"sweep_schedule"`   // cron 表达式
	SweepUseLock   bool    `json:"sweep_use_lock"`   // 多实例部署时只允许一个实例执行清扫

	// 锁
	SaveLeaseMs  int `json:"save_lease_ms"`  // 缓存写回锁租期
	WriteLeaseMs int `json:"write_lease_ms"` // 增删改锁租期

	// 检索
	MaxKeywords     int     `json:"max_keywords"`      // 查询关键词数
	DocKeywords     int     `json:"doc_keywords"`      // 每篇文档索引关键词数
	VectorTopK      int     `json:"vector_top_k"`      // 向量检索 topK
	VectorMinScore  float64 `json:"vector_min_score"`  // 相似度阈值
	DBPageSize      int     `json:"db_page_size"`      // 数据库兜底检索条数
	MaxQueryRunes   int     `json:"max_query_runes"`   // 查询最大长度
	ExtractorCache  int     `json:"extractor_cache"`   // 关键词提取缓存容量
	ExtractorTTLSec int     `json:"extractor_ttl_sec"` // 关键词提取缓存 TTL（秒）

	// 向量后端
	VectorBackend      VectorBackend `json:"vector_backend"`
	OpenSearchURL      string        `json:"opensearch_url"`
	OpenSearchUsername string        `json:"opensearch_username"`
	OpenSearchPassword string        `json:"opensearch_password"`
	OpenSearchIndex    string        `json:"opensearch_index"`
	OpenSearchInsecure bool          `json:"opensearch_insecure"` // 跳过 TLS 校验（自签证书）
	QdrantAddr         string        `json:"qdrant_addr"`
	QdrantCollection   string        `json:"qdrant_collection"`

	// Embedding
	EmbeddingBaseURL string  `json:"embedding_base_url"`
	EmbeddingAPIKey  string  `json:"embedding_api_key"`
	EmbeddingModel   string  `json:"embedding_model"`
	EmbeddingDims    int     `json:"embedding_dims"`
	EmbeddingRPS     float64 `json:"embedding_rps"` // 每秒请求上限，0=不限

	// 上传
	MaxFileSizeMB int `json:"max_file_size_mb"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		HotSetMax:        50,
		SnapshotTTLSec:   7 * 24 * 3600,
		SweepThreshold:   5.0,
		SweepSchedule:    "0 0 * * *",
		SweepUseLock:     true,
		SaveLeaseMs:      5000,
		WriteLeaseMs:     10000,
		MaxKeywords:      3,
		DocKeywords:      5,
		VectorTopK:       3,
		VectorMinScore:   0.5,
		DBPageSize:       10,
		MaxQueryRunes:    500,
		ExtractorCache:   1000,
		ExtractorTTLSec:  3600,
		OpenSearchURL:    "https://localhost:9200",
		OpenSearchIndex:  "knowledge_vectors",
		QdrantAddr:       "localhost:6334",
		QdrantCollection: "knowledge",
		EmbeddingModel:   "text-embedding-3-small",
		EmbeddingDims:    1536,
		MaxFileSizeMB:    20,
	}
}

// SnapshotTTL 快照 TTL
func (c *Config) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSec) * time.Second
}

// SaveLease 缓存写回锁租期
func (c *Config) SaveLease() time.Duration {
	return time.Duration(c.SaveLeaseMs) * time.Millisecond
}

// WriteLease 增删改锁租期
func (c *Config) WriteLease() time.Duration {
	return time.Duration(c.WriteLeaseMs) * time.Millisecond
}

// ExtractorTTL 关键词提取缓存 TTL
func (c *Config) ExtractorTTL() time.Duration {
	return time.Duration(c.ExtractorTTLSec) * time.Second
}

// HasVector 是否启用向量检索
func (c *Config) HasVector() bool {
	return c.VectorBackend != VectorBackendNone
}

// Normalize 将非法值回退为默认值
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.HotSetMax <= 0 {
		c.HotSetMax = d.HotSetMax
	}
	if c.SnapshotTTLSec <= 0 {
		c.SnapshotTTLSec = d.SnapshotTTLSec
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = d.SweepSchedule
	}
	if c.SaveLeaseMs <= 0 {
		c.SaveLeaseMs = d.SaveLeaseMs
	}
	if c.WriteLeaseMs <= 0 {
		c.WriteLeaseMs = d.WriteLeaseMs
	}
	if c.MaxKeywords <= 0 {
		c.MaxKeywords = d.MaxKeywords
	}
	if c.DocKeywords <= 0 {
		c.DocKeywords = d.DocKeywords
	}
	if c.VectorTopK <= 0 {
		c.VectorTopK = d.VectorTopK
	}
	if c.DBPageSize <= 0 {
		c.DBPageSize = d.DBPageSize
	}
	if c.MaxQueryRunes <= 0 {
		c.MaxQueryRunes = d.MaxQueryRunes
	}
	if c.ExtractorCache <= 0 {
		c.ExtractorCache = d.ExtractorCache
	}
	if c.ExtractorTTLSec <= 0 {
		c.ExtractorTTLSec = d.ExtractorTTLSec
	}
	if c.EmbeddingDims <= 0 {
		c.EmbeddingDims = d.EmbeddingDims
	}
	if c.MaxFileSizeMB <= 0 {
		c.MaxFileSizeMB = d.MaxFileSizeMB
	}
}
