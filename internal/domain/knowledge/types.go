package knowledge

import (
	"strconv"
	"strings"
	"time"
)

// Document 知识条目。权威记录由持久层持有，缓存与索引只保存副本/派生数据。
type Document struct {
	ID        int64     `json:"id" msgpack:"id"`
	Title     string    `json:"title" msgpack:"title"`
	Content   string    `json:"content" msgpack:"content"`
	Category  string    `json:"category" msgpack:"category"`
	Source    string    `json:"source,omitempty" msgpack:"source"`
	URL       string    `json:"url,omitempty" msgpack:"url"`
	Author    string    `json:"author,omitempty" msgpack:"author"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
}

// Key 文档 ID 的字符串形式（缓存/索引 key）
func (d Document) Key() string {
	return FormatID(d.ID)
}

// Text 标题 + 正文。标题单独成段，供按段落加权的关键词提取使用。
func (d Document) Text() string {
	if d.Title == "" {
		return d.Content
	}
	return d.Title + "\n\n" + d.Content
}

// ContentEqual 标题与正文是否一致（决定是否需要重建关键词索引）
func (d Document) ContentEqual(o Document) bool {
	return d.ID == o.ID && d.Title == o.Title && d.Content == o.Content
}

// MetadataEqual 非检索字段是否一致
func (d Document) MetadataEqual(o Document) bool {
	return d.Category == o.Category &&
		d.Source == o.Source &&
		d.URL == o.URL &&
		d.Author == o.Author
}

// Validate 校验写入字段
func (d Document) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return invalidDocument("title is required")
	}
	if strings.TrimSpace(d.Content) == "" {
		return invalidDocument("content is required")
	}
	return nil
}

// Page 分页结果
type Page struct {
	Items []Document `json:"items"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
	Total int64      `json:"total"`
}

// VectorMatch 向量检索命中
type VectorMatch struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

// HotEntry 热点集合条目
type HotEntry struct {
	ID    int64   `json:"id"`
	Score float64 `json:"score"`
}

// SaveOutcome RecordAccessOrSave 的处理结果
type SaveOutcome int

const (
	// OutcomeSkipped 文档锁被占用，本次跳过
	OutcomeSkipped SaveOutcome = iota
	// OutcomeRefreshed 内容未变化，仅刷新 TTL
	OutcomeRefreshed
	// OutcomeSaved 仅元数据变化，覆盖快照但不重建索引
	OutcomeSaved
	// OutcomeReindexed 新文档或内容变化，覆盖快照并重建关键词索引
	OutcomeReindexed
)

func (o SaveOutcome) String() string {
	switch o {
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeSaved:
		return "saved"
	case OutcomeReindexed:
		return "reindexed"
	default:
		return "skipped"
	}
}

// FormatID int64 -> string
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseID string -> int64
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, invalidDocument("invalid id " + strconv.Quote(s))
	}
	return id, nil
}
