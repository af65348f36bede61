package knowledge

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	applog "knowledgehub/internal/platform/log"
)

// MinResults 每一层检索凑够该数量即停止向下回退
const MinResults = 3

// SearchReport 单次检索各层的贡献
type SearchReport struct {
	Query      string   `json:"query"`
	Keywords   []string `json:"keywords"`
	FromIndex  int      `json:"from_index"`
	FromHot    int      `json:"from_hot"`
	FromVector int      `json:"from_vector"`
	FromDB     int      `json:"from_db"`
	Degraded   bool     `json:"degraded"` // 向量检索失败，结果来自其他层
	Cached     int      `json:"cached"`
	Skipped    int      `json:"skipped"`
	ElapsedMs  int64    `json:"elapsed_ms"`
}

// Retriever 回退检索链：关键词索引 -> 向量检索 -> 数据库模糊查询，结果写回热点缓存
type Retriever struct {
	cfg       *Config
	extractor Extractor
	index     KeywordIndex
	cache     HotCache
	repo      Repository
	vectors   VectorStore // 可选
	embedder  Embedder    // 可选
}

// NewRetriever 创建检索器
func NewRetriever(cfg *Config, extractor Extractor, index KeywordIndex, cache HotCache, repo Repository) *Retriever {
	return &Retriever{
		cfg:       cfg,
		extractor: extractor,
		index:     index,
		cache:     cache,
		repo:      repo,
	}
}

// SetVectorSearch 启用向量检索层
func (r *Retriever) SetVectorSearch(store VectorStore, embedder Embedder) {
	r.vectors = store
	r.embedder = embedder
}

// HasVector 是否启用向量检索
func (r *Retriever) HasVector() bool {
	return r.vectors != nil && r.embedder != nil
}

// Search 执行检索
func (r *Retriever) Search(ctx context.Context, query string) ([]Document, error) {
	docs, _, err := r.SearchWithReport(ctx, query)
	return docs, err
}

// SearchWithReport 执行检索并返回各层统计。
// 缓存层与向量层的失败只记录日志；数据库层失败且此前没有任何结果时返回错误。
func (r *Retriever) SearchWithReport(ctx context.Context, query string) ([]Document, *SearchReport, error) {
	start := time.Now()
	q := CleanQuery(query, r.cfg.MaxQueryRunes)
	report := &SearchReport{Query: q}
	if q == "" {
		return nil, report, nil
	}

	keywords := r.extractor.Extract(q, r.cfg.MaxKeywords)
	report.Keywords = keywords
	results := newResultSet()

	// 1. 关键词索引
	if len(keywords) > 0 {
		before := results.Len()
		ids, err := r.index.Lookup(ctx, keywords)
		if err != nil {
			applog.Warn("[Retriever] keyword lookup failed", "error", err)
		}
		if len(ids) > 0 {
			docs, err := r.cache.GetMany(ctx, ids)
			if err != nil {
				applog.Warn("[Retriever] snapshot read failed", "error", err)
			}
			results.Add(docs...)
			report.FromIndex = results.Len() - before
		} else if err == nil {
			docs, herr := r.cache.HotMatching(ctx, keywords)
			if herr != nil {
				applog.Warn("[Retriever] hot fallback failed", "error", herr)
			}
			results.Add(docs...)
			report.FromHot = results.Len() - before
		}
	}

	// 2. 向量检索
	if results.Len() < MinResults && r.HasVector() {
		before := results.Len()
		docs, err := r.searchVector(ctx, q, results)
		if err != nil {
			report.Degraded = true
			applog.Warn("[Retriever] vector search failed, degrading", "error", err)
		}
		results.Add(docs...)
		report.FromVector = results.Len() - before
	}

	// 3. 数据库
	if results.Len() < MinResults {
		before := results.Len()
		pattern := strings.Join(keywords, " ")
		if pattern == "" {
			pattern = q
		}
		page, err := r.repo.SearchByKeyword(ctx, pattern, 0, r.cfg.DBPageSize)
		if err != nil {
			if results.Len() == 0 {
				return nil, report, err
			}
			applog.Warn("[Retriever] database search failed", "error", err)
		} else {
			results.Add(page.Items...)
		}
		report.FromDB = results.Len() - before
	}

	docs := results.Items()
	r.writeBack(ctx, docs, report)

	report.ElapsedMs = time.Since(start).Milliseconds()
	applog.Info("[Retriever] search",
		"query", q,
		"keywords", keywords,
		"index", report.FromIndex,
		"hot", report.FromHot,
		"vector", report.FromVector,
		"db", report.FromDB,
		"degraded", report.Degraded,
		"elapsed_ms", report.ElapsedMs,
	)
	return docs, report, nil
}

// SearchSimilar 仅向量检索
func (r *Retriever) SearchSimilar(ctx context.Context, query string, topK int) ([]Document, error) {
	if !r.HasVector() {
		return nil, ErrVectorDisabled
	}
	q := CleanQuery(query, r.cfg.MaxQueryRunes)
	if q == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = r.cfg.VectorTopK
	}
	return r.vectorDocs(ctx, q, topK, newResultSet())
}

func (r *Retriever) searchVector(ctx context.Context, q string, seen *resultSet) ([]Document, error) {
	return r.vectorDocs(ctx, q, r.cfg.VectorTopK, seen)
}

func (r *Retriever) vectorDocs(ctx context.Context, q string, topK int, seen *resultSet) ([]Document, error) {
	vectors, err := r.embedder.Embed(ctx, []string{q})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("embedder returned no vector")
	}
	matches, err := r.vectors.Search(ctx, vectors[0], topK)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		if m.Score < r.cfg.VectorMinScore || seen.Has(m.ID) {
			continue
		}
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	found := make(map[int64]Document, len(ids))
	cached, err := r.cache.GetMany(ctx, ids)
	if err != nil {
		applog.Warn("[Retriever] snapshot read failed", "error", err)
	}
	for _, d := range cached {
		found[d.ID] = d
	}
	var missing []int64
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		rows, err := r.repo.FindByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, d := range rows {
			found[d.ID] = d
		}
	}

	// 保持相似度顺序；向量索引中残留但已删除的文档被忽略
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := found[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *Retriever) writeBack(ctx context.Context, docs []Document, report *SearchReport) {
	for _, d := range docs {
		outcome, err := r.cache.RecordAccessOrSave(ctx, d)
		if err != nil {
			applog.Warn("[Retriever] cache write-back failed", "doc_id", d.ID, "error", err)
			report.Skipped++
			continue
		}
		if outcome == OutcomeSkipped {
			report.Skipped++
			continue
		}
		report.Cached++
	}
}

// CleanQuery 去除控制字符、折叠空白并按 rune 截断
func CleanQuery(q string, maxRunes int) string {
	var sb strings.Builder
	space := false
	n := 0
	for _, r := range strings.TrimSpace(q) {
		if maxRunes > 0 && n >= maxRunes {
			break
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if space && sb.Len() > 0 {
			sb.WriteByte(' ')
			n++
		}
		space = false
		sb.WriteRune(r)
		n++
	}
	return sb.String()
}

type resultSet struct {
	items []Document
	seen  map[int64]struct{}
}

func newResultSet() *resultSet {
	return &resultSet{seen: make(map[int64]struct{})}
}

func (s *resultSet) Add(docs ...Document) {
	for _, d := range docs {
		if _, ok := s.seen[d.ID]; ok {
			continue
		}
		s.seen[d.ID] = struct{}{}
		s.items = append(s.items, d)
	}
}

func (s *resultSet) Has(id int64) bool {
	_, ok := s.seen[id]
	return ok
}

func (s *resultSet) Len() int { return len(s.items) }

func (s *resultSet) Items() []Document { return s.items }
