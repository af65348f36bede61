package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"knowledgehub/internal/domain/lock"
	applog "knowledgehub/internal/platform/log"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// ErrImportDisabled 未配置批量导入
var ErrImportDisabled = errors.New("batch import is not configured")

// Service 知识库对外操作：检索、增删改查、批量导入、文件导入。
// 写操作持有 knowledge:add|update|delete 锁，锁被占用时返回 ErrBusy。
type Service struct {
	cfg       *Config
	repo      Repository
	cache     HotCache
	locker    lock.Locker
	retriever *Retriever
	vectors   *VectorIndexer // 可选
	publisher BatchPublisher // 可选
	parsers   *ParserRegistry
}

// NewService 创建服务
func NewService(cfg *Config, repo Repository, cache HotCache, locker lock.Locker, retriever *Retriever) *Service {
	return &Service{
		cfg:       cfg,
		repo:      repo,
		cache:     cache,
		locker:    locker,
		retriever: retriever,
		parsers:   NewParserRegistry(),
	}
}

// SetVectorIndexer 启用向量索引维护
func (s *Service) SetVectorIndexer(v *VectorIndexer) {
	s.vectors = v
}

// SetPublisher 启用批量导入
func (s *Service) SetPublisher(p BatchPublisher) {
	s.publisher = p
}

// Parsers 文件解析器注册表
func (s *Service) Parsers() *ParserRegistry {
	return s.parsers
}

// Search 回退链检索
func (s *Service) Search(ctx context.Context, query string) ([]Document, *SearchReport, error) {
	return s.retriever.SearchWithReport(ctx, query)
}

// SearchSimilar 向量相似度检索
func (s *Service) SearchSimilar(ctx context.Context, query string, topK int) ([]Document, error) {
	return s.retriever.SearchSimilar(ctx, query, topK)
}

// AddDocument 新增文档：入库、写向量、写回缓存
func (s *Service) AddDocument(ctx context.Context, doc Document) (*Document, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	doc.ID = 0
	doc.Title = strings.TrimSpace(doc.Title)

	var created Document
	ran, err := lock.Guard(ctx, s.locker, lock.AddResourcePrefix+strings.ToLower(doc.Title), s.cfg.WriteLease(), func(ctx context.Context) error {
		now := time.Now().UTC()
		doc.CreatedAt, doc.UpdatedAt = now, now
		if err := s.repo.Insert(ctx, &doc); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		created = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ran {
		return nil, fmt.Errorf("%w: add %q", ErrBusy, doc.Title)
	}

	s.indexVector(ctx, created)
	s.writeThrough(ctx, created)

	applog.Info("[Knowledge] document added", "doc_id", created.ID, "title", created.Title)
	return &created, nil
}

// UpdateDocument 全量更新标题/正文/元数据；仅在文档已缓存时刷新缓存
func (s *Service) UpdateDocument(ctx context.Context, id int64, patch Document) (*Document, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var updated Document
	ran, err := lock.Guard(ctx, s.locker, lock.UpdateResourcePrefix+FormatID(id), s.cfg.WriteLease(), func(ctx context.Context) error {
		existing, err := s.repo.SelectByID(ctx, id)
		if err != nil {
			return fmt.Errorf("load document %d: %w", id, err)
		}
		if existing == nil {
			return notFound(id)
		}

		next := *existing
		next.Title = strings.TrimSpace(patch.Title)
		next.Content = patch.Content
		next.Category = patch.Category
		next.Source = patch.Source
		next.URL = patch.URL
		next.Author = patch.Author
		next.UpdatedAt = time.Now().UTC()

		ok, err := s.repo.Update(ctx, &next)
		if err != nil {
			return fmt.Errorf("update document %d: %w", id, err)
		}
		if !ok {
			return notFound(id)
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ran {
		return nil, fmt.Errorf("%w: update %d", ErrBusy, id)
	}

	if s.vectors != nil {
		if err := s.vectors.Reindex(ctx, updated); err != nil {
			applog.Warn("[Knowledge] vector reindex failed", "doc_id", id, "error", err)
		}
	}
	if cached, err := s.cache.Contains(ctx, id); err != nil {
		applog.Warn("[Knowledge] cache check failed", "doc_id", id, "error", err)
	} else if cached {
		s.writeThrough(ctx, updated)
	}

	applog.Info("[Knowledge] document updated", "doc_id", id)
	return &updated, nil
}

// DeleteDocument 删除文档并级联清理向量、缓存与关键词索引
func (s *Service) DeleteDocument(ctx context.Context, id int64) error {
	ran, err := lock.Guard(ctx, s.locker, lock.DeleteResourcePrefix+FormatID(id), s.cfg.WriteLease(), func(ctx context.Context) error {
		ok, err := s.repo.DeleteByID(ctx, id)
		if err != nil {
			return fmt.Errorf("delete document %d: %w", id, err)
		}
		if !ok {
			return notFound(id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !ran {
		return fmt.Errorf("%w: delete %d", ErrBusy, id)
	}

	if s.vectors != nil {
		if err := s.vectors.Delete(ctx, id); err != nil {
			applog.Warn("[Knowledge] vector delete failed", "doc_id", id, "error", err)
		}
	}
	if err := s.cache.Delete(ctx, id); err != nil {
		applog.Warn("[Knowledge] cache delete failed", "doc_id", id, "error", err)
	}

	applog.Info("[Knowledge] document deleted", "doc_id", id)
	return nil
}

// GetDocument 优先读缓存；未命中时读库并写回
func (s *Service) GetDocument(ctx context.Context, id int64) (*Document, error) {
	if doc, err := s.cache.Get(ctx, id); err != nil {
		applog.Warn("[Knowledge] cache read failed", "doc_id", id, "error", err)
	} else if doc != nil {
		if err := s.cache.Touch(ctx, id); err != nil {
			applog.Debug("[Knowledge] touch failed", "doc_id", id, "error", err)
		}
		return doc, nil
	}

	doc, err := s.repo.SelectByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load document %d: %w", id, err)
	}
	if doc == nil {
		return nil, notFound(id)
	}
	s.writeThrough(ctx, *doc)
	return doc, nil
}

// ListDocuments 分页列出；page 从 0 开始
func (s *Service) ListDocuments(ctx context.Context, page, size int) (*Page, error) {
	page, size = normalizePage(page, size)
	return s.repo.List(ctx, page, size)
}

// ListByCategory 按分类分页列出
func (s *Service) ListByCategory(ctx context.Context, category string, page, size int) (*Page, error) {
	page, size = normalizePage(page, size)
	return s.repo.ListByCategory(ctx, strings.TrimSpace(category), page, size)
}

// SearchByKeyword 数据库模糊查询
func (s *Service) SearchByKeyword(ctx context.Context, keyword string, page, size int) (*Page, error) {
	keyword = CleanQuery(keyword, s.cfg.MaxQueryRunes)
	if keyword == "" {
		return nil, invalidDocument("keyword is required")
	}
	page, size = normalizePage(page, size)
	return s.repo.SearchByKeyword(ctx, keyword, page, size)
}

// Hot 热点排行
func (s *Service) Hot(ctx context.Context, limit int) ([]HotEntry, error) {
	if limit <= 0 || limit > s.cfg.HotSetMax {
		limit = s.cfg.HotSetMax
	}
	return s.cache.Hot(ctx, limit)
}

// BatchImport 批量导入（异步）
func (s *Service) BatchImport(ctx context.Context, docs []Document) (*ImportReceipt, error) {
	if s.publisher == nil {
		return nil, ErrImportDisabled
	}
	return s.publisher.Publish(ctx, docs)
}

// ImportFile 解析上传文件并作为单个文档新增
func (s *Service) ImportFile(ctx context.Context, filename string, src io.Reader, category string) (*Document, error) {
	doc, err := s.parsers.Parse(filename, src)
	if err != nil {
		return nil, err
	}
	doc.Category = strings.TrimSpace(category)
	return s.AddDocument(ctx, *doc)
}

func (s *Service) indexVector(ctx context.Context, doc Document) {
	if s.vectors == nil {
		return
	}
	if err := s.vectors.Index(ctx, doc); err != nil {
		applog.Warn("[Knowledge] vector index failed", "doc_id", doc.ID, "error", err)
	}
}

func (s *Service) writeThrough(ctx context.Context, doc Document) {
	outcome, err := s.cache.RecordAccessOrSave(ctx, doc)
	if err != nil {
		applog.Warn("[Knowledge] cache write-through failed", "doc_id", doc.ID, "error", err)
		return
	}
	applog.Debug("[Knowledge] cache write-through", "doc_id", doc.ID, "outcome", outcome.String())
}

func normalizePage(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}
