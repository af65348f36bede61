package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"knowledgehub/internal/domain/knowledge"
	applog "knowledgehub/internal/platform/log"
)

const documentColumns = `id, title, content, category, source, url, author, created_at, updated_at`

// Repository 关系型存储：知识库、导入死信、会话消息
type Repository struct {
	db      *sql.DB
	dialect Dialect
}

// NewRepository 创建存储
func NewRepository(db *sql.DB, dialect Dialect) *Repository {
	if dialect == "" {
		dialect = DialectPostgres
	}
	return &Repository{db: db, dialect: dialect}
}

var _ knowledge.Repository = (*Repository)(nil)

// DB 底层连接
func (r *Repository) DB() *sql.DB { return r.db }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(s rowScanner) (knowledge.Document, error) {
	var d knowledge.Document
	err := s.Scan(&d.ID, &d.Title, &d.Content, &d.Category, &d.Source, &d.URL, &d.Author, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// execer 兼容 *sql.DB 与 *sql.Tx
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertDocument(ctx context.Context, q execer, doc *knowledge.Document) error {
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	return q.QueryRowContext(ctx,
		`INSERT INTO knowledge_base (title, content, category, source, url, author, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		doc.Title, doc.Content, doc.Category, doc.Source, doc.URL, doc.Author, doc.CreatedAt, doc.UpdatedAt,
	).Scan(&doc.ID)
}

// Insert 插入文档并回填 ID
func (r *Repository) Insert(ctx context.Context, doc *knowledge.Document) error {
	if err := insertDocument(ctx, r.db, doc); err != nil {
		return fmt.Errorf("insert knowledge: %w", err)
	}
	return nil
}

// SelectByID 不存在时返回 (nil, nil)
func (r *Repository) SelectByID(ctx context.Context, id int64) (*knowledge.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM knowledge_base WHERE id = $1`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select knowledge %d: %w", id, err)
	}
	return &d, nil
}

// Update 全量更新可编辑字段
func (r *Repository) Update(ctx context.Context, doc *knowledge.Document) (bool, error) {
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE knowledge_base
		 SET title = $1, content = $2, category = $3, source = $4, url = $5, author = $6, updated_at = $7
		 WHERE id = $8`,
		doc.Title, doc.Content, doc.Category, doc.Source, doc.URL, doc.Author, doc.UpdatedAt, doc.ID,
	)
	if err != nil {
		return false, fmt.Errorf("update knowledge %d: %w", doc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteByID 删除文档
func (r *Repository) DeleteByID(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM knowledge_base WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete knowledge %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SearchByKeyword 标题或正文包含任一空白分隔的词（不区分大小写），按更新时间倒序
func (r *Repository) SearchByKeyword(ctx context.Context, keyword string, page, size int) (*knowledge.Page, error) {
	terms := strings.Fields(keyword)
	if len(terms) == 0 {
		return &knowledge.Page{Page: page, Size: size}, nil
	}

	var conds []string
	var args []any
	for i, t := range terms {
		conds = append(conds, fmt.Sprintf(
			`LOWER(title) LIKE $%d ESCAPE '\' OR LOWER(content) LIKE $%d ESCAPE '\'`, i+1, i+1))
		args = append(args, "%"+escapeLike(strings.ToLower(t))+"%")
	}
	return r.page(ctx, "("+strings.Join(conds, " OR ")+")", args, page, size)
}

// List 分页列出全部文档
func (r *Repository) List(ctx context.Context, page, size int) (*knowledge.Page, error) {
	return r.page(ctx, "", nil, page, size)
}

// ListByCategory 按分类分页
func (r *Repository) ListByCategory(ctx context.Context, category string, page, size int) (*knowledge.Page, error) {
	return r.page(ctx, "category = $1", []any{category}, page, size)
}

func (r *Repository) page(ctx context.Context, where string, args []any, page, size int) (*knowledge.Page, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = 10
	}
	clause := ""
	if where != "" {
		clause = " WHERE " + where
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_base`+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count knowledge: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM knowledge_base%s ORDER BY updated_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		documentColumns, clause, n+1, n+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, size, page*size)...)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()

	items := make([]knowledge.Document, 0, size)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &knowledge.Page{Items: items, Page: page, Size: size, Total: total}, nil
}

// FindByIDs 批量查询，按 ID 升序；不存在的 ID 被忽略
func (r *Repository) FindByIDs(ctx context.Context, ids []int64) ([]knowledge.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM knowledge_base WHERE id IN (`+strings.Join(placeholders, ", ")+`) ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("find knowledge by ids: %w", err)
	}
	defer rows.Close()

	var out []knowledge.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertBatch 单事务批量插入；beforeCommit 失败时整体回滚
func (r *Repository) InsertBatch(ctx context.Context, docs []knowledge.Document, beforeCommit func(ctx context.Context, inserted []knowledge.Document) error) ([]knowledge.Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch insert: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				applog.Warn("[Storage] batch rollback failed", "error", rbErr)
			}
		}
	}()

	inserted := make([]knowledge.Document, len(docs))
	for i := range docs {
		d := docs[i]
		d.ID = 0
		if err := insertDocument(ctx, tx, &d); err != nil {
			return nil, fmt.Errorf("batch insert %q: %w", d.Title, err)
		}
		inserted[i] = d
	}

	if beforeCommit != nil {
		if err := beforeCommit(ctx, inserted); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch insert: %w", err)
	}
	committed = true
	return inserted, nil
}

// Count 文档总数
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knowledge_base`).Scan(&n)
	return n, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
