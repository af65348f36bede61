package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect SQL 方言。生产使用 PostgreSQL，单机/测试可使用 SQLite。
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect 解析方言名称
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", s)
	}
}

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open 打开数据库并校验连通性
func Open(ctx context.Context, dialect Dialect, dsn string, pool PoolConfig) (*sql.DB, error) {
	driver := "postgres"
	if dialect == DialectSQLite {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// 内存库每个连接是独立数据库
		db.SetMaxOpenConns(1)
	} else {
		if pool.MaxOpenConns > 0 {
			db.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.MaxIdleConns > 0 {
			db.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return db, nil
}

var postgresDDL = []string{
	`CREATE TABLE IF NOT EXISTS knowledge_base (
		id         BIGSERIAL PRIMARY KEY,
		title      VARCHAR(512) NOT NULL,
		content    TEXT NOT NULL,
		category   VARCHAR(128) NOT NULL DEFAULT '',
		source     VARCHAR(255) NOT NULL DEFAULT '',
		url        TEXT NOT NULL DEFAULT '',
		author     VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge_base(category)`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_updated ON knowledge_base(updated_at DESC)`,
	`CREATE TABLE IF NOT EXISTS import_dead_letters (
		id            BIGSERIAL PRIMARY KEY,
		import_id     VARCHAR(64) NOT NULL,
		batch         INTEGER NOT NULL DEFAULT 0,
		total_batches INTEGER NOT NULL DEFAULT 0,
		attempt       INTEGER NOT NULL DEFAULT 0,
		reason        TEXT NOT NULL DEFAULT '',
		payload       TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_import ON import_dead_letters(import_id)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id         BIGSERIAL PRIMARY KEY,
		session_id VARCHAR(128) NOT NULL,
		user_id    VARCHAR(128) NOT NULL DEFAULT '',
		role       VARCHAR(32) NOT NULL,
		content    TEXT NOT NULL,
		sequence   VARCHAR(128) NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, id)`,
}

var sqliteDDL = []string{
	`CREATE TABLE IF NOT EXISTS knowledge_base (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		title      TEXT NOT NULL,
		content    TEXT NOT NULL,
		category   TEXT NOT NULL DEFAULT '',
		source     TEXT NOT NULL DEFAULT '',
		url        TEXT NOT NULL DEFAULT '',
		author     TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_category ON knowledge_base(category)`,
	`CREATE TABLE IF NOT EXISTS import_dead_letters (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		import_id     TEXT NOT NULL,
		batch         INTEGER NOT NULL DEFAULT 0,
		total_batches INTEGER NOT NULL DEFAULT 0,
		attempt       INTEGER NOT NULL DEFAULT 0,
		reason        TEXT NOT NULL DEFAULT '',
		payload       TEXT NOT NULL DEFAULT '',
		created_at    DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_id    TEXT NOT NULL DEFAULT '',
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		sequence   TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, id)`,
}

// EnsureTables 创建知识库、死信与会话消息表
func (r *Repository) EnsureTables(ctx context.Context) error {
	ddl := postgresDDL
	if r.dialect == DialectSQLite {
		ddl = sqliteDDL
	}
	for _, stmt := range ddl {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tables: %w", err)
		}
	}
	return nil
}
