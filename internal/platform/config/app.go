package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"knowledgehub/internal/domain/knowledge"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string           `json:"log_level"`
	LogFormat string           `json:"log_format"`
	Service   string           `json:"service"`
	Instance  string           `json:"instance"`
	Server    ServerConfig     `json:"server"`
	Database  DatabaseConfig   `json:"database"`
	Redis     RedisConfig      `json:"redis"`
	Broker    BrokerConfig     `json:"broker"`
	Chat      ChatConfig       `json:"chat"`
	Knowledge knowledge.Config `json:"knowledge"`
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	Driver                 string `json:"driver"` // postgres | sqlite
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// BrokerConfig 导入消息代理。URL 为空时使用进程内代理（单机模式）。
type BrokerConfig struct {
	URL           string `json:"url"`
	Exchange      string `json:"exchange"`
	Queue         string `json:"queue"`
	RoutingKey    string `json:"routing_key"`
	DLXExchange   string `json:"dlx_exchange"`
	DLXQueue      string `json:"dlx_queue"`
	DLXRoutingKey string `json:"dlx_routing_key"`
	MessageTTLSec int    `json:"message_ttl_sec"`
	MaxLength     int    `json:"max_length"`
	BatchSize     int    `json:"batch_size"`
	MaxDocs       int    `json:"max_docs"`
	Prefetch      int    `json:"prefetch"`
	MaxAttempts   int    `json:"max_attempts"`
}

// MessageTTL 主队列消息 TTL
func (b BrokerConfig) MessageTTL() time.Duration {
	return time.Duration(b.MessageTTLSec) * time.Second
}

type ChatConfig struct {
	HistoryLimit int `json:"history_limit"`
}

// ConnMaxLifetime 连接最大存活时间
func (d DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetimeSeconds) * time.Second
}

// Addr 监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Default 返回默认配置。
func Default() *AppConfig {
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Service:   "knowledgehub",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 120,
		},
		Database: DatabaseConfig{
			Driver:                 "postgres",
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		Broker: BrokerConfig{
			Exchange:      "knowledge.import.exchange",
			Queue:         "knowledge.import.queue",
			RoutingKey:    "knowledge.import.routing.key",
			DLXExchange:   "dlx.exchange",
			DLXQueue:      "dlx.queue",
			DLXRoutingKey: "dlx.routing.key",
			MessageTTLSec: 24 * 3600,
			MaxLength:     10000,
			BatchSize:     10,
			MaxDocs:       1000,
			Prefetch:      4,
			MaxAttempts:   3,
		},
		Chat: ChatConfig{
			HistoryLimit: 10,
		},
		Knowledge: *knowledge.DefaultConfig(),
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		// .env 非必需，忽略错误
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)
	applyString("SERVICE_NAME", &c.Service)
	applyString("INSTANCE_ID", &c.Instance)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)

	applyString("DATABASE_DRIVER", &c.Database.Driver)
	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("AMQP_URL", &c.Broker.URL)
	applyString("IMPORT_EXCHANGE", &c.Broker.Exchange)
	applyString("IMPORT_QUEUE", &c.Broker.Queue)
	applyString("IMPORT_ROUTING_KEY", &c.Broker.RoutingKey)
	applyString("IMPORT_DLX_EXCHANGE", &c.Broker.DLXExchange)
	applyString("IMPORT_DLX_QUEUE", &c.Broker.DLXQueue)
	applyString("IMPORT_DLX_ROUTING_KEY", &c.Broker.DLXRoutingKey)
	applyInt("IMPORT_MESSAGE_TTL", &c.Broker.MessageTTLSec)
	applyInt("IMPORT_MAX_LENGTH", &c.Broker.MaxLength)
	applyInt("IMPORT_BATCH_SIZE", &c.Broker.BatchSize)
	applyInt("IMPORT_MAX_DOCS", &c.Broker.MaxDocs)
	applyInt("IMPORT_PREFETCH", &c.Broker.Prefetch)
	applyInt("IMPORT_MAX_ATTEMPTS", &c.Broker.MaxAttempts)

	applyInt("CHAT_HISTORY_LIMIT", &c.Chat.HistoryLimit)

	k := &c.Knowledge
	applyInt("HOT_SET_MAX", &k.HotSetMax)
	applyInt("SNAPSHOT_TTL", &k.SnapshotTTLSec)
	applyFloat64("SWEEP_THRESHOLD", &k.SweepThreshold)
	applyString("SWEEP_SCHEDULE", &k.SweepSchedule)
	applyBool("SWEEP_USE_LOCK", &k.SweepUseLock)
	applyInt("SAVE_LEASE_MS", &k.SaveLeaseMs)
	applyInt("WRITE_LEASE_MS", &k.WriteLeaseMs)
	applyInt("QUERY_KEYWORDS", &k.MaxKeywords)
	applyInt("DOC_KEYWORDS", &k.DocKeywords)
	applyInt("VECTOR_TOP_K", &k.VectorTopK)
	applyFloat64("VECTOR_MIN_SCORE", &k.VectorMinScore)
	applyInt("DB_PAGE_SIZE", &k.DBPageSize)
	applyInt("MAX_QUERY_RUNES", &k.MaxQueryRunes)
	applyInt("KEYWORD_CACHE_SIZE", &k.ExtractorCache)
	applyInt("KEYWORD_CACHE_TTL", &k.ExtractorTTLSec)
	if v := os.Getenv("VECTOR_BACKEND"); v != "" {
		k.VectorBackend = knowledge.VectorBackend(strings.ToLower(strings.TrimSpace(v)))
	}
	applyString("OPENSEARCH_URL", &k.OpenSearchURL)
	applyString("OPENSEARCH_USERNAME", &k.OpenSearchUsername)
	applyString("OPENSEARCH_PASSWORD", &k.OpenSearchPassword)
	applyString("OPENSEARCH_INDEX", &k.OpenSearchIndex)
	applyBool("OPENSEARCH_INSECURE", &k.OpenSearchInsecure)
	applyString("QDRANT_ADDR", &k.QdrantAddr)
	applyString("QDRANT_COLLECTION", &k.QdrantCollection)
	applyString("EMBEDDING_BASE_URL", &k.EmbeddingBaseURL)
	applyString("EMBEDDING_API_KEY", &k.EmbeddingAPIKey)
	applyString("EMBEDDING_MODEL", &k.EmbeddingModel)
	applyInt("EMBEDDING_DIMS", &k.EmbeddingDims)
	applyFloat64("EMBEDDING_RPS", &k.EmbeddingRPS)
	applyInt("MAX_FILE_SIZE_MB", &k.MaxFileSizeMB)
}

func (c *AppConfig) normalize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Knowledge.VectorBackend == "none" {
		c.Knowledge.VectorBackend = knowledge.VectorBackendNone
	}
	if c.Knowledge.EmbeddingBaseURL == "" {
		c.Knowledge.EmbeddingBaseURL = "https://api.openai.com/v1"
	}
	if c.Broker.BatchSize <= 0 {
		c.Broker.BatchSize = 10
	}
	if c.Broker.MaxDocs <= 0 {
		c.Broker.MaxDocs = 1000
	}
	if c.Broker.MaxAttempts <= 0 {
		c.Broker.MaxAttempts = 3
	}
	if c.Chat.HistoryLimit <= 0 {
		c.Chat.HistoryLimit = 10
	}
	c.Knowledge.Normalize()
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	switch c.Database.Driver {
	case "postgres", "postgresql", "pg", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Database.Driver)
	}
	switch c.Knowledge.VectorBackend {
	case knowledge.VectorBackendNone, knowledge.VectorBackendOpenSearch, knowledge.VectorBackendQdrant:
	default:
		return fmt.Errorf("unsupported VECTOR_BACKEND %q", c.Knowledge.VectorBackend)
	}
	if c.Knowledge.SweepThreshold < 0 {
		return fmt.Errorf("SWEEP_THRESHOLD must be >= 0")
	}
	if c.Knowledge.HasVector() && strings.TrimSpace(c.Knowledge.EmbeddingAPIKey) == "" {
		return fmt.Errorf("EMBEDDING_API_KEY is required when VECTOR_BACKEND is set")
	}
	return nil
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}
