package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"knowledgehub/internal/app/maintenance"
	"knowledgehub/internal/db/postgres"
	redisdb "knowledgehub/internal/db/redis"
	"knowledgehub/internal/domain/chat"
	"knowledgehub/internal/domain/ingest"
	"knowledgehub/internal/domain/knowledge"
	"knowledgehub/internal/domain/lock"
	"knowledgehub/internal/platform/config"
	applog "knowledgehub/internal/platform/log"
)

// App 组装完成的运行时依赖
type App struct {
	Config *config.AppConfig

	DB        *sql.DB
	Redis     *goredis.Client
	Repo      *postgres.Repository
	Locker    *redisdb.Locker
	Extractor *knowledge.KeywordExtractor
	Cache     *redisdb.HotCache
	Retriever *knowledge.Retriever
	Knowledge *knowledge.Service
	Vectors   *knowledge.VectorIndexer // 未配置向量后端时为 nil

	Broker      ingest.Broker
	Producer    *ingest.Producer
	Consumer    *ingest.Consumer
	DeadLetters *ingest.DeadLetterHandler

	Chat    *chat.Service
	Sweeper *maintenance.Sweeper

	closers []func() error
}

// Build 按配置连接外部依赖并完成装配。失败时已打开的资源会被关闭。
func Build(ctx context.Context, cfg *config.AppConfig) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openDatabase(ctx); err != nil {
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		return nil, err
	}

	kcfg := &cfg.Knowledge
	a.Locker = redisdb.NewLocker(a.Redis)
	a.Extractor = knowledge.NewKeywordExtractor(knowledge.KeywordExtractorOptions{
		CacheSize: kcfg.ExtractorCache,
		CacheTTL:  kcfg.ExtractorTTL(),
	})
	index := redisdb.NewKeywordIndex(a.Redis, a.Extractor, kcfg.SnapshotTTL(), kcfg.DocKeywords)
	a.Cache = redisdb.NewHotCache(a.Redis, a.Locker, index, redisdb.HotCacheConfig{
		MaxSize:     kcfg.HotSetMax,
		SnapshotTTL: kcfg.SnapshotTTL(),
		SaveLease:   kcfg.SaveLease(),
	})
	a.Retriever = knowledge.NewRetriever(kcfg, a.Extractor, index, a.Cache, a.Repo)
	a.Knowledge = knowledge.NewService(kcfg, a.Repo, a.Cache, a.Locker, a.Retriever)

	store, embedder, err := a.openVectorStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		a.Vectors = knowledge.NewVectorIndexer(store, embedder, a.Locker, kcfg.WriteLease())
		a.Retriever.SetVectorSearch(store, embedder)
		a.Knowledge.SetVectorIndexer(a.Vectors)
	}

	if err := a.openBroker(); err != nil {
		return nil, err
	}
	a.Producer = ingest.NewProducer(a.Broker, ingest.ProducerConfig{
		BatchSize: cfg.Broker.BatchSize,
		MaxDocs:   cfg.Broker.MaxDocs,
	})
	a.Knowledge.SetPublisher(a.Producer)
	a.Consumer = ingest.NewConsumer(a.Repo, ingest.ConsumerConfig{MaxAttempts: cfg.Broker.MaxAttempts})
	if a.Vectors != nil {
		a.Consumer.SetVectorIndexer(a.Vectors)
	}
	a.DeadLetters = ingest.NewDeadLetterHandler(a.Repo)

	a.Chat = chat.NewService(a.Retriever, a.Repo, chat.Config{
		HistoryLimit:  cfg.Chat.HistoryLimit,
		MaxQueryRunes: kcfg.MaxQueryRunes,
	})

	var sweepLocker lock.Locker
	if kcfg.SweepUseLock {
		sweepLocker = a.Locker
	}
	a.Sweeper = maintenance.NewSweeper(a.Cache, sweepLocker, maintenance.Config{
		Threshold: kcfg.SweepThreshold,
		Schedule:  kcfg.SweepSchedule,
		UseLock:   kcfg.SweepUseLock,
	}, a.Extractor)

	return a, nil
}

func (a *App) openDatabase(ctx context.Context) error {
	dialect, err := postgres.ParseDialect(a.Config.Database.Driver)
	if err != nil {
		return err
	}
	db, err := postgres.Open(ctx, dialect, a.Config.Database.URL, postgres.PoolConfig{
		MaxOpenConns:    a.Config.Database.MaxOpenConns,
		MaxIdleConns:    a.Config.Database.MaxIdleConns,
		ConnMaxLifetime: a.Config.Database.ConnMaxLifetime(),
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	applog.Info("✅ Connected to database", "driver", dialect)

	a.Repo = postgres.NewRepository(db, dialect)
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.Repo.EnsureTables(migrateCtx); err != nil {
		return fmt.Errorf("ensure tables: %w", err)
	}
	applog.Info("✅ Tables ready (knowledge_base, import_dead_letters, chat_messages)")
	return nil
}

func (a *App) openRedis(ctx context.Context) error {
	opt, err := goredis.ParseURL(a.Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opt)
	a.closers = append(a.closers, client.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	a.Redis = client
	applog.Info("✅ Connected to Redis")
	return nil
}

// Close 逆序关闭已打开的资源
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			applog.Warn("[Bootstrap] close failed", "error", err)
		}
	}
	a.closers = nil
}
