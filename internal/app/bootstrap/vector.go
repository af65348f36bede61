package bootstrap

import (
	"context"
	"fmt"
	"time"

	"knowledgehub/internal/db/opensearch"
	"knowledgehub/internal/db/qdrant"
	"knowledgehub/internal/domain/knowledge"
	applog "knowledgehub/internal/platform/log"
)

// openVectorStore 按 VECTOR_BACKEND 创建向量存储与 Embedder。
// 后端不可达时只告警并关闭向量检索层，检索链退化为缓存 + 数据库。
func (a *App) openVectorStore(ctx context.Context) (knowledge.VectorStore, knowledge.Embedder, error) {
	k := &a.Config.Knowledge
	var store knowledge.VectorStore

	switch k.VectorBackend {
	case knowledge.VectorBackendNone:
		applog.Info("ℹ️  No VECTOR_BACKEND set, vector search disabled")
		return nil, nil, nil

	case knowledge.VectorBackendOpenSearch:
		client := opensearch.NewClient(opensearch.Config{
			URL:      k.OpenSearchURL,
			Username: k.OpenSearchUsername,
			Password: k.OpenSearchPassword,
			Index:    k.OpenSearchIndex,
			Insecure: k.OpenSearchInsecure,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx)
		cancel()
		if err != nil {
			applog.Warnf("⚠️  OpenSearch ping failed: %v (vector search disabled)", err)
			return nil, nil, nil
		}
		applog.Info("✅ Connected to OpenSearch", "index", k.OpenSearchIndex)
		store = client

	case knowledge.VectorBackendQdrant:
		client, err := qdrant.Dial(k.QdrantAddr, k.QdrantCollection)
		if err != nil {
			applog.Warnf("⚠️  Qdrant dial failed: %v (vector search disabled)", err)
			return nil, nil, nil
		}
		a.closers = append(a.closers, client.Close)
		applog.Info("✅ Qdrant client ready", "addr", k.QdrantAddr, "collection", k.QdrantCollection)
		store = client

	default:
		return nil, nil, fmt.Errorf("unsupported vector backend %q", k.VectorBackend)
	}

	embedder := knowledge.NewOpenAIEmbedder(knowledge.OpenAIEmbedderConfig{
		BaseURL: k.EmbeddingBaseURL,
		APIKey:  k.EmbeddingAPIKey,
		Model:   k.EmbeddingModel,
		Dims:    k.EmbeddingDims,
		RPS:     k.EmbeddingRPS,
	})

	ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.EnsureCollection(ensureCtx, embedder.Dims()); err != nil {
		applog.Warnf("⚠️  Failed to ensure vector collection: %v (vector search disabled)", err)
		return nil, nil, nil
	}
	applog.Infof("✅ Vector search enabled (backend: %s, model: %s, dims: %d)", k.VectorBackend, k.EmbeddingModel, embedder.Dims())
	return store, embedder, nil
}
