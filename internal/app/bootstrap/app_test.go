package bootstrap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgehub/internal/domain/knowledge"
	"knowledgehub/internal/platform/config"
)

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.URL = ":memory:"
	cfg.Redis.URL = "redis://" + mr.Addr()
	return cfg
}

func TestBuild_SingleNode(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Vectors)
	assert.False(t, a.Retriever.HasVector())

	doc, err := a.Knowledge.AddDocument(ctx, knowledge.Document{Title: "Postgres vacuum", Content: "autovacuum tuning"})
	require.NoError(t, err)

	docs, report, err := a.Knowledge.Search(ctx, "vacuum")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, doc.ID, docs[0].ID)
	assert.Equal(t, 1, report.FromIndex)
}

func TestBuild_BatchImportThroughMemoryBroker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := Build(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	go func() { _ = a.Consumer.Run(ctx, a.Broker) }()

	docs := make([]knowledge.Document, 23)
	for i := range docs {
		docs[i] = knowledge.Document{Title: fmt.Sprintf("runbook %d", i), Content: "steps"}
	}
	receipt, err := a.Knowledge.BatchImport(ctx, docs)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 3}, receipt.BatchSizes)

	require.Eventually(t, func() bool {
		n, err := a.Repo.Count(ctx)
		return err == nil && n == 23
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBuild_InvalidDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "mysql"
	_, err := Build(context.Background(), cfg)
	assert.Error(t, err)
}
