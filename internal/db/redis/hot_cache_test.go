package redisdb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgehub/internal/domain/knowledge"
	"knowledgehub/internal/domain/lock"
)

type hotFixture struct {
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	locker *Locker
	index  *KeywordIndex
	cache  *HotCache
}

func newHotFixture(t *testing.T, maxSize int) *hotFixture {
	t.Helper()
	mr, rdb := newTestRedis(t)
	locker := NewLocker(rdb)
	extractor := knowledge.NewKeywordExtractor(knowledge.KeywordExtractorOptions{})
	index := NewKeywordIndex(rdb, extractor, time.Hour, 5)
	cache := NewHotCache(rdb, locker, index, HotCacheConfig{
		MaxSize:     maxSize,
		SnapshotTTL: time.Hour,
		SaveLease:   5 * time.Second,
	})
	return &hotFixture{mr: mr, rdb: rdb, locker: locker, index: index, cache: cache}
}

func sampleDoc(id int64) knowledge.Document {
	return knowledge.Document{
		ID:       id,
		Title:    "Kubernetes scheduling",
		Content:  "pods pods pods nodes",
		Category: "infra",
	}
}

func TestHotCacheChangeDetection(t *testing.T) {
	f := newHotFixture(t, 50)
	ctx := context.Background()
	doc := sampleDoc(1)

	outcome, err := f.cache.RecordAccessOrSave(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomeReindexed, outcome)

	ids, err := f.index.Lookup(ctx, []string{"kubernetes"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	outcome, err = f.cache.RecordAccessOrSave(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomeRefreshed, outcome)

	doc.Category = "platform"
	outcome, err = f.cache.RecordAccessOrSave(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomeSaved, outcome)

	cached, err := f.cache.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "platform", cached.Category)

	doc.Title = "Redis sharding"
	doc.Content = "cluster slots"
	outcome, err = f.cache.RecordAccessOrSave(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomeReindexed, outcome)

	ids, err = f.index.Lookup(ctx, []string{"kubernetes"})
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.False(t, f.mr.Exists(keywordIndexPrefix+"kubernetes"))

	ids, err = f.index.Lookup(ctx, []string{"redis", "sharding"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	score, ok, err := f.cache.Score(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4.0, score)
}

func TestHotCacheStaysBounded(t *testing.T) {
	f := newHotFixture(t, 50)
	ctx := context.Background()

	for i := int64(1); i <= 60; i++ {
		_, err := f.cache.RecordAccessOrSave(ctx, knowledge.Document{
			ID:      i,
			Title:   fmt.Sprintf("doc %d", i),
			Content: "body",
		})
		require.NoError(t, err)
	}

	size, err := f.cache.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 50, size)
}

func TestHotCacheEvictsLowestScoreSmallestID(t *testing.T) {
	f := newHotFixture(t, 3)
	ctx := context.Background()

	for _, id := range []int64{5, 3, 4} {
		_, err := f.cache.RecordAccessOrSave(ctx, sampleDoc(id))
		require.NoError(t, err)
	}
	// 5 的分数更高，3 与 4 并列最低
	_, err := f.cache.RecordAccessOrSave(ctx, sampleDoc(5))
	require.NoError(t, err)

	_, err = f.cache.RecordAccessOrSave(ctx, sampleDoc(6))
	require.NoError(t, err)

	in, err := f.cache.Contains(ctx, 3)
	require.NoError(t, err)
	assert.False(t, in)

	// 只移出排行，快照和索引保留到各自过期
	got, err := f.cache.Get(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 3, got.ID)

	ids, err := f.index.Lookup(ctx, []string{"kubernetes"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5, 6}, ids)

	size, err := f.cache.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, size)
}

func TestHotCacheDeleteCascades(t *testing.T) {
	f := newHotFixture(t, 50)
	ctx := context.Background()

	_, err := f.cache.RecordAccessOrSave(ctx, sampleDoc(11))
	require.NoError(t, err)
	require.NoError(t, f.cache.Delete(ctx, 11))

	got, err := f.cache.Get(ctx, 11)
	require.NoError(t, err)
	assert.Nil(t, got)

	in, err := f.cache.Contains(ctx, 11)
	require.NoError(t, err)
	assert.False(t, in)

	ids, err := f.index.Lookup(ctx, []string{"kubernetes", "pods"})
	require.NoError(t, err)
	assert.NotContains(t, ids, int64(11))
	assert.False(t, f.mr.Exists(keywordDocPrefix+"11"))
}

func TestHotCacheSweepBelowThreshold(t *testing.T) {
	f := newHotFixture(t, 50)
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		_, err := f.cache.RecordAccessOrSave(ctx, sampleDoc(id))
		require.NoError(t, err)
	}
	require.NoError(t, f.rdb.ZAdd(ctx, hotSetKey,
		redis.Z{Score: 4.9, Member: "1"},
		redis.Z{Score: 5.0, Member: "2"},
	).Err())

	removed, err := f.cache.SweepBelow(ctx, 5.0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, removed)

	in, err := f.cache.Contains(ctx, 2)
	require.NoError(t, err)
	assert.True(t, in)

	got, err := f.cache.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	ids, err := f.index.Lookup(ctx, []string{"kubernetes"})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

func TestHotCacheSkipsWhenSaveLockBusy(t *testing.T) {
	f := newHotFixture(t, 50)
	ctx := context.Background()

	_, err := f.locker.TryAcquire(ctx, lock.SaveResourcePrefix+"8", 5*time.Second)
	require.NoError(t, err)

	outcome, err := f.cache.RecordAccessOrSave(ctx, sampleDoc(8))
	require.NoError(t, err)
	assert.Equal(t, knowledge.OutcomeSkipped, outcome)

	in, err := f.cache.Contains(ctx, 8)
	require.NoError(t, err)
	assert.False(t, in)
}

func TestHotCacheTouchOnlyCountsCachedDocuments(t *testing.T) {
	f := newHotFixture(t, 50)
	ctx := context.Background()

	require.NoError(t, f.cache.Touch(ctx, 99))
	in, err := f.cache.Contains(ctx, 99)
	require.NoError(t, err)
	assert.False(t, in)

	_, err = f.cache.RecordAccessOrSave(ctx, sampleDoc(3))
	require.NoError(t, err)
	require.NoError(t, f.cache.Touch(ctx, 3))

	score, ok, err := f.cache.Score(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2.0, score)
}

func TestHotCacheHotMatchingFiltersByTerm(t *testing.T) {
	f := newHotFixture(t, 50)
	ctx := context.Background()

	_, err := f.cache.RecordAccessOrSave(ctx, sampleDoc(1))
	require.NoError(t, err)
	_, err = f.cache.RecordAccessOrSave(ctx, knowledge.Document{ID: 2, Title: "Postgres vacuum", Content: "autovacuum tuning"})
	require.NoError(t, err)

	docs, err := f.cache.HotMatching(ctx, []string{"VACUUM"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.EqualValues(t, 2, docs[0].ID)
}

func TestHotCacheHotMatchingIncludesCategory(t *testing.T) {
	f := newHotFixture(t, 50)
	ctx := context.Background()

	_, err := f.cache.RecordAccessOrSave(ctx, sampleDoc(1))
	require.NoError(t, err)
	_, err = f.cache.RecordAccessOrSave(ctx, knowledge.Document{ID: 2, Title: "Postgres vacuum", Content: "autovacuum tuning", Category: "database"})
	require.NoError(t, err)

	docs, err := f.cache.HotMatching(ctx, []string{"Infra"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.EqualValues(t, 1, docs[0].ID)
}

func TestHotCacheDropsCorruptSnapshot(t *testing.T) {
	f := newHotFixture(t, 50)
	ctx := context.Background()

	require.NoError(t, f.mr.Set(snapshotPrefix+"4", "not-msgpack\xc1"))
	got, err := f.cache.Get(ctx, 4)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, f.mr.Exists(snapshotPrefix+"4"))
}

func TestKeywordIndexUnindexFallsBackToScan(t *testing.T) {
	f := newHotFixture(t, 50)
	ctx := context.Background()

	kws, err := f.index.Index(ctx, sampleDoc(21))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"kubernetes", "scheduling", "pods", "nodes"}, kws)

	// 反向映射丢失后仍能撤销
	f.mr.Del(keywordDocPrefix + "21")
	require.NoError(t, f.index.Unindex(ctx, 21))

	for _, kw := range kws {
		assert.False(t, f.mr.Exists(keywordIndexPrefix+kw), kw)
	}
}
