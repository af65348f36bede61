package redisdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"knowledgehub/internal/domain/knowledge"
	"knowledgehub/internal/domain/lock"
	applog "knowledgehub/internal/platform/log"
)

const (
	hotSetKey      = "hot_knowledge"
	snapshotPrefix = "knowledge_data:"
)

// promoteScript 给成员加 1 分；成员不存在且集合已满时，先淘汰最低分成员。
// 最低分并列时淘汰数值最小的 ID。返回被淘汰的成员，无淘汰返回空串。
var promoteScript = redis.NewScript(`
local key, member, max = KEYS[1], ARGV[1], tonumber(ARGV[2])
if redis.call("ZSCORE", key, member) then
	redis.call("ZINCRBY", key, 1, member)
	return ""
end
local evicted = ""
if redis.call("ZCARD", key) >= max then
	local lowest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
	local ties = redis.call("ZRANGEBYSCORE", key, lowest[2], lowest[2])
	evicted = ties[1]
	for _, m in ipairs(ties) do
		if tonumber(m) < tonumber(evicted) then
			evicted = m
		end
	end
	redis.call("ZREM", key, evicted)
end
redis.call("ZINCRBY", key, 1, member)
return evicted
`)

// HotCacheConfig 热点缓存配置
type HotCacheConfig struct {
	MaxSize     int
	SnapshotTTL time.Duration
	SaveLease   time.Duration
}

// HotCache 热点排行（ZSET）+ 文档快照（msgpack）+ 关键词索引。
// 写回以 knowledge:save:<id> 锁串行化，锁被占用时直接跳过。
type HotCache struct {
	redis  *redis.Client
	locker lock.Locker
	index  *KeywordIndex
	cfg    HotCacheConfig
}

// NewHotCache 创建热点缓存
func NewHotCache(rdb *redis.Client, locker lock.Locker, index *KeywordIndex, cfg HotCacheConfig) *HotCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 50
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 7 * 24 * time.Hour
	}
	cfg.SaveLease = lock.NormalizeLease(cfg.SaveLease)
	return &HotCache{redis: rdb, locker: locker, index: index, cfg: cfg}
}

var _ knowledge.HotCache = (*HotCache)(nil)

// RecordAccessOrSave 记录一次访问并按需写回快照：
// 新文档或标题/正文变化时覆盖快照并重建索引；仅元数据变化时覆盖快照；
// 未变化时只刷新 TTL。
func (c *HotCache) RecordAccessOrSave(ctx context.Context, doc knowledge.Document) (knowledge.SaveOutcome, error) {
	if doc.ID <= 0 {
		return knowledge.OutcomeSkipped, fmt.Errorf("%w: document id is required", knowledge.ErrInvalidDocument)
	}

	outcome := knowledge.OutcomeSkipped
	ran, err := lock.Guard(ctx, c.locker, lock.SaveResourcePrefix+doc.Key(), c.cfg.SaveLease, func(ctx context.Context) error {
		var err error
		outcome, err = c.save(ctx, doc)
		return err
	})
	if err != nil {
		return knowledge.OutcomeSkipped, err
	}
	if !ran {
		applog.Debug("[HotCache] save skipped, document busy", "doc_id", doc.ID)
	}
	return outcome, nil
}

func (c *HotCache) save(ctx context.Context, doc knowledge.Document) (knowledge.SaveOutcome, error) {
	existing, err := c.Get(ctx, doc.ID)
	if err != nil {
		return knowledge.OutcomeSkipped, err
	}

	evicted, err := promoteScript.Run(ctx, c.redis, []string{hotSetKey}, doc.Key(), c.cfg.MaxSize).Text()
	if err != nil && !errors.Is(err, redis.Nil) {
		return knowledge.OutcomeSkipped, fmt.Errorf("promote %d: %w", doc.ID, err)
	}
	// 淘汰只移出排行，快照与索引由其 TTL 自然过期
	if evicted != "" {
		applog.Debug("[HotCache] evicted from hot set", "member", evicted, "for", doc.ID)
	}

	switch {
	case existing == nil || !existing.ContentEqual(doc):
		if err := c.writeSnapshot(ctx, doc); err != nil {
			return knowledge.OutcomeSkipped, err
		}
		if _, err := c.index.Index(ctx, doc); err != nil {
			return knowledge.OutcomeSaved, err
		}
		return knowledge.OutcomeReindexed, nil
	case !existing.MetadataEqual(doc):
		if err := c.writeSnapshot(ctx, doc); err != nil {
			return knowledge.OutcomeSkipped, err
		}
		return knowledge.OutcomeSaved, nil
	default:
		if err := c.redis.Expire(ctx, snapshotPrefix+doc.Key(), c.cfg.SnapshotTTL).Err(); err != nil {
			return knowledge.OutcomeSkipped, fmt.Errorf("refresh snapshot ttl %d: %w", doc.ID, err)
		}
		if err := c.index.refresh(ctx, doc.ID); err != nil {
			applog.Warn("[HotCache] keyword ttl refresh failed", "doc_id", doc.ID, "error", err)
		}
		return knowledge.OutcomeRefreshed, nil
	}
}

func (c *HotCache) writeSnapshot(ctx context.Context, doc knowledge.Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	if err := c.redis.Set(ctx, snapshotPrefix+doc.Key(), data, c.cfg.SnapshotTTL).Err(); err != nil {
		return fmt.Errorf("write snapshot %d: %w", doc.ID, err)
	}
	return nil
}

// Touch 已缓存文档加 1 分并刷新快照 TTL；未缓存时不做任何事
func (c *HotCache) Touch(ctx context.Context, id int64) error {
	member := knowledge.FormatID(id)
	err := c.redis.ZAddArgsIncr(ctx, hotSetKey, redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: 1, Member: member}},
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("touch %d: %w", id, err)
	}
	return c.redis.Expire(ctx, snapshotPrefix+member, c.cfg.SnapshotTTL).Err()
}

// Get 读取快照，不存在返回 (nil, nil)；快照损坏时删除并按未命中处理
func (c *HotCache) Get(ctx context.Context, id int64) (*knowledge.Document, error) {
	key := snapshotPrefix + knowledge.FormatID(id)
	data, err := c.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %d: %w", id, err)
	}
	doc, err := decodeDocument(data)
	if err != nil {
		applog.Warn("[HotCache] corrupt snapshot dropped", "doc_id", id, "error", err)
		c.redis.Del(ctx, key)
		return nil, nil
	}
	return doc, nil
}

// GetMany 批量读取快照，跳过缺失项，保持输入顺序
func (c *HotCache) GetMany(ctx context.Context, ids []int64) ([]knowledge.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = snapshotPrefix + knowledge.FormatID(id)
	}
	vals, err := c.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}

	docs := make([]knowledge.Document, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		doc, err := decodeDocument([]byte(s))
		if err != nil {
			applog.Warn("[HotCache] corrupt snapshot skipped", "doc_id", ids[i], "error", err)
			continue
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

// Contains 快照是否存在
func (c *HotCache) Contains(ctx context.Context, id int64) (bool, error) {
	n, err := c.redis.Exists(ctx, snapshotPrefix+knowledge.FormatID(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check snapshot %d: %w", id, err)
	}
	return n == 1, nil
}

// Delete 级联删除：热点成员、快照、关键词索引
func (c *HotCache) Delete(ctx context.Context, id int64) error {
	if err := c.dropEntry(ctx, id); err != nil {
		return err
	}
	applog.Debug("[HotCache] deleted", "doc_id", id)
	return nil
}

func (c *HotCache) dropEntry(ctx context.Context, id int64) error {
	member := knowledge.FormatID(id)
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, hotSetKey, member)
		pipe.Del(ctx, snapshotPrefix+member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete cache entry %d: %w", id, err)
	}
	return c.index.Unindex(ctx, id)
}

// Hot 按分数降序返回前 limit 个条目；limit<=0 返回全部
func (c *HotCache) Hot(ctx context.Context, limit int) ([]knowledge.HotEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	zs, err := c.redis.ZRevRangeWithScores(ctx, hotSetKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read hot set: %w", err)
	}
	return toEntries(zs), nil
}

// HotMatching 在热点文档中按标题/正文/分类包含任一词筛选（关键词索引无结果时的兜底）
func (c *HotCache) HotMatching(ctx context.Context, terms []string) ([]knowledge.Document, error) {
	entries, err := c.Hot(ctx, 0)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	docs, err := c.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(terms) == 0 {
		return docs, nil
	}

	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			lowered = append(lowered, t)
		}
	}
	out := docs[:0]
	for _, d := range docs {
		text := strings.ToLower(d.Title + "\n" + d.Content + "\n" + d.Category)
		for _, t := range lowered {
			if strings.Contains(text, t) {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

// SweepBelow 移除分数严格低于 threshold 的全部条目（含快照与索引），返回被移除的 ID
func (c *HotCache) SweepBelow(ctx context.Context, threshold float64) ([]int64, error) {
	members, err := c.redis.ZRangeByScore(ctx, hotSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(threshold, 'f', -1, 64),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan low scores: %w", err)
	}

	removed := make([]int64, 0, len(members))
	for _, m := range members {
		id, perr := knowledge.ParseID(m)
		if perr != nil {
			c.redis.ZRem(ctx, hotSetKey, m)
			continue
		}
		if err := c.dropEntry(ctx, id); err != nil {
			applog.Warn("[HotCache] sweep entry failed", "doc_id", id, "error", err)
			continue
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// Size 热点集合大小
func (c *HotCache) Size(ctx context.Context) (int64, error) {
	return c.redis.ZCard(ctx, hotSetKey).Result()
}

// Score 成员当前分数；不存在时 ok=false
func (c *HotCache) Score(ctx context.Context, id int64) (float64, bool, error) {
	s, err := c.redis.ZScore(ctx, hotSetKey, knowledge.FormatID(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return s, true, nil
}

func toEntries(zs []redis.Z) []knowledge.HotEntry {
	out := make([]knowledge.HotEntry, 0, len(zs))
	for _, z := range zs {
		s, ok := z.Member.(string)
		if !ok {
			continue
		}
		id, err := knowledge.ParseID(s)
		if err != nil {
			continue
		}
		out = append(out, knowledge.HotEntry{ID: id, Score: z.Score})
	}
	return out
}
