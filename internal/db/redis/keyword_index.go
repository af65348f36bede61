package redisdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"knowledgehub/internal/domain/knowledge"
	applog "knowledgehub/internal/platform/log"
)

const (
	keywordIndexPrefix = "keyword_index:"
	keywordDocPrefix   = "keyword_doc:"
)

// unindexScript 从若干关键词集合中移除文档，集合为空时删除 key
var unindexScript = redis.NewScript(`
local removed = 0
for _, key in ipairs(KEYS) do
	removed = removed + redis.call("SREM", key, ARGV[1])
	if redis.call("SCARD", key) == 0 then
		redis.call("DEL", key)
	end
end
return removed
`)

// KeywordIndex 关键词 -> 文档 ID 集合的倒排索引，另存文档 -> 关键词的反向映射用于撤销
type KeywordIndex struct {
	redis     *redis.Client
	extractor knowledge.Extractor
	ttl       time.Duration
	perDoc    int
}

// NewKeywordIndex 创建关键词索引
func NewKeywordIndex(rdb *redis.Client, extractor knowledge.Extractor, ttl time.Duration, perDoc int) *KeywordIndex {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if perDoc <= 0 {
		perDoc = 5
	}
	return &KeywordIndex{redis: rdb, extractor: extractor, ttl: ttl, perDoc: perDoc}
}

var _ knowledge.KeywordIndex = (*KeywordIndex)(nil)

// Index 提取文档关键词并写入索引。旧关键词先被撤销，保证索引只反映当前内容。
func (k *KeywordIndex) Index(ctx context.Context, doc knowledge.Document) ([]string, error) {
	keywords := k.extractor.ExtractFromArticle(doc.Text(), k.perDoc)
	if err := k.Unindex(ctx, doc.ID); err != nil {
		return nil, err
	}
	if len(keywords) == 0 {
		return nil, nil
	}

	member := doc.Key()
	docKey := keywordDocPrefix + member
	_, err := k.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, kw := range keywords {
			pipe.SAdd(ctx, keywordIndexPrefix+kw, member)
			pipe.Expire(ctx, keywordIndexPrefix+kw, k.ttl)
		}
		pipe.SAdd(ctx, docKey, toAny(keywords)...)
		pipe.Expire(ctx, docKey, k.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("index document %d: %w", doc.ID, err)
	}

	applog.Debug("[KeywordIndex] indexed", "doc_id", doc.ID, "keywords", keywords)
	return keywords, nil
}

// Unindex 从所有包含该文档的关键词集合中移除它
func (k *KeywordIndex) Unindex(ctx context.Context, id int64) error {
	member := knowledge.FormatID(id)
	docKey := keywordDocPrefix + member

	keywords, err := k.redis.SMembers(ctx, docKey).Result()
	if err != nil {
		return fmt.Errorf("load keywords of %d: %w", id, err)
	}

	keys := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		keys = append(keys, keywordIndexPrefix+kw)
	}
	if len(keys) == 0 {
		// 反向映射缺失（过期或旧数据），退化为扫描
		keys, err = k.scanContaining(ctx, member)
		if err != nil {
			return err
		}
	}

	if len(keys) > 0 {
		if err := unindexScript.Run(ctx, k.redis, keys, member).Err(); err != nil {
			return fmt.Errorf("unindex document %d: %w", id, err)
		}
	}
	if err := k.redis.Del(ctx, docKey).Err(); err != nil {
		return fmt.Errorf("drop keyword mapping of %d: %w", id, err)
	}
	return nil
}

// Lookup 返回包含任一关键词的文档 ID（升序去重）
func (k *KeywordIndex) Lookup(ctx context.Context, keywords []string) ([]int64, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.StringSliceCmd, 0, len(keywords))
	_, err := k.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, kw := range keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			cmds = append(cmds, pipe.SMembers(ctx, keywordIndexPrefix+kw))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("lookup keywords: %w", err)
	}

	seen := make(map[int64]struct{})
	for _, cmd := range cmds {
		for _, m := range cmd.Val() {
			id, perr := knowledge.ParseID(m)
			if perr != nil {
				continue
			}
			seen[id] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Keywords 文档当前的索引关键词
func (k *KeywordIndex) Keywords(ctx context.Context, id int64) ([]string, error) {
	kws, err := k.redis.SMembers(ctx, keywordDocPrefix+knowledge.FormatID(id)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(kws)
	return kws, nil
}

// refresh 延长文档关键词相关 key 的 TTL
func (k *KeywordIndex) refresh(ctx context.Context, id int64) error {
	docKey := keywordDocPrefix + knowledge.FormatID(id)
	keywords, err := k.redis.SMembers(ctx, docKey).Result()
	if err != nil {
		return err
	}
	if len(keywords) == 0 {
		return nil
	}
	_, err = k.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, docKey, k.ttl)
		for _, kw := range keywords {
			pipe.Expire(ctx, keywordIndexPrefix+kw, k.ttl)
		}
		return nil
	})
	return err
}

func (k *KeywordIndex) scanContaining(ctx context.Context, member string) ([]string, error) {
	var keys []string
	iter := k.redis.Scan(ctx, 0, keywordIndexPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ok, err := k.redis.SIsMember(ctx, key, member).Result()
		if err != nil {
			return nil, fmt.Errorf("scan keyword %s: %w", key, err)
		}
		if ok {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keyword index: %w", err)
	}
	return keys, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
