package knowledge

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	titleParagraphWeight = 5.0
	bodyParagraphWeight  = 1.0
)

var baseStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "for", "from",
	"has", "have", "he", "in", "is", "it", "its", "of", "on", "or",
	"that", "the", "to", "was", "were", "with", "this", "but", "they",
	"we", "you", "your", "my", "their", "been", "do", "does", "did",
	"how", "what", "which", "who", "why", "can", "will", "not", "there",
	"我们", "你们", "他们", "什么", "怎么", "如何", "这个", "那个", "一个",
	"没有", "可以", "就是", "因为", "所以", "但是", "如果", "还是", "或者",
	"以及", "然后", "这些", "那些", "自己", "已经",
}

// KeywordExtractorOptions 关键词提取配置
type KeywordExtractorOptions struct {
	CacheSize int
	CacheTTL  time.Duration
	StopWords []string // 追加的停用词
}

// KeywordExtractor 基于词频的关键词提取器，结果按 (文本, 数量) 缓存。
//
// 拉丁字母/数字按非字母数字字符切分；汉字连续片段切为二元组。
// 评分为出现次数，次数相同按首次出现位置排序，因此结果是确定的。
type KeywordExtractor struct {
	opts KeywordExtractorOptions

	stopOnce sync.Once
	stop     map[string]struct{}

	cache *expirable.LRU[string, []string]
}

// NewKeywordExtractor 创建提取器
func NewKeywordExtractor(opts KeywordExtractorOptions) *KeywordExtractor {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &KeywordExtractor{
		opts:  opts,
		cache: expirable.NewLRU[string, []string](opts.CacheSize, nil, opts.CacheTTL),
	}
}

// Extract 提取至多 max 个关键词
func (k *KeywordExtractor) Extract(text string, max int) []string {
	if max <= 0 || strings.TrimSpace(text) == "" {
		return nil
	}
	key := strconv.Itoa(max) + "\x00" + text
	if cached, ok := k.cache.Get(key); ok {
		return append([]string(nil), cached...)
	}

	tokens := k.tokenize(text)
	counts := make(map[string]int, len(tokens))
	first := make(map[string]int, len(tokens))
	for i, t := range tokens {
		if _, seen := first[t]; !seen {
			first[t] = i
		}
		counts[t]++
	}

	uniq := make([]string, 0, len(counts))
	for t := range counts {
		uniq = append(uniq, t)
	}
	sort.Slice(uniq, func(i, j int) bool {
		a, b := uniq[i], uniq[j]
		if counts[a] != counts[b] {
			return counts[a] > counts[b]
		}
		return first[a] < first[b]
	})
	if len(uniq) > max {
		uniq = uniq[:max]
	}

	k.cache.Add(key, uniq)
	return append([]string(nil), uniq...)
}

// ExtractFromArticle 按段落（空行分隔）加权提取：首段视为标题，权重 5，其余段落权重 1
func (k *KeywordExtractor) ExtractFromArticle(article string, max int) []string {
	if max <= 0 {
		return nil
	}
	paragraphs := strings.Split(strings.ReplaceAll(article, "\r\n", "\n"), "\n\n")

	weights := make(map[string]float64)
	order := make(map[string]int)
	for i, p := range paragraphs {
		w := bodyParagraphWeight
		if i == 0 {
			w = titleParagraphWeight
		}
		for _, kw := range k.Extract(p, max) {
			if _, ok := order[kw]; !ok {
				order[kw] = len(order)
			}
			weights[kw] += w
		}
	}

	out := make([]string, 0, len(weights))
	for kw := range weights {
		out = append(out, kw)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if weights[a] != weights[b] {
			return weights[a] > weights[b]
		}
		return order[a] < order[b]
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// Cleanup 清空全部提取缓存；平时条目按 TTL 各自过期
func (k *KeywordExtractor) Cleanup() {
	k.cache.Purge()
}

// CacheLen 当前缓存条目数
func (k *KeywordExtractor) CacheLen() int {
	return k.cache.Len()
}

func (k *KeywordExtractor) stopWords() map[string]struct{} {
	k.stopOnce.Do(func() {
		k.stop = make(map[string]struct{}, len(baseStopWords)+len(k.opts.StopWords))
		for _, w := range baseStopWords {
			k.stop[w] = struct{}{}
		}
		for _, w := range k.opts.StopWords {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				k.stop[w] = struct{}{}
			}
		}
	})
	return k.stop
}

func (k *KeywordExtractor) tokenize(text string) []string {
	stop := k.stopWords()
	words := strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	})

	var tokens []string
	emit := func(t string) {
		if _, skip := stop[t]; !skip {
			tokens = append(tokens, t)
		}
	}
	for _, word := range words {
		var latin []rune
		var han []rune
		flushLatin := func() {
			if len(latin) >= 2 {
				emit(string(latin))
			}
			latin = latin[:0]
		}
		flushHan := func() {
			for i := 0; i+1 < len(han); i++ {
				emit(string(han[i : i+2]))
			}
			han = han[:0]
		}
		for _, r := range word {
			if unicode.Is(unicode.Han, r) {
				flushLatin()
				han = append(han, r)
				continue
			}
			flushHan()
			latin = append(latin, r)
		}
		flushLatin()
		flushHan()
	}
	return tokens
}
