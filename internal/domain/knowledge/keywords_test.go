package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeywordExtractor_Extract(t *testing.T) {
	k := NewKeywordExtractor(KeywordExtractorOptions{})

	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{"frequency first", "redis cache redis lock cache redis", 2, []string{"redis", "cache"}},
		{"ties by position", "alpha beta gamma", 3, []string{"alpha", "beta", "gamma"}},
		{"stop words and short tokens", "the a x of Kubernetes", 5, []string{"kubernetes"}},
		{"case folded", "Redis REDIS redis", 3, []string{"redis"}},
		{"han bigrams", "分布式锁", 3, []string{"分布", "布式", "式锁"}},
		{"empty", "   ", 3, nil},
		{"zero max", "redis", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, k.Extract(tt.text, tt.max))
		})
	}
}

func TestKeywordExtractor_CustomStopWords(t *testing.T) {
	k := NewKeywordExtractor(KeywordExtractorOptions{StopWords: []string{" Redis "}})
	assert.Equal(t, []string{"cache"}, k.Extract("redis cache", 3))
}

func TestKeywordExtractor_ArticleWeightsTitle(t *testing.T) {
	k := NewKeywordExtractor(KeywordExtractorOptions{})
	article := "Scheduler\n\n" + strings.Repeat("pods nodes ", 3) + "\n\nnodes pods"

	got := k.ExtractFromArticle(article, 2)
	assert.Equal(t, []string{"scheduler", "pods"}, got)
}

func TestKeywordExtractor_CacheLifecycle(t *testing.T) {
	k := NewKeywordExtractor(KeywordExtractorOptions{CacheSize: 2})
	k.Extract("one two", 2)
	k.Extract("three four", 2)
	k.Extract("five six", 2)
	assert.Equal(t, 2, k.CacheLen())

	got := k.Extract("five six", 2)
	got[0] = "mutated"
	assert.Equal(t, []string{"five", "six"}, k.Extract("five six", 2))

	k.Cleanup()
	assert.Zero(t, k.CacheLen())
}

func TestCleanQuery(t *testing.T) {
	assert.Equal(t, "what is redis", CleanQuery("  what\t is \n redis  ", 0))
	assert.Equal(t, "abc", CleanQuery("abcdef", 3))
	assert.Equal(t, "ab", CleanQuery("a\x00b", 0))
	assert.Equal(t, "", CleanQuery(" \n ", 0))
}

func TestFormatContext(t *testing.T) {
	assert.Empty(t, FormatContext(nil))
	got := FormatContext([]Document{
		{Title: "Redis", Content: " in-memory store ", Source: "wiki"},
		{Title: "Go", Content: "language", URL: "https://go.dev"},
	})
	assert.Equal(t, "[1] Redis\nin-memory store\n(来源: wiki)\n\n[2] Go\nlanguage\n(来源: https://go.dev)", got)
}

func TestParserRegistry(t *testing.T) {
	r := NewParserRegistry()

	doc, err := r.Parse("notes/guide.md", strings.NewReader("# Deploy Guide\n\nRun **make** then [docs](http://x)."))
	assert.NoError(t, err)
	assert.Equal(t, "Deploy Guide", doc.Title)
	assert.Contains(t, doc.Content, "Run make then docs.")
	assert.Equal(t, "guide.md", doc.Source)

	doc, err = r.Parse("faq.txt", strings.NewReader("plain body"))
	assert.NoError(t, err)
	assert.Equal(t, "faq", doc.Title)

	_, err = r.Parse("image.png", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidDocument)

	_, err = r.Parse("empty.txt", strings.NewReader("  "))
	assert.ErrorIs(t, err, ErrInvalidDocument)

	assert.Contains(t, r.Extensions(), ".pdf")
	assert.Contains(t, r.Extensions(), ".docx")
}

func TestDocument_Equality(t *testing.T) {
	a := Document{ID: 1, Title: "t", Content: "c", Category: "x"}
	b := a
	b.Category = "y"
	assert.True(t, a.ContentEqual(b))
	assert.False(t, a.MetadataEqual(b))
	assert.Equal(t, "t\n\nc", a.Text())
	assert.ErrorIs(t, Document{Title: "t"}.Validate(), ErrInvalidDocument)
}
