package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	applog "knowledgehub/internal/platform/log"
)

// embedBatchSize 单次请求最多携带的文本条数
const embedBatchSize = 64

// OpenAIEmbedderConfig OpenAI 兼容 /embeddings 接口配置
type OpenAIEmbedderConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Dims    int
	RPS     float64 // 每秒请求上限，<=0 表示不限速
	Timeout time.Duration
}

// OpenAIEmbedder 调用 OpenAI 兼容 /embeddings 接口，按 RPS 限速
type OpenAIEmbedder struct {
	cfg     OpenAIEmbedderConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewOpenAIEmbedder 创建 Embedder
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dims <= 0 {
		cfg.Dims = 1536
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &OpenAIEmbedder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}
}

// Dims 向量维度
func (e *OpenAIEmbedder) Dims() int { return e.cfg.Dims }

// Embed 分批生成向量，返回顺序与输入一致
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limit: %w", err)
		}
		vectors, err := e.request(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed texts [%d,%d): %w", start, end, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

type embeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	Dimensions     int      `json:"dimensions,omitempty"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (e *OpenAIEmbedder) request(ctx context.Context, texts []string) ([][]float32, error) {
	started := time.Now()

	payload := embeddingRequest{Input: texts, Model: e.cfg.Model, EncodingFormat: "float"}
	// 只有 text-embedding-3-* 支持自定义维度
	if strings.Contains(e.cfg.Model, "embedding-3") {
		payload.Dimensions = e.cfg.Dims
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding API error (%d): %s", resp.StatusCode, string(raw))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}

	applog.Debug("[Knowledge/Embedder] batch embedded",
		"count", len(texts),
		"tokens", parsed.Usage.TotalTokens,
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
	return vectors, nil
}
