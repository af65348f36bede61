package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"knowledgehub/internal/domain/knowledge"
	applog "knowledgehub/internal/platform/log"
)

// Config OpenSearch 连接配置
type Config struct {
	URL      string
	Username string
	Password string
	Index    string
	// Insecure 跳过 TLS 校验，仅用于开发环境自签证书
	Insecure bool
	Timeout  time.Duration
}

// Client OpenSearch kNN 向量存储，文档 _id 即知识 ID
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	indexName  string
}

var _ knowledge.VectorStore = (*Client)(nil)

// NewClient 创建 OpenSearch 客户端
func NewClient(cfg Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // 开发环境
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	index := cfg.Index
	if index == "" {
		index = "knowledge_vectors"
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		indexName: index,
	}
}

// EnsureCollection 确保索引存在，如不存在则创建
func (c *Client) EnsureCollection(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("opensearch: invalid vector dims %d", dims)
	}
	resp, err := c.doRequest(ctx, http.MethodHead, "/"+c.indexName, nil)
	if err != nil {
		return fmt.Errorf("check index existence: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		applog.Info("[OpenSearch] index already exists", "index", c.indexName)
		return nil
	}

	mapping := map[string]any{
		"settings": map[string]any{
			"index.knn": true,
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"knowledge_id": map[string]string{"type": "long"},
				"vector": map[string]any{
					"type":      "knn_vector",
					"dimension": dims,
					"method": map[string]any{
						"name":       "hnsw",
						"space_type": "cosinesimil",
						"engine":     "lucene",
					},
				},
			},
		},
	}

	body, _ := json.Marshal(mapping)
	resp, err = c.doRequest(ctx, http.MethodPut, "/"+c.indexName, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create index failed (%d): %s", resp.StatusCode, string(respBody))
	}

	applog.Info("[OpenSearch] index created", "index", c.indexName, "dims", dims)
	return nil
}

// Upsert 写入或覆盖一条向量
func (c *Client) Upsert(ctx context.Context, id int64, vector []float32) error {
	body, _ := json.Marshal(map[string]any{
		"knowledge_id": id,
		"vector":       vector,
	})
	resp, err := c.doRequest(ctx, http.MethodPut, "/"+c.indexName+"/_doc/"+knowledge.FormatID(id), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upsert vector %d: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upsert vector %d failed (%d): %s", id, resp.StatusCode, string(respBody))
	}
	return nil
}

// Search kNN 向量检索，结果按分数降序
func (c *Client) Search(ctx context.Context, vector []float32, topK int) ([]knowledge.VectorMatch, error) {
	if topK <= 0 {
		topK = 3
	}
	query := map[string]any{
		"size":    topK,
		"_source": false,
		"query": map[string]any{
			"knn": map[string]any{
				"vector": map[string]any{
					"vector": vector,
					"k":      topK,
				},
			},
		},
	}

	body, _ := json.Marshal(query)
	resp, err := c.doRequest(ctx, http.MethodPost, "/"+c.indexName+"/_search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var osResp struct {
		Hits struct {
			Hits []struct {
				ID    string  `json:"_id"`
				Score float64 `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.Unmarshal(respBody, &osResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	matches := make([]knowledge.VectorMatch, 0, len(osResp.Hits.Hits))
	for _, hit := range osResp.Hits.Hits {
		id, err := knowledge.ParseID(hit.ID)
		if err != nil {
			applog.Warn("[OpenSearch] skipping hit with foreign id", "id", hit.ID)
			continue
		}
		matches = append(matches, knowledge.VectorMatch{ID: id, Score: hit.Score})
	}
	return matches, nil
}

// Delete 删除向量；不存在视为成功
func (c *Client) Delete(ctx context.Context, id int64) error {
	resp, err := c.doRequest(ctx, http.MethodDelete, "/"+c.indexName+"/_doc/"+knowledge.FormatID(id), nil)
	if err != nil {
		return fmt.Errorf("delete vector %d: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete vector %d failed (%d): %s", id, resp.StatusCode, string(respBody))
	}
	return nil
}

// Ping 检查 OpenSearch 连通性
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return fmt.Errorf("ping opensearch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opensearch returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	return c.httpClient.Do(req)
}
