// Package qdrant 基于 Qdrant gRPC 的向量存储，点 ID 即知识 ID。
package qdrant

import (
	"context"
	"fmt"

	qpb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"knowledgehub/internal/domain/knowledge"
	applog "knowledgehub/internal/platform/log"
)

// Client Qdrant 向量存储
type Client struct {
	conn        *grpc.ClientConn
	points      qpb.PointsClient
	collections qpb.CollectionsClient
	collection  string
}

var _ knowledge.VectorStore = (*Client)(nil)

// Dial 连接 Qdrant gRPC 端口（默认 6334）
func Dial(addr, collection string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("qdrant dial %s: %w", addr, err)
	}
	return newClient(conn, collection), nil
}

func newClient(conn *grpc.ClientConn, collection string) *Client {
	if collection == "" {
		collection = "knowledge"
	}
	return &Client{
		conn:        conn,
		points:      qpb.NewPointsClient(conn),
		collections: qpb.NewCollectionsClient(conn),
		collection:  collection,
	}
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.conn.Close()
}

// EnsureCollection 不存在时以余弦距离创建集合
func (c *Client) EnsureCollection(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("qdrant: invalid vector dims %d", dims)
	}
	resp, err := c.collections.CollectionExists(ctx, &qpb.CollectionExistsRequest{CollectionName: c.collection})
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if resp.GetResult().GetExists() {
		applog.Info("[Qdrant] collection already exists", "collection", c.collection)
		return nil
	}

	_, err = c.collections.Create(ctx, &qpb.CreateCollection{
		CollectionName: c.collection,
		VectorsConfig: &qpb.VectorsConfig{
			Config: &qpb.VectorsConfig_Params{
				Params: &qpb.VectorParams{
					Size:     uint64(dims),
					Distance: qpb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	applog.Info("[Qdrant] collection created", "collection", c.collection, "dims", dims)
	return nil
}

// Upsert 写入或覆盖一条向量
func (c *Client) Upsert(ctx context.Context, id int64, vector []float32) error {
	if id <= 0 {
		return fmt.Errorf("qdrant: invalid point id %d", id)
	}
	wait := true
	_, err := c.points.Upsert(ctx, &qpb.UpsertPoints{
		CollectionName: c.collection,
		Wait:           &wait,
		Points: []*qpb.PointStruct{{
			Id:      qpb.NewIDNum(uint64(id)),
			Vectors: qpb.NewVectors(vector...),
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert vector %d: %w", id, err)
	}
	return nil
}

// Search 相似度检索，结果按分数降序
func (c *Client) Search(ctx context.Context, vector []float32, topK int) ([]knowledge.VectorMatch, error) {
	if topK <= 0 {
		topK = 3
	}
	resp, err := c.points.Search(ctx, &qpb.SearchPoints{
		CollectionName: c.collection,
		Vector:         vector,
		Limit:          uint64(topK),
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	matches := make([]knowledge.VectorMatch, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		num := p.GetId().GetNum()
		if num == 0 {
			applog.Warn("[Qdrant] skipping point without numeric id", "id", p.GetId().GetUuid())
			continue
		}
		matches = append(matches, knowledge.VectorMatch{ID: int64(num), Score: float64(p.GetScore())})
	}
	return matches, nil
}

// Delete 删除向量；不存在视为成功
func (c *Client) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return nil
	}
	wait := true
	_, err := c.points.Delete(ctx, &qpb.DeletePoints{
		CollectionName: c.collection,
		Wait:           &wait,
		Points:         qpb.NewPointsSelector(qpb.NewIDNum(uint64(id))),
	})
	if err != nil {
		return fmt.Errorf("delete vector %d: %w", id, err)
	}
	return nil
}
