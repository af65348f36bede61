package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgehub/internal/domain/knowledge"
)

func docs(n int) []knowledge.Document {
	out := make([]knowledge.Document, n)
	for i := range out {
		out[i] = knowledge.Document{Title: fmt.Sprintf("doc %d", i), Content: "body"}
	}
	return out
}

type fakeStore struct {
	mu       sync.Mutex
	fail     error
	calls    int
	inserted []knowledge.Document
}

func (s *fakeStore) InsertBatch(ctx context.Context, in []knowledge.Document, beforeCommit func(context.Context, []knowledge.Document) error) ([]knowledge.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return nil, s.fail
	}
	out := make([]knowledge.Document, len(in))
	for i, d := range in {
		d.ID = int64(len(s.inserted) + i + 1)
		out[i] = d
	}
	if beforeCommit != nil {
		if err := beforeCommit(ctx, out); err != nil {
			return nil, err
		}
	}
	s.inserted = append(s.inserted, out...)
	return out, nil
}

type fakeVectors struct {
	fail    error
	cleaned []int64
}

func (v *fakeVectors) IndexBatch(_ context.Context, in []knowledge.Document) ([]int64, error) {
	ids := make([]int64, 0, len(in))
	for _, d := range in {
		ids = append(ids, d.ID)
	}
	if v.fail != nil {
		return ids[:1], v.fail
	}
	return ids, nil
}

func (v *fakeVectors) Cleanup(_ context.Context, ids []int64) {
	v.cleaned = append(v.cleaned, ids...)
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	records []DeadLetter
}

func (s *fakeDeadLetters) RecordDeadLetter(_ context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *dl)
	return nil
}

func (s *fakeDeadLetters) ListDeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.records...), nil
}

func (s *fakeDeadLetters) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestSplit(t *testing.T) {
	batches := Split(docs(25), 10)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 10)
	assert.Len(t, batches[2], 5)

	assert.Empty(t, Split(nil, 10))
	assert.Len(t, Split(docs(10), 10), 1)
}

func TestProducer_PublishSplitsIntoBatches(t *testing.T) {
	broker := NewMemoryBroker(MemoryBrokerConfig{})
	p := NewProducer(broker, ProducerConfig{})

	receipt, err := p.Publish(context.Background(), docs(25))
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ImportID)
	assert.Equal(t, 25, receipt.Total)
	assert.Equal(t, 3, receipt.Batches)
	assert.Equal(t, []int{10, 10, 5}, receipt.BatchSizes)
	assert.Equal(t, 3, broker.Pending())
}

func TestProducer_Validation(t *testing.T) {
	broker := NewMemoryBroker(MemoryBrokerConfig{})
	p := NewProducer(broker, ProducerConfig{})

	_, err := p.Publish(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidBatch)

	_, err = p.Publish(context.Background(), docs(DefaultMaxDocs+1))
	assert.ErrorIs(t, err, ErrInvalidBatch)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, DefaultMaxDocs+1, ve.Size)

	bad := docs(3)
	bad[1].Content = ""
	_, err = p.Publish(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidBatch)

	_, err = p.Publish(context.Background(), docs(DefaultMaxDocs))
	assert.NoError(t, err)
	assert.Equal(t, DefaultMaxDocs/DefaultBatchSize, broker.Pending())
}

func TestConsumer_HandleStoresBatch(t *testing.T) {
	store := &fakeStore{}
	vectors := &fakeVectors{}
	c := NewConsumer(store, ConsumerConfig{})
	c.SetVectorIndexer(vectors)

	body, err := BatchMessage{ImportID: "imp", Batch: 1, TotalBatches: 1, Documents: docs(4)}.Encode()
	require.NoError(t, err)

	got := c.Handle(context.Background(), Delivery{MessageID: "imp-1", Body: body, Attempt: 1})
	assert.Equal(t, Ack, got)
	assert.Len(t, store.inserted, 4)
	assert.Empty(t, vectors.cleaned)
}

func TestConsumer_HandleRetriesThenDeadLetters(t *testing.T) {
	store := &fakeStore{fail: errors.New("db down")}
	c := NewConsumer(store, ConsumerConfig{MaxAttempts: 3})
	body, err := BatchMessage{ImportID: "imp", Batch: 2, TotalBatches: 3, Documents: docs(2)}.Encode()
	require.NoError(t, err)

	assert.Equal(t, Retry, c.Handle(context.Background(), Delivery{Body: body, Attempt: 1}))
	assert.Equal(t, Retry, c.Handle(context.Background(), Delivery{Body: body, Attempt: 2}))
	assert.Equal(t, Reject, c.Handle(context.Background(), Delivery{Body: body, Attempt: 3}))
}

func TestConsumer_HandleUndecodable(t *testing.T) {
	c := NewConsumer(&fakeStore{}, ConsumerConfig{})
	assert.Equal(t, Reject, c.Handle(context.Background(), Delivery{Body: []byte("{not json"), Attempt: 1}))
	assert.Equal(t, Reject, c.Handle(context.Background(), Delivery{Body: []byte(`{"batch":1}`), Attempt: 1}))
	assert.Equal(t, "reject", Reject.String())
}

func TestConsumer_VectorFailureRollsBackAndCleansUp(t *testing.T) {
	store := &fakeStore{}
	vectors := &fakeVectors{fail: errors.New("vector store down")}
	c := NewConsumer(store, ConsumerConfig{})
	c.SetVectorIndexer(vectors)

	body, err := BatchMessage{ImportID: "imp", Batch: 1, TotalBatches: 1, Documents: docs(3)}.Encode()
	require.NoError(t, err)

	assert.Equal(t, Retry, c.Handle(context.Background(), Delivery{Body: body, Attempt: 1}))
	assert.Empty(t, store.inserted)
	assert.Equal(t, []int64{1}, vectors.cleaned)
}

func TestPipeline_FailingBatchEndsInDeadLetterStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker(MemoryBrokerConfig{})
	store := &fakeStore{fail: errors.New("constraint violation")}
	dead := &fakeDeadLetters{}

	go func() { _ = NewConsumer(store, ConsumerConfig{MaxAttempts: 3}).Run(ctx, broker) }()
	go func() { _ = NewDeadLetterHandler(dead).Run(ctx, broker) }()

	_, err := NewProducer(broker, ProducerConfig{}).Publish(ctx, docs(5))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dead.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	records, err := NewDeadLetterHandler(dead).List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].Attempt)
	assert.Equal(t, "rejected", records[0].Reason)
	assert.Equal(t, 1, records[0].Batch)
	assert.Equal(t, 1, records[0].TotalBatches)

	store.mu.Lock()
	assert.Equal(t, 3, store.calls)
	store.mu.Unlock()
}

func TestMemoryBroker_MaxLengthDropsHead(t *testing.T) {
	broker := NewMemoryBroker(MemoryBrokerConfig{MaxLength: 2})
	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, "a", []byte("a")))
	require.NoError(t, broker.Publish(ctx, "b", []byte("b")))
	require.NoError(t, broker.Publish(ctx, "c", []byte("c")))

	assert.Equal(t, 2, broker.Pending())
	dl := broker.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, "a", dl[0].MessageID)
	assert.Equal(t, "maxlen", dl[0].Reason)
}

func TestMemoryBroker_ExpiredMessagesAreDeadLettered(t *testing.T) {
	broker := NewMemoryBroker(MemoryBrokerConfig{MessageTTL: time.Millisecond})
	require.NoError(t, broker.Publish(context.Background(), "old", []byte("x")))
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	handled := 0
	_ = broker.Consume(ctx, func(context.Context, Delivery) Disposition {
		handled++
		return Ack
	})

	assert.Zero(t, handled)
	dl := broker.DeadLetters()
	require.Len(t, dl, 1)
	assert.Equal(t, "expired", dl[0].Reason)
}

func TestDeadLetterHandler_UndecodablePayload(t *testing.T) {
	dead := &fakeDeadLetters{}
	h := NewDeadLetterHandler(dead)
	require.NoError(t, h.Handle(context.Background(), DeadDelivery{MessageID: "m-1", Body: []byte("garbage"), Attempt: 1, Reason: "rejected"}))

	require.Len(t, dead.records, 1)
	assert.Equal(t, "m-1", dead.records[0].ImportID)
	assert.Contains(t, dead.records[0].Reason, "rejected")
	assert.Equal(t, "garbage", dead.records[0].Payload)
}

func TestDeadLetterHandler_TruncatesOnRuneBoundary(t *testing.T) {
	dead := &fakeDeadLetters{}
	h := NewDeadLetterHandler(dead)

	// 两字节前缀让 64KB 边界落在三字节汉字中间
	raw := "ab" + strings.Repeat("知识库", 8000)
	require.NoError(t, h.Handle(context.Background(), DeadDelivery{MessageID: "m-2", Body: []byte(raw), Attempt: 1, Reason: "rejected"}))

	documents := make([]knowledge.Document, 10)
	for i := range documents {
		documents[i] = knowledge.Document{Title: fmt.Sprintf("文档%d", i), Content: strings.Repeat("分布式缓存与关键词索引", 800)}
	}
	body, err := BatchMessage{ImportID: "imp-cjk", Batch: 1, TotalBatches: 1, Documents: documents}.Encode()
	require.NoError(t, err)
	require.Greater(t, len(body), maxPayloadBytes)
	require.NoError(t, h.Handle(context.Background(), DeadDelivery{Body: body, Attempt: 3, Reason: "rejected"}))

	require.Len(t, dead.records, 2)
	for _, rec := range dead.records {
		assert.True(t, utf8.ValidString(rec.Payload))
		assert.LessOrEqual(t, len(rec.Payload), maxPayloadBytes)
		assert.Greater(t, len(rec.Payload), maxPayloadBytes-utf8.UTFMax)
	}
	assert.True(t, strings.HasPrefix(raw, dead.records[0].Payload))
	assert.Equal(t, "imp-cjk", dead.records[1].ImportID)
}

func TestDeadLetterHandler_ReplacesInvalidBytes(t *testing.T) {
	dead := &fakeDeadLetters{}
	h := NewDeadLetterHandler(dead)
	require.NoError(t, h.Handle(context.Background(), DeadDelivery{MessageID: "m-3", Body: []byte("ok\xff\x00end"), Reason: "rejected"}))

	require.Len(t, dead.records, 1)
	assert.Equal(t, "ok\uFFFDend", dead.records[0].Payload)
}
