package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgehub/internal/domain/knowledge"
)

type memHistory struct {
	mu   sync.Mutex
	msgs []Message
	seqs map[string]bool
}

func newMemHistory() *memHistory { return &memHistory{seqs: map[string]bool{}} }

func (h *memHistory) AppendMessage(_ context.Context, msg *Message) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seqs[msg.Sequence] {
		return false, nil
	}
	h.seqs[msg.Sequence] = true
	msg.ID = int64(len(h.msgs) + 1)
	h.msgs = append(h.msgs, *msg)
	return true, nil
}

func (h *memHistory) RecentMessages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Message
	for _, m := range h.msgs {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type stubSearcher struct {
	docs  []knowledge.Document
	err   error
	query string
}

func (s *stubSearcher) Search(_ context.Context, q string) ([]knowledge.Document, error) {
	s.query = q
	return s.docs, s.err
}

func TestCleanAnswer(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello  world", "hello world"},
		{"think block", "<think>reasoning\nmore</think>\n\nAnswer here", "Answer here"},
		{"html", "<p>Use <b>kubectl</b></p>", "Use kubectl"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanAnswer(tt.in))
		})
	}
}

func TestPrepare_BuildsPromptAndSavesUserMessage(t *testing.T) {
	searcher := &stubSearcher{docs: []knowledge.Document{{ID: 1, Title: "Redis", Content: "in-memory store", Source: "wiki"}}}
	history := newMemHistory()
	svc := NewService(searcher, history, Config{})

	turn, err := svc.Prepare(context.Background(), "s1", "u1", "  what   is\tredis \n")
	require.NoError(t, err)
	assert.Equal(t, "what is redis", turn.Message)
	assert.Equal(t, "what is redis", searcher.query)
	assert.Contains(t, turn.Prompt, "what is redis\n\n")
	assert.Contains(t, turn.Prompt, "Redis")
	assert.Empty(t, turn.History)

	msgs, err := svc.History(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
}

func TestPrepare_RetrievalFailureStillAnswers(t *testing.T) {
	svc := NewService(&stubSearcher{err: errors.New("db down")}, newMemHistory(), Config{})
	turn, err := svc.Prepare(context.Background(), "", "u1", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, turn.SessionID)
	assert.Equal(t, "hello", turn.Prompt)
}

func TestPrepare_EmptyMessage(t *testing.T) {
	svc := NewService(&stubSearcher{}, newMemHistory(), Config{})
	_, err := svc.Prepare(context.Background(), "s1", "u1", " \n\t ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestComplete_PersistsExactlyOnce(t *testing.T) {
	history := newMemHistory()
	svc := NewService(&stubSearcher{}, history, Config{})
	turn, err := svc.Prepare(context.Background(), "s1", "u1", "hi")
	require.NoError(t, err)

	saved, err := svc.Complete(context.Background(), turn, "<think>x</think>Hello there")
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = svc.Complete(context.Background(), turn, "Hello there")
	require.NoError(t, err)
	assert.False(t, saved)

	msgs, err := svc.History(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello there", msgs[1].Content)

	next, err := svc.Prepare(context.Background(), "s1", "u1", "again")
	require.NoError(t, err)
	assert.Len(t, next.History, 2)
}
