// Package chat 对话轮次的准备与最终结果持久化。流式输出由外层负责，
// 本包只提供同步的 Prepare / Complete。
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"knowledgehub/internal/domain/knowledge"
	applog "knowledgehub/internal/platform/log"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	defaultHistoryLimit = 10
)

// ErrEmptyMessage 清理后消息为空
var ErrEmptyMessage = errors.New("chat message is empty")

// Message 会话消息
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Sequence  string    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryStore 会话消息存储。AppendMessage 对相同 sequence 幂等，重复时返回 false。
type HistoryStore interface {
	AppendMessage(ctx context.Context, msg *Message) (bool, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// Searcher 知识检索
type Searcher interface {
	Search(ctx context.Context, query string) ([]knowledge.Document, error)
}

// Turn 一次对话轮次的上下文
type Turn struct {
	ID        string               `json:"id"`
	SessionID string               `json:"session_id"`
	UserID    string               `json:"user_id"`
	Message   string               `json:"message"`
	Documents []knowledge.Document `json:"documents"`
	Context   string               `json:"context"`
	History   []Message            `json:"history"`
	// Prompt 附带知识上下文的用户消息
	Prompt string `json:"prompt"`
}

// Config 对话配置
type Config struct {
	HistoryLimit  int
	MaxQueryRunes int
}

// Service 对话服务
type Service struct {
	searcher Searcher
	history  HistoryStore
	cfg      Config
}

// NewService 创建对话服务
func NewService(searcher Searcher, history HistoryStore, cfg Config) *Service {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MaxQueryRunes <= 0 {
		cfg.MaxQueryRunes = knowledge.DefaultConfig().MaxQueryRunes
	}
	return &Service{searcher: searcher, history: history, cfg: cfg}
}

// Prepare 清理消息、检索知识、加载历史并保存用户消息。
// 检索失败不阻断对话，只是没有知识上下文。
func (s *Service) Prepare(ctx context.Context, sessionID, userID, message string) (*Turn, error) {
	cleaned := knowledge.CleanQuery(message, s.cfg.MaxQueryRunes)
	if cleaned == "" {
		return nil, ErrEmptyMessage
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	turn := &Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Message:   cleaned,
	}

	docs, err := s.searcher.Search(ctx, cleaned)
	if err != nil {
		applog.Warn("[Chat] retrieval failed, answering without context", "session_id", sessionID, "error", err)
	}
	turn.Documents = docs
	turn.Context = knowledge.FormatContext(docs)

	history, err := s.history.RecentMessages(ctx, sessionID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	turn.History = history

	if _, err := s.history.AppendMessage(ctx, &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleUser,
		Content:   cleaned,
		Sequence:  turn.ID + ":" + RoleUser,
	}); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	turn.Prompt = cleaned
	if turn.Context != "" {
		turn.Prompt = cleaned + "\n\n" + turn.Context
	}
	applog.Debug("[Chat] turn prepared",
		"session_id", sessionID,
		"turn_id", turn.ID,
		"documents", len(docs),
		"history", len(history),
	)
	return turn, nil
}

// Complete 保存助手最终回复，每个轮次只保存一次。返回是否本次写入。
func (s *Service) Complete(ctx context.Context, turn *Turn, answer string) (bool, error) {
	if turn == nil || turn.ID == "" {
		return false, errors.New("complete: turn is missing")
	}
	cleaned := CleanAnswer(answer)
	if cleaned == "" {
		return false, nil
	}
	saved, err := s.history.AppendMessage(ctx, &Message{
		SessionID: turn.SessionID,
		UserID:    turn.UserID,
		Role:      RoleAssistant,
		Content:   cleaned,
		Sequence:  turn.ID + ":" + RoleAssistant,
	})
	if err != nil {
		return false, fmt.Errorf("save assistant message: %w", err)
	}
	if !saved {
		applog.Debug("[Chat] duplicate completion ignored", "turn_id", turn.ID)
	}
	return saved, nil
}

// History 会话最近消息
func (s *Service) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	return s.history.RecentMessages(ctx, sessionID, limit)
}

var (
	thinkBlockRe = regexp.MustCompile(`(?s).*?</think>\s*`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

// CleanAnswer 去掉 </think> 及其之前的推理内容、HTML 标签，并压缩空白
func CleanAnswer(answer string) string {
	cleaned := thinkBlockRe.ReplaceAllString(answer, "")
	cleaned = htmlTagRe.ReplaceAllString(cleaned, "")
	return strings.Join(strings.Fields(cleaned), " ")
}
