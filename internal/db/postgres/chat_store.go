package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"knowledgehub/internal/domain/chat"
)

var _ chat.HistoryStore = (*Repository)(nil)

// AppendMessage 追加会话消息；sequence 已存在时忽略并返回 false
func (r *Repository) AppendMessage(ctx context.Context, msg *chat.Message) (bool, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_messages (session_id, user_id, role, content, sequence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (sequence) DO NOTHING`,
		msg.SessionID, msg.UserID, msg.Role, msg.Content, msg.Sequence, msg.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("append chat message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecentMessages 会话最近 limit 条消息，按时间正序
func (r *Repository) RecentMessages(ctx context.Context, sessionID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, role, content, sequence, created_at
		 FROM chat_messages WHERE session_id = $1 ORDER BY id DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
