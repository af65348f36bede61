package postgres

import (
	"context"
	"fmt"
	"time"

	"knowledgehub/internal/domain/ingest"
)

var _ ingest.DeadLetterStore = (*Repository)(nil)

// RecordDeadLetter 记录一条无法处理的导入批次
func (r *Repository) RecordDeadLetter(ctx context.Context, dl *ingest.DeadLetter) error {
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO import_dead_letters (import_id, batch, total_batches, attempt, reason, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		dl.ImportID, dl.Batch, dl.TotalBatches, dl.Attempt, dl.Reason, dl.Payload, dl.CreatedAt,
	).Scan(&dl.ID)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters 最近的死信，按时间倒序
func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]ingest.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, import_id, batch, total_batches, attempt, reason, payload, created_at
		 FROM import_dead_letters ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []ingest.DeadLetter
	for rows.Next() {
		var dl ingest.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.ImportID, &dl.Batch, &dl.TotalBatches, &dl.Attempt, &dl.Reason, &dl.Payload, &dl.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}
