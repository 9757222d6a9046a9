package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shirube/internal/model"
)

// UpdateTrustScore persists ev.NewScore for ev.ToolID and appends ev to the
// trust history in the same transaction. Concurrent writers to one id are
// last-write-wins. Serialization conflicts are retried.
func (db *DB) UpdateTrustScore(ctx context.Context, ev model.TrustEvent) error {
	return WithRetry(ctx, DefaultMaxRetries, DefaultBaseDelay, func() error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`UPDATE tools SET trust_score = $2, updated_at = now() WHERE id = $1`,
				ev.ToolID, ev.NewScore)
			if err != nil {
				return fmt.Errorf("storage: update trust score %d: %w", ev.ToolID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("storage: update trust score %d: %w", ev.ToolID, ErrNotFound)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO tool_trust_events (tool_id, run_id, status, previous_score, effective_score, new_score)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				ev.ToolID, ev.RunID, string(ev.Status), ev.PreviousScore, ev.EffectiveScore, ev.NewScore,
			); err != nil {
				return fmt.Errorf("storage: record trust event %d: %w", ev.ToolID, err)
			}
			return nil
		})
	})
}

// ListTrustEvents returns the most recent trust transitions of one tool.
func (db *DB) ListTrustEvents(ctx context.Context, toolID int64, limit int) ([]model.TrustEvent, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, tool_id, run_id, status, previous_score, effective_score, new_score, created_at
		FROM tool_trust_events
		WHERE tool_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, toolID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list trust events: %w", err)
	}
	defer rows.Close()

	var out []model.TrustEvent
	for rows.Next() {
		var (
			ev     model.TrustEvent
			status string
		)
		if err := rows.Scan(&ev.ID, &ev.ToolID, &ev.RunID, &status,
			&ev.PreviousScore, &ev.EffectiveScore, &ev.NewScore, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan trust event: %w", err)
		}
		ev.Status = model.AssessmentStatus(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}
