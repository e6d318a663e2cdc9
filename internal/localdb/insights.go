package localdb

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/aide/internal/proactive"
)

// SaveInsight stores an insight, filling its id and timestamp if unset.
func (db *DB) SaveInsight(ctx context.Context, in proactive.Insight) error {
	in.Normalize(time.Now())
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO insights (id, user_id, insight_type, content, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			content = excluded.content,
			confidence = excluded.confidence`,
		in.ID, in.UserID, in.Type, in.Content, in.Confidence, in.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save insight: %w", err)
	}
	return nil
}

// Insights lists a user's insights, oldest first.
func (db *DB) Insights(ctx context.Context, userID string) ([]proactive.Insight, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, user_id, insight_type, content, confidence, created_at
		FROM insights WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var out []proactive.Insight
	for rows.Next() {
		var (
			in      proactive.Insight
			created string
		)
		if err := rows.Scan(&in.ID, &in.UserID, &in.Type, &in.Content, &in.Confidence, &created); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		if in.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("insight %s created_at: %w", in.ID, err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
