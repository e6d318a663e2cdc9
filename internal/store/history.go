package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/aide/internal/memory"
)

// AppendHistory mirrors one conversation turn.
func (s *Store) AppendHistory(ctx context.Context, m memory.HistoryMessage) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation_history (session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4)`,
		m.SessionID, m.Role, m.Content, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// History returns the last limit turns of a session, oldest first. An
// empty session returns turns across all sessions.
func (s *Store) History(ctx context.Context, session string, limit int) ([]memory.HistoryMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT session_id, role, content, created_at FROM (
			SELECT id, session_id, role, content, created_at
			FROM conversation_history
			WHERE $1 = '' OR session_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent ORDER BY id ASC`, session, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var out []memory.HistoryMessage
	for rows.Next() {
		var m memory.HistoryMessage
		if err := rows.Scan(&m.SessionID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
