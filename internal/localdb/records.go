package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/aide/internal/memory"
)

// SaveRecords upserts records in one transaction.
func (db *DB) SaveRecords(ctx context.Context, records ...memory.Record) error {
	if len(records) == 0 {
		return nil
	}
	return db.tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO memory_records (id, content, category, priority, importance,
			                            created_at, last_accessed, access_count, source, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				content = excluded.content,
				category = excluded.category,
				priority = excluded.priority,
				importance = excluded.importance,
				last_accessed = excluded.last_accessed,
				access_count = excluded.access_count,
				source = excluded.source,
				metadata = excluded.metadata`)
		if err != nil {
			return fmt.Errorf("prepare save records: %w", err)
		}
		defer stmt.Close()

		for _, r := range records {
			var meta []byte
			if len(r.Metadata) > 0 {
				if meta, err = json.Marshal(r.Metadata); err != nil {
					return fmt.Errorf("marshal metadata for %s: %w", r.ID, err)
				}
			}
			if _, err := stmt.ExecContext(ctx, r.ID, r.Content, r.Category, r.Priority, r.Importance,
				r.CreatedAt.UTC().Format(time.RFC3339Nano), r.LastAccessed.UTC().Format(time.RFC3339Nano),
				r.AccessCount, r.Source, nullString(meta)); err != nil {
				return fmt.Errorf("save record %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// DeleteRecords removes records by id. Unknown ids are ignored.
func (db *DB) DeleteRecords(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return db.tx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM memory_records WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete record %s: %w", id, err)
			}
		}
		return nil
	})
}

// LoadRecords returns every record in creation order.
func (db *DB) LoadRecords(ctx context.Context) ([]memory.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, content, category, priority, importance, created_at, last_accessed,
		       access_count, source, metadata
		FROM memory_records ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		var (
			r                 memory.Record
			created, accessed string
			meta              sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Content, &r.Category, &r.Priority, &r.Importance,
			&created, &accessed, &r.AccessCount, &r.Source, &meta); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("record %s created_at: %w", r.ID, err)
		}
		if r.LastAccessed, err = time.Parse(time.RFC3339Nano, accessed); err != nil {
			return nil, fmt.Errorf("record %s last_accessed: %w", r.ID, err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &r.Metadata); err != nil {
				db.logger.Sugar().Warnw("drop malformed record metadata", "id", r.ID, "error", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
