package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nidhogg/aide/internal/task"
)

// ArchiveTask upserts a terminal task snapshot.
func (s *Store) ArchiveTask(ctx context.Context, info task.Info) error {
	params, err := marshalNullable(info.Params)
	if err != nil {
		return fmt.Errorf("marshal params for %s: %w", info.ID, err)
	}
	var result []byte
	if info.Result != nil {
		if result, err = json.Marshal(info.Result); err != nil {
			return fmt.Errorf("marshal result for %s: %w", info.ID, err)
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO task_archive (id, type, content, params, priority, status, result, error,
		                          assigned_to, created_by, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			assigned_to = EXCLUDED.assigned_to,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			archived_at = NOW()`,
		info.ID, info.Type, info.Content, params, info.Priority.String(), string(info.Status),
		result, info.Error, info.AssignedTo, info.CreatedBy, info.CreatedAt, info.StartedAt, info.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", info.ID, err)
	}
	return nil
}

// TaskQuery filters archived tasks. Zero fields match everything.
type TaskQuery struct {
	Agent  string
	Status task.Status
	Type   string
	Limit  int
}

// Tasks lists archived tasks, most recently completed first.
func (s *Store) Tasks(ctx context.Context, q TaskQuery) ([]task.Info, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	var where []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if q.Agent != "" {
		add("assigned_to", q.Agent)
	}
	if q.Status != "" {
		add("status", string(q.Status))
	}
	if q.Type != "" {
		add("type", q.Type)
	}
	sql := `SELECT id, type, content, params, priority, status, result, error,
	               assigned_to, created_by, created_at, started_at, completed_at
	        FROM task_archive`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.Limit)
	sql += fmt.Sprintf(" ORDER BY completed_at DESC NULLS LAST LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list archived tasks: %w", err)
	}
	defer rows.Close()

	var out []task.Info
	for rows.Next() {
		var (
			info             task.Info
			params, result   []byte
			priority, status string
		)
		if err := rows.Scan(&info.ID, &info.Type, &info.Content, &params, &priority, &status, &result,
			&info.Error, &info.AssignedTo, &info.CreatedBy, &info.CreatedAt, &info.StartedAt, &info.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan archived task: %w", err)
		}
		info.Priority = task.ParsePriority(priority)
		info.Status = task.Status(status)
		if len(params) > 0 {
			_ = json.Unmarshal(params, &info.Params)
		}
		if len(result) > 0 {
			info.Result = &task.Result{}
			if err := json.Unmarshal(result, info.Result); err != nil {
				s.logger.Sugar().Warnw("decode archived result", "task", info.ID, "error", err)
				info.Result = nil
			}
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func marshalNullable(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
