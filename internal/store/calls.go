// ABOUTME: SQLite persistence for the tool invocation audit log
// ABOUTME: Implements RecordCall and the windowed count behind the rate limiter

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordCall stores one tool invocation outcome. A missing ID and a zero
// CalledAt are filled in.
func (s *SQLiteStore) RecordCall(ctx context.Context, rec *ToolCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CalledAt.IsZero() {
		rec.CalledAt = time.Now().UTC()
	}

	query := `
		INSERT INTO mcp_tool_calls (id, user_id, mcp_config_id, tool_name, success, error_message, execution_time_ms, called_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.ConfigID,
		rec.ToolName,
		rec.Success,
		nullString(rec.ErrorMessage),
		rec.ExecutionTimeMS,
		rec.CalledAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting tool call: %w", err)
	}

	s.logger.Debug("recorded tool call",
		"id", rec.ID,
		"user_id", rec.UserID,
		"config_id", rec.ConfigID,
		"tool", rec.ToolName,
		"success", rec.Success,
	)
	return nil
}

// CountCallsSince counts a user's calls against one config at or after the
// given instant. RFC3339 UTC strings compare lexicographically, so the
// window predicate runs on the index.
func (s *SQLiteStore) CountCallsSince(ctx context.Context, userID, configID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM mcp_tool_calls
		WHERE user_id = ? AND mcp_config_id = ? AND called_at >= ?
	`

	var count int
	err := s.db.QueryRowContext(ctx, query,
		userID,
		configID,
		since.UTC().Format(time.RFC3339),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting tool calls: %w", err)
	}

	return count, nil
}

// RecentCalls returns a user's most recent tool calls, newest first.
func (s *SQLiteStore) RecentCalls(ctx context.Context, userID string, limit int) ([]*ToolCallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, mcp_config_id, tool_name, success, error_message, execution_time_ms, called_at
		FROM mcp_tool_calls
		WHERE user_id = ?
		ORDER BY called_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying tool calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*ToolCallRecord
	for rows.Next() {
		var rec ToolCallRecord
		var errMsg sql.NullString
		var calledAtStr string

		err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.ConfigID,
			&rec.ToolName,
			&rec.Success,
			&errMsg,
			&rec.ExecutionTimeMS,
			&calledAtStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning tool call: %w", err)
		}

		rec.ErrorMessage = errMsg.String
		rec.CalledAt, err = time.Parse(time.RFC3339, calledAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing called_at: %w", err)
		}

		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool calls: %w", err)
	}

	return records, nil
}
