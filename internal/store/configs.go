// ABOUTME: SQLite persistence for per-user MCP server configurations
// ABOUTME: Implements ConfigStore CRUD with args/env stored as JSON text

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateConfig validates and stores a new server configuration. A missing
// ID and zero timestamps are filled in.
func (s *SQLiteStore) CreateConfig(ctx context.Context, cfg *ServerConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.MCPType == "" {
		cfg.MCPType = MCPTypeStdio
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = now
	}

	args, env, err := encodeConfigJSON(cfg)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO mcp_configs (id, user_id, name, mcp_type, command, args, env, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		cfg.ID,
		cfg.UserID,
		cfg.Name,
		cfg.MCPType,
		cfg.Command,
		args,
		env,
		cfg.Enabled,
		cfg.CreatedAt.UTC().Format(time.RFC3339),
		cfg.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("config %s already exists: %w", cfg.ID, err)
		}
		return fmt.Errorf("inserting config: %w", err)
	}

	s.logger.Debug("created server config", "id", cfg.ID, "user_id", cfg.UserID, "name", cfg.Name)
	return nil
}

// GetConfig retrieves a server configuration by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetConfig(ctx context.Context, id string) (*ServerConfig, error) {
	query := `
		SELECT id, user_id, name, mcp_type, command, args, env, enabled, created_at, updated_at
		FROM mcp_configs
		WHERE id = ?
	`

	cfg, err := scanConfig(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying config: %w", err)
	}
	return cfg, nil
}

// ListConfigs returns all of a user's server configurations sorted by name.
func (s *SQLiteStore) ListConfigs(ctx context.Context, userID string) ([]*ServerConfig, error) {
	return s.listConfigs(ctx, userID, false)
}

// ListEnabledConfigs returns only the user's enabled configurations.
func (s *SQLiteStore) ListEnabledConfigs(ctx context.Context, userID string) ([]*ServerConfig, error) {
	return s.listConfigs(ctx, userID, true)
}

func (s *SQLiteStore) listConfigs(ctx context.Context, userID string, enabledOnly bool) ([]*ServerConfig, error) {
	query := `
		SELECT id, user_id, name, mcp_type, command, args, env, enabled, created_at, updated_at
		FROM mcp_configs
		WHERE user_id = ?
	`
	if enabledOnly {
		query += " AND enabled = 1"
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var configs []*ServerConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating configs: %w", err)
	}

	return configs, nil
}

// UpdateConfig validates and updates an existing configuration.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) UpdateConfig(ctx context.Context, cfg *ServerConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	cfg.UpdatedAt = time.Now().UTC()

	args, env, err := encodeConfigJSON(cfg)
	if err != nil {
		return err
	}

	query := `
		UPDATE mcp_configs
		SET name = ?, mcp_type = ?, command = ?, args = ?, env = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		cfg.Name,
		cfg.MCPType,
		cfg.Command,
		args,
		env,
		cfg.Enabled,
		cfg.UpdatedAt.UTC().Format(time.RFC3339),
		cfg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating config: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated server config", "id", cfg.ID, "name", cfg.Name, "enabled", cfg.Enabled)
	return nil
}

// DeleteConfig removes a configuration. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteConfig(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM mcp_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting config: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted server config", "id", id)
	return nil
}

// encodeConfigJSON renders args and env for storage. An empty env is stored
// as NULL.
func encodeConfigJSON(cfg *ServerConfig) (string, any, error) {
	args, err := json.Marshal(cfg.Args)
	if err != nil {
		return "", nil, fmt.Errorf("encoding args: %w", err)
	}

	var env any
	if len(cfg.Env) > 0 {
		data, err := json.Marshal(cfg.Env)
		if err != nil {
			return "", nil, fmt.Errorf("encoding env: %w", err)
		}
		env = string(data)
	}
	return string(args), env, nil
}

// scanConfig reads one mcp_configs row.
func scanConfig(row rowScanner) (*ServerConfig, error) {
	var cfg ServerConfig
	var argsJSON string
	var envJSON sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&cfg.ID,
		&cfg.UserID,
		&cfg.Name,
		&cfg.MCPType,
		&cfg.Command,
		&argsJSON,
		&envJSON,
		&cfg.Enabled,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(argsJSON), &cfg.Args); err != nil {
		return nil, fmt.Errorf("decoding args: %w", err)
	}
	if envJSON.Valid {
		if err := json.Unmarshal([]byte(envJSON.String), &cfg.Env); err != nil {
			return nil, fmt.Errorf("decoding env: %w", err)
		}
	}

	cfg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	cfg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &cfg, nil
}
