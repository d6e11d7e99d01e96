// ABOUTME: Store interfaces and data types for toolhost persistence
// ABOUTME: Defines ServerConfig, ToolCallRecord and the validation rules for server commands

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidConfig is returned when a server configuration fails validation
var ErrInvalidConfig = errors.New("invalid server configuration")

// MCPTypeStdio is the only server transport type this subsystem supports.
const MCPTypeStdio = "stdio"

// allowedCommands are the launcher commands a configuration may use without
// giving an absolute path.
var allowedCommands = map[string]bool{
	"npx":     true,
	"node":    true,
	"python":  true,
	"python3": true,
	"uvx":     true,
}

// ServerConfig describes one MCP server registered by a user.
type ServerConfig struct {
	ID        string
	UserID    string
	Name      string
	MCPType   string // only "stdio"
	Command   string
	Args      []string
	Env       map[string]string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolCallRecord is one audit row for a tool invocation attempt.
type ToolCallRecord struct {
	ID              string
	UserID          string
	ConfigID        string
	ToolName        string
	Success         bool
	ErrorMessage    string
	ExecutionTimeMS int64
	CalledAt        time.Time
}

// ValidateConfig checks a server configuration before it is persisted or
// used to spawn a process. Commands must be on the launcher allowlist or be
// an absolute path.
func ValidateConfig(cfg *ServerConfig) error {
	name := strings.TrimSpace(cfg.Name)
	if len(name) < 3 || len(name) > 50 {
		return fmt.Errorf("%w: name must be 3-50 characters, got %d", ErrInvalidConfig, len(name))
	}
	if cfg.MCPType != "" && cfg.MCPType != MCPTypeStdio {
		return fmt.Errorf("%w: unsupported server type %q", ErrInvalidConfig, cfg.MCPType)
	}
	if cfg.Command == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidConfig)
	}
	if !allowedCommands[cfg.Command] && !filepath.IsAbs(cfg.Command) {
		return fmt.Errorf("%w: command %q is not allowlisted and is not an absolute path", ErrInvalidConfig, cfg.Command)
	}
	if len(cfg.Args) == 0 {
		return fmt.Errorf("%w: args must not be empty", ErrInvalidConfig)
	}
	return nil
}

// ConfigStore persists per-user server configurations.
type ConfigStore interface {
	CreateConfig(ctx context.Context, cfg *ServerConfig) error
	GetConfig(ctx context.Context, id string) (*ServerConfig, error)
	ListConfigs(ctx context.Context, userID string) ([]*ServerConfig, error)
	ListEnabledConfigs(ctx context.Context, userID string) ([]*ServerConfig, error)
	UpdateConfig(ctx context.Context, cfg *ServerConfig) error
	DeleteConfig(ctx context.Context, id string) error
}

// CallLogStore persists the tool invocation audit log and answers the
// windowed count the rate limiter runs on.
type CallLogStore interface {
	RecordCall(ctx context.Context, rec *ToolCallRecord) error
	CountCallsSince(ctx context.Context, userID, configID string, since time.Time) (int, error)
	RecentCalls(ctx context.Context, userID string, limit int) ([]*ToolCallRecord, error)
}

// Store combines configuration and call-log persistence.
type Store interface {
	ConfigStore
	CallLogStore

	// Close releases any resources held by the store
	Close() error
}
