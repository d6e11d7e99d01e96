// Package store provides persistent storage for toolhost using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with two
// specialized interfaces:
//
//   - ConfigStore: CRUD for per-user MCP server configurations
//   - CallLogStore: the tool invocation audit log and windowed counts
//
// Store combines both plus Close. SQLiteStore implements everything in a
// single struct; MockStore mirrors it in memory for tests.
//
// # Data Models
//
//   - ServerConfig: one registered MCP server (command, args, env, enabled)
//   - ToolCallRecord: one invocation attempt (success, error, duration)
//
// # Validation
//
// ValidateConfig gates what is allowed to reach the database and, later, a
// process spawn: names are 3-50 characters, the command must be an
// allowlisted launcher (npx, node, python, python3, uvx) or an absolute
// path, and args must be a non-empty list. Violations wrap
// ErrInvalidConfig.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 UTC strings, so the call-log window
// predicate (called_at >= cutoff) compares lexicographically and runs on
// the (user_id, mcp_config_id, called_at) index.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrInvalidConfig: Configuration failed validation
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests:
//
//	store := store.NewMockStore()
//	store.CountCallsErr = errors.New("boom") // force failure paths
//
// Use NewSQLiteStore with a t.TempDir() path for integration tests with
// real SQLite.
package store
