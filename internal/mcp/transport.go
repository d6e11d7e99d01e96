// ABOUTME: Transport capability interface for MCP servers and its sentinel errors.
// ABOUTME: Stdio is the only transport today; new transports implement the same interface.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotStarted indicates a request was attempted before Start succeeded.
var ErrNotStarted = errors.New("mcp server not started")

// ErrNotInitialized indicates a tools/list or tools/call was attempted
// before the initialize handshake completed.
var ErrNotInitialized = errors.New("mcp server not initialized")

// ErrTimeout indicates no matching response arrived within the request timeout.
var ErrTimeout = errors.New("request timed out")

// ErrConnectionClosed indicates the server's output stream closed while
// requests were still in flight.
var ErrConnectionClosed = errors.New("connection closed")

// Transport is the capability interface for speaking to one MCP server.
// A transport owns exactly one server connection; Start must be called
// first, then Initialize, and only then ListTools and CallTool.
type Transport interface {
	// Start establishes the connection (for stdio, spawns the process).
	Start(ctx context.Context) error

	// Initialize performs the mandatory handshake. No tool operations are
	// permitted until it succeeds.
	Initialize(ctx context.Context) (*InitializeResult, error)

	// ListTools fetches the tools the server advertises.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool executes a named tool and returns the raw result payload.
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)

	// Shutdown tears the connection down. It is idempotent and best-effort.
	Shutdown(ctx context.Context) error
}
