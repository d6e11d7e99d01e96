// Package mcp implements a Model Context Protocol client for stdio servers.
//
// # Overview
//
// MCP (Model Context Protocol) is a standard for AI tool integration. This
// package provides the client side: it spawns an MCP server as a child
// process and drives it over the process's stdin/stdout pair, so the rest of
// the system can discover and execute the tools the server exposes.
//
// # Protocol
//
// Messages are JSON-RPC 2.0 objects, one per line, UTF-8 encoded. Requests
// carry strictly increasing integer ids starting at 1; responses are matched
// to requests purely by id, so servers may answer out of order. Lines without
// an id are notifications and are logged, never correlated.
//
// The method sequence over a session:
//
//   - initialize - protocol handshake, required before anything else
//   - tools/list - discover the tools the server advertises
//   - tools/call - execute one tool with named arguments
//
// # Lifecycle
//
// A client walks a strict lifecycle: Start spawns the process and begins the
// reader, Initialize performs the handshake, then tools may be listed and
// called. Calling tool operations before Start or Initialize fails with
// ErrNotStarted or ErrNotInitialized. Shutdown closes the server's stdin,
// waits a bounded time for a clean exit, and kills the process otherwise;
// it is safe to call more than once.
//
// Every request is bounded by a per-request timeout. A timed-out request
// frees its correlation slot, so a late reply is discarded rather than
// delivered to the wrong caller. If the server's stdout closes while
// requests are in flight, each of them fails promptly with
// ErrConnectionClosed instead of waiting out its timeout.
//
// # Usage
//
// Create and start a client, then call tools:
//
//	client := mcp.NewStdioClient(mcp.ClientConfig{
//		Command: "npx",
//		Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"},
//		Logger:  logger,
//	})
//	if err := client.Start(ctx); err != nil {
//		return err
//	}
//	defer client.Shutdown(ctx)
//
//	if _, err := client.Initialize(ctx); err != nil {
//		return err
//	}
//	tools, err := client.ListTools(ctx)
//	result, err := client.CallTool(ctx, "read_file", map[string]any{"path": "/tmp/x"})
//
// # Architecture
//
// Components:
//
//   - Transport: the capability surface consumers depend on
//   - StdioClient: the stdio implementation of Transport
//   - Request/RPCError/Tool: wire types shared with tests and fakes
//
// Consumers hold a Transport, not a *StdioClient, so tests can substitute
// an in-memory implementation without spawning processes.
package mcp
