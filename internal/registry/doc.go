// Package registry tracks the MCP servers running on behalf of each user.
//
// # Overview
//
// Users register server configurations (command, args, env) in the store;
// the registry turns the enabled ones into running child processes and
// keeps them keyed by (user, config). It is the single place that knows
// which process answers for which config, so both tool discovery and tool
// execution route through it.
//
// # Loading
//
// LoadUserServers is idempotent per user: the first call spawns every
// enabled, valid config and later calls return immediately until the user
// is shut down. ReloadUserServers re-reads the configuration for an
// already-loaded user, starting servers added since the last load while
// reusing the ones that are running. Loads for the same user are
// serialized; different users load and execute independently. One server's
// validation or startup failure is logged and skipped, never aborting the
// rest, which keeps a single broken config from taking a user's other
// tools down.
//
// # Tool attribution
//
// UserTools flattens every instance's tools into one list, tagging each
// tool with the config id (mcpServerId) and display name (mcpServerName)
// of the server providing it. Callers pass that config id back to
// ExecuteTool to route the invocation.
//
// # Shutdown
//
// ShutdownUser removes the user's instances from the registry first and
// then stops the processes, so no call can be routed to a server that is
// already going down. After shutdown, ExecuteTool returns
// ErrServerNotFound until the user's servers are loaded again.
//
// # Testing
//
// Options.NewTransport is the process seam: tests install a factory that
// returns in-memory transports, so registry behavior is covered without
// spawning anything.
package registry
