// ABOUTME: Per-user registry of running MCP server instances.
// ABOUTME: Loads configured servers on demand, flattens their tools, and routes tool calls.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolhost/internal/mcp"
	"github.com/2389/toolhost/internal/store"
)

// ErrServerNotFound is returned when a tool call targets a config with no
// running server instance.
var ErrServerNotFound = errors.New("mcp server not found")

// ServerInstance is one running MCP server bound to a user's config.
type ServerInstance struct {
	ID        string // instance id, fresh per spawn
	ConfigID  string
	Name      string
	PID       int
	Tools     []mcp.Tool
	transport mcp.Transport
}

// UserTool is a flattened view of one tool with its server attribution, the
// shape handed to API consumers.
type UserTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	ServerID    string          `json:"mcpServerId"`
	ServerName  string          `json:"mcpServerName"`
}

// ConfigSource lists the enabled server configurations for a user.
type ConfigSource interface {
	ListEnabledConfigs(ctx context.Context, userID string) ([]*store.ServerConfig, error)
}

// TransportFactory builds the transport for one server configuration.
// Tests substitute in-memory transports here.
type TransportFactory func(cfg *store.ServerConfig) mcp.Transport

// Options configures a Registry.
type Options struct {
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	NewTransport    TransportFactory
	Logger          *slog.Logger
}

// Registry tracks running server instances per user. Loading is idempotent
// per user and serialized per user, so concurrent loads for the same user
// spawn each server once while other users proceed independently.
type Registry struct {
	configs      ConfigSource
	newTransport TransportFactory
	logger       *slog.Logger

	mu        sync.Mutex
	instances map[string]map[string]*ServerInstance // userID -> configID -> instance
	loaded    map[string]bool
	loads     map[string]*sync.Mutex // per-user load gate
}

// New creates a registry over the given config source.
func New(configs ConfigSource, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		configs:      configs,
		newTransport: opts.NewTransport,
		logger:       logger.With("component", "registry"),
		instances:    make(map[string]map[string]*ServerInstance),
		loaded:       make(map[string]bool),
		loads:        make(map[string]*sync.Mutex),
	}

	if r.newTransport == nil {
		r.newTransport = func(cfg *store.ServerConfig) mcp.Transport {
			return mcp.NewStdioClient(mcp.ClientConfig{
				Command:         cfg.Command,
				Args:            cfg.Args,
				Env:             cfg.Env,
				Name:            cfg.Name,
				RequestTimeout:  opts.RequestTimeout,
				ShutdownTimeout: opts.ShutdownTimeout,
				ProtocolVersion: opts.ProtocolVersion,
				ClientName:      opts.ClientName,
				ClientVersion:   opts.ClientVersion,
				Logger:          logger,
			})
		}
	}
	return r
}

// LoadUserServers starts every enabled server configured for the user.
// Repeat calls are no-ops until the user is shut down. A server that fails
// validation or startup is skipped with a log entry; it never aborts the
// other servers. A config fetch failure is returned and leaves the user
// unloaded so a later call can retry.
func (r *Registry) LoadUserServers(ctx context.Context, userID string) error {
	return r.load(ctx, userID, false)
}

// ReloadUserServers re-reads the user's configuration even if the user was
// already loaded, starting any enabled server that is not running yet.
// Running instances are reused, so a reload picks up newly added configs
// without restarting the rest.
func (r *Registry) ReloadUserServers(ctx context.Context, userID string) error {
	return r.load(ctx, userID, true)
}

func (r *Registry) load(ctx context.Context, userID string, force bool) error {
	lock := r.loadLock(userID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	alreadyLoaded := r.loaded[userID]
	r.mu.Unlock()
	if alreadyLoaded && !force {
		return nil
	}

	configs, err := r.configs.ListEnabledConfigs(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading server configs for user %s: %w", userID, err)
	}

	started := 0
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := store.ValidateConfig(cfg); err != nil {
			r.logger.Warn("skipping invalid server config",
				"user_id", userID,
				"config_id", cfg.ID,
				"name", cfg.Name,
				"error", err,
			)
			continue
		}

		r.mu.Lock()
		_, running := r.instances[userID][cfg.ID]
		r.mu.Unlock()
		if running {
			continue
		}

		inst, err := r.startServer(ctx, cfg)
		if err != nil {
			r.logger.Warn("failed to start mcp server",
				"user_id", userID,
				"config_id", cfg.ID,
				"name", cfg.Name,
				"error", err,
			)
			continue
		}

		r.mu.Lock()
		if r.instances[userID] == nil {
			r.instances[userID] = make(map[string]*ServerInstance)
		}
		r.instances[userID][cfg.ID] = inst
		r.mu.Unlock()
		started++

		r.logger.Info("mcp server ready",
			"user_id", userID,
			"config_id", cfg.ID,
			"name", cfg.Name,
			"pid", inst.PID,
			"tools", len(inst.Tools),
		)
	}

	r.mu.Lock()
	r.loaded[userID] = true
	r.mu.Unlock()

	r.logger.Info("loaded user mcp servers",
		"user_id", userID,
		"configured", len(configs),
		"started", started,
	)
	return nil
}

// startServer walks one config through spawn, handshake, and tool
// discovery. A transport that got partway up is shut down again on failure.
func (r *Registry) startServer(ctx context.Context, cfg *store.ServerConfig) (*ServerInstance, error) {
	transport := r.newTransport(cfg)

	if err := transport.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Name, err)
	}

	if _, err := transport.Initialize(ctx); err != nil {
		r.stopQuietly(ctx, transport, cfg)
		return nil, fmt.Errorf("initializing %s: %w", cfg.Name, err)
	}

	tools, err := transport.ListTools(ctx)
	if err != nil {
		r.stopQuietly(ctx, transport, cfg)
		return nil, fmt.Errorf("listing tools on %s: %w", cfg.Name, err)
	}

	pid := 0
	if p, ok := transport.(interface{ PID() int }); ok {
		pid = p.PID()
	}

	return &ServerInstance{
		ID:        uuid.New().String(),
		ConfigID:  cfg.ID,
		Name:      cfg.Name,
		PID:       pid,
		Tools:     tools,
		transport: transport,
	}, nil
}

func (r *Registry) stopQuietly(ctx context.Context, transport mcp.Transport, cfg *store.ServerConfig) {
	if err := transport.Shutdown(ctx); err != nil {
		r.logger.Debug("cleanup shutdown failed", "name", cfg.Name, "error", err)
	}
}

// UserTools returns every tool exposed by the user's running servers,
// loading the servers first if needed. Each tool carries the config id and
// display name of the server providing it. Tools with no description get
// the literal "No description".
func (r *Registry) UserTools(ctx context.Context, userID string) ([]UserTool, error) {
	if err := r.LoadUserServers(ctx, userID); err != nil {
		return nil, err
	}

	var tools []UserTool
	for _, inst := range r.Servers(userID) {
		for _, tool := range inst.Tools {
			desc := tool.Description
			if desc == "" {
				desc = "No description"
			}
			tools = append(tools, UserTool{
				Name:        tool.Name,
				Description: desc,
				InputSchema: tool.InputSchema,
				ServerID:    inst.ConfigID,
				ServerName:  inst.Name,
			})
		}
	}

	sort.Slice(tools, func(i, j int) bool {
		if tools[i].ServerName != tools[j].ServerName {
			return tools[i].ServerName < tools[j].ServerName
		}
		return tools[i].Name < tools[j].Name
	})
	return tools, nil
}

// ExecuteTool routes a tool call to the user's running server for the given
// config. It does not load servers on demand: executing against a user or
// config with no running instance returns ErrServerNotFound.
func (r *Registry) ExecuteTool(ctx context.Context, userID, configID, toolName string, args map[string]any) (json.RawMessage, error) {
	r.mu.Lock()
	inst := r.instances[userID][configID]
	r.mu.Unlock()

	if inst == nil {
		return nil, fmt.Errorf("mcp server %s not found for user %s: %w", configID, userID, ErrServerNotFound)
	}

	// The call runs outside the registry lock so a slow tool cannot stall
	// loads or calls for other users.
	return inst.transport.CallTool(ctx, toolName, args)
}

// Servers returns a snapshot of the user's running instances sorted by name.
func (r *Registry) Servers(userID string) []*ServerInstance {
	r.mu.Lock()
	defer r.mu.Unlock()

	instances := make([]*ServerInstance, 0, len(r.instances[userID]))
	for _, inst := range r.instances[userID] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances
}

// ShutdownUser stops all of the user's servers. Instances are removed from
// the registry before their processes are awaited, so a concurrent
// ExecuteTool cannot race onto a dying server. Shutdown failures are logged.
func (r *Registry) ShutdownUser(ctx context.Context, userID string) {
	r.mu.Lock()
	instances := r.instances[userID]
	delete(r.instances, userID)
	delete(r.loaded, userID)
	r.mu.Unlock()

	if len(instances) == 0 {
		return
	}

	for _, inst := range instances {
		if err := inst.transport.Shutdown(ctx); err != nil {
			r.logger.Error("failed to shut down mcp server",
				"user_id", userID,
				"config_id", inst.ConfigID,
				"name", inst.Name,
				"error", err,
			)
		}
	}

	r.logger.Info("shut down user mcp servers", "user_id", userID, "count", len(instances))
}

// ShutdownAll stops every running server for every user.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	users := make([]string, 0, len(r.instances))
	for userID := range r.instances {
		users = append(users, userID)
	}
	r.mu.Unlock()

	for _, userID := range users {
		r.ShutdownUser(ctx, userID)
	}
}

// loadLock returns the per-user mutex that serializes loads for one user.
func (r *Registry) loadLock(userID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.loads[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.loads[userID] = lock
	}
	return lock
}
