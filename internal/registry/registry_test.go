// ABOUTME: Tests for the per-user server registry using in-memory transports.
// ABOUTME: Covers idempotent loading, failure isolation, tool flattening, and shutdown.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/2389/toolhost/internal/mcp"
	"github.com/2389/toolhost/internal/store"
)

// stubConfigSource serves a fixed set of enabled configs.
type stubConfigSource struct {
	configs map[string][]*store.ServerConfig // by user
	err     error
}

func (s *stubConfigSource) ListEnabledConfigs(ctx context.Context, userID string) ([]*store.ServerConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.configs[userID], nil
}

// fakeTransport implements mcp.Transport without spawning a process.
type fakeTransport struct {
	tools      []mcp.Tool
	startErr   error
	initErr    error
	listErr    error
	callErr    error
	callResult json.RawMessage

	mu        sync.Mutex
	calls     []string
	shutdowns int
}

func (f *fakeTransport) Start(ctx context.Context) error {
	return f.startErr
}

func (f *fakeTransport) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &mcp.InitializeResult{ProtocolVersion: mcp.DefaultProtocolVersion}, nil
}

func (f *fakeTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()

	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.callResult != nil {
		return f.callResult, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	f.shutdowns++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) shutdownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdowns
}

// fakeFactory hands out fakeTransports per config id and counts spawns.
type fakeFactory struct {
	mu         sync.Mutex
	spawned    int
	transports map[string]*fakeTransport
	prepared   map[string]*fakeTransport // config id -> transport to hand out
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		transports: make(map[string]*fakeTransport),
		prepared:   make(map[string]*fakeTransport),
	}
}

func (f *fakeFactory) prepare(configID string, t *fakeTransport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared[configID] = t
}

func (f *fakeFactory) factory(cfg *store.ServerConfig) mcp.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.spawned++
	t, ok := f.prepared[cfg.ID]
	if !ok {
		t = &fakeTransport{}
	}
	f.transports[cfg.ID] = t
	return t
}

func (f *fakeFactory) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawned
}

func (f *fakeFactory) transport(configID string) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[configID]
}

func enabledConfig(id, userID, name string) *store.ServerConfig {
	return &store.ServerConfig{
		ID:      id,
		UserID:  userID,
		Name:    name,
		Command: "npx",
		Args:    []string{"-y", "fake-server"},
		Enabled: true,
	}
}

func newTestRegistry(source ConfigSource, factory TransportFactory) *Registry {
	return New(source, Options{
		NewTransport: factory,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestRegistryLoadUserServers(t *testing.T) {
	t.Run("spawns each enabled config once", func(t *testing.T) {
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{
			"alice": {
				enabledConfig("cfg-1", "alice", "gdrive"),
				enabledConfig("cfg-2", "alice", "search"),
			},
		}}
		factory := newFakeFactory()
		reg := newTestRegistry(source, factory.factory)

		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("failed to load servers: %v", err)
		}

		if factory.spawnCount() != 2 {
			t.Errorf("spawned %d servers, want 2", factory.spawnCount())
		}
		if got := len(reg.Servers("alice")); got != 2 {
			t.Errorf("registered %d servers, want 2", got)
		}

		// A second load is a no-op.
		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("repeat load failed: %v", err)
		}
		if factory.spawnCount() != 2 {
			t.Errorf("repeat load spawned servers, count now %d", factory.spawnCount())
		}
	})

	t.Run("never spawns disabled configs", func(t *testing.T) {
		disabled := enabledConfig("cfg-off", "alice", "off-server")
		disabled.Enabled = false
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{
			"alice": {disabled, enabledConfig("cfg-on", "alice", "on-server")},
		}}
		factory := newFakeFactory()
		reg := newTestRegistry(source, factory.factory)

		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("failed to load servers: %v", err)
		}

		if factory.spawnCount() != 1 {
			t.Errorf("spawned %d servers, want 1 (disabled config must not spawn)", factory.spawnCount())
		}
		servers := reg.Servers("alice")
		if len(servers) != 1 || servers[0].ConfigID != "cfg-on" {
			t.Errorf("unexpected servers: %+v", servers)
		}
	})

	t.Run("concurrent loads spawn each server once", func(t *testing.T) {
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{
			"alice": {enabledConfig("cfg-1", "alice", "gdrive")},
		}}
		factory := newFakeFactory()
		reg := newTestRegistry(source, factory.factory)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
					t.Errorf("concurrent load failed: %v", err)
				}
			}()
		}
		wg.Wait()

		if factory.spawnCount() != 1 {
			t.Errorf("spawned %d servers under concurrent load, want 1", factory.spawnCount())
		}
	})

	t.Run("skips invalid configs without aborting", func(t *testing.T) {
		bad := enabledConfig("cfg-bad", "alice", "bad-server")
		bad.Command = "bash"
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{
			"alice": {bad, enabledConfig("cfg-good", "alice", "good-server")},
		}}
		factory := newFakeFactory()
		reg := newTestRegistry(source, factory.factory)

		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("failed to load servers: %v", err)
		}

		if factory.spawnCount() != 1 {
			t.Errorf("spawned %d servers, want 1 (invalid config must not spawn)", factory.spawnCount())
		}
		servers := reg.Servers("alice")
		if len(servers) != 1 || servers[0].ConfigID != "cfg-good" {
			t.Errorf("unexpected servers: %+v", servers)
		}
	})

	t.Run("isolates startup failures and cleans up", func(t *testing.T) {
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{
			"alice": {
				enabledConfig("cfg-good", "alice", "good-server"),
				enabledConfig("cfg-noinit", "alice", "noinit-server"),
				enabledConfig("cfg-nolist", "alice", "nolist-server"),
			},
		}}
		factory := newFakeFactory()
		factory.prepare("cfg-noinit", &fakeTransport{initErr: errors.New("handshake refused")})
		factory.prepare("cfg-nolist", &fakeTransport{listErr: errors.New("tools unavailable")})
		reg := newTestRegistry(source, factory.factory)

		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("load must not fail on per-server errors: %v", err)
		}

		servers := reg.Servers("alice")
		if len(servers) != 1 || servers[0].ConfigID != "cfg-good" {
			t.Errorf("unexpected servers: %+v", servers)
		}

		// Partially started transports must have been shut down again.
		if got := factory.transport("cfg-noinit").shutdownCount(); got != 1 {
			t.Errorf("noinit transport shutdowns = %d, want 1", got)
		}
		if got := factory.transport("cfg-nolist").shutdownCount(); got != 1 {
			t.Errorf("nolist transport shutdowns = %d, want 1", got)
		}
	})

	t.Run("config fetch failure leaves user unloaded", func(t *testing.T) {
		source := &stubConfigSource{err: errors.New("store down")}
		factory := newFakeFactory()
		reg := newTestRegistry(source, factory.factory)

		if err := reg.LoadUserServers(context.Background(), "alice"); err == nil {
			t.Fatal("expected error when configs cannot be fetched")
		}

		// Once the store recovers, loading proceeds.
		source.err = nil
		source.configs = map[string][]*store.ServerConfig{
			"alice": {enabledConfig("cfg-1", "alice", "gdrive")},
		}
		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("load after recovery failed: %v", err)
		}
		if factory.spawnCount() != 1 {
			t.Errorf("spawned %d servers after recovery, want 1", factory.spawnCount())
		}
	})

	t.Run("reload picks up new configs without restarting running ones", func(t *testing.T) {
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{
			"alice": {enabledConfig("cfg-1", "alice", "gdrive")},
		}}
		factory := newFakeFactory()
		reg := newTestRegistry(source, factory.factory)

		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("failed to load servers: %v", err)
		}

		// The user registers a second server. A plain load does not see it.
		source.configs["alice"] = append(source.configs["alice"],
			enabledConfig("cfg-2", "alice", "search"))
		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("repeat load failed: %v", err)
		}
		if factory.spawnCount() != 1 {
			t.Errorf("plain load spawned new servers, count now %d", factory.spawnCount())
		}

		// A reload starts only the new server and keeps the first running.
		if err := reg.ReloadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("failed to reload servers: %v", err)
		}
		if factory.spawnCount() != 2 {
			t.Errorf("spawned %d servers after reload, want 2", factory.spawnCount())
		}
		if got := factory.transport("cfg-1").shutdownCount(); got != 0 {
			t.Errorf("running server was shut down %d times during reload", got)
		}
		if got := len(reg.Servers("alice")); got != 2 {
			t.Errorf("registered %d servers after reload, want 2", got)
		}
	})
}

func TestRegistryUserTools(t *testing.T) {
	t.Run("flattens tools with server attribution", func(t *testing.T) {
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{
			"alice": {
				enabledConfig("cfg-files", "alice", "files"),
				enabledConfig("cfg-search", "alice", "search"),
			},
		}}
		factory := newFakeFactory()
		factory.prepare("cfg-files", &fakeTransport{tools: []mcp.Tool{
			{Name: "read_file", Description: "Reads a file", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "write_file"},
		}})
		factory.prepare("cfg-search", &fakeTransport{tools: []mcp.Tool{
			{Name: "query", Description: "Searches the index"},
		}})
		reg := newTestRegistry(source, factory.factory)

		tools, err := reg.UserTools(context.Background(), "alice")
		if err != nil {
			t.Fatalf("failed to list user tools: %v", err)
		}
		if len(tools) != 3 {
			t.Fatalf("expected 3 tools, got %d", len(tools))
		}

		// Sorted by server name, then tool name.
		if tools[0].Name != "read_file" || tools[0].ServerID != "cfg-files" || tools[0].ServerName != "files" {
			t.Errorf("unexpected first tool: %+v", tools[0])
		}
		if string(tools[0].InputSchema) != `{"type":"object"}` {
			t.Errorf("input schema lost: %s", tools[0].InputSchema)
		}
		if tools[1].Name != "write_file" {
			t.Errorf("unexpected second tool: %+v", tools[1])
		}
		if tools[1].Description != "No description" {
			t.Errorf("missing description default, got %q", tools[1].Description)
		}
		if tools[2].ServerName != "search" {
			t.Errorf("unexpected third tool: %+v", tools[2])
		}
	})

	t.Run("loads servers on first use", func(t *testing.T) {
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{
			"alice": {enabledConfig("cfg-1", "alice", "gdrive")},
		}}
		factory := newFakeFactory()
		reg := newTestRegistry(source, factory.factory)

		if _, err := reg.UserTools(context.Background(), "alice"); err != nil {
			t.Fatalf("failed to list user tools: %v", err)
		}
		if factory.spawnCount() != 1 {
			t.Errorf("spawned %d servers, want 1", factory.spawnCount())
		}
	})

	t.Run("propagates config fetch failures", func(t *testing.T) {
		source := &stubConfigSource{err: errors.New("store down")}
		reg := newTestRegistry(source, newFakeFactory().factory)

		if _, err := reg.UserTools(context.Background(), "alice"); err == nil {
			t.Fatal("expected error when configs cannot be fetched")
		}
	})
}

func TestRegistryExecuteTool(t *testing.T) {
	t.Run("routes to the right server", func(t *testing.T) {
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{
			"alice": {
				enabledConfig("cfg-files", "alice", "files"),
				enabledConfig("cfg-search", "alice", "search"),
			},
		}}
		factory := newFakeFactory()
		factory.prepare("cfg-search", &fakeTransport{callResult: json.RawMessage(`{"hits":3}`)})
		reg := newTestRegistry(source, factory.factory)

		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("failed to load servers: %v", err)
		}

		raw, err := reg.ExecuteTool(context.Background(), "alice", "cfg-search", "query", map[string]any{"q": "x"})
		if err != nil {
			t.Fatalf("failed to execute tool: %v", err)
		}
		if string(raw) != `{"hits":3}` {
			t.Errorf("unexpected result: %s", raw)
		}

		search := factory.transport("cfg-search")
		if len(search.calls) != 1 || search.calls[0] != "query" {
			t.Errorf("search transport calls = %v", search.calls)
		}
		files := factory.transport("cfg-files")
		if len(files.calls) != 0 {
			t.Errorf("files transport called unexpectedly: %v", files.calls)
		}
	})

	t.Run("unknown config returns ErrServerNotFound", func(t *testing.T) {
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{}}
		reg := newTestRegistry(source, newFakeFactory().factory)

		_, err := reg.ExecuteTool(context.Background(), "alice", "cfg-missing", "query", nil)
		if !errors.Is(err, ErrServerNotFound) {
			t.Fatalf("expected ErrServerNotFound, got %v", err)
		}
		want := fmt.Sprintf("mcp server %s not found for user %s", "cfg-missing", "alice")
		if got := err.Error(); !strings.HasPrefix(got, want) {
			t.Errorf("error = %q, want prefix %q", got, want)
		}
	})

	t.Run("transport errors pass through", func(t *testing.T) {
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{
			"alice": {enabledConfig("cfg-1", "alice", "gdrive")},
		}}
		factory := newFakeFactory()
		callErr := fmt.Errorf("calling tool query: %w", mcp.ErrTimeout)
		factory.prepare("cfg-1", &fakeTransport{callErr: callErr})
		reg := newTestRegistry(source, factory.factory)

		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("failed to load servers: %v", err)
		}

		_, err := reg.ExecuteTool(context.Background(), "alice", "cfg-1", "query", nil)
		if !errors.Is(err, mcp.ErrTimeout) {
			t.Fatalf("expected timeout to pass through, got %v", err)
		}
	})
}

func TestRegistryShutdown(t *testing.T) {
	t.Run("shutdown user stops servers and forgets them", func(t *testing.T) {
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{
			"alice": {enabledConfig("cfg-1", "alice", "gdrive")},
		}}
		factory := newFakeFactory()
		reg := newTestRegistry(source, factory.factory)

		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("failed to load servers: %v", err)
		}

		reg.ShutdownUser(context.Background(), "alice")

		if got := factory.transport("cfg-1").shutdownCount(); got != 1 {
			t.Errorf("transport shutdowns = %d, want 1", got)
		}
		if servers := reg.Servers("alice"); len(servers) != 0 {
			t.Errorf("servers remain after shutdown: %+v", servers)
		}

		// Executing after shutdown fails until the user is loaded again.
		_, err := reg.ExecuteTool(context.Background(), "alice", "cfg-1", "query", nil)
		if !errors.Is(err, ErrServerNotFound) {
			t.Fatalf("expected ErrServerNotFound after shutdown, got %v", err)
		}

		// A fresh load spawns a new instance.
		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		if factory.spawnCount() != 2 {
			t.Errorf("spawned %d servers after reload, want 2", factory.spawnCount())
		}
	})

	t.Run("shutdown all covers every user", func(t *testing.T) {
		source := &stubConfigSource{configs: map[string][]*store.ServerConfig{
			"alice": {enabledConfig("cfg-a", "alice", "gdrive")},
			"bob":   {enabledConfig("cfg-b", "bob", "search")},
		}}
		factory := newFakeFactory()
		reg := newTestRegistry(source, factory.factory)

		if err := reg.LoadUserServers(context.Background(), "alice"); err != nil {
			t.Fatalf("failed to load alice: %v", err)
		}
		if err := reg.LoadUserServers(context.Background(), "bob"); err != nil {
			t.Fatalf("failed to load bob: %v", err)
		}

		reg.ShutdownAll(context.Background())

		if got := factory.transport("cfg-a").shutdownCount(); got != 1 {
			t.Errorf("alice transport shutdowns = %d, want 1", got)
		}
		if got := factory.transport("cfg-b").shutdownCount(); got != 1 {
			t.Errorf("bob transport shutdowns = %d, want 1", got)
		}
		if len(reg.Servers("alice")) != 0 || len(reg.Servers("bob")) != 0 {
			t.Error("servers remain after ShutdownAll")
		}
	})

	t.Run("shutdown of unknown user is a no-op", func(t *testing.T) {
		reg := newTestRegistry(&stubConfigSource{}, newFakeFactory().factory)
		reg.ShutdownUser(context.Background(), "nobody")
	})
}
