// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject storage failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing. The exported
// error fields let tests force individual operations to fail.
type MockStore struct {
	mu      sync.RWMutex
	configs map[string]*ServerConfig // keyed by config ID
	calls   []*ToolCallRecord

	// Error hooks for failure-path tests
	CreateConfigErr error
	ListConfigsErr  error
	RecordCallErr   error
	CountCallsErr   error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		configs: make(map[string]*ServerConfig),
	}
}

// CreateConfig stores a new server configuration.
func (m *MockStore) CreateConfig(ctx context.Context, cfg *ServerConfig) error {
	if m.CreateConfigErr != nil {
		return m.CreateConfigErr
	}
	if err := ValidateConfig(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = "mock-config-" + time.Now().UTC().Format("150405.000000000")
	}
	if cfg.MCPType == "" {
		cfg.MCPType = MCPTypeStdio
	}

	// Make a copy to avoid external modification
	c := *cfg
	m.configs[c.ID] = &c
	return nil
}

// GetConfig retrieves a configuration by ID.
func (m *MockStore) GetConfig(ctx context.Context, id string) (*ServerConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cfg
	return &c, nil
}

// ListConfigs returns all of a user's configurations sorted by name.
func (m *MockStore) ListConfigs(ctx context.Context, userID string) ([]*ServerConfig, error) {
	return m.listConfigs(userID, false)
}

// ListEnabledConfigs returns only the user's enabled configurations.
func (m *MockStore) ListEnabledConfigs(ctx context.Context, userID string) ([]*ServerConfig, error) {
	return m.listConfigs(userID, true)
}

func (m *MockStore) listConfigs(userID string, enabledOnly bool) ([]*ServerConfig, error) {
	if m.ListConfigsErr != nil {
		return nil, m.ListConfigsErr
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var configs []*ServerConfig
	for _, cfg := range m.configs {
		if cfg.UserID != userID {
			continue
		}
		if enabledOnly && !cfg.Enabled {
			continue
		}
		c := *cfg
		configs = append(configs, &c)
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}

// UpdateConfig replaces an existing configuration.
func (m *MockStore) UpdateConfig(ctx context.Context, cfg *ServerConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[cfg.ID]; !ok {
		return ErrNotFound
	}
	c := *cfg
	c.UpdatedAt = time.Now().UTC()
	m.configs[c.ID] = &c
	return nil
}

// DeleteConfig removes a configuration.
func (m *MockStore) DeleteConfig(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[id]; !ok {
		return ErrNotFound
	}
	delete(m.configs, id)
	return nil
}

// RecordCall appends a tool call record.
func (m *MockStore) RecordCall(ctx context.Context, rec *ToolCallRecord) error {
	if m.RecordCallErr != nil {
		return m.RecordCallErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r := *rec
	if r.CalledAt.IsZero() {
		r.CalledAt = time.Now().UTC()
	}
	m.calls = append(m.calls, &r)
	return nil
}

// CountCallsSince counts calls for (user, config) at or after since.
func (m *MockStore) CountCallsSince(ctx context.Context, userID, configID string, since time.Time) (int, error) {
	if m.CountCallsErr != nil {
		return 0, m.CountCallsErr
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, rec := range m.calls {
		if rec.UserID == userID && rec.ConfigID == configID && !rec.CalledAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// RecentCalls returns a user's calls, newest first.
func (m *MockStore) RecentCalls(ctx context.Context, userID string, limit int) ([]*ToolCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*ToolCallRecord
	for _, rec := range m.calls {
		if rec.UserID == userID {
			r := *rec
			records = append(records, &r)
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].CalledAt.After(records[j].CalledAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
