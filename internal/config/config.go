// ABOUTME: Configuration loading and parsing for toolhost
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in defaults applied wherever the file leaves a field unset.
const (
	defaultDatabasePath    = "toolhost.db"
	defaultRequestTimeout  = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultRateLimit       = 100
	defaultRateWindow      = time.Hour
)

// Config represents the complete toolhost configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	MCP       MCPConfig       `yaml:"mcp"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MCPConfig holds client-side settings applied to every spawned server.
// ProtocolVersion, ClientName, and ClientVersion are optional; when empty
// the client's own defaults apply.
type MCPConfig struct {
	RequestTimeout  time.Duration `yaml:"-"`
	ShutdownTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw  string `yaml:"request_timeout"`
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`

	ProtocolVersion string `yaml:"protocol_version"`
	ClientName      string `yaml:"client_name"`
	ClientVersion   string `yaml:"client_version"`
}

// RateLimitConfig holds the sliding-window quota settings
type RateLimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	WindowRaw string `yaml:"window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: defaultDatabasePath},
		MCP: MCPConfig{
			RequestTimeout:  defaultRequestTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		RateLimit: RateLimitConfig{
			Limit:  defaultRateLimit,
			Window: defaultRateWindow,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Fields the file leaves unset fall back to the built-in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault behaves like Load, but substitutes DefaultConfig when no
// file exists at path.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills every unset field from DefaultConfig. A zero quota
// limit or window means "use the default", so only explicitly negative
// values reach Validate.
func (c *Config) applyDefaults() {
	d := DefaultConfig()

	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.MCP.RequestTimeout == 0 {
		c.MCP.RequestTimeout = d.MCP.RequestTimeout
	}
	if c.MCP.ShutdownTimeout == 0 {
		c.MCP.ShutdownTimeout = d.MCP.ShutdownTimeout
	}
	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = d.RateLimit.Limit
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = d.RateLimit.Window
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.MCP.RequestTimeout <= 0 {
		return fmt.Errorf("mcp.request_timeout must be positive")
	}
	if c.MCP.ShutdownTimeout <= 0 {
		return fmt.Errorf("mcp.shutdown_timeout must be positive")
	}
	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("ratelimit.limit must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.MCP.RequestTimeoutRaw != "" {
		cfg.MCP.RequestTimeout, err = time.ParseDuration(cfg.MCP.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing mcp.request_timeout %q: %w", cfg.MCP.RequestTimeoutRaw, err)
		}
	}

	if cfg.MCP.ShutdownTimeoutRaw != "" {
		cfg.MCP.ShutdownTimeout, err = time.ParseDuration(cfg.MCP.ShutdownTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing mcp.shutdown_timeout %q: %w", cfg.MCP.ShutdownTimeoutRaw, err)
		}
	}

	if cfg.RateLimit.WindowRaw != "" {
		cfg.RateLimit.Window, err = time.ParseDuration(cfg.RateLimit.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing ratelimit.window %q: %w", cfg.RateLimit.WindowRaw, err)
		}
	}

	return nil
}
