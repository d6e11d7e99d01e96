// ABOUTME: Entry point for the toolhost CLI
// ABOUTME: Manages MCP server configs and runs tool calls against them

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"

	"github.com/2389/toolhost/internal/config"
	"github.com/2389/toolhost/internal/executor"
	"github.com/2389/toolhost/internal/ratelimit"
	"github.com/2389/toolhost/internal/registry"
	"github.com/2389/toolhost/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _              _ _               _
 | |_ ___   ___ | | |__   ___  ___| |_
 | __/ _ \ / _ \| | '_ \ / _ \/ __| __|
 | || (_) | (_) | | | | | (_) \__ \ |_
  \__\___/ \___/|_|_| |_|\___/|___/\__|
`

// getConfigPath returns the path to the toolhost config file.
// Priority: TOOLHOST_CONFIG env var > XDG_CONFIG_HOME/toolhost/config.yaml > ~/.config/toolhost/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TOOLHOST_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "toolhost", "config.yaml")
}

// getDataPath returns the path to the toolhost data directory.
// Priority: XDG_DATA_HOME/toolhost > ~/.local/share/toolhost
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "toolhost")
}

func printUsage() {
	fmt.Println("Usage: toolhost <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init                                Create a default config file")
	fmt.Println("  import --user USER --file FILE      Import MCP server definitions from TOML")
	fmt.Println("  configs --user USER                 List a user's server configs")
	fmt.Println("  tools --user USER                   Start the user's servers and list their tools")
	fmt.Println("  call --user USER --server ID --tool NAME [--args JSON]")
	fmt.Println("                                      Execute one tool call")
	fmt.Println("  history --user USER [--limit N]     Show recent tool calls")
	fmt.Println("  version                             Print version")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit()
	case "import":
		err = runImport(ctx, os.Args[2:])
	case "configs":
		err = runConfigs(ctx, os.Args[2:])
	case "tools":
		err = runTools(ctx, os.Args[2:])
	case "call":
		err = runCall(ctx, os.Args[2:])
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "version":
		fmt.Printf("toolhost %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the components every data subcommand wires up.
type app struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	registry *registry.Registry
	executor *executor.Executor
	logger   *slog.Logger
}

func openApp() (*app, error) {
	cfg, err := config.LoadOrDefault(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	limiter := ratelimit.New(st, cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
	reg := registry.New(st, registry.Options{
		RequestTimeout:  cfg.MCP.RequestTimeout,
		ShutdownTimeout: cfg.MCP.ShutdownTimeout,
		ProtocolVersion: cfg.MCP.ProtocolVersion,
		ClientName:      cfg.MCP.ClientName,
		ClientVersion:   cfg.MCP.ClientVersion,
		Logger:          logger,
	})

	return &app{
		cfg:      cfg,
		store:    st,
		registry: reg,
		executor: executor.New(reg, limiter, logger),
		logger:   logger,
	}, nil
}

func (a *app) close(ctx context.Context) {
	a.registry.ShutdownAll(ctx)
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", "error", err)
	}
}

func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "toolhost.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	if _, err := os.Stat(configPath); err == nil {
		cyan.Printf("  Config already exists: %s\n", configPath)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# toolhost configuration
# Generated by toolhost init

database:
  path: "%s"

# Client settings applied to every spawned MCP server.
mcp:
  request_timeout: "30s"
  shutdown_timeout: "5s"

# Sliding-window quota per user and server config.
ratelimit:
  limit: 100
  window: "1h"

logging:
  level: "info"
  format: "text"
`, dbPath)

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green.Printf("  ✓ Created config: %s\n", configPath)
	green.Printf("  ✓ Data directory: %s\n", dataPath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    toolhost import --user you --file servers.toml")
	fmt.Println("    toolhost tools --user you")

	return nil
}

// serverManifest is the TOML shape consumed by the import command:
//
//	[servers.gdrive]
//	command = "npx"
//	args = ["-y", "@modelcontextprotocol/server-gdrive"]
//	enabled = true
//	[servers.gdrive.env]
//	GDRIVE_CREDS = "/path/creds.json"
type serverManifest struct {
	Servers map[string]manifestServer `toml:"servers"`
}

type manifestServer struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Enabled *bool             `toml:"enabled"` // absent means enabled
}

func runImport(ctx context.Context, args []string) error {
	var userID, file string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--user", "-u":
			if i+1 < len(args) {
				userID = args[i+1]
				i++
			}
		case "--file", "-f":
			if i+1 < len(args) {
				file = args[i+1]
				i++
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if userID == "" || file == "" {
		return fmt.Errorf("usage: toolhost import --user USER --file servers.toml")
	}

	var manifest serverManifest
	if _, err := toml.DecodeFile(file, &manifest); err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}
	if len(manifest.Servers) == 0 {
		return fmt.Errorf("no [servers.<name>] blocks in %s", file)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(ctx)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	names := make([]string, 0, len(manifest.Servers))
	for name := range manifest.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	created := 0
	for _, name := range names {
		def := manifest.Servers[name]
		enabled := true
		if def.Enabled != nil {
			enabled = *def.Enabled
		}

		cfg := &store.ServerConfig{
			UserID:  userID,
			Name:    name,
			Command: def.Command,
			Args:    def.Args,
			Env:     def.Env,
			Enabled: enabled,
		}
		if err := a.store.CreateConfig(ctx, cfg); err != nil {
			yellow.Printf("  skipped %s: %v\n", name, err)
			continue
		}
		green.Printf("  ✓ imported %s (%s)\n", name, cfg.ID)
		created++
	}

	fmt.Println()
	fmt.Printf("  %d of %d servers imported for %s\n", created, len(names), userID)
	return nil
}

func runConfigs(ctx context.Context, args []string) error {
	userID, err := parseUserArgs(args, "configs")
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(ctx)

	configs, err := a.store.ListConfigs(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing configs: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  MCP Servers")
	cyan.Println("  -----------")

	if len(configs) == 0 {
		fmt.Println("  (no servers configured)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tID\tCOMMAND\tENABLED\tCREATED")
	fmt.Fprintln(w, "  ----\t--\t-------\t-------\t-------")
	for _, c := range configs {
		command := strings.Join(append([]string{c.Command}, c.Args...), " ")
		fmt.Fprintf(w, "  %s\t%s\t%s\t%t\t%s\n",
			c.Name, c.ID, truncate(command, 40), c.Enabled,
			c.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	fmt.Println()

	return nil
}

func runTools(ctx context.Context, args []string) error {
	userID, err := parseUserArgs(args, "tools")
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(ctx)

	tools, err := a.executor.ListTools(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing tools: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Available Tools")
	cyan.Println("  ---------------")

	if len(tools) == 0 {
		fmt.Println("  (no tools available)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  SERVER\tTOOL\tDESCRIPTION")
	fmt.Fprintln(w, "  ------\t----\t-----------")
	for _, t := range tools {
		fmt.Fprintf(w, "  %s\t%s\t%s\n", t.ServerName, t.Name, truncate(t.Description, 60))
	}
	w.Flush()
	fmt.Println()

	return nil
}

func runCall(ctx context.Context, args []string) error {
	var userID, serverID, toolName string
	argsJSON := "{}"

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--user", "-u":
			if i+1 < len(args) {
				userID = args[i+1]
				i++
			}
		case "--server", "-s":
			if i+1 < len(args) {
				serverID = args[i+1]
				i++
			}
		case "--tool", "-t":
			if i+1 < len(args) {
				toolName = args[i+1]
				i++
			}
		case "--args", "-a":
			if i+1 < len(args) {
				argsJSON = args[i+1]
				i++
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if userID == "" || serverID == "" || toolName == "" {
		return fmt.Errorf("usage: toolhost call --user USER --server ID --tool NAME [--args JSON]")
	}

	var arguments map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &arguments); err != nil {
		return fmt.Errorf("parsing --args: %w", err)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(ctx)

	// Execution needs the user's servers running first.
	if err := a.registry.LoadUserServers(ctx, userID); err != nil {
		return fmt.Errorf("loading servers: %w", err)
	}

	res := a.executor.Execute(ctx, userID, &executor.CallRequest{
		ToolName:  toolName,
		Arguments: arguments,
		ServerID:  serverID,
	})

	fmt.Println()
	if res.Success {
		color.New(color.FgGreen).Printf("  ✓ %s (%dms)\n", res.ToolName, res.ExecutionTimeMS)
	} else {
		color.New(color.FgRed).Printf("  ✗ %s\n", res.ToolName)
	}

	out, err := json.MarshalIndent(res, "  ", "  ")
	if err != nil {
		return fmt.Errorf("rendering result: %w", err)
	}
	fmt.Printf("  %s\n", out)

	return nil
}

func runHistory(ctx context.Context, args []string) error {
	var userID string
	limit := 20

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--user", "-u":
			if i+1 < len(args) {
				userID = args[i+1]
				i++
			}
		case "--limit", "-n":
			if i+1 < len(args) {
				n, err := strconv.Atoi(args[i+1])
				if err != nil {
					return fmt.Errorf("parsing --limit: %w", err)
				}
				limit = n
				i++
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if userID == "" {
		return fmt.Errorf("usage: toolhost history --user USER [--limit N]")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close(ctx)

	calls, err := a.store.RecentCalls(ctx, userID, limit)
	if err != nil {
		return fmt.Errorf("listing calls: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Recent Tool Calls")
	cyan.Println("  -----------------")

	if len(calls) == 0 {
		fmt.Println("  (no calls recorded)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  CALLED\tTOOL\tCONFIG\tOK\tMS\tERROR")
	fmt.Fprintln(w, "  ------\t----\t------\t--\t--\t-----")
	for _, c := range calls {
		ok := "✓"
		if !c.Success {
			ok = "✗"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d\t%s\n",
			c.CalledAt.Local().Format("2006-01-02 15:04:05"),
			c.ToolName, c.ConfigID, ok, c.ExecutionTimeMS,
			truncate(c.ErrorMessage, 50))
	}
	w.Flush()
	fmt.Println()

	return nil
}

// parseUserArgs handles the single --user flag shared by list-style commands.
func parseUserArgs(args []string, command string) (string, error) {
	var userID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--user", "-u":
			if i+1 < len(args) {
				userID = args[i+1]
				i++
			}
		default:
			return "", fmt.Errorf("unknown flag: %s", args[i])
		}
	}
	if userID == "" {
		return "", fmt.Errorf("usage: toolhost %s --user USER", command)
	}
	return userID, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
