// ABOUTME: Stdio transport for MCP servers: spawns the process and speaks JSON-RPC over its pipes.
// ABOUTME: Correlates concurrent in-flight requests by integer id via a pending-request map.

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Default bounds for the stdio transport.
const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second

	defaultClientName    = "toolhost"
	defaultClientVersion = "0.1.0"
)

// clientState tracks the stdio client lifecycle.
type clientState int

const (
	stateUnstarted clientState = iota
	stateStarting
	stateReady
	stateShuttingDown
	stateStopped
)

// rpcResult carries the outcome of one request to its waiting caller.
type rpcResult struct {
	result json.RawMessage
	err    error
}

// ClientConfig configures a StdioClient.
type ClientConfig struct {
	Command string
	Args    []string
	Env     map[string]string // overlaid on the parent environment
	Name    string            // display name for logs

	RequestTimeout  time.Duration // per-request bound, default 30s
	ShutdownTimeout time.Duration // graceful exit bound, default 5s
	ProtocolVersion string        // default DefaultProtocolVersion
	ClientName      string
	ClientVersion   string

	Logger *slog.Logger
}

// StdioClient speaks JSON-RPC 2.0 with one child process over its stdio
// pair. Many requests may be in flight concurrently; correlation is purely
// by request id, never by send order.
type StdioClient struct {
	command string
	args    []string
	env     map[string]string
	name    string

	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	protocolVersion string
	clientName      string
	clientVersion   string

	logger *slog.Logger

	mu          sync.Mutex
	state       clientState
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	initialized bool

	writeMu sync.Mutex // serializes line writes to stdin

	pendingMu sync.Mutex
	pending   map[int64]chan rpcResult
	nextID    int64

	readerDone chan struct{}
}

var _ Transport = (*StdioClient)(nil)

// NewStdioClient creates a client for the given command. The process is not
// spawned until Start is called.
func NewStdioClient(cfg ClientConfig) *StdioClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Command
	}
	c := &StdioClient{
		command:         cfg.Command,
		args:            cfg.Args,
		env:             cfg.Env,
		name:            name,
		requestTimeout:  cfg.RequestTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		protocolVersion: cfg.ProtocolVersion,
		clientName:      cfg.ClientName,
		clientVersion:   cfg.ClientVersion,
		logger:          logger.With("component", "mcp-client"),
		pending:         make(map[int64]chan rpcResult),
		readerDone:      make(chan struct{}),
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if c.shutdownTimeout <= 0 {
		c.shutdownTimeout = DefaultShutdownTimeout
	}
	if c.protocolVersion == "" {
		c.protocolVersion = DefaultProtocolVersion
	}
	if c.clientName == "" {
		c.clientName = defaultClientName
	}
	if c.clientVersion == "" {
		c.clientVersion = defaultClientVersion
	}
	return c
}

// Start spawns the server process and begins reading its output.
func (c *StdioClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateUnstarted {
		c.mu.Unlock()
		return fmt.Errorf("server %s already started", c.name)
	}
	c.state = stateStarting
	c.mu.Unlock()

	c.logger.Info("starting mcp server", "server", c.name, "command", c.command)

	cmd := exec.Command(c.command, c.args...)
	cmd.Env = mergeEnv(c.env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.setState(stateStopped)
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.setState(stateStopped)
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.setState(stateStopped)
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		c.setState(stateStopped)
		return fmt.Errorf("starting %s: %w", c.command, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()
	c.attach(stdin, stdout, stderr)

	c.logger.Info("mcp server started", "server", c.name, "pid", cmd.Process.Pid)
	return nil
}

// attach wires the client to its streams and starts the background readers.
func (c *StdioClient) attach(stdin io.WriteCloser, stdout, stderr io.Reader) {
	c.mu.Lock()
	c.stdin = stdin
	c.state = stateReady
	c.mu.Unlock()

	go c.readLoop(stdout)
	if stderr != nil {
		go c.drainStderr(stderr)
	}
}

// Initialize performs the protocol handshake. It must complete before
// ListTools or CallTool are permitted.
func (c *StdioClient) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: c.protocolVersion,
		ClientInfo: ClientInfo{
			Name:    c.clientName,
			Version: c.clientVersion,
		},
	}

	raw, err := c.call(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initializing %s: %w", c.name, err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info("mcp server initialized",
		"server", c.name,
		"protocol_version", result.ProtocolVersion,
	)
	return &result, nil
}

// ListTools fetches the tools the server advertises.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}

	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("listing tools on %s: %w", c.name, err)
	}

	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding tools/list result: %w", err)
	}

	c.logger.Info("mcp server exposed tools", "server", c.name, "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool executes a named tool and returns the raw result payload.
// A JSON-RPC error from the server is returned as an *RPCError.
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if err := c.requireInitialized(); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	raw, err := c.call(ctx, "tools/call", CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("calling tool %s on %s: %w", name, c.name, err)
	}
	return raw, nil
}

// Shutdown stops the server process. It closes stdin, waits up to the
// shutdown timeout for a clean exit, and kills the process otherwise.
// Shutdown is idempotent; failures are logged, not returned.
func (c *StdioClient) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateShuttingDown, stateStopped:
		c.mu.Unlock()
		return nil
	case stateUnstarted:
		c.state = stateStopped
		c.mu.Unlock()
		return nil
	}
	c.state = stateShuttingDown
	cmd := c.cmd
	stdin := c.stdin
	c.mu.Unlock()

	c.logger.Info("shutting down mcp server", "server", c.name)

	if stdin != nil {
		if err := stdin.Close(); err != nil {
			c.logger.Debug("closing server stdin", "server", c.name, "error", err)
		}
	}

	if cmd != nil {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case <-done:
		case <-time.After(c.shutdownTimeout):
			c.logger.Warn("mcp server did not exit, killing", "server", c.name)
			if err := cmd.Process.Kill(); err != nil {
				c.logger.Error("killing mcp server", "server", c.name, "error", err)
			}
			<-done
		}
	}

	c.setState(stateStopped)
	c.logger.Info("mcp server stopped", "server", c.name)
	return nil
}

// PID returns the process id of the running server, or 0 if no process
// was spawned.
func (c *StdioClient) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// call sends one request line and waits for the matching response, the
// request timeout, or context cancellation. On timeout the pending slot is
// removed so a late reply cannot block later requests.
func (c *StdioClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	state := c.state
	stdin := c.stdin
	c.mu.Unlock()

	switch state {
	case stateReady:
	case stateShuttingDown, stateStopped:
		return nil, fmt.Errorf("server %s: %w", c.name, ErrConnectionClosed)
	default:
		return nil, fmt.Errorf("server %s: %w", c.name, ErrNotStarted)
	}

	if params == nil {
		params = struct{}{}
	}

	id, ch := c.createPending()
	line, err := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	c.writeMu.Lock()
	_, err = stdin.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("writing %s request: %w", method, err)
	}

	c.logger.Debug("request sent", "server", c.name, "method", method, "id", id)

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("request %s: no response after %s: %w", method, c.requestTimeout, ErrTimeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// readLoop consumes newline-delimited messages from the server's stdout
// until the stream closes. Malformed lines are logged and skipped. When the
// loop exits, every request still in flight is resolved with
// ErrConnectionClosed so callers fail fast instead of waiting out their
// timeouts.
func (c *StdioClient) readLoop(r io.Reader) {
	defer close(c.readerDone)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("mcp server read failed", "server", c.name, "error", err)
	} else {
		c.logger.Warn("mcp server stdout closed", "server", c.name)
	}

	c.failAllPending(fmt.Errorf("server %s: %w", c.name, ErrConnectionClosed))
}

// handleLine decodes one inbound line and routes it to its pending request.
func (c *StdioClient) handleLine(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Error("invalid json from mcp server", "server", c.name, "error", err)
		return
	}

	if len(msg.ID) == 0 || string(msg.ID) == "null" {
		c.logger.Debug("notification from mcp server", "server", c.name, "method", msg.Method)
		return
	}

	id, ok := parseRequestID(msg.ID)
	if !ok {
		c.logger.Warn("response with unparseable id", "server", c.name, "id", string(msg.ID))
		return
	}

	res := rpcResult{result: msg.Result}
	if msg.Error != nil {
		res = rpcResult{err: msg.Error}
	}
	if !c.resolvePending(id, res) {
		c.logger.Warn("response for unknown request", "server", c.name, "id", id)
	}
}

// drainStderr logs the server's stderr so the child never blocks on a full pipe.
func (c *StdioClient) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		c.logger.Debug("mcp server stderr", "server", c.name, "line", scanner.Text())
	}
}

// createPending allocates the next request id and registers its result channel.
func (c *StdioClient) createPending() (int64, chan rpcResult) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	c.nextID++
	ch := make(chan rpcResult, 1)
	c.pending[c.nextID] = ch
	return c.nextID, ch
}

// removePending frees the slot for a request the caller gave up on.
func (c *StdioClient) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// resolvePending delivers a result to the pending request with the given id.
// Removal happens under the lock, so each request resolves exactly once.
func (c *StdioClient) resolvePending(id int64, res rpcResult) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// failAllPending resolves every in-flight request with the given error.
func (c *StdioClient) failAllPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcResult)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- rpcResult{err: err}
	}
}

// requireInitialized gates tool operations on handshake completion.
func (c *StdioClient) requireInitialized() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateUnstarted, stateStarting:
		return fmt.Errorf("server %s: %w", c.name, ErrNotStarted)
	case stateShuttingDown, stateStopped:
		return fmt.Errorf("server %s: %w", c.name, ErrConnectionClosed)
	}
	if !c.initialized {
		return fmt.Errorf("server %s: %w", c.name, ErrNotInitialized)
	}
	return nil
}

func (c *StdioClient) setState(s clientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// mergeEnv overlays the config env on the parent environment.
func mergeEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return os.Environ()
	}
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
