// Package mcpclient wraps a per-server MCP protocol handle. It owns the
// child process for stdio transports and the HTTP session for sse and
// streamable-http transports.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/revittco/mcprouter/internal/errs"
	"github.com/revittco/mcprouter/internal/store"
)

const (
	// DefaultCallTimeout bounds a single tool invocation.
	DefaultCallTimeout = 30 * time.Second

	// maxRemoteConcurrency caps in-flight calls per sse/http server.
	maxRemoteConcurrency = 8

	healthInterval = 30 * time.Second
	initialBackoff = 2 * time.Second
	maxBackoff     = 60 * time.Second

	// maxHealthFailures is how many consecutive failed pings declare the
	// connection dead.
	maxHealthFailures = 3
)

// ToolInfo is one tool as reported by the server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Client is a connection to one MCP server.
type Client struct {
	serverID   string
	serverName string
	transport  string
	log        *slog.Logger
	sem        chan struct{} // nil for stdio

	mu        sync.Mutex
	cli       *mcpgo.Client
	cmd       *exec.Cmd // stdio child, nil otherwise
	done      chan error
	connected atomic.Bool
	cancel    context.CancelFunc
	build     func() (*mcpgo.Client, error)
}

// New creates a client for the given server configuration. Nothing is
// spawned or dialed until Connect.
func New(srv *store.Server, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		serverID:   srv.ID,
		serverName: srv.Name,
		transport:  srv.Transport,
		log:        log.With("server_id", srv.ID),
	}

	switch srv.Transport {
	case store.TransportStdio:
		if srv.Command == "" {
			return nil, errs.New(errs.KindValidation, "stdio transport requires a command")
		}
		command, args, env := srv.Command, srv.Args, envSlice(srv.Env)
		c.build = func() (*mcpgo.Client, error) {
			// Build the exec.Cmd ourselves so the process handle stays
			// available for kill escalation and exit-status reporting.
			t := transport.NewStdioWithOptions(command, env, args,
				transport.WithCommandFunc(func(_ context.Context, command string, env, args []string) (*exec.Cmd, error) {
					cmd := exec.Command(command, args...)
					cmd.Env = env
					// Runs synchronously inside Connect, which holds c.mu.
					c.cmd = cmd
					return cmd, nil
				}))
			return mcpgo.NewClient(t), nil
		}
	case store.TransportSSE:
		if srv.URL == nil || *srv.URL == "" {
			return nil, errs.New(errs.KindValidation, "sse transport requires a url")
		}
		url := *srv.URL
		c.build = func() (*mcpgo.Client, error) {
			return mcpgo.NewSSEMCPClient(url)
		}
		c.sem = make(chan struct{}, maxRemoteConcurrency)
	case store.TransportHTTP:
		if srv.URL == nil || *srv.URL == "" {
			return nil, errs.New(errs.KindValidation, "http transport requires a url")
		}
		url := *srv.URL
		c.build = func() (*mcpgo.Client, error) {
			return mcpgo.NewStreamableHttpClient(url)
		}
		c.sem = make(chan struct{}, maxRemoteConcurrency)
	default:
		return nil, errs.Newf(errs.KindValidation, "unsupported transport %q", srv.Transport)
	}
	return c, nil
}

// Connect establishes the transport and runs the MCP handshake. Calling it
// on an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected.Load() {
		return nil
	}

	cli, err := c.build()
	if err != nil {
		return errs.Wrap(errs.KindTransport, "create client", err)
	}

	if err := cli.Start(ctx); err != nil {
		_ = cli.Close()
		return errs.Wrap(errs.KindTransport, "start transport", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "mcprouter",
		Version: "1.0.0",
	}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		return errs.Wrap(errs.KindTransport, "initialize", err)
	}

	hctx, hcancel := context.WithCancel(context.Background())
	c.cli = cli
	c.cancel = hcancel
	c.done = make(chan error, 1)
	c.connected.Store(true)
	go c.healthLoop(hctx)

	c.log.Debug("mcp client connected", "transport", c.transport)
	return nil
}

// Disconnect closes the transport. Idempotent. The lock is released before
// Close so a hung shutdown can still be escalated with Kill.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected.Load() {
		c.mu.Unlock()
		return nil
	}
	c.connected.Store(false)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	cli := c.cli
	c.cli = nil
	done := c.done
	c.mu.Unlock()

	err := cli.Close()
	if done != nil {
		close(done)
	}

	c.mu.Lock()
	c.cmd = nil
	c.mu.Unlock()

	if err != nil {
		return errs.Wrap(errs.KindTransport, "close", err)
	}
	return nil
}

// Done reports a connection lost outside Disconnect: the channel carries
// the failure, then closes. A clean exit or Disconnect closes it without a
// value.
func (c *Client) Done() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Kill force-terminates the child process. Only stdio transports have one;
// for the rest it is a no-op.
func (c *Client) Kill() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// markFailed tears the connection down after the health loop gives up and
// notifies the Done watcher with the child's exit status when one exists.
func (c *Client) markFailed(cause error) {
	c.mu.Lock()
	if !c.connected.Load() {
		c.mu.Unlock()
		return
	}
	c.connected.Store(false)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	cli := c.cli
	c.cli = nil
	done := c.done
	c.mu.Unlock()

	if cli != nil {
		_ = cli.Close()
	}

	c.mu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.mu.Unlock()

	// Close above waits on the child, so its exit status is known now.
	if cmd != nil && cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code == 0 {
			cause = nil
		} else {
			cause = errs.Newf(errs.KindTransport, "exited with code %d", code)
		}
	}

	if cause != nil {
		c.log.Warn("connection lost", "err", cause)
	}
	if done != nil {
		if cause != nil {
			done <- cause
		}
		close(done)
	}
}

// IsConnected reports whether the handshake has completed and the
// connection has not been closed or declared unhealthy.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// ListTools returns the server's tool inventory.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	cli, err := c.handle()
	if err != nil {
		return nil, err
	}

	res, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, c.callError("list tools", err)
	}

	out := make([]ToolInfo, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = nil
		}
		out = append(out, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out, nil
}

// CallTool invokes one tool with a per-invocation deadline. A zero timeout
// means DefaultCallTimeout. Deadline overruns cancel the in-flight RPC but
// leave the client connected.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcp.CallToolResult, error) {
	cli, err := c.handle()
	if err != nil {
		return nil, err
	}

	if c.sem != nil {
		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindTimeout, "waiting for call slot", ctx.Err())
		}
	}

	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := cli.CallTool(cctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || cctx.Err() == context.DeadlineExceeded {
			return nil, errs.Newf(errs.KindTimeout, "tool %s timed out after %s", name, timeout)
		}
		return nil, c.callError(fmt.Sprintf("call %s", name), err)
	}
	return res, nil
}

// ListResources returns the server's resources.
func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	cli, err := c.handle()
	if err != nil {
		return nil, err
	}
	res, err := cli.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, c.callError("list resources", err)
	}
	return res.Resources, nil
}

// ReadResource fetches one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	cli, err := c.handle()
	if err != nil {
		return nil, err
	}
	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	res, err := cli.ReadResource(ctx, req)
	if err != nil {
		return nil, c.callError("read resource", err)
	}
	return res.Contents, nil
}

// ListPrompts returns the server's prompts.
func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	cli, err := c.handle()
	if err != nil {
		return nil, err
	}
	res, err := cli.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, c.callError("list prompts", err)
	}
	return res.Prompts, nil
}

// GetPrompt renders one prompt with arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	cli, err := c.handle()
	if err != nil {
		return nil, err
	}
	req := mcp.GetPromptRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := cli.GetPrompt(ctx, req)
	if err != nil {
		return nil, c.callError("get prompt", err)
	}
	return res, nil
}

// Stderr exposes the child's stderr stream. Only stdio transports have one.
func (c *Client) Stderr() (io.Reader, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli == nil {
		return nil, false
	}
	return mcpgo.GetStderr(c.cli)
}

func (c *Client) handle() (*mcpgo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected.Load() || c.cli == nil {
		return nil, errs.Newf(errs.KindTransport, "server %s is not connected", c.serverID)
	}
	return c.cli, nil
}

func (c *Client) callError(op string, err error) error {
	return errs.Wrap(errs.KindTransport, op, err)
}

// healthLoop pings the server periodically, retrying failures with
// exponential backoff. After maxHealthFailures consecutive failures it
// declares the connection dead and tears it down.
func (c *Client) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	backoff := initialBackoff
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cli, err := c.handle()
		if err != nil {
			return
		}
		if err := cli.Ping(ctx); err != nil {
			// Servers without a ping handler are still alive.
			if strings.Contains(strings.ToLower(err.Error()), "method not found") {
				failures = 0
				backoff = initialBackoff
				continue
			}
			failures++
			if failures >= maxHealthFailures {
				c.markFailed(errs.Wrap(errs.KindTransport, "health check", err))
				return
			}
			c.log.Warn("health check failed", "err", err, "failures", failures, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		failures = 0
		backoff = initialBackoff
	}
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
