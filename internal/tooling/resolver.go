// Package tooling connects to MCP tool servers named by a plan and runs a
// task against them through a tool-calling agent loop.
//
// Local tools are spawned as child processes speaking MCP over stdio. Network
// tools are reached over MCP streamable HTTP.
package tooling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shirube/internal/model"
)

// ErrNoTools is returned when none of the requested tool configs yielded a
// usable connection.
var ErrNoTools = errors.New("tooling: no tools resolved")

// Caller is the part of an MCP client a Session needs after connecting.
type Caller interface {
	CallTool(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error)
	Close() error
}

// Session is a live connection to one tool server and the tools it lists.
type Session struct {
	Config model.ToolConfig
	Tools  []mcplib.Tool
	caller Caller
}

// NewSession wraps an already-connected caller.
func NewSession(cfg model.ToolConfig, tools []mcplib.Tool, caller Caller) *Session {
	return &Session{Config: cfg, Tools: tools, caller: caller}
}

// Close releases the underlying connection.
func (s *Session) Close() error {
	if s.caller == nil {
		return nil
	}
	return s.caller.Close()
}

// Connector opens a Session for one tool config.
type Connector interface {
	Connect(ctx context.Context, cfg model.ToolConfig) (*Session, error)
}

// MCPConnector connects with the mcp-go client.
type MCPConnector struct {
	ClientName    string
	ClientVersion string
	// Timeout bounds connect plus initialize plus list. Zero means no bound
	// beyond ctx.
	Timeout time.Duration
	// Env is passed to spawned local tool processes.
	Env []string
}

// Connect starts the transport for cfg, performs the MCP handshake and lists
// the server's tools.
func (c MCPConnector) Connect(ctx context.Context, cfg model.ToolConfig) (*Session, error) {
	// The transport outlives this call; only the handshake is bounded.
	startCtx := context.WithoutCancel(ctx)
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var (
		cl  *mcpclient.Client
		err error
	)
	switch cfg.Transport {
	case model.TransportLocal:
		cl, err = mcpclient.NewStdioMCPClient(cfg.EndpointOrCommand, c.Env, cfg.Args...)
	case model.TransportNetwork:
		cl, err = mcpclient.NewStreamableHttpClient(cfg.EndpointOrCommand)
		if err == nil {
			err = cl.Start(startCtx)
		}
	default:
		return nil, fmt.Errorf("tooling: %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
	if err != nil {
		if cl != nil {
			_ = cl.Close()
		}
		return nil, fmt.Errorf("tooling: connect %s: %w", cfg.Name, err)
	}

	name, version := c.ClientName, c.ClientVersion
	if name == "" {
		name = "shirube"
	}
	if version == "" {
		version = "dev"
	}
	if _, err := cl.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcplib.Implementation{Name: name, Version: version},
		},
	}); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("tooling: initialize %s: %w", cfg.Name, err)
	}

	listed, err := cl.ListTools(ctx, mcplib.ListToolsRequest{})
	if err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("tooling: list tools %s: %w", cfg.Name, err)
	}
	return NewSession(cfg, listed.Tools, cl), nil
}

// Resolver connects a plan's tool configs concurrently.
type Resolver struct {
	connector   Connector
	concurrency int
	logger      *slog.Logger
}

// NewResolver creates a resolver. concurrency <= 0 means 4.
func NewResolver(connector Connector, concurrency int, logger *slog.Logger) *Resolver {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Resolver{connector: connector, concurrency: concurrency, logger: logger}
}

// Resolve connects every config. Configs that fail to connect, or whose
// server lists no tools, are logged and left out. Duplicate configs (same
// name, transport and endpoint) connect once. The returned sessions keep the
// order of cfgs. ErrNoTools is returned when nothing connected.
func (r *Resolver) Resolve(ctx context.Context, cfgs []model.ToolConfig) ([]*Session, error) {
	unique := make([]model.ToolConfig, 0, len(cfgs))
	seen := make(map[model.ToolKey]bool, len(cfgs))
	for _, c := range cfgs {
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		unique = append(unique, c)
	}

	sessions := make([]*Session, len(unique))
	var mu sync.Mutex
	var failures []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, cfg := range unique {
		g.Go(func() error {
			s, err := r.connector.Connect(gctx, cfg)
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				r.logger.Warn("tooling: tool server unavailable", "tool", cfg.Name, "transport", cfg.Transport, "error", err)
				return nil
			}
			if len(s.Tools) == 0 {
				_ = s.Close()
				r.logger.Warn("tooling: tool server lists no tools", "tool", cfg.Name)
				return nil
			}
			sessions[i] = s
			return nil
		})
	}
	_ = g.Wait()

	out := sessions[:0]
	for _, s := range sessions {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		if len(failures) > 0 {
			return nil, fmt.Errorf("%w: %w", ErrNoTools, errors.Join(failures...))
		}
		return nil, ErrNoTools
	}
	return out, nil
}

// NetworkOnly returns the configs reachable over the network, dropping those
// that would spawn a local process.
func NetworkOnly(cfgs []model.ToolConfig) []model.ToolConfig {
	var out []model.ToolConfig
	for _, c := range cfgs {
		if c.Transport == model.TransportNetwork {
			out = append(out, c)
		}
	}
	return out
}

// CloseAll closes every session, ignoring errors.
func CloseAll(sessions []*Session) {
	for _, s := range sessions {
		_ = s.Close()
	}
}
