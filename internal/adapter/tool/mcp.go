package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"unillm/internal/domain"
	"unillm/internal/infra/config"
)

// defaultMCPCallTimeout bounds one MCP tool call when no exec timeout is configured.
const defaultMCPCallTimeout = 30 * time.Second

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type mcpServerConn struct {
	name   string
	client mcpClient
}

// MCPBridge connects to the configured MCP servers and exposes the tools
// they list as catalogue entries.
type MCPBridge struct {
	servers     []mcpServerConn
	tools       []domain.Tool
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewMCPBridge connects to every server in cfg.MCPServers and discovers
// their tools. A server that fails to connect aborts the bridge; a server
// that fails discovery is skipped unless all of them do.
func NewMCPBridge(ctx context.Context, cfg config.ToolsConfig, logger *slog.Logger) (*MCPBridge, error) {
	b := newMCPBridge(cfg.ExecTimeout, logger)

	for _, srv := range cfg.MCPServers {
		c, err := connectMCPServer(ctx, srv)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		logger.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)
		b.servers = append(b.servers, mcpServerConn{name: srv.Name, client: c})
	}

	if err := b.discover(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func newMCPBridge(callTimeout time.Duration, logger *slog.Logger) *MCPBridge {
	if callTimeout <= 0 {
		callTimeout = defaultMCPCallTimeout
	}
	return &MCPBridge{callTimeout: callTimeout, logger: logger}
}

func connectMCPServer(ctx context.Context, srv config.MCPServer) (mcpClient, error) {
	var c *mcpclient.Client
	switch srv.Transport {
	case "stdio":
		stdio, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = stdio
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		c = mcpclient.NewClient(t)
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "unillm", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, domain.WrapOp("initialize", err)
	}
	return c, nil
}

func (b *MCPBridge) discover(ctx context.Context) error {
	if len(b.servers) == 0 {
		return nil
	}

	var errs []string
	for _, srv := range b.servers {
		result, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp server discovery failed, skipping",
				"server", srv.name,
				"error", err,
			)
			errs = append(errs, fmt.Sprintf("%s: %v", srv.name, err))
			continue
		}

		for _, t := range result.Tools {
			b.tools = append(b.tools, b.adapt(srv, t))
		}
		b.logger.Info("mcp tools discovered", "server", srv.name, "count", len(result.Tools))
	}

	if len(errs) == len(b.servers) {
		return fmt.Errorf("all mcp servers failed discovery: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (b *MCPBridge) adapt(srv mcpServerConn, t mcp.Tool) *mcpTool {
	return &mcpTool{
		server:   srv.name,
		client:   srv.client,
		tool:     t,
		fullName: fmt.Sprintf("mcp_%s_%s", sanitizeName(srv.name), sanitizeName(t.Name)),
		timeout:  b.callTimeout,
		logger:   b.logger,
	}
}

// Tools returns the discovered tools in discovery order.
func (b *MCPBridge) Tools() []domain.Tool { return b.tools }

// RegisterInto adds every discovered tool to reg.
func (b *MCPBridge) RegisterInto(reg *Registry) error {
	return reg.RegisterAll(b.tools...)
}

// Close shuts down all MCP server connections.
func (b *MCPBridge) Close() {
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.logger.Warn("mcp server close error", "server", srv.name, "error", err)
		}
	}
}

// mcpTool exposes one remote MCP tool as a domain.Tool.
type mcpTool struct {
	server   string
	client   mcpClient
	tool     mcp.Tool
	fullName string
	timeout  time.Duration
	logger   *slog.Logger
}

func (a *mcpTool) Name() string { return a.fullName }

func (a *mcpTool) Description() string {
	if a.tool.Description != "" {
		return a.tool.Description
	}
	return fmt.Sprintf("MCP tool %q from server %q", a.tool.Name, a.server)
}

func (a *mcpTool) Schema() domain.ToolSchema {
	params := emptyObjectSchema
	if a.tool.InputSchema.Properties != nil || a.tool.InputSchema.Required != nil {
		schema := a.tool.InputSchema
		if schema.Type == "" {
			schema.Type = "object"
		}
		if data, err := json.Marshal(schema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{
		Name:        a.fullName,
		Description: a.Description(),
		Parameters:  params,
	}
}

func (a *mcpTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if string(params) == "null" {
		params = nil
	}
	args, bad := ParseParams[map[string]any](params)
	if bad != nil {
		return bad, nil
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = a.tool.Name
	callReq.Params.Arguments = args

	a.logger.Debug("mcp tool call", "server", a.server, "tool", a.tool.Name)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	result, err := a.client.CallTool(callCtx, callReq)
	if err != nil {
		return &domain.ToolResult{
			Content:     fmt.Sprintf("MCP tool error: %v", err),
			IsError:     true,
			IsRetryable: true,
		}, nil
	}

	return &domain.ToolResult{
		Content: mcpContentText(result),
		IsError: result.IsError,
	}, nil
}

// mcpContentText joins the text parts of result; other content kinds are
// rendered as JSON.
func mcpContentText(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName replaces characters that aren't valid in tool names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// envSlice converts a map of env vars to KEY=VALUE slices.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	return result
}
