// Package mcp connects to external MCP servers and exposes their tools to
// the agent through the tool registry.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpprotocol "github.com/mark3labs/mcp-go/mcp"

	"github.com/relaymind/relaymind/internal/port/tool"
)

// Transport selects how to reach an MCP server.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable_http"
)

// ServerDef describes one MCP server to connect to.
type ServerDef struct {
	Name      string            `yaml:"name"`
	Transport Transport         `yaml:"transport"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
}

// Server is one connected MCP server.
type Server struct {
	def    ServerDef
	client mcpclient.MCPClient
	logger *slog.Logger
}

// Connect creates the client for the server definition and performs the
// initialize handshake.
func Connect(ctx context.Context, def ServerDef, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := createClient(def)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: create client: %w", def.Name, err)
	}

	initReq := mcpprotocol.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpprotocol.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpprotocol.Implementation{
		Name:    "relaymind",
		Version: "1.0.0",
	}
	initRes, err := client.Initialize(ctx, initReq)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp %s: initialize: %w", def.Name, err)
	}

	logger.Info("mcp server connected",
		"name", def.Name, "server", initRes.ServerInfo.Name, "version", initRes.ServerInfo.Version)
	return &Server{def: def, client: client, logger: logger}, nil
}

// createClient builds an mcp-go client for the transport.
func createClient(def ServerDef) (mcpclient.MCPClient, error) {
	switch def.Transport {
	case TransportStdio:
		env := make([]string, 0, len(def.Env))
		for k, v := range def.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(def.Command, env, def.Args...)

	case TransportSSE:
		var opts []transport.ClientOption
		if len(def.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(def.Headers))
		}
		return mcpclient.NewSSEMCPClient(def.URL, opts...)

	case TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(def.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(def.Headers))
		}
		return mcpclient.NewStreamableHttpClient(def.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", def.Transport)
	}
}

// RegisterTools lists the server's tools and registers each with the
// registry under "<server>.<tool>" to keep names collision-free.
func (s *Server) RegisterTools(ctx context.Context, reg *tool.Registry) error {
	res, err := s.client.ListTools(ctx, mcpprotocol.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("mcp %s: list tools: %w", s.def.Name, err)
	}

	for i := range res.Tools {
		t := res.Tools[i]
		reg.Register(&remoteTool{
			server:      s,
			name:        s.def.Name + "." + t.Name,
			remote:      t.Name,
			description: t.Description,
		})
		s.logger.Debug("mcp tool registered", "server", s.def.Name, "tool", t.Name)
	}
	return nil
}

// Close shuts down the client connection.
func (s *Server) Close() error {
	return s.client.Close()
}

// remoteTool adapts one MCP server tool to the tool port.
type remoteTool struct {
	server      *Server
	name        string
	remote      string
	description string
}

func (t *remoteTool) Name() string        { return t.name }
func (t *remoteTool) Description() string { return t.description }

func (t *remoteTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("tool %s: args must be a JSON object: %w", t.name, err)
		}
	}

	req := mcpprotocol.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = arguments

	res, err := t.server.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", t.name, err)
	}
	if res.IsError {
		return "", fmt.Errorf("tool %s: %s", t.name, renderContent(res.Content))
	}
	return renderContent(res.Content), nil
}

// renderContent flattens tool result content to text. Non-text content is
// summarized by type.
func renderContent(content []mcpprotocol.Content) string {
	out := ""
	for _, c := range content {
		if out != "" {
			out += "\n"
		}
		if tc, ok := c.(mcpprotocol.TextContent); ok {
			out += tc.Text
		} else {
			out += "[non-text content]"
		}
	}
	return out
}
