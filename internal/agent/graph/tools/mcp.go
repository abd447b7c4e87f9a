package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

// ================ Config ================

// MCPServerConfig starts one stdio tool server.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// MCPConfig is the {"mcpServers": {...}} file format.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"mcpServers"`
}

// LoadMCPConfig reads the server list. A missing file is an empty config.
func LoadMCPConfig(path string) (*MCPConfig, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &MCPConfig{Servers: map[string]MCPServerConfig{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mcp config: %w", err)
	}
	var cfg MCPConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse mcp config %s: %w", path, err)
	}
	if cfg.Servers == nil {
		cfg.Servers = map[string]MCPServerConfig{}
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references using lookup; unknown vars become "".
func ExpandEnv(s string, lookup func(string) (string, bool)) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		v, _ := lookup(m[2 : len(m)-1])
		return v
	})
}

// Environ is the process environment plus the server's own variables.
func (c MCPServerConfig) Environ(lookup func(string) (string, bool)) []string {
	env := os.Environ()
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+ExpandEnv(c.Env[k], lookup))
	}
	return env
}

// ================ Catalog ================

type mcpSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

type mcpRoute struct {
	server string
	tool   string
}

// MCPCatalog exposes the tools of connected MCP servers as "server__tool".
type MCPCatalog struct {
	mu       sync.RWMutex
	order    []string
	sessions map[string]mcpSession
	infos    []model.ToolInfo
	routes   map[string]mcpRoute
}

// ConnectMCP starts every configured server and lists its tools. A server
// that fails to start is logged and skipped.
func ConnectMCP(ctx context.Context, cfg *MCPConfig, version string) (*MCPCatalog, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "relay-agent", Version: version}, nil)

	sessions := map[string]mcpSession{}
	if cfg != nil {
		for name, sc := range cfg.Servers {
			if sc.Command == "" {
				logx.Warn().Str("server", name).Msg("MCP server has no command; skipping")
				continue
			}
			cmd := exec.Command(sc.Command, sc.Args...)
			cmd.Env = sc.Environ(os.LookupEnv)
			s, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
			if err != nil {
				logx.Warn().Err(err).Str("server", name).Msg("Failed to connect MCP server")
				continue
			}
			logx.Info().Str("server", name).Msg("Connected to MCP server")
			sessions[name] = s
		}
	}

	c := newMCPCatalog(sessions)
	if err := c.Refresh(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func newMCPCatalog(sessions map[string]mcpSession) *MCPCatalog {
	order := make([]string, 0, len(sessions))
	for name := range sessions {
		order = append(order, name)
	}
	sort.Strings(order)
	return &MCPCatalog{
		order:    order,
		sessions: sessions,
		routes:   map[string]mcpRoute{},
	}
}

// Refresh re-lists the tools of every session. A server whose listing
// fails contributes no tools.
func (c *MCPCatalog) Refresh(ctx context.Context) error {
	var (
		infos  []model.ToolInfo
		routes = map[string]mcpRoute{}
	)
	for _, server := range c.order {
		ts, err := listAll(ctx, c.sessions[server])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logx.Warn().Err(err).Str("server", server).Msg("Failed to list MCP tools")
			continue
		}
		for _, t := range ts {
			if t == nil || t.Name == "" {
				continue
			}
			name := server + NamespaceSep + t.Name
			info := model.ToolInfo{Name: name, Description: t.Description}
			if t.InputSchema != nil {
				if raw, err := json.Marshal(t.InputSchema); err == nil {
					info.ArgSchema = raw
				}
			}
			infos = append(infos, info)
			routes[name] = mcpRoute{server: server, tool: t.Name}
		}
	}

	c.mu.Lock()
	c.infos, c.routes = infos, routes
	c.mu.Unlock()
	return nil
}

func listAll(ctx context.Context, s mcpSession) ([]*mcp.Tool, error) {
	var (
		out    []*mcp.Tool
		cursor string
	)
	for {
		res, err := s.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

func (c *MCPCatalog) List(context.Context) ([]model.ToolInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.infos), nil
}

// Invoke calls a namespaced tool. A tool-level error result is returned as
// an error carrying the tool's text.
func (c *MCPCatalog) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	c.mu.RLock()
	r, ok := c.routes[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	res, err := c.sessions[r.server].CallTool(ctx, &mcp.CallToolParams{Name: r.tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, errors.New(text)
	}
	if text != "" {
		return text, nil
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return "", nil
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Close stops every server.
func (c *MCPCatalog) Close() error {
	var errs []error
	for _, name := range c.order {
		if err := c.sessions[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

var _ model.ToolCatalog = (*MCPCatalog)(nil)
