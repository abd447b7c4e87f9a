package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relay-agent/server/internal/agent/model"
)

type fakeCatalog struct {
	mu      sync.Mutex
	infos   []model.ToolInfo
	results map[string]any
	errs    map[string]error
	calls   []string
	listErr error
}

func (f *fakeCatalog) List(context.Context) ([]model.ToolInfo, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.infos, nil
}

func (f *fakeCatalog) Invoke(_ context.Context, name string, _ map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	return f.results[name], nil
}

func TestResolve(t *testing.T) {
	catalog := []model.ToolInfo{
		{Name: "fs__read_file"},
		{Name: "web_search"},
		{Name: "other__read_file"},
		{Name: "x__web_search"},
	}
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"web_search", "web_search", true},
		{"read_file", "fs__read_file", true},
		{"fs__read_file", "fs__read_file", true},
		{"__read_file", "", false},
		{"delete_all", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Resolve(catalog, tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func TestSerialize(t *testing.T) {
	assert.Equal(t, "plain", Serialize("plain"))
	assert.Equal(t, "bytes", Serialize([]byte("bytes")))
	assert.Equal(t, "", Serialize(nil))
	assert.Equal(t, "42", Serialize(42))

	got := Serialize(map[string]any{"b": 1, "a": "<x>"})
	assert.Equal(t, "{\n  \"a\": \"<x>\",\n  \"b\": 1\n}", got)
	// stable across calls
	assert.Equal(t, got, Serialize(map[string]any{"a": "<x>", "b": 1}))
}

func queueState(calls ...model.PlannedCall) model.RunState {
	st := model.NewRunState("run", 1, nil)
	st.ToolQueue = calls
	return *st
}

func TestExecuteHead_ShrinksQueueAndAppendsOneResult(t *testing.T) {
	cat := &fakeCatalog{
		infos:   []model.ToolInfo{{Name: "srv__web_search"}, {Name: "db_search"}},
		results: map[string]any{"srv__web_search": map[string]any{"hits": 2}, "db_search": "row"},
	}
	q := NewQueueExecutor(cat)
	st := queueState(
		model.PlannedCall{Name: "web_search", Args: map[string]any{"query": "go"}},
		model.PlannedCall{Name: "db_search", Args: map[string]any{"query": "go"}},
	)

	var events []model.Event
	d, err := q.ExecuteHead(context.Background(), st, func(e model.Event) { events = append(events, e) })
	require.NoError(t, err)

	assert.Len(t, d.ToolQueue, 1)
	assert.Equal(t, "db_search", d.ToolQueue[0].Name)
	require.Len(t, d.ToolResults, 1)
	assert.Equal(t, "web_search", d.ToolResults[0].ToolName)
	assert.Equal(t, "{\n  \"hits\": 2\n}", d.ToolResults[0].Output)
	assert.Equal(t, []string{"srv__web_search"}, cat.calls)

	require.Len(t, events, 2)
	assert.Equal(t, model.EventToolStart, events[0].Type)
	assert.Equal(t, "web_search", events[0].Tool)
	assert.Equal(t, model.EventToolEnd, events[1].Type)
	assert.Equal(t, model.ToolStatusOK, events[1].Text)

	// the input state is untouched
	assert.Len(t, st.ToolQueue, 2)
	assert.Empty(t, st.ToolResults)
}

func TestExecuteHead_LastCallLeavesEmptyNonNilQueue(t *testing.T) {
	cat := &fakeCatalog{infos: []model.ToolInfo{{Name: "t"}}, results: map[string]any{"t": "ok"}}
	st := queueState(model.PlannedCall{Name: "t"})
	st.ToolResults = []model.ToolResult{{ToolName: "earlier", Output: "x"}}

	d, err := NewQueueExecutor(cat).ExecuteHead(context.Background(), st, nil)
	require.NoError(t, err)
	assert.NotNil(t, d.ToolQueue)
	assert.Empty(t, d.ToolQueue)
	require.Len(t, d.ToolResults, 2)
	assert.Equal(t, "earlier", d.ToolResults[0].ToolName)
	assert.Equal(t, "ok", d.ToolResults[1].Output)
}

func TestExecuteHead_FailuresBecomeResults(t *testing.T) {
	cat := &fakeCatalog{
		infos: []model.ToolInfo{{Name: "broken"}},
		errs:  map[string]error{"broken": errors.New("connection reset")},
	}
	q := NewQueueExecutor(cat)

	t.Run("not found", func(t *testing.T) {
		d, err := q.ExecuteHead(context.Background(), queueState(model.PlannedCall{Name: "delete_all"}), nil)
		require.NoError(t, err)
		require.Len(t, d.ToolResults, 1)
		assert.Equal(t, "Tool 'delete_all' not found.", d.ToolResults[0].Output)
		assert.Empty(t, d.ToolQueue)
	})
	t.Run("invocation error", func(t *testing.T) {
		d, err := q.ExecuteHead(context.Background(), queueState(model.PlannedCall{Name: "broken"}), nil)
		require.NoError(t, err)
		require.Len(t, d.ToolResults, 1)
		assert.Equal(t, "Error: connection reset", d.ToolResults[0].Output)
	})
	t.Run("listing error", func(t *testing.T) {
		bad := NewQueueExecutor(&fakeCatalog{listErr: errors.New("down")})
		d, err := bad.ExecuteHead(context.Background(), queueState(model.PlannedCall{Name: "x"}), nil)
		require.NoError(t, err)
		require.Len(t, d.ToolResults, 1)
		assert.Contains(t, d.ToolResults[0].Output, "Error: list tools: down")
	})
}

func TestExecuteHead_ArgValidation(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`)
	cat := &fakeCatalog{
		infos:   []model.ToolInfo{{Name: "web_search", ArgSchema: schema}},
		results: map[string]any{"web_search": "found"},
	}
	q := NewQueueExecutor(cat, WithArgValidation(true))

	d, err := q.ExecuteHead(context.Background(), queueState(model.PlannedCall{Name: "web_search", Args: map[string]any{}}), nil)
	require.NoError(t, err)
	require.Len(t, d.ToolResults, 1)
	assert.Contains(t, d.ToolResults[0].Output, "Error: invalid tool arguments")
	assert.Empty(t, cat.calls)

	d, err = q.ExecuteHead(context.Background(), queueState(model.PlannedCall{Name: "web_search", Args: map[string]any{"query": "go"}}), nil)
	require.NoError(t, err)
	assert.Equal(t, "found", d.ToolResults[0].Output)
	assert.Equal(t, []string{"web_search"}, cat.calls)
}

func TestExecuteHead_EmptyQueueIsNoop(t *testing.T) {
	d, err := NewQueueExecutor(&fakeCatalog{}).ExecuteHead(context.Background(), queueState(), nil)
	require.NoError(t, err)
	assert.Nil(t, d.ToolQueue)
	assert.Nil(t, d.ToolResults)
}

func TestRegistry_CurrentTime(t *testing.T) {
	fixed := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	r, err := NewRegistry(context.Background(), []tool.InvokableTool{NewCurrentTimeTool(func() time.Time { return fixed })})
	require.NoError(t, err)

	infos, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, ToolCurrentTime, infos[0].Name)
	assert.NotEmpty(t, infos[0].ArgSchema)

	out, err := r.Invoke(context.Background(), ToolCurrentTime, map[string]any{})
	require.NoError(t, err)
	var got CurrentTimeOutput
	require.NoError(t, json.Unmarshal([]byte(out.(string)), &got))
	assert.Equal(t, "2026-03-02T09:30:00Z", got.Time)
	assert.Equal(t, "Monday", got.Weekday)

	_, err = r.Invoke(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(context.Background(), []tool.InvokableTool{
		NewCurrentTimeTool(nil), NewCurrentTimeTool(nil),
	})
	assert.Error(t, err)
}

func TestMultiCatalog(t *testing.T) {
	a := &fakeCatalog{infos: []model.ToolInfo{{Name: "x"}, {Name: "y"}}, results: map[string]any{"x": "from a"}}
	b := &fakeCatalog{infos: []model.ToolInfo{{Name: "x"}, {Name: "z"}}, results: map[string]any{"z": "from b"}}
	down := &fakeCatalog{listErr: errors.New("down")}
	m := NewMultiCatalog(down, a, b, nil)

	infos, err := m.List(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(infos))
	for _, i := range infos {
		names = append(names, i.Name)
	}
	assert.Equal(t, []string{"x", "y", "z"}, names)

	out, err := m.Invoke(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "from a", out)
	out, err = m.Invoke(context.Background(), "z", nil)
	require.NoError(t, err)
	assert.Equal(t, "from b", out)
	_, err = m.Invoke(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)

	_, err = NewMultiCatalog(down).List(context.Background())
	assert.Error(t, err)
}

type fakeSession struct {
	pages  [][]*mcp.Tool
	result *mcp.CallToolResult
	called *mcp.CallToolParams
	closed bool
}

func (s *fakeSession) ListTools(_ context.Context, p *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	i := 0
	if p.Cursor != "" {
		i = int(p.Cursor[0] - '0')
	}
	res := &mcp.ListToolsResult{Tools: s.pages[i]}
	if i+1 < len(s.pages) {
		res.NextCursor = string(rune('0' + i + 1))
	}
	return res, nil
}

func (s *fakeSession) CallTool(_ context.Context, p *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	s.called = p
	return s.result, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

func TestMCPCatalog_NamespacesAndInvokes(t *testing.T) {
	fs := &fakeSession{
		pages: [][]*mcp.Tool{
			{{Name: "read_file", Description: "read"}},
			{{Name: "shell_command", Description: "run"}},
		},
		result: &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "hello"}}},
	}
	c := newMCPCatalog(map[string]mcpSession{"fs": fs})
	require.NoError(t, c.Refresh(context.Background()))

	infos, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "fs__read_file", infos[0].Name)
	assert.Equal(t, "fs__shell_command", infos[1].Name)

	resolved, ok := Resolve(infos, "shell_command")
	require.True(t, ok)
	out, err := c.Invoke(context.Background(), resolved.Name, map[string]any{"command": "ls"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, "shell_command", fs.called.Name)

	fs.result = &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: "permission denied"}}}
	_, err = c.Invoke(context.Background(), "fs__read_file", nil)
	assert.EqualError(t, err, "permission denied")

	_, err = c.Invoke(context.Background(), "read_file", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)

	require.NoError(t, c.Close())
	assert.True(t, fs.closed)
}

func TestLoadMCPConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadMCPConfig(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)

	path := filepath.Join(dir, "mcp_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"mcpServers": {
			"fs": {"command": "npx", "args": ["-y", "server-fs"], "env": {"TOKEN": "${FS_TOKEN}", "MODE": "ro"}}
		}
	}`), 0o600))
	cfg, err = LoadMCPConfig(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Servers, "fs")
	assert.Equal(t, []string{"-y", "server-fs"}, cfg.Servers["fs"].Args)

	lookup := func(k string) (string, bool) {
		if k == "FS_TOKEN" {
			return "secret", true
		}
		return "", false
	}
	env := cfg.Servers["fs"].Environ(lookup)
	assert.Contains(t, env, "TOKEN=secret")
	assert.Contains(t, env, "MODE=ro")

	assert.Equal(t, "a--b", ExpandEnv("a-${MISSING}-b", lookup))

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	_, err = LoadMCPConfig(path)
	assert.Error(t, err)
}
