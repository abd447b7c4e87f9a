package model

import (
	"context"
	"encoding/json"
	"maps"
)

// PlannedCall is one tool invocation waiting in the run's tool queue.
type PlannedCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Clone copies the top-level argument map.
func (p PlannedCall) Clone() PlannedCall {
	return PlannedCall{Name: p.Name, Args: maps.Clone(p.Args)}
}

// ToolResult is the text output of a single tool invocation.
type ToolResult struct {
	ToolName string `json:"tool_name"`
	Output   string `json:"output"`
}

// ToolInfo describes a tool exposed by a ToolCatalog.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	ArgSchema   json.RawMessage `json:"arg_schema,omitempty"`
}

// ToolCatalog lists and invokes tools by their catalog name.
type ToolCatalog interface {
	List(ctx context.Context) ([]ToolInfo, error)
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}
