package nodes

import (
	"context"
	"fmt"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"

	"github.com/relay-agent/server/internal/agent/model"
)

const DefaultMaxToolCalls = 10

const (
	// DefaultApologyText is emitted when a run reaches the end without an answer.
	DefaultApologyText = "Sorry, I cannot generate an answer right now."
	// LocalFailureText replaces the draft when the local model fails.
	LocalFailureText = "Sorry, the local model could not produce an answer."
	// ProfileFailureText is the answer when profile extraction fails.
	ProfileFailureText = "Sorry, I could not read the information to remember."
	// NothingToRememberText is the answer when no profile info was found.
	NothingToRememberText = "Okay. I did not find anything to remember."

	noToolResults = "No tool results."
)

// normalizeMaxToolCalls returns a sane default when the provided value is invalid.
func normalizeMaxToolCalls(n int) int {
	if n <= 0 {
		return DefaultMaxToolCalls
	}
	return n
}

// formatToolResults renders results as prompt context, in invocation order.
func formatToolResults(results []model.ToolResult) string {
	if len(results) == 0 {
		return noToolResults
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", r.ToolName, r.Output)
	}
	return b.String()
}

// promptCtx attaches the graph's callback handlers so prompt rendering is observable.
func promptCtx(ctx context.Context, nc *model.NodeContext, node string) context.Context {
	if nc == nil || nc.Deps == nil || len(nc.Deps.Callbacks) == 0 {
		return ctx
	}
	return einocb.InitCallbacks(ctx, &einocb.RunInfo{
		Name:      node,
		Type:      "AgentPrompt",
		Component: components.ComponentOfPrompt,
	}, nc.Deps.Callbacks...)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func logLine(format string, args ...any) []string {
	return []string{fmt.Sprintf(format, args...)}
}
