package nodes

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/relay-agent/server/internal/agent/graph/parsers"
	"github.com/relay-agent/server/internal/agent/graph/prompts"
	"github.com/relay-agent/server/internal/agent/graph/tools"
	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

// NodeFunc mirrors graph.NodeFunc so this package stays free of the engine.
type NodeFunc = func(ctx context.Context, nc *model.NodeContext, st model.RunState) (model.Delta, error)

// NewClassifyIntentNode asks the local model for the utterance's intent.
// A failing model falls back to Chat. An intent already present on the
// state is kept.
func NewClassifyIntentNode() NodeFunc {
	return func(ctx context.Context, nc *model.NodeContext, st model.RunState) (model.Delta, error) {
		if st.Intent != model.IntentUnset {
			return model.Delta{Log: logLine("intent preset: %s", st.Intent)}, nil
		}

		text := st.LatestUserText()
		p, err := prompts.RenderIntent(promptCtx(ctx, nc, NodeClassifyIntent), prompts.Vars{UserMessage: text})
		if err != nil {
			return model.Delta{}, err
		}

		intent := model.IntentChat
		if local := nc.Deps.Local; local == nil {
			logx.Warn().Str("run_id", nc.RunID).Msg("No local model configured; defaulting intent to Chat")
		} else if out, err := local.Complete(ctx, p.System, p.User); err != nil {
			logx.Warn().Err(err).Str("run_id", nc.RunID).Str("node", NodeClassifyIntent).Msg("Intent classification failed; defaulting to Chat")
		} else {
			intent = parsers.ParseIntent(out)
		}

		logx.Run(nc.RunID, NodeClassifyIntent).Str("intent", string(intent)).Msg("Intent classified")
		return model.Delta{
			Intent: model.Ptr(intent),
			Log:    logLine("intent: %s", intent),
		}, nil
	}
}

// NewPlanToolsNode maps the intent to a deterministic tool plan. Calls that
// do not resolve in the catalog are dropped so the queue only holds
// runnable work.
func NewPlanToolsNode(maxToolCalls int) NodeFunc {
	maxToolCalls = normalizeMaxToolCalls(maxToolCalls)
	return func(ctx context.Context, nc *model.NodeContext, st model.RunState) (model.Delta, error) {
		planned := PlanFor(st.Intent, st.LatestUserText())
		queue := make([]model.PlannedCall, 0, len(planned))

		if len(planned) > 0 && nc.Deps.Tools != nil {
			infos, err := nc.Deps.Tools.List(ctx)
			if err != nil {
				logx.Warn().Err(err).Str("run_id", nc.RunID).Str("node", NodePlanTools).Msg("Tool catalog unavailable; planning no tools")
			} else {
				for _, call := range planned {
					if _, ok := tools.Resolve(infos, call.Name); !ok {
						logx.Run(nc.RunID, NodePlanTools).Str("tool", call.Name).Msg("Planned tool not in catalog; dropping")
						continue
					}
					queue = append(queue, call)
				}
			}
		}
		if len(queue) > maxToolCalls {
			queue = queue[:maxToolCalls]
		}

		names := make([]string, 0, len(queue))
		for _, c := range queue {
			names = append(names, c.Name)
		}
		logx.Run(nc.RunID, NodePlanTools).Strs("queue", names).Msg("Tools planned")
		return model.Delta{
			ToolQueue: queue,
			Log:       logLine("planned %d tool call(s) for %s", len(queue), st.Intent),
		}, nil
	}
}

// PlanFor returns the tool calls an intent asks for, before catalog checks.
func PlanFor(intent model.Intent, text string) []model.PlannedCall {
	switch intent {
	case model.IntentSearch:
		return []model.PlannedCall{{Name: ToolWebSearch, Args: map[string]any{"query": text}}}
	case model.IntentDatabase:
		return []model.PlannedCall{{Name: ToolDBSearch, Args: map[string]any{"query": text}}}
	case model.IntentSystem:
		return []model.PlannedCall{{Name: ToolShellCommand, Args: map[string]any{"command": text}}}
	default:
		return nil
	}
}

// NewExecuteToolsNode runs the head of the tool queue.
func NewExecuteToolsNode(opts ...tools.ExecutorOption) NodeFunc {
	var (
		mu      sync.Mutex
		catalog model.ToolCatalog
		exec    *tools.QueueExecutor
	)
	executorFor := func(c model.ToolCatalog) *tools.QueueExecutor {
		mu.Lock()
		defer mu.Unlock()
		if exec == nil || catalog != c {
			catalog, exec = c, tools.NewQueueExecutor(c, opts...)
		}
		return exec
	}

	return func(ctx context.Context, nc *model.NodeContext, st model.RunState) (model.Delta, error) {
		d, err := executorFor(nc.Deps.Tools).ExecuteHead(ctx, st, nc.Emit)
		if err != nil {
			return model.Delta{}, err
		}
		logx.Run(nc.RunID, NodeExecuteTools).Int("remaining", len(d.ToolQueue)).Msg("Tool executed")
		return d, nil
	}
}

// NewEmitFinalNode appends exactly one assistant message and clears the log.
func NewEmitFinalNode() NodeFunc {
	return func(ctx context.Context, nc *model.NodeContext, st model.RunState) (model.Delta, error) {
		d := model.Delta{Log: []string{}}
		answer := st.FinalAnswer
		if !st.HasFinalAnswer {
			answer = DefaultApologyText
			d.FinalAnswer = model.Ptr(answer)
		}

		conv := slices.Clone(st.Conversation)
		d.Conversation = append(conv, schema.AssistantMessage(answer, nil))

		logx.Run(nc.RunID, NodeEmitFinal).
			Str("source", st.AnswerSource()).
			Int("answer_len", len(answer)).
			Msg("Final answer emitted")
		return d, nil
	}
}

func errNoCollaborator(what string) error {
	return fmt.Errorf("%s is not configured", what)
}
