package nodes

import (
	"context"

	"github.com/relay-agent/server/internal/agent/model"
)

// RouterFunc mirrors graph.RouterFunc.
type RouterFunc = func(ctx context.Context, st model.RunState) (string, error)

// NewIntentCondition sends profile updates to update_profile and everything
// else through the cache.
func NewIntentCondition() RouterFunc {
	return func(_ context.Context, st model.RunState) (string, error) {
		if st.Intent == model.IntentProfile {
			return NodeUpdateProfile, nil
		}
		return NodeDBLookup, nil
	}
}

func NewCacheCondition() RouterFunc {
	return func(_ context.Context, st model.RunState) (string, error) {
		if st.DBHit {
			return NodeEmitFinal, nil
		}
		return NodePlanTools, nil
	}
}

func NewPlanCondition() RouterFunc {
	return func(_ context.Context, st model.RunState) (string, error) {
		if len(st.ToolQueue) > 0 {
			return NodeExecuteTools, nil
		}
		return NodeDraftWithLocal, nil
	}
}

// NewToolQueueCondition loops execute_tools until the queue is drained, then
// synthesizes when any tool produced output and drafts otherwise.
func NewToolQueueCondition() RouterFunc {
	return func(_ context.Context, st model.RunState) (string, error) {
		switch {
		case len(st.ToolQueue) > 0:
			return NodeExecuteTools, nil
		case len(st.ToolResults) > 0:
			return NodeSynthesize, nil
		default:
			return NodeDraftWithLocal, nil
		}
	}
}

// NewValidationCondition escalates only a rejected draft while the
// expensive model is still reachable. A draft kept after a judge failure is
// already final.
func NewValidationCondition() RouterFunc {
	return func(_ context.Context, st model.RunState) (string, error) {
		if st.ExpensiveUnavailable || st.Satisfactory || st.HasFinalAnswer {
			return NodeEmitFinal, nil
		}
		return NodeEscalate, nil
	}
}
