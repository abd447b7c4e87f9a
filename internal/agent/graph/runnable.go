package graph

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/compose"

	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

// Runnable is a compiled, immutable graph. It is safe to run concurrently;
// every run owns its own RunState.
type Runnable struct {
	graph       compose.Runnable[model.Delta, model.Delta]
	nodes       map[string]bool
	maxSteps    int
	deps        *model.Deps
	observers   []Observer
	checkpoints CheckPointStore
}

// Deps returns the collaborators the graph was compiled with.
func (r *Runnable) Deps() *model.Deps {
	return r.deps
}

// Stream runs the graph lazily: a node only executes once the consumer has
// taken the previous event. Breaking out of the range loop stops the run at
// the next node boundary.
//
// A successful run ends with final_answer followed by end (State set). A
// fatal failure ends with a single error event followed by end (State nil).
// A cancelled ctx stops the stream at the next node boundary without any
// further event.
func (r *Runnable) Stream(ctx context.Context, st *model.RunState) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		// the eino run pushes events from its callbacks; pulling them keeps
		// the consumer's loop body off the graph's stack
		next, stop := iter.Pull(r.run(ctx, st))
		defer stop()
		for {
			e, ok := next()
			if !ok || !yield(e) {
				return
			}
		}
	}
}

func (r *Runnable) run(ctx context.Context, st *model.RunState) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		send := func(e model.Event) bool {
			if stopped || ctx.Err() != nil {
				return false
			}
			e.RunID = st.RunID
			for _, o := range r.observers {
				o.OnEvent(ctx, e)
			}
			if !yield(e) {
				stopped = true
				cancel()
			}
			return !stopped
		}

		scope := &runScope{st: st, nc: model.NewNodeContext(st.RunID, r.deps, func(e model.Event) { send(e) })}
		_, err := r.graph.Invoke(withScope(runCtx, scope), model.Delta{},
			compose.WithCallbacks(r.nodeEvents(send)))

		switch {
		case stopped:
			return
		case ctx.Err() != nil:
			logx.Debug().Str("run_id", st.RunID).Str("node", st.CurrentNode).Msg("Run cancelled at node boundary")
			return
		case err != nil:
			if errors.Is(err, compose.ErrExceedMaxSteps) {
				err = fmt.Errorf("%w (%d): %w", ErrMaxStepsExceeded, r.maxSteps, err)
			}
			logx.Error().Err(err).Str("run_id", st.RunID).Str("node", st.CurrentNode).Msg("Run failed")
			if send(model.Event{Type: model.EventError, Node: st.CurrentNode, Text: err.Error(), Err: err}) {
				send(model.Event{Type: model.EventEnd})
			}
			return
		}

		if send(model.Event{
			Type:        model.EventFinalAnswer,
			Text:        st.FinalAnswer,
			ToolResults: slices.Clone(st.ToolResults),
		}) {
			send(model.Event{Type: model.EventEnd, State: st})
		}
	}
}

// nodeEvents turns the lambda callbacks of graph nodes into node_start and
// node_end events. Graph level callbacks and components called inside a
// node inherit the handler and are skipped.
func (r *Runnable) nodeEvents(send func(model.Event) bool) callbacks.Handler {
	isNode := func(info *callbacks.RunInfo) bool {
		return info != nil && info.Component == compose.ComponentOfLambda && r.nodes[info.Name]
	}
	return callbacks.NewHandlerBuilder().
		OnStartFn(func(ctx context.Context, info *callbacks.RunInfo, _ callbacks.CallbackInput) context.Context {
			if isNode(info) {
				send(model.Event{Type: model.EventNodeStart, Node: info.Name})
			}
			return ctx
		}).
		OnEndFn(func(ctx context.Context, info *callbacks.RunInfo, _ callbacks.CallbackOutput) context.Context {
			if isNode(info) {
				send(model.Event{Type: model.EventNodeEnd, Node: info.Name})
			}
			return ctx
		}).
		Build()
}

// Invoke drains Stream and returns the final state.
func (r *Runnable) Invoke(ctx context.Context, st *model.RunState) (*model.RunState, error) {
	var (
		final  *model.RunState
		runErr error
	)
	for e := range r.Stream(ctx, st) {
		switch e.Type {
		case model.EventError:
			runErr = e.Err
		case model.EventEnd:
			final = e.State
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	if final == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrRunIncomplete
	}
	return final, nil
}

func (r *Runnable) checkpoint(ctx context.Context, st *model.RunState) {
	if r.checkpoints == nil || st.RunID == "" {
		return
	}
	if err := r.checkpoints.Set(ctx, st.RunID, st.Clone()); err != nil {
		logx.Warn().Err(err).Str("run_id", st.RunID).Msg("Failed to checkpoint run state")
	}
}
