package model

import (
	"context"

	einocb "github.com/cloudwego/eino/callbacks"
)

// Completer is an opaque text-completion capability. The local and the
// expensive models only differ by cost and availability.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Limiter throttles calls on the expensive-model path.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Deps are the collaborators shared by every node of a graph. They are built
// once per process and passed to nodes explicitly.
type Deps struct {
	Local     Completer
	Expensive Completer
	// Judge validates local drafts; nil falls back to Expensive.
	Judge   Completer
	Tools   ToolCatalog
	Store   Store
	Limiter Limiter
	// Callbacks receive Eino prompt events raised while nodes render prompts.
	Callbacks []einocb.Handler
}

// JudgeModel returns the completer used for validation.
func (d *Deps) JudgeModel() Completer {
	if d.Judge != nil {
		return d.Judge
	}
	return d.Expensive
}

// NodeContext is handed to every node invocation.
type NodeContext struct {
	RunID string
	Deps  *Deps
	emit  func(Event)
}

func NewNodeContext(runID string, deps *Deps, emit func(Event)) *NodeContext {
	if deps == nil {
		deps = &Deps{}
	}
	return &NodeContext{RunID: runID, Deps: deps, emit: emit}
}

// Emit forwards a progress event from inside a node to the run's stream.
func (nc *NodeContext) Emit(e Event) {
	if nc == nil || nc.emit == nil {
		return
	}
	e.RunID = nc.RunID
	nc.emit(e)
}
