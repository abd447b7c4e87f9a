package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cloudwego/eino/compose"

	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

const (
	DefaultMaxRunSteps = 50
	// GraphName is the name the compiled eino graph reports to callbacks.
	GraphName = "relay_agent"
)

var (
	// ErrUnknownRoute is returned when a router picks a successor outside of
	// its declared end nodes. It is a configuration bug, never recoverable.
	ErrUnknownRoute = errors.New("router returned an undeclared successor")
	// ErrMaxStepsExceeded is returned when a run visits more nodes than the
	// configured ceiling.
	ErrMaxStepsExceeded = errors.New("max run steps exceeded")
	// ErrRunIncomplete is returned by Invoke when the stream ended without a final state.
	ErrRunIncomplete = errors.New("run ended without a final state")
)

// NodeFunc is a unit of work. It reads a copy of the run state, may call
// the collaborators found in nc, and returns the delta to merge.
type NodeFunc func(ctx context.Context, nc *model.NodeContext, st model.RunState) (model.Delta, error)

// RouterFunc picks the successor of a node from the merged state.
type RouterFunc func(ctx context.Context, st model.RunState) (string, error)

// Branch is a conditional edge: a router plus the closed set of successors
// it may return.
type Branch struct {
	router   RouterFunc
	endNodes map[string]bool
}

// NewGraphBranch creates a conditional edge.
func NewGraphBranch(router RouterFunc, endNodes map[string]bool) *Branch {
	return &Branch{router: router, endNodes: endNodes}
}

func (b *Branch) next(ctx context.Context, st model.RunState) (string, error) {
	name, err := b.router(ctx, st)
	if err != nil {
		return "", err
	}
	if !b.endNodes[name] {
		return "", fmt.Errorf("%w: %q", ErrUnknownRoute, name)
	}
	return name, nil
}

// Graph is the mutable definition of a state graph. Build it with AddNode,
// AddEdge and AddBranch, then Compile it into a Runnable.
type Graph struct {
	nodes    map[string]NodeFunc
	edges    map[string]string
	branches map[string]*Branch
	entry    string
	finish   string
	errs     []error
}

func NewGraph() *Graph {
	return &Graph{
		nodes:    map[string]NodeFunc{},
		edges:    map[string]string{},
		branches: map[string]*Branch{},
	}
}

func (g *Graph) AddNode(name string, fn NodeFunc) error {
	if name == "" || fn == nil {
		return g.fail(fmt.Errorf("node %q: name and func are required", name))
	}
	if _, ok := g.nodes[name]; ok {
		return g.fail(fmt.Errorf("node %q: already added", name))
	}
	g.nodes[name] = fn
	return nil
}

// AddEdge declares an unconditional successor.
func (g *Graph) AddEdge(from, to string) error {
	if g.hasSuccessor(from) {
		return g.fail(fmt.Errorf("node %q: successor already declared", from))
	}
	g.edges[from] = to
	return nil
}

// AddBranch declares a conditional successor.
func (g *Graph) AddBranch(from string, b *Branch) error {
	if b == nil || b.router == nil || len(b.endNodes) == 0 {
		return g.fail(fmt.Errorf("node %q: branch needs a router and end nodes", from))
	}
	if g.hasSuccessor(from) {
		return g.fail(fmt.Errorf("node %q: successor already declared", from))
	}
	g.branches[from] = b
	return nil
}

func (g *Graph) SetEntry(name string)  { g.entry = name }
func (g *Graph) SetFinish(name string) { g.finish = name }

func (g *Graph) hasSuccessor(name string) bool {
	_, e := g.edges[name]
	_, b := g.branches[name]
	return e || b
}

func (g *Graph) fail(err error) error {
	g.errs = append(g.errs, err)
	return err
}

// Observer receives every event a run emits, in order.
type Observer interface {
	OnEvent(ctx context.Context, e model.Event)
}

// CheckPointStore keeps the latest snapshot of each live run.
type CheckPointStore interface {
	Set(ctx context.Context, runID string, st *model.RunState) error
}

type compileOptions struct {
	maxSteps    int
	deps        *model.Deps
	observers   []Observer
	checkpoints CheckPointStore
}

type CompileOption func(*compileOptions)

// WithMaxRunSteps bounds the number of node visits of a single run.
func WithMaxRunSteps(n int) CompileOption {
	return func(o *compileOptions) { o.maxSteps = n }
}

// WithDeps sets the collaborators handed to every node.
func WithDeps(d *model.Deps) CompileOption {
	return func(o *compileOptions) { o.deps = d }
}

func WithObservers(obs ...Observer) CompileOption {
	return func(o *compileOptions) { o.observers = append(o.observers, obs...) }
}

// WithCheckPointStore snapshots the state after every node.
func WithCheckPointStore(s CheckPointStore) CompileOption {
	return func(o *compileOptions) { o.checkpoints = s }
}

// Compile validates the graph and lowers it onto an eino graph. Every node
// becomes a lambda whose delta is merged into the run state by a state post
// handler; every branch becomes an eino graph branch over the merged state.
func (g *Graph) Compile(ctx context.Context, opts ...CompileOption) (*Runnable, error) {
	if len(g.errs) > 0 {
		return nil, errors.Join(g.errs...)
	}
	if err := g.validate(); err != nil {
		return nil, err
	}

	o := compileOptions{maxSteps: DefaultMaxRunSteps}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxSteps <= 0 {
		o.maxSteps = DefaultMaxRunSteps
	}
	if o.deps == nil {
		o.deps = &model.Deps{}
	}

	r := &Runnable{
		nodes:       make(map[string]bool, len(g.nodes)),
		maxSteps:    o.maxSteps,
		deps:        o.deps,
		observers:   o.observers,
		checkpoints: o.checkpoints,
	}

	eg := compose.NewGraph[model.Delta, model.Delta](
		compose.WithGenLocalState(func(ctx context.Context) *runScope {
			return scopeFrom(ctx, r.deps)
		}),
	)

	for _, name := range g.nodeNames() {
		r.nodes[name] = true
		err := eg.AddLambdaNode(name, compose.InvokableLambda(nodeLambda(g.nodes[name])),
			compose.WithNodeName(name),
			compose.WithStatePreHandler(enterNode(name)),
			compose.WithStatePostHandler(r.applyDelta(name)),
		)
		if err != nil {
			return nil, fmt.Errorf("add node %s: %w", name, err)
		}
	}

	if err := eg.AddEdge(compose.START, g.entry); err != nil {
		return nil, fmt.Errorf("add entry edge: %w", err)
	}
	for from, to := range g.edges {
		if err := eg.AddEdge(from, to); err != nil {
			return nil, fmt.Errorf("add edge %s -> %s: %w", from, to, err)
		}
	}
	for from, b := range g.branches {
		if err := eg.AddBranch(from, compose.NewGraphBranch(b.condition(from), b.endNodes)); err != nil {
			return nil, fmt.Errorf("add branch %s: %w", from, err)
		}
	}
	if err := eg.AddEdge(g.finish, compose.END); err != nil {
		return nil, fmt.Errorf("add finish edge: %w", err)
	}

	runnable, err := eg.Compile(ctx,
		compose.WithMaxRunSteps(o.maxSteps),
		compose.WithGraphName(GraphName),
	)
	if err != nil {
		return nil, err
	}
	r.graph = runnable
	return r, nil
}

// runScope is the local state of one run: the live RunState plus the node
// context handed to every node.
type runScope struct {
	st *model.RunState
	nc *model.NodeContext
}

type scopeKey struct{}

func withScope(ctx context.Context, s *runScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func scopeFrom(ctx context.Context, deps *model.Deps) *runScope {
	if s, ok := ctx.Value(scopeKey{}).(*runScope); ok {
		return s
	}
	// invoked outside Stream; run on a throwaway state
	st := model.NewRunState("", 0, nil)
	return &runScope{st: st, nc: model.NewNodeContext("", deps, func(model.Event) {})}
}

// enterNode marks the node as current before its callbacks fire.
func enterNode(name string) compose.StatePreHandler[model.Delta, *runScope] {
	return func(_ context.Context, in model.Delta, s *runScope) (model.Delta, error) {
		s.st.CurrentNode = name
		s.st.Log = nil
		return in, nil
	}
}

// nodeLambda runs fn against a copy of the run state. The state lock is only
// held while copying, so nodes may block on models and tools.
func nodeLambda(fn NodeFunc) compose.InvokeWOOpt[model.Delta, model.Delta] {
	return func(ctx context.Context, _ model.Delta) (model.Delta, error) {
		var (
			nc   *model.NodeContext
			snap model.RunState
		)
		err := compose.ProcessState(ctx, func(_ context.Context, s *runScope) error {
			nc, snap = s.nc, *s.st
			return nil
		})
		if err != nil {
			return model.Delta{}, err
		}
		d, err := fn(ctx, nc, snap)
		if err != nil {
			return model.Delta{}, err
		}
		// a run cancelled mid-node keeps the state it had before the node
		if err := ctx.Err(); err != nil {
			return model.Delta{}, err
		}
		return d, nil
	}
}

// applyDelta merges the node's delta and snapshots the result.
func (r *Runnable) applyDelta(name string) compose.StatePostHandler[model.Delta, *runScope] {
	return func(ctx context.Context, d model.Delta, s *runScope) (model.Delta, error) {
		if err := s.st.Apply(d); err != nil {
			return d, fmt.Errorf("node %s: %w", name, err)
		}
		r.checkpoint(ctx, s.st)
		return d, nil
	}
}

// condition evaluates the router against the merged state.
func (b *Branch) condition(from string) compose.GraphBranchCondition[model.Delta] {
	return func(ctx context.Context, _ model.Delta) (string, error) {
		var next string
		err := compose.ProcessState(ctx, func(ctx context.Context, s *runScope) error {
			var err error
			if next, err = b.next(ctx, *s.st); err != nil {
				return err
			}
			logx.Run(s.st.RunID, from).Str("next", next).Msg("Routing")
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("route from %s: %w", from, err)
		}
		return next, nil
	}
}

func (g *Graph) nodeNames() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Graph) validate() error {
	var errs []error
	if _, ok := g.nodes[g.entry]; !ok {
		errs = append(errs, fmt.Errorf("entry node %q is not defined", g.entry))
	}
	if _, ok := g.nodes[g.finish]; !ok {
		errs = append(errs, fmt.Errorf("finish node %q is not defined", g.finish))
	}
	if g.hasSuccessor(g.finish) {
		errs = append(errs, fmt.Errorf("finish node %q must not have a successor", g.finish))
	}

	for _, name := range g.nodeNames() {
		if name != g.finish && !g.hasSuccessor(name) {
			errs = append(errs, fmt.Errorf("node %q has no successor", name))
		}
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("edge from undefined node %q", from))
		}
		if _, ok := g.nodes[to]; !ok {
			errs = append(errs, fmt.Errorf("edge %q -> undefined node %q", from, to))
		}
	}
	for from, b := range g.branches {
		if _, ok := g.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("branch from undefined node %q", from))
		}
		for to := range b.endNodes {
			if _, ok := g.nodes[to]; !ok {
				errs = append(errs, fmt.Errorf("branch %q -> undefined node %q", from, to))
			}
		}
	}
	return errors.Join(errs...)
}
