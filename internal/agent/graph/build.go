package graph

import (
	"context"
	"fmt"

	"github.com/relay-agent/server/internal/agent/graph/nodes"
	"github.com/relay-agent/server/internal/agent/graph/tools"
	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

// AgentConfig holds everything needed to build the agent graph.
type AgentConfig struct {
	Deps         *model.Deps
	MaxToolCalls int
	ValidateArgs bool
	// MaxSteps overrides the step ceiling derived from MaxToolCalls.
	MaxSteps    int
	Observers   []Observer
	CheckPoints CheckPointStore
}

// GraphBuilder handles the construction of the agent graph
type GraphBuilder struct {
	config *AgentConfig
	graph  *Graph
}

// BuildAgentGraph constructs and returns the compiled agent graph.
func BuildAgentGraph(ctx context.Context, config AgentConfig) (*Runnable, error) {
	if config.Deps == nil {
		return nil, fmt.Errorf("graph deps are nil")
	}

	b := &GraphBuilder{config: &config, graph: NewGraph()}
	b.addNodes()
	b.addEdges()
	if err := b.addBranches(); err != nil {
		return nil, err
	}
	return b.compile(ctx)
}

// addNodes adds all processing nodes to the graph
func (b *GraphBuilder) addNodes() {
	var execOpts []tools.ExecutorOption
	if b.config.ValidateArgs {
		execOpts = append(execOpts, tools.WithArgValidation(true))
	}

	nodeFuncs := []struct {
		name string
		fn   NodeFunc
	}{
		{nodes.NodeClassifyIntent, nodes.NewClassifyIntentNode()},
		{nodes.NodeDBLookup, nodes.NewDBLookupNode()},
		{nodes.NodeUpdateProfile, nodes.NewUpdateProfileNode()},
		{nodes.NodePlanTools, nodes.NewPlanToolsNode(b.config.MaxToolCalls)},
		{nodes.NodeExecuteTools, nodes.NewExecuteToolsNode(execOpts...)},
		{nodes.NodeSynthesize, nodes.NewSynthesizeNode()},
		{nodes.NodeDraftWithLocal, nodes.NewDraftWithLocalNode()},
		{nodes.NodeValidate, nodes.NewValidateNode()},
		{nodes.NodeEscalate, nodes.NewEscalateNode()},
		{nodes.NodeEmitFinal, nodes.NewEmitFinalNode()},
	}
	for _, n := range nodeFuncs {
		_ = b.graph.AddNode(n.name, n.fn)
	}

	b.graph.SetEntry(nodes.NodeClassifyIntent)
	b.graph.SetFinish(nodes.NodeEmitFinal)
}

// addEdges creates the unconditional connections between nodes
func (b *GraphBuilder) addEdges() {
	edges := [][2]string{
		{nodes.NodeUpdateProfile, nodes.NodeEmitFinal},
		{nodes.NodeSynthesize, nodes.NodeValidate},
		{nodes.NodeDraftWithLocal, nodes.NodeValidate},
		{nodes.NodeEscalate, nodes.NodeEmitFinal},
	}

	for _, edge := range edges {
		_ = b.graph.AddEdge(edge[0], edge[1])
	}
}

// addBranches creates conditional routing branches
func (b *GraphBuilder) addBranches() error {
	branches := []struct {
		from   string
		router RouterFunc
		ends   []string
	}{
		{nodes.NodeClassifyIntent, nodes.NewIntentCondition(), []string{nodes.NodeUpdateProfile, nodes.NodeDBLookup}},
		{nodes.NodeDBLookup, nodes.NewCacheCondition(), []string{nodes.NodeEmitFinal, nodes.NodePlanTools}},
		{nodes.NodePlanTools, nodes.NewPlanCondition(), []string{nodes.NodeExecuteTools, nodes.NodeDraftWithLocal}},
		{nodes.NodeExecuteTools, nodes.NewToolQueueCondition(), []string{nodes.NodeExecuteTools, nodes.NodeSynthesize, nodes.NodeDraftWithLocal}},
		{nodes.NodeValidate, nodes.NewValidationCondition(), []string{nodes.NodeEmitFinal, nodes.NodeEscalate}},
	}

	for _, br := range branches {
		ends := make(map[string]bool, len(br.ends))
		for _, e := range br.ends {
			ends[e] = true
		}
		if err := b.graph.AddBranch(br.from, NewGraphBranch(br.router, ends)); err != nil {
			logx.Error().Err(err).Str("node", br.from).Msg("Error adding branch")
			return fmt.Errorf("error adding %s branch: %w", br.from, err)
		}
	}
	return nil
}

// MaxStepsFor is the step ceiling of a run allowed maxToolCalls tool calls.
func MaxStepsFor(maxToolCalls int) int {
	if maxToolCalls <= 0 {
		maxToolCalls = nodes.DefaultMaxToolCalls
	}
	// Limit total run steps to avoid infinite loops in branching or tool retries
	return max(10+maxToolCalls*2, 20)
}

// compile finalizes and compiles the graph
func (b *GraphBuilder) compile(ctx context.Context) (*Runnable, error) {
	maxSteps := b.config.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxStepsFor(b.config.MaxToolCalls)
	}

	opts := []CompileOption{
		WithMaxRunSteps(maxSteps),
		WithDeps(b.config.Deps),
		WithObservers(b.config.Observers...),
	}
	if b.config.CheckPoints != nil {
		opts = append(opts, WithCheckPointStore(b.config.CheckPoints))
	}

	runnable, err := b.graph.Compile(ctx, opts...)
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Int("max_steps", maxSteps).Msg("Agent graph compiled successfully")
	return runnable, nil
}
