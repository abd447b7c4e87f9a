package graph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relay-agent/server/internal/agent/model"
)

func noop(context.Context, *model.NodeContext, model.RunState) (model.Delta, error) {
	return model.Delta{}, nil
}

func answer(text string) NodeFunc {
	return func(context.Context, *model.NodeContext, model.RunState) (model.Delta, error) {
		return model.Delta{FinalAnswer: model.Ptr(text)}, nil
	}
}

func collect(seq func(func(model.Event) bool)) []model.Event {
	var out []model.Event
	for e := range seq {
		out = append(out, e)
	}
	return out
}

func types(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		s := string(e.Type)
		if e.Node != "" {
			s += ":" + e.Node
		}
		out = append(out, s)
	}
	return out
}

func linearGraph(t *testing.T, opts ...CompileOption) *Runnable {
	t.Helper()
	g := NewGraph()
	require.NoError(t, g.AddNode("a", noop))
	require.NoError(t, g.AddNode("b", answer("done")))
	require.NoError(t, g.AddEdge("a", "b"))
	g.SetEntry("a")
	g.SetFinish("b")
	r, err := g.Compile(context.Background(), opts...)
	require.NoError(t, err)
	return r
}

func TestCompile_Validation(t *testing.T) {
	tests := []struct {
		name  string
		build func(g *Graph)
	}{
		{"missing entry", func(g *Graph) {
			_ = g.AddNode("a", noop)
			g.SetFinish("a")
		}},
		{"edge to undefined node", func(g *Graph) {
			_ = g.AddNode("a", noop)
			_ = g.AddNode("z", noop)
			_ = g.AddEdge("a", "ghost")
			g.SetEntry("a")
			g.SetFinish("z")
		}},
		{"node without successor", func(g *Graph) {
			_ = g.AddNode("a", noop)
			_ = g.AddNode("b", noop)
			_ = g.AddNode("z", noop)
			_ = g.AddEdge("a", "z")
			g.SetEntry("a")
			g.SetFinish("z")
		}},
		{"branch to undefined node", func(g *Graph) {
			_ = g.AddNode("a", noop)
			_ = g.AddNode("z", noop)
			_ = g.AddBranch("a", NewGraphBranch(func(context.Context, model.RunState) (string, error) {
				return "z", nil
			}, map[string]bool{"z": true, "ghost": true}))
			g.SetEntry("a")
			g.SetFinish("z")
		}},
		{"duplicate successor", func(g *Graph) {
			_ = g.AddNode("a", noop)
			_ = g.AddNode("z", noop)
			_ = g.AddEdge("a", "z")
			_ = g.AddEdge("a", "z")
			g.SetEntry("a")
			g.SetFinish("z")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph()
			tt.build(g)
			_, err := g.Compile(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestStream_EmitsNodePairsInOrder(t *testing.T) {
	r := linearGraph(t)
	st := model.NewRunState("run-1", 1, []*schema.Message{schema.UserMessage("hi")})

	events := collect(r.Stream(context.Background(), st))

	assert.Equal(t, []string{
		"node_start:a", "node_end:a",
		"node_start:b", "node_end:b",
		"final_answer", "end",
	}, types(events))
	for _, e := range events {
		assert.Equal(t, "run-1", e.RunID)
	}
	assert.Equal(t, "done", events[4].Text)
	require.NotNil(t, events[5].State)
	assert.Equal(t, "done", events[5].State.FinalAnswer)
}

func TestStream_UnknownRouteIsFatal(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("a", noop))
	require.NoError(t, g.AddNode("z", answer("x")))
	require.NoError(t, g.AddBranch("a", NewGraphBranch(func(context.Context, model.RunState) (string, error) {
		return "nowhere", nil
	}, map[string]bool{"z": true})))
	g.SetEntry("a")
	g.SetFinish("z")
	r, err := g.Compile(context.Background())
	require.NoError(t, err)

	events := collect(r.Stream(context.Background(), model.NewRunState("r", 1, nil)))

	assert.Equal(t, []string{"node_start:a", "node_end:a", "error:a", "end"}, types(events))
	assert.ErrorIs(t, events[2].Err, ErrUnknownRoute)
	assert.Nil(t, events[3].State)

	_, err = r.Invoke(context.Background(), model.NewRunState("r", 1, nil))
	assert.ErrorIs(t, err, ErrUnknownRoute)
}

func TestStream_NodeErrorIsFatal(t *testing.T) {
	boom := errors.New("boom")
	g := NewGraph()
	require.NoError(t, g.AddNode("a", func(context.Context, *model.NodeContext, model.RunState) (model.Delta, error) {
		return model.Delta{}, boom
	}))
	require.NoError(t, g.AddNode("z", answer("x")))
	require.NoError(t, g.AddEdge("a", "z"))
	g.SetEntry("a")
	g.SetFinish("z")
	r, err := g.Compile(context.Background())
	require.NoError(t, err)

	final, err := r.Invoke(context.Background(), model.NewRunState("r", 1, nil))
	assert.Nil(t, final)
	assert.ErrorIs(t, err, boom)
}

func TestStream_MaxStepsCeiling(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("loop", noop))
	require.NoError(t, g.AddNode("z", answer("x")))
	require.NoError(t, g.AddBranch("loop", NewGraphBranch(func(context.Context, model.RunState) (string, error) {
		return "loop", nil
	}, map[string]bool{"loop": true, "z": true})))
	g.SetEntry("loop")
	g.SetFinish("z")
	r, err := g.Compile(context.Background(), WithMaxRunSteps(5))
	require.NoError(t, err)

	events := collect(r.Stream(context.Background(), model.NewRunState("r", 1, nil)))

	starts := 0
	for _, e := range events {
		if e.Type == model.EventNodeStart {
			starts++
		}
	}
	assert.Equal(t, 5, starts)
	require.GreaterOrEqual(t, len(events), 2)
	assert.ErrorIs(t, events[len(events)-2].Err, ErrMaxStepsExceeded)
	assert.Equal(t, model.EventEnd, events[len(events)-1].Type)
}

func TestStream_InvariantViolationIsFatal(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("a", func(context.Context, *model.NodeContext, model.RunState) (model.Delta, error) {
		return model.Delta{Intent: model.Ptr(model.IntentChat)}, nil
	}))
	require.NoError(t, g.AddNode("z", answer("x")))
	require.NoError(t, g.AddEdge("a", "z"))
	g.SetEntry("a")
	g.SetFinish("z")
	r, err := g.Compile(context.Background())
	require.NoError(t, err)

	st := model.NewRunState("r", 1, nil)
	st.Intent = model.IntentSearch
	_, err = r.Invoke(context.Background(), st)
	assert.ErrorIs(t, err, model.ErrInvariant)
}

func TestStream_CancelStopsAtNodeBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGraph()
	visitedB := false
	require.NoError(t, g.AddNode("a", func(context.Context, *model.NodeContext, model.RunState) (model.Delta, error) {
		cancel()
		return model.Delta{}, nil
	}))
	require.NoError(t, g.AddNode("b", func(context.Context, *model.NodeContext, model.RunState) (model.Delta, error) {
		visitedB = true
		return model.Delta{FinalAnswer: model.Ptr("x")}, nil
	}))
	require.NoError(t, g.AddEdge("a", "b"))
	g.SetEntry("a")
	g.SetFinish("b")
	r, err := g.Compile(context.Background())
	require.NoError(t, err)

	events := collect(r.Stream(ctx, model.NewRunState("r", 1, nil)))

	assert.Equal(t, []string{"node_start:a"}, types(events))
	assert.False(t, visitedB)

	_, err = r.Invoke(ctx, model.NewRunState("r", 1, nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStream_ConsumerBreakStopsRun(t *testing.T) {
	r := linearGraph(t)
	st := model.NewRunState("r", 1, nil)

	for e := range r.Stream(context.Background(), st) {
		if e.Type == model.EventNodeEnd {
			break
		}
	}
	assert.Equal(t, "a", st.CurrentNode)
	assert.False(t, st.HasFinalAnswer)
}

func TestStream_NodeEventsAreForwarded(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("a", func(_ context.Context, nc *model.NodeContext, _ model.RunState) (model.Delta, error) {
		nc.Emit(model.Event{Type: model.EventToolStart, Tool: "echo"})
		nc.Emit(model.Event{Type: model.EventToolEnd, Tool: "echo", Text: model.ToolStatusOK})
		return model.Delta{}, nil
	}))
	require.NoError(t, g.AddNode("z", answer("x")))
	require.NoError(t, g.AddEdge("a", "z"))
	g.SetEntry("a")
	g.SetFinish("z")
	r, err := g.Compile(context.Background())
	require.NoError(t, err)

	events := collect(r.Stream(context.Background(), model.NewRunState("r", 1, nil)))
	assert.Equal(t, []string{
		"node_start:a", "tool_start", "tool_end", "node_end:a",
		"node_start:z", "node_end:z", "final_answer", "end",
	}, types(events))
	assert.Equal(t, "r", events[1].RunID)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []model.Event
}

func (o *recordingObserver) OnEvent(_ context.Context, e model.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

type memCheckpoints struct {
	mu    sync.Mutex
	saved map[string]*model.RunState
	count int
}

func (m *memCheckpoints) Set(_ context.Context, id string, st *model.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]*model.RunState{}
	}
	m.saved[id] = st
	m.count++
	return nil
}

func TestStream_ObserversAndCheckpoints(t *testing.T) {
	obs := &recordingObserver{}
	cps := &memCheckpoints{}
	r := linearGraph(t, WithObservers(obs), WithCheckPointStore(cps))

	final, err := r.Invoke(context.Background(), model.NewRunState("run-9", 1, nil))
	require.NoError(t, err)

	assert.Len(t, obs.events, 6)
	assert.Equal(t, 2, cps.count)
	require.Contains(t, cps.saved, "run-9")
	assert.Equal(t, "done", cps.saved["run-9"].FinalAnswer)
	// snapshot is detached from the live state
	assert.NotSame(t, final, cps.saved["run-9"])
}

func TestStream_SelfLoopDrainsQueue(t *testing.T) {
	g := NewGraph()
	require.NoError(t, g.AddNode("plan", func(context.Context, *model.NodeContext, model.RunState) (model.Delta, error) {
		return model.Delta{ToolQueue: []model.PlannedCall{{Name: "a"}, {Name: "b"}, {Name: "c"}}}, nil
	}))
	var seen []string
	require.NoError(t, g.AddNode("exec", func(_ context.Context, _ *model.NodeContext, st model.RunState) (model.Delta, error) {
		assert.Equal(t, "exec", st.CurrentNode)
		seen = append(seen, st.ToolQueue[0].Name)
		return model.Delta{ToolQueue: st.ToolQueue[1:]}, nil
	}))
	require.NoError(t, g.AddNode("z", answer("drained")))
	require.NoError(t, g.AddEdge("plan", "exec"))
	require.NoError(t, g.AddBranch("exec", NewGraphBranch(func(_ context.Context, st model.RunState) (string, error) {
		if len(st.ToolQueue) > 0 {
			return "exec", nil
		}
		return "z", nil
	}, map[string]bool{"exec": true, "z": true})))
	g.SetEntry("plan")
	g.SetFinish("z")
	r, err := g.Compile(context.Background(), WithMaxRunSteps(10))
	require.NoError(t, err)

	events := collect(r.Stream(context.Background(), model.NewRunState("r", 1, nil)))

	assert.Equal(t, []string{
		"node_start:plan", "node_end:plan",
		"node_start:exec", "node_end:exec",
		"node_start:exec", "node_end:exec",
		"node_start:exec", "node_end:exec",
		"node_start:z", "node_end:z",
		"final_answer", "end",
	}, types(events))
	assert.Equal(t, []string{"a", "b", "c"}, seen)
	require.NotNil(t, events[len(events)-1].State)
	assert.Empty(t, events[len(events)-1].State.ToolQueue)
}

func TestStream_ConcurrentRunsKeepOwnState(t *testing.T) {
	r := linearGraph(t)
	var wg sync.WaitGroup
	finals := make([]*model.RunState, 8)
	for i := range finals {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := r.Invoke(context.Background(), model.NewRunState("run", int64(i), nil))
			if assert.NoError(t, err) {
				finals[i] = st
			}
		}()
	}
	wg.Wait()
	for i, st := range finals {
		require.NotNil(t, st)
		assert.Equal(t, int64(i), st.UserID)
		assert.Equal(t, "done", st.FinalAnswer)
	}
}
