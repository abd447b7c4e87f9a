package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

// ErrArgsInvalid is wrapped by argument validation failures.
var ErrArgsInvalid = errors.New("invalid tool arguments")

// NotFoundOutput is the tool result recorded for a call that resolves to no tool.
func NotFoundOutput(name string) string {
	return fmt.Sprintf("Tool '%s' not found.", name)
}

// ErrorOutput is the tool result recorded for a failed invocation.
func ErrorOutput(err error) string {
	return "Error: " + err.Error()
}

// QueueExecutor runs the planned tool queue one call at a time.
type QueueExecutor struct {
	catalog  model.ToolCatalog
	validate bool

	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
}

type ExecutorOption func(*QueueExecutor)

// WithArgValidation checks call arguments against the tool's JSON schema
// before invoking it.
func WithArgValidation(on bool) ExecutorOption {
	return func(q *QueueExecutor) { q.validate = on }
}

func NewQueueExecutor(catalog model.ToolCatalog, opts ...ExecutorOption) *QueueExecutor {
	q := &QueueExecutor{
		catalog: catalog,
		schemas: make(map[string]*gojsonschema.Schema),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ExecuteHead pops exactly one planned call, invokes it and appends exactly
// one result. Tool failures are recorded as results, never returned.
func (q *QueueExecutor) ExecuteHead(ctx context.Context, st model.RunState, emit func(model.Event)) (model.Delta, error) {
	if len(st.ToolQueue) == 0 {
		return model.Delta{}, nil
	}
	if emit == nil {
		emit = func(model.Event) {}
	}

	head := st.ToolQueue[0]
	rest := make([]model.PlannedCall, 0, len(st.ToolQueue)-1)
	rest = append(rest, st.ToolQueue[1:]...)

	emit(model.Event{Type: model.EventToolStart, Tool: head.Name})
	output, status := q.run(ctx, head)
	emit(model.Event{Type: model.EventToolEnd, Tool: head.Name, Text: status})

	results := append(slices.Clone(st.ToolResults), model.ToolResult{ToolName: head.Name, Output: output})

	return model.Delta{
		ToolQueue:   rest,
		ToolResults: results,
		Log:         []string{fmt.Sprintf("executed %s: %s", head.Name, status)},
	}, nil
}

func (q *QueueExecutor) run(ctx context.Context, call model.PlannedCall) (output, status string) {
	if q.catalog == nil {
		return NotFoundOutput(call.Name), model.ToolStatusNotFound
	}
	infos, err := q.catalog.List(ctx)
	if err != nil {
		logx.Warn().Err(err).Str("tool", call.Name).Msg("Failed to list tools")
		return ErrorOutput(fmt.Errorf("list tools: %w", err)), model.ToolStatusError
	}
	info, ok := Resolve(infos, call.Name)
	if !ok {
		logx.Warn().Str("tool", call.Name).Msg("Tool not found")
		return NotFoundOutput(call.Name), model.ToolStatusNotFound
	}

	if q.validate {
		if err := q.validateArgs(info, call.Args); err != nil {
			logx.Warn().Err(err).Str("tool", info.Name).Msg("Tool arguments rejected")
			return ErrorOutput(err), model.ToolStatusError
		}
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	res, err := q.catalog.Invoke(ctx, info.Name, args)
	if err != nil {
		logx.Warn().Err(err).Str("tool", info.Name).Msg("Tool invocation failed")
		return ErrorOutput(err), model.ToolStatusError
	}
	logx.Debug().Str("tool", info.Name).Msg("Tool invoked")
	return Serialize(res), model.ToolStatusOK
}

func (q *QueueExecutor) validateArgs(info model.ToolInfo, args map[string]any) error {
	if len(info.ArgSchema) == 0 {
		return nil
	}
	sch, err := q.schemaFor(info)
	if err != nil {
		// a tool with a broken schema is still invocable
		logx.Warn().Err(err).Str("tool", info.Name).Msg("Skipping argument validation")
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// round-trip so Go values match what the schema sees on the wire
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArgsInvalid, err)
	}
	result, err := sch.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArgsInvalid, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrArgsInvalid, strings.Join(msgs, "; "))
	}
	return nil
}

func (q *QueueExecutor) schemaFor(info model.ToolInfo) (*gojsonschema.Schema, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.schemas[info.Name]; ok {
		return s, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(info.ArgSchema))
	if err != nil {
		return nil, err
	}
	q.schemas[info.Name] = s
	return s, nil
}
