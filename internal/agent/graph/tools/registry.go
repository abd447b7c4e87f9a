package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/tool"

	"github.com/relay-agent/server/internal/agent/model"
)

// ErrToolNotFound is returned by catalogs asked to invoke an unknown name.
var ErrToolNotFound = errors.New("tool not found")

// Registry is an in-process catalog over Eino invokable tools.
type Registry struct {
	infos     []model.ToolInfo
	byName    map[string]tool.InvokableTool
	callbacks []einocb.Handler
}

type RegistryOption func(*Registry)

// WithToolCallbacks attaches Eino callback handlers to every invocation.
func WithToolCallbacks(h ...einocb.Handler) RegistryOption {
	return func(r *Registry) { r.callbacks = append(r.callbacks, h...) }
}

// NewRegistry reads each tool's info once; names must be unique.
func NewRegistry(ctx context.Context, ts []tool.InvokableTool, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{byName: make(map[string]tool.InvokableTool, len(ts))}
	for _, opt := range opts {
		opt(r)
	}
	for _, t := range ts {
		info, err := t.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info: %w", err)
		}
		if _, dup := r.byName[info.Name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", info.Name)
		}
		ti := model.ToolInfo{Name: info.Name, Description: info.Desc}
		if info.ParamsOneOf != nil {
			js, err := info.ParamsOneOf.ToJSONSchema()
			if err != nil {
				return nil, fmt.Errorf("tool %q schema: %w", info.Name, err)
			}
			if js != nil {
				raw, err := json.Marshal(js)
				if err != nil {
					return nil, fmt.Errorf("tool %q schema: %w", info.Name, err)
				}
				ti.ArgSchema = raw
			}
		}
		r.byName[info.Name] = t
		r.infos = append(r.infos, ti)
	}
	return r, nil
}

func (r *Registry) List(context.Context) ([]model.ToolInfo, error) {
	return slices.Clone(r.infos), nil
}

func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}

	if len(r.callbacks) > 0 {
		ctx = einocb.InitCallbacks(ctx, &einocb.RunInfo{
			Name:      name,
			Type:      "Registry",
			Component: components.ComponentOfTool,
		}, r.callbacks...)
		ctx = einocb.OnStart(ctx, &tool.CallbackInput{ArgumentsInJSON: string(raw)})
	}
	out, err := t.InvokableRun(ctx, string(raw))
	if err != nil {
		if len(r.callbacks) > 0 {
			einocb.OnError(ctx, err)
		}
		return nil, err
	}
	if len(r.callbacks) > 0 {
		einocb.OnEnd(ctx, &tool.CallbackOutput{Response: out})
	}
	return out, nil
}

var _ model.ToolCatalog = (*Registry)(nil)
