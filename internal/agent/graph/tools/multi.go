package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

// MultiCatalog merges catalogs. On a name clash the earlier catalog wins.
type MultiCatalog struct {
	catalogs []model.ToolCatalog
}

func NewMultiCatalog(cs ...model.ToolCatalog) *MultiCatalog {
	m := &MultiCatalog{}
	for _, c := range cs {
		if c != nil {
			m.catalogs = append(m.catalogs, c)
		}
	}
	return m
}

// List skips a catalog whose listing fails when at least one other
// catalog answers.
func (m *MultiCatalog) List(ctx context.Context) ([]model.ToolInfo, error) {
	var (
		out  []model.ToolInfo
		seen = map[string]bool{}
		errs []error
	)
	for _, c := range m.catalogs {
		infos, err := c.List(ctx)
		if err != nil {
			logx.Warn().Err(err).Msg("Tool catalog listing failed")
			errs = append(errs, err)
			continue
		}
		for _, info := range infos {
			if seen[info.Name] {
				continue
			}
			seen[info.Name] = true
			out = append(out, info)
		}
	}
	if len(errs) > 0 && len(errs) == len(m.catalogs) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (m *MultiCatalog) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	for _, c := range m.catalogs {
		infos, err := c.List(ctx)
		if err != nil {
			continue
		}
		for _, info := range infos {
			if info.Name == name {
				return c.Invoke(ctx, name, args)
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

var _ model.ToolCatalog = (*MultiCatalog)(nil)
