package tools

import (
	"strings"

	"github.com/relay-agent/server/internal/agent/model"
)

// NamespaceSep joins a tool server name and a tool name ("server__tool").
const NamespaceSep = "__"

// Resolve finds the catalog entry a planned call refers to. An exact name
// wins; otherwise the first entry named "<anything>__<name>" in catalog
// order is used.
func Resolve(catalog []model.ToolInfo, name string) (model.ToolInfo, bool) {
	if name == "" {
		return model.ToolInfo{}, false
	}
	for _, t := range catalog {
		if t.Name == name {
			return t, true
		}
	}
	suffix := NamespaceSep + name
	for _, t := range catalog {
		if strings.HasSuffix(t.Name, suffix) && len(t.Name) > len(suffix) {
			return t, true
		}
	}
	return model.ToolInfo{}, false
}
