package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Serialize renders a tool output as text. Strings and byte slices pass
// through; everything else becomes indented JSON with sorted map keys and
// no HTML escaping, so equal values always render the same way.
func Serialize(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimRight(buf.String(), "\n")
}
