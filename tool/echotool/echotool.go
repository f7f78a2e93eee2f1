// Package echotool provides the reference "echo" tool: it returns its
// "message" param unchanged (other params are not echoed), the way the
// teacher's chat relay stamps and bounces a message straight back to the
// room rather than transforming it.
package echotool

import (
	"context"

	"haip.dev/engine/internal/toolmanager"
)

// Tool describes the echo tool descriptor ready for registry.Register.
var Tool = toolmanager.Tool{
	Name:        "echo",
	Description: "returns its message param unchanged",
	InputSchema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"message": map[string]any{"type": "string"}},
		"required":   []any{"message"},
	},
	OutputSchema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"message": map[string]any{"type": "string"}},
	},
	Impl: impl{},
}

type impl struct{}

func (impl) Invoke(_ context.Context, params map[string]any, _ toolmanager.UpdateFunc) (any, error) {
	return map[string]any{"message": params["message"]}, nil
}
