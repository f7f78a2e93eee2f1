// Package longjob provides the reference "long_job" tool: a cancellable,
// multi-step operation that reports progress on a ticker, the way the
// teacher's RunMetrics logs room stats on every tick until its context is
// canceled.
package longjob

import (
	"context"
	"time"

	"haip.dev/engine/internal/toolmanager"
)

const (
	defaultSteps    = 5
	defaultStepTime = time.Second
)

// Tool describes the long_job tool descriptor ready for registry.Register.
var Tool = toolmanager.Tool{
	Name:        "long_job",
	Description: "runs for several steps, reporting progress, and supports cancellation",
	InputSchema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"steps": map[string]any{"type": "integer"}},
	},
	OutputSchema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"steps_completed": map[string]any{"type": "integer"}},
	},
	Impl: impl{},
}

type impl struct{}

func (impl) Invoke(ctx context.Context, params map[string]any, emit toolmanager.UpdateFunc) (any, error) {
	steps := defaultSteps
	if v, ok := params["steps"].(float64); ok && v > 0 {
		steps = int(v)
	}
	stepTime := defaultStepTime
	if v, ok := params["step_ms"].(float64); ok && v > 0 {
		stepTime = time.Duration(v) * time.Millisecond
	}

	ticker := time.NewTicker(stepTime)
	defer ticker.Stop()

	completed := 0
	for completed < steps {
		select {
		case <-ctx.Done():
			return map[string]any{"steps_completed": completed}, ctx.Err()
		case <-ticker.C:
			completed++
			pct := completed * 100 / steps
			emit("RUNNING", &pct, nil)
		}
	}
	return map[string]any{"steps_completed": completed}, nil
}
