// Package tools implements the Tool Registry (§4.H): the catalogue of
// invocable capabilities the Orchestration Pipeline's completion stage
// offers to the upstream model, and the dispatcher that executes them under
// a per-call timeout and cancellation signal. Grounded on the teacher's
// internal/tools/types.go Tool/Registry shape (internal/agent/engine.go is
// its caller), generalized so execution errors never escape as Go errors —
// they become ToolOutput.IsError per spec.md §4.H, letting the model loop
// observe a failed call instead of the pipeline crashing on it.
package tools

import (
	"context"
	"encoding/json"
	"time"
)

// ToolOutput is what every tool invocation returns to the pipeline,
// regardless of success or failure.
type ToolOutput struct {
	Content  string         `json:"content"`
	IsError  bool           `json:"isError,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// InvocationContext carries the per-call information §4.H requires beyond
// the raw arguments: a working directory tools may read/write under, the
// caller's identity (for tools that need to scope a lookup to a user), and
// a per-call timeout applied on top of ctx's own deadline.
type InvocationContext struct {
	WorkDir  string
	Caller   string
	Timeout  time.Duration
}

// Tool is one invocable capability. Call must observe ctx.Done() promptly —
// the registry applies InvocationContext.Timeout as an additional deadline,
// but long-running tools (e.g. web fetch) must still poll ctx themselves at
// sensible boundaries.
type Tool interface {
	Definition() Definition
	Call(ctx context.Context, ic InvocationContext, args json.RawMessage) ToolOutput
}

// Definition is the JSON-schema description of one tool, exposed to the
// upstream model as part of the completion-stage request.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Registry exposes the tool catalogue and dispatches invocations by name.
type Registry interface {
	List() []Definition
	Register(t Tool)
	Execute(ctx context.Context, name string, args json.RawMessage, ic InvocationContext) ToolOutput
}
