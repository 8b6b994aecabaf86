package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"weave/internal/observability"
)

// DefaultPerToolTimeout is used when an InvocationContext carries no
// explicit per-call timeout; it mirrors spec.md §6's perToolTimeout default.
const DefaultPerToolTimeout = 30 * time.Second

type registry struct {
	mu     sync.RWMutex
	byName map[string]Tool
}

// NewRegistry returns an empty in-memory Registry; callers Register()
// builtin and domain tools before wiring it into the Orchestration Pipeline.
func NewRegistry() Registry {
	return &registry{byName: make(map[string]Tool)}
}

func (r *registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[t.Definition().Name] = t
}

func (r *registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.byName))
	for _, t := range r.byName {
		out = append(out, t.Definition())
	}
	return out
}

// Execute dispatches name with args under a deadline derived from
// ic.Timeout (or DefaultPerToolTimeout). Every outcome — unknown tool,
// timeout, or a panic recovered from a misbehaving handler — is converted
// into ToolOutput.IsError rather than propagated as a transport failure, so
// the model loop always gets to observe what happened (§4.H).
func (r *registry) Execute(ctx context.Context, name string, args json.RawMessage, ic InvocationContext) (out ToolOutput) {
	r.mu.RLock()
	t, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return ToolOutput{Content: fmt.Sprintf("tool %q is not registered", name), IsError: true}
	}

	timeout := ic.Timeout
	if timeout <= 0 {
		timeout = DefaultPerToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct{ out ToolOutput }
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				observability.LoggerWithTrace(callCtx).Error().
					Str("tool", name).Interface("panic", rec).Msg("tool call panicked")
				done <- result{ToolOutput{Content: fmt.Sprintf("tool %q panicked: %v", name, rec), IsError: true}}
				return
			}
		}()
		done <- result{t.Call(callCtx, ic, args)}
	}()

	select {
	case r := <-done:
		return r.out
	case <-callCtx.Done():
		observability.LoggerWithTrace(ctx).Warn().Str("tool", name).Msg("tool call timed out")
		return ToolOutput{Content: fmt.Sprintf("tool %q timed out after %s", name, timeout), IsError: true}
	}
}
