// Package pipeline implements the Orchestration Pipeline (§4.J): the
// priority-ordered stage sequence that turns one user turn into a streamed
// assistant response, driving the tool-calling loop over the upstream model
// and enforcing the pipeline's limits and cancellation contract. Grounded on
// the teacher's internal/agent/engine.go Engine.Run tool-calling loop
// (OnAssistant/OnTool/OnDelta hooks, MaxSteps, per-round tool fan-out),
// generalized from a single-binary agent loop into discrete, priority-ordered
// stages over a shared turn context, each owning one spec.md §4 component.
package pipeline

import (
	"context"
	"errors"
)

// Kind is the §7 failure taxonomy surfaced to SSE Transport / HTTP clients.
type Kind string

const (
	KindAuthRequired        Kind = "auth_required"
	KindRateLimited         Kind = "rate_limited"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindSchemaViolation     Kind = "schema_violation"
	KindToolTimeout         Kind = "tool_timeout"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Error wraps an underlying failure with its §7 classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// ClassifyKind extracts the Kind from err if it (or something it wraps) is a
// *Error; otherwise returns KindInternal.
func ClassifyKind(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// classifyStageErr wraps a failure from a cancellable downstream call
// (model, retrieval, tool execution). Per §5's cancellation contract,
// a ctx that is already Done at the point of failure takes priority over the
// stage's own fallback classification: a timeout or caller-abort must
// surface as "cancelled", never as "upstream_unavailable", so clients can
// tell a dead backend from their own abort.
func classifyStageErr(ctx context.Context, fallback Kind, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return newError(KindCancelled, ctxErr)
	}
	return newError(fallback, err)
}
