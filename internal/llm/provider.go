package llm

import (
	"context"
	"encoding/json"
)

// ToolCall is a single function invocation the model requested mid-stream.
type ToolCall struct {
	Name string
	Args json.RawMessage
	ID   string
}

// Message is the provider-agnostic chat turn internal/messageprep builds and
// internal/pipeline exchanges with a Provider. Role is one of "system",
// "user", "assistant", "tool".
type Message struct {
	Role      string
	Content   string
	ToolID    string // set on "tool" messages; echoes the ToolCall.ID it answers
	ToolCalls []ToolCall
}

type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// StreamHandler receives incremental output from a streaming completion.
// The Orchestration Pipeline's completion stage (§4.J) implements this to
// turn deltas into SSE frames and accumulate the final assistant message.
type StreamHandler interface {
	OnDelta(content string)
	OnToolCall(tc ToolCall)
}

// Provider is the upstream model abstraction §6 describes: an
// OpenAI-compatible chat-completion API reached over streaming HTTP.
type Provider interface {
	ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, h StreamHandler) error
}
