package pipeline

import (
	"encoding/json"

	"weave/internal/chatmodel"
	"weave/internal/llm"
	"weave/internal/tools"
)

// toLLMMessages converts the prepared chatmodel.Message sequence plus a
// system prompt into the llm.Message list a Provider.Chat/ChatStream call
// accepts. Grounded on the teacher's BuildInitialLLMMessages
// (internal/agent/messages.go): system message first, then history in
// order, tool-call/tool-response roles carried through verbatim.
func toLLMMessages(system string, msgs []chatmodel.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	if system != "" {
		out = append(out, llm.Message{Role: string(chatmodel.RoleSystem), Content: system})
	}
	for _, m := range msgs {
		lm := llm.Message{
			Role:    string(m.Role),
			Content: m.Content,
			ToolID:  m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCall{
				ID:   tc.ID,
				Name: tc.Name,
				Args: json.RawMessage(tc.Arguments),
			})
		}
		out = append(out, lm)
	}
	return out
}

// fromLLMAssistant converts one assistant completion back into the
// session's persisted message shape.
func fromLLMAssistant(sessionID string, m llm.Message) chatmodel.Message {
	out := chatmodel.Message{
		SessionID: sessionID,
		Role:      chatmodel.RoleAssistant,
		Content:   m.Content,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, chatmodel.ToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: string(tc.Args),
		})
	}
	return out
}

// toolSchemas converts the tool registry's catalogue into the schema shape
// a Provider call expects.
func toolSchemas(defs []tools.Definition) []llm.ToolSchema {
	out := make([]llm.ToolSchema, len(defs))
	for i, d := range defs {
		out[i] = llm.ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}
