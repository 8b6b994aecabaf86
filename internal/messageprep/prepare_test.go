package messageprep

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/chatmodel"
)

func msg(id string, role chatmodel.Role, content string) chatmodel.Message {
	return chatmodel.Message{ID: id, SessionID: "s1", Role: role, Content: content}
}

// TestPrepare_ToolCycleCompletion is spec.md §8 scenario 1: a complete tool
// cycle is retained unmodified.
func TestPrepare_ToolCycleCompletion(t *testing.T) {
	history := []chatmodel.Message{
		msg("u1", chatmodel.RoleUser, "list files"),
		{ID: "a1", SessionID: "s1", Role: chatmodel.RoleAssistant,
			ToolCalls: []chatmodel.ToolCall{{ID: "c1", Name: "read_many_files", Arguments: `{"paths":["a.txt"]}`}}},
		{ID: "t1", SessionID: "s1", Role: chatmodel.RoleTool, Content: "A", ToolCallID: "c1"},
		msg("a2", chatmodel.RoleAssistant, "Here are the files."),
	}

	out := Prepare(context.Background(), history, nil, Options{ForceFinalCompletion: true})

	require.Len(t, out, 4)
	assert.Equal(t, "u1", out[0].ID)
	assert.Equal(t, "a1", out[1].ID)
	assert.Len(t, out[1].ToolCalls, 1)
	assert.Equal(t, "t1", out[2].ID)
	assert.Equal(t, "a2", out[3].ID)
}

// TestPrepare_IncompleteCycleIsElided is spec.md §8 scenario 2.
func TestPrepare_IncompleteCycleIsElided(t *testing.T) {
	history := []chatmodel.Message{
		msg("u1", chatmodel.RoleUser, "list files"),
		{ID: "a1", SessionID: "s1", Role: chatmodel.RoleAssistant,
			ToolCalls: []chatmodel.ToolCall{{ID: "c1", Name: "read_many_files", Arguments: `{"paths":["a.txt"]}`}}},
		msg("a2", chatmodel.RoleAssistant, "Here are the files."),
	}

	out := Prepare(context.Background(), history, nil, Options{ForceFinalCompletion: true})

	require.Len(t, out, 2)
	assert.Equal(t, "u1", out[0].ID)
	assert.Equal(t, "a2", out[1].ID)
	for _, m := range out {
		assert.NotEqual(t, "a1", m.ID)
		assert.NotEqual(t, chatmodel.RoleTool, m.Role)
	}
}

// TestPrepare_ConsecutiveUserRetries is spec.md §8 scenario 3.
func TestPrepare_ConsecutiveUserRetries(t *testing.T) {
	history := []chatmodel.Message{
		msg("u1", chatmodel.RoleUser, "hi"),
		msg("u2", chatmodel.RoleUser, "hi"),
		msg("a1", chatmodel.RoleAssistant, "hello"),
	}

	out := Prepare(context.Background(), history, nil, Options{ForceFinalCompletion: true})

	require.Len(t, out, 2)
	assert.Equal(t, "u2", out[0].ID)
	assert.Equal(t, "a1", out[1].ID)
}

// TestPrepare_AppendsCurrentTurn covers step 9: the current user message is
// appended when not already present and ForceFinalCompletion is false.
func TestPrepare_AppendsCurrentTurn(t *testing.T) {
	history := []chatmodel.Message{
		msg("u1", chatmodel.RoleUser, "hi"),
		msg("a1", chatmodel.RoleAssistant, "hello"),
	}
	current := msg("u2", chatmodel.RoleUser, "how are you?")

	out := Prepare(context.Background(), history, &current, Options{})

	require.Len(t, out, 3)
	assert.Equal(t, "u2", out[2].ID)
}

// TestPrepare_ForceFinalCompletionSkipsCurrent exercises the "re-drive after
// a tool round" path: no new user turn is introduced.
func TestPrepare_ForceFinalCompletionSkipsCurrent(t *testing.T) {
	history := []chatmodel.Message{
		msg("u1", chatmodel.RoleUser, "hi"),
		msg("a1", chatmodel.RoleAssistant, "hello"),
	}
	current := msg("u2", chatmodel.RoleUser, "how are you?")

	out := Prepare(context.Background(), history, &current, Options{ForceFinalCompletion: true})

	require.Len(t, out, 2)
}

// TestPrepare_Idempotent is property R2: applying preparation twice is
// identical to applying it once.
func TestPrepare_Idempotent(t *testing.T) {
	history := []chatmodel.Message{
		msg("u1", chatmodel.RoleUser, "hi"),
		msg("u2", chatmodel.RoleUser, "hi"),
		{ID: "a1", SessionID: "s1", Role: chatmodel.RoleAssistant,
			ToolCalls: []chatmodel.ToolCall{{ID: "c1", Name: "read_many_files"}}},
		{ID: "t1", SessionID: "s1", Role: chatmodel.RoleTool, Content: "A", ToolCallID: "c1"},
		msg("a2", chatmodel.RoleAssistant, "done"),
	}

	once := Prepare(context.Background(), history, nil, Options{ForceFinalCompletion: true})
	twice := Prepare(context.Background(), once, nil, Options{ForceFinalCompletion: true})

	assert.Equal(t, once, twice)
}

// TestPrepare_DuplicateToolCallIDsWithinAssistant covers the §9 open
// question: duplicate tool_call ids in one assistant message are deduped,
// not rejected.
func TestPrepare_DuplicateToolCallIDsWithinAssistant(t *testing.T) {
	history := []chatmodel.Message{
		msg("u1", chatmodel.RoleUser, "hi"),
		{ID: "a1", SessionID: "s1", Role: chatmodel.RoleAssistant, ToolCalls: []chatmodel.ToolCall{
			{ID: "c1", Name: "read_many_files"},
			{ID: "c1", Name: "read_many_files"},
		}},
		{ID: "t1", SessionID: "s1", Role: chatmodel.RoleTool, Content: "A", ToolCallID: "c1"},
	}

	out := Prepare(context.Background(), history, nil, Options{ForceFinalCompletion: true})

	require.Len(t, out, 3)
	assert.Len(t, out[1].ToolCalls, 1)
}

// TestPrepare_OrphanToolResponseDropped covers step 8: a tool response whose
// owning assistant was removed (e.g. by pattern collapse) is dropped rather
// than surfaced as a dangling response.
func TestPrepare_OrphanToolResponseDropped(t *testing.T) {
	history := []chatmodel.Message{
		msg("u1", chatmodel.RoleUser, "hi"),
		{ID: "t1", SessionID: "s1", Role: chatmodel.RoleTool, Content: "orphan", ToolCallID: "nonexistent"},
		msg("a1", chatmodel.RoleAssistant, "hello"),
	}

	out := Prepare(context.Background(), history, nil, Options{ForceFinalCompletion: true})

	require.Len(t, out, 2)
	assert.Equal(t, "u1", out[0].ID)
	assert.Equal(t, "a1", out[1].ID)
}
