// Package messageprep implements the Message Preparation Stage (§4.I): the
// most safety-critical stage in the pipeline. It turns a session's persisted
// messages plus the current user turn into a message list the upstream
// model provider will accept on every retry, enforcing the tool-call
// pairing invariants (I1-I3 / P1-P2) without ever losing user content.
// Grounded on the teacher's internal/agent/messages.go (history
// normalization ahead of a provider call) and internal/llm/compaction.go's
// tool-call/response pairing bookkeeping, generalized into the full nine-step
// dedup/collapse/elision algorithm spec.md §4.I specifies.
package messageprep

import (
	"context"

	"weave/internal/chatmodel"
	"weave/internal/observability"
)

// Options tunes preparation behaviour beyond the mandatory algorithm.
type Options struct {
	// ForceFinalCompletion skips appending the current user message — used
	// when re-driving the model after a tool round without introducing a
	// new user turn (§4.I step 9).
	ForceFinalCompletion bool

	// ExperimentCollapseCycles enables replacing a complete
	// (assistant-with-tool_calls, tool responses) run with a single
	// synthesis assistant message. Disabled by default per spec.md §9's
	// open question: the source has this behind a flag, never on by
	// default.
	ExperimentCollapseCycles bool
}

// Prepare runs the full §4.I algorithm over history plus current, the
// user's new turn (current may be the zero value when
// Options.ForceFinalCompletion is set). The result satisfies invariants
// I1-I3 (P1-P2).
func Prepare(ctx context.Context, history []chatmodel.Message, current *chatmodel.Message, opt Options) []chatmodel.Message {
	msgs := append([]chatmodel.Message(nil), history...)

	msgs = dedupByID(msgs)
	msgs = dedupToolCallsWithinAssistant(ctx, msgs)
	msgs = dropConsecutiveUserTurns(msgs)
	msgs = collapsePatterns(msgs)
	msgs = assistantContentHygiene(msgs)

	assistantCallIDs, toolResponseIDs := indexCallsAndResponses(msgs)
	msgs = elideIncompleteCycles(msgs, assistantCallIDs, toolResponseIDs)
	msgs = dropOrphanToolResponses(msgs)

	if opt.ExperimentCollapseCycles {
		msgs = collapseCompleteCycles(msgs)
	}

	if !opt.ForceFinalCompletion && current != nil {
		if !containsID(msgs, current.ID) {
			msgs = append(msgs, *current)
		}
	}

	return msgs
}

// dedupByID keeps the first occurrence of each message id (step 1).
func dedupByID(msgs []chatmodel.Message) []chatmodel.Message {
	seen := make(map[string]bool, len(msgs))
	out := make([]chatmodel.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != "" && seen[m.ID] {
			continue
		}
		if m.ID != "" {
			seen[m.ID] = true
		}
		out = append(out, m)
	}
	return out
}

// dedupToolCallsWithinAssistant deduplicates tool_calls by id within one
// assistant message (step 2). Completeness (whether an id has a matching
// tool response) is deliberately left to steps 6-8: filtering unmatched
// calls out here would erase the information elideIncompleteCycles needs to
// remove the whole cycle, leaving a dangling assistant message with neither
// content nor tool_calls. Duplicate ids are logged per spec.md §9's open
// question (preserve dedup behaviour, but warn).
func dedupToolCallsWithinAssistant(ctx context.Context, msgs []chatmodel.Message) []chatmodel.Message {
	out := make([]chatmodel.Message, len(msgs))
	copy(out, msgs)
	for i, m := range out {
		if m.Role != chatmodel.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		seenID := map[string]bool{}
		kept := make([]chatmodel.ToolCall, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			if seenID[tc.ID] {
				observability.LoggerWithTrace(ctx).Warn().
					Str("toolCallId", tc.ID).Str("messageId", m.ID).
					Msg("messageprep: duplicate tool_call id within one assistant message, deduping")
				continue
			}
			seenID[tc.ID] = true
			kept = append(kept, tc)
		}
		out[i].ToolCalls = kept
	}
	return out
}

// dropConsecutiveUserTurns keeps only the last message in any run of
// adjacent user-role messages with no intervening assistant (step 3, I3).
func dropConsecutiveUserTurns(msgs []chatmodel.Message) []chatmodel.Message {
	out := make([]chatmodel.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == chatmodel.RoleUser && len(out) > 0 && out[len(out)-1].Role == chatmodel.RoleUser {
			out[len(out)-1] = m // replace the previous user turn with this later one
			continue
		}
		out = append(out, m)
	}
	return out
}

// collapsePatterns deduplicates (user, assistant) pairs by the triple
// (user.content, assistant.content, count(assistant.tool_calls)) — step 4.
func collapsePatterns(msgs []chatmodel.Message) []chatmodel.Message {
	type key struct {
		userContent      string
		assistantContent string
		toolCallCount    int
	}
	seen := map[key]bool{}
	out := make([]chatmodel.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		if msgs[i].Role == chatmodel.RoleUser && i+1 < len(msgs) && msgs[i+1].Role == chatmodel.RoleAssistant {
			k := key{
				userContent:      msgs[i].Content,
				assistantContent: msgs[i+1].Content,
				toolCallCount:    len(msgs[i+1].ToolCalls),
			}
			if seen[k] {
				i++ // drop both messages of this pair
				continue
			}
			seen[k] = true
		}
		out = append(out, msgs[i])
	}
	return out
}

// assistantContentHygiene drops an empty ToolCalls field entirely and
// ensures assistant messages carry content or tool_calls, never neither
// (step 5).
func assistantContentHygiene(msgs []chatmodel.Message) []chatmodel.Message {
	out := make([]chatmodel.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != chatmodel.RoleAssistant {
			out = append(out, m)
			continue
		}
		if len(m.ToolCalls) == 0 {
			m.ToolCalls = nil
			if m.Content == "" {
				continue // neither content nor tool_calls: drop the message
			}
		}
		out = append(out, m)
	}
	return out
}

// indexCallsAndResponses builds, per assistant message index, the set of
// tool_call ids it owns, and the set of tool_call_ids that have a response
// anywhere in msgs (steps 6-7, pass 1).
func indexCallsAndResponses(msgs []chatmodel.Message) (assistantCallIDs map[int]map[string]bool, toolResponseIDs map[string]bool) {
	assistantCallIDs = make(map[int]map[string]bool)
	toolResponseIDs = make(map[string]bool)
	for i, m := range msgs {
		if m.Role == chatmodel.RoleAssistant && len(m.ToolCalls) > 0 {
			set := make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				set[tc.ID] = true
			}
			assistantCallIDs[i] = set
		}
		if m.Role == chatmodel.RoleTool && m.ToolCallID != "" {
			toolResponseIDs[m.ToolCallID] = true
		}
	}
	return
}

// elideIncompleteCycles marks for removal any assistant-with-tool_calls
// that has an unmatched tool_call id, together with all of its tool
// responses, per step 7 (pass 2) and invariant I2/P2.
func elideIncompleteCycles(msgs []chatmodel.Message, assistantCallIDs map[int]map[string]bool, toolResponseIDs map[string]bool) []chatmodel.Message {
	elideAssistant := make(map[int]bool)
	elideCallIDs := map[string]bool{}
	for i, calls := range assistantCallIDs {
		incomplete := false
		for id := range calls {
			if !toolResponseIDs[id] {
				incomplete = true
				break
			}
		}
		if incomplete {
			elideAssistant[i] = true
			for id := range calls {
				elideCallIDs[id] = true
			}
		}
	}
	if len(elideAssistant) == 0 {
		return msgs
	}

	out := make([]chatmodel.Message, 0, len(msgs))
	for i, m := range msgs {
		if elideAssistant[i] {
			continue
		}
		if m.Role == chatmodel.RoleTool && elideCallIDs[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// dropOrphanToolResponses removes any tool-role message whose
// tool_call_id has no indexed owning assistant — these arise when the
// owning assistant was removed by pattern collapse (step 8).
func dropOrphanToolResponses(msgs []chatmodel.Message) []chatmodel.Message {
	owned := map[string]bool{}
	for _, m := range msgs {
		if m.Role == chatmodel.RoleAssistant {
			for _, tc := range m.ToolCalls {
				owned[tc.ID] = true
			}
		}
	}
	out := make([]chatmodel.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == chatmodel.RoleTool && !owned[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// collapseCompleteCycles replaces a complete (assistant-with-tool_calls,
// tool responses) run with a single synthesis assistant message carrying
// just the content of the final assistant that follows the cycle, when one
// exists. Disabled by default (spec.md §9); exercised only when
// Options.ExperimentCollapseCycles is set.
func collapseCompleteCycles(msgs []chatmodel.Message) []chatmodel.Message {
	out := make([]chatmodel.Message, 0, len(msgs))
	i := 0
	for i < len(msgs) {
		m := msgs[i]
		if m.Role != chatmodel.RoleAssistant || len(m.ToolCalls) == 0 {
			out = append(out, m)
			i++
			continue
		}
		// Walk past this assistant's tool responses.
		j := i + 1
		ids := map[string]bool{}
		for _, tc := range m.ToolCalls {
			ids[tc.ID] = true
		}
		for j < len(msgs) && msgs[j].Role == chatmodel.RoleTool && ids[msgs[j].ToolCallID] {
			delete(ids, msgs[j].ToolCallID)
			j++
		}
		if len(ids) != 0 {
			// Shouldn't happen post-elision, but fail safe: keep as-is.
			out = append(out, m)
			i++
			continue
		}
		// If a synthesis assistant immediately follows, collapse into it;
		// otherwise keep the cycle untouched (nothing to synthesize from).
		if j < len(msgs) && msgs[j].Role == chatmodel.RoleAssistant {
			out = append(out, msgs[j])
			i = j + 1
			continue
		}
		out = append(out, msgs[i:j]...)
		i = j
	}
	return out
}

func containsID(msgs []chatmodel.Message, id string) bool {
	if id == "" {
		return false
	}
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}
