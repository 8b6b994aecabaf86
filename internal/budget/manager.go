// Package budget implements the Context Budget Manager (§4.E): it turns a
// model's context window into a per-turn token budget split across three
// memory tiers, and assembles the tier contents (messages newest-first then
// chronological, memories by relevance/composite score) under that budget.
// Grounded on the teacher's tokenizer-attachment and per-model context-window
// lookup (internal/llm/token_cache.go, internal/llm/context.go), generalized
// from "pick one provider's tokenizer" to the tiered allocation formula in
// spec.md §4.E. No ecosystem library implements this allocation logic; it is
// domain arithmetic specified in full by spec.md, so it is plain Go.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"weave/internal/chatmodel"
	"weave/internal/llm"
)

// Failure modes per §4.E / §7.
var (
	ErrBudgetExceeded   = errors.New("budget: system prompt leaves no room for content")
	ErrInvalidModelConfig = errors.New("budget: model context window must be positive")
)

// Model describes the context window a budget is being computed against.
type Model struct {
	Name          string
	ContextWindow int
}

// Ratios are the default tier1/tier2/tier3 shares of the remaining budget,
// configured via §6's tier1Ratio/tier2Ratio/tier3Ratio (sum <= 1).
type Ratios struct {
	Tier1 float64
	Tier2 float64
	Tier3 float64
}

// Config carries the §6 enumerated budget knobs.
type Config struct {
	ResponseReserve   float64 // fraction of context window reserved for the reply
	MinResponseTokens int
	MaxSystemTokens   int
	Ratios            Ratios
}

// Budget is the §4.E CalculateBudget result.
type Budget struct {
	Total          int
	Reserved       int
	Available      int
	SystemTokens   int
	Remaining      int
	Tier1Budget    int
	Tier2Budget    int
	Tier3Budget    int
}

// Manager computes and applies token budgets for one process's configured
// default ratios; stateless beyond that default configuration.
type Manager struct {
	cfg       Config
	tokenizer llm.Tokenizer // optional accurate tokenizer; nil falls back to the chars/4 heuristic
}

// New builds a Manager from §6 configuration. tokenizer may be nil.
func New(cfg Config, tokenizer llm.Tokenizer) *Manager {
	return &Manager{cfg: cfg, tokenizer: tokenizer}
}

func floorInt(x float64) int {
	n := int(x)
	if x < 0 && float64(n) != x {
		n--
	}
	return n
}

// CalculateBudget implements the §4.E budget formula exactly (scenario 4 in
// spec.md §8 is the worked example this is tested against).
func (m *Manager) CalculateBudget(model Model, systemPromptTokens int) (Budget, error) {
	if model.ContextWindow <= 0 {
		return Budget{}, ErrInvalidModelConfig
	}
	b := Budget{Total: model.ContextWindow}

	reserved := floorInt(float64(model.ContextWindow) * m.cfg.ResponseReserve)
	if reserved < m.cfg.MinResponseTokens {
		reserved = m.cfg.MinResponseTokens
	}
	b.Reserved = reserved
	b.Available = model.ContextWindow - reserved

	sysTokens := systemPromptTokens
	if m.cfg.MaxSystemTokens > 0 && sysTokens > m.cfg.MaxSystemTokens {
		sysTokens = m.cfg.MaxSystemTokens
	}
	b.SystemTokens = sysTokens

	b.Remaining = b.Available - b.SystemTokens
	if b.Remaining < 0 {
		return Budget{}, fmt.Errorf("%w: available=%d systemTokens=%d", ErrBudgetExceeded, b.Available, b.SystemTokens)
	}

	b.Tier1Budget = floorInt(float64(b.Remaining) * m.cfg.Ratios.Tier1)
	b.Tier2Budget = floorInt(float64(b.Remaining) * m.cfg.Ratios.Tier2)
	b.Tier3Budget = floorInt(float64(b.Remaining) * m.cfg.Ratios.Tier3)
	return b, nil
}

// EstimateSystemPromptTokens counts tokens for text that sits outside the
// tiered allocation (the system prompt) using the Manager's attached
// tokenizer when one is configured, falling back to the ceil(len/4)
// heuristic otherwise or if the tokenizer call fails. Tier 1/2/3 contents
// always use the heuristic (EstimateMessageTokens/EstimateMemoryTokens)
// since spec.md §8 scenario 4 is worked against that exact formula; this
// method only applies to the one value (system prompt size) computed
// outside BuildTiers.
func (m *Manager) EstimateSystemPromptTokens(ctx context.Context, text string) int {
	if m.tokenizer != nil {
		if n, err := m.tokenizer.CountTokens(ctx, text); err == nil {
			return n
		}
	}
	return EstimateContentTokens(text)
}

// EstimateContentTokens applies spec.md §4.E's ceil(len/4) heuristic.
func EstimateContentTokens(s string) int {
	n := len([]rune(s))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// messageOverhead is the fixed per-message accounting cost (§4.E): 1 token
// for role plus 3 tokens of per-message overhead.
const messageOverhead = 1 + 3

// EstimateMessageTokens estimates one message's token footprint.
func EstimateMessageTokens(content string) int {
	return EstimateContentTokens(content) + messageOverhead
}

// memoryOverhead is the fixed per-memory accounting cost (§4.E): 5 tokens of
// overhead plus 2 tokens per entity.
const memoryOverhead = 5

// EstimateMemoryTokens estimates one memory's token footprint, preferring
// its stored token count when present (TokenCount > 0).
func EstimateMemoryTokens(mem chatmodel.Memory) int {
	if mem.TokenCount > 0 {
		return mem.TokenCount
	}
	return EstimateContentTokens(mem.Content) + EstimateContentTokens(mem.Summary) +
		2*len(mem.Entities) + memoryOverhead
}

// OptimizedRatios is the §4.E optimization result: when the current turn's
// messages alone exceed 1.5x the default tier-1 budget, tier 1's share is
// raised and the remainder split 60/40 between tiers 2 and 3.
func OptimizedRatios(defaultRatios Ratios, messageTokens, tier1Budget, availableForContent int) Ratios {
	if tier1Budget <= 0 || messageTokens <= (tier1Budget*3)/2 {
		return defaultRatios
	}
	tier1Share := 0.6
	if availableForContent > 0 {
		if share := float64(messageTokens) / float64(availableForContent); share < tier1Share {
			tier1Share = share
		}
	}
	remainder := 1 - tier1Share
	return Ratios{
		Tier1: tier1Share,
		Tier2: remainder * 0.6,
		Tier3: remainder * 0.4,
	}
}

// OptimizeBudget recomputes a Budget using OptimizedRatios when the current
// turn's prepared messages warrant it, per §4.E's "Optimization" paragraph.
func (m *Manager) OptimizeBudget(model Model, systemPromptTokens int, messages []chatmodel.Message) (Budget, error) {
	b, err := m.CalculateBudget(model, systemPromptTokens)
	if err != nil {
		return Budget{}, err
	}
	msgTokens := 0
	for _, msg := range messages {
		msgTokens += EstimateMessageTokens(msg.Content)
	}
	ratios := OptimizedRatios(m.cfg.Ratios, msgTokens, b.Tier1Budget, b.Remaining)
	if ratios == m.cfg.Ratios {
		return b, nil
	}
	b.Tier1Budget = floorInt(float64(b.Remaining) * ratios.Tier1)
	b.Tier2Budget = floorInt(float64(b.Remaining) * ratios.Tier2)
	b.Tier3Budget = floorInt(float64(b.Remaining) * ratios.Tier3)
	return b, nil
}

// Tier is one budgeted section of the final context.
type Tier struct {
	Messages       []chatmodel.Message
	Memories       []chatmodel.Memory
	UsedTokens     int
	MessageCount   int
	AvgRelevance   float64
	Entities       map[string]struct{}
}

// Tiers is the §4.E BuildTiers result: tier 1 (recent turns), tier 2
// (conversation summaries), tier 3 (long-term domain/entity knowledge).
type Tiers struct {
	Tier1 Tier
	Tier2 Tier
	Tier3 Tier
}

// BuildTiers fills each tier up to its budget. Tier 1 consumes messages
// newest-first until the budget is reached or messages run out, then
// reverses to restore chronological order (§4.E "Tier assembly"). Tier 2
// consumes summary memories ordered by relevance; tier 3 consumes
// domain/entity-fact memories by the §4.D composite score
// (0.7*importance + 0.3*relevance).
func BuildTiers(b Budget, messages []chatmodel.Message, memories []chatmodel.Memory) Tiers {
	var out Tiers

	out.Tier1.Entities = map[string]struct{}{}
	used := 0
	var picked []chatmodel.Message
	for i := len(messages) - 1; i >= 0; i-- {
		cost := EstimateMessageTokens(messages[i].Content)
		// The newest message is always admitted even if it alone exceeds
		// Tier1Budget: an empty tier 1 would drop the turn's own prompt,
		// which is worse than a tier that overruns its share. This can push
		// Tier1.UsedTokens past Tier1Budget; callers that sum tier usage
		// against Available for P3 should treat Tier1Budget as a
		// soft cap, not a hard one.
		if used+cost > b.Tier1Budget && len(picked) > 0 {
			break
		}
		picked = append(picked, messages[i])
		used += cost
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	out.Tier1.Messages = picked
	out.Tier1.UsedTokens = used
	out.Tier1.MessageCount = len(picked)

	var summaries, longTerm []chatmodel.Memory
	for _, mem := range memories {
		switch mem.Type {
		case chatmodel.MemoryConversationSummary:
			summaries = append(summaries, mem)
		default:
			longTerm = append(longTerm, mem)
		}
	}
	sort.SliceStable(summaries, func(i, j int) bool { return summaries[i].Relevance > summaries[j].Relevance })
	out.Tier2 = fillMemoryTier(summaries, b.Tier2Budget)

	sort.SliceStable(longTerm, func(i, j int) bool {
		return compositeScore(longTerm[i]) > compositeScore(longTerm[j])
	})
	out.Tier3 = fillMemoryTier(longTerm, b.Tier3Budget)

	return out
}

func compositeScore(mem chatmodel.Memory) float64 {
	return 0.7*mem.Importance + 0.3*mem.Relevance
}

func fillMemoryTier(ranked []chatmodel.Memory, tierBudget int) Tier {
	t := Tier{Entities: map[string]struct{}{}}
	used := 0
	relevanceSum := 0.0
	for _, mem := range ranked {
		cost := EstimateMemoryTokens(mem)
		// Same soft-cap tradeoff as Tier 1 above: the single
		// highest-ranked memory is always admitted so the tier isn't
		// left empty, even if it alone exceeds tierBudget.
		if used+cost > tierBudget && len(t.Memories) > 0 {
			break
		}
		t.Memories = append(t.Memories, mem)
		used += cost
		relevanceSum += mem.Relevance
		for _, e := range mem.Entities {
			t.Entities[e] = struct{}{}
		}
	}
	t.UsedTokens = used
	if len(t.Memories) > 0 {
		t.AvgRelevance = relevanceSum / float64(len(t.Memories))
	}
	return t
}
