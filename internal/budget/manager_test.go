package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/chatmodel"
)

// TestCalculateBudget_ScenarioFour is spec.md §8 scenario 4's worked example:
// contextWindow=4096, responseReserve=0.25, minResponseTokens=512,
// maxSystemTokens=2000, systemPromptTokens=400, ratios {0.5,0.3,0.2} ->
// reserved=1024, available=3072, systemTokens=400, remaining=2672,
// tier1=1336, tier2=801, tier3=534.
func TestCalculateBudget_ScenarioFour(t *testing.T) {
	m := New(Config{
		ResponseReserve:   0.25,
		MinResponseTokens: 512,
		MaxSystemTokens:   2000,
		Ratios:            Ratios{Tier1: 0.5, Tier2: 0.3, Tier3: 0.2},
	}, nil)

	b, err := m.CalculateBudget(Model{Name: "test", ContextWindow: 4096}, 400)
	require.NoError(t, err)

	assert.Equal(t, 1024, b.Reserved)
	assert.Equal(t, 3072, b.Available)
	assert.Equal(t, 400, b.SystemTokens)
	assert.Equal(t, 2672, b.Remaining)
	assert.Equal(t, 1336, b.Tier1Budget)
	assert.Equal(t, 801, b.Tier2Budget)
	assert.Equal(t, 534, b.Tier3Budget)
}

// TestCalculateBudget_ReservedFloorsAtMinResponseTokens checks the
// max(floor(total*responseReserve), minResponseTokens) clause when the
// computed reserve would otherwise fall below the floor.
func TestCalculateBudget_ReservedFloorsAtMinResponseTokens(t *testing.T) {
	m := New(Config{
		ResponseReserve:   0.01,
		MinResponseTokens: 512,
		MaxSystemTokens:   2000,
		Ratios:            Ratios{Tier1: 0.5, Tier2: 0.3, Tier3: 0.2},
	}, nil)

	b, err := m.CalculateBudget(Model{Name: "test", ContextWindow: 4096}, 0)
	require.NoError(t, err)
	assert.Equal(t, 512, b.Reserved)
}

// TestCalculateBudget_SystemTokensCapped checks the maxSystemTokens clamp.
func TestCalculateBudget_SystemTokensCapped(t *testing.T) {
	m := New(Config{
		ResponseReserve:   0.25,
		MinResponseTokens: 512,
		MaxSystemTokens:   2000,
		Ratios:            Ratios{Tier1: 0.5, Tier2: 0.3, Tier3: 0.2},
	}, nil)

	b, err := m.CalculateBudget(Model{Name: "test", ContextWindow: 4096}, 5000)
	require.NoError(t, err)
	assert.Equal(t, 2000, b.SystemTokens)
}

// TestCalculateBudget_BudgetExceeded covers §7's budget_exceeded kind: a
// system prompt larger than the available window leaves no room for content.
func TestCalculateBudget_BudgetExceeded(t *testing.T) {
	m := New(Config{
		ResponseReserve:   0.9,
		MinResponseTokens: 512,
		MaxSystemTokens:   20000,
		Ratios:            Ratios{Tier1: 0.5, Tier2: 0.3, Tier3: 0.2},
	}, nil)

	_, err := m.CalculateBudget(Model{Name: "test", ContextWindow: 4096}, 4000)
	require.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestCalculateBudget_InvalidModelConfig(t *testing.T) {
	m := New(Config{Ratios: Ratios{Tier1: 0.5, Tier2: 0.3, Tier3: 0.2}}, nil)
	_, err := m.CalculateBudget(Model{Name: "test", ContextWindow: 0}, 0)
	require.ErrorIs(t, err, ErrInvalidModelConfig)
}

// TestBuildTiers_Tier1NewestFirstThenChronological covers §4.E's "Tier
// assembly": tier 1 consumes newest-first until budget is hit, then reverses
// to restore chronological order.
func TestBuildTiers_Tier1NewestFirstThenChronological(t *testing.T) {
	msgs := []chatmodel.Message{
		{ID: "m1", Role: chatmodel.RoleUser, Content: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}, // ~10 content tokens
		{ID: "m2", Role: chatmodel.RoleAssistant, Content: "bbbb"},
		{ID: "m3", Role: chatmodel.RoleUser, Content: "cccc"},
	}
	b := Budget{Tier1Budget: 100}
	tiers := BuildTiers(b, msgs, nil)

	require.Len(t, tiers.Tier1.Messages, 3)
	assert.Equal(t, "m1", tiers.Tier1.Messages[0].ID)
	assert.Equal(t, "m2", tiers.Tier1.Messages[1].ID)
	assert.Equal(t, "m3", tiers.Tier1.Messages[2].ID)
}

// TestBuildTiers_Tier1StopsAtBudgetButAlwaysKeepsNewest ensures a too-small
// budget still keeps at least the single newest message (no empty tier when
// content exists), matching the "len(picked) > 0" escape hatch.
func TestBuildTiers_Tier1StopsAtBudgetButAlwaysKeepsNewest(t *testing.T) {
	msgs := []chatmodel.Message{
		{ID: "m1", Role: chatmodel.RoleUser, Content: "this message is long enough to blow a tiny budget on its own"},
		{ID: "m2", Role: chatmodel.RoleUser, Content: "short"},
	}
	b := Budget{Tier1Budget: 1}
	tiers := BuildTiers(b, msgs, nil)

	require.Len(t, tiers.Tier1.Messages, 1)
	assert.Equal(t, "m2", tiers.Tier1.Messages[0].ID)
}

// TestBuildTiers_Tier3CompositeScoreOrdering covers §4.D's tier-3 composite
// score 0.7*importance + 0.3*relevance.
func TestBuildTiers_Tier3CompositeScoreOrdering(t *testing.T) {
	memories := []chatmodel.Memory{
		{ID: "low", Type: chatmodel.MemoryDomainKnowledge, Importance: 0.1, Relevance: 0.9, TokenCount: 10},
		{ID: "high", Type: chatmodel.MemoryDomainKnowledge, Importance: 0.9, Relevance: 0.1, TokenCount: 10},
	}
	b := Budget{Tier3Budget: 1000}
	tiers := BuildTiers(b, nil, memories)

	require.Len(t, tiers.Tier3.Memories, 2)
	assert.Equal(t, "high", tiers.Tier3.Memories[0].ID)
	assert.Equal(t, "low", tiers.Tier3.Memories[1].ID)
}

// TestBuildTiers_Tier2OrderedByRelevanceOnly covers §4.D's tier-2 ordering
// (relevance only, importance ignored).
func TestBuildTiers_Tier2OrderedByRelevanceOnly(t *testing.T) {
	memories := []chatmodel.Memory{
		{ID: "a", Type: chatmodel.MemoryConversationSummary, Importance: 0.9, Relevance: 0.2, TokenCount: 10},
		{ID: "b", Type: chatmodel.MemoryConversationSummary, Importance: 0.1, Relevance: 0.8, TokenCount: 10},
	}
	b := Budget{Tier2Budget: 1000}
	tiers := BuildTiers(b, nil, memories)

	require.Len(t, tiers.Tier2.Memories, 2)
	assert.Equal(t, "b", tiers.Tier2.Memories[0].ID)
	assert.Equal(t, "a", tiers.Tier2.Memories[1].ID)
}

// TestOptimizedRatios_RaisesTier1ShareWhenMessagesDominate covers §4.E's
// optimization clause: messageTokens > 1.5*tier1Budget raises tier1's share.
func TestOptimizedRatios_RaisesTier1ShareWhenMessagesDominate(t *testing.T) {
	defaults := Ratios{Tier1: 0.5, Tier2: 0.3, Tier3: 0.2}
	ratios := OptimizedRatios(defaults, 2000, 1000, 2672)

	assert.InDelta(t, 0.6, ratios.Tier1, 1e-9)
	assert.InDelta(t, 0.24, ratios.Tier2, 1e-9)
	assert.InDelta(t, 0.16, ratios.Tier3, 1e-9)
}

func TestOptimizedRatios_UnchangedWhenMessagesFitTier1(t *testing.T) {
	defaults := Ratios{Tier1: 0.5, Tier2: 0.3, Tier3: 0.2}
	ratios := OptimizedRatios(defaults, 100, 1000, 2672)
	assert.Equal(t, defaults, ratios)
}

// TestProperty_MonotoneTokens is P3: sum(tiers.used) + systemTokens <=
// budget.available, for an arbitrary mix of messages and memories.
func TestProperty_MonotoneTokens(t *testing.T) {
	m := New(Config{
		ResponseReserve:   0.2,
		MinResponseTokens: 512,
		MaxSystemTokens:   2000,
		Ratios:            Ratios{Tier1: 0.5, Tier2: 0.3, Tier3: 0.2},
	}, nil)

	b, err := m.CalculateBudget(Model{Name: "test", ContextWindow: 16384}, 900)
	require.NoError(t, err)

	var msgs []chatmodel.Message
	for i := 0; i < 50; i++ {
		msgs = append(msgs, chatmodel.Message{ID: "m", Role: chatmodel.RoleUser, Content: "some moderately long message content for token estimation purposes"})
	}
	var memories []chatmodel.Memory
	for i := 0; i < 50; i++ {
		memories = append(memories, chatmodel.Memory{
			Type: chatmodel.MemoryConversationSummary, Content: "summary content here", Relevance: 0.5,
		})
		memories = append(memories, chatmodel.Memory{
			Type: chatmodel.MemoryDomainKnowledge, Content: "domain fact content here", Importance: 0.5, Relevance: 0.5,
		})
	}

	tiers := BuildTiers(b, msgs, memories)
	used := tiers.Tier1.UsedTokens + tiers.Tier2.UsedTokens + tiers.Tier3.UsedTokens
	assert.LessOrEqual(t, used+b.SystemTokens, b.Available)
}

type fakeTokenizer struct {
	count int
	err   error
}

func (f fakeTokenizer) CountTokens(ctx context.Context, text string) (int, error) {
	return f.count, f.err
}

func (f fakeTokenizer) CountMessagesTokens(ctx context.Context, msgs []chatmodel.Message) (int, error) {
	return f.count, f.err
}

func TestEstimateSystemPromptTokens_NilTokenizerUsesHeuristic(t *testing.T) {
	m := New(Config{}, nil)
	assert.Equal(t, EstimateContentTokens("hello world"), m.EstimateSystemPromptTokens(context.Background(), "hello world"))
}

func TestEstimateSystemPromptTokens_PrefersTokenizer(t *testing.T) {
	m := New(Config{}, fakeTokenizer{count: 42})
	assert.Equal(t, 42, m.EstimateSystemPromptTokens(context.Background(), "hello world"))
}

func TestEstimateSystemPromptTokens_FallsBackOnTokenizerError(t *testing.T) {
	m := New(Config{}, fakeTokenizer{err: assert.AnError})
	assert.Equal(t, EstimateContentTokens("hello world"), m.EstimateSystemPromptTokens(context.Background(), "hello world"))
}
