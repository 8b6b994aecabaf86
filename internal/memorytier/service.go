// Package memorytier implements the Memory Tier Service (§4.D): ranked
// retrieval of conversation summaries and long-term knowledge from the
// Vector Index Gateway, scored per tier and handed to the Context Budget
// Manager for tier assembly. Grounded on internal/rag/retrieve's fusion/
// ranking shape (internal/rag/retrieve/fusion.go, candidates.go) and
// internal/persistence/databases/memory_search.go, generalized from a
// single full-text+vector fusion into the spec's tier2/tier3 composite
// scoring over typed vectorindex collections.
package memorytier

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"weave/internal/chatmodel"
	"weave/internal/config"
	"weave/internal/embedding"
	"weave/internal/vectorindex"
)

// CollectionUserMemory is the vectorindex collection family backing this
// service, per spec.md §4.B's "user-memory" collection.
const CollectionUserMemory = "user-memory"

// Filters narrows a memory search beyond the free-text query.
type Filters struct {
	Types    []chatmodel.MemoryType
	Entities []string
}

// Service answers ranked memory queries against the Vector Index Gateway.
type Service struct {
	gateway *vectorindex.Gateway
	embed   config.EmbeddingConfig
}

// New builds a Service over an already-ensured user-memory collection.
func New(gateway *vectorindex.Gateway, embed config.EmbeddingConfig) *Service {
	return &Service{gateway: gateway, embed: embed}
}

// Search returns memories ranked per spec.md §4.D: tier3 (domain_knowledge,
// entity_fact) ordered by 0.7*importance + 0.3*relevance, tier2
// (conversation_summary) ordered by relevance alone. The caller (Context
// Budget Manager) separates tiers by Memory.Type; this method returns the
// union, pre-sorted within each type's natural composite.
func (s *Service) Search(ctx context.Context, userID, query string, filters Filters, limit int) ([]chatmodel.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	vecs, err := embedding.EmbedText(ctx, s.embed, []string{query})
	if err != nil {
		return nil, fmt.Errorf("memorytier: embed query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("memorytier: empty query embedding")
	}

	filter := map[string]string{"userId": userID}
	// Search wider than limit so post-filtering by type/entity doesn't starve
	// the result set; the gateway's Search has no OR-of-types filter support.
	hits, err := s.gateway.Search(ctx, CollectionUserMemory, vecs[0], limit*3, filter)
	if err != nil {
		return nil, fmt.Errorf("memorytier: search: %w", err)
	}

	allowedTypes := map[chatmodel.MemoryType]bool{}
	for _, t := range filters.Types {
		allowedTypes[t] = true
	}
	wantEntities := map[string]bool{}
	for _, e := range filters.Entities {
		wantEntities[e] = true
	}

	memories := make([]chatmodel.Memory, 0, len(hits))
	for _, h := range hits {
		m := memoryFromPayload(h)
		if len(allowedTypes) > 0 && !allowedTypes[m.Type] {
			continue
		}
		if len(wantEntities) > 0 && !anyEntityMatches(m.Entities, wantEntities) {
			continue
		}
		memories = append(memories, m)
	}

	sort.SliceStable(memories, func(i, j int) bool {
		return compositeScore(memories[i]) > compositeScore(memories[j])
	})
	if len(memories) > limit {
		memories = memories[:limit]
	}
	return memories, nil
}

// compositeScore applies §4.D's per-type ordering: tier3 types use the
// 0.7/0.3 importance/relevance blend; tier2 (conversation_summary) uses
// relevance alone, which is equivalent to the blend with importance forced
// to the same value as relevance — instead we special-case it directly so
// a summary's unset Importance field never distorts its rank.
func compositeScore(m chatmodel.Memory) float64 {
	if m.Type == chatmodel.MemoryConversationSummary {
		return m.Relevance
	}
	return 0.7*m.Importance + 0.3*m.Relevance
}

func anyEntityMatches(have []string, want map[string]bool) bool {
	for _, e := range have {
		if want[e] {
			return true
		}
	}
	return false
}

func memoryFromPayload(h vectorindex.SearchResult) chatmodel.Memory {
	p := h.Metadata
	m := chatmodel.Memory{
		ID:        idOrPointID(p, h.ID),
		Content:   p["content"],
		Summary:   p["summary"],
		Type:      chatmodel.MemoryType(p["type"]),
		Relevance: clamp01(h.Score),
	}
	if imp, err := strconv.ParseFloat(p["importance"], 64); err == nil {
		m.Importance = clamp01(imp)
	}
	if tc, err := strconv.Atoi(p["tokenCount"]); err == nil {
		m.TokenCount = tc
	}
	if ents, ok := p["entities"]; ok && ents != "" {
		m.Entities = splitCSV(ents)
	}
	if reasons, ok := p["reasons"]; ok && reasons != "" {
		m.Reasons = splitCSV(reasons)
	}
	return m
}

func idOrPointID(p map[string]string, fallback string) string {
	if v, ok := p["_original_id"]; ok && v != "" {
		return v
	}
	return fallback
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
