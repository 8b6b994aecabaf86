// Package retrieval implements the Retrieval Orchestrator (§4.F): it fuses
// vector search across the memories/artifacts/documents collection families
// fronted by the Vector Index Gateway into one ranked, filtered result set.
// Grounded on internal/rag/retrieve/api.go's RetrieveOptions/dispatch shape
// and internal/rag/retrieve/fusion.go's rank-then-truncate pattern,
// generalized from FTS+vector fusion over one corpus to filtered vector
// search across several typed collections.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"weave/internal/config"
	"weave/internal/embedding"
	"weave/internal/observability"
	"weave/internal/vectorindex"
)

// ResultType classifies a unified hit by originating collection family.
type ResultType string

const (
	ResultMemory   ResultType = "memory"
	ResultArtifact ResultType = "artifact"
	ResultDocument ResultType = "document"
)

// Result is one unified ranked hit, independent of which collection family
// produced it.
type Result struct {
	ID        string
	Type      ResultType
	Title     string
	Content   string
	Score     float64
	Source    string
	UserID    string
	CreatedAt time.Time
	Reasons   []string
}

// Options controls which collection families are searched and how results
// are filtered/truncated.
type Options struct {
	IncludeMemories  bool
	IncludeArtifacts bool
	IncludeDocuments bool
	Types            []ResultType // empty means "no restriction beyond Include*"
	Limit            int
	Threshold        float64 // minimum Score to keep; 0 disables
	Since             time.Time
	MetadataFilters  map[string]string
}

// collection family names registered with the Vector Index Gateway, per
// spec.md §4.B's enumerated typed collections.
const (
	collMemories  = "user-memory"
	collArtifacts = "user-artifacts"
	collDocuments = "app-documentation"
)

// SearchLog records one query for analytics only; failures to log never
// fail the search itself.
type SearchLog interface {
	RecordSearch(ctx context.Context, userID, query string, resultCount int) error
}

// Orchestrator dispatches a query across collection families and merges,
// filters, and ranks the results.
type Orchestrator struct {
	gateway *vectorindex.Gateway
	embed   config.EmbeddingConfig
	log     SearchLog
}

// New builds an Orchestrator. log may be nil, in which case search logging
// is skipped entirely (still best-effort per spec.md §4.F).
func New(gateway *vectorindex.Gateway, embed config.EmbeddingConfig, log SearchLog) *Orchestrator {
	return &Orchestrator{gateway: gateway, embed: embed, log: log}
}

// Search performs the fused, filtered, ranked retrieval described in
// spec.md §4.F.
func (o *Orchestrator) Search(ctx context.Context, query, userID string, opt Options) ([]Result, error) {
	limit := opt.Limit
	if limit <= 0 {
		limit = 20
	}

	vecs, err := embedding.EmbedText(ctx, o.embed, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("retrieval: empty query embedding")
	}
	queryVec := vecs[0]

	filter := map[string]string{}
	for k, v := range opt.MetadataFilters {
		filter[k] = v
	}

	var all []Result
	fetch := func(collection string, rtype ResultType) error {
		hits, err := o.gateway.Search(ctx, collection, queryVec, limit*3, filter)
		if err != nil {
			return fmt.Errorf("search %s: %w", collection, err)
		}
		for _, h := range hits {
			r := toResult(h, rtype)
			if r.Type == ResultDocument && h.Metadata["isPrivate"] == "true" && r.UserID != userID {
				continue // §4.F privacy: private documents are owner-only
			}
			all = append(all, r)
		}
		return nil
	}

	if opt.IncludeMemories {
		if err := fetch(collMemories, ResultMemory); err != nil {
			return nil, err
		}
	}
	if opt.IncludeArtifacts {
		if err := fetch(collArtifacts, ResultArtifact); err != nil {
			return nil, err
		}
	}
	if opt.IncludeDocuments {
		if err := fetch(collDocuments, ResultDocument); err != nil {
			return nil, err
		}
	}

	filtered := all[:0]
	allowedTypes := map[ResultType]bool{}
	for _, t := range opt.Types {
		allowedTypes[t] = true
	}
	for _, r := range all {
		if len(allowedTypes) > 0 && !allowedTypes[r.Type] {
			continue
		}
		if opt.Threshold > 0 && r.Score < opt.Threshold {
			continue
		}
		if !opt.Since.IsZero() && r.CreatedAt.Before(opt.Since) {
			continue
		}
		filtered = append(filtered, r)
	}

	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Score > filtered[j].Score })
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	if o.log != nil {
		if err := o.log.RecordSearch(ctx, userID, query, len(filtered)); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("retrieval: search log write failed")
		}
	}

	return filtered, nil
}

func toResult(h vectorindex.SearchResult, rtype ResultType) Result {
	p := h.Metadata
	r := Result{
		ID:      idOrPointID(p, h.ID),
		Type:    rtype,
		Title:   p["title"],
		Content: p["content"],
		Score:   h.Score,
		Source:  p["source"],
		UserID:  p["userId"],
	}
	if ts, ok := p["createdAt"]; ok && ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			r.CreatedAt = t
		}
	}
	if reasons, ok := p["reasons"]; ok && reasons != "" {
		r.Reasons = splitCSV(reasons)
	}
	return r
}

func idOrPointID(p map[string]string, fallback string) string {
	if v, ok := p["_original_id"]; ok && v != "" {
		return v
	}
	return fallback
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
