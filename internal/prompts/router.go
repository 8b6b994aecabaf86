// Package prompts implements the Prompt Template Router (§4.G): semantic
// selection of a system-prompt template by intent and user group, backed by
// the Vector Index Gateway for candidate search and a Redis cache for
// per-query results. Grounded on internal/orchestrator/dedupe.go's
// RedisDedupeStore (Get/Set/TTL shape, redis.Nil handling), generalized from
// idempotency-key storage to semantic-selection result caching, and on
// internal/rag/retrieve for the "embed, search, score, truncate" pipeline
// shape.
package prompts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"weave/internal/chatmodel"
	"weave/internal/config"
	"weave/internal/embedding"
	"weave/internal/observability"
	"weave/internal/vectorindex"
)

// CollectionTemplates is the vectorindex collection backing template
// candidate search.
const CollectionTemplates = "prompt-templates"

var ErrNoTemplates = errors.New("prompts: no templates available")

// Store is the subset of internal/store.Store the router needs for CRUD and
// user-assignment persistence.
type Store interface {
	UpsertPromptTemplate(ctx context.Context, t chatmodel.PromptTemplate) (chatmodel.PromptTemplate, error)
	ListActivePromptTemplates(ctx context.Context) ([]chatmodel.PromptTemplate, error)
	DeletePromptTemplate(ctx context.Context, id string) error
}

// UserAssignments is the subset needed to look up and record a per-user
// template override (stored via the admin config key/value table by the
// caller; kept as an interface so prompts has no direct admin dependency).
type UserAssignments interface {
	GetAdminConfig(ctx context.Context, key string) ([]byte, bool, error)
	SetAdminConfig(ctx context.Context, key string, value []byte) error
}

// ScoreThreshold is the floor below which no semantic candidate is
// considered a match and GetDefault is returned instead.
const ScoreThreshold = 0.35

// TriggerBonus is added per trigger-phrase substring match found in the
// query, per spec.md §4.G step 3.
const TriggerBonus = 2.0

// GroupBonus rewards a template whose AllowedGroups includes the user's group.
const GroupBonus = 1.0

// DefaultTieBreakBonus nudges the flagged-default template ahead on ties.
const DefaultTieBreakBonus = 0.1

// CacheTTL bounds how long a (userId, query-hash) selection is cached.
const CacheTTL = 10 * time.Minute

// Router selects a prompt template per turn and serves template CRUD.
type Router struct {
	store    Store
	users    UserAssignments
	gateway  *vectorindex.Gateway
	embed    config.EmbeddingConfig
	cache    *redis.Client
	stats    map[string]int // templateID -> selection count, process-local
}

// New builds a Router. cache may be nil to disable the selection cache
// entirely (selection still works, just uncached).
func New(store Store, users UserAssignments, gateway *vectorindex.Gateway, embed config.EmbeddingConfig, cache *redis.Client) *Router {
	return &Router{store: store, users: users, gateway: gateway, embed: embed, cache: cache, stats: map[string]int{}}
}

// SelectTemplateForQuery implements §4.G's selection algorithm: embed,
// semantic search, bonus scoring, fall back to default.
func (r *Router) SelectTemplateForQuery(ctx context.Context, userID, query string, conversationContext []string, userGroups []string) (chatmodel.PromptTemplate, error) {
	cacheKey := r.cacheKey(userID, query)
	if r.cache != nil {
		if cached, ok := r.readCache(ctx, cacheKey); ok {
			return cached, nil
		}
	}

	templates, err := r.store.ListActivePromptTemplates(ctx)
	if err != nil {
		return chatmodel.PromptTemplate{}, fmt.Errorf("prompts: list templates: %w", err)
	}
	if len(templates) == 0 {
		return chatmodel.PromptTemplate{}, ErrNoTemplates
	}

	if r.users != nil {
		if raw, ok, err := r.users.GetAdminConfig(ctx, "prompt_assignment:"+userID); err == nil && ok {
			var a struct {
				TemplateID string `json:"templateId"`
			}
			if json.Unmarshal(raw, &a) == nil {
				for _, t := range templates {
					if t.ID == a.TemplateID {
						return t, nil
					}
				}
			}
		}
	}

	embedInput := query
	if len(conversationContext) > 0 {
		embedInput = strings.Join(append(conversationContext, query), "\n")
	}
	vecs, err := embedding.EmbedText(ctx, r.embed, []string{embedInput})
	if err != nil || len(vecs) == 0 {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("prompts: embed failed, falling back to default")
		return r.fallbackDefault(templates)
	}

	hits, err := r.gateway.Search(ctx, CollectionTemplates, vecs[0], len(templates), nil)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("prompts: semantic search failed, falling back to default")
		return r.fallbackDefault(templates)
	}

	byID := make(map[string]chatmodel.PromptTemplate, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}
	groupSet := make(map[string]bool, len(userGroups))
	for _, g := range userGroups {
		groupSet[g] = true
	}

	lowerQuery := strings.ToLower(query)
	var best chatmodel.PromptTemplate
	bestScore := -1.0
	for _, h := range hits {
		if h.Score < ScoreThreshold {
			continue
		}
		t, ok := byID[h.ID]
		if !ok {
			continue
		}
		score := h.Score
		for _, trig := range t.Triggers {
			if trig != "" && strings.Contains(lowerQuery, strings.ToLower(trig)) {
				score += TriggerBonus
			}
		}
		if templateAllowsAnyGroup(t, groupSet) {
			score += GroupBonus
		}
		if t.IsDefault {
			score += DefaultTieBreakBonus
		}
		if score > bestScore {
			bestScore = score
			best = t
		}
	}

	if bestScore < 0 {
		selected, err := r.fallbackDefault(templates)
		if err != nil {
			return selected, err
		}
		r.writeCache(ctx, cacheKey, selected)
		return selected, nil
	}

	r.stats[best.ID]++
	r.writeCache(ctx, cacheKey, best)
	return best, nil
}

func templateAllowsAnyGroup(t chatmodel.PromptTemplate, groupSet map[string]bool) bool {
	for _, g := range t.AllowedGroups {
		if groupSet[g] {
			return true
		}
	}
	return false
}

func (r *Router) fallbackDefault(templates []chatmodel.PromptTemplate) (chatmodel.PromptTemplate, error) {
	for _, t := range templates {
		if t.IsDefault {
			return t, nil
		}
	}
	return templates[0], nil
}

// GetDefault returns the template flagged as default, or the first active
// template if none is flagged.
func (r *Router) GetDefault(ctx context.Context) (chatmodel.PromptTemplate, error) {
	templates, err := r.store.ListActivePromptTemplates(ctx)
	if err != nil {
		return chatmodel.PromptTemplate{}, fmt.Errorf("prompts: list templates: %w", err)
	}
	if len(templates) == 0 {
		return chatmodel.PromptTemplate{}, ErrNoTemplates
	}
	return r.fallbackDefault(templates)
}

// Assign pins userID to templateID, recorded as an admin-config entry keyed
// by user, and invalidates that user's cached selections.
func (r *Router) Assign(ctx context.Context, userID, templateID, by string) error {
	payload, err := json.Marshal(struct {
		TemplateID string `json:"templateId"`
		By         string `json:"by"`
		At         time.Time
	}{TemplateID: templateID, By: by, At: time.Now()})
	if err != nil {
		return fmt.Errorf("prompts: marshal assignment: %w", err)
	}
	if err := r.users.SetAdminConfig(ctx, "prompt_assignment:"+userID, payload); err != nil {
		return fmt.Errorf("prompts: persist assignment: %w", err)
	}
	r.invalidateUser(ctx, userID)
	return nil
}

// Upsert creates or updates a template, then invalidates every cached
// selection — a template mutation can change any user's best match, so the
// whole selection cache (not just one user) must be dropped, per spec.md
// §4.G's "invalidated on template create/update/delete" contract.
func (r *Router) Upsert(ctx context.Context, t chatmodel.PromptTemplate) (chatmodel.PromptTemplate, error) {
	saved, err := r.store.UpsertPromptTemplate(ctx, t)
	if err != nil {
		return chatmodel.PromptTemplate{}, err
	}
	r.invalidateAll(ctx)
	return saved, nil
}

// Delete removes a template and invalidates the selection cache.
func (r *Router) Delete(ctx context.Context, id string) error {
	if err := r.store.DeletePromptTemplate(ctx, id); err != nil {
		return err
	}
	r.invalidateAll(ctx)
	return nil
}

// Stats returns process-local selection counts per template id, used by the
// Admin Control Plane's observability surface.
func (r *Router) Stats() map[string]int {
	out := make(map[string]int, len(r.stats))
	for k, v := range r.stats {
		out[k] = v
	}
	return out
}

func (r *Router) cacheKey(userID, query string) string {
	sum := sha256.Sum256([]byte(query))
	return "promptsel:" + userID + ":" + hex.EncodeToString(sum[:16])
}

func (r *Router) readCache(ctx context.Context, key string) (chatmodel.PromptTemplate, bool) {
	val, err := r.cache.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) || err != nil {
		return chatmodel.PromptTemplate{}, false
	}
	var t chatmodel.PromptTemplate
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		return chatmodel.PromptTemplate{}, false
	}
	return t, true
}

func (r *Router) writeCache(ctx context.Context, key string, t chatmodel.PromptTemplate) {
	if r.cache == nil {
		return
	}
	b, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, key, b, CacheTTL).Err(); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("prompts: cache write failed")
	}
}

// invalidateAll drops the entire selection cache. The router does not track
// every issued cache key, so invalidation deletes by scan rather than by an
// explicit key list — acceptable because template mutation is rare relative
// to selection reads.
func (r *Router) invalidateAll(ctx context.Context) {
	if r.cache == nil {
		return
	}
	iter := r.cache.Scan(ctx, 0, "promptsel:*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		if err := r.cache.Del(ctx, keys...).Err(); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("prompts: cache invalidation failed")
		}
	}
}

func (r *Router) invalidateUser(ctx context.Context, userID string) {
	if r.cache == nil {
		return
	}
	iter := r.cache.Scan(ctx, 0, "promptsel:"+userID+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		if err := r.cache.Del(ctx, keys...).Err(); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("prompts: cache invalidation failed")
		}
	}
}
