// Package httpapi is the inbound HTTP surface: the turn endpoint that
// drives the Orchestration Pipeline over SSE (§4.K), and the bearer-token /
// API-key authentication and per-tier rate limiting §6 requires in front of
// it. Grounded on the teacher's internal/auth middleware
// (func(http.Handler) http.Handler wrapping, context-injected caller
// identity) and user_auth.go's bcrypt password hashing, generalized from
// cookie-session auth to the spec's bearer-token/API-key scheme, plus
// goadesign-goa-ai's golang.org/x/time/rate token-bucket limiter condensed
// from its adaptive TPM controller to one fixed bucket per rate-limit tier.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"weave/internal/chatmodel"
	"weave/internal/observability"
)

// APIKeyPrefix and APIKeySystemPrefix are §6's two recognized API key
// formats: a regular per-user key and a system/service key.
const (
	APIKeyPrefix       = "awc_"
	APIKeySystemPrefix = "awc_system_"
)

// APIKeyRecord is one hashed API key at rest. Hash is a bcrypt digest of the
// raw key (never stored in cleartext), per §6's "hashed at rest via salted
// adaptive hash" requirement.
type APIKeyRecord struct {
	ID       string
	UserID   string
	Hash     string
	IsSystem bool
	Tier     string // rate-limit tier: "standard", "elevated", "system"
}

// APIKeyStore resolves a presented raw key to its record. Lookup is by a
// fast-path identifier (e.g. the key's first N bytes as an index column);
// implementations still verify the full key against Hash via bcrypt before
// trusting the match.
type APIKeyStore interface {
	Lookup(ctx context.Context, rawKey string) (APIKeyRecord, bool, error)
}

// HashAPIKey produces the bcrypt digest stored in APIKeyRecord.Hash.
func HashAPIKey(raw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	return string(b), err
}

// verifyAPIKey checks raw against a stored bcrypt hash in constant time via
// bcrypt's own comparison (timing-safe by construction).
func verifyAPIKey(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// BearerVerifier validates an OIDC-issued bearer access token and resolves
// the caller's chatmodel.User, reusing the credential lifecycle
// internal/credentials.Store already manages.
type BearerVerifier interface {
	VerifyAndResolve(ctx context.Context, bearerToken string) (chatmodel.User, error)
}

// callerKey is the context key under which the authenticated caller is
// stored, mirroring internal/auth's WithUser/CurrentUser pattern.
type callerKey struct{}

func WithCaller(ctx context.Context, u chatmodel.User) context.Context {
	return context.WithValue(ctx, callerKey{}, u)
}

func CallerFromContext(ctx context.Context) (chatmodel.User, bool) {
	u, ok := ctx.Value(callerKey{}).(chatmodel.User)
	return u, ok
}

// AuthMiddleware accepts either an "Authorization: Bearer <oidc-token>" or
// an "Authorization: ApiKey <awc_...>" header, resolving the caller's
// identity into the request context. Unauthenticated requests are rejected
// with 401 before reaching the wrapped handler.
func AuthMiddleware(bearer BearerVerifier, apiKeys APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := observability.LoggerWithTrace(r.Context())
			authz := r.Header.Get("Authorization")

			switch {
			case strings.HasPrefix(authz, "Bearer "):
				token := strings.TrimPrefix(authz, "Bearer ")
				user, err := bearer.VerifyAndResolve(r.Context(), token)
				if err != nil {
					log.Warn().Err(err).Msg("httpapi: bearer verification failed")
					unauthorized(w)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), user)))
				return

			case strings.HasPrefix(authz, "ApiKey "):
				raw := strings.TrimPrefix(authz, "ApiKey ")
				if !strings.HasPrefix(raw, APIKeyPrefix) {
					unauthorized(w)
					return
				}
				rec, ok, err := apiKeys.Lookup(r.Context(), raw)
				if err != nil || !ok || !verifyAPIKey(rec.Hash, raw) {
					unauthorized(w)
					return
				}
				user := chatmodel.User{ID: rec.UserID, IsAdmin: rec.IsSystem}
				ctx := WithCaller(r.Context(), user)
				ctx = context.WithValue(ctx, rateLimitTierKey{}, rec.Tier)
				next.ServeHTTP(w, r.WithContext(ctx))
				return

			default:
				unauthorized(w)
			}
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="weave"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

type rateLimitTierKey struct{}

// RateLimitTiers maps a tier name to its requests-per-second / burst token
// bucket, per §6's rate-limit tiers.
type RateLimitTiers map[string]struct {
	RPS   float64
	Burst int
}

// DefaultRateLimitTiers mirrors §6's literal defaults.
func DefaultRateLimitTiers() RateLimitTiers {
	return RateLimitTiers{
		"standard": {RPS: 1, Burst: 5},
		"elevated": {RPS: 5, Burst: 20},
		"system":   {RPS: 20, Burst: 100},
	}
}

// RateLimiter enforces one token bucket per (tier, caller) pair.
type RateLimiter struct {
	tiers RateLimitTiers

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(tiers RateLimitTiers) *RateLimiter {
	return &RateLimiter{tiers: tiers, limiters: map[string]*rate.Limiter{}}
}

func (rl *RateLimiter) limiterFor(tier, callerID string) *rate.Limiter {
	key := tier + ":" + callerID
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if lim, ok := rl.limiters[key]; ok {
		return lim
	}
	cfg, ok := rl.tiers[tier]
	if !ok {
		cfg = rl.tiers["standard"]
	}
	lim := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	rl.limiters[key] = lim
	return lim
}

// Middleware rejects with 429 once a caller's tier bucket is exhausted.
// Tier defaults to "standard" for bearer-token callers (API-key callers
// carry their own tier via rateLimitTierKey).
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, _ := CallerFromContext(r.Context())
			tier, _ := r.Context().Value(rateLimitTierKey{}).(string)
			if tier == "" {
				tier = "standard"
			}
			if !rl.limiterFor(tier, caller.ID).Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
