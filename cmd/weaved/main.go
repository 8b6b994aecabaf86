// Command weaved is the chat orchestration core's single server process: it
// wires every §4 component into the Orchestration Pipeline and serves the
// inbound turn endpoint plus the Admin Control Plane over HTTP. Grounded on
// the teacher's main.go/initialize.go sequential wiring style (load config,
// init logging/otel, connect every backend, build services bottom-up, start
// the HTTP listener), generalized from the teacher's single do-everything
// binary to this module's internal/ package boundaries.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"weave/internal/admin"
	"weave/internal/blobstore"
	"weave/internal/budget"
	"weave/internal/chatmodel"
	"weave/internal/config"
	"weave/internal/credentials"
	"weave/internal/httpapi"
	"weave/internal/jobwatcher"
	"weave/internal/llm"
	openaillm "weave/internal/llm/openai"
	"weave/internal/llm/providers"
	"weave/internal/memorytier"
	"weave/internal/objectstore"
	"weave/internal/observability"
	"weave/internal/pipeline"
	"weave/internal/prompts"
	"weave/internal/retrieval"
	"weave/internal/store"
	"weave/internal/tools"
	"weave/internal/usage"
	"weave/internal/vectorindex"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "weaved: load config: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogPath, cfg.LogLevel)

	if cfg.Obs.OTLP != "" {
		shutdown, err := observability.InitOTel(context.Background(), cfg.Obs)
		if err != nil {
			log.Warn().Err(err).Msg("weaved: otel init failed, continuing without tracing/metrics")
		} else {
			defer shutdown(context.Background())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.DSN == "" {
		log.Fatal().Msg("weaved: POSTGRES_DSN is required")
	}
	db, err := store.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("weaved: connect postgres")
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("weaved: init schema")
	}

	gateway, err := vectorindex.Dial(cfg.Vector.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("weaved: dial vector backend")
	}
	defer gateway.Close()
	if err := ensureCollections(ctx, gateway, cfg.Vector); err != nil {
		log.Fatal().Err(err).Msg("weaved: ensure vector collections")
	}

	blobs, err := buildBlobFacade(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("weaved: build blob store")
	}

	var oidcProvider *oidc.Provider
	if cfg.Identity.Issuer != "" {
		oidcProvider, err = oidc.NewProvider(ctx, cfg.Identity.Issuer)
		if err != nil {
			log.Error().Err(err).Msg("weaved: discover OIDC provider, delegated refresh disabled")
		}
	}
	creds := credentials.New(db, cfg.Identity, oidcProvider)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	}

	memory := memorytier.New(gateway, cfg.Embedding)
	retrieve := retrieval.New(gateway, cfg.Embedding, searchLogger{db})
	promptRouter := prompts.New(db, db, gateway, cfg.Embedding, redisClient)
	usageRecorder := usage.New(db)
	if len(cfg.Kafka.Brokers) > 0 {
		writer := &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Kafka.Brokers...),
			Topic:                  cfg.Kafka.Topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		}
		defer writer.Close()
		usageRecorder = usageRecorder.WithPublisher(writer)
	}
	controlPlane := admin.New(db, promptRouter, usageRecorder)
	watcher := jobwatcher.New(db)
	go watcher.Run(ctx)

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFilesTool())
	registry.Register(tools.NewPatchTool())
	registry.Register(tools.NewWebFetchTool())
	if searxng := os.Getenv("SEARXNG_URL"); searxng != "" {
		registry.Register(tools.NewWebSearchTool(searxng))
	}

	httpClient := observability.NewHTTPClient(nil)
	modelProviders, err := providers.BuildAll(cfg, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("weaved: build model providers")
	}
	if len(modelProviders) == 0 {
		log.Fatal().Msg("weaved: no model providers configured (set OPENAI_API_KEY or LOCAL_LLM_BASE_URL)")
	}

	var tokenizer llm.Tokenizer
	if defaultProvider, ok := modelProviders[cfg.DefaultModel].(*openaillm.Client); ok {
		tokenizer = defaultProvider.Tokenizer()
	}

	pipe := pipeline.New(pipeline.Deps{
		Store:       db,
		Prompts:     promptRouter,
		Memory:      memory,
		Retrieval:   retrieve,
		Budget:      budget.New(budgetConfig(cfg.Budget), tokenizer),
		Tools:       registry,
		Providers:   modelProviders,
		Usage:       usageRecorder,
		Credentials: creds,
		Limits:      cfg.Limits,
		BudgetCfg:   cfg.Budget,
		Experiment:  cfg,
	})

	var bearer httpapi.BearerVerifier
	if oidcProvider != nil {
		verifier := oidcProvider.Verifier(&oidc.Config{ClientID: cfg.Identity.ClientID})
		bearer = httpapi.NewOIDCBearerVerifier(verifier, userResolver{db, cfg.AllowedUserDomains})
	} else {
		bearer = noBearer{}
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Pipeline:    pipe,
		Jobs:        watcher,
		Control:     controlPlane,
		Blobs:       blobs,
		Bearer:      bearer,
		APIKeys:     apiKeyStore{db},
		RateLimiter: httpapi.NewRateLimiter(httpapi.DefaultRateLimitTiers()),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("weaved: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("weaved: http server failed")
		}
	}()

	go sweepExpiredCredentialsLoop(ctx, creds)

	<-ctx.Done()
	log.Info().Msg("weaved: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// ensureCollections registers §4.B's typed collection families used by the
// Memory Tier Service and Retrieval Orchestrator.
func ensureCollections(ctx context.Context, gw *vectorindex.Gateway, vc config.VectorConfig) error {
	names := []string{
		"user-memory", "user-artifacts", "app-documentation",
		"chat-conversations", "code", "awcode-sessions", "awcode-shared-solutions",
		prompts.CollectionTemplates,
	}
	for _, name := range names {
		if err := gw.EnsureCollection(ctx, vectorindex.CollectionSpec{
			Name:       name,
			Dimensions: vc.Dimensions,
			Metric:     vc.Metric,
		}); err != nil {
			return fmt.Errorf("collection %q: %w", name, err)
		}
	}
	return nil
}

// buildBlobFacade selects the §4.C / §6 blob backend: explicit
// BLOB_STORAGE_TYPE wins, otherwise S3 credentials presence, otherwise
// local filesystem (config.Load already resolved cfg.BlobStorageType).
func buildBlobFacade(ctx context.Context, cfg config.Config) (*blobstore.Facade, error) {
	switch cfg.BlobStorageType {
	case config.BlobStorageS3:
		backend, err := objectstore.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return blobstore.New(backend), nil
	default:
		backend, err := blobstore.NewLocalStore(cfg.LocalBlobDir)
		if err != nil {
			return nil, err
		}
		return blobstore.New(backend), nil
	}
}

func budgetConfig(c config.BudgetConfig) budget.Config {
	return budget.Config{
		ResponseReserve:   c.ResponseReserve,
		MinResponseTokens: c.MinResponseTokens,
		MaxSystemTokens:   c.MaxSystemTokens,
		Ratios: budget.Ratios{
			Tier1: c.Tier1Ratio,
			Tier2: c.Tier2Ratio,
			Tier3: c.Tier3Ratio,
		},
	}
}

// searchLogger adapts internal/store.Store into retrieval.SearchLog without
// retrieval importing store directly.
type searchLogger struct{ db interface {
	RecordUsage(ctx context.Context, r chatmodel.UsageRecord) error
} }

func (l searchLogger) RecordSearch(ctx context.Context, userID, query string, resultCount int) error {
	return l.db.RecordUsage(ctx, chatmodel.UsageRecord{
		UserID:       userID,
		SourceCounts: map[string]int{"retrieval_search": resultCount},
		Metadata:     map[string]any{"query": query, "kind": "retrieval_search_log"},
	})
}

// userResolver implements httpapi.UserResolver: it upserts a User row on
// first sight and enforces §6's allowed-domain admission policy for new
// signups.
type userResolver struct {
	db             *store.Store
	allowedDomains []string
}

func (r userResolver) ResolveUser(ctx context.Context, subject, email string) (chatmodel.User, error) {
	if existing, err := r.db.GetUser(ctx, subject); err == nil {
		return existing, nil
	}
	if len(r.allowedDomains) > 0 && !emailDomainAllowed(email, r.allowedDomains) {
		if _, err := r.db.CreateAccessRequest(ctx, subject, email); err != nil {
			log.Error().Err(err).Str("userId", subject).Msg("weaved: record access request failed")
		}
		return chatmodel.User{}, fmt.Errorf("weaved: %s is pending admin approval", email)
	}
	return r.db.UpsertUser(ctx, chatmodel.User{ID: subject})
}

func emailDomainAllowed(email string, domains []string) bool {
	at := -1
	for i, c := range email {
		if c == '@' {
			at = i
		}
	}
	if at < 0 {
		return false
	}
	domain := email[at+1:]
	for _, d := range domains {
		if d == domain {
			return true
		}
	}
	return false
}

// noBearer rejects every bearer token when no OIDC issuer is configured
// (API keys remain usable for service-to-service callers).
type noBearer struct{}

func (noBearer) VerifyAndResolve(ctx context.Context, bearerToken string) (chatmodel.User, error) {
	return chatmodel.User{}, errors.New("weaved: bearer auth disabled (IDENTITY_ISSUER not configured)")
}

// apiKeyStore adapts internal/store.Store's lookup-hash-indexed API key rows
// into httpapi.APIKeyStore. The lookup hash is a fast, non-secret SHA-256
// index; the bcrypt hash alone gates acceptance (httpapi verifies it).
type apiKeyStore struct{ db *store.Store }

func (s apiKeyStore) Lookup(ctx context.Context, rawKey string) (httpapi.APIKeyRecord, bool, error) {
	sum := sha256.Sum256([]byte(rawKey))
	row, err := s.db.GetAPIKeyByLookupHash(ctx, hex.EncodeToString(sum[:]))
	if errors.Is(err, store.ErrNotFound) {
		return httpapi.APIKeyRecord{}, false, nil
	}
	if err != nil {
		return httpapi.APIKeyRecord{}, false, err
	}
	return httpapi.APIKeyRecord{
		ID:       row.ID,
		UserID:   row.UserID,
		Hash:     row.BcryptHash,
		IsSystem: row.IsSystem,
		Tier:     row.Tier,
	}, true, nil
}

// sweepExpiredCredentialsLoop runs the §4.A daily sweep of expired
// credential rows. Grounded on the teacher's ticker-driven background
// maintenance loops (e.g. imggen.go's poll ticker); one goroutine per
// process, stopped when ctx is cancelled.
func sweepExpiredCredentialsLoop(ctx context.Context, creds *credentials.Store) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := creds.SweepExpired(ctx)
			if err != nil {
				log.Error().Err(err).Msg("weaved: sweep expired credentials failed")
				continue
			}
			log.Info().Int64("count", n).Msg("weaved: swept expired credentials")
		}
	}
}
