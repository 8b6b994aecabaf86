// Package credentials implements the Credential Store (§4.A): the
// delegated-auth (on-behalf-of) token lifecycle backing every downstream
// call the Orchestration Pipeline makes as a specific user. Grounded on
// internal/auth/oauth2.go's oauth2.Config + go-oidc verifier wiring,
// generalized from interactive browser login to silent refresh-token
// exchange, with per-user single-flight to satisfy property P5 (a user's
// concurrent turns never trigger more than one upstream refresh call).
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"weave/internal/chatmodel"
	"weave/internal/config"
	"weave/internal/observability"
	"weave/internal/store"
)

// Failure modes per §4.A / §7.
var (
	ErrTokenMissing          = errors.New("credentials: no record for user")
	ErrTokenExpiredNoRefresh = errors.New("credentials: token expired and not refreshable")
	ErrUpstreamRefreshFailed = errors.New("credentials: upstream refresh failed")
)

// Persistence is the subset of internal/store.Store the Credential Store
// needs; kept as an interface so tests can substitute an in-memory fake.
type Persistence interface {
	GetCredential(ctx context.Context, userID string) (chatmodel.CredentialRecord, error)
	UpsertCredential(ctx context.Context, c chatmodel.CredentialRecord) error
	DeleteCredential(ctx context.Context, userID string) error
	SweepExpiredCredentials(ctx context.Context) (int64, error)
}

// Store mediates all reads/refreshes of delegated user credentials.
type Store struct {
	db       Persistence
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	sf       singleflight.Group

	// refreshSkew is how far before expiry a credential is proactively
	// refreshed, avoiding a request racing an upstream-rejected near-expiry
	// token.
	refreshSkew time.Duration
}

// New builds a Store from identity configuration. provider may be nil in
// tests that never exercise OIDC ID-token verification.
func New(db Persistence, cfg config.IdentityConfig, provider *oidc.Provider) *Store {
	s := &Store{
		db:          db,
		refreshSkew: 60 * time.Second,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       []string{"openid", "profile", "email", "offline_access"},
		},
	}
	if provider != nil {
		s.oauth.Endpoint = provider.Endpoint()
		s.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	}
	return s
}

// Get returns the current credential record without attempting refresh —
// used by callers that only need to check presence/expiry.
func (s *Store) Get(ctx context.Context, userID string) (chatmodel.CredentialRecord, error) {
	rec, err := s.db.GetCredential(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return chatmodel.CredentialRecord{}, ErrTokenMissing
	}
	if err != nil {
		return chatmodel.CredentialRecord{}, err
	}
	return rec, nil
}

// GetOrRefresh returns a credential guaranteed valid for at least
// refreshSkew, refreshing upstream if needed. Concurrent calls for the same
// userID collapse into one upstream refresh (P5).
func (s *Store) GetOrRefresh(ctx context.Context, userID string) (chatmodel.CredentialRecord, error) {
	rec, err := s.db.GetCredential(ctx, userID)
	if err != nil {
		return chatmodel.CredentialRecord{}, fmt.Errorf("%w: %v", ErrTokenMissing, err)
	}

	if time.Until(rec.ExpiresAt) > s.refreshSkew {
		return rec, nil
	}

	if rec.RefreshToken == chatmodel.ServicePrincipalRefreshToken {
		// Service principals are never refreshed; an expiring service
		// credential is an operator-provisioning problem, not a per-request
		// failure we can recover from here.
		return rec, nil
	}

	if rec.RefreshToken == "" {
		return chatmodel.CredentialRecord{}, ErrTokenExpiredNoRefresh
	}

	v, err, _ := s.sf.Do(userID, func() (any, error) {
		return s.refresh(ctx, rec)
	})
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("userId", userID).Msg("credential refresh failed")
		return chatmodel.CredentialRecord{}, fmt.Errorf("%w: %v", ErrUpstreamRefreshFailed, err)
	}
	return v.(chatmodel.CredentialRecord), nil
}

func (s *Store) refresh(ctx context.Context, rec chatmodel.CredentialRecord) (chatmodel.CredentialRecord, error) {
	src := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return chatmodel.CredentialRecord{}, fmt.Errorf("refresh token exchange: %w", err)
	}

	updated := rec
	updated.AccessToken = tok.AccessToken
	updated.ExpiresAt = tok.Expiry
	if rt := tok.RefreshToken; rt != "" {
		updated.RefreshToken = rt
	}
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		if s.verifier != nil {
			if _, err := s.verifier.Verify(ctx, idToken); err != nil {
				return chatmodel.CredentialRecord{}, fmt.Errorf("verify refreshed id_token: %w", err)
			}
		}
		updated.IDToken = idToken
	}

	if err := s.db.UpsertCredential(ctx, updated); err != nil {
		return chatmodel.CredentialRecord{}, fmt.Errorf("persist refreshed credential: %w", err)
	}
	return updated, nil
}

// Store persists a freshly obtained credential (e.g. after initial login).
func (s *Store) Store(ctx context.Context, rec chatmodel.CredentialRecord) error {
	return s.db.UpsertCredential(ctx, rec)
}

// Delete removes a user's credential record (logout / revoke).
func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.db.DeleteCredential(ctx, userID)
}

// SweepExpired deletes unrefreshable expired records; intended to run on a
// periodic background tick from cmd/weaved.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	return s.db.SweepExpiredCredentials(ctx)
}
