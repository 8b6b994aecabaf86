package httpapi

import (
	"context"
	"fmt"

	oidc "github.com/coreos/go-oidc/v3/oidc"

	"weave/internal/chatmodel"
)

// UserResolver maps a verified OIDC subject/email into the caller's
// chatmodel.User (including group membership and admin flag), so the
// bearer verifier stays independent of how users are persisted.
type UserResolver interface {
	ResolveUser(ctx context.Context, subject, email string) (chatmodel.User, error)
}

// OIDCBearerVerifier implements BearerVerifier by validating an inbound
// "Authorization: Bearer <id-token>" against the tenant's OIDC provider.
// Grounded on the teacher's internal/auth/oidc.go OIDC.Verifier (same
// coreos/go-oidc IDTokenVerifier), generalized from cookie-session
// login/callback handling to stateless per-request bearer verification —
// every turn request re-verifies its own token rather than loading a
// server-side session.
type OIDCBearerVerifier struct {
	verifier *oidc.IDTokenVerifier
	resolver UserResolver
}

func NewOIDCBearerVerifier(verifier *oidc.IDTokenVerifier, resolver UserResolver) *OIDCBearerVerifier {
	return &OIDCBearerVerifier{verifier: verifier, resolver: resolver}
}

type idTokenClaims struct {
	Email string `json:"email"`
}

func (v *OIDCBearerVerifier) VerifyAndResolve(ctx context.Context, bearerToken string) (chatmodel.User, error) {
	idToken, err := v.verifier.Verify(ctx, bearerToken)
	if err != nil {
		return chatmodel.User{}, fmt.Errorf("httpapi: verify bearer token: %w", err)
	}
	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return chatmodel.User{}, fmt.Errorf("httpapi: decode bearer claims: %w", err)
	}
	return v.resolver.ResolveUser(ctx, idToken.Subject, claims.Email)
}
