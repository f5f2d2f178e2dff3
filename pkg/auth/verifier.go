package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ErrInvalidToken is returned for tokens that fail verification
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is the verified external identity carried by a bearer token
type Identity struct {
	Subject string
	Email   string
}

// TokenVerifier verifies a raw bearer token
type TokenVerifier interface {
	VerifyToken(ctx context.Context, rawToken string) (*Identity, error)
}

// OIDCVerifier verifies OpenID Connect ID tokens
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider at issuer and returns a verifier
// that accepts ID tokens minted for clientID.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	if issuer == "" || clientID == "" {
		return nil, fmt.Errorf("OIDC issuer and client ID are required")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// NewOIDCVerifierWithKeySet builds a verifier from a known key set without
// provider discovery.
func NewOIDCVerifierWithKeySet(issuer, clientID string, keySet oidc.KeySet, config *oidc.Config) *OIDCVerifier {
	if config == nil {
		config = &oidc.Config{}
	}
	config.ClientID = clientID
	return &OIDCVerifier{verifier: oidc.NewVerifier(issuer, keySet, config)}
}

// VerifyToken checks signature, issuer, audience and expiry, then extracts
// the subject and email claims.
func (v *OIDCVerifier) VerifyToken(ctx context.Context, rawToken string) (*Identity, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %v", ErrInvalidToken, err)
	}

	if idToken.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &Identity{
		Subject: idToken.Subject,
		Email:   strings.ToLower(claims.Email),
	}, nil
}

// Anonymous rejects every token; used when no identity provider is configured
type Anonymous struct{}

// VerifyToken always fails
func (Anonymous) VerifyToken(context.Context, string) (*Identity, error) {
	return nil, ErrInvalidToken
}
