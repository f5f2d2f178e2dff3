package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dangsayz/12img.com-sub003/pkg/contextkeys"
)

const (
	testIssuer   = "https://idp.12img.test"
	testClientID = "console"
)

func signToken(t *testing.T, key *rsa.PrivateKey, claims map[string]interface{}) string {
	t.Helper()

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)

	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	obj, err := signer.Sign(payload)
	require.NoError(t, err)

	raw, err := obj.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func newTestVerifier(t *testing.T) (*OIDCVerifier, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	keySet := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	return NewOIDCVerifierWithKeySet(testIssuer, testClientID, keySet, nil), key
}

func validClaims() map[string]interface{} {
	now := time.Now()
	return map[string]interface{}{
		"iss":   testIssuer,
		"aud":   testClientID,
		"sub":   "idp|operator-1",
		"email": "Ops@12img.com",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

func TestOIDCVerifier_VerifyToken(t *testing.T) {
	verifier, key := newTestVerifier(t)

	identity, err := verifier.VerifyToken(context.Background(), signToken(t, key, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "idp|operator-1", identity.Subject)
	assert.Equal(t, "ops@12img.com", identity.Email)
}

func TestOIDCVerifier_Rejects(t *testing.T) {
	verifier, key := newTestVerifier(t)
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongAudience := validClaims()
	wrongAudience["aud"] = "billing"

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "https://evil.test"

	tests := []struct {
		name  string
		token string
	}{
		{"expired", signToken(t, key, expired)},
		{"wrong audience", signToken(t, key, wrongAudience)},
		{"wrong issuer", signToken(t, key, wrongIssuer)},
		{"foreign key", signToken(t, otherKey, validClaims())},
		{"garbage", "not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.VerifyToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewOIDCVerifier_RequiresConfig(t *testing.T) {
	_, err := NewOIDCVerifier(context.Background(), "", testClientID)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	verifier, key := newTestVerifier(t)
	token := signToken(t, key, validClaims())

	var subject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = contextkeys.GetSubject(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(verifier, nil)(next)

	tests := []struct {
		name        string
		header      string
		wantStatus  int
		wantSubject string
	}{
		{"no header is anonymous", "", http.StatusOK, ""},
		{"valid bearer", "Bearer " + token, http.StatusOK, "idp|operator-1"},
		{"lowercase scheme", "bearer " + token, http.StatusOK, "idp|operator-1"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"empty token", "Bearer ", http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject = ""
			req := httptest.NewRequest(http.MethodGet, "/admin/feature-flags", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantSubject, subject)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), `"code":"unauthorized"`)
			}
		})
	}
}

func TestAnonymousVerifier(t *testing.T) {
	_, err := Anonymous{}.VerifyToken(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
