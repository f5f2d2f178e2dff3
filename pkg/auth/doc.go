// Package auth is the identity provider boundary of the admin console.
//
// # Overview
//
// The console never runs a login flow itself. Operators arrive with an ID
// token issued by the configured OpenID Connect provider; this package
// verifies the token and records the external subject on the request
// context. Turning that subject into a role-bearing principal is the job of
// rbac.DirectoryResolver.
//
//	verifier, err := auth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
//	router.Use(auth.Middleware(verifier, logger))
//
// Requests without an Authorization header pass through anonymously so the
// authorization guard can answer 401 itself. A header that is present but
// malformed, or a token that fails verification, is rejected here with 401.
package auth
