package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/dangsayz/12img.com-sub003/pkg/apperr"
	"github.com/dangsayz/12img.com-sub003/pkg/contextkeys"
	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

// IdentityResolver maps the authenticated caller to a principal.
// A nil principal with a nil error means nobody is signed in.
type IdentityResolver interface {
	ResolveCurrentPrincipal(ctx context.Context) (*Principal, error)
}

// ResolverFunc adapts a function to IdentityResolver
type ResolverFunc func(ctx context.Context) (*Principal, error)

// ResolveCurrentPrincipal implements IdentityResolver
func (f ResolverFunc) ResolveCurrentPrincipal(ctx context.Context) (*Principal, error) {
	return f(ctx)
}

// Guard enforces capability and role requirements on the current principal
type Guard struct {
	resolver IdentityResolver
	registry *Registry
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewGuard creates a guard. metrics may be nil.
func NewGuard(resolver IdentityResolver, registry *Registry, logger *observability.Logger, metrics *observability.Metrics) *Guard {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Guard{
		resolver: resolver,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
	}
}

// Registry returns the capability registry the guard checks against
func (g *Guard) Registry() *Registry {
	return g.registry
}

// RequireCapability returns the current principal if it holds capability.
// Resolution happens first, so an anonymous caller always gets
// ErrUnauthorized and never reaches the membership test.
func (g *Guard) RequireCapability(ctx context.Context, capability Capability) (*Principal, error) {
	const op = "rbac.RequireCapability"

	p, err := g.resolve(ctx, op)
	if err != nil {
		g.metrics.RecordGuardDecision(string(capability), outcomeOf(err))
		return nil, err
	}

	if !g.registry.HasCapability(p.Role, capability) {
		g.metrics.RecordGuardDecision(string(capability), "forbidden")
		g.logger.WithFields(map[string]interface{}{
			"principal_id": p.ID,
			"role":         string(p.Role),
			"capability":   string(capability),
		}).Debug("capability denied")
		return nil, apperr.Forbidden(op, fmt.Sprintf("missing capability %s", capability))
	}

	g.metrics.RecordGuardDecision(string(capability), "allowed")
	return p, nil
}

// RequireRole returns the current principal if its role is one of roles
func (g *Guard) RequireRole(ctx context.Context, roles ...Role) (*Principal, error) {
	const op = "rbac.RequireRole"
	label := "role:" + joinRoles(roles)

	p, err := g.resolve(ctx, op)
	if err != nil {
		g.metrics.RecordGuardDecision(label, outcomeOf(err))
		return nil, err
	}

	for _, r := range roles {
		if p.Role == r {
			g.metrics.RecordGuardDecision(label, "allowed")
			return p, nil
		}
	}

	g.metrics.RecordGuardDecision(label, "forbidden")
	return nil, apperr.Forbidden(op, fmt.Sprintf("role %s is not permitted", p.Role))
}

func (g *Guard) resolve(ctx context.Context, op string) (*Principal, error) {
	if p := PrincipalFromContext(ctx); p != nil {
		return p, nil
	}
	if g.resolver == nil {
		return nil, apperr.Unauthorized(op, "no identity resolver configured")
	}
	p, err := g.resolver.ResolveCurrentPrincipal(ctx)
	if err != nil {
		return nil, apperr.Dependency(op, fmt.Errorf("failed to resolve principal: %w", err))
	}
	if p == nil {
		return nil, apperr.Unauthorized(op, "authentication required")
	}
	return p, nil
}

// CanActOnUser reports whether actor strictly outranks target. Peers can
// never act on each other, and unknown roles never qualify on either side.
func CanActOnUser(actor, target Role) bool {
	if !actor.Valid() || !target.Valid() {
		return false
	}
	return RoleRank(actor) > RoleRank(target)
}

// WithPrincipal stores an already-resolved principal on the context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextkeys.PrincipalKey, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal, or nil
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(contextkeys.PrincipalKey).(*Principal)
	return p
}

func outcomeOf(err error) string {
	switch apperr.KindOf(err) {
	case apperr.ErrUnauthorized:
		return "unauthorized"
	case apperr.ErrDependency:
		return "error"
	default:
		return "forbidden"
	}
}

func joinRoles(roles []Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ",")
}
