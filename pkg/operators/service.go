package operators

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dangsayz/12img.com-sub003/pkg/apperr"
	"github.com/dangsayz/12img.com-sub003/pkg/audit"
	"github.com/dangsayz/12img.com-sub003/pkg/observability"
	"github.com/dangsayz/12img.com-sub003/pkg/rbac"
)

// Directory reads and changes operator records. Both rbac.Store and
// rbac.MemoryDirectory satisfy it. Writes carry the role the caller
// authorized against and fail with apperr.ErrConflict when it changed.
type Directory interface {
	GetByID(ctx context.Context, id string) (*rbac.DirectoryUser, error)
	UpdateRole(ctx context.Context, id string, from, to rbac.Role) error
	SetSuspended(ctx context.Context, id string, role rbac.Role, at *time.Time) error
}

// Service applies operator account changes
type Service struct {
	directory Directory
	guard     *rbac.Guard
	recorder  *audit.Recorder
	logger    *observability.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService creates an operator service. recorder may be nil.
func NewService(directory Directory, guard *rbac.Guard, recorder *audit.Recorder, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		directory: directory,
		guard:     guard,
		recorder:  recorder,
		logger:    logger,
		tracer:    observability.Tracer("operators"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetOperator returns one operator record
func (s *Service) GetOperator(ctx context.Context, id string) (user *rbac.DirectoryUser, err error) {
	ctx, span := s.tracer.Start(ctx, "operators.GetOperator", trace.WithAttributes(attribute.String("user.id", id)))
	defer func() { observability.EndSpan(span, err) }()

	if _, err = s.guard.RequireCapability(ctx, rbac.CapUsersView); err != nil {
		return nil, err
	}
	return s.load(ctx, "operators.GetOperator", id)
}

// ChangeRole moves the target to newRole
func (s *Service) ChangeRole(ctx context.Context, targetID string, newRole rbac.Role, reason string) (user *rbac.DirectoryUser, err error) {
	const op = "operators.ChangeRole"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("user.id", targetID),
		attribute.String("user.new_role", string(newRole)),
	))
	defer func() { observability.EndSpan(span, err) }()

	actor, target, err := s.authorize(ctx, op, rbac.CapUsersChangeRole, targetID)
	if err != nil {
		return nil, err
	}

	role, ok := rbac.ParseRole(string(newRole))
	if !ok {
		return nil, apperr.Validation(op, "role", fmt.Sprintf("unknown role %q", newRole))
	}
	if !rbac.CanActOnUser(actor.Role, role) {
		return nil, apperr.Forbidden(op, fmt.Sprintf("%s cannot grant role %s", actor.Role, role))
	}
	if role == target.Role {
		return target, nil
	}

	if err = s.directory.UpdateRole(ctx, targetID, target.Role, role); err != nil {
		return nil, classify(op, err)
	}

	previous := target.Role
	target.Role = role
	s.audit(ctx, actor, audit.ActionUserChangeRole, target, withReason(map[string]interface{}{
		"old_role": string(previous),
		"new_role": string(role),
	}, reason))
	return target, nil
}

// Suspend blocks the target from resolving as a principal
func (s *Service) Suspend(ctx context.Context, targetID, reason string) (user *rbac.DirectoryUser, err error) {
	const op = "operators.Suspend"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("user.id", targetID)))
	defer func() { observability.EndSpan(span, err) }()

	actor, target, err := s.authorize(ctx, op, rbac.CapUsersSuspend, targetID)
	if err != nil {
		return nil, err
	}
	if target.Suspended() {
		return nil, apperr.Conflict(op, fmt.Errorf("user is already suspended"))
	}

	at := s.now()
	if err = s.directory.SetSuspended(ctx, targetID, target.Role, &at); err != nil {
		return nil, classify(op, err)
	}

	target.SuspendedAt = &at
	s.audit(ctx, actor, audit.ActionUserSuspend, target, withReason(map[string]interface{}{}, reason))
	return target, nil
}

// Reinstate lifts a suspension
func (s *Service) Reinstate(ctx context.Context, targetID, reason string) (user *rbac.DirectoryUser, err error) {
	const op = "operators.Reinstate"
	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("user.id", targetID)))
	defer func() { observability.EndSpan(span, err) }()

	actor, target, err := s.authorize(ctx, op, rbac.CapUsersSuspend, targetID)
	if err != nil {
		return nil, err
	}
	if !target.Suspended() {
		return nil, apperr.Conflict(op, fmt.Errorf("user is not suspended"))
	}

	if err = s.directory.SetSuspended(ctx, targetID, target.Role, nil); err != nil {
		return nil, classify(op, err)
	}

	suspendedAt := target.SuspendedAt
	target.SuspendedAt = nil
	s.audit(ctx, actor, audit.ActionUserReinstate, target, withReason(map[string]interface{}{
		"suspended_at": suspendedAt.Format(time.RFC3339),
	}, reason))
	return target, nil
}

// authorize checks the capability, loads the target and checks dominance
func (s *Service) authorize(ctx context.Context, op string, capability rbac.Capability, targetID string) (*rbac.Principal, *rbac.DirectoryUser, error) {
	actor, err := s.guard.RequireCapability(ctx, capability)
	if err != nil {
		return nil, nil, err
	}

	target, err := s.load(ctx, op, targetID)
	if err != nil {
		return nil, nil, err
	}
	if !rbac.CanActOnUser(actor.Role, target.Role) {
		s.logger.WithFields(map[string]interface{}{
			"actor_id":    actor.ID,
			"actor_role":  string(actor.Role),
			"target_id":   target.ID,
			"target_role": string(target.Role),
		}).Info("operator action denied by role hierarchy")
		return nil, nil, apperr.Forbidden(op, fmt.Sprintf("%s cannot act on %s", actor.Role, target.Role))
	}
	return actor, target, nil
}

func (s *Service) load(ctx context.Context, op, id string) (*rbac.DirectoryUser, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation(op, "id", "user id is required")
	}
	user, err := s.directory.GetByID(ctx, id)
	if err != nil {
		return nil, classify(op, err)
	}
	return user, nil
}

func (s *Service) audit(ctx context.Context, actor *rbac.Principal, action string, target *rbac.DirectoryUser, metadata map[string]interface{}) {
	if s.recorder == nil {
		return
	}
	s.recorder.LogPrincipalAction(ctx, actor, action, audit.ActionOptions{
		TargetType:       audit.TargetUser,
		TargetID:         target.ID,
		TargetIdentifier: target.Email,
		Metadata:         metadata,
	})
}

// classify keeps typed errors and turns anything else into a dependency failure
func classify(op string, err error) error {
	if apperr.KindOf(err) != nil {
		return err
	}
	return apperr.Dependency(op, err)
}

func withReason(metadata map[string]interface{}, reason string) map[string]interface{} {
	if reason != "" {
		metadata["reason"] = reason
	}
	return metadata
}
