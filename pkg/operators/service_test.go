package operators

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dangsayz/12img.com-sub003/pkg/apperr"
	"github.com/dangsayz/12img.com-sub003/pkg/audit"
	"github.com/dangsayz/12img.com-sub003/pkg/contextkeys"
	"github.com/dangsayz/12img.com-sub003/pkg/rbac"
)

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func seedDirectory() *rbac.MemoryDirectory {
	return rbac.NewMemoryDirectory(
		rbac.DirectoryUser{ID: "u-super", ExternalID: "idp|super", Email: "root@12img.com", Role: rbac.RoleSuperAdmin},
		rbac.DirectoryUser{ID: "u-admin", ExternalID: "idp|admin", Email: "admin@12img.com", Role: rbac.RoleAdmin},
		rbac.DirectoryUser{ID: "u-admin2", ExternalID: "idp|admin2", Email: "admin2@12img.com", Role: rbac.RoleAdmin},
		rbac.DirectoryUser{ID: "u-support", ExternalID: "idp|support", Email: "help@12img.com", Role: rbac.RoleSupport},
		rbac.DirectoryUser{ID: "u-user", ExternalID: "idp|user", Email: "someone@example.com", Role: rbac.RoleUser},
	)
}

type fixture struct {
	service   *Service
	directory *rbac.MemoryDirectory
	audits    *audit.MemoryStore
}

func newFixture(t *testing.T, actor *rbac.Principal) *fixture {
	t.Helper()
	directory := seedDirectory()
	audits := audit.NewMemoryStore()
	guard := rbac.NewGuard(rbac.StaticResolver(actor), rbac.DefaultRegistry(nil), nil, nil)

	service := NewService(directory, guard, audit.NewRecorder(audits, nil, nil, nil), nil)
	service.now = func() time.Time { return fixedNow }
	return &fixture{service: service, directory: directory, audits: audits}
}

func principal(id string, role rbac.Role) *rbac.Principal {
	return &rbac.Principal{ID: id, Role: role}
}

func TestService_ChangeRole(t *testing.T) {
	tests := []struct {
		name    string
		actor   *rbac.Principal
		target  string
		newRole rbac.Role
		wantErr error
	}{
		{"admin demotes support", principal("u-admin", rbac.RoleAdmin), "u-support", rbac.RoleUser, nil},
		{"admin promotes user to support", principal("u-admin", rbac.RoleAdmin), "u-user", rbac.RoleSupport, nil},
		{"admin cannot promote to own rank", principal("u-admin", rbac.RoleAdmin), "u-support", rbac.RoleAdmin, apperr.ErrForbidden},
		{"admin cannot act on peer", principal("u-admin", rbac.RoleAdmin), "u-admin2", rbac.RoleUser, apperr.ErrForbidden},
		{"admin cannot act on self", principal("u-admin", rbac.RoleAdmin), "u-admin", rbac.RoleUser, apperr.ErrForbidden},
		{"super admin demotes admin", principal("u-super", rbac.RoleSuperAdmin), "u-admin", rbac.RoleSupport, nil},
		{"super admin cannot mint super admins", principal("u-super", rbac.RoleSuperAdmin), "u-admin", rbac.RoleSuperAdmin, apperr.ErrForbidden},
		{"support lacks capability", principal("u-support", rbac.RoleSupport), "u-user", rbac.RoleUser, apperr.ErrForbidden},
		{"anonymous", nil, "u-user", rbac.RoleSupport, apperr.ErrUnauthorized},
		{"unknown role", principal("u-admin", rbac.RoleAdmin), "u-user", rbac.Role("owner"), apperr.ErrValidation},
		{"unknown target", principal("u-admin", rbac.RoleAdmin), "u-ghost", rbac.RoleUser, apperr.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.actor)
			before, err := f.directory.GetByID(context.Background(), tt.target)
			if err != nil {
				before = nil
			}

			user, err := f.service.ChangeRole(context.Background(), tt.target, tt.newRole, "rotation")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, f.audits.Entries())
				if before != nil {
					after, _ := f.directory.GetByID(context.Background(), tt.target)
					assert.Equal(t, before.Role, after.Role, "role unchanged after rejection")
				}
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.newRole, user.Role)

			stored, err := f.directory.GetByID(context.Background(), tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.newRole, stored.Role)

			entries := f.audits.Entries()
			require.Len(t, entries, 1)
			e := entries[0]
			assert.Equal(t, audit.ActionUserChangeRole, e.Action)
			assert.Equal(t, audit.TargetUser, e.TargetType)
			assert.Equal(t, tt.target, e.TargetID)
			assert.Equal(t, stored.Email, e.TargetIdentifier)
			assert.Equal(t, string(before.Role), e.Metadata["old_role"])
			assert.Equal(t, string(tt.newRole), e.Metadata["new_role"])
			assert.Equal(t, "rotation", e.Metadata["reason"])
		})
	}
}

func TestService_ChangeRoleToSameRoleIsNoop(t *testing.T) {
	f := newFixture(t, principal("u-admin", rbac.RoleAdmin))

	user, err := f.service.ChangeRole(context.Background(), "u-support", rbac.RoleSupport, "")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleSupport, user.Role)
	assert.Empty(t, f.audits.Entries())
}

func TestService_SuspendAndReinstate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, principal("u-admin", rbac.RoleAdmin))

	user, err := f.service.Suspend(ctx, "u-support", "chargeback abuse")
	require.NoError(t, err)
	require.NotNil(t, user.SuspendedAt)
	assert.True(t, user.SuspendedAt.Equal(fixedNow))

	// A suspended operator no longer resolves
	ctx = contextkeys.WithSubject(ctx, "idp|support")
	p, err := rbac.NewDirectoryResolver(f.directory).ResolveCurrentPrincipal(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = f.service.Suspend(context.Background(), "u-support", "")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	user, err = f.service.Reinstate(context.Background(), "u-support", "appeal upheld")
	require.NoError(t, err)
	assert.Nil(t, user.SuspendedAt)

	_, err = f.service.Reinstate(context.Background(), "u-support", "")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	entries := f.audits.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionUserSuspend, entries[0].Action)
	assert.Equal(t, "chargeback abuse", entries[0].Metadata["reason"])
	assert.Equal(t, audit.ActionUserReinstate, entries[1].Action)
	assert.Equal(t, fixedNow.Format(time.RFC3339), entries[1].Metadata["suspended_at"])
}

func TestService_SuspendRequiresDominance(t *testing.T) {
	f := newFixture(t, principal("u-admin", rbac.RoleAdmin))

	_, err := f.service.Suspend(context.Background(), "u-super", "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.service.Suspend(context.Background(), "u-admin2", "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	u, err := f.directory.GetByID(context.Background(), "u-admin2")
	require.NoError(t, err)
	assert.False(t, u.Suspended())
}

func TestService_GetOperator(t *testing.T) {
	f := newFixture(t, principal("u-support", rbac.RoleSupport))

	user, err := f.service.GetOperator(context.Background(), "u-user")
	require.NoError(t, err)
	assert.Equal(t, "someone@example.com", user.Email)

	_, err = f.service.GetOperator(context.Background(), " ")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	f = newFixture(t, principal("u-user", rbac.RoleUser))
	_, err = f.service.GetOperator(context.Background(), "u-user")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

type failingDirectory struct {
	*rbac.MemoryDirectory
}

func (failingDirectory) UpdateRole(context.Context, string, rbac.Role, rbac.Role) error {
	return errors.New("connection refused")
}

func TestService_DirectoryFailureIsDependency(t *testing.T) {
	guard := rbac.NewGuard(rbac.StaticResolver(principal("u-super", rbac.RoleSuperAdmin)), rbac.DefaultRegistry(nil), nil, nil)
	audits := audit.NewMemoryStore()
	service := NewService(failingDirectory{seedDirectory()}, guard, audit.NewRecorder(audits, nil, nil, nil), nil)

	_, err := service.ChangeRole(context.Background(), "u-admin", rbac.RoleSupport, "")
	assert.ErrorIs(t, err, apperr.ErrDependency)
	assert.Empty(t, audits.Entries())
}

// promotingDirectory hands out the stored record, then promotes the user
// before the caller writes, as a concurrent super_admin would
type promotingDirectory struct {
	*rbac.MemoryDirectory
	promoteTo rbac.Role
}

func (d promotingDirectory) GetByID(ctx context.Context, id string) (*rbac.DirectoryUser, error) {
	user, err := d.MemoryDirectory.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.MemoryDirectory.UpdateRole(ctx, id, user.Role, d.promoteTo); err != nil {
		return nil, err
	}
	return user, nil
}

func TestService_PromotionBetweenReadAndWrite(t *testing.T) {
	tests := []struct {
		name string
		act  func(*Service) error
	}{
		{"change role", func(s *Service) error {
			_, err := s.ChangeRole(context.Background(), "u-support", rbac.RoleUser, "")
			return err
		}},
		{"suspend", func(s *Service) error {
			_, err := s.Suspend(context.Background(), "u-support", "")
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			directory := seedDirectory()
			guard := rbac.NewGuard(rbac.StaticResolver(principal("u-admin", rbac.RoleAdmin)), rbac.DefaultRegistry(nil), nil, nil)
			audits := audit.NewMemoryStore()
			service := NewService(promotingDirectory{directory, rbac.RoleAdmin}, guard, audit.NewRecorder(audits, nil, nil, nil), nil)

			assert.ErrorIs(t, tt.act(service), apperr.ErrConflict)

			user, err := directory.GetByID(context.Background(), "u-support")
			require.NoError(t, err)
			assert.Equal(t, rbac.RoleAdmin, user.Role, "an admin must not act on a peer admin")
			assert.False(t, user.Suspended())
			assert.Empty(t, audits.Entries())
		})
	}
}
