package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dangsayz/12img.com-sub003/pkg/apperr"
)

// UserDirectory looks up operator records
type UserDirectory interface {
	// LookupByExternalID finds the user bound to an identity provider subject
	LookupByExternalID(ctx context.Context, externalID string) (*DirectoryUser, error)

	// GetByID finds a user by internal ID
	GetByID(ctx context.Context, id string) (*DirectoryUser, error)
}

// Store persists operator records in the users table
type Store struct {
	db *sql.DB
}

// NewStore creates a new user store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const userColumns = `id, external_id, email, role, suspended_at, created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*DirectoryUser, error) {
	var u DirectoryUser
	var role string
	var suspendedAt sql.NullTime

	if err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &role, &suspendedAt, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Role = Role(role)
	if suspendedAt.Valid {
		t := suspendedAt.Time
		u.SuspendedAt = &t
	}
	return &u, nil
}

// LookupByExternalID returns nil, nil when no user is bound to externalID
func (s *Store) LookupByExternalID(ctx context.Context, externalID string) (*DirectoryUser, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE external_id = $1`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user by external id: %w", err)
	}
	return u, nil
}

// GetByID returns apperr.ErrNotFound when the user does not exist
func (s *Store) GetByID(ctx context.Context, id string) (*DirectoryUser, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("rbac.GetByID", "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// UpdateRole moves a user from role from to role to. The write only applies
// while the stored role is still from; otherwise it returns apperr.ErrConflict.
func (s *Store) UpdateRole(ctx context.Context, id string, from, to Role) error {
	if !to.Valid() {
		return apperr.Validation("rbac.UpdateRole", "role", fmt.Sprintf("unknown role %q", to))
	}
	query := `UPDATE users SET role = $1, updated_at = $2 WHERE id = $3 AND role = $4`
	return s.execOne(ctx, "update role", id, query, string(to), time.Now().UTC(), id, string(from))
}

// SetSuspended suspends (at != nil) or reinstates (at == nil) a user. The
// write only applies while the user still holds role and is not already in
// the requested state; otherwise it returns apperr.ErrConflict.
func (s *Store) SetSuspended(ctx context.Context, id string, role Role, at *time.Time) error {
	query := `UPDATE users SET suspended_at = $1, updated_at = $2 WHERE id = $3 AND role = $4 AND suspended_at IS NULL`
	var suspendedAt sql.NullTime
	if at != nil {
		suspendedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	} else {
		query = `UPDATE users SET suspended_at = $1, updated_at = $2 WHERE id = $3 AND role = $4 AND suspended_at IS NOT NULL`
	}
	return s.execOne(ctx, "set suspended", id, query, suspendedAt, time.Now().UTC(), id, string(role))
}

// execOne runs a guarded single-row update. No affected row means the user
// is gone or changed since it was read.
func (s *Store) execOne(ctx context.Context, what, id, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if n > 0 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = $1`, id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return apperr.NotFound("rbac."+what, "user not found")
	case err != nil:
		return fmt.Errorf("failed to %s: %w", what, err)
	default:
		return apperr.ConflictWith("rbac."+what, "user changed since it was read")
	}
}
