package rbac

import (
	"context"
	"sync"
	"time"

	"github.com/dangsayz/12img.com-sub003/pkg/apperr"
)

// StaticResolver always resolves to the same principal (nil for anonymous).
// Useful in tests and local tooling.
func StaticResolver(p *Principal) IdentityResolver {
	return ResolverFunc(func(context.Context) (*Principal, error) {
		if p == nil {
			return nil, nil
		}
		cp := *p
		return &cp, nil
	})
}

// MemoryDirectory is an in-memory UserDirectory for tests and local runs
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*DirectoryUser
}

// NewMemoryDirectory creates a directory seeded with users
func NewMemoryDirectory(users ...DirectoryUser) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]*DirectoryUser)}
	for i := range users {
		u := users[i]
		d.users[u.ID] = &u
	}
	return d
}

// LookupByExternalID implements UserDirectory
func (d *MemoryDirectory) LookupByExternalID(_ context.Context, externalID string) (*DirectoryUser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.users {
		if u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

// GetByID implements UserDirectory
func (d *MemoryDirectory) GetByID(_ context.Context, id string) (*DirectoryUser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, apperr.NotFound("rbac.GetByID", "user not found")
	}
	cp := *u
	return &cp, nil
}

// UpdateRole moves a user from role from to role to, as Store.UpdateRole
func (d *MemoryDirectory) UpdateRole(_ context.Context, id string, from, to Role) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return apperr.NotFound("rbac.UpdateRole", "user not found")
	}
	if u.Role != from {
		return apperr.ConflictWith("rbac.UpdateRole", "user changed since it was read")
	}
	u.Role = to
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// SetSuspended suspends (at != nil) or reinstates a user, as Store.SetSuspended
func (d *MemoryDirectory) SetSuspended(_ context.Context, id string, role Role, at *time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return apperr.NotFound("rbac.SetSuspended", "user not found")
	}
	if u.Role != role || u.Suspended() == (at != nil) {
		return apperr.ConflictWith("rbac.SetSuspended", "user changed since it was read")
	}
	u.SuspendedAt = at
	u.UpdatedAt = time.Now().UTC()
	return nil
}
