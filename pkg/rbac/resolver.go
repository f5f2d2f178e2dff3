package rbac

import (
	"context"

	"github.com/dangsayz/12img.com-sub003/pkg/contextkeys"
)

// DirectoryResolver resolves the external subject placed on the context by
// the identity boundary into a principal via the user directory.
// Unknown and suspended users do not resolve.
type DirectoryResolver struct {
	directory UserDirectory
}

// NewDirectoryResolver creates a resolver over directory
func NewDirectoryResolver(directory UserDirectory) *DirectoryResolver {
	return &DirectoryResolver{directory: directory}
}

// ResolveCurrentPrincipal implements IdentityResolver
func (r *DirectoryResolver) ResolveCurrentPrincipal(ctx context.Context) (*Principal, error) {
	subject := contextkeys.GetSubject(ctx)
	if subject == "" {
		return nil, nil
	}

	user, err := r.directory.LookupByExternalID(ctx, subject)
	if err != nil {
		return nil, err
	}
	if user == nil || user.Suspended() {
		return nil, nil
	}
	return user.Principal(), nil
}
