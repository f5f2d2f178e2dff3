// Package rbac implements capability-based authorization for the admin console.
//
// # Overview
//
// Operators hold exactly one role from a fixed hierarchy:
//
//	user < support < admin < super_admin
//
// A Registry maps each named capability (for example system.feature_flags)
// to the roles allowed to exercise it. The registry is built once at process
// start, optionally from a YAML overlay, and is never mutated afterwards:
//
//	registry, err := rbac.LoadRegistryFile("/etc/console/capabilities.yaml", logger)
//
// Overlay format:
//
//	capabilities:
//	  billing.refund: [super_admin]
//
// Unregistered capabilities are denied and logged rather than allowed.
//
// # Guard
//
// The Guard resolves the current principal through an IdentityResolver and
// checks it:
//
//	guard := rbac.NewGuard(rbac.NewDirectoryResolver(rbac.NewStore(db)), registry, logger, metrics)
//	principal, err := guard.RequireCapability(ctx, rbac.CapSystemFlags)
//	switch {
//	case errors.Is(err, apperr.ErrUnauthorized): // nobody signed in
//	case errors.Is(err, apperr.ErrForbidden):    // signed in, not allowed
//	}
//
// Acting on another operator additionally requires strict rank dominance:
//
//	rbac.CanActOnUser(rbac.RoleAdmin, rbac.RoleAdmin)      // false
//	rbac.CanActOnUser(rbac.RoleSuperAdmin, rbac.RoleAdmin) // true
//
// # HTTP
//
//	router.Handle("/admin/audit-logs",
//		guard.RequireCapabilityMiddleware(rbac.CapSystemAuditLogs)(handler))
//
// Failures are written as 401 or 403 JSON bodies via httputil.WriteAppError.
package rbac
