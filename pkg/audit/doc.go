// Package audit provides the append-only audit trail for administrative actions.
//
// # Overview
//
// Every administrative mutation in the console (feature flag changes, operator
// role changes, suspensions) is recorded with the acting admin, a snapshot of
// that admin's email and role at the time of the action, the target, free-form
// metadata and the caller's network provenance.
//
// # Recording
//
//	recorder := audit.NewRecorder(audit.NewDBStore(db, timeout, metrics), rbacStore, logger, metrics)
//	recorder.LogPrincipalAction(ctx, principal, audit.ActionFlagToggle, audit.ActionOptions{
//		TargetType:       audit.TargetFeatureFlag,
//		TargetID:         flag.ID,
//		TargetIdentifier: flag.Key,
//		Metadata:         map[string]interface{}{"enabled": true},
//	})
//
// Recording never fails the caller. A failed write is logged at ERROR and
// counted in console_audit_write_failures_total.
//
// # Provenance
//
// Middleware stores the client IP, user agent and request ID on the request
// context; the Recorder copies them into every entry written while serving
// that request.
//
// # Querying
//
// Handlers expose paginated search (default 50, max 200 per page), single
// entry lookup and distinct values for the action, admin_id and target_type
// filters, all behind the system.audit_logs capability.
//
// # Storage
//
// The admin_audit_logs table rejects UPDATE and DELETE through a trigger.
package audit
