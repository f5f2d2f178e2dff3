package audit

import (
	"context"
	"errors"
	"time"

	"github.com/dangsayz/12img.com-sub003/pkg/observability"
	"github.com/dangsayz/12img.com-sub003/pkg/rbac"
)

var errNoPrincipal = errors.New("no principal")

// ActorDirectory resolves an operator's current email and role
type ActorDirectory interface {
	GetByID(ctx context.Context, id string) (*rbac.DirectoryUser, error)
}

// Recorder appends audit entries on behalf of administrative operations.
// Recording is best-effort: failures are logged and counted, never returned.
type Recorder struct {
	store        Store
	actors       ActorDirectory
	logger       *observability.Logger
	metrics      *observability.Metrics
	writeTimeout time.Duration
	now          func() time.Time
}

// NewRecorder creates a recorder. actors may be nil when every caller uses
// LogPrincipalAction.
func NewRecorder(store Store, actors ActorDirectory, logger *observability.Logger, metrics *observability.Metrics) *Recorder {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Recorder{
		store:        store,
		actors:       actors,
		logger:       logger,
		metrics:      metrics,
		writeTimeout: 5 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// LogAction records an action by adminID, snapshotting the admin's current
// email and role from the directory.
func (r *Recorder) LogAction(ctx context.Context, adminID, action string, opts ActionOptions) {
	entry := r.newEntry(ctx, action, opts)
	entry.AdminID = adminID

	if r.actors == nil {
		entry.Metadata["actor_snapshot"] = "unavailable"
	} else if user, err := r.actors.GetByID(ctx, adminID); err != nil {
		// Keep the entry; an unattributed snapshot beats a missing record
		r.logger.WithError(err).WithField("admin_id", adminID).Warn("audit actor lookup failed")
		entry.Metadata["actor_snapshot"] = "unavailable"
	} else {
		entry.AdminEmail = user.Email
		entry.AdminRole = user.Role
	}

	r.write(ctx, entry)
}

// LogPrincipalAction records an action using the principal that authorised
// it, so the recorded role is exactly the role that passed the guard.
func (r *Recorder) LogPrincipalAction(ctx context.Context, p *rbac.Principal, action string, opts ActionOptions) {
	if p == nil {
		r.logger.WithField("action", action).Error("audit entry without principal dropped")
		r.metrics.RecordAuditWrite(action, errNoPrincipal)
		return
	}

	entry := r.newEntry(ctx, action, opts)
	entry.AdminID = p.ID
	entry.AdminEmail = p.Email
	entry.AdminRole = p.Role

	r.write(ctx, entry)
}

func (r *Recorder) newEntry(ctx context.Context, action string, opts ActionOptions) *Entry {
	metadata := make(map[string]interface{}, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		metadata[k] = v
	}

	info := RequestInfoFromContext(ctx)
	return &Entry{
		Action:           action,
		TargetType:       opts.TargetType,
		TargetID:         opts.TargetID,
		TargetIdentifier: opts.TargetIdentifier,
		Metadata:         metadata,
		IPAddress:        info.IPAddress,
		UserAgent:        info.UserAgent,
		RequestID:        info.RequestID,
		CreatedAt:        r.now(),
	}
}

func (r *Recorder) write(ctx context.Context, entry *Entry) {
	// The primary mutation has already committed; a cancelled request must
	// not lose its audit record.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.writeTimeout)
	defer cancel()

	err := r.store.Append(ctx, entry)
	r.metrics.RecordAuditWrite(entry.Action, err)
	if err != nil {
		r.logger.WithError(err).WithFields(map[string]interface{}{
			"action":      entry.Action,
			"admin_id":    entry.AdminID,
			"target_type": entry.TargetType,
			"target_id":   entry.TargetID,
			"request_id":  entry.RequestID,
		}).Error("audit write failed")
	}
}
