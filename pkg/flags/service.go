package flags

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dangsayz/12img.com-sub003/pkg/audit"
	"github.com/dangsayz/12img.com-sub003/pkg/observability"
	"github.com/dangsayz/12img.com-sub003/pkg/rbac"
)

// Service is the only write path for flags. Every operation passes the
// system.feature_flags guard before touching the store; mutations are
// followed by cache invalidation and a best-effort audit entry.
type Service struct {
	store        Store
	guard        *rbac.Guard
	recorder     *audit.Recorder
	cache        FlagCache
	logger       *observability.Logger
	metrics      *observability.Metrics
	tracer       trace.Tracer
	historyLimit int
}

// NewService creates the administration service. recorder and cache may be nil.
func NewService(store Store, guard *rbac.Guard, recorder *audit.Recorder, cache FlagCache,
	logger *observability.Logger, metrics *observability.Metrics) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		store:        store,
		guard:        guard,
		recorder:     recorder,
		cache:        cache,
		logger:       logger,
		metrics:      metrics,
		tracer:       observability.Tracer("flags"),
		historyLimit: DefaultHistoryLimit,
	}
}

// SetDefaultHistoryLimit changes the page size GetFlagHistory uses when the
// caller passes no limit.
func (s *Service) SetDefaultHistoryLimit(limit int) {
	if limit > 0 {
		s.historyLimit = clampHistoryLimit(limit)
	}
}

func (s *Service) authorize(ctx context.Context) (*rbac.Principal, error) {
	return s.guard.RequireCapability(ctx, rbac.CapSystemFlags)
}

// ListFlags returns every flag ordered by category and key
func (s *Service) ListFlags(ctx context.Context) (flags []*FeatureFlag, err error) {
	ctx, span := s.tracer.Start(ctx, "flags.ListFlags")
	defer func() { observability.EndSpan(span, err) }()

	if _, err = s.authorize(ctx); err != nil {
		return nil, err
	}
	return s.store.List(ctx)
}

// GetFlag returns one flag by id
func (s *Service) GetFlag(ctx context.Context, id string) (flag *FeatureFlag, err error) {
	ctx, span := s.tracer.Start(ctx, "flags.GetFlag", trace.WithAttributes(attribute.String("flag.id", id)))
	defer func() { observability.EndSpan(span, err) }()

	if _, err = s.authorize(ctx); err != nil {
		return nil, err
	}
	return s.store.GetByID(ctx, id)
}

// CreateFlag creates a flag. New flags always start disabled.
func (s *Service) CreateFlag(ctx context.Context, input CreateInput) (flag *FeatureFlag, err error) {
	const op = "create"
	ctx, span := s.tracer.Start(ctx, "flags.CreateFlag", trace.WithAttributes(attribute.String("flag.key", input.Key)))
	defer func() {
		s.metrics.RecordMutation(op, err)
		observability.EndSpan(span, err)
	}()

	p, err := s.authorize(ctx)
	if err != nil {
		return nil, err
	}

	candidate := input.NewFlag()
	if err = candidate.Validate(); err != nil {
		return nil, err
	}

	flag, err = s.store.Create(ctx, candidate, p.ID)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, flag.Key)
	s.audit(ctx, p, audit.ActionFlagCreate, flag, map[string]interface{}{
		"flag_type": string(flag.FlagType),
		"category":  string(flag.Category),
	})
	return flag, nil
}

// UpdateFlag applies patch to the flag with id
func (s *Service) UpdateFlag(ctx context.Context, id string, patch Patch, reason string) (flag *FeatureFlag, err error) {
	const op = "update"
	ctx, span := s.tracer.Start(ctx, "flags.UpdateFlag", trace.WithAttributes(attribute.String("flag.id", id)))
	defer func() {
		s.metrics.RecordMutation(op, err)
		observability.EndSpan(span, err)
	}()

	p, err := s.authorize(ctx)
	if err != nil {
		return nil, err
	}
	if err = patch.Validate(); err != nil {
		return nil, err
	}

	flag, err = s.store.Update(ctx, id, patch, p.ID, reason)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, flag.Key)
	s.audit(ctx, p, audit.ActionFlagUpdate, flag, withReason(map[string]interface{}{
		"changes": patch,
	}, reason))
	return flag, nil
}

// ToggleFlag enables or disables the flag with key
func (s *Service) ToggleFlag(ctx context.Context, key string, enabled bool, reason string) (flag *FeatureFlag, err error) {
	const op = "toggle"
	ctx, span := s.tracer.Start(ctx, "flags.ToggleFlag", trace.WithAttributes(
		attribute.String("flag.key", key),
		attribute.Bool("flag.enabled", enabled),
	))
	defer func() {
		s.metrics.RecordMutation(op, err)
		observability.EndSpan(span, err)
	}()

	p, err := s.authorize(ctx)
	if err != nil {
		return nil, err
	}

	flag, err = s.store.SetEnabled(ctx, key, enabled, p.ID, reason)
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, flag.Key)
	s.audit(ctx, p, audit.ActionFlagToggle, flag, withReason(map[string]interface{}{
		"enabled":       enabled,
		"is_killswitch": flag.IsKillswitch,
	}, reason))
	return flag, nil
}

// DeleteFlag removes the flag with id. Its history is kept.
func (s *Service) DeleteFlag(ctx context.Context, id, reason string) (err error) {
	const op = "delete"
	ctx, span := s.tracer.Start(ctx, "flags.DeleteFlag", trace.WithAttributes(attribute.String("flag.id", id)))
	defer func() {
		s.metrics.RecordMutation(op, err)
		observability.EndSpan(span, err)
	}()

	p, err := s.authorize(ctx)
	if err != nil {
		return err
	}

	flag, err := s.store.Delete(ctx, id, p.ID, reason)
	if err != nil {
		return err
	}

	s.invalidate(ctx, flag.Key)
	s.audit(ctx, p, audit.ActionFlagDelete, flag, withReason(map[string]interface{}{}, reason))
	return nil
}

// GetFlagHistory returns the newest history entries for a flag, including
// a deleted one. limit <= 0 uses the default.
func (s *Service) GetFlagHistory(ctx context.Context, id string, limit int) (entries []*HistoryEntry, err error) {
	ctx, span := s.tracer.Start(ctx, "flags.GetFlagHistory", trace.WithAttributes(attribute.String("flag.id", id)))
	defer func() { observability.EndSpan(span, err) }()

	if _, err = s.authorize(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.historyLimit
	}
	return s.store.History(ctx, id, limit)
}

func (s *Service) invalidate(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, key); err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).WithField("flag_key", key).
			Warn("flag cache invalidation failed")
	}
}

func (s *Service) audit(ctx context.Context, p *rbac.Principal, action string, flag *FeatureFlag, metadata map[string]interface{}) {
	if s.recorder == nil {
		return
	}
	s.recorder.LogPrincipalAction(ctx, p, action, audit.ActionOptions{
		TargetType:       audit.TargetFeatureFlag,
		TargetID:         flag.ID,
		TargetIdentifier: flag.Key,
		Metadata:         metadata,
	})
}

func withReason(metadata map[string]interface{}, reason string) map[string]interface{} {
	if reason != "" {
		metadata["reason"] = reason
	}
	return metadata
}
