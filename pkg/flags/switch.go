package flags

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

// SwitchingLookup delegates to whichever lookup was selected last. The
// console re-runs selection on a schedule so instances pick up the stored
// functions once a migration installs them, or fall back if they vanish.
type SwitchingLookup struct {
	current atomic.Pointer[lookupHolder]

	db          *sql.DB
	direct      *DirectLookup
	forceDirect bool
	timeout     time.Duration
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// lookupHolder gives atomic.Pointer a concrete type to point at
type lookupHolder struct {
	Lookup
}

// NewSwitchingLookup runs the initial selection
func NewSwitchingLookup(ctx context.Context, db *sql.DB, direct *DirectLookup, forceDirect bool, timeout time.Duration,
	logger *observability.Logger, metrics *observability.Metrics) *SwitchingLookup {
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &SwitchingLookup{
		db:          db,
		direct:      direct,
		forceDirect: forceDirect,
		timeout:     timeout,
		logger:      logger,
		metrics:     metrics,
	}
	s.current.Store(&lookupHolder{SelectLookup(ctx, db, direct, forceDirect, timeout, logger, metrics)})
	return s
}

// Reselect probes again and swaps the active lookup when the path changed.
// It reports the active path name.
func (s *SwitchingLookup) Reselect(ctx context.Context) string {
	next := SelectLookup(ctx, s.db, s.direct, s.forceDirect, s.timeout, s.logger, s.metrics)
	prev := s.current.Swap(&lookupHolder{next})
	if prev.Name() != next.Name() {
		s.logger.WithFields(map[string]interface{}{
			"from": prev.Name(),
			"to":   next.Name(),
		}).Warn("flag lookup path changed")
	}
	return next.Name()
}

// Evaluate implements Lookup
func (s *SwitchingLookup) Evaluate(ctx context.Context, key string, subject Subject) (bool, error) {
	return s.current.Load().Evaluate(ctx, key, subject)
}

// EvaluateAll implements Lookup
func (s *SwitchingLookup) EvaluateAll(ctx context.Context, subject Subject) (map[string]bool, error) {
	return s.current.Load().EvaluateAll(ctx, subject)
}

// Name implements Lookup
func (s *SwitchingLookup) Name() string {
	return s.current.Load().Name()
}
