package flags

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dangsayz/12img.com-sub003/pkg/apperr"
	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

// Lookup paths
const (
	PathProcedure = "procedure"
	PathDirect    = "direct"
)

// Lookup answers evaluation requests. Datastore failures are returned as
// errors so callers can tell "off" apart from "unknown".
type Lookup interface {
	Evaluate(ctx context.Context, key string, subject Subject) (bool, error)
	EvaluateAll(ctx context.Context, subject Subject) (map[string]bool, error)
	Name() string
}

// ProcedureLookup evaluates inside PostgreSQL using the stored functions
// installed by the flags migrations.
type ProcedureLookup struct {
	db      *sql.DB
	timeout time.Duration
}

// NewProcedureLookup creates the stored-function lookup
func NewProcedureLookup(db *sql.DB, timeout time.Duration) *ProcedureLookup {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProcedureLookup{db: db, timeout: timeout}
}

// Name implements Lookup
func (l *ProcedureLookup) Name() string { return PathProcedure }

// Evaluate implements Lookup
func (l *ProcedureLookup) Evaluate(ctx context.Context, key string, subject Subject) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	var on sql.NullBool
	err := l.db.QueryRowContext(ctx,
		"SELECT evaluate_feature_flag($1, $2, $3, $4, $5)",
		key, nullable(subject.UserID), nullable(subject.UserPlan), nullable(subject.UserEmail), time.Now().UTC(),
	).Scan(&on)
	if err != nil {
		return false, apperr.Dependency("flags.ProcedureLookup.Evaluate", err)
	}
	return on.Valid && on.Bool, nil
}

// EvaluateAll implements Lookup
func (l *ProcedureLookup) EvaluateAll(ctx context.Context, subject Subject) (map[string]bool, error) {
	const op = "flags.ProcedureLookup.EvaluateAll"

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	rows, err := l.db.QueryContext(ctx,
		"SELECT flag_key, enabled FROM evaluate_feature_flags($1, $2, $3, $4)",
		nullable(subject.UserID), nullable(subject.UserPlan), nullable(subject.UserEmail), time.Now().UTC(),
	)
	if err != nil {
		return nil, apperr.Dependency(op, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var key string
		var on sql.NullBool
		if err := rows.Scan(&key, &on); err != nil {
			return nil, apperr.Dependency(op, err)
		}
		out[key] = on.Valid && on.Bool
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Dependency(op, err)
	}
	return out, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// DirectLookup loads definitions through the store and evaluates them in
// process. It produces the same results as ProcedureLookup.
type DirectLookup struct {
	store   Store
	cache   FlagCache
	fills   singleflight.Group
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewDirectLookup creates the in-process lookup. cache may be nil.
func NewDirectLookup(store Store, cache FlagCache, logger *observability.Logger, metrics *observability.Metrics) *DirectLookup {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &DirectLookup{
		store:   store,
		cache:   cache,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Name implements Lookup
func (l *DirectLookup) Name() string { return PathDirect }

// Evaluate implements Lookup. An unknown key is off.
func (l *DirectLookup) Evaluate(ctx context.Context, key string, subject Subject) (bool, error) {
	flag, err := l.load(ctx, key)
	if err != nil {
		return false, err
	}
	if flag == nil {
		return false, nil
	}
	return evaluateLogged(flag, subject, l.now(), l.logger, l.metrics), nil
}

// EvaluateAll implements Lookup
func (l *DirectLookup) EvaluateAll(ctx context.Context, subject Subject) (map[string]bool, error) {
	flags, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := l.now()
	out := make(map[string]bool, len(flags))
	for _, f := range flags {
		out[f.Key] = evaluateLogged(f, subject, now, l.logger, l.metrics)
	}
	return out, nil
}

// load returns the flag for key, nil when it does not exist. Concurrent
// misses for the same key share one store read.
func (l *DirectLookup) load(ctx context.Context, key string) (*FeatureFlag, error) {
	if l.cache != nil {
		flag, ok, err := l.cache.Get(ctx, key)
		if err != nil {
			l.logger.WithError(err).WithField("flag_key", key).Warn("flag cache read failed")
		} else if ok {
			return flag, nil
		}
	}

	v, err, _ := l.fills.Do(key, func() (interface{}, error) {
		// The fence is taken before the read so a write that commits and
		// invalidates during the read keeps its old copy out of the cache
		var fence Fence
		fenced := false
		if l.cache != nil {
			var err error
			if fence, err = l.cache.Fence(ctx, key); err != nil {
				l.logger.WithError(err).WithField("flag_key", key).Warn("flag cache fence failed")
			} else {
				fenced = true
			}
		}

		flag, err := l.store.GetByKey(ctx, key)
		if errors.Is(err, apperr.ErrNotFound) {
			flag, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
		if fenced {
			if err := l.cache.Fill(ctx, key, flag, fence); err != nil {
				l.logger.WithError(err).WithField("flag_key", key).Warn("flag cache fill failed")
			}
		}
		return flag, nil
	})
	if err != nil {
		return nil, err
	}
	flag, _ := v.(*FeatureFlag)
	return flag, nil
}

// ProcedureAvailable reports whether both evaluation functions are installed
func ProcedureAvailable(ctx context.Context, db *sql.DB) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT proname) FROM pg_proc WHERE proname IN ('evaluate_feature_flag', 'evaluate_feature_flags')",
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to probe evaluation functions: %w", err)
	}
	return n == 2, nil
}

// SelectLookup probes the database once and returns the procedure lookup
// when its functions exist, the direct lookup otherwise. forceDirect skips
// the probe.
func SelectLookup(ctx context.Context, db *sql.DB, direct *DirectLookup, forceDirect bool, timeout time.Duration,
	logger *observability.Logger, metrics *observability.Metrics) Lookup {
	if logger == nil {
		logger = observability.NopLogger()
	}

	var chosen Lookup = direct
	switch {
	case forceDirect || db == nil:
		logger.Info("flag lookup forced to direct path")
	default:
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		ok, err := ProcedureAvailable(probeCtx, db)
		cancel()
		switch {
		case err != nil:
			logger.WithError(err).Warn("flag lookup probe failed, using direct path")
		case ok:
			chosen = NewProcedureLookup(db, timeout)
		default:
			logger.Warn("flag evaluation functions not installed, using direct path")
		}
	}

	metrics.SetLookupPath(chosen.Name(), PathProcedure, PathDirect)
	logger.WithField("path", chosen.Name()).Info("flag lookup path selected")
	return chosen
}
