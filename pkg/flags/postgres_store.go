package flags

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dangsayz/12img.com-sub003/pkg/observability"
	"github.com/dangsayz/12img.com-sub003/pkg/storage/postgres"
)

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db      *sql.DB
	opts    StoreOptions
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewPostgresStore creates a PostgreSQL-backed flag store
func NewPostgresStore(db *sql.DB, opts StoreOptions, logger *observability.Logger, metrics *observability.Metrics) *PostgresStore {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &PostgresStore{
		db:      db,
		opts:    opts.withDefaults(),
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

const flagColumns = `
	id, key, name, description, is_enabled, flag_type, rollout_percentage,
	target_plans, target_user_ids, target_user_emails, starts_at, ends_at,
	category, is_killswitch, created_at, updated_at, updated_by`

const historyColumns = `id, flag_id, changed_by, change_type, old_value, new_value, reason, changed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func scanFlag(row rowScanner) (*FeatureFlag, error) {
	var f FeatureFlag
	var flagType, category string

	err := row.Scan(
		&f.ID, &f.Key, &f.Name, &f.Description, &f.IsEnabled, &flagType, &f.RolloutPercentage,
		pq.Array(&f.TargetPlans), pq.Array(&f.TargetUserIDs), pq.Array(&f.TargetUserEmails),
		&f.StartsAt, &f.EndsAt,
		&category, &f.IsKillswitch, &f.CreatedAt, &f.UpdatedAt, &f.UpdatedBy,
	)
	if err != nil {
		return nil, err
	}

	f.FlagType = FlagType(flagType)
	f.Category = Category(category)
	f.TargetPlans = normalizeSet(f.TargetPlans, false)
	f.TargetUserIDs = normalizeSet(f.TargetUserIDs, false)
	f.TargetUserEmails = normalizeSet(f.TargetUserEmails, true)
	return &f, nil
}

func (s *PostgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.QueryTimeout)
}

func (s *PostgresStore) runInTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return postgres.RunInTx(ctx, s.db, postgres.TxOptions{
		Isolation:  sql.LevelReadCommitted,
		MaxRetries: s.opts.MaxRetries,
		Backoff:    s.opts.RetryBackoff,
		OnRetry: func(attempt int, err error) {
			s.metrics.RecordConflictRetry(op)
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"op":      op,
				"attempt": attempt,
			}).Warn("retrying flag transaction")
		},
	}, fn)
}

// List returns all flags ordered by category and key
func (s *PostgresStore) List(ctx context.Context) (flags []*FeatureFlag, err error) {
	const op = "flags.List"
	defer func(start time.Time) { s.metrics.RecordStoreOperation(op, start, err) }(time.Now())

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT "+flagColumns+" FROM feature_flags ORDER BY category, key")
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	flags = []*FeatureFlag{}
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, classify(op, fmt.Errorf("failed to scan flag: %w", err))
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return flags, nil
}

// GetByID returns one flag
func (s *PostgresStore) GetByID(ctx context.Context, id string) (flag *FeatureFlag, err error) {
	const op = "flags.GetByID"
	defer func(start time.Time) { s.metrics.RecordStoreOperation(op, start, err) }(time.Now())

	if _, perr := uuid.Parse(id); perr != nil {
		return nil, notFound(op)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	flag, err = s.getOne(ctx, s.db, op, "id", id, false)
	return flag, classify(op, err)
}

// GetByKey returns one flag
func (s *PostgresStore) GetByKey(ctx context.Context, key string) (flag *FeatureFlag, err error) {
	const op = "flags.GetByKey"
	defer func(start time.Time) { s.metrics.RecordStoreOperation(op, start, err) }(time.Now())

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	flag, err = s.getOne(ctx, s.db, op, "key", key, false)
	return flag, classify(op, err)
}

// getOne loads a flag by id or key, optionally locking the row. Errors
// other than not-found are returned unclassified so retry detection sees them.
func (s *PostgresStore) getOne(ctx context.Context, q queryer, op, column, value string, forUpdate bool) (*FeatureFlag, error) {
	query := "SELECT " + flagColumns + " FROM feature_flags WHERE " + column + " = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	f, err := scanFlag(q.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(op)
	}
	return f, err
}

// Create inserts the flag and its created history entry in one transaction
func (s *PostgresStore) Create(ctx context.Context, flag *FeatureFlag, actor string) (result *FeatureFlag, err error) {
	const op = "flags.Create"
	defer func(start time.Time) { s.metrics.RecordStoreOperation(op, start, err) }(time.Now())

	created, history, err := prepareCreate(flag, actor, s.now())
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = s.runInTx(ctx, op, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM feature_flags WHERE key = $1)", created.Key).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return duplicateKey(op)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO feature_flags (`+flagColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			created.ID, created.Key, created.Name, created.Description, created.IsEnabled,
			string(created.FlagType), created.RolloutPercentage,
			pq.Array(created.TargetPlans), pq.Array(created.TargetUserIDs), pq.Array(created.TargetUserEmails),
			created.StartsAt, created.EndsAt, string(created.Category), created.IsKillswitch,
			created.CreatedAt, created.UpdatedAt, created.UpdatedBy,
		)
		if err != nil {
			return err
		}
		return insertHistory(ctx, tx, history)
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return created, nil
}

// Update applies patch to the flag with id
func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch, actor, reason string) (result *FeatureFlag, err error) {
	const op = "flags.Update"
	defer func(start time.Time) { s.metrics.RecordStoreOperation(op, start, err) }(time.Now())

	if _, perr := uuid.Parse(id); perr != nil {
		return nil, notFound(op)
	}
	return s.mutate(ctx, op, "id", id, patch, actor, reason)
}

// SetEnabled flips is_enabled on the flag with key
func (s *PostgresStore) SetEnabled(ctx context.Context, key string, enabled bool, actor, reason string) (result *FeatureFlag, err error) {
	const op = "flags.SetEnabled"
	defer func(start time.Time) { s.metrics.RecordStoreOperation(op, start, err) }(time.Now())

	return s.mutate(ctx, op, "key", key, Patch{IsEnabled: &enabled}, actor, reason)
}

// mutate is the shared read-modify-write: lock the row, compute the delta,
// write only changed columns and one history entry.
func (s *PostgresStore) mutate(ctx context.Context, op, column, value string, patch Patch, actor, reason string) (*FeatureFlag, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var result *FeatureFlag
	err := s.runInTx(ctx, op, func(tx *sql.Tx) error {
		current, err := s.getOne(ctx, tx, op, column, value, true)
		if err != nil {
			return err
		}

		m, err := planUpdate(current, patch, actor, reason, s.now())
		if err != nil {
			return err
		}

		changes := diffFlags(current, m.updated)
		changes = append(changes,
			fieldChange{"updated_at", m.updated.UpdatedAt},
			fieldChange{"updated_by", m.updated.UpdatedBy},
		)

		sets := make([]string, len(changes))
		args := make([]interface{}, 0, len(changes)+1)
		for i, c := range changes {
			sets[i] = fmt.Sprintf("%s = $%d", c.column, i+1)
			args = append(args, c.value)
		}
		args = append(args, current.ID)

		query := fmt.Sprintf("UPDATE feature_flags SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		if err := insertHistory(ctx, tx, m.history); err != nil {
			return err
		}

		result = m.updated
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return result, nil
}

// Delete commits the deleted history entry in its own transaction before
// removing the live row, so a failure in between leaves an orphaned entry
// rather than an unrecorded deletion. A flag whose deletion is already
// recorded, by a concurrent or earlier failed Delete, is not recorded again.
func (s *PostgresStore) Delete(ctx context.Context, id, actor, reason string) (result *FeatureFlag, err error) {
	const op = "flags.Delete"
	defer func(start time.Time) { s.metrics.RecordStoreOperation(op, start, err) }(time.Now())

	if _, perr := uuid.Parse(id); perr != nil {
		return nil, notFound(op)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var snapshot *FeatureFlag
	err = s.runInTx(ctx, op, func(tx *sql.Tx) error {
		current, err := s.getOne(ctx, tx, op, "id", id, true)
		if err != nil {
			return err
		}
		snapshot = current

		var recorded bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM feature_flag_history WHERE flag_id = $1 AND change_type = 'deleted')", current.ID,
		).Scan(&recorded); err != nil {
			return fmt.Errorf("failed to check flag history: %w", err)
		}
		if recorded {
			return nil
		}

		history, err := newHistoryEntry(current.ID, ChangeDeleted, current, nil, actor, reason, s.now())
		if err != nil {
			return err
		}
		return insertHistory(ctx, tx, history)
	})
	if err != nil {
		return nil, classify(op, err)
	}

	err = s.runInTx(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM feature_flags WHERE id = $1", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound(op)
		}
		return nil
	})
	if err != nil {
		s.logger.WithError(err).WithField("flag_id", id).Error("flag delete failed after history was recorded")
		return nil, classify(op, err)
	}
	return snapshot, nil
}

// History returns the newest entries for a flag
func (s *PostgresStore) History(ctx context.Context, id string, limit int) (entries []*HistoryEntry, err error) {
	const op = "flags.History"
	defer func(start time.Time) { s.metrics.RecordStoreOperation(op, start, err) }(time.Now())

	if _, perr := uuid.Parse(id); perr != nil {
		return nil, notFound(op)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+historyColumns+" FROM feature_flag_history WHERE flag_id = $1 ORDER BY changed_at DESC, seq DESC LIMIT $2",
		id, clampHistoryLimit(limit))
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	entries = []*HistoryEntry{}
	for rows.Next() {
		var h HistoryEntry
		var change string
		var oldValue, newValue []byte
		if err := rows.Scan(&h.ID, &h.FlagID, &h.ChangedBy, &change, &oldValue, &newValue, &h.Reason, &h.ChangedAt); err != nil {
			return nil, classify(op, fmt.Errorf("failed to scan history: %w", err))
		}
		h.ChangeType = ChangeType(change)
		if len(oldValue) > 0 {
			h.OldValue = oldValue
		}
		if len(newValue) > 0 {
			h.NewValue = newValue
		}
		entries = append(entries, &h)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}

	// Every flag has at least its created entry
	if len(entries) == 0 {
		return nil, notFound(op)
	}
	return entries, nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, h *HistoryEntry) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO feature_flag_history ("+historyColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		h.ID, h.FlagID, h.ChangedBy, string(h.ChangeType), nullJSON(h.OldValue), nullJSON(h.NewValue), h.Reason, h.ChangedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert flag history: %w", err)
	}
	return nil
}

func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

type fieldChange struct {
	column string
	value  interface{}
}

// diffFlags lists the columns whose values differ between old and upd
func diffFlags(old, upd *FeatureFlag) []fieldChange {
	var changes []fieldChange
	add := func(column string, value interface{}) {
		changes = append(changes, fieldChange{column, value})
	}

	if old.Name != upd.Name {
		add("name", upd.Name)
	}
	if !equalPtr(old.Description, upd.Description) {
		add("description", upd.Description)
	}
	if old.IsEnabled != upd.IsEnabled {
		add("is_enabled", upd.IsEnabled)
	}
	if old.FlagType != upd.FlagType {
		add("flag_type", string(upd.FlagType))
	}
	if old.RolloutPercentage != upd.RolloutPercentage {
		add("rollout_percentage", upd.RolloutPercentage)
	}
	if !equalSet(old.TargetPlans, upd.TargetPlans) {
		add("target_plans", pq.Array(upd.TargetPlans))
	}
	if !equalSet(old.TargetUserIDs, upd.TargetUserIDs) {
		add("target_user_ids", pq.Array(upd.TargetUserIDs))
	}
	if !equalSet(old.TargetUserEmails, upd.TargetUserEmails) {
		add("target_user_emails", pq.Array(upd.TargetUserEmails))
	}
	if !equalTime(old.StartsAt, upd.StartsAt) {
		add("starts_at", upd.StartsAt)
	}
	if !equalTime(old.EndsAt, upd.EndsAt) {
		add("ends_at", upd.EndsAt)
	}
	if old.Category != upd.Category {
		add("category", string(upd.Category))
	}
	if old.IsKillswitch != upd.IsKillswitch {
		add("is_killswitch", upd.IsKillswitch)
	}
	return changes
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func equalSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
