package flags

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dangsayz/12img.com-sub003/pkg/apperr"
	"github.com/dangsayz/12img.com-sub003/pkg/observability"
)

const testFlagID = "0b6f2c7e-4a43-4c1d-9d1e-3f2a8c5b7e10"

var flagRowColumns = []string{
	"id", "key", "name", "description", "is_enabled", "flag_type", "rollout_percentage",
	"target_plans", "target_user_ids", "target_user_emails", "starts_at", "ends_at",
	"category", "is_killswitch", "created_at", "updated_at", "updated_by",
}

var historyRowColumns = []string{
	"id", "flag_id", "changed_by", "change_type", "old_value", "new_value", "reason", "changed_at",
}

func setupMockStore(t *testing.T, opts StoreOptions) (*PostgresStore, sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	metrics := observability.NewTestMetrics()
	return NewPostgresStore(db, opts, nil, metrics), mock, metrics
}

func flagRows(key string, enabled bool) *sqlmock.Rows {
	created := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(flagRowColumns).AddRow(
		testFlagID, key, "Checkout v2", nil, enabled, "plan_based", 0,
		"{pro,studio}", "{}", "{}", nil, nil,
		"billing", true, created, created, "u-1",
	)
}

func TestPostgresStore_Create(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		store, mock, _ := setupMockStore(t, StoreOptions{})

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM feature_flags WHERE key = $1)")).
			WithArgs("safe_key1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO feature_flags").
			WithArgs(
				sqlmock.AnyArg(), "safe_key1", "Safe", nil, false, "boolean", 0,
				"{}", "{}", "{}", nil, nil, "general", false,
				sqlmock.AnyArg(), sqlmock.AnyArg(), "u-1",
			).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO feature_flag_history").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "u-1", "created", nil, sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		flag, err := store.Create(context.Background(), newFlagInput("safe_key1"), "u-1")
		require.NoError(t, err)
		assert.Equal(t, "safe_key1", flag.Key)
		assert.False(t, flag.IsEnabled)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid key never reaches the database", func(t *testing.T) {
		store, mock, _ := setupMockStore(t, StoreOptions{})

		_, err := store.Create(context.Background(), newFlagInput("Bad-Key"), "u-1")
		assert.ErrorIs(t, err, apperr.ErrValidation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("existing key", func(t *testing.T) {
		store, mock, _ := setupMockStore(t, StoreOptions{})

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, err := store.Create(context.Background(), newFlagInput("taken"), "u-1")
		assert.ErrorIs(t, err, apperr.ErrValidation)
		assert.Equal(t, "key", apperr.FieldOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation from a concurrent insert", func(t *testing.T) {
		store, mock, _ := setupMockStore(t, StoreOptions{})

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO feature_flags").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		_, err := store.Create(context.Background(), newFlagInput("raced"), "u-1")
		assert.ErrorIs(t, err, apperr.ErrValidation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func newFlagInput(key string) *FeatureFlag {
	return CreateInput{Key: key, Name: "Safe", FlagType: TypeBoolean}.NewFlag()
}

func TestPostgresStore_SetEnabledWritesOnlyChangedColumns(t *testing.T) {
	store, mock, _ := setupMockStore(t, StoreOptions{})

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM feature_flags WHERE key = \$1 FOR UPDATE`).
		WithArgs("checkout_v2").
		WillReturnRows(flagRows("checkout_v2", false))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE feature_flags SET is_enabled = $1, updated_at = $2, updated_by = $3 WHERE id = $4")).
		WithArgs(true, sqlmock.AnyArg(), "u-2", testFlagID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO feature_flag_history").
		WithArgs(sqlmock.AnyArg(), testFlagID, "u-2", "enabled", sqlmock.AnyArg(), []byte(`{"is_enabled":true}`), "launch", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	flag, err := store.SetEnabled(context.Background(), "checkout_v2", true, "u-2", "launch")
	require.NoError(t, err)
	assert.True(t, flag.IsEnabled)
	assert.Equal(t, []string{"pro", "studio"}, flag.TargetPlans)
	assert.True(t, flag.IsKillswitch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateNotFound(t *testing.T) {
	store, mock, _ := setupMockStore(t, StoreOptions{})

	name := "Renamed"
	_, err := store.Update(context.Background(), "not-a-uuid", Patch{Name: &name}, "u-1", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM feature_flags WHERE id = \$1 FOR UPDATE`).
		WithArgs(testFlagID).
		WillReturnRows(sqlmock.NewRows(flagRowColumns))
	mock.ExpectRollback()

	_, err = store.Update(context.Background(), testFlagID, Patch{Name: &name}, "u-1", "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LockContentionExhaustsRetries(t *testing.T) {
	store, mock, metrics := setupMockStore(t, StoreOptions{MaxRetries: 2, RetryBackoff: time.Millisecond})

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WillReturnError(&pq.Error{Code: "55P03"})
		mock.ExpectRollback()
	}

	_, err := store.SetEnabled(context.Background(), "checkout_v2", false, "u-1", "")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.StoreConflictRetryTotal.WithLabelValues("flags.SetEnabled")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteCommitsHistoryFirst(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		store, mock, _ := setupMockStore(t, StoreOptions{})

		mock.ExpectBegin()
		mock.ExpectQuery(`FROM feature_flags WHERE id = \$1 FOR UPDATE`).
			WithArgs(testFlagID).
			WillReturnRows(flagRows("checkout_v2", true))
		expectDeletionRecorded(mock, false)
		mock.ExpectExec("INSERT INTO feature_flag_history").
			WithArgs(sqlmock.AnyArg(), testFlagID, "u-1", "deleted", sqlmock.AnyArg(), nil, "sunset", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM feature_flags WHERE id = $1")).
			WithArgs(testFlagID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		flag, err := store.Delete(context.Background(), testFlagID, "u-1", "sunset")
		require.NoError(t, err)
		assert.Equal(t, "checkout_v2", flag.Key)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("row vanished after history was written", func(t *testing.T) {
		store, mock, _ := setupMockStore(t, StoreOptions{})

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WillReturnRows(flagRows("checkout_v2", true))
		expectDeletionRecorded(mock, false)
		mock.ExpectExec("INSERT INTO feature_flag_history").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM feature_flags").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := store.Delete(context.Background(), testFlagID, "u-1", "")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("concurrent delete already recorded", func(t *testing.T) {
		store, mock, _ := setupMockStore(t, StoreOptions{})

		// No second deleted entry; the other delete removes the row first
		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WillReturnRows(flagRows("checkout_v2", true))
		expectDeletionRecorded(mock, true)
		mock.ExpectCommit()
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM feature_flags").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := store.Delete(context.Background(), testFlagID, "u-2", "")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retry after an orphaned entry", func(t *testing.T) {
		store, mock, _ := setupMockStore(t, StoreOptions{})

		mock.ExpectBegin()
		mock.ExpectQuery("FOR UPDATE").WillReturnRows(flagRows("checkout_v2", true))
		expectDeletionRecorded(mock, true)
		mock.ExpectCommit()
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM feature_flags").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		flag, err := store.Delete(context.Background(), testFlagID, "u-1", "")
		require.NoError(t, err)
		assert.Equal(t, "checkout_v2", flag.Key)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func expectDeletionRecorded(mock sqlmock.Sqlmock, recorded bool) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM feature_flag_history WHERE flag_id = $1 AND change_type = 'deleted')")).
		WithArgs(testFlagID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(recorded))
}

func TestPostgresStore_History(t *testing.T) {
	t.Run("newest first with limit", func(t *testing.T) {
		store, mock, _ := setupMockStore(t, StoreOptions{})
		at := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

		mock.ExpectQuery(`FROM feature_flag_history WHERE flag_id = \$1 ORDER BY changed_at DESC, seq DESC LIMIT \$2`).
			WithArgs(testFlagID, 10).
			WillReturnRows(sqlmock.NewRows(historyRowColumns).
				AddRow("h-2", testFlagID, "u-1", "deleted", []byte(`{"key":"checkout_v2"}`), nil, "sunset", at).
				AddRow("h-1", testFlagID, nil, "created", nil, []byte(`{"key":"checkout_v2"}`), nil, at.Add(-time.Hour)))

		entries, err := store.History(context.Background(), testFlagID, 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, ChangeDeleted, entries[0].ChangeType)
		assert.Nil(t, entries[0].NewValue)
		assert.JSONEq(t, `{"key":"checkout_v2"}`, string(entries[0].OldValue))
		assert.Nil(t, entries[1].ChangedBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("limit is clamped", func(t *testing.T) {
		store, mock, _ := setupMockStore(t, StoreOptions{})

		mock.ExpectQuery("FROM feature_flag_history").
			WithArgs(testFlagID, MaxHistoryLimit).
			WillReturnRows(sqlmock.NewRows(historyRowColumns))

		_, err := store.History(context.Background(), testFlagID, 100000)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_ListAndGet(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		store, mock, _ := setupMockStore(t, StoreOptions{})

		mock.ExpectQuery("FROM feature_flags ORDER BY category, key").
			WillReturnRows(flagRows("checkout_v2", true))

		flags, err := store.List(context.Background())
		require.NoError(t, err)
		require.Len(t, flags, 1)
		assert.Equal(t, CategoryBilling, flags[0].Category)
		assert.Equal(t, []string{}, flags[0].TargetUserIDs)
	})

	t.Run("database down", func(t *testing.T) {
		store, mock, metrics := setupMockStore(t, StoreOptions{})

		mock.ExpectQuery("FROM feature_flags").WillReturnError(errors.New("connection refused"))

		_, err := store.List(context.Background())
		assert.ErrorIs(t, err, apperr.ErrDependency)
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StoreOperationsTotal.WithLabelValues("flags.List", "error")))
	})

	t.Run("get by key missing", func(t *testing.T) {
		store, mock, _ := setupMockStore(t, StoreOptions{})

		mock.ExpectQuery(`FROM feature_flags WHERE key = \$1$`).
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows(flagRowColumns))

		_, err := store.GetByKey(context.Background(), "ghost")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("get by malformed id", func(t *testing.T) {
		store, _, _ := setupMockStore(t, StoreOptions{})
		_, err := store.GetByID(context.Background(), "42")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}

func TestDiffFlags(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	old := &FeatureFlag{
		Name: "A", FlagType: TypeBoolean, Category: CategoryGeneral,
		TargetPlans: []string{"pro"}, TargetUserIDs: []string{}, TargetUserEmails: []string{},
		StartsAt: &start,
	}

	same := old.Clone()
	sameStart := start.In(time.FixedZone("X", 3600))
	same.StartsAt = &sameStart
	assert.Empty(t, diffFlags(old, same))

	upd := old.Clone()
	upd.Name = "B"
	upd.TargetPlans = []string{"pro", "studio"}
	upd.StartsAt = nil

	var columns []string
	for _, c := range diffFlags(old, upd) {
		columns = append(columns, c.column)
	}
	assert.Equal(t, []string{"name", "target_plans", "starts_at"}, columns)
}
