// Package postgres provides PostgreSQL and Redis connection setup, versioned
// schema migrations, and transaction helpers shared by the console stores.
//
// Transactions that may hit serialization failures or lock timeouts run
// through RunInTx, which re-runs the whole closure:
//
//	err := postgres.RunInTx(ctx, db, postgres.TxOptions{MaxRetries: 3}, func(tx *sql.Tx) error {
//		// SELECT ... FOR UPDATE, then UPDATE
//	})
//	if errors.Is(err, postgres.ErrRetriesExhausted) {
//		// surface as a conflict
//	}
package postgres
