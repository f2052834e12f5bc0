package store

import (
	"context"
	"database/sql"
	"fmt"
)

// NextSeq atomically increments the single-row seq_counter and returns
// the new value, in its own transaction — independent of whatever
// transaction the caller will use to insert the row that consumes the
// seq. This is what makes the "seq burned on failed insert" trade-off
// of §4.2 possible: the increment is durable before the caller even
// attempts the insert.
func NextSeq(ctx context.Context, db *sql.DB) (int64, error) {
	var next int64
	err := RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE seq_counter SET value = value + 1 WHERE id = 1`)
		if err != nil {
			return fmt.Errorf("increment seq counter: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("seq counter row missing")
		}
		return tx.QueryRowContext(ctx, `SELECT value FROM seq_counter WHERE id = 1`).Scan(&next)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}
