package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RunInTx runs fn inside a transaction, committing on success and
// rolling back on any error or panic (§4.1: "explicit rollback on
// error"). fn must not retain tx beyond its own return.
func RunInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// maxBusyRetries bounds how many times RunInTxRetrying will retry a
// write that fails due to transient SQLITE_BUSY contention before
// giving up and surfacing the error to the caller.
const maxBusyRetries = 5

// RunInTxRetrying behaves like RunInTx but retries the whole
// transaction with exponential backoff when SQLite reports the
// database as busy/locked — the single-writer model (§4.1, §5) means
// such contention is transient, not a real failure.
func RunInTxRetrying(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2

	var lastErr error
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		lastErr = RunInTx(ctx, db, fn)
		if lastErr == nil || !isBusyErr(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
	return lastErr
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		errors.Is(err, sql.ErrTxDone)
}
