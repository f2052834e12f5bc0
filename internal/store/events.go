package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertEvent appends one row to the events table and returns its id
// (§4.3 emit).
func InsertEvent(ctx context.Context, db *sql.DB, eventType string, threadID *string, payload string, now time.Time) (int64, error) {
	var newID int64
	err := RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_type, thread_id, payload, created_at) VALUES (?, ?, ?, ?)`,
			eventType, nullableStr(threadID), payload, formatTime(now))
		if err != nil {
			return err
		}
		newID, err = res.LastInsertId()
		return err
	})
	return newID, err
}

// EventsSince returns events with id > afterID, ascending, bounded by
// limit (§4.3 since).
func EventsSince(ctx context.Context, db *sql.DB, afterID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, event_type, thread_id, payload, created_at FROM events
		WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// PruneEventsOlderThan deletes events older than maxAge (§4.3 prune).
func PruneEventsOlderThan(ctx context.Context, db *sql.DB, now time.Time, maxAge time.Duration) (int64, error) {
	cutoff := now.Add(-maxAge)
	var affected int64
	err := RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, formatTime(cutoff))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		e         Event
		threadID  sql.NullString
		createdAt string
	)
	if err := row.Scan(&e.ID, &e.EventType, &threadID, &e.Payload, &createdAt); err != nil {
		return nil, err
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	e.CreatedAt = ts
	if threadID.Valid {
		e.ThreadID = &threadID.String
	}
	return &e, nil
}
