package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrConflict signals a unique-constraint violation, used by
// ThreadRegistry to detect the topic race and retry as a read (§4.4).
var ErrConflict = errors.New("unique constraint violation")

// ErrNotFound signals that a row-scoped operation found nothing to act on.
var ErrNotFound = errors.New("not found")

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports SQLite's "UNIQUE constraint failed" text
	// rather than a typed error; match on the message it's documented to
	// produce.
	s := err.Error()
	return strings.Contains(s, "UNIQUE constraint failed")
}

// InsertThread inserts a new thread row. Returns ErrConflict if the
// topic unique index rejects it.
func InsertThread(ctx context.Context, db *sql.DB, t Thread) error {
	err := RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO threads (id, topic, status, created_at, closed_at, summary, metadata, system_prompt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Topic, string(t.Status), formatTime(t.CreatedAt),
			nullableTime(t.ClosedAt), nullableStr(t.Summary), nullableStr(t.Metadata), nullableStr(t.SystemPrompt))
		return err
	})
	if isUniqueConstraintErr(err) {
		return ErrConflict
	}
	return err
}

// GetThreadByTopic returns the most recent thread with the given topic.
func GetThreadByTopic(ctx context.Context, db *sql.DB, topic string) (*Thread, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, topic, status, created_at, closed_at, summary, metadata, system_prompt
		FROM threads WHERE topic = ? ORDER BY created_at DESC LIMIT 1`, topic)
	return scanThread(row)
}

// GetThreadByID returns a thread by id, or ErrNotFound.
func GetThreadByID(ctx context.Context, db *sql.DB, id string) (*Thread, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, topic, status, created_at, closed_at, summary, metadata, system_prompt
		FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

// ListThreads lists threads ordered by created_at DESC, optionally
// filtered to a single status, with archived handling per §4.4.
func ListThreads(ctx context.Context, db *sql.DB, status *ThreadStatus, includeArchived bool) ([]Thread, error) {
	var (
		query string
		args  []any
	)
	switch {
	case status != nil:
		query = `SELECT id, topic, status, created_at, closed_at, summary, metadata, system_prompt
		          FROM threads WHERE status = ? ORDER BY created_at DESC`
		args = []any{string(*status)}
	case includeArchived:
		query = `SELECT id, topic, status, created_at, closed_at, summary, metadata, system_prompt
		          FROM threads ORDER BY created_at DESC`
	default:
		query = `SELECT id, topic, status, created_at, closed_at, summary, metadata, system_prompt
		          FROM threads WHERE status != 'archived' ORDER BY created_at DESC`
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := scanThreadRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetThreadState updates status (and, for closed/archived, the side
// effects spec'd in §4.4). Returns false if no row matched.
func SetThreadState(ctx context.Context, db *sql.DB, id string, status ThreadStatus) (bool, error) {
	var matched bool
	err := RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE threads SET status = ? WHERE id = ?`, string(status), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		matched = n > 0
		return nil
	})
	return matched, err
}

// CloseThread sets status=closed, closed_at=now, summary (§4.4).
// Idempotent: re-closing refreshes closed_at and summary.
func CloseThread(ctx context.Context, db *sql.DB, id string, now time.Time, summary *string) (bool, error) {
	var matched bool
	err := RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE threads SET status = 'closed', closed_at = ?, summary = COALESCE(?, summary) WHERE id = ?`,
			formatTime(now), nullableStr(summary), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		matched = n > 0
		return nil
	})
	return matched, err
}

// DeleteThreadCascade deletes a thread and its messages in one
// transaction, returning the message count deleted. Returns
// ErrNotFound if the thread does not exist.
func DeleteThreadCascade(ctx context.Context, db *sql.DB, id string) (*DeleteReceipt, error) {
	var receipt DeleteReceipt
	err := RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		var topic string
		if err := tx.QueryRowContext(ctx, `SELECT topic FROM threads WHERE id = ?`, id).Scan(&topic); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE thread_id = ?`, id).Scan(&count); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}

		receipt = DeleteReceipt{ThreadID: id, Topic: topic, MessageCount: count}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// LatestSeq returns the max seq over a thread's messages, or 0.
func LatestSeq(ctx context.Context, db *sql.DB, threadID string) (int64, error) {
	var seq sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE thread_id = ?`, threadID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// ThreadsInactiveSince returns threads in the given status whose last
// activity (latest message, or thread creation if none) is older than
// cutoff — used by PolicyEngine.thread_timeout_sweep (§4.8).
func ThreadsInactiveSince(ctx context.Context, db *sql.DB, status ThreadStatus, cutoff time.Time) ([]Thread, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT t.id, t.topic, t.status, t.created_at, t.closed_at, t.summary, t.metadata, t.system_prompt
		FROM threads t
		WHERE t.status = ?
		  AND COALESCE((SELECT MAX(m.created_at) FROM messages m WHERE m.thread_id = t.id), t.created_at) < ?
		ORDER BY t.created_at ASC`,
		string(status), formatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := scanThreadRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	t, err := scanThreadRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanThreadRows(row rowScanner) (*Thread, error) {
	var (
		t                                       Thread
		status                                  string
		createdAt                               string
		closedAt, summary, metadata, sysPrompt  sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Topic, &status, &createdAt, &closedAt, &summary, &metadata, &sysPrompt); err != nil {
		return nil, err
	}
	t.Status = ThreadStatus(status)
	ts, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	t.CreatedAt = ts
	if closedAt.Valid {
		ct, err := parseTime(closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse closed_at: %w", err)
		}
		t.ClosedAt = &ct
	}
	if summary.Valid {
		t.Summary = &summary.String
	}
	if metadata.Valid {
		t.Metadata = &metadata.String
	}
	if sysPrompt.Valid {
		t.SystemPrompt = &sysPrompt.String
	}
	return &t, nil
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
