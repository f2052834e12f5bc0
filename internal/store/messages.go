package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertMessage inserts a message row at an already-allocated seq.
func InsertMessage(ctx context.Context, db *sql.DB, m Message) error {
	return RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, thread_id, author, author_id, author_name, role, content, seq, created_at, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ThreadID, m.Author, nullableStr(m.AuthorID), m.AuthorName, m.Role, m.Content, m.Seq,
			formatTime(m.CreatedAt), nullableStr(m.Metadata))
		return err
	})
}

// ListMessages returns stored messages for a thread with seq > afterSeq,
// ascending, bounded by limit (§4.5). limit <= 0 means "no rows".
func ListMessages(ctx context.Context, db *sql.DB, threadID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, thread_id, author, author_id, author_name, role, content, seq, created_at, metadata
		FROM messages WHERE thread_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		threadID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ListMessagesForWait polls for messages newer than afterSeq without a
// limit cap, used by WaitCoordinator (§4.9) which wants "whatever is
// new", not a page.
func ListMessagesForWait(ctx context.Context, db *sql.DB, threadID string, afterSeq int64) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, thread_id, author, author_id, author_name, role, content, seq, created_at, metadata
		FROM messages WHERE thread_id = ? AND seq > ? ORDER BY seq ASC`,
		threadID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// CountMessagesSince counts messages by scope (author_id if non-empty,
// else author) created after cutoff, for PolicyEngine's sliding-window
// rate limiter (§4.8).
func CountMessagesSince(ctx context.Context, db *sql.DB, scopeIsAuthorID bool, scopeValue string, cutoff time.Time) (int, error) {
	col := "author"
	if scopeIsAuthorID {
		col = "author_id"
	}
	var count int
	err := db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM messages WHERE %s = ? AND created_at > ?`, col),
		scopeValue, formatTime(cutoff)).Scan(&count)
	return count, err
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                          Message
		authorID, metadata         sql.NullString
		createdAt                  string
	)
	if err := row.Scan(&m.ID, &m.ThreadID, &m.Author, &authorID, &m.AuthorName, &m.Role, &m.Content, &m.Seq, &createdAt, &metadata); err != nil {
		return nil, err
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	m.CreatedAt = ts
	if authorID.Valid {
		m.AuthorID = &authorID.String
	}
	if metadata.Valid {
		m.Metadata = &metadata.String
	}
	return &m, nil
}
