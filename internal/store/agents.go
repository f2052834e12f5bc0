package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertAgent inserts a new agent row. Returns ErrConflict if the name
// unique index rejects it (should not happen given AgentRegistry's own
// disambiguation, but guards against a race between two concurrent
// registrations computing the same candidate name).
func InsertAgent(ctx context.Context, db *sql.DB, a Agent) error {
	err := RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agents (id, name, display_name, alias_source, ide, model, description, capabilities,
			                     registered_at, last_heartbeat, last_activity, last_activity_time, token, unregistered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Name, a.DisplayName, a.AliasSource, a.IDE, a.Model, nullableStr(a.Description), nullableStr(a.Capabilities),
			formatTime(a.RegisteredAt), formatTime(a.LastHeartbeat), a.LastActivity, formatTime(a.LastActivityTime),
			a.Token, nullableTime(a.UnregisteredAt))
		return err
	})
	if isUniqueConstraintErr(err) {
		return ErrConflict
	}
	return err
}

// ListAgentNames returns the names of every registered agent, used by
// AgentRegistry.register to compute a disambiguated machine name (§4.6).
func ListAgentNames(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetAgentByID returns an agent by id, or ErrNotFound.
func GetAgentByID(ctx context.Context, db *sql.DB, id string) (*Agent, error) {
	row := db.QueryRowContext(ctx, agentSelectCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAgents returns every registered agent.
func ListAgents(ctx context.Context, db *sql.DB) ([]Agent, error) {
	rows, err := db.QueryContext(ctx, agentSelectCols+` FROM agents ORDER BY registered_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAgentHeartbeat validates the token and refreshes heartbeat +
// activity (§4.6 heartbeat). Returns (false, nil) on unknown id or
// token mismatch (never leaking which).
func UpdateAgentHeartbeat(ctx context.Context, db *sql.DB, agentID, token string, now time.Time) (bool, error) {
	var ok bool
	err := RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET last_heartbeat = ?, last_activity = 'heartbeat', last_activity_time = ?
			WHERE id = ? AND token = ?`, formatTime(now), formatTime(now), agentID, token)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		ok = n > 0
		return nil
	})
	return ok, err
}

// UpdateAgentActivity sets last_activity/last_activity_time without
// touching last_heartbeat — used by mark_msg_wait (§4.6) and by
// MessageStore for msg_post attribution (§4.5 step 6). Token is
// checked only when requireToken is true (msg_post attributes activity
// without a token, since the author was already resolved by id).
func UpdateAgentActivity(ctx context.Context, db *sql.DB, agentID, token string, requireToken bool, activity string, now time.Time) (bool, error) {
	var ok bool
	err := RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		var res sql.Result
		var err error
		if requireToken {
			res, err = tx.ExecContext(ctx, `
				UPDATE agents SET last_activity = ?, last_activity_time = ? WHERE id = ? AND token = ?`,
				activity, formatTime(now), agentID, token)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE agents SET last_activity = ?, last_activity_time = ? WHERE id = ?`,
				activity, formatTime(now), agentID)
		}
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		ok = n > 0
		return nil
	})
	return ok, err
}

// ResumeAgent validates the token, refreshes heartbeat and sets
// last_activity="resume" (§4.6 resume). Returns ErrNotFound if the id
// is unknown, or (nil row, ErrAuthMismatch) if the token doesn't match.
var ErrAuthMismatch = errors.New("token mismatch")

func ResumeAgent(ctx context.Context, db *sql.DB, agentID, token string, now time.Time) (*Agent, error) {
	var result *Agent
	err := RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, agentSelectCols+` FROM agents WHERE id = ?`, agentID)
		a, err := scanAgent(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if a.Token != token {
			return ErrAuthMismatch
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET last_heartbeat = ?, last_activity = 'resume', last_activity_time = ?, unregistered_at = NULL
			WHERE id = ?`, formatTime(now), formatTime(now), agentID); err != nil {
			return err
		}
		a.LastHeartbeat = now
		a.LastActivity = "resume"
		a.LastActivityTime = now
		a.UnregisteredAt = nil
		result = a
		return nil
	})
	return result, err
}

// UnregisterAgent validates the token and records the unregistration
// signal. Does not delete the row (§4.6).
func UnregisterAgent(ctx context.Context, db *sql.DB, agentID, token string, now time.Time) (bool, error) {
	var ok bool
	err := RunInTxRetrying(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET unregistered_at = ? WHERE id = ? AND token = ?`, formatTime(now), agentID, token)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		ok = n > 0
		return nil
	})
	return ok, err
}

const agentSelectCols = `SELECT id, name, display_name, alias_source, ide, model, description, capabilities,
	registered_at, last_heartbeat, last_activity, last_activity_time, token, unregistered_at`

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a                                                       Agent
		description, capabilities, unregisteredAt               sql.NullString
		registeredAt, lastHeartbeat, lastActivityTime            string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.DisplayName, &a.AliasSource, &a.IDE, &a.Model, &description, &capabilities,
		&registeredAt, &lastHeartbeat, &a.LastActivity, &lastActivityTime, &a.Token, &unregisteredAt); err != nil {
		return nil, err
	}
	var err error
	if a.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, fmt.Errorf("parse registered_at: %w", err)
	}
	if a.LastHeartbeat, err = parseTime(lastHeartbeat); err != nil {
		return nil, fmt.Errorf("parse last_heartbeat: %w", err)
	}
	if a.LastActivityTime, err = parseTime(lastActivityTime); err != nil {
		return nil, fmt.Errorf("parse last_activity_time: %w", err)
	}
	if description.Valid {
		a.Description = &description.String
	}
	if capabilities.Valid {
		a.Capabilities = &capabilities.String
	}
	if unregisteredAt.Valid {
		t, err := parseTime(unregisteredAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse unregistered_at: %w", err)
		}
		a.UnregisteredAt = &t
	}
	return &a, nil
}
