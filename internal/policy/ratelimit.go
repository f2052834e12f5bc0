// Package policy implements C7: per-author rate limiting, secret
// content filtering, and inactivity-based thread auto-close.
package policy

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/Killea/AgentChatBus/internal/buserrors"
	"github.com/Killea/AgentChatBus/internal/store"
)

// rateWindow is the fixed sliding-window width of §4.8. The source
// hard-codes this at 60 seconds; only the message-count limit is
// configurable.
const rateWindow = 60 * time.Second

// RateLimiter enforces a sliding-window cap on messages per author
// within rateWindow. A limit of 0 disables the check entirely.
type RateLimiter struct {
	db    *sql.DB
	limit atomic.Int64
}

// NewRateLimiter creates a RateLimiter with the given initial limit
// (messages per rateWindow; 0 = disabled).
func NewRateLimiter(db *sql.DB, limit int64) *RateLimiter {
	r := &RateLimiter{db: db}
	r.limit.Store(limit)
	return r
}

// SetLimit updates the limit at runtime (config reload).
func (r *RateLimiter) SetLimit(limit int64) { r.limit.Store(limit) }

// Check counts messages in the current window for the given scope
// (author_id when resolvable, else the raw author string) and fails
// with RateLimited if the count has already reached the limit — i.e.
// exactly `limit` prior posts are allowed, the (limit+1)th is rejected.
func (r *RateLimiter) Check(ctx context.Context, authorID, author string) error {
	limit := r.limit.Load()
	if limit <= 0 {
		return nil
	}

	scopeIsID := authorID != ""
	scopeValue := author
	if scopeIsID {
		scopeValue = authorID
	}

	now := time.Now().UTC()
	cutoff := now.Add(-rateWindow)
	count, err := store.CountMessagesSince(ctx, r.db, scopeIsID, scopeValue, cutoff)
	if err != nil {
		return buserrors.NewStoreError(err)
	}
	if int64(count) >= limit {
		return buserrors.NewRateLimited(int(limit), int(rateWindow.Seconds()), int(rateWindow.Seconds()), scopeValue)
	}
	return nil
}
