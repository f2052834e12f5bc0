// Package seqalloc issues the bus-wide monotonic message sequence
// number (C2). It is a thin, independently-committing wrapper around
// the seq_counter row so that SeqAllocator.next()'s contract — unique,
// strictly increasing, durable before return — holds even if the
// caller's own transaction subsequently fails.
package seqalloc

import (
	"context"
	"database/sql"

	"github.com/Killea/AgentChatBus/internal/store"
)

// Allocator issues sequence numbers.
type Allocator struct {
	db *sql.DB
}

// New creates an Allocator backed by db.
func New(db *sql.DB) *Allocator {
	return &Allocator{db: db}
}

// Next atomically increments the counter and returns the new value.
// The increment is committed before Next returns. If the caller fails
// to use the returned seq (e.g. the subsequent message insert fails),
// that seq is burned — never reused, never duplicated.
func (a *Allocator) Next(ctx context.Context) (int64, error) {
	return store.NextSeq(ctx, a.db)
}
