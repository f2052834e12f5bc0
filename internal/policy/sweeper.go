package policy

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/Killea/AgentChatBus/internal/eventlog"
	"github.com/Killea/AgentChatBus/internal/metrics"
	"github.com/Killea/AgentChatBus/internal/store"
)

// Sweeper periodically auto-closes threads that have gone quiet.
// Preserves the source's asymmetry deliberately (§9 Open Question):
// only `discuss` threads are considered, never `done` — generalizing
// to other statuses is left to product intent, not assumed here.
type Sweeper struct {
	db     *sql.DB
	events *eventlog.Log
}

// NewSweeper creates a Sweeper.
func NewSweeper(db *sql.DB, events *eventlog.Log) *Sweeper {
	return &Sweeper{db: db, events: events}
}

// Sweep runs thread_timeout_sweep(timeoutMinutes) once (§4.8).
// Returns the ids of threads it closed. timeoutMinutes <= 0 means
// "disabled" and returns immediately without touching the store.
func (s *Sweeper) Sweep(ctx context.Context, timeoutMinutes int64) ([]string, error) {
	if timeoutMinutes <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	cutoff := now.Add(-time.Duration(timeoutMinutes) * time.Minute)

	threads, err := store.ThreadsInactiveSince(ctx, s.db, store.StatusDiscuss, cutoff)
	if err != nil {
		return nil, err
	}

	var closed []string
	for _, t := range threads {
		ok, err := store.CloseThread(ctx, s.db, t.ID, now, nil)
		if err != nil {
			slog.Error("sweeper: close thread failed", "thread_id", t.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		closed = append(closed, t.ID)
		metrics.ThreadsSweptTotal.Inc()

		threadID := t.ID
		if _, err := s.events.Emit(ctx, eventlog.TypeThreadTimeout, &threadID, map[string]any{
			"thread_id":        t.ID,
			"topic":            t.Topic,
			"last_activity":    cutoff.Format(time.RFC3339),
			"timeout_minutes":  timeoutMinutes,
			"closed_at":        now.Format(time.RFC3339),
		}); err != nil {
			slog.Error("sweeper: emit thread.timeout failed", "thread_id", t.ID, "error", err)
		}
	}
	return closed, nil
}

// Run runs Sweep on the given period until ctx is cancelled. Intended
// to be launched as a background goroutine from main.
func (s *Sweeper) Run(ctx context.Context, period time.Duration, timeoutMinutes func() int64) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, timeoutMinutes()); err != nil {
				slog.Error("sweeper: sweep failed", "error", err)
			}
		}
	}
}
