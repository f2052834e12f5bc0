// Package eventlog implements C3: an append-only, prunable log of
// change notifications with a monotonic event id, plus an in-process
// fan-out so that WaitCoordinator and streaming subscribers are woken
// immediately on new events instead of polling the database (§9
// "Cooperative wait vs event-driven wait").
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/Killea/AgentChatBus/internal/store"
)

// Event types emitted across the bus (§6).
const (
	TypeThreadNew        = "thread.new"
	TypeThreadState      = "thread.state"
	TypeThreadArchived   = "thread.archived"
	TypeThreadUnarchived = "thread.unarchived"
	TypeThreadClosed     = "thread.closed"
	TypeThreadDeleted    = "thread.deleted"
	TypeThreadTimeout    = "thread.timeout"
	TypeMsgNew           = "msg.new"
	TypeAgentOnline      = "agent.online"
	TypeAgentOffline     = "agent.offline"
	TypeAgentResume      = "agent.resume"
	TypeAgentTyping      = "agent.typing"
)

// Event is the transport-facing shape of a store.Event with its
// payload already decoded.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// Log is the append-only, prunable event store with in-process
// fan-out for waiters.
type Log struct {
	db *sql.DB

	mu       sync.Mutex
	subs     map[int]chan struct{}
	nextSubID int
}

// New creates a Log backed by db.
func New(db *sql.DB) *Log {
	return &Log{db: db, subs: make(map[int]chan struct{})}
}

// Emit inserts one row and wakes every current subscriber. Commits
// before waking subscribers, so a subscriber that reacts by calling
// Since is guaranteed to see the row it was just woken for.
func (l *Log) Emit(ctx context.Context, eventType string, threadID *string, payload map[string]any) (int64, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	id, err := store.InsertEvent(ctx, l.db, eventType, threadID, string(data), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	l.wake()
	return id, nil
}

// Since returns events with id > afterID, ascending, bounded by limit.
func (l *Log) Since(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	rows, err := store.EventsSince(ctx, l.db, afterID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, toEvent(r))
	}
	return out, nil
}

// Prune deletes events older than maxAge. Safe to run periodically and
// concurrently with Since readers — it only removes rows whose id a
// caller polling with a stale afterID may have already missed; callers
// must tolerate gaps by resynchronizing via list calls (§5 backpressure).
func (l *Log) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	return store.PruneEventsOlderThan(ctx, l.db, time.Now().UTC(), maxAge)
}

// Subscribe registers a waiter and returns a channel that receives a
// signal (and an unsubscribe func) each time Emit is called. The
// channel is buffered with capacity 1 so a burst of Emits coalesces
// into a single wakeup, matching the "wake up and re-check" contract
// WaitCoordinator needs rather than a lossless event queue.
func (l *Log) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subs[id] = ch
	l.mu.Unlock()

	unsub := func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
	return ch, unsub
}

func (l *Log) wake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func toEvent(r store.Event) Event {
	e := Event{
		ID:        r.ID,
		Type:      r.EventType,
		CreatedAt: r.CreatedAt,
	}
	if r.ThreadID != nil {
		e.ThreadID = *r.ThreadID
	}
	var payload map[string]any
	_ = json.Unmarshal([]byte(r.Payload), &payload)
	e.Payload = payload
	return e
}
