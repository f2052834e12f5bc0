// Package threadreg implements C4: thread creation with topic
// uniqueness and race reconciliation, listing, state transitions,
// close/archive/unarchive, and cascading delete.
package threadreg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Killea/AgentChatBus/internal/buserrors"
	"github.com/Killea/AgentChatBus/internal/eventlog"
	"github.com/Killea/AgentChatBus/internal/id"
	"github.com/Killea/AgentChatBus/internal/policy"
	"github.com/Killea/AgentChatBus/internal/store"
)

// Registry is C4.
type Registry struct {
	db     *sql.DB
	events *eventlog.Log
}

// New creates a Registry.
func New(db *sql.DB, events *eventlog.Log) *Registry {
	return &Registry{db: db, events: events}
}

// Create creates a new thread, or — if a concurrent create raced on
// the same topic — returns the winning thread unchanged (§4.4). Fails
// with InvalidInput only for an empty topic.
func (r *Registry) Create(ctx context.Context, topic string, metadata, systemPrompt *string) (*store.Thread, error) {
	if topic == "" {
		return nil, buserrors.NewInvalidInput("topic must not be empty")
	}
	topic = policy.SanitizeHTML(topic)

	now := time.Now().UTC()
	t := store.Thread{
		ID:           id.Generate(),
		Topic:        topic,
		Status:       store.StatusDiscuss,
		CreatedAt:    now,
		Metadata:     metadata,
		SystemPrompt: systemPrompt,
	}

	err := store.InsertThread(ctx, r.db, t)
	switch {
	case err == nil:
		threadID := t.ID
		_, _ = r.events.Emit(ctx, eventlog.TypeThreadNew, &threadID, map[string]any{
			"thread_id": t.ID,
			"topic":     t.Topic,
		})
		return &t, nil
	case errors.Is(err, store.ErrConflict):
		// Race reconciliation: another create won; read back the
		// existing row by topic and return it unchanged, making
		// Create idempotent by topic.
		existing, getErr := store.GetThreadByTopic(ctx, r.db, topic)
		if getErr != nil {
			return nil, buserrors.NewStoreError(getErr)
		}
		return existing, nil
	default:
		return nil, buserrors.NewStoreError(err)
	}
}

// Get returns a thread by id, or nil if not found.
func (r *Registry) Get(ctx context.Context, id string) (*store.Thread, error) {
	t, err := store.GetThreadByID(ctx, r.db, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, buserrors.NewStoreError(err)
	}
	return t, nil
}

// List lists threads ordered by created_at DESC (§4.4).
func (r *Registry) List(ctx context.Context, status *store.ThreadStatus, includeArchived bool) ([]store.Thread, error) {
	threads, err := store.ListThreads(ctx, r.db, status, includeArchived)
	if err != nil {
		return nil, buserrors.NewStoreError(err)
	}
	return threads, nil
}

// SetState validates state against the allowed set, updates, and
// emits thread.state (and thread.archived for that transition).
func (r *Registry) SetState(ctx context.Context, threadID string, state string) (bool, error) {
	status := store.ThreadStatus(state)
	if !store.ValidStatuses[status] {
		return false, buserrors.NewInvalidInput("invalid thread state: %q", state)
	}

	ok, err := store.SetThreadState(ctx, r.db, threadID, status)
	if err != nil {
		return false, buserrors.NewStoreError(err)
	}
	if !ok {
		return false, nil
	}

	_, _ = r.events.Emit(ctx, eventlog.TypeThreadState, &threadID, map[string]any{
		"thread_id": threadID,
		"status":    state,
	})
	if status == store.StatusArchived {
		_, _ = r.events.Emit(ctx, eventlog.TypeThreadArchived, &threadID, map[string]any{
			"thread_id": threadID,
		})
	}
	return true, nil
}

// Close sets status=closed, closed_at=now, summary, and emits
// thread.closed (§4.4). Idempotent: re-closing refreshes closed_at/summary.
func (r *Registry) Close(ctx context.Context, threadID string, summary *string) (bool, error) {
	if summary != nil {
		clean := policy.SanitizeHTML(*summary)
		summary = &clean
	}
	ok, err := store.CloseThread(ctx, r.db, threadID, time.Now().UTC(), summary)
	if err != nil {
		return false, buserrors.NewStoreError(err)
	}
	if !ok {
		return false, nil
	}
	payload := map[string]any{"thread_id": threadID}
	if summary != nil {
		payload["summary"] = *summary
	}
	_, _ = r.events.Emit(ctx, eventlog.TypeThreadClosed, &threadID, payload)
	return true, nil
}

// Archive moves a thread to archived status (§4.4).
func (r *Registry) Archive(ctx context.Context, threadID string) (bool, error) {
	ok, err := store.SetThreadState(ctx, r.db, threadID, store.StatusArchived)
	if err != nil {
		return false, buserrors.NewStoreError(err)
	}
	if !ok {
		return false, nil
	}
	_, _ = r.events.Emit(ctx, eventlog.TypeThreadArchived, &threadID, map[string]any{"thread_id": threadID})
	return true, nil
}

// Unarchive moves a thread back to discuss status (§4.4).
func (r *Registry) Unarchive(ctx context.Context, threadID string) (bool, error) {
	ok, err := store.SetThreadState(ctx, r.db, threadID, store.StatusDiscuss)
	if err != nil {
		return false, buserrors.NewStoreError(err)
	}
	if !ok {
		return false, nil
	}
	_, _ = r.events.Emit(ctx, eventlog.TypeThreadUnarchived, &threadID, map[string]any{"thread_id": threadID})
	return true, nil
}

// Delete cascades to the thread's messages in one transaction, then
// (per §9's emit-after-commit tightening) emits thread.deleted after
// the transaction has committed. Returns nil if the thread did not exist.
func (r *Registry) Delete(ctx context.Context, threadID string) (*store.DeleteReceipt, error) {
	receipt, err := store.DeleteThreadCascade(ctx, r.db, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, buserrors.NewStoreError(err)
	}

	_, _ = r.events.Emit(ctx, eventlog.TypeThreadDeleted, &threadID, map[string]any{
		"thread_id":     receipt.ThreadID,
		"topic":         receipt.Topic,
		"message_count": receipt.MessageCount,
	})
	return receipt, nil
}

// LatestSeq returns the max seq over a thread's messages, or 0.
func (r *Registry) LatestSeq(ctx context.Context, threadID string) (int64, error) {
	seq, err := store.LatestSeq(ctx, r.db, threadID)
	if err != nil {
		return 0, buserrors.NewStoreError(err)
	}
	return seq, nil
}
