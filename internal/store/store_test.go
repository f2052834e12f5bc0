package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Killea/AgentChatBus/internal/store"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	return db
}

func TestThreads_CreateGetList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	th := store.Thread{
		ID:        "th1",
		Topic:     "build the bus",
		Status:    store.StatusDiscuss,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.InsertThread(ctx, db, th))

	got, err := store.GetThreadByID(ctx, db, "th1")
	require.NoError(t, err)
	require.Equal(t, "build the bus", got.Topic)
	require.Equal(t, store.StatusDiscuss, got.Status)

	_, err = store.GetThreadByID(ctx, db, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)

	byTopic, err := store.GetThreadByTopic(ctx, db, "build the bus")
	require.NoError(t, err)
	require.Equal(t, "th1", byTopic.ID)

	list, err := store.ListThreads(ctx, db, nil, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestThreads_InsertConflictOnDuplicateTopic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := store.Thread{ID: "th1", Topic: "dup", Status: store.StatusDiscuss, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.InsertThread(ctx, db, base))

	dup := base
	dup.ID = "th2"
	err := store.InsertThread(ctx, db, dup)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestThreads_ListExcludesArchivedByDefault(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.InsertThread(ctx, db, store.Thread{ID: "th1", Topic: "a", Status: store.StatusDiscuss, CreatedAt: time.Now().UTC()}))
	require.NoError(t, store.InsertThread(ctx, db, store.Thread{ID: "th2", Topic: "b", Status: store.StatusArchived, CreatedAt: time.Now().UTC()}))

	list, err := store.ListThreads(ctx, db, nil, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "th1", list[0].ID)

	all, err := store.ListThreads(ctx, db, nil, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestThreads_SetStateAndClose(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.InsertThread(ctx, db, store.Thread{ID: "th1", Topic: "a", Status: store.StatusDiscuss, CreatedAt: time.Now().UTC()}))

	ok, err := store.SetThreadState(ctx, db, "th1", store.StatusReview)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.SetThreadState(ctx, db, "missing", store.StatusReview)
	require.NoError(t, err)
	require.False(t, ok)

	summary := "done discussing"
	ok, err = store.CloseThread(ctx, db, "th1", time.Now().UTC(), &summary)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.GetThreadByID(ctx, db, "th1")
	require.NoError(t, err)
	require.Equal(t, store.StatusClosed, got.Status)
	require.NotNil(t, got.Summary)
	require.Equal(t, summary, *got.Summary)
}

func TestThreads_DeleteCascade(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.InsertThread(ctx, db, store.Thread{ID: "th1", Topic: "a", Status: store.StatusDiscuss, CreatedAt: time.Now().UTC()}))
	require.NoError(t, store.InsertMessage(ctx, db, store.Message{
		ID: "m1", ThreadID: "th1", Author: "alice", AuthorName: "alice", Role: "agent", Content: "hi", Seq: 1, CreatedAt: time.Now().UTC(),
	}))

	receipt, err := store.DeleteThreadCascade(ctx, db, "th1")
	require.NoError(t, err)
	require.Equal(t, 1, receipt.MessageCount)
	require.Equal(t, "a", receipt.Topic)

	_, err = store.GetThreadByID(ctx, db, "th1")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = store.DeleteThreadCascade(ctx, db, "th1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMessages_InsertAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.InsertThread(ctx, db, store.Thread{ID: "th1", Topic: "a", Status: store.StatusDiscuss, CreatedAt: time.Now().UTC()}))

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, store.InsertMessage(ctx, db, store.Message{
			ID: "m" + string(rune('0'+i)), ThreadID: "th1", Author: "alice", AuthorName: "alice",
			Role: "agent", Content: "msg", Seq: i, CreatedAt: time.Now().UTC(),
		}))
	}

	msgs, err := store.ListMessages(ctx, db, "th1", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, int64(1), msgs[0].Seq)

	msgs, err = store.ListMessages(ctx, db, "th1", 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	seq, err := store.LatestSeq(ctx, db, "th1")
	require.NoError(t, err)
	require.Equal(t, int64(3), seq)
}

func TestMessages_CountSince(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.InsertThread(ctx, db, store.Thread{ID: "th1", Topic: "a", Status: store.StatusDiscuss, CreatedAt: time.Now().UTC()}))
	require.NoError(t, store.InsertMessage(ctx, db, store.Message{
		ID: "m1", ThreadID: "th1", Author: "alice", AuthorName: "alice", Role: "agent", Content: "hi", Seq: 1, CreatedAt: time.Now().UTC(),
	}))

	cutoff := time.Now().UTC().Add(-time.Hour)
	count, err := store.CountMessagesSince(ctx, db, false, "alice", cutoff)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSeq_Next(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, err := store.NextSeq(ctx, db)
	require.NoError(t, err)
	second, err := store.NextSeq(ctx, db)
	require.NoError(t, err)
	require.Equal(t, first+1, second)
}

func TestAgents_InsertAndLookup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	a := store.Agent{
		ID: "a1", Name: "claude-code (sonnet)", DisplayName: "claude-code (sonnet)", AliasSource: "auto",
		IDE: "claude-code", Model: "sonnet", RegisteredAt: now, LastHeartbeat: now,
		LastActivity: "registered", LastActivityTime: now, Token: "tok1",
	}
	require.NoError(t, store.InsertAgent(ctx, db, a))

	dup := a
	dup.ID = "a2"
	err := store.InsertAgent(ctx, db, dup)
	require.ErrorIs(t, err, store.ErrConflict)

	got, err := store.GetAgentByID(ctx, db, "a1")
	require.NoError(t, err)
	require.Equal(t, "claude-code (sonnet)", got.Name)

	names, err := store.ListAgentNames(ctx, db)
	require.NoError(t, err)
	require.Equal(t, []string{"claude-code (sonnet)"}, names)

	ok, err := store.UpdateAgentHeartbeat(ctx, db, "a1", "tok1", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.UpdateAgentHeartbeat(ctx, db, "a1", "wrong-token", time.Now().UTC())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAgents_ResumeAndUnregister(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.InsertAgent(ctx, db, store.Agent{
		ID: "a1", Name: "n", DisplayName: "n", AliasSource: "auto", IDE: "ide", Model: "m",
		RegisteredAt: now, LastHeartbeat: now, LastActivity: "registered", LastActivityTime: now, Token: "tok",
	}))

	ok, err := store.UnregisterAgent(ctx, db, "a1", "tok", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	resumed, err := store.ResumeAgent(ctx, db, "a1", "tok", time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, "resume", resumed.LastActivity)
	require.Nil(t, resumed.UnregisteredAt)

	_, err = store.ResumeAgent(ctx, db, "a1", "wrong", time.Now().UTC())
	require.ErrorIs(t, err, store.ErrAuthMismatch)

	_, err = store.ResumeAgent(ctx, db, "missing", "tok", time.Now().UTC())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvents_InsertSincePrune(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id1, err := store.InsertEvent(ctx, db, "thread.new", nil, `{"a":1}`, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	id2, err := store.InsertEvent(ctx, db, "msg.new", nil, `{"b":2}`, time.Now().UTC())
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	events, err := store.EventsSince(ctx, db, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	n, err := store.PruneEventsOlderThan(ctx, db, time.Now().UTC(), 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	remaining, err := store.EventsSince(ctx, db, 0, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}
