package policy

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Killea/AgentChatBus/internal/buserrors"
	"github.com/Killea/AgentChatBus/internal/store"
)

func newPolicyTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	return db
}

func TestRateLimiter_AllowsUpToLimitThenBlocks(t *testing.T) {
	db := newPolicyTestDB(t)
	ctx := context.Background()

	r := NewRateLimiter(db, 2)
	require.NoError(t, store.InsertThread(ctx, db, store.Thread{ID: "t1", Topic: "x", Status: store.StatusDiscuss, CreatedAt: time.Now().UTC()}))

	for i := int64(1); i <= 2; i++ {
		require.NoError(t, r.Check(ctx, "", "alice"))
		require.NoError(t, store.InsertMessage(ctx, db, store.Message{
			ID: "m" + string(rune('0'+i)), ThreadID: "t1", Author: "alice", AuthorName: "alice",
			Role: "agent", Content: "hi", Seq: i, CreatedAt: time.Now().UTC(),
		}))
	}

	err := r.Check(ctx, "", "alice")
	var be *buserrors.Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, buserrors.RateLimited, be.Code)
	require.Equal(t, 2, be.Limit)
}

func TestRateLimiter_ZeroLimitDisables(t *testing.T) {
	db := newPolicyTestDB(t)
	r := NewRateLimiter(db, 0)
	require.NoError(t, r.Check(context.Background(), "", "anyone"))
}

func TestRateLimiter_ScopesByAuthorIDWhenPresent(t *testing.T) {
	db := newPolicyTestDB(t)
	ctx := context.Background()
	r := NewRateLimiter(db, 1)

	require.NoError(t, store.InsertThread(ctx, db, store.Thread{ID: "t1", Topic: "x", Status: store.StatusDiscuss, CreatedAt: time.Now().UTC()}))
	authorID := "agent-1"
	require.NoError(t, store.InsertMessage(ctx, db, store.Message{
		ID: "m1", ThreadID: "t1", Author: "bot", AuthorID: &authorID, AuthorName: "bot",
		Role: "agent", Content: "hi", Seq: 1, CreatedAt: time.Now().UTC(),
	}))

	err := r.Check(ctx, "agent-1", "bot")
	require.Error(t, err)
}
