package wait_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Killea/AgentChatBus/internal/agentregistry"
	"github.com/Killea/AgentChatBus/internal/buserrors"
	"github.com/Killea/AgentChatBus/internal/eventlog"
	"github.com/Killea/AgentChatBus/internal/messagestore"
	"github.com/Killea/AgentChatBus/internal/policy"
	"github.com/Killea/AgentChatBus/internal/seqalloc"
	"github.com/Killea/AgentChatBus/internal/session"
	"github.com/Killea/AgentChatBus/internal/store"
	"github.com/Killea/AgentChatBus/internal/wait"
)

func newTestCoordinator(t *testing.T) (*wait.Coordinator, *messagestore.Store, *agentregistry.Registry, string) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))

	events := eventlog.New(db)
	agents := agentregistry.New(db, events, 30)
	rate := policy.NewRateLimiter(db, 0)
	content := policy.NewContentFilter(false)
	seq := seqalloc.New(db)
	ms := messagestore.New(db, events, agents, rate, content, seq)
	sessions := session.New()

	ctx := context.Background()
	require.NoError(t, store.InsertThread(ctx, db, store.Thread{ID: "th1", Topic: "t", Status: store.StatusDiscuss}))

	return wait.New(events, ms, agents, sessions), ms, agents, "th1"
}

func TestWait_ReturnsImmediatelyWhenAlreadySatisfied(t *testing.T) {
	c, ms, _, threadID := newTestCoordinator(t)
	ctx := context.Background()

	_, err := ms.Append(ctx, threadID, "bob", "already here", "agent", nil)
	require.NoError(t, err)

	msgs, timedOut, err := c.Wait(ctx, threadID, 0, 5, wait.Creds{})
	require.NoError(t, err)
	require.False(t, timedOut)
	require.Len(t, msgs, 1)
}

func TestWait_WakesOnNewMessage(t *testing.T) {
	c, ms, _, threadID := newTestCoordinator(t)
	ctx := context.Background()

	result := make(chan []store.Message, 1)
	go func() {
		msgs, _, err := c.Wait(ctx, threadID, 0, 5, wait.Creds{})
		require.NoError(t, err)
		result <- msgs
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := ms.Append(ctx, threadID, "bob", "new message", "agent", nil)
	require.NoError(t, err)

	select {
	case msgs := <-result:
		require.Len(t, msgs, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after a new message was appended")
	}
}

func TestWait_TimesOutWithNoMessages(t *testing.T) {
	c, _, _, threadID := newTestCoordinator(t)
	msgs, timedOut, err := c.Wait(context.Background(), threadID, 0, 1, wait.Creds{})
	require.NoError(t, err)
	require.True(t, timedOut)
	require.Empty(t, msgs)
}

func TestWait_ZeroTimeoutReturnsImmediatelyWithoutBlocking(t *testing.T) {
	c, _, _, threadID := newTestCoordinator(t)
	msgs, timedOut, err := c.Wait(context.Background(), threadID, 0, 0, wait.Creds{})
	require.NoError(t, err)
	require.False(t, timedOut)
	require.Empty(t, msgs)
}

func TestWait_RequiresThreadID(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	_, _, err := c.Wait(context.Background(), "", 0, 1, wait.Creds{})
	require.Error(t, err)
}

func TestWait_CancelledContextReturnsCancelled(t *testing.T) {
	c, _, _, threadID := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)
	go func() {
		_, _, err := c.Wait(ctx, threadID, 0, 30, wait.Creds{})
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		var be *buserrors.Error
		require.ErrorAs(t, err, &be)
		require.Equal(t, buserrors.Cancelled, be.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not observe context cancellation")
	}
}

func TestWait_ExplicitCredsMarkMsgWaitActivity(t *testing.T) {
	c, _, agents, threadID := newTestCoordinator(t)
	ctx := context.Background()

	a, err := agents.Register(ctx, "ide", "model", nil, nil, nil)
	require.NoError(t, err)

	_, _, err = c.Wait(ctx, threadID, 0, 1, wait.Creds{AgentID: a.ID, Token: a.Token})
	require.NoError(t, err)

	got, err := agents.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, agentregistry.ActivityMsgWait, got.LastActivity)
}
