package threadreg_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Killea/AgentChatBus/internal/eventlog"
	"github.com/Killea/AgentChatBus/internal/store"
	"github.com/Killea/AgentChatBus/internal/threadreg"
)

func newTestRegistry(t *testing.T) (*threadreg.Registry, *sql.DB) {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	return threadreg.New(db, eventlog.New(db)), db
}

func TestCreate_SanitizesTopicAndEmitsThreadNew(t *testing.T) {
	r, db := newTestRegistry(t)
	ctx := context.Background()

	th, err := r.Create(ctx, "<b>launch</b> plan", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "launch plan", th.Topic)
	require.Equal(t, store.StatusDiscuss, th.Status)

	events, err := store.EventsSince(ctx, db, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, eventlog.TypeThreadNew, events[0].EventType)
}

func TestCreate_EmptyTopicRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Create(context.Background(), "", nil, nil)
	require.Error(t, err)
}

func TestCreate_DuplicateTopicReturnsExistingThread(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Create(ctx, "shared topic", nil, nil)
	require.NoError(t, err)

	second, err := r.Create(ctx, "shared topic", nil, nil)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestSetState_InvalidStateRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	th, err := r.Create(ctx, "t", nil, nil)
	require.NoError(t, err)

	_, err = r.SetState(ctx, th.ID, "bogus")
	require.Error(t, err)
}

func TestSetState_UnknownThreadReturnsFalse(t *testing.T) {
	r, _ := newTestRegistry(t)
	ok, err := r.SetState(context.Background(), "missing", "review")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClose_SanitizesSummary(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	th, err := r.Create(ctx, "t", nil, nil)
	require.NoError(t, err)

	summary := "<script>x</script>wrapped up"
	ok, err := r.Close(ctx, th.ID, &summary)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := r.Get(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusClosed, got.Status)
	require.NotNil(t, got.Summary)
	require.NotContains(t, *got.Summary, "<script>")
}

func TestArchiveUnarchive_RoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	th, err := r.Create(ctx, "t", nil, nil)
	require.NoError(t, err)

	ok, err := r.Archive(ctx, th.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := r.Get(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusArchived, got.Status)

	ok, err = r.Unarchive(ctx, th.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = r.Get(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusDiscuss, got.Status)
}

func TestDelete_CascadesAndReturnsNilForUnknownThread(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	th, err := r.Create(ctx, "t", nil, nil)
	require.NoError(t, err)

	receipt, err := r.Delete(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, th.ID, receipt.ThreadID)

	receipt, err = r.Delete(ctx, th.ID)
	require.NoError(t, err)
	require.Nil(t, receipt)
}

func TestGet_UnknownThreadReturnsNil(t *testing.T) {
	r, _ := newTestRegistry(t)
	got, err := r.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}
