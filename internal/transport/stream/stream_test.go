package stream_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Killea/AgentChatBus/internal/agentregistry"
	"github.com/Killea/AgentChatBus/internal/config"
	"github.com/Killea/AgentChatBus/internal/eventlog"
	"github.com/Killea/AgentChatBus/internal/facade"
	"github.com/Killea/AgentChatBus/internal/messagestore"
	"github.com/Killea/AgentChatBus/internal/policy"
	"github.com/Killea/AgentChatBus/internal/seqalloc"
	"github.com/Killea/AgentChatBus/internal/session"
	"github.com/Killea/AgentChatBus/internal/store"
	"github.com/Killea/AgentChatBus/internal/threadreg"
	"github.com/Killea/AgentChatBus/internal/transport/stream"
	"github.com/Killea/AgentChatBus/internal/wait"
)

func newTestFacade(t *testing.T) *facade.Facade {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))

	events := eventlog.New(db)
	threads := threadreg.New(db, events)
	agents := agentregistry.New(db, events, 30)
	rate := policy.NewRateLimiter(db, 0)
	content := policy.NewContentFilter(false)
	seq := seqalloc.New(db)
	messages := messagestore.New(db, events, agents, rate, content, seq)
	sessions := session.New()
	waiter := wait.New(events, messages, agents, sessions)

	cfg, err := config.Load()
	require.NoError(t, err)

	return facade.New(threads, messages, agents, waiter, events, sessions, cfg)
}

type rpcRequest struct {
	ID     string `json:"id"`
	Op     string `json:"op"`
	Params any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error,omitempty"`
}

func call(t *testing.T, ctx context.Context, conn *websocket.Conn, op string, params any) rpcResponse {
	t.Helper()
	req := rpcRequest{ID: "1", Op: op, Params: params}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))

	_, out, err := conn.Read(ctx)
	require.NoError(t, err)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	return resp
}

func TestStream_ThreadCreateAndGet(t *testing.T) {
	f := newTestFacade(t)
	srv := httptest.NewServer(stream.Handler(f, session.New()))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	resp := call(t, ctx, conn, "thread.create", map[string]any{"topic": "launch plan"})
	require.Nil(t, resp.Error)

	var th store.Thread
	require.NoError(t, json.Unmarshal(resp.Result, &th))
	require.Equal(t, "launch plan", th.Topic)

	resp = call(t, ctx, conn, "thread.get", map[string]any{"id": th.ID})
	require.Nil(t, resp.Error)
	var got store.Thread
	require.NoError(t, json.Unmarshal(resp.Result, &got))
	require.Equal(t, th.ID, got.ID)
}

func TestStream_UnknownOpReturnsInvalidInput(t *testing.T) {
	f := newTestFacade(t)
	srv := httptest.NewServer(stream.Handler(f, session.New()))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	resp := call(t, ctx, conn, "bogus.op", nil)
	require.NotNil(t, resp.Error)
	require.Equal(t, "InvalidInput", resp.Error.Code)
}

func TestStream_MsgPostThenList(t *testing.T) {
	f := newTestFacade(t)
	srv := httptest.NewServer(stream.Handler(f, session.New()))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	resp := call(t, ctx, conn, "thread.create", map[string]any{"topic": "t"})
	var th store.Thread
	require.NoError(t, json.Unmarshal(resp.Result, &th))

	resp = call(t, ctx, conn, "msg.post", map[string]any{
		"thread_id": th.ID, "author": "bob", "content": "hello", "role": "human",
	})
	require.Nil(t, resp.Error)

	resp = call(t, ctx, conn, "msg.list", map[string]any{"thread_id": th.ID, "limit": 10})
	require.Nil(t, resp.Error)

	var list []store.Message
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.Len(t, list, 1)
	require.Equal(t, "hello", list[0].Content)
}

func TestWatchEvents_PushesNewEventsAndResumesByAfterID(t *testing.T) {
	f := newTestFacade(t)
	srv := httptest.NewServer(stream.WatchEvents(f))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.ThreadCreate(ctx, "t", nil, nil)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var ev store.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, "thread.new", ev.EventType)
}
