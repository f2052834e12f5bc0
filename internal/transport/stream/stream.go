// Package stream implements the bus's streaming RPC transport: a
// WebSocket carrying JSON-framed operation requests/responses plus a
// dedicated event-push stream, adapted from the teacher's
// protobuf-over-WebSocket WatchEvents handler (ws_watch_events.go) —
// same connection lifecycle and close-code discipline, JSON frames
// instead of protobuf-marshaled binary ones (§6 "exposed over both
// HTTP/REST and a streaming RPC surface").
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/Killea/AgentChatBus/internal/buserrors"
	"github.com/Killea/AgentChatBus/internal/facade"
	"github.com/Killea/AgentChatBus/internal/id"
	"github.com/Killea/AgentChatBus/internal/metrics"
	"github.com/Killea/AgentChatBus/internal/session"
)

// WebSocket close codes, mirrored from the teacher's wsClose* constants.
const (
	closeInvalidRequest websocket.StatusCode = 4002
	closeUnknownOp      websocket.StatusCode = 4003
)

const subprotocol = "agentchatbus.rpc.v1"

// request is one JSON-framed operation call.
type request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params"`
}

// response is the matching JSON-framed reply.
type response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *errBody `json:"error,omitempty"`
}

type errBody struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Handler serves the streaming RPC surface over a single WebSocket
// connection per client: bind a session, call operations, and
// subscribe to the event feed, all as JSON-framed request/response
// pairs over one socket.
func Handler(f *facade.Facade, sessions *session.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{subprotocol},
		})
		if err != nil {
			slog.Debug("stream: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		metrics.WSConnectionsActive.Inc()
		defer metrics.WSConnectionsActive.Dec()

		connectionID := id.Short()
		ctx := r.Context()
		defer sessions.Unbind(connectionID)

		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				if !isNormalClose(err) {
					slog.Debug("stream: read failed", "error", err)
				}
				return
			}
			if typ != websocket.MessageText {
				_ = conn.Close(closeInvalidRequest, "expected text frame")
				return
			}

			var req request
			if err := json.Unmarshal(data, &req); err != nil {
				_ = conn.Close(closeInvalidRequest, "invalid request frame")
				return
			}

			resp := dispatch(ctx, f, sessions, connectionID, req)
			out, err := json.Marshal(resp)
			if err != nil {
				slog.Error("stream: marshal response failed", "error", err)
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				slog.Debug("stream: write failed", "error", err)
				return
			}
			metrics.WSEventsSentTotal.Inc()
		}
	})
}

func isNormalClose(err error) bool {
	var ce websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure
}

func dispatch(ctx context.Context, f *facade.Facade, sessions *session.Registry, connectionID string, req request) response {
	result, err := route(ctx, f, sessions, connectionID, req)
	if err != nil {
		var be *buserrors.Error
		if e, ok := err.(*buserrors.Error); ok {
			be = e
		} else {
			be = buserrors.NewStoreError(err)
		}
		return response{ID: req.ID, Error: &errBody{Code: string(be.Code), Msg: be.Error()}}
	}
	return response{ID: req.ID, Result: result}
}

func route(ctx context.Context, f *facade.Facade, sessions *session.Registry, connectionID string, req request) (any, error) {
	switch req.Op {
	case "session.bind":
		var p struct {
			AgentID string `json:"agent_id"`
			Token   string `json:"token"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		sessions.Bind(connectionID, p.AgentID, p.Token)
		return map[string]bool{"ok": true}, nil

	case "thread.create":
		var p struct {
			Topic        string  `json:"topic"`
			Metadata     *string `json:"metadata"`
			SystemPrompt *string `json:"system_prompt"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return f.ThreadCreate(ctx, p.Topic, p.Metadata, p.SystemPrompt)

	case "thread.get":
		var p struct {
			ID string `json:"id"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return f.ThreadGet(ctx, p.ID)

	case "thread.delete":
		var p struct {
			ID      string `json:"id"`
			Confirm bool   `json:"confirm"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		// confirm=true is mandatory on this surface (§6), unlike the
		// HTTP DELETE method which is itself the confirmation.
		return f.ThreadDelete(ctx, p.ID, p.Confirm)

	case "msg.post":
		var p struct {
			ThreadID string  `json:"thread_id"`
			Author   string  `json:"author"`
			Content  string  `json:"content"`
			Role     string  `json:"role"`
			Metadata *string `json:"metadata"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		m, err := f.MsgPost(ctx, p.ThreadID, p.Author, p.Content, p.Role, p.Metadata)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": m.ID, "seq": m.Seq}, nil

	case "msg.list":
		var p struct {
			ThreadID            string `json:"thread_id"`
			AfterSeq            int64  `json:"after_seq"`
			Limit               int    `json:"limit"`
			IncludeSystemPrompt bool   `json:"include_system_prompt"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return f.MsgList(ctx, p.ThreadID, p.AfterSeq, p.Limit, p.IncludeSystemPrompt)

	case "msg.wait":
		var p struct {
			ThreadID  string `json:"thread_id"`
			AfterSeq  int64  `json:"after_seq"`
			TimeoutMs *int64 `json:"timeout_ms"`
			AgentID   string `json:"agent_id"`
			Token     string `json:"token"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		msgs, timedOut, err := f.MsgWait(ctx, p.ThreadID, p.AfterSeq, p.TimeoutMs, p.AgentID, p.Token, connectionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"messages": msgs, "timed_out": timedOut}, nil

	case "events.since":
		var p struct {
			AfterID int64 `json:"after_id"`
			Limit   int   `json:"limit"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		events, err := f.Events.Since(ctx, p.AfterID, p.Limit)
		if err != nil {
			return nil, buserrors.NewStoreError(err)
		}
		return events, nil

	case "agent.register":
		var p struct {
			IDE          string  `json:"ide"`
			Model        string  `json:"model"`
			Description  *string `json:"description"`
			Capabilities *string `json:"capabilities"`
			DisplayName  *string `json:"display_name"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		ag, err := f.AgentRegister(ctx, p.IDE, p.Model, p.Description, p.Capabilities, p.DisplayName)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": ag.ID, "name": ag.Name, "display_name": ag.DisplayName, "token": ag.Token}, nil

	case "agent.heartbeat":
		var p struct {
			ID    string `json:"id"`
			Token string `json:"token"`
		}
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := f.AgentHeartbeat(ctx, p.ID, p.Token); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "agent.list":
		return f.AgentList(ctx)

	case "bus.config":
		return f.BusConfig(ctx), nil

	default:
		return nil, buserrors.NewInvalidInput("unknown op %q", req.Op)
	}
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return buserrors.NewInvalidInput("invalid params: %v", err)
	}
	return nil
}

// WatchEvents serves a pure event-push stream: after the handshake, the
// server writes every new event as a JSON text frame, resumable by
// last-seen id passed as ?after_id=. No requests flow from client to
// server once established, matching the teacher's one-way WatchEvents
// shape.
func WatchEvents(f *facade.Facade) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"agentchatbus.watch-events.v1"},
		})
		if err != nil {
			slog.Debug("stream: watch-events accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		metrics.WSConnectionsActive.Inc()
		defer metrics.WSConnectionsActive.Dec()

		ctx := r.Context()
		afterID := parseAfterID(r)

		ch, unsub := f.Events.Subscribe()
		defer unsub()

		// Drain anything already past afterID before waiting for new
		// wakeups, so a reconnect with a stale after_id catches up.
		if err := pushSince(ctx, conn, f, &afterID); err != nil {
			return
		}

		heartbeat := time.NewTicker(30 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			case <-heartbeat.C:
				if err := conn.Ping(ctx); err != nil {
					return
				}
			case <-ch:
				if err := pushSince(ctx, conn, f, &afterID); err != nil {
					return
				}
			}
		}
	})
}

func parseAfterID(r *http.Request) int64 {
	v := r.URL.Query().Get("after_id")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func pushSince(ctx context.Context, conn *websocket.Conn, f *facade.Facade, afterID *int64) error {
	events, err := f.Events.Since(ctx, *afterID, 100)
	if err != nil {
		slog.Error("stream: watch-events fetch failed", "error", err)
		return err
	}
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
		*afterID = e.ID
		metrics.WSEventsSentTotal.Inc()
	}
	return nil
}
