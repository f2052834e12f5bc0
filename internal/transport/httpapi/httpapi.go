// Package httpapi exposes the Facade's operations over plain net/http,
// routed with chi — the REST half of the dual transport surface (§6).
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Killea/AgentChatBus/internal/buserrors"
	"github.com/Killea/AgentChatBus/internal/facade"
	"github.com/Killea/AgentChatBus/internal/logging"
	"github.com/Killea/AgentChatBus/internal/store"
)

// API serves every §6 operation over HTTP.
type API struct {
	f *facade.Facade
}

// New creates an API backed by f.
func New(f *facade.Facade) *API {
	return &API{f: f}
}

// Router builds the chi router for the bus's HTTP surface.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(logging.HTTPMiddleware)

	r.Route("/threads", func(r chi.Router) {
		r.Post("/", a.threadCreate)
		r.Get("/", a.threadList)
		r.Route("/{threadID}", func(r chi.Router) {
			r.Get("/", a.threadGet)
			r.Post("/state", a.threadSetState)
			r.Post("/close", a.threadClose)
			r.Post("/archive", a.threadArchive)
			r.Post("/unarchive", a.threadUnarchive)
			r.Delete("/", a.threadDelete)
			r.Post("/messages", a.msgPost)
			r.Get("/messages", a.msgList)
			r.Get("/messages/wait", a.msgWait)
		})
	})

	r.Route("/agents", func(r chi.Router) {
		r.Post("/", a.agentRegister)
		r.Get("/", a.agentList)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Post("/heartbeat", a.agentHeartbeat)
			r.Post("/resume", a.agentResume)
			r.Post("/unregister", a.agentUnregister)
		})
	})

	r.Get("/config", a.busConfig)
	r.Get("/events", a.eventsSince)

	return r
}

// --- thread handlers ---

type threadCreateRequest struct {
	Topic        string  `json:"topic"`
	Metadata     *string `json:"metadata,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
}

func (a *API) threadCreate(w http.ResponseWriter, r *http.Request) {
	var req threadCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := a.f.ThreadCreate(r.Context(), req.Topic, req.Metadata, req.SystemPrompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) threadGet(w http.ResponseWriter, r *http.Request) {
	t, err := a.f.ThreadGet(r.Context(), chi.URLParam(r, "threadID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) threadList(w http.ResponseWriter, r *http.Request) {
	var status *store.ThreadStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := store.ThreadStatus(s)
		status = &st
	}
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	threads, err := a.f.ThreadList(r.Context(), status, includeArchived)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

type threadSetStateRequest struct {
	State string `json:"state"`
}

func (a *API) threadSetState(w http.ResponseWriter, r *http.Request) {
	var req threadSetStateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.f.ThreadSetState(r.Context(), chi.URLParam(r, "threadID"), req.State); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type threadCloseRequest struct {
	Summary *string `json:"summary,omitempty"`
}

func (a *API) threadClose(w http.ResponseWriter, r *http.Request) {
	var req threadCloseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.f.ThreadClose(r.Context(), chi.URLParam(r, "threadID"), req.Summary); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) threadArchive(w http.ResponseWriter, r *http.Request) {
	if err := a.f.ThreadArchive(r.Context(), chi.URLParam(r, "threadID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) threadUnarchive(w http.ResponseWriter, r *http.Request) {
	if err := a.f.ThreadUnarchive(r.Context(), chi.URLParam(r, "threadID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) threadDelete(w http.ResponseWriter, r *http.Request) {
	// The DELETE method itself is the confirmation on the HTTP surface;
	// the streaming RPC surface requires an explicit confirm=true field
	// instead (§6).
	receipt, err := a.f.ThreadDelete(r.Context(), chi.URLParam(r, "threadID"), true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// --- message handlers ---

type msgPostRequest struct {
	Author   string  `json:"author"`
	Content  string  `json:"content"`
	Role     string  `json:"role,omitempty"`
	Metadata *string `json:"metadata,omitempty"`
}

func (a *API) msgPost(w http.ResponseWriter, r *http.Request) {
	var req msgPostRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := a.f.MsgPost(r.Context(), chi.URLParam(r, "threadID"), req.Author, req.Content, req.Role, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": m.ID, "seq": m.Seq})
}

func (a *API) msgList(w http.ResponseWriter, r *http.Request) {
	afterSeq := queryInt64(r, "after_seq", 0)
	limit := int(queryInt64(r, "limit", 100))
	includeSystemPrompt := r.URL.Query().Get("include_system_prompt") == "true"

	msgs, err := a.f.MsgList(r.Context(), chi.URLParam(r, "threadID"), afterSeq, limit, includeSystemPrompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) msgWait(w http.ResponseWriter, r *http.Request) {
	afterSeq := queryInt64(r, "after_seq", 0)
	timeoutMs := queryInt64Ptr(r, "timeout_ms")
	agentID := r.URL.Query().Get("agent_id")
	token := r.URL.Query().Get("token")

	msgs, timedOut, err := a.f.MsgWait(r.Context(), chi.URLParam(r, "threadID"), afterSeq, timeoutMs, agentID, token, "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "timed_out": timedOut})
}

// --- agent handlers ---

type agentRegisterRequest struct {
	IDE          string  `json:"ide"`
	Model        string  `json:"model"`
	Description  *string `json:"description,omitempty"`
	Capabilities *string `json:"capabilities,omitempty"`
	DisplayName  *string `json:"display_name,omitempty"`
}

func (a *API) agentRegister(w http.ResponseWriter, r *http.Request) {
	var req agentRegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ag, err := a.f.AgentRegister(r.Context(), req.IDE, req.Model, req.Description, req.Capabilities, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           ag.ID,
		"name":         ag.Name,
		"display_name": ag.DisplayName,
		"token":        ag.Token,
	})
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (a *API) agentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.f.AgentHeartbeat(r.Context(), chi.URLParam(r, "agentID"), req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) agentResume(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ag, err := a.f.AgentResume(r.Context(), chi.URLParam(r, "agentID"), req.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

func (a *API) agentUnregister(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.f.AgentUnregister(r.Context(), chi.URLParam(r, "agentID"), req.Token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) agentList(w http.ResponseWriter, r *http.Request) {
	agents, err := a.f.AgentList(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (a *API) busConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.f.BusConfig(r.Context()))
}

func (a *API) eventsSince(w http.ResponseWriter, r *http.Request) {
	afterID := queryInt64(r, "after_id", 0)
	limit := int(queryInt64(r, "limit", 100))
	events, err := a.f.Events.Since(r.Context(), afterID, limit)
	if err != nil {
		writeError(w, buserrors.NewStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, buserrors.NewInvalidInput("invalid request body: %v", err))
		return false
	}
	return true
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// queryInt64Ptr returns nil when key is absent, distinguishing "not
// supplied" from an explicit 0 (msg.wait's immediate-return case, §8).
func queryInt64Ptr(r *http.Request, key string) *int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("httpapi: encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := buserrors.Of(err)
	status := statusForCode(code)
	body := map[string]any{"error": err.Error(), "code": string(code)}

	var be *buserrors.Error
	if e, ok := err.(*buserrors.Error); ok {
		be = e
	}
	if be != nil {
		switch be.Code {
		case buserrors.RateLimited:
			body["limit"] = be.Limit
			body["window_seconds"] = be.WindowSeconds
			body["retry_after_seconds"] = be.RetryAfterSeconds
			body["scope"] = be.Scope
		case buserrors.ContentBlocked:
			body["pattern_label"] = be.PatternLabel
		}
	}
	writeJSON(w, status, body)
}

func statusForCode(code buserrors.Code) int {
	switch code {
	case buserrors.NotFound:
		return http.StatusNotFound
	case buserrors.InvalidInput:
		return http.StatusBadRequest
	case buserrors.AuthFailed:
		return http.StatusUnauthorized
	case buserrors.RateLimited:
		return http.StatusTooManyRequests
	case buserrors.ContentBlocked:
		return http.StatusUnprocessableEntity
	case buserrors.Timeout:
		return http.StatusGatewayTimeout
	case buserrors.Cancelled:
		return http.StatusRequestTimeout
	case buserrors.StoreError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
