// Package agentregistry implements C6: agent registration with
// deterministic name disambiguation, heartbeat-derived online/offline
// derivation, activity-state tracking, and token-gated mutations.
package agentregistry

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base32"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Killea/AgentChatBus/internal/buserrors"
	"github.com/Killea/AgentChatBus/internal/eventlog"
	"github.com/Killea/AgentChatBus/internal/id"
	"github.com/Killea/AgentChatBus/internal/store"
)

// Activity kinds (§3 Agent.last_activity).
const (
	ActivityRegistered = "registered"
	ActivityHeartbeat  = "heartbeat"
	ActivityResume     = "resume"
	ActivityMsgWait    = "msg_wait"
	ActivityMsgPost    = "msg_post"
)

// Registry is C6.
type Registry struct {
	db              *sql.DB
	events          *eventlog.Log
	heartbeatTimeout atomic.Int64 // seconds
}

// New creates a Registry with the given initial heartbeat timeout (seconds).
func New(db *sql.DB, events *eventlog.Log, heartbeatTimeoutSeconds int64) *Registry {
	r := &Registry{db: db, events: events}
	r.heartbeatTimeout.Store(heartbeatTimeoutSeconds)
	return r
}

// SetHeartbeatTimeout updates the online/offline window at runtime.
func (r *Registry) SetHeartbeatTimeout(seconds int64) { r.heartbeatTimeout.Store(seconds) }

// Register computes a deterministic, disambiguated machine name,
// generates an id and capability token, and persists the new agent
// (§4.6).
func (r *Registry) Register(ctx context.Context, ide, model string, description *string, capabilities *string, displayName *string) (*store.Agent, error) {
	if ide == "" || model == "" {
		return nil, buserrors.NewInvalidInput("ide and model are required")
	}

	existingNames, err := store.ListAgentNames(ctx, r.db)
	if err != nil {
		return nil, buserrors.NewStoreError(err)
	}
	name := disambiguateName(ide, model, existingNames)

	agentID := id.Generate()
	token := generateToken()
	now := time.Now().UTC()

	dn := ""
	aliasSource := "user"
	if displayName == nil || *displayName == "" {
		dn = autoAlias(ide, model, id.Short())
		aliasSource = "auto"
	} else {
		dn = *displayName
	}

	a := store.Agent{
		ID:               agentID,
		Name:             name,
		DisplayName:      dn,
		AliasSource:      aliasSource,
		IDE:              ide,
		Model:            model,
		Description:      description,
		Capabilities:     capabilities,
		RegisteredAt:     now,
		LastHeartbeat:    now,
		LastActivity:     ActivityRegistered,
		LastActivityTime: now,
		Token:            token,
	}

	if err := store.InsertAgent(ctx, r.db, a); err != nil {
		return nil, buserrors.NewStoreError(err)
	}

	_, _ = r.events.Emit(ctx, eventlog.TypeAgentOnline, nil, map[string]any{
		"agent_id": agentID,
		"name":     name,
	})

	return &a, nil
}

// disambiguateName builds "{ide} ({model})", appending the lowest
// integer suffix n >= 2 such that "{base} n" is unique among existing
// names (§4.6).
func disambiguateName(ide, model string, existing []string) string {
	base := fmt.Sprintf("%s (%s)", ide, model)
	taken := make(map[string]bool, len(existing))
	for _, n := range existing {
		taken[n] = true
	}
	if !taken[base] {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s %d", base, n)
		if !taken[candidate] {
			return candidate
		}
	}
}

// autoAlias builds a short, human-friendly display name distinct from
// the disambiguated machine name; model is already implied by the
// machine name, so the alias favors brevity over redundancy.
func autoAlias(ide, _ string, suffix string) string {
	return fmt.Sprintf("%s (%s)", ide, suffix)
}

func generateToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("generate agent token: %v", err))
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
}

// Heartbeat validates the token and refreshes liveness (§4.6).
func (r *Registry) Heartbeat(ctx context.Context, agentID, token string) (bool, error) {
	ok, err := store.UpdateAgentHeartbeat(ctx, r.db, agentID, token, time.Now().UTC())
	if err != nil {
		return false, buserrors.NewStoreError(err)
	}
	return ok, nil
}

// Resume validates the token, refreshes heartbeat, and marks the
// activity as "resume" (§4.6). Fails with AuthFailed on id/token
// mismatch, NotFound if the id is unknown.
func (r *Registry) Resume(ctx context.Context, agentID, token string) (*store.Agent, error) {
	a, err := store.ResumeAgent(ctx, r.db, agentID, token, time.Now().UTC())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, buserrors.NewNotFound("agent %q not found", agentID)
	case errors.Is(err, store.ErrAuthMismatch):
		return nil, buserrors.NewAuthFailed()
	case err != nil:
		return nil, buserrors.NewStoreError(err)
	}

	_, _ = r.events.Emit(ctx, eventlog.TypeAgentResume, nil, map[string]any{
		"agent_id": agentID,
		"name":     a.Name,
	})
	return a, nil
}

// Unregister validates the token and records the graceful offline
// signal. Does not delete the row, so Resume remains possible (§4.6).
func (r *Registry) Unregister(ctx context.Context, agentID, token string) (bool, error) {
	ok, err := store.UnregisterAgent(ctx, r.db, agentID, token, time.Now().UTC())
	if err != nil {
		return false, buserrors.NewStoreError(err)
	}
	if ok {
		_, _ = r.events.Emit(ctx, eventlog.TypeAgentOffline, nil, map[string]any{"agent_id": agentID})
	}
	return ok, nil
}

// MarkMsgWait sets last_activity="msg_wait" without touching
// last_heartbeat (waiting is not keep-alive) (§4.6). Token-gated.
func (r *Registry) MarkMsgWait(ctx context.Context, agentID, token string) (bool, error) {
	ok, err := store.UpdateAgentActivity(ctx, r.db, agentID, token, true, ActivityMsgWait, time.Now().UTC())
	if err != nil {
		return false, buserrors.NewStoreError(err)
	}
	return ok, nil
}

// MarkMsgPost sets last_activity="msg_post" for an agent resolved by
// id during message authoring (§4.5 step 6). No token is required
// here — the caller already resolved the author to this agent id by
// identity lookup, not by credential.
func (r *Registry) MarkMsgPost(ctx context.Context, agentID string) error {
	_, err := store.UpdateAgentActivity(ctx, r.db, agentID, "", false, ActivityMsgPost, time.Now().UTC())
	if err != nil {
		return buserrors.NewStoreError(err)
	}
	return nil
}

// Get returns an agent by id, or nil if not found.
func (r *Registry) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	a, err := store.GetAgentByID(ctx, r.db, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, buserrors.NewStoreError(err)
	}
	return a, nil
}

// List returns every registered agent (§4.6).
func (r *Registry) List(ctx context.Context) ([]store.Agent, error) {
	agents, err := store.ListAgents(ctx, r.db)
	if err != nil {
		return nil, buserrors.NewStoreError(err)
	}
	return agents, nil
}

// IsOnline derives online status from the last heartbeat (§3 Derived).
func (r *Registry) IsOnline(a *store.Agent) bool {
	timeout := time.Duration(r.heartbeatTimeout.Load()) * time.Second
	return time.Since(a.LastHeartbeat) < timeout
}
