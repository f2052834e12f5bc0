// Package facade implements C11: one function per §6 operation,
// translating between the core components' Go-native signatures and
// the protocol-neutral request/result shapes that both transports
// (HTTP/REST and the streaming RPC surface) present to callers.
package facade

import (
	"context"
	"time"

	"github.com/Killea/AgentChatBus/internal/agentregistry"
	"github.com/Killea/AgentChatBus/internal/buserrors"
	"github.com/Killea/AgentChatBus/internal/config"
	"github.com/Killea/AgentChatBus/internal/eventlog"
	"github.com/Killea/AgentChatBus/internal/messagestore"
	"github.com/Killea/AgentChatBus/internal/session"
	"github.com/Killea/AgentChatBus/internal/store"
	"github.com/Killea/AgentChatBus/internal/threadreg"
	"github.com/Killea/AgentChatBus/internal/wait"
)

// Facade is C11.
type Facade struct {
	Threads  *threadreg.Registry
	Messages *messagestore.Store
	Agents   *agentregistry.Registry
	Waiter   *wait.Coordinator
	Events   *eventlog.Log
	Sessions *session.Registry
	Config   *config.Config
}

// New creates a Facade wired to every core component.
func New(threads *threadreg.Registry, messages *messagestore.Store, agents *agentregistry.Registry, waiter *wait.Coordinator, events *eventlog.Log, sessions *session.Registry, cfg *config.Config) *Facade {
	return &Facade{Threads: threads, Messages: messages, Agents: agents, Waiter: waiter, Events: events, Sessions: sessions, Config: cfg}
}

// ThreadCreate implements thread.create.
func (f *Facade) ThreadCreate(ctx context.Context, topic string, metadata, systemPrompt *string) (*store.Thread, error) {
	return f.Threads.Create(ctx, topic, metadata, systemPrompt)
}

// ThreadGet implements thread.get.
func (f *Facade) ThreadGet(ctx context.Context, id string) (*store.Thread, error) {
	t, err := f.Threads.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, buserrors.NewNotFound("thread %q not found", id)
	}
	return t, nil
}

// ThreadList implements thread.list.
func (f *Facade) ThreadList(ctx context.Context, status *store.ThreadStatus, includeArchived bool) ([]store.Thread, error) {
	return f.Threads.List(ctx, status, includeArchived)
}

// ThreadSetState implements thread.set_state.
func (f *Facade) ThreadSetState(ctx context.Context, id, state string) error {
	ok, err := f.Threads.SetState(ctx, id, state)
	if err != nil {
		return err
	}
	if !ok {
		return buserrors.NewNotFound("thread %q not found", id)
	}
	return nil
}

// ThreadClose implements thread.close.
func (f *Facade) ThreadClose(ctx context.Context, id string, summary *string) error {
	ok, err := f.Threads.Close(ctx, id, summary)
	if err != nil {
		return err
	}
	if !ok {
		return buserrors.NewNotFound("thread %q not found", id)
	}
	return nil
}

// ThreadArchive implements thread.archive.
func (f *Facade) ThreadArchive(ctx context.Context, id string) error {
	ok, err := f.Threads.Archive(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return buserrors.NewNotFound("thread %q not found", id)
	}
	return nil
}

// ThreadUnarchive implements thread.unarchive.
func (f *Facade) ThreadUnarchive(ctx context.Context, id string) error {
	ok, err := f.Threads.Unarchive(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return buserrors.NewNotFound("thread %q not found", id)
	}
	return nil
}

// ThreadDelete implements thread.delete. confirm is required true on
// the RPC surface (§6); the HTTP surface passes confirm=true for a
// body-less DELETE since the method itself is the confirmation.
func (f *Facade) ThreadDelete(ctx context.Context, id string, confirm bool) (*store.DeleteReceipt, error) {
	if !confirm {
		return nil, buserrors.NewInvalidInput("delete requires confirm=true")
	}
	receipt, err := f.Threads.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, buserrors.NewNotFound("thread %q not found", id)
	}
	return receipt, nil
}

// MsgPost implements msg.post.
func (f *Facade) MsgPost(ctx context.Context, threadID, author, content, role string, metadata *string) (*store.Message, error) {
	return f.Messages.Append(ctx, threadID, author, content, role, metadata)
}

// MsgList implements msg.list, resolving the thread's own system
// prompt override (if any) for the synthetic seq=0 row.
func (f *Facade) MsgList(ctx context.Context, threadID string, afterSeq int64, limit int, includeSystemPrompt bool) ([]store.Message, error) {
	threadPrompt := ""
	if includeSystemPrompt {
		t, err := f.Threads.Get(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, buserrors.NewNotFound("thread %q not found", threadID)
		}
		if t.SystemPrompt != nil {
			threadPrompt = *t.SystemPrompt
		}
	}
	return f.Messages.List(ctx, threadID, afterSeq, limit, includeSystemPrompt, threadPrompt)
}

// MsgWait implements msg.wait. A nil timeoutMs (argument not supplied)
// falls back to the server's configured default wait timeout; an
// explicit 0 returns immediately with whatever is already available
// (§8); any other explicit value is the wait deadline in milliseconds.
func (f *Facade) MsgWait(ctx context.Context, threadID string, afterSeq int64, timeoutMs *int64, agentID, token, connectionID string) ([]store.Message, bool, error) {
	var timeoutSeconds int64 = -1
	switch {
	case timeoutMs == nil:
		timeoutSeconds = f.Config.WaitTimeoutSeconds()
	case *timeoutMs == 0:
		timeoutSeconds = 0
	default:
		timeoutSeconds = int64(time.Duration(*timeoutMs) * time.Millisecond / time.Second)
		if timeoutSeconds <= 0 {
			timeoutSeconds = 1
		}
	}
	return f.Waiter.Wait(ctx, threadID, afterSeq, timeoutSeconds, wait.Creds{
		AgentID:      agentID,
		Token:        token,
		ConnectionID: connectionID,
	})
}

// AgentRegister implements agent.register.
func (f *Facade) AgentRegister(ctx context.Context, ide, model string, description, capabilities, displayName *string) (*store.Agent, error) {
	return f.Agents.Register(ctx, ide, model, description, capabilities, displayName)
}

// AgentHeartbeat implements agent.heartbeat.
func (f *Facade) AgentHeartbeat(ctx context.Context, id, token string) error {
	ok, err := f.Agents.Heartbeat(ctx, id, token)
	if err != nil {
		return err
	}
	if !ok {
		return buserrors.NewAuthFailed()
	}
	return nil
}

// AgentResume implements agent.resume.
func (f *Facade) AgentResume(ctx context.Context, id, token string) (*store.Agent, error) {
	return f.Agents.Resume(ctx, id, token)
}

// AgentUnregister implements agent.unregister.
func (f *Facade) AgentUnregister(ctx context.Context, id, token string) error {
	ok, err := f.Agents.Unregister(ctx, id, token)
	if err != nil {
		return err
	}
	if !ok {
		return buserrors.NewAuthFailed()
	}
	return nil
}

// AgentView is store.Agent with the capability token and internal
// alias-source bookkeeping stripped — agent.list never serializes a
// live token (§12 supplemented feature: token never serialized).
type AgentView struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	DisplayName      string     `json:"display_name"`
	IDE              string     `json:"ide"`
	Model            string     `json:"model"`
	Description      *string    `json:"description,omitempty"`
	Capabilities     *string    `json:"capabilities,omitempty"`
	RegisteredAt     time.Time  `json:"registered_at"`
	LastHeartbeat    time.Time  `json:"last_heartbeat"`
	LastActivity     string     `json:"last_activity"`
	LastActivityTime time.Time  `json:"last_activity_time"`
	IsOnline         bool       `json:"is_online"`
	UnregisteredAt   *time.Time `json:"unregistered_at,omitempty"`
}

// AgentList implements agent.list.
func (f *Facade) AgentList(ctx context.Context) ([]AgentView, error) {
	agents, err := f.Agents.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentView{
			ID:               a.ID,
			Name:             a.Name,
			DisplayName:      a.DisplayName,
			IDE:              a.IDE,
			Model:            a.Model,
			Description:      a.Description,
			Capabilities:     a.Capabilities,
			RegisteredAt:     a.RegisteredAt,
			LastHeartbeat:    a.LastHeartbeat,
			LastActivity:     a.LastActivity,
			LastActivityTime: a.LastActivityTime,
			IsOnline:         f.Agents.IsOnline(&a),
			UnregisteredAt:   a.UnregisteredAt,
		})
	}
	return out, nil
}

// BusConfig implements bus.config.
func (f *Facade) BusConfig(ctx context.Context) map[string]any {
	return f.Config.Dict()
}
