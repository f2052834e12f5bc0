// Package wait implements C9: msg.wait's long-poll semantics, woken by
// EventLog's in-process fan-out rather than busy-polling the database
// (§9 "Cooperative wait vs event-driven wait").
package wait

import (
	"context"
	"log/slog"
	"time"

	"github.com/Killea/AgentChatBus/internal/agentregistry"
	"github.com/Killea/AgentChatBus/internal/buserrors"
	"github.com/Killea/AgentChatBus/internal/eventlog"
	"github.com/Killea/AgentChatBus/internal/messagestore"
	"github.com/Killea/AgentChatBus/internal/metrics"
	"github.com/Killea/AgentChatBus/internal/session"
	"github.com/Killea/AgentChatBus/internal/store"
)

const defaultPollTimeout = 30 * time.Second

// Coordinator is C9.
type Coordinator struct {
	events   *eventlog.Log
	messages *messagestore.Store
	agents   *agentregistry.Registry
	sessions *session.Registry
}

// New creates a Coordinator.
func New(events *eventlog.Log, messages *messagestore.Store, agents *agentregistry.Registry, sessions *session.Registry) *Coordinator {
	return &Coordinator{events: events, messages: messages, agents: agents, sessions: sessions}
}

// Creds identifies the waiting caller for mark_msg_wait attribution.
// An explicit AgentID/Token pair takes precedence over a bound
// session (§13 Open Question decision); ConnectionID is looked up only
// when Explicit credentials are absent.
type Creds struct {
	AgentID      string
	Token        string
	ConnectionID string
}

// Wait blocks until at least one message with seq > afterSeq exists in
// the thread, timeoutSeconds elapses, or ctx is cancelled — whichever
// comes first (§4.9). timeoutSeconds < 0 uses defaultPollTimeout;
// timeoutSeconds == 0 returns immediately with whatever is already
// available, without subscribing to wait at all (§8 "msg.wait with
// timeout_ms=0 returns immediately"). Returns the new messages
// (possibly empty, on timeout or on an immediate check) and whether
// the call timed out.
func (c *Coordinator) Wait(ctx context.Context, threadID string, afterSeq int64, timeoutSeconds int64, creds Creds) ([]store.Message, bool, error) {
	if threadID == "" {
		return nil, false, buserrors.NewInvalidInput("thread_id is required")
	}

	c.markWaiting(ctx, creds)

	metrics.WaitCallsActive.Inc()
	defer metrics.WaitCallsActive.Dec()

	// Check once before subscribing: if messages already satisfy the
	// request, return immediately without waiting on an event.
	msgs, err := c.messages.ListForWait(ctx, threadID, afterSeq)
	if err != nil {
		return nil, false, err
	}
	if len(msgs) > 0 {
		return msgs, false, nil
	}
	if timeoutSeconds == 0 {
		return msgs, false, nil
	}

	timeout := defaultPollTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	ch, unsub := c.events.Subscribe()
	defer unsub()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false, buserrors.NewCancelled()
		case <-deadline.C:
			return nil, true, nil
		case <-ch:
			msgs, err := c.messages.ListForWait(ctx, threadID, afterSeq)
			if err != nil {
				return nil, false, err
			}
			if len(msgs) > 0 {
				return msgs, false, nil
			}
			// Woken for an unrelated thread/event; keep waiting until
			// the deadline.
		}
	}
}

// markWaiting attributes mark_msg_wait on a best-effort basis: failures
// here never fail the wait itself (§4.9 — attribution is a side
// channel, not a precondition of waiting).
func (c *Coordinator) markWaiting(ctx context.Context, creds Creds) {
	agentID, token := creds.AgentID, creds.Token
	if agentID == "" && creds.ConnectionID != "" && c.sessions != nil {
		if b, ok := c.sessions.Lookup(creds.ConnectionID); ok {
			agentID, token = b.AgentID, b.Token
		}
	}
	if agentID == "" {
		return
	}
	if _, err := c.agents.MarkMsgWait(ctx, agentID, token); err != nil {
		slog.Debug("wait: mark_msg_wait failed", "agent_id", agentID, "error", err)
	}
}
