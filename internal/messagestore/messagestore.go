// Package messagestore implements C5: message append and list,
// including author resolution against a registered agent, rate and
// content policy checks, seq allocation, and the synthetic seq=0
// system-prompt row prepended on read (never persisted).
package messagestore

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/Killea/AgentChatBus/internal/agentregistry"
	"github.com/Killea/AgentChatBus/internal/buserrors"
	"github.com/Killea/AgentChatBus/internal/eventlog"
	"github.com/Killea/AgentChatBus/internal/id"
	"github.com/Killea/AgentChatBus/internal/metrics"
	"github.com/Killea/AgentChatBus/internal/policy"
	"github.com/Killea/AgentChatBus/internal/seqalloc"
	"github.com/Killea/AgentChatBus/internal/store"
	"github.com/Killea/AgentChatBus/internal/sysprompt"
)

// Store is C5.
type Store struct {
	db      *sql.DB
	events  *eventlog.Log
	agents  *agentregistry.Registry
	rate    *policy.RateLimiter
	content *policy.ContentFilter
	seq     *seqalloc.Allocator
}

// New creates a Store wired to its collaborators.
func New(db *sql.DB, events *eventlog.Log, agents *agentregistry.Registry, rate *policy.RateLimiter, content *policy.ContentFilter, seq *seqalloc.Allocator) *Store {
	return &Store{db: db, events: events, agents: agents, rate: rate, content: content, seq: seq}
}

// Append runs the 8-step posting algorithm (§4.5):
//  1. resolve author against the agent registry
//  2. rate_check
//  3. content_check
//  4. allocate seq
//  5. insert the row
//  6. if author resolved to an agent, mark its activity msg_post
//  7. emit msg.new
//  8. return the stored message
func (s *Store) Append(ctx context.Context, threadID, author, content, role string, metadata *string) (*store.Message, error) {
	if threadID == "" || author == "" {
		return nil, buserrors.NewInvalidInput("thread_id and author are required")
	}
	if role == "" {
		role = "user"
	}

	storedAuthor, authorID, authorName, err := s.resolveAuthor(ctx, author)
	if err != nil {
		return nil, err
	}

	if err := s.rate.Check(ctx, valueOr(authorID, ""), storedAuthor); err != nil {
		return nil, err
	}
	if err := s.content.Check(content); err != nil {
		metrics.MessagesBlockedTotal.WithLabelValues("content_filter").Inc()
		return nil, err
	}

	seq, err := s.seq.Next(ctx)
	if err != nil {
		return nil, buserrors.NewStoreError(err)
	}

	m := store.Message{
		ID:         id.Generate(),
		ThreadID:   threadID,
		Author:     storedAuthor,
		AuthorID:   authorID,
		AuthorName: authorName,
		Role:       role,
		Content:    content,
		Seq:        seq,
		Metadata:   metadata,
	}
	m.CreatedAt = time.Now().UTC()

	if err := store.InsertMessage(ctx, s.db, m); err != nil {
		// The seq allocated above is now burned — by design (§9, §4.2):
		// SeqAllocator.next()'s contract is "unique and durable", not
		// "gap-free".
		return nil, buserrors.NewStoreError(err)
	}

	if authorID != nil {
		if err := s.agents.MarkMsgPost(ctx, *authorID); err != nil {
			slog.Warn("messagestore: mark msg_post activity failed", "agent_id", *authorID, "error", err)
		}
	}

	metrics.MessagesPostedTotal.Inc()

	_, _ = s.events.Emit(ctx, eventlog.TypeMsgNew, &threadID, map[string]any{
		"thread_id":  threadID,
		"message_id": m.ID,
		"seq":        m.Seq,
		"author":     m.Author,
		"author_id":  valueOr(m.AuthorID, ""),
		"role":       m.Role,
		"content":    truncateRunes(m.Content, 200),
	})

	return &m, nil
}

// resolveAuthor implements §4.5 step 1: if author names a registered
// agent id, the stored author becomes that agent's machine name and
// author_name becomes its display name (falling back to the machine
// name); otherwise author is used verbatim for both fields.
func (s *Store) resolveAuthor(ctx context.Context, author string) (storedAuthor string, authorID *string, authorName string, err error) {
	agent, gerr := s.agents.Get(ctx, author)
	if gerr != nil {
		return "", nil, "", gerr
	}
	if agent == nil {
		return author, nil, author, nil
	}
	display := agent.DisplayName
	if display == "" {
		display = agent.Name
	}
	agentID := agent.ID
	return agent.Name, &agentID, display, nil
}

// List returns stored messages with seq > afterSeq (bounded by limit),
// optionally prepending the synthetic seq=0 system-prompt row (§4.7,
// never persisted — composed fresh on every call that asks for it).
func (s *Store) List(ctx context.Context, threadID string, afterSeq int64, limit int, includeSystemPrompt bool, threadPrompt string) ([]store.Message, error) {
	msgs, err := store.ListMessages(ctx, s.db, threadID, afterSeq, limit)
	if err != nil {
		return nil, buserrors.NewStoreError(err)
	}
	if includeSystemPrompt && afterSeq <= 0 {
		sys := store.Message{
			ID:         "system-prompt",
			ThreadID:   threadID,
			Author:     "system",
			AuthorName: "System",
			Role:       "system",
			Content:    sysprompt.Compose(threadPrompt),
			Seq:        0,
			CreatedAt:  time.Now().UTC(),
		}
		msgs = append([]store.Message{sys}, msgs...)
	}
	return msgs, nil
}

// ListForWait returns every message newer than afterSeq with no page
// cap, used by WaitCoordinator (§4.9).
func (s *Store) ListForWait(ctx context.Context, threadID string, afterSeq int64) ([]store.Message, error) {
	msgs, err := store.ListMessagesForWait(ctx, s.db, threadID, afterSeq)
	if err != nil {
		return nil, buserrors.NewStoreError(err)
	}
	return msgs, nil
}

func valueOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

// truncateRunes caps s at n runes, for the msg.new event payload's
// content preview (§4.5 step 7), keeping the event log compact.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
