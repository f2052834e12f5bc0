package store

import "time"

// ThreadStatus enumerates the allowed values of Thread.Status (§3).
type ThreadStatus string

const (
	StatusDiscuss   ThreadStatus = "discuss"
	StatusImplement ThreadStatus = "implement"
	StatusReview    ThreadStatus = "review"
	StatusDone      ThreadStatus = "done"
	StatusClosed    ThreadStatus = "closed"
	StatusArchived  ThreadStatus = "archived"
)

// ValidStatuses is the allowed set for thread.set_state (§4.4).
var ValidStatuses = map[ThreadStatus]bool{
	StatusDiscuss:   true,
	StatusImplement: true,
	StatusReview:    true,
	StatusDone:      true,
	StatusClosed:    true,
	StatusArchived:  true,
}

// Thread is a row of the threads table.
type Thread struct {
	ID           string
	Topic        string
	Status       ThreadStatus
	CreatedAt    time.Time
	ClosedAt     *time.Time
	Summary      *string
	Metadata     *string // opaque JSON blob
	SystemPrompt *string
}

// Message is a row of the messages table. Seq 0 is reserved for the
// synthetic system-prompt row and is never persisted (§3).
type Message struct {
	ID         string
	ThreadID   string
	Author     string
	AuthorID   *string
	AuthorName string
	Role       string
	Content    string
	Seq        int64
	CreatedAt  time.Time
	Metadata   *string
}

// Agent is a row of the agents table.
type Agent struct {
	ID               string
	Name             string
	DisplayName      string
	AliasSource      string
	IDE              string
	Model            string
	Description      *string
	Capabilities     *string // opaque JSON blob
	RegisteredAt     time.Time
	LastHeartbeat    time.Time
	LastActivity     string
	LastActivityTime time.Time
	Token            string
	UnregisteredAt   *time.Time
}

// Event is a row of the events table (§3).
type Event struct {
	ID        int64
	EventType string
	ThreadID  *string
	Payload   string // JSON object
	CreatedAt time.Time
}

// DeleteReceipt is returned by ThreadRegistry.delete (§4.4).
type DeleteReceipt struct {
	ThreadID     string
	Topic        string
	MessageCount int
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
