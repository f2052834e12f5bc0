package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Killea/AgentChatBus/internal/session"
)

func TestBindLookupUnbind(t *testing.T) {
	r := session.New()

	_, ok := r.Lookup("conn1")
	assert.False(t, ok)

	r.Bind("conn1", "agent-1", "tok-1")
	b, ok := r.Lookup("conn1")
	assert.True(t, ok)
	assert.Equal(t, "agent-1", b.AgentID)
	assert.Equal(t, "tok-1", b.Token)

	r.Bind("conn1", "agent-2", "tok-2")
	b, ok = r.Lookup("conn1")
	assert.True(t, ok)
	assert.Equal(t, "agent-2", b.AgentID)

	r.Unbind("conn1")
	_, ok = r.Lookup("conn1")
	assert.False(t, ok)
}
