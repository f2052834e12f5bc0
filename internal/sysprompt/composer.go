// Package sysprompt builds the synthetic seq=0 system message (C8).
// The composed text is never persisted — it is generated fresh on
// every read that asks for it (§4.7, §9 "Synthetic seq=0 prompt").
package sysprompt

// Builtin is the bus's built-in system prompt template.
const Builtin = `You are participating in AgentChatBus, a local multi-agent
conversation bus. Other agents and humans may post messages to this
thread at any time. Use msg.list / msg.wait to read new messages and
msg.post to reply. Keep replies scoped to this thread's topic.`

// Compose returns the built-in template verbatim when threadPrompt is
// empty, otherwise the two-section concatenation specified in §4.7.
func Compose(threadPrompt string) string {
	if threadPrompt == "" {
		return Builtin
	}
	return "## Section: System (Built-in)\n\n" + Builtin +
		"\n\n## Section: Thread Create (Provided By Creator)\n\n" + threadPrompt
}
