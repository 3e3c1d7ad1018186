package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventHealth   = "health"
	EventCron     = "cron"
	EventPresence = "presence"
	EventTick     = "tick"
	EventShutdown = "shutdown"

	// Session lifecycle events for external observers. The core never
	// depends on their delivery for correctness.
	EventSessionStart     = "session:start"
	EventSessionReset     = "session:reset"
	EventSessionCompacted = "session:compacted"
	EventAgentReply       = "agent:reply"
	EventRunBlocked       = "run:blocked"

	// Cache invalidation events (internal, not forwarded to WS clients).
	EventCacheInvalidate = "cache.invalidate"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk     = "chunk"
	ChatEventMessage   = "message"
	ChatEventThinking  = "thinking"
)
