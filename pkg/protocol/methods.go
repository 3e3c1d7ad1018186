package protocol

// RPC method name constants for the gateway WebSocket API.
const (
	// Chat
	MethodChatSend  = "chat.send"
	MethodChatAbort = "chat.abort"

	// Agents
	MethodAgentsList = "agents.list"

	// Sessions
	MethodSessionsList   = "sessions.list"
	MethodSessionsDelete = "sessions.delete"
	MethodSessionsReset  = "sessions.reset"

	// Cron
	MethodCronList   = "cron.list"
	MethodCronCreate = "cron.create"
	MethodCronDelete = "cron.delete"
	MethodCronToggle = "cron.toggle"

	// Channels
	MethodChannelsList   = "channels.list"
	MethodChannelsStatus = "channels.status"

	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)
