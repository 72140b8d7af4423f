package schema

// Event types emitted by the orchestrator toward the remote client.
const (
	EventMessageQueued     = "message_queued"
	EventMessageAccepted   = "message_accepted"
	EventWindowAgentStatus = "window_agent_status"
	EventAgentResponse     = "agent_response"
	EventAgentThinking     = "agent_thinking"
	EventToolProgress      = "tool_progress"
	EventConnectionStatus  = "connection_status"
	EventError             = "error"
)

// Window-agent lifecycle statuses carried by window_agent_status events.
const (
	AgentStatusAssigned = "assigned"
	AgentStatusActive   = "active"
	AgentStatusReleased = "released"
)

// ClientEvents lists every event type a streaming client may subscribe to.
var ClientEvents = []string{
	EventMessageQueued,
	EventMessageAccepted,
	EventWindowAgentStatus,
	EventAgentResponse,
	EventAgentThinking,
	EventToolProgress,
	EventConnectionStatus,
	EventError,
}
