package schema

// Payload keys shared between the orchestrator and the event stream.
const (
	KeyPosition = "position"
	KeyStatus   = "status"
	KeyContent  = "content"
	KeyComplete = "is_complete"
	KeyToolName = "tool_name"
	KeyError    = "error"
)

// GetString extracts a string from an event payload. Returns "" if missing
// or not a string.
func GetString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	val, ok := payload[key]
	if !ok {
		return ""
	}
	str, ok := val.(string)
	if !ok {
		return ""
	}
	return str
}

// GetBool extracts a bool from an event payload.
func GetBool(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	val, ok := payload[key].(bool)
	return ok && val
}
