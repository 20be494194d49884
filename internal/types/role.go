package types

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return Role(s), true
	default:
		return "", false
	}
}

// StopReason is the provider-independent reason a completion ended.
type StopReason string

const (
	StopReasonStop          StopReason = "stop"
	StopReasonLength        StopReason = "length"
	StopReasonToolUse       StopReason = "tool_use"
	StopReasonContentFilter StopReason = "content_filter"
	StopReasonOther         StopReason = "other"
)

// ParseStopReason maps a provider finish reason onto a StopReason.
// Empty input yields StopReasonStop.
func ParseStopReason(s string) StopReason {
	switch s {
	case "", "stop", "end_turn", "stop_sequence":
		return StopReasonStop
	case "length", "max_tokens":
		return StopReasonLength
	case "tool_calls", "tool_use", "function_call":
		return StopReasonToolUse
	case "content_filter", "refusal":
		return StopReasonContentFilter
	default:
		return StopReasonOther
	}
}
