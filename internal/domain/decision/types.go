package decision

import "github.com/agent-warden/warden/internal/domain/policy"

// Snapshot is the read-only view of session state the evaluator consumes.
// The evaluator never mutates it.
type Snapshot struct {
	// CurrentState is the session's state-machine state.
	CurrentState string
	// Counters holds the session counter values.
	Counters map[string]int64
	// ToolCallsHistory is the ordered list of allowed tool calls.
	ToolCallsHistory []string
	// ToolCallCounts counts allowed calls per tool.
	ToolCallCounts map[string]int
	// LastToolCallTimes maps tool name to the epoch-ms of its last allowed call.
	LastToolCallTimes map[string]int64
}

// Request is one tool call submitted for a decision.
type Request struct {
	ToolName string
	// ActionType is the caller's classification; empty means "use the rule's".
	ActionType policy.ActionType
	// Payload is the tool's argument object.
	Payload map[string]any
}

// Outcome is the evaluator's verdict. NewState, NewCounters and
// NewToolCallCounts describe the state an allowed call commits; callers
// must ignore them when Allowed is false, since blocked calls never mutate
// session state.
type Outcome struct {
	Allowed bool
	// ErrorCode is the first denying check's code; empty when allowed.
	ErrorCode Code
	// Reasons accumulates every check finding in evaluation order.
	Reasons []Reason

	NewState          string
	NewCounters       map[string]int64
	NewToolCallCounts map[string]int
}
