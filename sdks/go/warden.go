// Package warden provides a Go SDK for the Warden runtime decision API.
//
// Warden decides, per tool call, whether an AI agent may proceed: every call
// is checked against the published policy and the session's accumulated
// state. This SDK wraps the decision endpoint using only the standard
// library, with zero external dependencies.
//
// Quick start:
//
//	// Set WARDEN_SERVER_ADDR and WARDEN_API_KEY env vars, then:
//	client := warden.NewClient()
//
//	result, err := client.Guard(ctx, warden.CheckRequest{
//	    SessionID: conversationID,
//	    ToolName:  "refund_payment",
//	    Payload:   map[string]any{"orderId": "o-1", "amount": 100},
//	})
//	if err != nil {
//	    var blocked *warden.BlockedError
//	    if errors.As(err, &blocked) {
//	        fmt.Printf("blocked: %s\n", blocked.ErrorCode)
//	    }
//	    return err // fail closed: do not run the tool
//	}
//	runTool(result)
//
// Decisions are stateful: every check advances the session's counters and
// state machine, so responses are never cached and blocked calls must not be
// retried verbatim. A call blocked by MAX_CALLS_EXCEEDED stays blocked.
package warden

// CheckRequest describes one intended tool call.
type CheckRequest struct {
	// SessionID groups related tool calls; the policy's state machine and
	// counters live per session.
	SessionID string `json:"sessionId"`

	// AgentID identifies the calling agent. Falls back to the client's
	// configured agent ID when empty.
	AgentID string `json:"agentId"`

	// ToolName is the tool the agent wants to invoke.
	ToolName string `json:"toolName"`

	// ActionType classifies the call: "read", "write", or "side_effect".
	// Optional; rules that constrain action types treat an empty value as
	// unclassified.
	ActionType string `json:"actionType,omitempty"`

	// Payload holds the arguments the tool would receive. Field-level policy
	// checks run against it.
	Payload map[string]any `json:"payload,omitempty"`

	// Metadata carries caller context recorded in the audit log.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CheckResult is the decided outcome. Allowed false with reasons is a normal
// evaluated decision, not an error.
type CheckResult struct {
	Allowed             bool             `json:"allowed"`
	ErrorCode           string           `json:"errorCode,omitempty"`
	DecisionReasons     []Reason         `json:"decisionReasons"`
	PolicyVersionUsed   int              `json:"policyVersionUsed,omitempty"`
	PolicyHash          string           `json:"policyHash,omitempty"`
	StateBefore         string           `json:"stateBefore,omitempty"`
	StateAfter          string           `json:"stateAfter,omitempty"`
	Counters            map[string]int64 `json:"counters,omitempty"`
	ExecutionDurationMs int64            `json:"executionDurationMs"`
}

// Reason is one explainable finding from the decision pipeline.
type Reason struct {
	// Code is the canonical machine-readable code, e.g. "MAX_CALLS_EXCEEDED".
	Code string `json:"code"`

	// Message is the human-readable explanation.
	Message string `json:"message"`

	// RuleRef names the policy rule that produced this reason, when one did.
	RuleRef string `json:"ruleRef,omitempty"`
}
