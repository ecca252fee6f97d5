// Package audit contains domain types for the append-only decision log.
package audit

import (
	"time"

	"github.com/agent-warden/warden/internal/domain/decision"
)

// Decision constants for audit entries.
const (
	// DecisionAllowed indicates the tool call was permitted.
	DecisionAllowed = "allowed"
	// DecisionBlocked indicates the tool call was blocked.
	DecisionBlocked = "blocked"
)

// DecisionString maps an evaluator verdict to its audit constant.
func DecisionString(allowed bool) string {
	if allowed {
		return DecisionAllowed
	}
	return DecisionBlocked
}

// Entry is the immutable record of one decision. Entries are written once,
// after the decision has been computed, and never updated. The payload is
// stored redacted; the raw payload never reaches storage.
type Entry struct {
	// ID is the server-assigned record identifier.
	ID string `json:"id"`
	// Timestamp is when the decision was made (UTC).
	Timestamp time.Time `json:"timestamp"`
	// EnvID is the environment the decision belongs to.
	EnvID string `json:"envId"`
	// SessionID is the caller-chosen session identifier.
	SessionID string `json:"sessionId"`
	// RequestID correlates the entry with request logs.
	RequestID string `json:"requestId,omitempty"`
	// APIKeyID is the key that authenticated the request.
	APIKeyID string `json:"apiKeyId,omitempty"`
	// ToolName is the tool the agent asked to call.
	ToolName string `json:"toolName"`
	// ActionType is the effective action type, if one applied.
	ActionType string `json:"actionType,omitempty"`
	// RedactedPayload is the request payload after redaction.
	RedactedPayload map[string]any `json:"redactedPayload"`
	// Decision is "allowed" or "blocked".
	Decision string `json:"decision"`
	// ErrorCode is the canonical code for blocked decisions, empty otherwise.
	ErrorCode string `json:"errorCode,omitempty"`
	// Reasons is the full reason chain, in evaluation order.
	Reasons []decision.Reason `json:"reasons"`
	// PolicyID and PolicyVersionUsed identify the locked spec evaluated.
	PolicyID          string `json:"policyId"`
	PolicyVersionUsed int    `json:"policyVersionUsed"`
	// PolicyHash is the canonical hash of the locked spec.
	PolicyHash string `json:"policyHash"`
	// StateBefore and StateAfter bracket the session's state-machine state.
	// They are equal for blocked decisions.
	StateBefore string `json:"stateBefore"`
	StateAfter  string `json:"stateAfter"`
	// CountersBefore and CountersAfter bracket the session counters.
	CountersBefore map[string]int64 `json:"countersBefore"`
	CountersAfter  map[string]int64 `json:"countersAfter"`
	// ExecutionDurationMs is the wall-clock handler duration.
	ExecutionDurationMs int64 `json:"executionDurationMs"`
}
