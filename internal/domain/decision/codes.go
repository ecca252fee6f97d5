// Package decision implements the deterministic tool-call evaluator: a pure
// function from (policy spec, session snapshot, call request, now) to an
// allow/block outcome with an ordered reason chain.
package decision

// Code is a stable machine-readable decision or failure code.
type Code string

// Policy-domain codes surfaced by the evaluator.
const (
	CodeUnknownToolDenied      Code = "UNKNOWN_TOOL_DENIED"
	CodeToolExplicitlyDenied   Code = "TOOL_EXPLICITLY_DENIED"
	CodeSideEffectNotAllowed   Code = "SIDE_EFFECT_NOT_ALLOWED"
	CodeRequiredStateNotMet    Code = "REQUIRED_STATE_NOT_MET"
	CodeRequiredToolsNotCalled Code = "REQUIRED_TOOLS_NOT_CALLED"
	CodeMaxCallsExceeded       Code = "MAX_CALLS_EXCEEDED"
	CodeCooldownActive         Code = "COOLDOWN_ACTIVE"
	CodeCounterLimitExceeded   Code = "COUNTER_LIMIT_EXCEEDED"
	CodeRequiredFieldMissing   Code = "REQUIRED_FIELD_MISSING"
	CodeForbiddenFieldPresent  Code = "FORBIDDEN_FIELD_PRESENT"
	CodeRegexMatchDenied       Code = "REGEX_MATCH_DENIED"
	CodeRegexMatchRequired     Code = "REGEX_MATCH_REQUIRED"
	CodeGuardConditionFailed   Code = "GUARD_CONDITION_FAILED"
)

// Request-path codes produced outside the evaluator.
const (
	CodePolicyNotFound      Code = "POLICY_NOT_FOUND"
	CodePolicyInvalid       Code = "POLICY_INVALID"
	CodeInvalidAPIKey       Code = "INVALID_API_KEY"
	CodeAPIKeyRevoked       Code = "API_KEY_REVOKED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodePayloadTooLarge     Code = "PAYLOAD_TOO_LARGE"
	CodeInternalError       Code = "INTERNAL_ERROR"
	CodeDatabaseUnavailable Code = "DATABASE_UNAVAILABLE"
	CodeSessionCorrupted    Code = "SESSION_CORRUPTED"
)

// Informational codes. These appear in reason chains but never block and
// never populate an errorCode.
const (
	CodeAllowed         Code = "ALLOWED"
	CodeStateTransition Code = "STATE_TRANSITION"
)

// Informational reports whether the code marks a non-blocking reason.
func (c Code) Informational() bool {
	return c == CodeAllowed || c == CodeStateTransition
}

// Reason is one entry of a decision's reason chain. For blocked calls the
// first reason's code equals the decision's errorCode.
type Reason struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// RuleRef names the policy element behind the reason: the governing
	// rule's toolName, or the counter name for counter ceilings.
	RuleRef string `json:"ruleRef,omitempty"`
}
