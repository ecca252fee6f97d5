package warden

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrBlocked is returned by Guard when the policy blocks the call.
	ErrBlocked = errors.New("call blocked by policy")

	// ErrUnavailable is returned when no decision could be obtained: the
	// server is unreachable or failed internally. Callers must fail closed.
	ErrUnavailable = errors.New("warden unavailable")
)

// BlockedError is returned by Guard when the evaluated decision is a block.
// It carries everything an agent needs to explain the block or choose a
// different action. Retrying the same call is pointless: the decision is
// deterministic against the session's current state.
type BlockedError struct {
	// ToolName is the tool that was blocked.
	ToolName string
	// ErrorCode is the canonical code of the first failed check.
	ErrorCode string
	// Reasons is the full reason chain, first entry matching ErrorCode.
	Reasons []Reason
	// PolicyVersion is the policy version the session evaluated against.
	PolicyVersion int
	// CurrentState is the session's state machine state, unchanged by the
	// blocked call.
	CurrentState string
}

func (e *BlockedError) Error() string {
	if len(e.Reasons) > 0 {
		return fmt.Sprintf("tool %q blocked [%s]: %s", e.ToolName, e.ErrorCode, e.Reasons[0].Message)
	}
	return fmt.Sprintf("tool %q blocked [%s]", e.ToolName, e.ErrorCode)
}

// Is supports errors.Is(err, ErrBlocked).
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

// UnavailableError is returned when the decision service could not decide:
// connection failure, timeout, or a server-side 5xx. The contract is fail
// closed; treat it exactly like a block.
type UnavailableError struct {
	// Cause is the underlying transport or server error.
	Cause error
}

func (e *UnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("warden unavailable: %v", e.Cause)
	}
	return "warden unavailable"
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, ErrUnavailable).
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// APIError is a request-path rejection from the server: bad key, rate limit,
// missing policy. The call never reached evaluation.
type APIError struct {
	// StatusCode is the HTTP status.
	StatusCode int
	// Code is the canonical error code from the response body.
	Code string
	// Message is the first reason message from the response body.
	Message string
	// RetryAfter is how long to wait before retrying, nonzero only for rate
	// limit rejections.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("warden [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("warden [%s]: HTTP %d", e.Code, e.StatusCode)
}
