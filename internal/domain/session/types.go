// Package session tracks per-conversation policy state across tool calls.
package session

import (
	"time"

	"github.com/agent-warden/warden/internal/domain/decision"
)

// Session is the durable state one agent conversation accumulates under a
// policy. It is unique per (EnvID, SessionID) and pins the policy version
// that was published when the session was first seen.
type Session struct {
	// ID is the server-assigned record identifier.
	ID string `json:"id"`
	// EnvID is the environment the session belongs to, taken from the API key.
	EnvID string `json:"envId"`
	// SessionID is the caller-chosen identifier for the conversation.
	SessionID string `json:"sessionId"`
	// AgentID identifies the agent driving the conversation, as reported on
	// the creating request.
	AgentID string `json:"agentId"`
	// PolicyID references the policy that governed the session at creation.
	PolicyID string `json:"policyId"`
	// PolicyVersionLocked is frozen at creation; every later call in the
	// session evaluates against this version even if the policy republishes.
	PolicyVersionLocked int `json:"policyVersionLocked"`
	// InitialState is the state the session started in, kept for audit.
	InitialState string `json:"initialState"`
	// CurrentState is the state-machine state, or the policy's implicit
	// initial state when no machine is defined.
	CurrentState string `json:"currentState"`
	// Counters holds the session-scoped counter values.
	Counters map[string]int64 `json:"counters"`
	// ToolCallsHistory lists allowed tool calls in order, oldest first.
	// It is trimmed from the front once it exceeds the configured bound.
	ToolCallsHistory []string `json:"toolCallsHistory"`
	// ToolCallCounts maps tool name to its allowed-call total. Unlike the
	// history it is never trimmed.
	ToolCallCounts map[string]int `json:"toolCallCounts"`
	// LastToolCallTimes maps tool name to the epoch-millisecond timestamp of
	// its most recent allowed call.
	LastToolCallTimes map[string]int64 `json:"lastToolCallTimes"`
	// Metadata is the opaque object passed through from the creating request.
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Snapshot copies the evaluation-relevant state into a decision.Snapshot.
// The maps and slice are cloned so the evaluator never aliases stored state.
func (s *Session) Snapshot() decision.Snapshot {
	snap := decision.Snapshot{
		CurrentState:      s.CurrentState,
		Counters:          make(map[string]int64, len(s.Counters)),
		ToolCallCounts:    make(map[string]int, len(s.ToolCallCounts)),
		LastToolCallTimes: make(map[string]int64, len(s.LastToolCallTimes)),
	}
	if len(s.ToolCallsHistory) > 0 {
		snap.ToolCallsHistory = append([]string(nil), s.ToolCallsHistory...)
	}
	for k, v := range s.Counters {
		snap.Counters[k] = v
	}
	for k, v := range s.ToolCallCounts {
		snap.ToolCallCounts[k] = v
	}
	for k, v := range s.LastToolCallTimes {
		snap.LastToolCallTimes[k] = v
	}
	return snap
}

// ApplyAllowed commits an allowed outcome: state and counters take the
// evaluator's values, the tool joins the history, and its last-call time is
// recorded. When the history exceeds maxHistory the oldest entries are
// dropped; counts and last-call times are untouched by trimming. Blocked
// outcomes must never reach this method.
func (s *Session) ApplyAllowed(tool string, out decision.Outcome, nowMs int64, maxHistory int) {
	s.CurrentState = out.NewState
	s.Counters = out.NewCounters
	s.ToolCallCounts = out.NewToolCallCounts
	s.ToolCallsHistory = append(s.ToolCallsHistory, tool)
	if maxHistory > 0 && len(s.ToolCallsHistory) > maxHistory {
		s.ToolCallsHistory = append([]string(nil), s.ToolCallsHistory[len(s.ToolCallsHistory)-maxHistory:]...)
	}
	if s.LastToolCallTimes == nil {
		s.LastToolCallTimes = make(map[string]int64, 1)
	}
	s.LastToolCallTimes[tool] = nowMs
	s.UpdatedAt = time.UnixMilli(nowMs).UTC()
}

// Clone returns a deep copy. Stores hand out clones so callers cannot reach
// shared maps. Metadata is opaque and treated as immutable, so only the top
// level is copied.
func (s *Session) Clone() *Session {
	c := *s
	if s.Counters != nil {
		c.Counters = make(map[string]int64, len(s.Counters))
		for k, v := range s.Counters {
			c.Counters[k] = v
		}
	}
	if s.ToolCallsHistory != nil {
		c.ToolCallsHistory = append([]string(nil), s.ToolCallsHistory...)
	}
	if s.ToolCallCounts != nil {
		c.ToolCallCounts = make(map[string]int, len(s.ToolCallCounts))
		for k, v := range s.ToolCallCounts {
			c.ToolCallCounts[k] = v
		}
	}
	if s.LastToolCallTimes != nil {
		c.LastToolCallTimes = make(map[string]int64, len(s.LastToolCallTimes))
		for k, v := range s.LastToolCallTimes {
			c.LastToolCallTimes[k] = v
		}
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
