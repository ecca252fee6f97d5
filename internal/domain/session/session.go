package session

import (
	"time"

	"github.com/google/uuid"
)

// Seed carries everything needed to materialize a session on first contact:
// the published policy's identity, the initial state and counter values its
// spec declares, and the creating request's agent and metadata.
type Seed struct {
	AgentID         string
	PolicyID        string
	PolicyVersion   int
	InitialState    string
	InitialCounters map[string]int64
	Metadata        map[string]any
}

// New builds a fresh session for (envID, sessionID) from a seed. The caller
// supplies the creation time so clocks stay out of the domain.
func New(envID, sessionID string, seed Seed, now time.Time) *Session {
	counters := make(map[string]int64, len(seed.InitialCounters))
	for k, v := range seed.InitialCounters {
		counters[k] = v
	}
	now = now.UTC()
	return &Session{
		ID:                  uuid.NewString(),
		EnvID:               envID,
		SessionID:           sessionID,
		AgentID:             seed.AgentID,
		PolicyID:            seed.PolicyID,
		PolicyVersionLocked: seed.PolicyVersion,
		InitialState:        seed.InitialState,
		CurrentState:        seed.InitialState,
		Counters:            counters,
		ToolCallCounts:      make(map[string]int),
		LastToolCallTimes:   make(map[string]int64),
		Metadata:            seed.Metadata,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
