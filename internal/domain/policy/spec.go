// Package policy contains the policy document model: the declarative spec
// enforced for an environment, its validation rules, canonical hashing, and
// the persistence records produced when a draft is published.
package policy

// Effect is the outcome a rule or policy prescribes.
type Effect string

const (
	// EffectAllow permits the tool call.
	EffectAllow Effect = "allow"
	// EffectDeny blocks the tool call.
	EffectDeny Effect = "deny"
)

// ActionType classifies what a tool call does to the outside world.
type ActionType string

const (
	ActionRead       ActionType = "read"
	ActionWrite      ActionType = "write"
	ActionSideEffect ActionType = "side_effect"
)

// DefaultInitialState is the session state used when a policy declares no
// state machine.
const DefaultInitialState = "initial"

// Spec is the declarative policy document. Its canonical form is the JSON
// serialization with object keys sorted lexicographically at every depth;
// the policy hash is the hex SHA-256 of that canonical form.
type Spec struct {
	// Version is the document format version (semver, e.g. "1.0").
	Version string `json:"version"`
	// DefaultDecision applies to tools with no matching rule.
	DefaultDecision Effect `json:"defaultDecision"`
	// ToolRules is the ordered rule list; toolName is unique across it.
	ToolRules []ToolRule `json:"toolRules"`
	// StateMachine optionally gates tools on session state.
	StateMachine *StateMachine `json:"stateMachine,omitempty"`
	// Counters declares the session counters transitions may adjust.
	Counters []CounterDef `json:"counters,omitempty"`
}

// ToolRule constrains calls to a single named tool.
type ToolRule struct {
	// ToolName is the unique key of this rule.
	ToolName string `json:"toolName"`
	// Effect is allow or deny.
	Effect Effect `json:"effect"`
	// ActionType is the rule's classification of the tool. A request may
	// carry its own actionType, which takes precedence during evaluation.
	ActionType ActionType `json:"actionType,omitempty"`
	// MaxCallsPerSession caps allowed calls of this tool per session.
	MaxCallsPerSession *int `json:"maxCallsPerSession,omitempty"`
	// CooldownMs is the minimum gap between allowed calls of this tool.
	CooldownMs *int64 `json:"cooldownMs,omitempty"`
	// RequireState names the session state the tool is restricted to.
	RequireState string `json:"requireState,omitempty"`
	// RequirePreviousToolCalls lists tools that must appear in the session
	// history before this tool may run.
	RequirePreviousToolCalls []string `json:"requirePreviousToolCalls,omitempty"`
	// RequireFields lists dotted payload paths that must resolve.
	RequireFields []string `json:"requireFields,omitempty"`
	// DenyIfFieldsPresent lists dotted payload paths that must not resolve.
	DenyIfFieldsPresent []string `json:"denyIfFieldsPresent,omitempty"`
	// DenyIfRegexMatch blocks when a payload string matches a pattern.
	DenyIfRegexMatch []RegexConstraint `json:"denyIfRegexMatch,omitempty"`
	// AllowOnlyIfRegexMatch blocks unless a payload string matches a pattern.
	AllowOnlyIfRegexMatch []RegexConstraint `json:"allowOnlyIfRegexMatch,omitempty"`
}

// RegexConstraint pairs a dotted payload path with a regular expression.
type RegexConstraint struct {
	JSONPath string `json:"jsonPath"`
	Pattern  string `json:"pattern"`
}

// StateMachine describes the session states and the transitions tools trigger.
type StateMachine struct {
	// States is the set of state names; unique and non-empty.
	States []string `json:"states"`
	// InitialState is the state new sessions start in; must be in States.
	InitialState string `json:"initialState"`
	// Transitions is interpreted by lookup on (fromState, triggeredByTool).
	Transitions []Transition `json:"transitions,omitempty"`
}

// Transition moves a session between states when a tool call is allowed.
type Transition struct {
	FromState       string `json:"fromState"`
	ToState         string `json:"toState"`
	TriggeredByTool string `json:"triggeredByTool"`
	// RequiresToolsCalledBefore lists tools that must be in the history for
	// the transition to fire.
	RequiresToolsCalledBefore []string `json:"requiresToolsCalledBefore,omitempty"`
	// Guard is a single comparison "counter OP integer" that must hold.
	Guard string `json:"guard,omitempty"`
	// SetsCounters applies additive deltas to session counters on firing.
	SetsCounters map[string]int64 `json:"setsCounters,omitempty"`
}

// CounterDef declares a session-scoped integer counter.
type CounterDef struct {
	Name string `json:"name"`
	// Scope is always "session" in v1; an empty value means session.
	Scope        string `json:"scope,omitempty"`
	InitialValue int64  `json:"initialValue"`
	// MaxValue, when set, is the ceiling enforced after every mutation.
	MaxValue *int64 `json:"maxValue,omitempty"`
}

// Rule returns the rule for toolName, or false when the spec has none.
func (s *Spec) Rule(toolName string) (*ToolRule, bool) {
	for i := range s.ToolRules {
		if s.ToolRules[i].ToolName == toolName {
			return &s.ToolRules[i], true
		}
	}
	return nil, false
}

// InitialState returns the state machine's initial state, or
// DefaultInitialState when the spec has no state machine.
func (s *Spec) InitialState() string {
	if s.StateMachine != nil {
		return s.StateMachine.InitialState
	}
	return DefaultInitialState
}

// InitialCounters builds the counter map a fresh session starts with.
func (s *Spec) InitialCounters() map[string]int64 {
	if len(s.Counters) == 0 {
		return map[string]int64{}
	}
	counters := make(map[string]int64, len(s.Counters))
	for _, def := range s.Counters {
		counters[def.Name] = def.InitialValue
	}
	return counters
}

// CounterDefByName returns the declared counter, or false when undeclared.
func (s *Spec) CounterDefByName(name string) (*CounterDef, bool) {
	for i := range s.Counters {
		if s.Counters[i].Name == name {
			return &s.Counters[i], true
		}
	}
	return nil, false
}

// FindTransition returns the transition keyed on (fromState, triggeredByTool).
// Absence of a transition is not an error; the session state simply stays put.
func (m *StateMachine) FindTransition(fromState, tool string) (*Transition, bool) {
	for i := range m.Transitions {
		t := &m.Transitions[i]
		if t.FromState == fromState && t.TriggeredByTool == tool {
			return t, true
		}
	}
	return nil, false
}

// HasState reports whether name is a declared state.
func (m *StateMachine) HasState(name string) bool {
	for _, s := range m.States {
		if s == name {
			return true
		}
	}
	return false
}
