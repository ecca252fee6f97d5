package cel

import (
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/agent-warden/warden/internal/domain/audit"
)

// NewFilterEnvironment creates a CEL environment exposing one audit entry per
// evaluation. It includes:
//   - Identity variables: env_id, session_id, request_id, api_key_id
//   - Call variables: tool_name, action_type, payload, timestamp
//   - Outcome variables: decision, error_code, reason_codes, rule_refs,
//     duration_ms
//   - Policy variables: policy_id, policy_version, policy_hash
//   - State variables: state_before, state_after, counters_before,
//     counters_after
//   - Custom functions: glob, payload_field, payload_contains, counter_delta
func NewFilterEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		// Standard extensions
		ext.Strings(),
		ext.Sets(),

		// === Identity ===
		cel.Variable("env_id", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("request_id", cel.StringType),
		cel.Variable("api_key_id", cel.StringType),

		// === Call ===
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("action_type", cel.StringType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("timestamp", cel.TimestampType),

		// === Outcome ===
		cel.Variable("decision", cel.StringType),
		cel.Variable("error_code", cel.StringType),
		cel.Variable("reason_codes", cel.ListType(cel.StringType)),
		cel.Variable("rule_refs", cel.ListType(cel.StringType)),
		cel.Variable("duration_ms", cel.IntType),

		// === Policy ===
		cel.Variable("policy_id", cel.StringType),
		cel.Variable("policy_version", cel.IntType),
		cel.Variable("policy_hash", cel.StringType),

		// === Session state ===
		cel.Variable("state_before", cel.StringType),
		cel.Variable("state_after", cel.StringType),
		cel.Variable("counters_before", cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable("counters_after", cel.MapType(cel.StringType, cel.IntType)),

		// === Custom functions ===

		// glob: shell-style pattern matching, typically against tool_name.
		// Usage: glob("refund*", tool_name)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// payload_field: extract one field from the redacted payload.
		// Usage: payload_field(payload, "orderId")
		cel.Function("payload_field",
			cel.Overload("payload_field_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key := keyVal.Value().(string)
					if m, ok := mapVal.Value().(map[ref.Val]ref.Val); ok {
						if v, found := m[types.String(key)]; found {
							return v
						}
						return types.NullValue
					}
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						if v, found := goMap[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		// payload_contains: check whether any string value in the redacted
		// payload contains a substring.
		// Usage: payload_contains(payload, "[REDACTED")
		cel.Function("payload_contains",
			cel.Overload("payload_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr := substrVal.Value().(string)
					goVal := mapVal.Value()
					if goMap, ok := goVal.(map[string]any); ok {
						for _, v := range goMap {
							if s, ok := v.(string); ok {
								if strings.Contains(s, substr) {
									return types.Bool(true)
								}
							}
						}
					}
					if refMap, ok := goVal.(map[ref.Val]ref.Val); ok {
						for _, v := range refMap {
							if s, ok := v.Value().(string); ok {
								if strings.Contains(s, substr) {
									return types.Bool(true)
								}
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),

		// counter_delta: how much one session counter moved across the
		// decision. Missing counters count as zero.
		// Usage: counter_delta(counters_before, counters_after, "refund_total") > 100
		cel.Function("counter_delta",
			cel.Overload("counter_delta_map_map_string",
				[]*cel.Type{
					cel.MapType(cel.StringType, cel.IntType),
					cel.MapType(cel.StringType, cel.IntType),
					cel.StringType,
				},
				cel.IntType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					if len(args) != 3 {
						return types.NewErr("counter_delta expects 3 arguments")
					}
					name, ok := args[2].Value().(string)
					if !ok {
						return types.NewErr("counter_delta name must be a string")
					}
					return types.Int(counterValue(args[1], name) - counterValue(args[0], name))
				}),
			),
		),
	)
}

// counterValue reads one counter from a CEL map value, tolerating both the
// native map representation and the ref.Val one.
func counterValue(mapVal ref.Val, name string) int64 {
	switch m := mapVal.Value().(type) {
	case map[string]int64:
		return m[name]
	case map[ref.Val]ref.Val:
		if v, found := m[types.String(name)]; found {
			if n, ok := v.Value().(int64); ok {
				return n
			}
		}
	}
	return 0
}

// BuildActivation creates the CEL activation map for one audit entry. Nil
// maps and slices are replaced with empty values so expressions like
// `"x" in reason_codes` never hit a null.
func BuildActivation(e audit.Entry) map[string]any {
	payload := e.RedactedPayload
	if payload == nil {
		payload = map[string]any{}
	}

	reasonCodes := make([]string, 0, len(e.Reasons))
	ruleRefs := make([]string, 0, len(e.Reasons))
	for _, r := range e.Reasons {
		reasonCodes = append(reasonCodes, string(r.Code))
		if r.RuleRef != "" {
			ruleRefs = append(ruleRefs, r.RuleRef)
		}
	}

	countersBefore := e.CountersBefore
	if countersBefore == nil {
		countersBefore = map[string]int64{}
	}
	countersAfter := e.CountersAfter
	if countersAfter == nil {
		countersAfter = map[string]int64{}
	}

	return map[string]any{
		"env_id":     e.EnvID,
		"session_id": e.SessionID,
		"request_id": e.RequestID,
		"api_key_id": e.APIKeyID,

		"tool_name":   e.ToolName,
		"action_type": e.ActionType,
		"payload":     payload,
		"timestamp":   e.Timestamp,

		"decision":     e.Decision,
		"error_code":   e.ErrorCode,
		"reason_codes": reasonCodes,
		"rule_refs":    ruleRefs,
		"duration_ms":  e.ExecutionDurationMs,

		"policy_id":      e.PolicyID,
		"policy_version": int64(e.PolicyVersionUsed),
		"policy_hash":    e.PolicyHash,

		"state_before":    e.StateBefore,
		"state_after":     e.StateAfter,
		"counters_before": countersBefore,
		"counters_after":  countersAfter,
	}
}
