package decision

import (
	"fmt"
	"regexp"

	"github.com/agent-warden/warden/internal/domain/policy"
)

// Evaluate decides one tool call. It is pure: no I/O, no clock reads, no
// mutation of its inputs. nowMs is the only time input, so identical inputs
// always produce identical outcomes, including reason ordering.
//
// Checks run in a fixed order. The first three are terminal: they return
// without running later checks. The rest accumulate reasons, so a blocked
// call reports every violated constraint, with the first failure's code as
// the outcome's ErrorCode.
func Evaluate(spec *policy.Spec, snap Snapshot, req Request, nowMs int64) Outcome {
	out := Outcome{
		Allowed:           true,
		NewState:          snap.CurrentState,
		NewCounters:       cloneInt64Map(snap.Counters),
		NewToolCallCounts: cloneIntMap(snap.ToolCallCounts),
	}

	fail := func(code Code, ruleRef, format string, args ...any) {
		out.Reasons = append(out.Reasons, Reason{Code: code, Message: fmt.Sprintf(format, args...), RuleRef: ruleRef})
		if out.Allowed {
			out.Allowed = false
			out.ErrorCode = code
		}
	}
	inform := func(code Code, ruleRef, format string, args ...any) {
		out.Reasons = append(out.Reasons, Reason{Code: code, Message: fmt.Sprintf(format, args...), RuleRef: ruleRef})
	}

	tool := req.ToolName

	// Check 1: unknown tool (terminal either way).
	rule, known := spec.Rule(tool)
	if !known {
		if spec.DefaultDecision == policy.EffectDeny {
			fail(CodeUnknownToolDenied, "", "tool %q is not covered by the policy and defaultDecision is deny", tool)
			return out
		}
		inform(CodeAllowed, "", "tool %q is not covered by the policy; defaultDecision is allow", tool)
		return finalize(out, tool)
	}

	// Check 2: explicit deny (terminal).
	if rule.Effect == policy.EffectDeny {
		fail(CodeToolExplicitlyDenied, tool, "tool %q is explicitly denied by the policy", tool)
		return out
	}

	// Check 3: side-effect gate (terminal). The request's actionType takes
	// precedence over the rule's.
	effectiveType := req.ActionType
	if effectiveType == "" {
		effectiveType = rule.ActionType
	}
	if (effectiveType == policy.ActionWrite || effectiveType == policy.ActionSideEffect) && rule.Effect != policy.EffectAllow {
		fail(CodeSideEffectNotAllowed, tool, "action type %q on tool %q requires an allow rule", effectiveType, tool)
		return out
	}

	// Check 4: required state.
	if rule.RequireState != "" && rule.RequireState != snap.CurrentState {
		fail(CodeRequiredStateNotMet, tool, "tool %q requires state %q but session is in %q", tool, rule.RequireState, snap.CurrentState)
	}

	// Check 5: required previous tools.
	for _, required := range rule.RequirePreviousToolCalls {
		if !historyContains(snap.ToolCallsHistory, required) {
			fail(CodeRequiredToolsNotCalled, tool, "required prior tool %q has not been called", required)
		}
	}

	// Check 6: per-session call ceiling.
	if rule.MaxCallsPerSession != nil && snap.ToolCallCounts[tool] >= *rule.MaxCallsPerSession {
		fail(CodeMaxCallsExceeded, tool, "tool %q already called %d times; maxCallsPerSession is %d", tool, snap.ToolCallCounts[tool], *rule.MaxCallsPerSession)
	}

	// Check 7: cooldown.
	if rule.CooldownMs != nil {
		if last, called := snap.LastToolCallTimes[tool]; called {
			if elapsed := nowMs - last; elapsed < *rule.CooldownMs {
				fail(CodeCooldownActive, tool, "cooldown active for tool %q; %d ms remaining", tool, *rule.CooldownMs-elapsed)
			}
		}
	}

	// Check 8: required payload fields.
	for _, path := range rule.RequireFields {
		if _, defined := policy.ResolvePath(req.Payload, path); !defined {
			fail(CodeRequiredFieldMissing, tool, "required field %q is missing from payload", path)
		}
	}

	// Check 9: forbidden payload fields.
	for _, path := range rule.DenyIfFieldsPresent {
		if _, defined := policy.ResolvePath(req.Payload, path); defined {
			fail(CodeForbiddenFieldPresent, tool, "forbidden field %q is present in payload", path)
		}
	}

	// Check 10: deny-if-regex. Uncompilable patterns are skipped rather than
	// failing the call; validation rejects them before publish.
	for _, c := range rule.DenyIfRegexMatch {
		value, defined := policy.ResolvePath(req.Payload, c.JSONPath)
		if !defined {
			continue
		}
		s, isString := value.(string)
		if !isString {
			continue
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			continue
		}
		if re.MatchString(s) {
			fail(CodeRegexMatchDenied, tool, "payload field %q matches denied pattern %q", c.JSONPath, c.Pattern)
		}
	}

	// Check 11: allow-only-if-regex. Absent, non-string, and non-matching
	// values all fail; uncompilable patterns are skipped as in check 10.
	for _, c := range rule.AllowOnlyIfRegexMatch {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			continue
		}
		value, defined := policy.ResolvePath(req.Payload, c.JSONPath)
		s, isString := value.(string)
		if !defined || !isString || !re.MatchString(s) {
			fail(CodeRegexMatchRequired, tool, "payload field %q must be a string matching %q", c.JSONPath, c.Pattern)
		}
	}

	// Check 12: state-machine transition. Only an allowed call moves state.
	if out.Allowed && spec.StateMachine != nil {
		if tr, found := spec.StateMachine.FindTransition(snap.CurrentState, tool); found {
			for _, required := range tr.RequiresToolsCalledBefore {
				if !historyContains(snap.ToolCallsHistory, required) {
					fail(CodeRequiredToolsNotCalled, tool, "transition to %q requires tool %q to have been called", tr.ToState, required)
				}
			}
			if out.Allowed && tr.Guard != "" && !policy.EvalGuard(tr.Guard, out.NewCounters) {
				fail(CodeGuardConditionFailed, tool, "transition guard %q not satisfied", tr.Guard)
			}
			if out.Allowed {
				out.NewState = tr.ToState
				for name, delta := range tr.SetsCounters {
					out.NewCounters[name] += delta
				}
				inform(CodeStateTransition, tool, "state transition from %q to %q", tr.FromState, tr.ToState)
			}
		}
	}

	// Check 13: counter ceilings, against the working counter values.
	for i := range spec.Counters {
		def := &spec.Counters[i]
		if def.MaxValue == nil {
			continue
		}
		if value := out.NewCounters[def.Name]; value > *def.MaxValue {
			fail(CodeCounterLimitExceeded, def.Name, "counter %q value %d exceeds maxValue %d", def.Name, value, *def.MaxValue)
		}
	}

	if !out.Allowed {
		return out
	}
	return finalize(out, tool)
}

// finalize applies the bookkeeping every allowed call shares: the tool-call
// count increments, and a bare outcome gains an ALLOWED reason.
func finalize(out Outcome, tool string) Outcome {
	out.NewToolCallCounts[tool]++
	if len(out.Reasons) == 0 {
		out.Reasons = append(out.Reasons, Reason{Code: CodeAllowed, Message: "all policy checks passed", RuleRef: tool})
	}
	return out
}

func historyContains(history []string, tool string) bool {
	for _, h := range history {
		if h == tool {
			return true
		}
	}
	return false
}

func cloneInt64Map(m map[string]int64) map[string]int64 {
	clone := make(map[string]int64, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}

func cloneIntMap(m map[string]int) map[string]int {
	clone := make(map[string]int, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
