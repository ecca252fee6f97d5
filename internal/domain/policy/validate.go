package policy

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var specSchemaJSON string

// specSchema is the structural layer of validation. Cross-reference checks
// (state names, tool names, counters, guards, patterns) live in Go below.
var specSchema = jsonschema.MustCompileString("policy-spec.json", specSchemaJSON)

// Issue is one validation finding. Path is a dotted location inside the
// spec document, Code a stable machine-readable tag.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Validation issue codes. Structural findings carry the JSON Schema keyword
// that failed ("required", "type", "enum", ...); these cover the semantic
// checks the schema cannot express.
const (
	CodeDecode            = "decode"
	CodeInvalidVersion    = "invalid_version"
	CodeDuplicateTool     = "duplicate_tool"
	CodeDuplicateState    = "duplicate_state"
	CodeDuplicateCounter  = "duplicate_counter"
	CodeUndeclaredState   = "undeclared_state"
	CodeUndeclaredTool    = "undeclared_tool"
	CodeUndeclaredCounter = "undeclared_counter"
	CodeInvalidPattern    = "invalid_pattern"
	CodeInvalidGuard      = "invalid_guard"
	CodeUnguardedSelfLoop = "unguarded_self_loop"
	CodeInvalidScope      = "invalid_scope"
)

// ValidateSpec checks a raw policy document and returns the decoded spec
// together with every finding. The spec return is nil when the document
// fails structurally; an empty issue list means the spec is publishable.
func ValidateSpec(raw []byte) (*Spec, []Issue) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, []Issue{{Path: "", Message: fmt.Sprintf("invalid JSON: %v", err), Code: CodeDecode}}
	}

	if err := specSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, schemaIssues(ve)
		}
		return nil, []Issue{{Path: "", Message: err.Error(), Code: CodeDecode}}
	}

	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, []Issue{{Path: "", Message: fmt.Sprintf("decode spec: %v", err), Code: CodeDecode}}
	}

	return &spec, ValidateDecoded(&spec)
}

// ValidateDecoded runs the semantic checks on an already-decoded spec:
// version format, uniqueness, cross-references, regex and guard syntax.
func ValidateDecoded(spec *Spec) []Issue {
	var issues []Issue
	add := func(path, code, format string, args ...any) {
		issues = append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...), Code: code})
	}

	if _, err := semver.NewVersion(spec.Version); err != nil {
		add("version", CodeInvalidVersion, "version %q is not a valid semantic version", spec.Version)
	}

	declaredTools := make(map[string]bool, len(spec.ToolRules))
	for i, rule := range spec.ToolRules {
		rulePath := fmt.Sprintf("toolRules.%d", i)
		if declaredTools[rule.ToolName] {
			add(rulePath+".toolName", CodeDuplicateTool, "duplicate toolName %q", rule.ToolName)
		}
		declaredTools[rule.ToolName] = true

		if rule.RequireState != "" && spec.StateMachine != nil && !spec.StateMachine.HasState(rule.RequireState) {
			add(rulePath+".requireState", CodeUndeclaredState, "requireState %q is not a declared state", rule.RequireState)
		}
		for j, c := range rule.DenyIfRegexMatch {
			if _, err := regexp.Compile(c.Pattern); err != nil {
				add(fmt.Sprintf("%s.denyIfRegexMatch.%d.pattern", rulePath, j), CodeInvalidPattern, "pattern does not compile: %v", err)
			}
		}
		for j, c := range rule.AllowOnlyIfRegexMatch {
			if _, err := regexp.Compile(c.Pattern); err != nil {
				add(fmt.Sprintf("%s.allowOnlyIfRegexMatch.%d.pattern", rulePath, j), CodeInvalidPattern, "pattern does not compile: %v", err)
			}
		}
	}

	declaredCounters := make(map[string]bool, len(spec.Counters))
	for i, def := range spec.Counters {
		counterPath := fmt.Sprintf("counters.%d", i)
		if declaredCounters[def.Name] {
			add(counterPath+".name", CodeDuplicateCounter, "duplicate counter %q", def.Name)
		}
		declaredCounters[def.Name] = true
		if def.Scope != "" && def.Scope != "session" {
			add(counterPath+".scope", CodeInvalidScope, "counter scope must be \"session\", got %q", def.Scope)
		}
	}

	if sm := spec.StateMachine; sm != nil {
		seen := make(map[string]bool, len(sm.States))
		for i, state := range sm.States {
			if seen[state] {
				add(fmt.Sprintf("stateMachine.states.%d", i), CodeDuplicateState, "duplicate state %q", state)
			}
			seen[state] = true
		}
		if !seen[sm.InitialState] {
			add("stateMachine.initialState", CodeUndeclaredState, "initialState %q is not a declared state", sm.InitialState)
		}
		for i, t := range sm.Transitions {
			tPath := fmt.Sprintf("stateMachine.transitions.%d", i)
			if !seen[t.FromState] {
				add(tPath+".fromState", CodeUndeclaredState, "fromState %q is not a declared state", t.FromState)
			}
			if !seen[t.ToState] {
				add(tPath+".toState", CodeUndeclaredState, "toState %q is not a declared state", t.ToState)
			}
			if !declaredTools[t.TriggeredByTool] {
				add(tPath+".triggeredByTool", CodeUndeclaredTool, "triggeredByTool %q has no tool rule", t.TriggeredByTool)
			}
			if t.FromState == t.ToState && t.Guard == "" {
				add(tPath, CodeUnguardedSelfLoop, "self-loop on state %q requires a guard", t.FromState)
			}
			if t.Guard != "" {
				g, err := ParseGuard(t.Guard)
				if err != nil {
					add(tPath+".guard", CodeInvalidGuard, "%v", err)
				} else if !declaredCounters[g.Counter] {
					add(tPath+".guard", CodeUndeclaredCounter, "guard references undeclared counter %q", g.Counter)
				}
			}
			for name := range t.SetsCounters {
				if !declaredCounters[name] {
					add(tPath+".setsCounters."+name, CodeUndeclaredCounter, "setsCounters references undeclared counter %q", name)
				}
			}
		}
	}

	return issues
}

// schemaIssues flattens a jsonschema validation error tree into issues,
// keeping only leaf causes.
func schemaIssues(ve *jsonschema.ValidationError) []Issue {
	var issues []Issue
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			issues = append(issues, Issue{
				Path:    pointerToDotted(e.InstanceLocation),
				Message: e.Message,
				Code:    keywordOf(e.KeywordLocation),
			})
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return issues
}

// pointerToDotted converts a JSON pointer ("/toolRules/0/effect") into the
// dotted form used across validation issues ("toolRules.0.effect").
func pointerToDotted(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}
	segments := strings.Split(pointer, "/")
	for i, s := range segments {
		s = strings.ReplaceAll(s, "~1", "/")
		segments[i] = strings.ReplaceAll(s, "~0", "~")
	}
	return strings.Join(segments, ".")
}

// keywordOf extracts the failing keyword from a keyword location.
func keywordOf(keywordLocation string) string {
	if i := strings.LastIndex(keywordLocation, "/"); i >= 0 {
		return keywordLocation[i+1:]
	}
	return keywordLocation
}
