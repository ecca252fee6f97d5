package policy

import (
	"fmt"
	"regexp"
	"strconv"
)

// guardPattern is the complete guard grammar: one counter name, one
// comparison operator, one integer literal.
var guardPattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*(<=|<|>=|>|==|!=)\s*(-?\d+)\s*$`)

// Guard is a parsed single-comparison expression over a session counter.
type Guard struct {
	Counter string
	Op      string
	Operand int64
}

// ParseGuard parses expr against the guard grammar.
func ParseGuard(expr string) (Guard, error) {
	m := guardPattern.FindStringSubmatch(expr)
	if m == nil {
		return Guard{}, fmt.Errorf("guard %q does not match <counter> <op> <integer>", expr)
	}
	operand, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return Guard{}, fmt.Errorf("guard %q: operand out of range", expr)
	}
	return Guard{Counter: m[1], Op: m[2], Operand: operand}, nil
}

// Eval applies the comparison to the counter's value in counters.
// A counter missing from the map reads as zero.
func (g Guard) Eval(counters map[string]int64) bool {
	value := counters[g.Counter]
	switch g.Op {
	case "<":
		return value < g.Operand
	case "<=":
		return value <= g.Operand
	case ">":
		return value > g.Operand
	case ">=":
		return value >= g.Operand
	case "==":
		return value == g.Operand
	case "!=":
		return value != g.Operand
	}
	return false
}

// EvalGuard parses and evaluates expr in one step. Any syntactic failure
// evaluates to false; validation rejects such policies before publication.
func EvalGuard(expr string, counters map[string]int64) bool {
	g, err := ParseGuard(expr)
	if err != nil {
		return false
	}
	return g.Eval(counters)
}
