package policy

import (
	"reflect"
	"testing"
)

func TestSpecRule(t *testing.T) {
	t.Parallel()
	spec := &Spec{
		ToolRules: []ToolRule{
			{ToolName: "lookup_order", Effect: EffectAllow},
			{ToolName: "refund_payment", Effect: EffectDeny},
		},
	}

	rule, ok := spec.Rule("refund_payment")
	if !ok {
		t.Fatal("Rule(refund_payment) not found")
	}
	if rule.Effect != EffectDeny {
		t.Errorf("Effect = %q, want deny", rule.Effect)
	}
	if _, ok := spec.Rule("ghost"); ok {
		t.Error("Rule(ghost) found, want absent")
	}
}

func TestSpecInitialState(t *testing.T) {
	t.Parallel()
	withMachine := &Spec{StateMachine: &StateMachine{States: []string{"start"}, InitialState: "start"}}
	if got := withMachine.InitialState(); got != "start" {
		t.Errorf("InitialState() = %q, want start", got)
	}

	withoutMachine := &Spec{}
	if got := withoutMachine.InitialState(); got != DefaultInitialState {
		t.Errorf("InitialState() = %q, want %q", got, DefaultInitialState)
	}
}

func TestSpecInitialCounters(t *testing.T) {
	t.Parallel()
	spec := &Spec{
		Counters: []CounterDef{
			{Name: "refunds", InitialValue: 0},
			{Name: "credits", InitialValue: 5},
		},
	}

	got := spec.InitialCounters()
	want := map[string]int64{"refunds": 0, "credits": 5}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("InitialCounters() = %v, want %v", got, want)
	}

	empty := (&Spec{}).InitialCounters()
	if empty == nil || len(empty) != 0 {
		t.Errorf("InitialCounters() on counterless spec = %v, want empty non-nil map", empty)
	}
}

func TestCounterDefByName(t *testing.T) {
	t.Parallel()
	max := int64(3)
	spec := &Spec{Counters: []CounterDef{{Name: "refunds", InitialValue: 0, MaxValue: &max}}}

	def, ok := spec.CounterDefByName("refunds")
	if !ok {
		t.Fatal("CounterDefByName(refunds) not found")
	}
	if def.MaxValue == nil || *def.MaxValue != 3 {
		t.Errorf("MaxValue = %v, want 3", def.MaxValue)
	}
	if _, ok := spec.CounterDefByName("ghost"); ok {
		t.Error("CounterDefByName(ghost) found, want absent")
	}
}

func TestFindTransition(t *testing.T) {
	t.Parallel()
	machine := &StateMachine{
		States:       []string{"initial", "verified"},
		InitialState: "initial",
		Transitions: []Transition{
			{FromState: "initial", ToState: "verified", TriggeredByTool: "verify_identity"},
		},
	}

	tr, ok := machine.FindTransition("initial", "verify_identity")
	if !ok {
		t.Fatal("FindTransition(initial, verify_identity) not found")
	}
	if tr.ToState != "verified" {
		t.Errorf("ToState = %q, want verified", tr.ToState)
	}

	if _, ok := machine.FindTransition("verified", "verify_identity"); ok {
		t.Error("FindTransition from wrong state found a transition")
	}
	if _, ok := machine.FindTransition("initial", "other_tool"); ok {
		t.Error("FindTransition on wrong tool found a transition")
	}
}

func TestHasState(t *testing.T) {
	t.Parallel()
	machine := &StateMachine{States: []string{"a", "b"}}
	if !machine.HasState("a") {
		t.Error("HasState(a) = false")
	}
	if machine.HasState("c") {
		t.Error("HasState(c) = true")
	}
}
