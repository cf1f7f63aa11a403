package vm

import (
	"errors"
	"strings"
	"testing"
)

func TestFreezeIsDeepAndNonDestructive(t *testing.T) {
	inner := ArrayValue([]Value{IntValue(1)})
	outer := ArrayValue([]Value{inner, IntValue(2)})

	frozen, err := Freeze(outer)
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if frozen.Phase != PhaseCrystal {
		t.Errorf("outer phase: %s", frozen.Phase)
	}
	if frozen.Arr.Elems[0].Phase != PhaseCrystal {
		t.Errorf("nested phase: %s", frozen.Arr.Elems[0].Phase)
	}
	// The original is untouched.
	if outer.Phase == PhaseCrystal {
		t.Error("Freeze mutated its input")
	}
	// The frozen copy is independent.
	outer.Arr.Elems[1] = IntValue(99)
	if frozen.Arr.Elems[1].Int != 2 {
		t.Error("frozen copy shares storage with the original")
	}
}

func TestFreezeIdempotent(t *testing.T) {
	frozen, err := Freeze(ArrayValue(nil))
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	again, err := Freeze(frozen)
	if err != nil {
		t.Fatalf("second Freeze: %v", err)
	}
	if again.Phase != PhaseCrystal {
		t.Errorf("phase: %s", again.Phase)
	}
}

func TestFreezeChannelRefused(t *testing.T) {
	_, err := Freeze(ChannelValue(NewLatChannel(0)))
	if err == nil || !errors.Is(err, ErrPhase) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFrozenMutationNamesVariableAndSuggestsThaw(t *testing.T) {
	frozen, err := Freeze(ArrayValue([]Value{IntValue(1)}))
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	err = CheckMutable(frozen, "config", "")
	if err == nil {
		t.Fatal("expected a phase violation")
	}
	var pe *PhaseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PhaseError, got %T", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "config") {
		t.Errorf("error does not name the variable: %q", msg)
	}
	if !strings.Contains(msg, "thaw()") {
		t.Errorf("error does not suggest thaw(): %q", msg)
	}
}

func TestThawYieldsIndependentCopy(t *testing.T) {
	frozen, err := Freeze(ArrayValue([]Value{IntValue(1), IntValue(2)}))
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	thawed, err := Thaw(frozen)
	if err != nil {
		t.Fatalf("Thaw: %v", err)
	}
	if thawed.Phase != PhaseFluid {
		t.Errorf("thawed phase: %s", thawed.Phase)
	}
	if err := CheckMutable(thawed, "", ""); err != nil {
		t.Errorf("thawed copy rejects mutation: %v", err)
	}
	thawed.Arr.Elems[0] = IntValue(42)
	if frozen.Arr.Elems[0].Int != 1 {
		t.Error("thaw shares storage with the frozen original")
	}
}

func TestFreezeExceptLeavesFieldFluid(t *testing.T) {
	m := MapValue()
	m.MapV.Entries["host"] = StrValue("localhost")
	m.MapV.Entries["retries"] = IntValue(0)

	alloy, err := FreezeExcept(m, []string{"retries"})
	if err != nil {
		t.Fatalf("FreezeExcept: %v", err)
	}
	if alloy.Phase != PhaseCrystal || !alloy.MapV.Alloy {
		t.Fatalf("container: phase=%s alloy=%v", alloy.Phase, alloy.MapV.Alloy)
	}
	if alloy.MapV.Entries["retries"].Phase != PhaseFluid {
		t.Error("excepted field is not fluid")
	}
	if alloy.MapV.Entries["host"].Phase != PhaseCrystal {
		t.Error("unlisted field is not crystal")
	}

	// Writing the fluid field passes; the crystal field refuses.
	if err := CheckMutable(alloy, "cfg", "retries"); err != nil {
		t.Errorf("fluid alloy field rejects mutation: %v", err)
	}
	if err := CheckMutable(alloy, "cfg", "host"); err == nil {
		t.Error("crystal alloy field accepted mutation")
	}
	// Structural mutation (new key) is still a container-level question.
	if err := CheckMutable(alloy, "cfg", "brand_new"); err == nil {
		t.Error("alloy container accepted a new key")
	}
}

func TestFreezeExceptRequiresAggregate(t *testing.T) {
	_, err := FreezeExcept(IntValue(1), []string{"x"})
	if err == nil || !errors.Is(err, ErrPhase) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFreezeFieldFreezesOnlyNamed(t *testing.T) {
	m := MapValue()
	m.MapV.Entries["a"] = IntValue(1)
	m.MapV.Entries["b"] = IntValue(2)

	out, err := FreezeField(m, []string{"a"})
	if err != nil {
		t.Fatalf("FreezeField: %v", err)
	}
	if out.MapV.Entries["a"].Phase != PhaseCrystal {
		t.Error("named field is not crystal")
	}
	if out.MapV.Entries["b"].Phase != PhaseFluid {
		t.Error("unnamed field is not fluid")
	}
}

func TestSublimateIsTerminal(t *testing.T) {
	s, err := Sublimate(IntValue(5))
	if err != nil {
		t.Fatalf("Sublimate: %v", err)
	}
	if s.Phase != PhaseSublimated {
		t.Fatalf("phase: %s", s.Phase)
	}
	if _, err := Thaw(s); err == nil {
		t.Error("thaw accepted a sublimated value")
	}
	if _, err := Freeze(s); err == nil {
		t.Error("freeze accepted a sublimated value")
	}
	if _, err := Sublimate(s); err == nil {
		t.Error("double sublimate accepted")
	}
	if err := CheckMutable(s, "spent", ""); err == nil {
		t.Error("sublimated value accepted mutation")
	}
}

func TestStructAlloy(t *testing.T) {
	s := StructValue("Point", []string{"x", "y"}, []Value{IntValue(1), IntValue(2)})
	alloy, err := FreezeExcept(s, []string{"y"})
	if err != nil {
		t.Fatalf("FreezeExcept: %v", err)
	}
	if !alloy.Struct.Alloy {
		t.Fatal("struct alloy flag not set")
	}
	if err := CheckMutable(alloy, "p", "y"); err != nil {
		t.Errorf("fluid struct field rejects mutation: %v", err)
	}
	if err := CheckMutable(alloy, "p", "x"); err == nil {
		t.Error("crystal struct field accepted mutation")
	}
}

func TestFrozenArrayPushFailsInScript(t *testing.T) {
	c := NewChunk("script")
	c.Emit(OpLoadInt8, 1)
	c.EmitByte(1, 1)
	c.Emit(OpBuildArray, 1)
	c.EmitByte(1, 1)
	c.Emit(OpFreezeVar, 3)
	c.EmitByte(byte(c.AddConstant(StrValue("data"))), 3)
	c.EmitByte(locLocal, 3)
	c.EmitByte(0, 3)
	c.Emit(OpLoadInt8, 4)
	c.EmitByte(9, 4)
	c.Emit(OpInvokeLocal, 4)
	c.EmitByte(0, 4)
	c.EmitByte(byte(c.AddConstant(StrValue("push"))), 4)
	c.EmitByte(1, 4)
	c.SetLocalName(0, "data")
	err := runScriptErr(t, c)
	if !strings.Contains(err.Error(), "data") || !strings.Contains(err.Error(), "thaw()") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAlloyFluidKeyWritableViaSetMethod(t *testing.T) {
	vm := NewStackVM(nil)
	m := MapValue()
	m.MapV.Entries["host"] = StrValue("localhost")
	m.MapV.Entries["retries"] = IntValue(0)
	alloy, err := FreezeExcept(m, []string{"retries"})
	if err != nil {
		t.Fatalf("FreezeExcept: %v", err)
	}

	// set() on the fluid key behaves like indexed assignment.
	if _, err := vm.dispatchMethod(alloy, "set", []Value{StrValue("retries"), IntValue(3)}, "cfg", nil, 0); err != nil {
		t.Fatalf("set fluid key: %v", err)
	}
	if alloy.MapV.Entries["retries"].Int != 3 {
		t.Errorf("fluid key not written: %s", alloy.MapV.Entries["retries"].Display())
	}

	// Crystal key and new key still refuse.
	if _, err := vm.dispatchMethod(alloy, "set", []Value{StrValue("host"), StrValue("remote")}, "cfg", nil, 1); err == nil {
		t.Error("set on a crystal alloy key succeeded")
	}
	if _, err := vm.dispatchMethod(alloy, "set", []Value{StrValue("brand_new"), IntValue(1)}, "cfg", nil, 2); err == nil {
		t.Error("set of a new key on a crystal container succeeded")
	}

	// Removing the fluid key is a structural change.
	if _, err := vm.dispatchMethod(alloy, "remove", []Value{StrValue("retries")}, "cfg", nil, 3); err == nil {
		t.Error("remove on a crystal container succeeded")
	}

	// merge() honours the same per-key rules.
	patch := MapValue()
	patch.MapV.Entries["retries"] = IntValue(5)
	if _, err := vm.dispatchMethod(alloy, "merge", []Value{patch}, "cfg", nil, 4); err != nil {
		t.Fatalf("merge into fluid key: %v", err)
	}
	patch.MapV.Entries["extra"] = IntValue(1)
	if _, err := vm.dispatchMethod(alloy, "merge", []Value{patch}, "cfg", nil, 5); err == nil {
		t.Error("merge introducing a new key on a crystal container succeeded")
	}
}

func TestMapMethodsChargePressurePerKey(t *testing.T) {
	vm := NewStackVM(nil)
	m := MapValue()
	m.MapV.Entries["a"] = IntValue(1)
	if err := vm.rt.Pressurize("m", "no_grow"); err != nil {
		t.Fatalf("Pressurize: %v", err)
	}

	// Overwriting an existing key does not grow the map.
	if _, err := vm.dispatchMethod(m, "set", []Value{StrValue("a"), IntValue(2)}, "m", nil, 0); err != nil {
		t.Fatalf("overwrite under no_grow: %v", err)
	}
	if m.MapV.Entries["a"].Int != 2 {
		t.Errorf("overwrite lost: %s", m.MapV.Entries["a"].Display())
	}
	_, err := vm.dispatchMethod(m, "set", []Value{StrValue("b"), IntValue(3)}, "m", nil, 1)
	if err == nil || !strings.Contains(err.Error(), "pressurized") {
		t.Errorf("new key under no_grow: %v", err)
	}

	patch := MapValue()
	patch.MapV.Entries["a"] = IntValue(9)
	if _, err := vm.dispatchMethod(m, "merge", []Value{patch}, "m", nil, 2); err != nil {
		t.Fatalf("merge over existing keys under no_grow: %v", err)
	}
	patch.MapV.Entries["c"] = IntValue(4)
	if _, err := vm.dispatchMethod(m, "merge", []Value{patch}, "m", nil, 3); err == nil {
		t.Error("merge introducing a key under no_grow succeeded")
	}

	// remove charges shrink only when the key exists.
	if err := vm.rt.Pressurize("m", "fixed"); err != nil {
		t.Fatalf("Pressurize: %v", err)
	}
	if _, err := vm.dispatchMethod(m, "remove", []Value{StrValue("ghost")}, "m", nil, 4); err != nil {
		t.Errorf("remove of a missing key charged shrink: %v", err)
	}
	if _, err := vm.dispatchMethod(m, "remove", []Value{StrValue("a")}, "m", nil, 5); err == nil {
		t.Error("remove under fixed pressure succeeded")
	}
}
