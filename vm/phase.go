package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Phase transitions: freeze, thaw, sublimate, alloy overrides
// ---------------------------------------------------------------------------

// ErrPhase wraps every phase-violation error raised by the runtime.
var ErrPhase = fmt.Errorf("phase violation")

// PhaseError is a catchable phase violation. Variable carries the name of
// the binding involved when the interpreter knows it, so mutation errors
// can point at the actual identifier.
type PhaseError struct {
	Op       string // "mutate", "freeze", "thaw", "sublimate", "send"
	Variable string
	Phase    Phase
	Detail   string
}

func (e *PhaseError) Error() string {
	var sb strings.Builder
	switch e.Op {
	case "mutate":
		if e.Variable != "" {
			fmt.Fprintf(&sb, "cannot mutate %s value '%s'", e.Phase, e.Variable)
		} else {
			fmt.Fprintf(&sb, "cannot mutate %s value", e.Phase)
		}
		if e.Phase == PhaseCrystal {
			sb.WriteString("; use thaw() to get a mutable copy")
		}
	case "send":
		fmt.Fprintf(&sb, "cannot send %s value on a channel", e.Phase)
	default:
		if e.Variable != "" {
			fmt.Fprintf(&sb, "cannot %s %s value '%s'", e.Op, e.Phase, e.Variable)
		} else {
			fmt.Fprintf(&sb, "cannot %s %s value", e.Op, e.Phase)
		}
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

func (e *PhaseError) Unwrap() error { return ErrPhase }

// phaseErr builds a PhaseError for an operation with no variable context.
func phaseErr(op string, p Phase) error {
	return &PhaseError{Op: op, Phase: p}
}

// CanMutate reports whether a value in this phase accepts mutation.
func (p Phase) CanMutate() bool {
	return p == PhaseUnphased || p == PhaseFluid
}

// Freeze returns a crystal copy of v. The input is not modified: callers
// (OP_FREEZE, OP_FREEZE_VAR) write the result back to the variable slot.
// Freezing recurses into every element of an aggregate. Channels refuse to
// freeze: a frozen channel could neither send nor receive. Sublimated
// values are already terminal and refuse as well.
//
// Seed validation, bond cascade, and reactions are name-indexed and live
// on the Runtime; named bindings freeze through Runtime.FreezeBinding.
func Freeze(v Value) (Value, error) {
	return freezeWith(v, nil, nil)
}

// FreezeExcept freezes v but leaves the named fields fluid, producing an
// alloy. Only map and struct values accept exceptions.
func FreezeExcept(v Value, except []string) (Value, error) {
	if len(except) > 0 && v.Kind != KindMap && v.Kind != KindStruct {
		return Value{}, fmt.Errorf("%w: freeze_except requires a map or struct, got %s", ErrPhase, v.TypeName())
	}
	exc := make(map[string]bool, len(except))
	for _, name := range except {
		exc[name] = true
	}
	return freezeWith(v, exc, nil)
}

// FreezeField freezes only the named fields of v, leaving the rest fluid.
func FreezeField(v Value, fields []string) (Value, error) {
	if v.Kind != KindMap && v.Kind != KindStruct {
		return Value{}, fmt.Errorf("%w: freeze_field requires a map or struct, got %s", ErrPhase, v.TypeName())
	}
	only := make(map[string]bool, len(fields))
	for _, name := range fields {
		only[name] = true
	}
	return freezeWith(v, nil, only)
}

func freezeWith(v Value, except, only map[string]bool) (Value, error) {
	switch v.Phase {
	case PhaseCrystal:
		if except == nil && only == nil {
			return v, nil // already frozen, idempotent
		}
	case PhaseSublimated:
		return Value{}, phaseErr("freeze", PhaseSublimated)
	}
	if v.Kind == KindChannel {
		return Value{}, fmt.Errorf("%w: channels cannot be frozen", ErrPhase)
	}

	out := v.DeepClone()
	freezeInPlace(&out, except, only)
	return out, nil
}

// freezeInPlace tags the value and its elements crystal. except/only apply
// only at the top level of a map or struct; nested aggregates freeze fully.
func freezeInPlace(v *Value, except, only map[string]bool) {
	switch v.Kind {
	case KindArray:
		for i := range v.Arr.Elems {
			freezeInPlace(&v.Arr.Elems[i], nil, nil)
		}
	case KindTuple:
		for i := range v.Tup.Elems {
			freezeInPlace(&v.Tup.Elems[i], nil, nil)
		}
	case KindMap:
		alloy := false
		for k := range v.MapV.Entries {
			e := v.MapV.Entries[k]
			if skipField(k, except, only) {
				e.Phase = PhaseFluid
				alloy = true
			} else {
				freezeInPlace(&e, nil, nil)
			}
			v.MapV.Entries[k] = e
		}
		if alloy {
			v.MapV.Alloy = true
		}
	case KindStruct:
		alloy := false
		for i, name := range v.Struct.FieldNames {
			if skipField(name, except, only) {
				v.Struct.Fields[i].Phase = PhaseFluid
				alloy = true
			} else {
				freezeInPlace(&v.Struct.Fields[i], nil, nil)
			}
		}
		if alloy {
			v.Struct.Alloy = true
		}
	case KindSet:
		for k := range v.SetV.Elems {
			e := v.SetV.Elems[k]
			freezeInPlace(&e, nil, nil)
			v.SetV.Elems[k] = e
		}
	case KindEnum:
		for i := range v.Enum.Payload {
			freezeInPlace(&v.Enum.Payload[i], nil, nil)
		}
	case KindRef:
		freezeInPlace(&v.Ref.Cell, nil, nil)
	}
	// Alloy containers are themselves crystal so structural mutation
	// (adding or removing keys) is rejected; excepted fields stay fluid.
	v.Phase = PhaseCrystal
}

func skipField(name string, except, only map[string]bool) bool {
	if except != nil {
		return except[name]
	}
	if only != nil {
		return !only[name]
	}
	return false
}

// Thaw returns an independent fluid deep copy of v. Thawing never mutates
// the original; a thawed sublimated value is an error because the value no
// longer exists to copy.
func Thaw(v Value) (Value, error) {
	if v.Phase == PhaseSublimated {
		return Value{}, phaseErr("thaw", PhaseSublimated)
	}
	out := v.DeepClone()
	thawInPlace(&out)
	return out, nil
}

func thawInPlace(v *Value) {
	v.Phase = PhaseFluid
	v.Region = NoRegion
	switch v.Kind {
	case KindArray:
		for i := range v.Arr.Elems {
			thawInPlace(&v.Arr.Elems[i])
		}
	case KindTuple:
		for i := range v.Tup.Elems {
			thawInPlace(&v.Tup.Elems[i])
		}
	case KindMap:
		v.MapV.Alloy = false
		for k := range v.MapV.Entries {
			e := v.MapV.Entries[k]
			thawInPlace(&e)
			v.MapV.Entries[k] = e
		}
	case KindStruct:
		v.Struct.Alloy = false
		for i := range v.Struct.Fields {
			thawInPlace(&v.Struct.Fields[i])
		}
	case KindSet:
		for k := range v.SetV.Elems {
			e := v.SetV.Elems[k]
			thawInPlace(&e)
			v.SetV.Elems[k] = e
		}
	case KindEnum:
		for i := range v.Enum.Payload {
			thawInPlace(&v.Enum.Payload[i])
		}
	case KindRef:
		thawInPlace(&v.Ref.Cell)
	}
}

// Sublimate marks v consumed. The transition is terminal: no operation,
// including thaw, applies afterwards. Returns the sublimated value; the
// caller writes it back to the binding.
func Sublimate(v Value) (Value, error) {
	if v.Phase == PhaseSublimated {
		return Value{}, phaseErr("sublimate", PhaseSublimated)
	}
	out := v
	out.Phase = PhaseSublimated
	return out, nil
}

// CheckMutable returns a PhaseError if v rejects mutation. field names the
// map key or struct field being written, used for alloy lookups; variable
// is the binding name for the error message, may be empty.
func CheckMutable(v Value, variable, field string) error {
	switch v.Phase {
	case PhaseSublimated:
		return &PhaseError{Op: "mutate", Variable: variable, Phase: PhaseSublimated}
	case PhaseCrystal:
		// Alloy containers allow writes to their fluid fields.
		if field != "" {
			if v.Kind == KindMap && v.MapV.Alloy {
				if e, ok := v.MapV.Entries[field]; ok && e.Phase.CanMutate() {
					return nil
				}
			}
			if v.Kind == KindStruct && v.Struct.Alloy {
				if i := v.Struct.FieldIndex(field); i >= 0 && v.Struct.Fields[i].Phase.CanMutate() {
					return nil
				}
			}
		}
		return &PhaseError{Op: "mutate", Variable: variable, Phase: PhaseCrystal}
	default:
		return nil
	}
}

// PhaseOf exposes the phase tag as a runtime string, for the phase()
// builtin.
func PhaseOf(v Value) string { return v.Phase.String() }
