package vm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value: The Lattice runtime value
// ---------------------------------------------------------------------------

// Kind identifies the runtime type of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindUnit
	KindInt
	KindFloat
	KindBool
	KindStr
	KindArray
	KindMap
	KindSet
	KindStruct
	KindTuple
	KindEnum
	KindRange
	KindClosure
	KindChannel
	KindBuffer
	KindRef
)

// Phase is a value's immutability state.
type Phase uint8

const (
	PhaseUnphased   Phase = iota // default, no tracking
	PhaseFluid                   // explicitly mutable
	PhaseCrystal                 // frozen
	PhaseSublimated              // consumed, terminal
)

// String returns the phase name as user code sees it.
func (p Phase) String() string {
	switch p {
	case PhaseFluid:
		return "fluid"
	case PhaseCrystal:
		return "crystal"
	case PhaseSublimated:
		return "sublimated"
	default:
		return "unphased"
	}
}

// RegionID addresses a crystal region. NoRegion means the value does not
// live in an arena.
type RegionID uint64

const NoRegion = ^RegionID(0)

// Value is the Lattice tagged union. Aggregate kinds hold a pointer to
// their backing object, so assignment copies the tag and phase but shares
// the payload; stack slots rely on that.
type Value struct {
	Kind   Kind
	Phase  Phase
	Region RegionID

	Int    int64 // KindInt payload; KindBool stores 0/1 here
	Float  float64
	Str    string
	Arr    *ArrayObject
	MapV   *MapObject
	SetV   *SetObject
	Struct *StructObject
	Tup    *TupleObject
	Enum   *EnumObject
	Rng    *RangeObject
	Fn     *Closure
	Ch     *LatChannel
	Buf    *BufferObject
	Ref    *RefObject
}

// ArrayObject backs KindArray values.
type ArrayObject struct {
	Elems []Value
}

// MapObject backs KindMap values. Alloy is set when a freeze installed
// per-key phase overrides; mutators must then consult each entry's phase.
type MapObject struct {
	Entries map[string]Value
	Alloy   bool
}

// SetObject backs KindSet values, keyed by each element's canonical
// display form.
type SetObject struct {
	Elems map[string]Value
}

// StructObject backs KindStruct values. Field order is the declaration
// order carried by the struct metadata.
type StructObject struct {
	Name       string
	FieldNames []string
	Fields     []Value
	Alloy      bool // per-field phase overrides present
}

// TupleObject backs KindTuple values.
type TupleObject struct {
	Elems []Value
}

// EnumObject backs KindEnum values.
type EnumObject struct {
	Enum    string
	Variant string
	Payload []Value
}

// RangeObject backs KindRange values (end-exclusive).
type RangeObject struct {
	Start int64
	End   int64
}

// BufferObject backs KindBuffer values. Buffers created by the buffer()
// builtin draw their storage from the VM's fluid heap; heapAlloc ties the
// buffer to its allocation record for mark/sweep.
type BufferObject struct {
	Bytes     []byte
	heapAlloc *FluidAlloc
}

// RefObject backs KindRef values, a single mutable cell.
type RefObject struct {
	Cell      Value
	InnerType string
}

// NativeFn is the callable boundary for native extensions. Errors may be
// reported either through the error return or through the legacy sentinel
// string convention (a KindStr result prefixed with NativeErrorSentinel);
// the call site re-raises both as ordinary catchable runtime errors.
type NativeFn func(args []Value) (Value, error)

// NativeErrorSentinel prefixes string results that native callables use to
// signal failure through the opaque-value ABI.
const NativeErrorSentinel = "\x00lat:error:"

// Closure is a callable value: either a compiled chunk or a native
// function. Captured upvalues are resolved at OP_CLOSURE time; chunk
// constants never carry them.
type Closure struct {
	Chunk       *Chunk
	RegChunk    *RegChunk // register-VM body (exclusive with Chunk)
	Native      NativeFn
	Name        string
	ParamCount  int
	Defaults    []Value // defaults for the trailing ParamCount-len(...) params
	HasVariadic bool
	ParamPhases []Phase // per-param phase constraint (nil = unconstrained)
	Upvalues    []*Upvalue
	UpvalCount  int // declared upvalue count (register format)
}

// FieldIndex returns the index of a struct field, or -1.
func (s *StructObject) FieldIndex(name string) int {
	for i, n := range s.FieldNames {
		if n == name {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NilValue returns the nil value.
func NilValue() Value { return Value{Kind: KindNil, Region: NoRegion} }

// UnitValue returns the unit value.
func UnitValue() Value { return Value{Kind: KindUnit, Region: NoRegion} }

// IntValue wraps an int64.
func IntValue(v int64) Value { return Value{Kind: KindInt, Int: v, Region: NoRegion} }

// FloatValue wraps a float64.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v, Region: NoRegion} }

// BoolValue wraps a bool.
func BoolValue(v bool) Value {
	b := int64(0)
	if v {
		b = 1
	}
	return Value{Kind: KindBool, Int: b, Region: NoRegion}
}

// StrValue wraps a string.
func StrValue(s string) Value { return Value{Kind: KindStr, Str: s, Region: NoRegion} }

// ArrayValue builds an array from the given elements (takes ownership).
func ArrayValue(elems []Value) Value {
	return Value{Kind: KindArray, Arr: &ArrayObject{Elems: elems}, Region: NoRegion}
}

// MapValue builds an empty map value.
func MapValue() Value {
	return Value{Kind: KindMap, MapV: &MapObject{Entries: make(map[string]Value)}, Region: NoRegion}
}

// SetValue builds an empty set value.
func SetValue() Value {
	return Value{Kind: KindSet, SetV: &SetObject{Elems: make(map[string]Value)}, Region: NoRegion}
}

// StructValue builds a struct value.
func StructValue(name string, fieldNames []string, fields []Value) Value {
	return Value{
		Kind:   KindStruct,
		Struct: &StructObject{Name: name, FieldNames: fieldNames, Fields: fields},
		Region: NoRegion,
	}
}

// TupleValue builds a tuple from the given elements.
func TupleValue(elems []Value) Value {
	return Value{Kind: KindTuple, Tup: &TupleObject{Elems: elems}, Region: NoRegion}
}

// EnumValue builds an enum variant value.
func EnumValue(enum, variant string, payload []Value) Value {
	return Value{Kind: KindEnum, Enum: &EnumObject{Enum: enum, Variant: variant, Payload: payload}, Region: NoRegion}
}

// RangeValue builds an end-exclusive integer range.
func RangeValue(start, end int64) Value {
	return Value{Kind: KindRange, Rng: &RangeObject{Start: start, End: end}, Region: NoRegion}
}

// ClosureValue wraps a Closure.
func ClosureValue(fn *Closure) Value { return Value{Kind: KindClosure, Fn: fn, Region: NoRegion} }

// NativeValue wraps a native function as a callable value.
func NativeValue(name string, fn NativeFn) Value {
	return ClosureValue(&Closure{Name: name, Native: fn, ParamCount: -1})
}

// ChannelValue wraps a channel (does not retain).
func ChannelValue(ch *LatChannel) Value { return Value{Kind: KindChannel, Ch: ch, Region: NoRegion} }

// BufferValue wraps a byte buffer.
func BufferValue(b []byte) Value {
	return Value{Kind: KindBuffer, Buf: &BufferObject{Bytes: b}, Region: NoRegion}
}

// RefValue builds a mutable reference cell.
func RefValue(inner Value) Value {
	return Value{Kind: KindRef, Ref: &RefObject{Cell: inner, InnerType: inner.TypeName()}, Region: NoRegion}
}

// ---------------------------------------------------------------------------
// Predicates
// ---------------------------------------------------------------------------

// IsNil reports whether the value is nil.
func (v Value) IsNil() bool { return v.Kind == KindNil }

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.Int != 0 }

// IsTruthy implements Lattice truthiness: false and nil are falsy,
// everything else is truthy.
func (v Value) IsTruthy() bool {
	switch v.Kind {
	case KindNil:
		return false
	case KindBool:
		return v.Int != 0
	default:
		return true
	}
}

// IsCallable reports whether the value can be invoked.
func (v Value) IsCallable() bool { return v.Kind == KindClosure && v.Fn != nil }

// TypeName returns the user-facing type name.
func (v Value) TypeName() string {
	switch v.Kind {
	case KindNil:
		return "nil"
	case KindUnit:
		return "unit"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindStr:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindSet:
		return "set"
	case KindStruct:
		if v.Struct != nil {
			return v.Struct.Name
		}
		return "struct"
	case KindTuple:
		return "tuple"
	case KindEnum:
		if v.Enum != nil {
			return v.Enum.Enum
		}
		return "enum"
	case KindRange:
		return "range"
	case KindClosure:
		return "fn"
	case KindChannel:
		return "channel"
	case KindBuffer:
		return "buffer"
	case KindRef:
		return "ref"
	default:
		return "unknown"
	}
}

// ---------------------------------------------------------------------------
// Deep clone
// ---------------------------------------------------------------------------

// DeepClone copies the value and every aggregate it references. The clone
// carries the same phase tags but is fully independent: mutating it never
// affects the original. Channels are shared (they are the one cross-thread
// value by design) and closures share their compiled body.
func (v Value) DeepClone() Value {
	out := v
	out.Region = NoRegion
	switch v.Kind {
	case KindArray:
		if v.Arr != nil {
			elems := make([]Value, len(v.Arr.Elems))
			for i, e := range v.Arr.Elems {
				elems[i] = e.DeepClone()
			}
			out.Arr = &ArrayObject{Elems: elems}
		}
	case KindMap:
		if v.MapV != nil {
			entries := make(map[string]Value, len(v.MapV.Entries))
			for k, e := range v.MapV.Entries {
				entries[k] = e.DeepClone()
			}
			out.MapV = &MapObject{Entries: entries, Alloy: v.MapV.Alloy}
		}
	case KindSet:
		if v.SetV != nil {
			elems := make(map[string]Value, len(v.SetV.Elems))
			for k, e := range v.SetV.Elems {
				elems[k] = e.DeepClone()
			}
			out.SetV = &SetObject{Elems: elems}
		}
	case KindStruct:
		if v.Struct != nil {
			fields := make([]Value, len(v.Struct.Fields))
			for i, f := range v.Struct.Fields {
				fields[i] = f.DeepClone()
			}
			names := make([]string, len(v.Struct.FieldNames))
			copy(names, v.Struct.FieldNames)
			out.Struct = &StructObject{
				Name:       v.Struct.Name,
				FieldNames: names,
				Fields:     fields,
				Alloy:      v.Struct.Alloy,
			}
		}
	case KindTuple:
		if v.Tup != nil {
			elems := make([]Value, len(v.Tup.Elems))
			for i, e := range v.Tup.Elems {
				elems[i] = e.DeepClone()
			}
			out.Tup = &TupleObject{Elems: elems}
		}
	case KindEnum:
		if v.Enum != nil {
			payload := make([]Value, len(v.Enum.Payload))
			for i, e := range v.Enum.Payload {
				payload[i] = e.DeepClone()
			}
			out.Enum = &EnumObject{Enum: v.Enum.Enum, Variant: v.Enum.Variant, Payload: payload}
		}
	case KindRange:
		if v.Rng != nil {
			r := *v.Rng
			out.Rng = &r
		}
	case KindBuffer:
		if v.Buf != nil {
			b := make([]byte, len(v.Buf.Bytes))
			copy(b, v.Buf.Bytes)
			out.Buf = &BufferObject{Bytes: b}
		}
	case KindRef:
		if v.Ref != nil {
			out.Ref = &RefObject{Cell: v.Ref.Cell.DeepClone(), InnerType: v.Ref.InnerType}
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// Equal implements deep structural equality. Phase tags do not participate:
// a frozen array equals its fluid twin.
func (v Value) Equal(o Value) bool {
	if v.Kind == KindInt && o.Kind == KindFloat {
		return float64(v.Int) == o.Float
	}
	if v.Kind == KindFloat && o.Kind == KindInt {
		return v.Float == float64(o.Int)
	}
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNil, KindUnit:
		return true
	case KindInt, KindBool:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindStr:
		return v.Str == o.Str
	case KindArray:
		if len(v.Arr.Elems) != len(o.Arr.Elems) {
			return false
		}
		for i := range v.Arr.Elems {
			if !v.Arr.Elems[i].Equal(o.Arr.Elems[i]) {
				return false
			}
		}
		return true
	case KindTuple:
		if len(v.Tup.Elems) != len(o.Tup.Elems) {
			return false
		}
		for i := range v.Tup.Elems {
			if !v.Tup.Elems[i].Equal(o.Tup.Elems[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.MapV.Entries) != len(o.MapV.Entries) {
			return false
		}
		for k, e := range v.MapV.Entries {
			oe, ok := o.MapV.Entries[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	case KindSet:
		if len(v.SetV.Elems) != len(o.SetV.Elems) {
			return false
		}
		for k := range v.SetV.Elems {
			if _, ok := o.SetV.Elems[k]; !ok {
				return false
			}
		}
		return true
	case KindStruct:
		if v.Struct.Name != o.Struct.Name || len(v.Struct.Fields) != len(o.Struct.Fields) {
			return false
		}
		for i := range v.Struct.Fields {
			if !v.Struct.Fields[i].Equal(o.Struct.Fields[i]) {
				return false
			}
		}
		return true
	case KindEnum:
		if v.Enum.Enum != o.Enum.Enum || v.Enum.Variant != o.Enum.Variant ||
			len(v.Enum.Payload) != len(o.Enum.Payload) {
			return false
		}
		for i := range v.Enum.Payload {
			if !v.Enum.Payload[i].Equal(o.Enum.Payload[i]) {
				return false
			}
		}
		return true
	case KindRange:
		return v.Rng.Start == o.Rng.Start && v.Rng.End == o.Rng.End
	case KindClosure:
		return v.Fn == o.Fn
	case KindChannel:
		return v.Ch == o.Ch
	case KindBuffer:
		if len(v.Buf.Bytes) != len(o.Buf.Bytes) {
			return false
		}
		for i := range v.Buf.Bytes {
			if v.Buf.Bytes[i] != o.Buf.Bytes[i] {
				return false
			}
		}
		return true
	case KindRef:
		return v.Ref == o.Ref
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Display
// ---------------------------------------------------------------------------

// Display returns the user-facing representation.
func (v Value) Display() string {
	var sb strings.Builder
	v.writeDisplay(&sb)
	return sb.String()
}

func (v Value) writeDisplay(sb *strings.Builder) {
	switch v.Kind {
	case KindNil:
		sb.WriteString("nil")
	case KindUnit:
		sb.WriteString("()")
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.Int, 10))
	case KindFloat:
		s := strconv.FormatFloat(v.Float, 'g', -1, 64)
		sb.WriteString(s)
		if !strings.ContainsAny(s, ".eE") && !strings.Contains(s, "Inf") && !strings.Contains(s, "NaN") {
			sb.WriteString(".0")
		}
	case KindBool:
		if v.Int != 0 {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case KindStr:
		sb.WriteString(v.Str)
	case KindArray:
		sb.WriteByte('[')
		for i, e := range v.Arr.Elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.writeDisplay(sb)
		}
		sb.WriteByte(']')
	case KindTuple:
		sb.WriteByte('(')
		for i, e := range v.Tup.Elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.writeDisplay(sb)
		}
		sb.WriteByte(')')
	case KindMap:
		sb.WriteByte('{')
		keys := make([]string, 0, len(v.MapV.Entries))
		for k := range v.MapV.Entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
			sb.WriteString(": ")
			e := v.MapV.Entries[k]
			e.writeDisplay(sb)
		}
		sb.WriteByte('}')
	case KindSet:
		sb.WriteString("set{")
		keys := make([]string, 0, len(v.SetV.Elems))
		for k := range v.SetV.Elems {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(k)
		}
		sb.WriteByte('}')
	case KindStruct:
		sb.WriteString(v.Struct.Name)
		sb.WriteString(" {")
		for i, name := range v.Struct.FieldNames {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(name)
			sb.WriteString(": ")
			v.Struct.Fields[i].writeDisplay(sb)
		}
		sb.WriteByte('}')
	case KindEnum:
		sb.WriteString(v.Enum.Enum)
		sb.WriteString("::")
		sb.WriteString(v.Enum.Variant)
		if len(v.Enum.Payload) > 0 {
			sb.WriteByte('(')
			for i, e := range v.Enum.Payload {
				if i > 0 {
					sb.WriteString(", ")
				}
				e.writeDisplay(sb)
			}
			sb.WriteByte(')')
		}
	case KindRange:
		fmt.Fprintf(sb, "%d..%d", v.Rng.Start, v.Rng.End)
	case KindClosure:
		name := v.Fn.Name
		if name == "" {
			name = "anonymous"
		}
		fmt.Fprintf(sb, "<fn %s>", name)
	case KindChannel:
		sb.WriteString("<channel>")
	case KindBuffer:
		fmt.Fprintf(sb, "<buffer %d>", len(v.Buf.Bytes))
	case KindRef:
		sb.WriteString("ref(")
		v.Ref.Cell.writeDisplay(sb)
		sb.WriteByte(')')
	default:
		sb.WriteString("<unknown>")
	}
}

// setKey returns the canonical key used to store a value in a set.
func setKey(v Value) string {
	return v.TypeName() + "\x00" + v.Display()
}
