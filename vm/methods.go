package vm

import (
	"fmt"
	"sort"
	"strings"
)

// Builtin method dispatch.
//
// Resolution order per call site: (1) the builtin table for the
// receiver's runtime kind, (2) a callable stored as a map entry or struct
// field under the name (self injected for struct fields), (3) a global
// bound under "TypeName::method", (4) error with a closest-name
// suggestion. The inline cache only accelerates step 1.

// sizeEffect classifies a builtin for pressure policies.
type sizeEffect int8

const (
	sizeNone   sizeEffect = 0
	sizeGrow   sizeEffect = 1
	sizeShrink sizeEffect = -1
)

type builtinMethod struct {
	name    string
	arity   int // -1 means any
	mutates bool
	size    sizeEffect
	// check replaces the generic mutates/size gate for builtins that need
	// per-key phase or pressure decisions (alloy maps).
	check func(vm *StackVM, recv Value, args []Value, binding string) error
	fn    func(vm *StackVM, recv Value, args []Value) (Value, error)
}

// invoke dispatches receiver-on-stack method calls (OpInvoke): the stack
// holds receiver then argc arguments.
func (vm *StackVM) invoke(name string, argc int, binding string, chunk *Chunk, site int) error {
	recv := vm.peek(argc)
	args := make([]Value, argc)
	copy(args, vm.stack[vm.sp-argc:vm.sp])
	vm.sp -= argc + 1
	res, err := vm.dispatchMethod(recv, name, args, binding, chunk, site)
	if err != nil {
		return err
	}
	return vm.push(res)
}

// invokeOn dispatches calls whose receiver lives in a local or global
// binding (OpInvokeLocal/OpInvokeGlobal); only the arguments are on the
// stack. writeBack stores the receiver after the call so rebinding
// methods take effect on the variable.
func (vm *StackVM) invokeOn(recv Value, name string, argc int, binding string, chunk *Chunk, site int, writeBack func(Value)) error {
	args := make([]Value, argc)
	copy(args, vm.stack[vm.sp-argc:vm.sp])
	vm.sp -= argc
	res, err := vm.dispatchMethod(recv, name, args, binding, chunk, site)
	if err != nil {
		return err
	}
	writeBack(recv)
	return vm.push(res)
}

func (vm *StackVM) dispatchMethod(recv Value, name string, args []Value, binding string, chunk *Chunk, site int) (Value, error) {
	table := builtinTable(recv.Kind)
	slot := vm.caches.slotFor(chunk, site)
	h := hashName(name)

	skipBuiltin := false
	if id, hit := slot.lookup(recv.Kind, h); hit {
		if id == notBuiltin {
			skipBuiltin = true
		} else if int(id) < len(table) && table[id].name == name {
			return vm.callBuiltin(&table[id], recv, args, binding)
		}
	}

	if !skipBuiltin {
		for i := range table {
			if table[i].name == name {
				slot.insert(recv.Kind, h, uint8(i))
				return vm.callBuiltin(&table[i], recv, args, binding)
			}
		}
		slot.insert(recv.Kind, h, notBuiltin)
	}

	// Callable value stored under the name.
	switch recv.Kind {
	case KindMap:
		if member, ok := recv.MapV.Entries[name]; ok && member.IsCallable() {
			return vm.CallValue(member, args)
		}
	case KindStruct:
		if i := recv.Struct.FieldIndex(name); i >= 0 && recv.Struct.Fields[i].IsCallable() {
			withSelf := append([]Value{recv}, args...)
			return vm.CallValue(recv.Struct.Fields[i], withSelf)
		}
	}

	// Type-qualified global.
	qualified := recv.TypeName() + "::" + name
	if fn, ok := vm.rt.GetGlobal(qualified); ok {
		withSelf := append([]Value{recv}, args...)
		if fn.Kind == KindArray {
			picked, err := resolveOverload(fn.Arr.Elems, withSelf)
			if err != nil {
				return Value{}, err
			}
			fn = picked
		}
		return vm.CallValue(fn, withSelf)
	}

	return Value{}, vm.unknownMethodError(recv, name)
}

func (vm *StackVM) callBuiltin(m *builtinMethod, recv Value, args []Value, binding string) (Value, error) {
	if m.arity >= 0 && len(args) != m.arity {
		return Value{}, fmt.Errorf("%s.%s expects %d argument(s), got %d", recv.TypeName(), m.name, m.arity, len(args))
	}
	if m.check != nil {
		if err := m.check(vm, recv, args, binding); err != nil {
			return Value{}, err
		}
		return m.fn(vm, recv, args)
	}
	if m.mutates {
		if err := CheckMutable(recv, binding, ""); err != nil {
			return Value{}, err
		}
	}
	switch m.size {
	case sizeGrow:
		if err := vm.rt.CheckPressure(binding, true); err != nil {
			return Value{}, err
		}
	case sizeShrink:
		if err := vm.rt.CheckPressure(binding, false); err != nil {
			return Value{}, err
		}
	}
	return m.fn(vm, recv, args)
}

// mapWriteCheck mirrors indexed assignment: alloy maps accept writes to
// fluid keys, and pressure is charged only when the key is new.
func mapWriteCheck(vm *StackVM, r Value, key, binding string) error {
	if err := CheckMutable(r, binding, key); err != nil {
		return err
	}
	if _, exists := r.MapV.Entries[key]; !exists {
		if r.Phase == PhaseCrystal {
			return &PhaseError{Op: "mutate", Variable: binding, Phase: PhaseCrystal}
		}
		if err := vm.rt.CheckPressure(binding, true); err != nil {
			return err
		}
	}
	return nil
}

func (vm *StackVM) unknownMethodError(recv Value, name string) error {
	candidates := builtinNames(recv.Kind)
	switch recv.Kind {
	case KindMap:
		candidates = append(candidates, sortedKeys(recv.MapV.Entries)...)
	case KindStruct:
		candidates = append(candidates, recv.Struct.FieldNames...)
	}
	prefix := recv.TypeName() + "::"
	for _, g := range vm.rt.GlobalNames() {
		if strings.HasPrefix(g, prefix) {
			candidates = append(candidates, strings.TrimPrefix(g, prefix))
		}
	}
	if s := closestName(name, candidates); s != "" {
		return fmt.Errorf("%s has no method '%s' (did you mean '%s'?)", recv.TypeName(), name, s)
	}
	return fmt.Errorf("%s has no method '%s'", recv.TypeName(), name)
}

// ---------------------------------------------------------------------------
// Builtin tables
// ---------------------------------------------------------------------------

func builtinTable(k Kind) []builtinMethod {
	switch k {
	case KindArray:
		return arrayMethods
	case KindStr:
		return stringMethods
	case KindMap:
		return mapMethods
	case KindSet:
		return setMethods
	case KindTuple:
		return tupleMethods
	case KindEnum:
		return enumMethods
	case KindRange:
		return rangeMethods
	case KindBuffer:
		return bufferMethods
	case KindRef:
		return refMethods
	case KindChannel:
		return channelMethods
	default:
		return nil
	}
}

var arrayMethods = []builtinMethod{
	{name: "len", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return IntValue(int64(len(r.Arr.Elems))), nil
	}},
	{name: "is_empty", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return BoolValue(len(r.Arr.Elems) == 0), nil
	}},
	{name: "push", arity: 1, mutates: true, size: sizeGrow, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		r.Arr.Elems = append(r.Arr.Elems, a[0])
		return UnitValue(), nil
	}},
	{name: "pop", arity: 0, mutates: true, size: sizeShrink, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		n := len(r.Arr.Elems)
		if n == 0 {
			return Value{}, fmt.Errorf("pop from empty array")
		}
		v := r.Arr.Elems[n-1]
		r.Arr.Elems = r.Arr.Elems[:n-1]
		return v, nil
	}},
	{name: "insert", arity: 2, mutates: true, size: sizeGrow, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		i, err := boundsCheck(a[0], int64(len(r.Arr.Elems))+1, "array")
		if err != nil {
			return Value{}, err
		}
		r.Arr.Elems = append(r.Arr.Elems, Value{})
		copy(r.Arr.Elems[i+1:], r.Arr.Elems[i:])
		r.Arr.Elems[i] = a[1]
		return UnitValue(), nil
	}},
	{name: "remove_at", arity: 1, mutates: true, size: sizeShrink, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		i, err := boundsCheck(a[0], int64(len(r.Arr.Elems)), "array")
		if err != nil {
			return Value{}, err
		}
		v := r.Arr.Elems[i]
		r.Arr.Elems = append(r.Arr.Elems[:i], r.Arr.Elems[i+1:]...)
		return v, nil
	}},
	{name: "contains", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		for _, e := range r.Arr.Elems {
			if e.Equal(a[0]) {
				return BoolValue(true), nil
			}
		}
		return BoolValue(false), nil
	}},
	{name: "index_of", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		for i, e := range r.Arr.Elems {
			if e.Equal(a[0]) {
				return IntValue(int64(i)), nil
			}
		}
		return IntValue(-1), nil
	}},
	{name: "first", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		if len(r.Arr.Elems) == 0 {
			return NilValue(), nil
		}
		return r.Arr.Elems[0], nil
	}},
	{name: "last", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		if len(r.Arr.Elems) == 0 {
			return NilValue(), nil
		}
		return r.Arr.Elems[len(r.Arr.Elems)-1], nil
	}},
	{name: "slice", arity: 2, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		n := int64(len(r.Arr.Elems))
		if a[0].Kind != KindInt || a[1].Kind != KindInt {
			return Value{}, fmt.Errorf("slice bounds must be ints")
		}
		lo, hi := a[0].Int, a[1].Int
		if lo < 0 || hi > n || lo > hi {
			return Value{}, fmt.Errorf("slice bounds %d..%d out of range (length %d)", lo, hi, n)
		}
		out := make([]Value, hi-lo)
		copy(out, r.Arr.Elems[lo:hi])
		return ArrayValue(out), nil
	}},
	{name: "reverse", arity: 0, mutates: true, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		e := r.Arr.Elems
		for i, j := 0, len(e)-1; i < j; i, j = i+1, j-1 {
			e[i], e[j] = e[j], e[i]
		}
		return UnitValue(), nil
	}},
	{name: "join", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		if a[0].Kind != KindStr {
			return Value{}, fmt.Errorf("join separator must be a string, got %s", a[0].TypeName())
		}
		parts := make([]string, len(r.Arr.Elems))
		for i, e := range r.Arr.Elems {
			parts[i] = e.Display()
		}
		return StrValue(strings.Join(parts, a[0].Str)), nil
	}},
	{name: "sum", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		var isum int64
		var fsum float64
		float := false
		for _, e := range r.Arr.Elems {
			switch e.Kind {
			case KindInt:
				isum += e.Int
			case KindFloat:
				float = true
				fsum += e.Float
			default:
				return Value{}, fmt.Errorf("sum over non-numeric element (%s)", e.TypeName())
			}
		}
		if float {
			return FloatValue(fsum + float64(isum)), nil
		}
		return IntValue(isum), nil
	}},
	{name: "clone", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return r.DeepClone(), nil
	}},
}

var stringMethods = []builtinMethod{
	{name: "len", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return IntValue(int64(len(r.Str))), nil
	}},
	{name: "contains", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return BoolValue(strings.Contains(r.Str, a[0].Str)), nil
	}},
	{name: "split", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		parts := strings.Split(r.Str, a[0].Str)
		elems := make([]Value, len(parts))
		for i, p := range parts {
			elems[i] = StrValue(p)
		}
		return ArrayValue(elems), nil
	}},
	{name: "trim", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return StrValue(strings.TrimSpace(r.Str)), nil
	}},
	{name: "upper", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return StrValue(strings.ToUpper(r.Str)), nil
	}},
	{name: "lower", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return StrValue(strings.ToLower(r.Str)), nil
	}},
	{name: "starts_with", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return BoolValue(strings.HasPrefix(r.Str, a[0].Str)), nil
	}},
	{name: "ends_with", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return BoolValue(strings.HasSuffix(r.Str, a[0].Str)), nil
	}},
	{name: "replace", arity: 2, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return StrValue(strings.ReplaceAll(r.Str, a[0].Str, a[1].Str)), nil
	}},
	{name: "substring", arity: 2, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		n := int64(len(r.Str))
		if a[0].Kind != KindInt || a[1].Kind != KindInt {
			return Value{}, fmt.Errorf("substring bounds must be ints")
		}
		lo, hi := a[0].Int, a[1].Int
		if lo < 0 || hi > n || lo > hi {
			return Value{}, fmt.Errorf("substring bounds %d..%d out of range (length %d)", lo, hi, n)
		}
		return StrValue(r.Str[lo:hi]), nil
	}},
	{name: "index_of", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return IntValue(int64(strings.Index(r.Str, a[0].Str))), nil
	}},
	{name: "repeat", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		if a[0].Kind != KindInt || a[0].Int < 0 {
			return Value{}, fmt.Errorf("repeat count must be a non-negative int")
		}
		return StrValue(strings.Repeat(r.Str, int(a[0].Int))), nil
	}},
}

var mapMethods = []builtinMethod{
	{name: "len", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return IntValue(int64(len(r.MapV.Entries))), nil
	}},
	{name: "keys", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		keys := sortedKeys(r.MapV.Entries)
		elems := make([]Value, len(keys))
		for i, k := range keys {
			elems[i] = StrValue(k)
		}
		return ArrayValue(elems), nil
	}},
	{name: "values", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		keys := sortedKeys(r.MapV.Entries)
		elems := make([]Value, len(keys))
		for i, k := range keys {
			elems[i] = r.MapV.Entries[k]
		}
		return ArrayValue(elems), nil
	}},
	{name: "get", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		if e, ok := r.MapV.Entries[mapKey(a[0])]; ok {
			return e, nil
		}
		return NilValue(), nil
	}},
	{name: "has", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		_, ok := r.MapV.Entries[mapKey(a[0])]
		return BoolValue(ok), nil
	}},
	{name: "set", arity: 2, mutates: true, check: func(vm *StackVM, r Value, a []Value, binding string) error {
		return mapWriteCheck(vm, r, mapKey(a[0]), binding)
	}, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		r.MapV.Entries[mapKey(a[0])] = a[1]
		return UnitValue(), nil
	}},
	{name: "remove", arity: 1, mutates: true, check: func(vm *StackVM, r Value, a []Value, binding string) error {
		key := mapKey(a[0])
		if err := CheckMutable(r, binding, key); err != nil {
			return err
		}
		if _, ok := r.MapV.Entries[key]; !ok {
			return nil
		}
		// Dropping a key shrinks the container; alloy fields do not
		// license structural changes on a crystal map.
		if r.Phase == PhaseCrystal {
			return &PhaseError{Op: "mutate", Variable: binding, Phase: PhaseCrystal}
		}
		return vm.rt.CheckPressure(binding, false)
	}, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		key := mapKey(a[0])
		v, ok := r.MapV.Entries[key]
		if !ok {
			return NilValue(), nil
		}
		delete(r.MapV.Entries, key)
		return v, nil
	}},
	{name: "merge", arity: 1, mutates: true, check: func(vm *StackVM, r Value, a []Value, binding string) error {
		if a[0].Kind != KindMap {
			return nil // fn reports the type mismatch
		}
		for k := range a[0].MapV.Entries {
			if err := mapWriteCheck(vm, r, k, binding); err != nil {
				return err
			}
		}
		return nil
	}, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		if a[0].Kind != KindMap {
			return Value{}, fmt.Errorf("merge requires a map, got %s", a[0].TypeName())
		}
		for k, v := range a[0].MapV.Entries {
			r.MapV.Entries[k] = v
		}
		return UnitValue(), nil
	}},
	{name: "clone", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return r.DeepClone(), nil
	}},
}

var setMethods = []builtinMethod{
	{name: "len", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return IntValue(int64(len(r.SetV.Elems))), nil
	}},
	{name: "add", arity: 1, mutates: true, size: sizeGrow, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		r.SetV.Elems[setKey(a[0])] = a[0]
		return UnitValue(), nil
	}},
	{name: "remove", arity: 1, mutates: true, size: sizeShrink, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		k := setKey(a[0])
		_, ok := r.SetV.Elems[k]
		delete(r.SetV.Elems, k)
		return BoolValue(ok), nil
	}},
	{name: "contains", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		_, ok := r.SetV.Elems[setKey(a[0])]
		return BoolValue(ok), nil
	}},
}

var tupleMethods = []builtinMethod{
	{name: "len", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return IntValue(int64(len(r.Tup.Elems))), nil
	}},
}

var enumMethods = []builtinMethod{
	{name: "variant", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return StrValue(r.Enum.Variant), nil
	}},
	{name: "payload", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		out := make([]Value, len(r.Enum.Payload))
		copy(out, r.Enum.Payload)
		return ArrayValue(out), nil
	}},
	{name: "is", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return BoolValue(r.Enum.Variant == a[0].Str), nil
	}},
}

var rangeMethods = []builtinMethod{
	{name: "start", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return IntValue(r.Rng.Start), nil
	}},
	{name: "end", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return IntValue(r.Rng.End), nil
	}},
	{name: "len", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		n := r.Rng.End - r.Rng.Start
		if n < 0 {
			n = 0
		}
		return IntValue(n), nil
	}},
	{name: "to_array", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		n := r.Rng.End - r.Rng.Start
		if n < 0 {
			n = 0
		}
		elems := make([]Value, n)
		for i := int64(0); i < n; i++ {
			elems[i] = IntValue(r.Rng.Start + i)
		}
		return ArrayValue(elems), nil
	}},
}

var bufferMethods = []builtinMethod{
	{name: "len", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return IntValue(int64(len(r.Buf.Bytes))), nil
	}},
	{name: "fill", arity: 1, mutates: true, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		if a[0].Kind != KindInt || a[0].Int < 0 || a[0].Int > 255 {
			return Value{}, fmt.Errorf("fill value must be an int in 0..255")
		}
		for i := range r.Buf.Bytes {
			r.Buf.Bytes[i] = byte(a[0].Int)
		}
		return UnitValue(), nil
	}},
}

var refMethods = []builtinMethod{
	{name: "get", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return r.Ref.Cell, nil
	}},
	{name: "set", arity: 1, mutates: true, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		r.Ref.Cell = a[0]
		return UnitValue(), nil
	}},
}

var channelMethods = []builtinMethod{
	{name: "send", arity: 1, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		switch a[0].Phase {
		case PhaseFluid, PhaseSublimated:
			return Value{}, phaseErr("send", a[0].Phase)
		}
		// Clone before enqueue: the receiver may live on another thread,
		// so the two sides must never share mutable structure.
		return BoolValue(r.Ch.Send(a[0].DeepClone())), nil
	}},
	{name: "recv", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		v, ok := r.Ch.Recv()
		if !ok {
			return NilValue(), nil
		}
		return v, nil
	}},
	{name: "try_recv", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		v, ok, closed := r.Ch.TryRecv()
		return TupleValue([]Value{v, BoolValue(ok), BoolValue(closed)}), nil
	}},
	{name: "close", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		r.Ch.Close()
		return UnitValue(), nil
	}},
	{name: "closed", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return BoolValue(r.Ch.Closed()), nil
	}},
	{name: "len", arity: 0, fn: func(vm *StackVM, r Value, a []Value) (Value, error) {
		return IntValue(int64(r.Ch.Len())), nil
	}},
}

// builtinNames lists every method for one kind, for error suggestions and
// introspection.
func builtinNames(k Kind) []string {
	table := builtinTable(k)
	names := make([]string, len(table))
	for i, m := range table {
		names[i] = m.name
	}
	sort.Strings(names)
	return names
}
