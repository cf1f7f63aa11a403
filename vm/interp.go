package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// thrownError carries a user-thrown value across recursive interpreter
// entries (defer bodies, reactions, select arms) without flattening it to
// a string.
type thrownError struct {
	v Value
}

func (e *thrownError) Error() string { return e.v.Display() }

// RunChunk executes a compiled script chunk to completion and returns its
// result. Uncaught errors come back as *RuntimeError with a stack trace.
func (vm *StackVM) RunChunk(c *Chunk) (res Value, err error) {
	baseSP, baseFrames := vm.sp, vm.frameCount
	defer func() {
		if r := recover(); r != nil {
			err = vm.terminal(fmt.Sprintf("corrupt bytecode: %v", r))
		}
		// OpHalt stops mid-frame; restore the machine so the embedder can
		// run further chunks on the same VM.
		vm.closeUpvalues(baseSP)
		vm.sp, vm.frameCount = baseSP, baseFrames
	}()
	script := &Closure{Chunk: c, Name: c.Name}
	if err := vm.push(ClosureValue(script)); err != nil {
		return Value{}, err
	}
	if err := vm.pushFrame(script, vm.sp); err != nil {
		return Value{}, err
	}
	return vm.run(vm.frameCount - 1)
}

// run is the dispatch loop: fetch the opcode at frame.ip, decode its
// fixed-size operands, execute, repeat. It returns when the frame at
// baseFrame pops (or OpHalt fires). Failing opcodes route through the
// handler stack; with no handler in range the error propagates out.
func (vm *StackVM) run(baseFrame int) (Value, error) {
	for {
		f := vm.frame()
		if f.ip >= len(f.chunk.Code) {
			return Value{}, vm.fail(baseFrame, errors.New("instruction pointer out of range"))
		}
		op := Op(f.chunk.Code[f.ip])
		f.ip++

		var err error
		switch op {
		case OpConstant:
			err = vm.push(f.chunk.Constants[vm.readByte(f)])
		case OpConstant16:
			err = vm.push(f.chunk.Constants[vm.readU16(f)])
		case OpNil:
			err = vm.push(NilValue())
		case OpTrue:
			err = vm.push(BoolValue(true))
		case OpFalse:
			err = vm.push(BoolValue(false))
		case OpUnit:
			err = vm.push(UnitValue())
		case OpPop:
			vm.pop()
			vm.eph.Reset()
		case OpDup:
			err = vm.push(vm.peek(0))
		case OpSwap:
			vm.stack[vm.sp-1], vm.stack[vm.sp-2] = vm.stack[vm.sp-2], vm.stack[vm.sp-1]

		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpBitAnd, OpBitOr,
			OpBitXor, OpLShift, OpRShift, OpLt, OpGt, OpLtEq, OpGtEq:
			err = vm.binaryOp(op)
		case OpNeg:
			err = vm.negate()
		case OpNot:
			v := vm.pop()
			err = vm.push(BoolValue(!v.IsTruthy()))
		case OpBitNot:
			v := vm.pop()
			if v.Kind != KindInt {
				err = fmt.Errorf("bitwise not requires an int, got %s", v.TypeName())
			} else {
				err = vm.push(IntValue(^v.Int))
			}
		case OpEq:
			b, a := vm.pop(), vm.pop()
			err = vm.push(BoolValue(a.Equal(b)))
		case OpNeq:
			b, a := vm.pop(), vm.pop()
			err = vm.push(BoolValue(!a.Equal(b)))
		case OpConcat:
			err = vm.concat()

		case OpGetLocal:
			err = vm.push(vm.stack[f.bp+int(vm.readByte(f))])
		case OpSetLocal:
			vm.stack[f.bp+int(vm.readByte(f))] = vm.peek(0)
		case OpGetGlobal, OpGetGlobal16:
			name := vm.constName(f, op == OpGetGlobal16)
			if v, ok := vm.rt.GetGlobal(name); ok {
				err = vm.push(v)
			} else {
				err = vm.rt.undefinedError(name)
			}
		case OpSetGlobal, OpSetGlobal16:
			name := vm.constName(f, op == OpSetGlobal16)
			err = vm.rt.SetGlobal(name, vm.peek(0))
		case OpDefineGlobal, OpDefineGlobal16:
			name := vm.constName(f, op == OpDefineGlobal16)
			vm.rt.DefineGlobal(name, vm.pop())
		case OpGetUpvalue:
			err = vm.push(f.closure.Upvalues[vm.readByte(f)].Get(vm))
		case OpSetUpvalue:
			f.closure.Upvalues[vm.readByte(f)].Set(vm, vm.peek(0))
		case OpCloseUpvalue:
			vm.closeUpvalues(vm.sp - 1)
			vm.pop()

		case OpJump:
			off := vm.readU16(f)
			f.ip += int(off)
		case OpJumpIfFalse:
			off := vm.readU16(f)
			if !vm.peek(0).IsTruthy() {
				f.ip += int(off)
			}
		case OpJumpIfTrue:
			off := vm.readU16(f)
			if vm.peek(0).IsTruthy() {
				f.ip += int(off)
			}
		case OpJumpIfNotNil:
			off := vm.readU16(f)
			if !vm.peek(0).IsNil() {
				f.ip += int(off)
			}
		case OpLoop:
			off := vm.readU16(f)
			f.ip -= int(off)

		case OpCall:
			argc := int(vm.readByte(f))
			err = vm.callValue(vm.peek(argc), argc)
		case OpClosure, OpClosure16:
			err = vm.makeClosure(f, op == OpClosure16)
		case OpReturn:
			result := UnitValue()
			if f.cleanupBase < 0 {
				result = vm.pop()
			} else if vm.sp > f.cleanupBase {
				result = vm.pop()
			}
			if err = vm.runFrameDefers(0); err != nil {
				break
			}
			done, ret := vm.popFrame(result, baseFrame)
			if done {
				return ret, nil
			}

		case OpIterInit:
			err = vm.iterInit()
		case OpIterNext:
			off := vm.readU16(f)
			err = vm.iterNext(f, int(off))

		case OpBuildArray:
			n := int(vm.readByte(f))
			elems := make([]Value, n)
			copy(elems, vm.stack[vm.sp-n:vm.sp])
			vm.sp -= n
			err = vm.push(ArrayValue(elems))
		case OpArrayFlatten:
			err = vm.arrayFlatten()
		case OpBuildMap:
			n := int(vm.readByte(f))
			m := MapValue()
			base := vm.sp - n*2
			for i := 0; i < n; i++ {
				k := vm.stack[base+i*2]
				m.MapV.Entries[mapKey(k)] = vm.stack[base+i*2+1]
			}
			vm.sp = base
			err = vm.push(m)
		case OpBuildTuple:
			n := int(vm.readByte(f))
			elems := make([]Value, n)
			copy(elems, vm.stack[vm.sp-n:vm.sp])
			vm.sp -= n
			err = vm.push(TupleValue(elems))
		case OpBuildStruct:
			err = vm.buildStruct(f)
		case OpBuildRange:
			end, start := vm.pop(), vm.pop()
			if start.Kind != KindInt || end.Kind != KindInt {
				err = fmt.Errorf("range bounds must be ints, got %s..%s", start.TypeName(), end.TypeName())
			} else {
				err = vm.push(RangeValue(start.Int, end.Int))
			}
		case OpBuildEnum:
			enumName := f.chunk.Constants[vm.readByte(f)].Str
			variant := f.chunk.Constants[vm.readByte(f)].Str
			n := int(vm.readByte(f))
			payload := make([]Value, n)
			copy(payload, vm.stack[vm.sp-n:vm.sp])
			vm.sp -= n
			err = vm.push(EnumValue(enumName, variant, payload))

		case OpIndex:
			err = vm.indexGet()
		case OpSetIndex:
			err = vm.indexSet("")
		case OpSetIndexLocal:
			slot := int(vm.readByte(f))
			err = vm.indexSetLocal(f, slot)
		case OpGetField:
			err = vm.fieldGet(f.chunk.Constants[vm.readByte(f)].Str)
		case OpSetField:
			err = vm.fieldSet(f.chunk.Constants[vm.readByte(f)].Str, "")
		case OpInvoke:
			site := f.ip - 1
			name := f.chunk.Constants[vm.readByte(f)].Str
			argc := int(vm.readByte(f))
			err = vm.invoke(name, argc, "", f.chunk, site)
		case OpInvokeLocal:
			site := f.ip - 1
			slot := int(vm.readByte(f))
			name := f.chunk.Constants[vm.readByte(f)].Str
			argc := int(vm.readByte(f))
			err = vm.invokeOn(vm.stack[f.bp+slot], name, argc, f.chunk.LocalName(slot), f.chunk, site,
				func(recv Value) { vm.stack[f.bp+slot] = recv })
		case OpInvokeGlobal:
			site := f.ip - 1
			gname := f.chunk.Constants[vm.readByte(f)].Str
			name := f.chunk.Constants[vm.readByte(f)].Str
			argc := int(vm.readByte(f))
			recv, ok := vm.rt.GetGlobal(gname)
			if !ok {
				err = vm.rt.undefinedError(gname)
				break
			}
			err = vm.invokeOn(recv, name, argc, gname, f.chunk, site,
				func(r Value) { vm.rt.DefineGlobal(gname, r) })

		case OpPushExceptionHandler:
			off := vm.readU16(f)
			err = vm.pushHandler(f.ip+int(off), vm.frameCount-1, vm.sp)
		case OpPopExceptionHandler:
			vm.popHandler()
		case OpThrow:
			err = &thrownError{v: vm.pop()}
		case OpTryUnwrap:
			nowDone, ret, e := vm.tryUnwrap(baseFrame)
			if nowDone {
				return ret, nil
			}
			err = e

		case OpDeferPush:
			off := vm.readU16(f)
			depth := int(vm.readByte(f))
			if vm.deferCount >= DefersMax {
				err = fmt.Errorf("%w: defer stack overflow", ErrResource)
				break
			}
			vm.defers[vm.deferCount] = deferRecord{
				bodyIP:     f.ip,
				frameIndex: vm.frameCount - 1,
				scopeDepth: depth,
			}
			vm.deferCount++
			f.ip += int(off)
		case OpDeferRun:
			minDepth := int(vm.readByte(f))
			err = vm.runFrameDefers(minDepth)

		case OpFreeze:
			v := vm.pop()
			var out Value
			if out, err = Freeze(v); err == nil {
				err = vm.push(out)
			}
		case OpThaw:
			v := vm.pop()
			var out Value
			if out, err = Thaw(v); err == nil {
				err = vm.push(out)
			}
		case OpClone:
			err = vm.push(vm.pop().DeepClone())
		case OpMarkFluid:
			switch vm.peek(0).Phase {
			case PhaseUnphased:
				vm.stack[vm.sp-1].Phase = PhaseFluid
			case PhaseCrystal:
				err = phaseErr("mark fluid", PhaseCrystal)
			case PhaseSublimated:
				err = phaseErr("mark fluid", PhaseSublimated)
			}

		case OpReact:
			name := f.chunk.Constants[vm.readByte(f)].Str
			if err = vm.rt.React(name, vm.pop()); err == nil {
				err = vm.push(UnitValue())
			}
		case OpUnreact:
			vm.rt.Unreact(f.chunk.Constants[vm.readByte(f)].Str)
			err = vm.push(UnitValue())
		case OpBond:
			target := f.chunk.Constants[vm.readByte(f)].Str
			strategy, dep := vm.pop(), vm.pop()
			if err = vm.rt.BondVar(target, dep.Str, strategy.Str); err == nil {
				err = vm.push(UnitValue())
			}
		case OpUnbond:
			target := f.chunk.Constants[vm.readByte(f)].Str
			dep := vm.pop()
			vm.rt.Unbond(target, dep.Str)
			err = vm.push(UnitValue())
		case OpSeed:
			name := f.chunk.Constants[vm.readByte(f)].Str
			if err = vm.rt.SeedVar(name, vm.pop()); err == nil {
				err = vm.push(UnitValue())
			}
		case OpUnseed:
			vm.rt.Unseed(f.chunk.Constants[vm.readByte(f)].Str)
			err = vm.push(UnitValue())

		case OpFreezeVar:
			err = vm.phaseVar(f, EventFreeze)
		case OpThawVar:
			err = vm.phaseVar(f, EventThaw)
		case OpSublimateVar:
			err = vm.phaseVar(f, EventSublimate)
		case OpSublimate:
			v := vm.pop()
			var out Value
			if out, err = Sublimate(v); err == nil {
				err = vm.push(out)
			}

		case OpPrint:
			n := int(vm.readByte(f))
			parts := make([]string, n)
			for i := n - 1; i >= 0; i-- {
				parts[i] = vm.pop().Display()
			}
			vm.Print(strings.Join(parts, " ") + "\n")

		case OpImport:
			path := f.chunk.Constants[vm.readByte(f)].Str
			var mod Value
			if mod, err = vm.importModule(path); err == nil {
				err = vm.push(mod)
			}

		case OpScope:
			err = vm.runScope(f)
		case OpSelect:
			err = vm.runSelect(f)

		case OpIncLocal:
			slot := f.bp + int(vm.readByte(f))
			if vm.stack[slot].Kind != KindInt {
				err = fmt.Errorf("cannot increment a %s value", vm.stack[slot].TypeName())
			} else {
				vm.stack[slot].Int++
			}
		case OpDecLocal:
			slot := f.bp + int(vm.readByte(f))
			if vm.stack[slot].Kind != KindInt {
				err = fmt.Errorf("cannot decrement a %s value", vm.stack[slot].TypeName())
			} else {
				vm.stack[slot].Int--
			}
		case OpAddInt:
			b, a := vm.pop(), vm.pop()
			err = vm.pushInt(a, b, a.Int+b.Int)
		case OpSubInt:
			b, a := vm.pop(), vm.pop()
			err = vm.pushInt(a, b, a.Int-b.Int)
		case OpMulInt:
			b, a := vm.pop(), vm.pop()
			err = vm.pushInt(a, b, a.Int*b.Int)
		case OpLtInt:
			b, a := vm.pop(), vm.pop()
			err = vm.pushIntBool(a, b, a.Int < b.Int)
		case OpLtEqInt:
			b, a := vm.pop(), vm.pop()
			err = vm.pushIntBool(a, b, a.Int <= b.Int)
		case OpLoadInt8:
			err = vm.push(IntValue(int64(int8(vm.readByte(f)))))

		case OpHalt:
			if vm.sp > 0 {
				return vm.pop(), nil
			}
			return UnitValue(), nil

		default:
			err = fmt.Errorf("unknown opcode %d", byte(op))
		}

		if err != nil {
			if e := vm.fail(baseFrame, err); e != nil {
				return Value{}, e
			}
		}
	}
}

// fail routes an error to the handler stack. nil means a handler caught
// it and execution resumes; otherwise the returned error terminates this
// run level (wrapped as *RuntimeError only at the outermost entry).
func (vm *StackVM) fail(baseFrame int, err error) error {
	thrown := StrValue(err.Error())
	var te *thrownError
	if errors.As(err, &te) {
		thrown = te.v
	}
	if vm.unwind(thrown, baseFrame) {
		return nil
	}
	if baseFrame > 0 {
		return err // an enclosing run level owns the next handler
	}
	var rte *RuntimeError
	if errors.As(err, &rte) {
		return rte
	}
	return vm.terminal(err.Error())
}

// ---------------------------------------------------------------------------
// Operand decoding
// ---------------------------------------------------------------------------

func (vm *StackVM) readByte(f *CallFrame) byte {
	b := f.chunk.Code[f.ip]
	f.ip++
	return b
}

func (vm *StackVM) readU16(f *CallFrame) uint16 {
	v := binary.BigEndian.Uint16(f.chunk.Code[f.ip:])
	f.ip += 2
	return v
}

func (vm *StackVM) constName(f *CallFrame, wide bool) string {
	if wide {
		return f.chunk.Constants[vm.readU16(f)].Str
	}
	return f.chunk.Constants[vm.readByte(f)].Str
}

// ---------------------------------------------------------------------------
// Frames, closures, defers
// ---------------------------------------------------------------------------

// popFrame retires the current frame and pushes the result for the
// caller. Defer frames restore the shared stack instead. Returns true when
// the run level is done.
func (vm *StackVM) popFrame(result Value, baseFrame int) (bool, Value) {
	f := vm.frame()
	if f.cleanupBase >= 0 {
		vm.closeUpvalues(f.cleanupBase)
		vm.sp = f.cleanupBase
	} else {
		vm.closeUpvalues(f.bp)
		vm.sp = f.bp - 1 // also discards the callee slot
	}
	vm.frameCount--
	if vm.frameCount == baseFrame {
		return true, result
	}
	if f.cleanupBase < 0 {
		vm.stack[vm.sp] = result
		vm.sp++
	}
	return false, Value{}
}

func (vm *StackVM) makeClosure(f *CallFrame, wide bool) error {
	var idx int
	if wide {
		idx = int(vm.readU16(f))
	} else {
		idx = int(vm.readByte(f))
	}
	template := f.chunk.Constants[idx].Fn
	count := int(vm.readByte(f))

	fn := &Closure{
		Chunk:       template.Chunk,
		Name:        template.Name,
		ParamCount:  template.ParamCount,
		Defaults:    template.Defaults,
		HasVariadic: template.HasVariadic,
		ParamPhases: template.ParamPhases,
		Upvalues:    make([]*Upvalue, count),
	}
	for i := 0; i < count; i++ {
		isLocal := vm.readByte(f)
		index := int(vm.readByte(f))
		if isLocal != 0 {
			fn.Upvalues[i] = vm.captureUpvalue(f.bp + index)
		} else {
			fn.Upvalues[i] = f.closure.Upvalues[index]
		}
	}
	return vm.push(ClosureValue(fn))
}

// runFrameDefers executes pending defers owned by the current frame with
// scope depth >= minDepth, most recently pushed first. Each body runs in a
// synthetic frame that shares the parent's locals; cleanupBase keeps its
// scratch from clobbering them.
func (vm *StackVM) runFrameDefers(minDepth int) error {
	fi := vm.frameCount - 1
	for vm.deferCount > 0 {
		d := vm.defers[vm.deferCount-1]
		if d.frameIndex != fi || d.scopeDepth < minDepth {
			break
		}
		vm.deferCount--
		if vm.frameCount >= FramesMax {
			return fmt.Errorf("%w: call frame stack overflow", ErrResource)
		}
		parent := vm.frames[fi]
		vm.frames[vm.frameCount] = CallFrame{
			closure:     parent.closure,
			chunk:       parent.chunk,
			ip:          d.bodyIP,
			bp:          parent.bp,
			cleanupBase: vm.sp,
		}
		vm.frameCount++
		if _, err := vm.run(vm.frameCount - 1); err != nil {
			return err
		}
	}
	return nil
}

// tryUnwrap implements the ? operator: Ok/Some unwrap their payload, Err
// and None return early from the current function with the enum intact.
func (vm *StackVM) tryUnwrap(baseFrame int) (bool, Value, error) {
	v := vm.peek(0)
	if v.Kind != KindEnum {
		return false, Value{}, fmt.Errorf("cannot unwrap a %s value", v.TypeName())
	}
	switch v.Enum.Variant {
	case "Ok", "Some":
		vm.pop()
		if len(v.Enum.Payload) > 0 {
			return false, Value{}, vm.push(v.Enum.Payload[0])
		}
		return false, Value{}, vm.push(UnitValue())
	case "Err", "None":
		result := vm.pop()
		if err := vm.runFrameDefers(0); err != nil {
			return false, Value{}, err
		}
		done, ret := vm.popFrame(result, baseFrame)
		return done, ret, nil
	default:
		return false, Value{}, fmt.Errorf("cannot unwrap %s::%s", v.Enum.Enum, v.Enum.Variant)
	}
}

// ---------------------------------------------------------------------------
// Named phase transitions
// ---------------------------------------------------------------------------

// phaseVar handles OpFreezeVar/OpThawVar/OpSublimateVar: transition the
// value on top of the stack, write the result back to the named binding,
// and leave the result on the stack.
func (vm *StackVM) phaseVar(f *CallFrame, event PhaseEvent) error {
	name := f.chunk.Constants[vm.readByte(f)].Str
	locType := vm.readByte(f)
	slot := int(vm.readByte(f))
	v := vm.pop()

	var out Value
	var err error
	switch event {
	case EventFreeze:
		out, err = vm.rt.FreezeBinding(name, v)
	case EventThaw:
		if out, err = Thaw(v); err == nil {
			err = vm.rt.FireReactions(name, EventThaw, out)
		}
	case EventSublimate:
		if out, err = Sublimate(v); err == nil {
			err = vm.rt.FireReactions(name, EventSublimate, out)
		}
	}
	if err != nil {
		if pe := new(PhaseError); errors.As(err, &pe) && pe.Variable == "" {
			pe.Variable = name
		}
		return err
	}

	if locType == locGlobal {
		vm.rt.DefineGlobal(name, out)
	} else {
		vm.stack[f.bp+slot] = out
	}
	vm.rt.RecordPhase(name, event, out.Phase, vm.currentLine(), vm.currentFunction())
	return vm.push(out)
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison
// ---------------------------------------------------------------------------

func (vm *StackVM) binaryOp(op Op) error {
	b, a := vm.pop(), vm.pop()

	if a.Kind == KindStr && b.Kind == KindStr {
		switch op {
		case OpLt:
			return vm.push(BoolValue(a.Str < b.Str))
		case OpGt:
			return vm.push(BoolValue(a.Str > b.Str))
		case OpLtEq:
			return vm.push(BoolValue(a.Str <= b.Str))
		case OpGtEq:
			return vm.push(BoolValue(a.Str >= b.Str))
		}
	}

	if a.Kind == KindInt && b.Kind == KindInt {
		x, y := a.Int, b.Int
		switch op {
		case OpAdd:
			return vm.push(IntValue(x + y))
		case OpSub:
			return vm.push(IntValue(x - y))
		case OpMul:
			return vm.push(IntValue(x * y))
		case OpDiv:
			if y == 0 {
				return errors.New("division by zero")
			}
			return vm.push(IntValue(x / y))
		case OpMod:
			if y == 0 {
				return errors.New("modulo by zero")
			}
			return vm.push(IntValue(x % y))
		case OpBitAnd:
			return vm.push(IntValue(x & y))
		case OpBitOr:
			return vm.push(IntValue(x | y))
		case OpBitXor:
			return vm.push(IntValue(x ^ y))
		case OpLShift:
			if y < 0 || y >= 64 {
				return fmt.Errorf("shift count %d out of range", y)
			}
			return vm.push(IntValue(x << uint(y)))
		case OpRShift:
			if y < 0 || y >= 64 {
				return fmt.Errorf("shift count %d out of range", y)
			}
			return vm.push(IntValue(x >> uint(y)))
		case OpLt:
			return vm.push(BoolValue(x < y))
		case OpGt:
			return vm.push(BoolValue(x > y))
		case OpLtEq:
			return vm.push(BoolValue(x <= y))
		case OpGtEq:
			return vm.push(BoolValue(x >= y))
		}
	}

	ax, aok := numericValue(a)
	bx, bok := numericValue(b)
	if aok && bok {
		switch op {
		case OpAdd:
			return vm.push(FloatValue(ax + bx))
		case OpSub:
			return vm.push(FloatValue(ax - bx))
		case OpMul:
			return vm.push(FloatValue(ax * bx))
		case OpDiv:
			if bx == 0 {
				return errors.New("division by zero")
			}
			return vm.push(FloatValue(ax / bx))
		case OpMod:
			return vm.push(FloatValue(math.Mod(ax, bx)))
		case OpLt:
			return vm.push(BoolValue(ax < bx))
		case OpGt:
			return vm.push(BoolValue(ax > bx))
		case OpLtEq:
			return vm.push(BoolValue(ax <= bx))
		case OpGtEq:
			return vm.push(BoolValue(ax >= bx))
		}
	}

	return fmt.Errorf("unsupported operand types for %s: %s and %s", op, a.TypeName(), b.TypeName())
}

func numericValue(v Value) (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	default:
		return 0, false
	}
}

func (vm *StackVM) negate() error {
	v := vm.pop()
	switch v.Kind {
	case KindInt:
		return vm.push(IntValue(-v.Int))
	case KindFloat:
		return vm.push(FloatValue(-v.Float))
	default:
		return fmt.Errorf("cannot negate a %s value", v.TypeName())
	}
}

func (vm *StackVM) pushInt(a, b Value, result int64) error {
	if a.Kind != KindInt || b.Kind != KindInt {
		return fmt.Errorf("integer fast path on %s and %s", a.TypeName(), b.TypeName())
	}
	return vm.push(IntValue(result))
}

func (vm *StackVM) pushIntBool(a, b Value, result bool) error {
	if a.Kind != KindInt || b.Kind != KindInt {
		return fmt.Errorf("integer fast path on %s and %s", a.TypeName(), b.TypeName())
	}
	return vm.push(BoolValue(result))
}

// concat joins two values. Arrays concatenate structurally; everything
// else joins as display text, assembled in the ephemeral arena.
func (vm *StackVM) concat() error {
	b, a := vm.pop(), vm.pop()
	if a.Kind == KindArray && b.Kind == KindArray {
		elems := make([]Value, 0, len(a.Arr.Elems)+len(b.Arr.Elems))
		elems = append(elems, a.Arr.Elems...)
		elems = append(elems, b.Arr.Elems...)
		return vm.push(ArrayValue(elems))
	}
	as, bs := a.Display(), b.Display()
	buf := vm.eph.Alloc(len(as) + len(bs))
	copy(buf, as)
	copy(buf[len(as):], bs)
	return vm.push(StrValue(string(buf)))
}

// ---------------------------------------------------------------------------
// Iterators
// ---------------------------------------------------------------------------

// iterInit replaces the iterable on top of the stack with a two-slot
// iterator state: the container and an integer cursor.
func (vm *StackVM) iterInit() error {
	v := vm.peek(0)
	switch v.Kind {
	case KindArray, KindRange, KindStr, KindTuple:
		return vm.push(IntValue(0))
	case KindMap:
		// Maps iterate their sorted keys; materialize them once.
		keys := make([]Value, 0, len(v.MapV.Entries))
		for _, k := range sortedKeys(v.MapV.Entries) {
			keys = append(keys, StrValue(k))
		}
		vm.stack[vm.sp-1] = ArrayValue(keys)
		return vm.push(IntValue(0))
	default:
		return fmt.Errorf("cannot iterate a %s value", v.TypeName())
	}
}

// iterNext pushes the next element and advances the cursor, or jumps by
// off when the iterator is exhausted.
func (vm *StackVM) iterNext(f *CallFrame, off int) error {
	idx := vm.peek(0).Int
	container := vm.peek(1)

	var n int64
	switch container.Kind {
	case KindArray:
		n = int64(len(container.Arr.Elems))
	case KindRange:
		n = container.Rng.End - container.Rng.Start
	case KindStr:
		n = int64(len(container.Str))
	case KindTuple:
		n = int64(len(container.Tup.Elems))
	default:
		return fmt.Errorf("cannot iterate a %s value", container.TypeName())
	}

	if idx >= n {
		f.ip += off
		return nil
	}
	vm.stack[vm.sp-1].Int++
	switch container.Kind {
	case KindArray:
		return vm.push(container.Arr.Elems[idx])
	case KindRange:
		return vm.push(IntValue(container.Rng.Start + idx))
	case KindStr:
		return vm.push(StrValue(container.Str[idx : idx+1]))
	default:
		return vm.push(container.Tup.Elems[idx])
	}
}

// ---------------------------------------------------------------------------
// Indexing and fields
// ---------------------------------------------------------------------------

func mapKey(v Value) string {
	if v.Kind == KindStr {
		return v.Str
	}
	return v.Display()
}

func (vm *StackVM) indexGet() error {
	idx, obj := vm.pop(), vm.pop()
	switch obj.Kind {
	case KindArray:
		i, err := boundsCheck(idx, int64(len(obj.Arr.Elems)), "array")
		if err != nil {
			return err
		}
		return vm.push(obj.Arr.Elems[i])
	case KindTuple:
		i, err := boundsCheck(idx, int64(len(obj.Tup.Elems)), "tuple")
		if err != nil {
			return err
		}
		return vm.push(obj.Tup.Elems[i])
	case KindStr:
		i, err := boundsCheck(idx, int64(len(obj.Str)), "string")
		if err != nil {
			return err
		}
		return vm.push(StrValue(obj.Str[i : i+1]))
	case KindBuffer:
		i, err := boundsCheck(idx, int64(len(obj.Buf.Bytes)), "buffer")
		if err != nil {
			return err
		}
		return vm.push(IntValue(int64(obj.Buf.Bytes[i])))
	case KindRange:
		i, err := boundsCheck(idx, obj.Rng.End-obj.Rng.Start, "range")
		if err != nil {
			return err
		}
		return vm.push(IntValue(obj.Rng.Start + i))
	case KindMap:
		if e, ok := obj.MapV.Entries[mapKey(idx)]; ok {
			return vm.push(e)
		}
		return vm.push(NilValue())
	default:
		return fmt.Errorf("cannot index a %s value", obj.TypeName())
	}
}

func boundsCheck(idx Value, n int64, what string) (int64, error) {
	if idx.Kind != KindInt {
		return 0, fmt.Errorf("%s index must be an int, got %s", what, idx.TypeName())
	}
	if idx.Int < 0 || idx.Int >= n {
		return 0, fmt.Errorf("%s index %d out of bounds (length %d)", what, idx.Int, n)
	}
	return idx.Int, nil
}

func (vm *StackVM) indexSet(binding string) error {
	value, idx, obj := vm.pop(), vm.pop(), vm.pop()
	if err := vm.storeIndex(obj, idx, value, binding); err != nil {
		return err
	}
	return vm.push(value)
}

func (vm *StackVM) indexSetLocal(f *CallFrame, slot int) error {
	value, idx := vm.pop(), vm.pop()
	obj := vm.stack[f.bp+slot]
	if err := vm.storeIndex(obj, idx, value, f.chunk.LocalName(slot)); err != nil {
		return err
	}
	vm.stack[f.bp+slot] = obj
	return vm.push(value)
}

func (vm *StackVM) storeIndex(obj, idx, value Value, binding string) error {
	field := ""
	if obj.Kind == KindMap {
		field = mapKey(idx)
	}
	if err := CheckMutable(obj, binding, field); err != nil {
		return err
	}
	switch obj.Kind {
	case KindArray:
		i, err := boundsCheck(idx, int64(len(obj.Arr.Elems)), "array")
		if err != nil {
			return err
		}
		obj.Arr.Elems[i] = value
		return nil
	case KindMap:
		key := mapKey(idx)
		if _, exists := obj.MapV.Entries[key]; !exists {
			// A new key grows the map; alloy containers reject that even
			// when some fields are fluid.
			if obj.Phase == PhaseCrystal {
				return &PhaseError{Op: "mutate", Variable: binding, Phase: PhaseCrystal}
			}
			if err := vm.rt.CheckPressure(binding, true); err != nil {
				return err
			}
		}
		obj.MapV.Entries[key] = value
		return nil
	case KindBuffer:
		i, err := boundsCheck(idx, int64(len(obj.Buf.Bytes)), "buffer")
		if err != nil {
			return err
		}
		if value.Kind != KindInt || value.Int < 0 || value.Int > 255 {
			return errors.New("buffer elements must be ints in 0..255")
		}
		obj.Buf.Bytes[i] = byte(value.Int)
		return nil
	case KindRef:
		return errors.New("refs are assigned through set(), not indexing")
	default:
		return fmt.Errorf("cannot index-assign a %s value", obj.TypeName())
	}
}

func (vm *StackVM) fieldGet(name string) error {
	obj := vm.pop()
	switch obj.Kind {
	case KindStruct:
		if i := obj.Struct.FieldIndex(name); i >= 0 {
			return vm.push(obj.Struct.Fields[i])
		}
		if s := closestName(name, obj.Struct.FieldNames); s != "" {
			return fmt.Errorf("%s has no field '%s' (did you mean '%s'?)", obj.Struct.Name, name, s)
		}
		return fmt.Errorf("%s has no field '%s'", obj.Struct.Name, name)
	case KindMap:
		if e, ok := obj.MapV.Entries[name]; ok {
			return vm.push(e)
		}
		if s := closestName(name, sortedKeys(obj.MapV.Entries)); s != "" {
			return fmt.Errorf("map has no key '%s' (did you mean '%s'?)", name, s)
		}
		return fmt.Errorf("map has no key '%s'", name)
	default:
		return fmt.Errorf("cannot read field '%s' of a %s value", name, obj.TypeName())
	}
}

func (vm *StackVM) fieldSet(name, binding string) error {
	value, obj := vm.pop(), vm.pop()
	if err := CheckMutable(obj, binding, name); err != nil {
		return err
	}
	switch obj.Kind {
	case KindStruct:
		i := obj.Struct.FieldIndex(name)
		if i < 0 {
			return fmt.Errorf("%s has no field '%s'", obj.Struct.Name, name)
		}
		obj.Struct.Fields[i] = value
	case KindMap:
		if _, exists := obj.MapV.Entries[name]; !exists && obj.Phase == PhaseCrystal {
			return &PhaseError{Op: "mutate", Variable: binding, Phase: PhaseCrystal}
		}
		obj.MapV.Entries[name] = value
	default:
		return fmt.Errorf("cannot set field '%s' of a %s value", name, obj.TypeName())
	}
	return vm.push(value)
}

func (vm *StackVM) buildStruct(f *CallFrame) error {
	name := f.chunk.Constants[vm.readByte(f)].Str
	n := int(vm.readByte(f))
	meta, ok := vm.rt.StructLookup(name)
	if !ok {
		return fmt.Errorf("unknown struct type '%s'", name)
	}
	if n != len(meta.FieldNames) {
		return fmt.Errorf("%s has %d field(s), got %d", name, len(meta.FieldNames), n)
	}
	fields := make([]Value, n)
	copy(fields, vm.stack[vm.sp-n:vm.sp])
	vm.sp -= n
	return vm.push(StructValue(name, meta.FieldNames, fields))
}

func (vm *StackVM) arrayFlatten() error {
	v := vm.pop()
	if v.Kind != KindArray {
		return fmt.Errorf("cannot flatten a %s value", v.TypeName())
	}
	out := make([]Value, 0, len(v.Arr.Elems))
	for _, e := range v.Arr.Elems {
		if e.Kind == KindArray {
			out = append(out, e.Arr.Elems...)
		} else {
			out = append(out, e)
		}
	}
	return vm.push(ArrayValue(out))
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
