package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Calls: arity, defaults, variadics, phase-constrained overloads
// ---------------------------------------------------------------------------

// callValue begins a call to the value at stack[sp-1-argc] with argc
// arguments above it. Compiled closures get a new frame; native functions
// run to completion immediately. An array of phase-constrained closures is
// an overload set resolved against the arguments' phases.
func (vm *StackVM) callValue(callee Value, argc int) error {
	switch {
	case callee.Kind == KindClosure && callee.Fn.Native != nil:
		args := make([]Value, argc)
		copy(args, vm.stack[vm.sp-argc:vm.sp])
		vm.sp -= argc + 1
		res, err := callNative(callee.Fn, args)
		if err != nil {
			return err
		}
		return vm.push(res)
	case callee.Kind == KindClosure:
		return vm.callClosure(callee.Fn, argc)
	case callee.Kind == KindArray:
		fn, err := resolveOverload(callee.Arr.Elems, vm.stack[vm.sp-argc:vm.sp])
		if err != nil {
			return err
		}
		vm.stack[vm.sp-argc-1] = fn
		return vm.callValue(fn, argc)
	default:
		return fmt.Errorf("cannot call a %s value", callee.TypeName())
	}
}

// callClosure applies the arity rules and pushes a frame. With no defaults
// and no variadic the arity must match exactly; otherwise arguments below
// the required count are an error, missing optional parameters take cloned
// defaults, and a variadic target collects every argument beyond the fixed
// parameters into one array.
func (vm *StackVM) callClosure(fn *Closure, argc int) error {
	params := fn.ParamCount
	required := params - len(fn.Defaults)
	if fn.HasVariadic {
		required = params - 1 - len(fn.Defaults)
		if required < 0 {
			required = 0
		}
	}

	if len(fn.Defaults) == 0 && !fn.HasVariadic {
		if argc != params {
			return arityError(fn, params, argc)
		}
	} else if argc < required {
		return arityError(fn, required, argc)
	} else if !fn.HasVariadic && argc > params {
		return arityError(fn, params, argc)
	}

	if err := checkParamPhases(fn, vm.stack[vm.sp-argc:vm.sp]); err != nil {
		return err
	}

	if fn.HasVariadic {
		fixed := params - 1
		var rest []Value
		if argc > fixed {
			rest = make([]Value, argc-fixed)
			copy(rest, vm.stack[vm.sp-argc+fixed:vm.sp])
			vm.sp = vm.sp - argc + fixed
		}
		for argc < fixed {
			d := fn.Defaults[argc-required].DeepClone()
			if err := vm.push(d); err != nil {
				return err
			}
			argc++
		}
		if err := vm.push(ArrayValue(rest)); err != nil {
			return err
		}
	} else {
		for argc < params {
			d := fn.Defaults[argc-required].DeepClone()
			if err := vm.push(d); err != nil {
				return err
			}
			argc++
		}
	}

	return vm.pushFrame(fn, vm.sp-fn.ParamCount)
}

// pushFrame activates a closure with its locals window starting at bp.
func (vm *StackVM) pushFrame(fn *Closure, bp int) error {
	if vm.frameCount >= FramesMax {
		return fmt.Errorf("%w: call frame stack overflow", ErrResource)
	}
	if fn.Chunk == nil {
		return fmt.Errorf("closure '%s' has no compiled body", fn.Name)
	}
	vm.frames[vm.frameCount] = CallFrame{
		closure:     fn,
		chunk:       fn.Chunk,
		ip:          0,
		bp:          bp,
		cleanupBase: -1,
	}
	vm.frameCount++
	return nil
}

func arityError(fn *Closure, want, got int) error {
	name := fn.Name
	if name == "" {
		name = "anonymous function"
	}
	return fmt.Errorf("%s expects %d argument(s), got %d", name, want, got)
}

// checkParamPhases enforces declared per-parameter phase constraints on a
// direct (non-overloaded) call.
func checkParamPhases(fn *Closure, args []Value) error {
	if len(fn.ParamPhases) == 0 {
		return nil
	}
	for i, a := range args {
		if i >= len(fn.ParamPhases) {
			break
		}
		if !phaseCompatible(fn.ParamPhases[i], a.Phase) {
			return fmt.Errorf("parameter %d of %s requires a %s value, got %s",
				i+1, fn.Name, fn.ParamPhases[i], a.Phase)
		}
	}
	return nil
}

// resolveOverload picks the best phase-compatible candidate. An exact
// phase match on a parameter scores higher than a flexible match;
// any incompatible parameter disqualifies the candidate.
func resolveOverload(candidates []Value, args []Value) (Value, error) {
	best := Value{}
	bestScore := -1
	for _, cand := range candidates {
		if cand.Kind != KindClosure {
			continue
		}
		score, ok := scoreCandidate(cand.Fn, args)
		if ok && score > bestScore {
			best, bestScore = cand, score
		}
	}
	if bestScore < 0 {
		return Value{}, fmt.Errorf("no overload matches argument phases (%s)", phaseList(args))
	}
	return best, nil
}

func scoreCandidate(fn *Closure, args []Value) (int, bool) {
	score := 0
	for i, a := range args {
		var want Phase = PhaseUnphased
		if i < len(fn.ParamPhases) {
			want = fn.ParamPhases[i]
		}
		if want == PhaseUnphased {
			continue // unconstrained, flexible match
		}
		if !phaseCompatible(want, a.Phase) {
			return 0, false
		}
		score += 2
	}
	return score, true
}

// phaseCompatible reports whether an argument phase satisfies a declared
// constraint. Unphased arguments satisfy a fluid constraint; sublimated
// values satisfy nothing.
func phaseCompatible(want, got Phase) bool {
	if got == PhaseSublimated {
		return false
	}
	switch want {
	case PhaseUnphased:
		return true
	case PhaseFluid:
		return got == PhaseFluid || got == PhaseUnphased
	case PhaseCrystal:
		return got == PhaseCrystal
	default:
		return false
	}
}

func phaseList(args []Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.Phase.String()
	}
	return strings.Join(parts, ", ")
}

// ---------------------------------------------------------------------------
// Native calls
// ---------------------------------------------------------------------------

// callNative invokes a native function and re-raises both its error
// return and the legacy sentinel-string convention as ordinary errors, so
// either surfaces through the handler stack like any runtime error.
func callNative(fn *Closure, args []Value) (Value, error) {
	if fn.ParamCount >= 0 && len(args) != fn.ParamCount {
		return Value{}, arityError(fn, fn.ParamCount, len(args))
	}
	res, err := fn.Native(args)
	if err != nil {
		return Value{}, fmt.Errorf("%s: %w", fn.Name, err)
	}
	if res.Kind == KindStr && strings.HasPrefix(res.Str, NativeErrorSentinel) {
		return Value{}, fmt.Errorf("%s: %s", fn.Name, strings.TrimPrefix(res.Str, NativeErrorSentinel))
	}
	return res, nil
}

// CallValue re-enters the interpreter from outside the dispatch loop:
// reactions, seed contracts, select arm bodies, and embedder callbacks all
// come through here. Natives run directly; compiled closures run to
// completion in a nested dispatch.
func (vm *StackVM) CallValue(fn Value, args []Value) (Value, error) {
	if !fn.IsCallable() {
		return Value{}, fmt.Errorf("cannot call a %s value", fn.TypeName())
	}
	if fn.Fn.Native != nil {
		return callNative(fn.Fn, args)
	}
	if err := vm.push(fn); err != nil {
		return Value{}, err
	}
	for _, a := range args {
		if err := vm.push(a); err != nil {
			return Value{}, err
		}
	}
	base := vm.frameCount
	if err := vm.callValue(fn, len(args)); err != nil {
		vm.sp -= len(args) + 1
		return Value{}, err
	}
	return vm.run(base)
}
