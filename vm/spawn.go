package vm

import (
	"fmt"
	"runtime"
	"sync"
)

// runScope executes OpScope: run the pushed spawn closures to completion,
// each on its own OS thread with a fully independent interpreter, and
// block until every one finishes. The compiler pushes the spawn closures
// as a window before the instruction; the operands index into it. The
// sync operand names a constant that is either nil (clone every named
// live local into the children) or an array of names to clone.
//
// Each child gets its own Runtime, StackVM, and DualHeap; the parent's
// globals and selected locals are deep-cloned into the child's global
// table, so no mutable heap is ever shared across threads. Channels are
// the sanctioned exception and stay shared. The first child error in
// iteration order becomes the scope's error; later ones are discarded.
func (vm *StackVM) runScope(f *CallFrame) error {
	spawnCount := int(vm.readByte(f))
	syncIdx := int(vm.readByte(f))
	spawnIdx := make([]int, spawnCount)
	for i := range spawnIdx {
		spawnIdx[i] = int(vm.readByte(f))
	}

	base := vm.sp - spawnCount
	tasks := make([]Value, spawnCount)
	for i, idx := range spawnIdx {
		t := vm.stack[base+idx]
		if !t.IsCallable() {
			return fmt.Errorf("spawn target must be callable, got %s", t.TypeName())
		}
		tasks[i] = t
	}

	var only map[string]bool
	if syncName := f.chunk.Constants[syncIdx]; syncName.Kind == KindArray {
		only = make(map[string]bool, len(syncName.Arr.Elems))
		for _, e := range syncName.Arr.Elems {
			only[e.Str] = true
		}
	}

	env := vm.snapshotEnv(f, only)
	errs := make([]error, spawnCount)
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		taskClone := spawnClone(vm, task)
		childEnv := cloneEnv(vm, env)
		print := vm.Print
		go func(i int) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			rt := NewRuntime()
			rt.ScriptDir = vm.rt.ScriptDir
			rt.Compile = vm.rt.Compile
			for name, meta := range vm.rt.structs {
				rt.structs[name] = meta // metadata is read-only
			}
			for name, v := range childEnv {
				rt.DefineGlobal(name, v)
			}

			child := NewStackVM(rt)
			child.Print = print
			if _, err := child.CallValue(taskClone, nil); err != nil {
				errs[i] = err
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("spawned task %d: %w", i, err)
		}
	}
	vm.sp = base
	return vm.push(UnitValue())
}

// snapshotEnv captures the parent environment visible to spawned tasks:
// every global plus the current frame's named locals (locals shadow
// globals). only, when non-nil, restricts which names are taken.
func (vm *StackVM) snapshotEnv(f *CallFrame, only map[string]bool) map[string]Value {
	env := make(map[string]Value)
	for _, name := range vm.rt.GlobalNames() {
		if only != nil && !only[name] {
			continue
		}
		if v, ok := vm.rt.GetGlobal(name); ok {
			env[name] = v
		}
	}
	for slot, name := range f.chunk.LocalNames {
		if name == "" || f.bp+slot >= vm.sp {
			continue
		}
		if only != nil && !only[name] {
			continue
		}
		env[name] = vm.stack[f.bp+slot]
	}
	return env
}

func cloneEnv(vm *StackVM, env map[string]Value) map[string]Value {
	out := make(map[string]Value, len(env))
	for name, v := range env {
		out[name] = spawnClone(vm, v)
	}
	return out
}

// spawnClone deep-copies a value for transfer into a spawned interpreter.
// It follows DeepClone, but additionally snapshots closures: every
// captured upvalue is read at spawn time and re-closed over a private
// cell, so the child never aliases the parent's stack or cells. Channels
// pass through shared.
func spawnClone(vm *StackVM, v Value) Value {
	switch v.Kind {
	case KindClosure:
		if v.Fn == nil || v.Fn.Native != nil {
			return v
		}
		fn := &Closure{
			Chunk:       v.Fn.Chunk,
			Name:        v.Fn.Name,
			ParamCount:  v.Fn.ParamCount,
			Defaults:    v.Fn.Defaults,
			HasVariadic: v.Fn.HasVariadic,
			ParamPhases: v.Fn.ParamPhases,
			Upvalues:    make([]*Upvalue, len(v.Fn.Upvalues)),
		}
		for i, u := range v.Fn.Upvalues {
			fn.Upvalues[i] = &Upvalue{
				cell:   spawnClone(vm, u.Get(vm)),
				closed: true,
			}
		}
		out := v
		out.Fn = fn
		return out
	case KindChannel:
		v.Ch.Retain()
		return v
	case KindArray:
		out := v.DeepClone()
		for i := range v.Arr.Elems {
			out.Arr.Elems[i] = spawnClone(vm, v.Arr.Elems[i])
		}
		return out
	case KindMap:
		out := v.DeepClone()
		for k, e := range v.MapV.Entries {
			out.MapV.Entries[k] = spawnClone(vm, e)
		}
		return out
	case KindStruct:
		out := v.DeepClone()
		for i, e := range v.Struct.Fields {
			out.Struct.Fields[i] = spawnClone(vm, e)
		}
		return out
	case KindTuple:
		out := v.DeepClone()
		for i, e := range v.Tup.Elems {
			out.Tup.Elems[i] = spawnClone(vm, e)
		}
		return out
	default:
		return v.DeepClone()
	}
}
