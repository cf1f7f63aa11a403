package vm

import (
	"fmt"
	"time"
)

// installCore defines the built-in native functions on the VM's runtime.
// Every VM gets its own set so heap and region natives always operate on
// the heap of the interpreter that invoked them.
func (vm *StackVM) installCore() {
	define := func(name string, fn NativeFn) {
		vm.rt.DefineGlobal(name, NativeValue(name, fn))
	}

	define("channel", func(args []Value) (Value, error) {
		capacity := 0
		if len(args) > 1 {
			return Value{}, fmt.Errorf("channel() takes at most 1 argument, got %d", len(args))
		}
		if len(args) == 1 {
			if args[0].Kind != KindInt {
				return Value{}, fmt.Errorf("channel() capacity must be an Int, got %s", args[0].TypeName())
			}
			if args[0].Int < 0 {
				return Value{}, fmt.Errorf("channel() capacity must be non-negative, got %d", args[0].Int)
			}
			capacity = int(args[0].Int)
		}
		return ChannelValue(NewLatChannel(capacity)), nil
	})

	define("buffer", func(args []Value) (Value, error) {
		if len(args) != 1 || args[0].Kind != KindInt {
			return Value{}, fmt.Errorf("buffer() takes one Int size argument")
		}
		n := args[0].Int
		if n < 0 {
			return Value{}, fmt.Errorf("buffer() size must be non-negative, got %d", n)
		}
		a := vm.heap.Fluid.Alloc(int(n))
		return Value{
			Kind:   KindBuffer,
			Phase:  PhaseFluid,
			Region: NoRegion,
			Buf:    &BufferObject{Bytes: a.Data, heapAlloc: a},
		}, nil
	})

	define("gc", func(args []Value) (Value, error) {
		if len(args) != 0 {
			return Value{}, fmt.Errorf("gc() takes no arguments")
		}
		return IntValue(int64(vm.CollectGarbage())), nil
	})

	define("heap_stats", func(args []Value) (Value, error) {
		if len(args) != 0 {
			return Value{}, fmt.Errorf("heap_stats() takes no arguments")
		}
		stats := MapValue()
		stats.MapV.Entries["live_count"] = IntValue(int64(vm.heap.Fluid.LiveCount()))
		stats.MapV.Entries["total_bytes"] = IntValue(vm.heap.Fluid.TotalBytes())
		stats.MapV.Entries["regions"] = IntValue(int64(vm.heap.Regions.RegionCount()))
		stats.MapV.Entries["epoch"] = IntValue(int64(vm.heap.Regions.Epoch()))
		return stats, nil
	})

	define("advance_epoch", func(args []Value) (Value, error) {
		if len(args) != 0 {
			return Value{}, fmt.Errorf("advance_epoch() takes no arguments")
		}
		return IntValue(int64(vm.heap.Regions.AdvanceEpoch())), nil
	})

	define("collect_regions", func(args []Value) (Value, error) {
		if len(args) != 0 {
			return Value{}, fmt.Errorf("collect_regions() takes no arguments")
		}
		return IntValue(int64(vm.CollectRegions())), nil
	})

	define("phase", func(args []Value) (Value, error) {
		if len(args) != 1 {
			return Value{}, fmt.Errorf("phase() takes one argument")
		}
		return StrValue(PhaseOf(args[0])), nil
	})

	define("track", func(args []Value) (Value, error) {
		name, err := oneStrArg("track", args)
		if err != nil {
			return Value{}, err
		}
		vm.rt.Track(name)
		return UnitValue(), nil
	})

	define("untrack", func(args []Value) (Value, error) {
		name, err := oneStrArg("untrack", args)
		if err != nil {
			return Value{}, err
		}
		vm.rt.Untrack(name)
		return UnitValue(), nil
	})

	define("history", func(args []Value) (Value, error) {
		name, err := oneStrArg("history", args)
		if err != nil {
			return Value{}, err
		}
		snaps := vm.rt.History(name)
		out := make([]Value, len(snaps))
		for i, s := range snaps {
			entry := MapValue()
			entry.MapV.Entries["event"] = StrValue(s.Event.String())
			entry.MapV.Entries["phase"] = StrValue(s.Phase.String())
			entry.MapV.Entries["line"] = IntValue(int64(s.Line))
			entry.MapV.Entries["function"] = StrValue(s.Function)
			out[i] = entry
		}
		return ArrayValue(out), nil
	})

	define("pressurize", func(args []Value) (Value, error) {
		if len(args) != 2 || args[0].Kind != KindStr || args[1].Kind != KindStr {
			return Value{}, fmt.Errorf("pressurize() takes a variable name and a policy string")
		}
		if err := vm.rt.Pressurize(args[0].Str, args[1].Str); err != nil {
			return Value{}, err
		}
		return UnitValue(), nil
	})

	define("depressurize", func(args []Value) (Value, error) {
		name, err := oneStrArg("depressurize", args)
		if err != nil {
			return Value{}, err
		}
		vm.rt.Depressurize(name)
		return UnitValue(), nil
	})

	define("sleep", func(args []Value) (Value, error) {
		if len(args) != 1 || args[0].Kind != KindInt {
			return Value{}, fmt.Errorf("sleep() takes one Int argument (milliseconds)")
		}
		if args[0].Int > 0 {
			time.Sleep(time.Duration(args[0].Int) * time.Millisecond)
		}
		return UnitValue(), nil
	})

	define("time_ms", func(args []Value) (Value, error) {
		if len(args) != 0 {
			return Value{}, fmt.Errorf("time_ms() takes no arguments")
		}
		return IntValue(time.Now().UnixMilli()), nil
	})

	define("str", func(args []Value) (Value, error) {
		if len(args) != 1 {
			return Value{}, fmt.Errorf("str() takes one argument")
		}
		return StrValue(args[0].Display()), nil
	})

	define("typeof", func(args []Value) (Value, error) {
		if len(args) != 1 {
			return Value{}, fmt.Errorf("typeof() takes one argument")
		}
		return StrValue(args[0].TypeName()), nil
	})

	define("len", func(args []Value) (Value, error) {
		if len(args) != 1 {
			return Value{}, fmt.Errorf("len() takes one argument")
		}
		n, ok := valueLen(args[0])
		if !ok {
			return Value{}, fmt.Errorf("len() is not defined for %s", args[0].TypeName())
		}
		return IntValue(n), nil
	})
}

func oneStrArg(fn string, args []Value) (string, error) {
	if len(args) != 1 || args[0].Kind != KindStr {
		return "", fmt.Errorf("%s() takes one String argument (a variable name)", fn)
	}
	return args[0].Str, nil
}

func valueLen(v Value) (int64, bool) {
	switch v.Kind {
	case KindStr:
		return int64(len(v.Str)), true
	case KindArray:
		return int64(len(v.Arr.Elems)), true
	case KindMap:
		return int64(len(v.MapV.Entries)), true
	case KindSet:
		return int64(len(v.SetV.Elems)), true
	case KindTuple:
		return int64(len(v.Tup.Elems)), true
	case KindBuffer:
		return int64(len(v.Buf.Bytes)), true
	case KindRange:
		if v.Rng.End > v.Rng.Start {
			return v.Rng.End - v.Rng.Start, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// CollectRegions frees every crystal region unreachable from the value
// stack and the global table.
func (vm *StackVM) CollectRegions() int {
	reachable := make(map[RegionID]bool)
	for i := 0; i < vm.sp; i++ {
		markRegions(reachable, vm.stack[i])
	}
	for _, name := range vm.rt.GlobalNames() {
		if v, ok := vm.rt.GetGlobal(name); ok {
			markRegions(reachable, v)
		}
	}
	return vm.heap.Regions.Collect(reachable)
}

func markRegions(reachable map[RegionID]bool, v Value) {
	if v.Region != NoRegion {
		reachable[v.Region] = true
	}
	switch v.Kind {
	case KindArray:
		for _, e := range v.Arr.Elems {
			markRegions(reachable, e)
		}
	case KindMap:
		for _, e := range v.MapV.Entries {
			markRegions(reachable, e)
		}
	case KindSet:
		for _, e := range v.SetV.Elems {
			markRegions(reachable, e)
		}
	case KindStruct:
		for _, e := range v.Struct.Fields {
			markRegions(reachable, e)
		}
	case KindTuple:
		for _, e := range v.Tup.Elems {
			markRegions(reachable, e)
		}
	case KindEnum:
		for _, e := range v.Enum.Payload {
			markRegions(reachable, e)
		}
	case KindRef:
		markRegions(reachable, v.Ref.Cell)
	}
}
