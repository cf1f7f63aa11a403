package vm

import (
	"strings"
	"testing"
)

func callNativeGlobal(t *testing.T, vm *StackVM, name string, args ...Value) (Value, error) {
	t.Helper()
	fn, ok := vm.rt.GetGlobal(name)
	if !ok {
		t.Fatalf("native %q not installed", name)
	}
	return vm.CallValue(fn, args)
}

func TestChannelNative(t *testing.T) {
	vm := NewStackVM(nil)
	v, err := callNativeGlobal(t, vm, "channel", IntValue(4))
	if err != nil {
		t.Fatalf("channel(): %v", err)
	}
	if v.Kind != KindChannel || v.Ch == nil {
		t.Fatalf("got %s", v.Display())
	}

	if _, err := callNativeGlobal(t, vm, "channel", IntValue(-1)); err == nil {
		t.Error("negative capacity accepted")
	}
	if _, err := callNativeGlobal(t, vm, "channel", StrValue("x")); err == nil {
		t.Error("non-int capacity accepted")
	}
}

func TestBufferNativeAllocatesOnHeap(t *testing.T) {
	vm := NewStackVM(nil)
	before := vm.heap.Fluid.LiveCount()
	v, err := callNativeGlobal(t, vm, "buffer", IntValue(64))
	if err != nil {
		t.Fatalf("buffer(): %v", err)
	}
	if v.Kind != KindBuffer || len(v.Buf.Bytes) != 64 || v.Phase != PhaseFluid {
		t.Fatalf("got %s (phase %v)", v.Display(), v.Phase)
	}
	if vm.heap.Fluid.LiveCount() != before+1 {
		t.Errorf("buffer not accounted on the fluid heap")
	}
}

func TestGcNativeFreesUnreachableBuffers(t *testing.T) {
	vm := NewStackVM(nil)
	held, err := callNativeGlobal(t, vm, "buffer", IntValue(8))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := callNativeGlobal(t, vm, "buffer", IntValue(8)); err != nil {
		t.Fatal(err)
	}
	vm.rt.DefineGlobal("held", held)

	v, err := callNativeGlobal(t, vm, "gc")
	if err != nil {
		t.Fatalf("gc(): %v", err)
	}
	expectInt(t, v, 1)
	if vm.heap.Fluid.LiveCount() != 1 {
		t.Errorf("live count after gc: %d", vm.heap.Fluid.LiveCount())
	}
}

func TestHeapStatsNative(t *testing.T) {
	vm := NewStackVM(nil)
	v, err := callNativeGlobal(t, vm, "heap_stats")
	if err != nil {
		t.Fatalf("heap_stats(): %v", err)
	}
	if v.Kind != KindMap {
		t.Fatalf("got %s", v.Display())
	}
	for _, key := range []string{"live_count", "total_bytes", "regions", "epoch"} {
		if _, ok := v.MapV.Entries[key]; !ok {
			t.Errorf("missing %q", key)
		}
	}
}

func TestEpochNatives(t *testing.T) {
	vm := NewStackVM(nil)
	first, err := callNativeGlobal(t, vm, "advance_epoch")
	if err != nil {
		t.Fatal(err)
	}
	second, err := callNativeGlobal(t, vm, "advance_epoch")
	if err != nil {
		t.Fatal(err)
	}
	if second.Int != first.Int+1 {
		t.Errorf("epochs %d then %d", first.Int, second.Int)
	}
}

func TestPhaseNative(t *testing.T) {
	vm := NewStackVM(nil)
	arr := ArrayValue([]Value{IntValue(1)})
	frozen, err := Freeze(arr)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		v    Value
		want string
	}{
		{IntValue(1), "unphased"},
		{arr, "unphased"},
		{frozen, "crystal"},
	}
	for _, tt := range tests {
		got, err := callNativeGlobal(t, vm, "phase", tt.v)
		if err != nil {
			t.Fatal(err)
		}
		if got.Str != tt.want {
			t.Errorf("phase(%s) = %q, want %q", tt.v.Display(), got.Str, tt.want)
		}
	}
}

func TestLenNative(t *testing.T) {
	vm := NewStackVM(nil)
	tests := []struct {
		v    Value
		want int64
	}{
		{StrValue("hello"), 5},
		{ArrayValue([]Value{IntValue(1), IntValue(2)}), 2},
		{RangeValue(2, 6), 4},
	}
	for _, tt := range tests {
		got, err := callNativeGlobal(t, vm, "len", tt.v)
		if err != nil {
			t.Fatal(err)
		}
		expectInt(t, got, tt.want)
	}

	if _, err := callNativeGlobal(t, vm, "len", IntValue(3)); err == nil {
		t.Error("len(Int) accepted")
	}
}

func TestTypeofAndStrNatives(t *testing.T) {
	vm := NewStackVM(nil)
	v, err := callNativeGlobal(t, vm, "typeof", FloatValue(1.5))
	if err != nil {
		t.Fatal(err)
	}
	if v.Str != "float" {
		t.Errorf("typeof: %q", v.Str)
	}

	s, err := callNativeGlobal(t, vm, "str", FloatValue(2))
	if err != nil {
		t.Fatal(err)
	}
	if s.Str != "2.0" {
		t.Errorf("str(2.0): %q", s.Str)
	}
}

func TestTrackHistoryNatives(t *testing.T) {
	vm := NewStackVM(nil)
	vm.rt.DefineGlobal("cfg", ArrayValue(nil))
	if _, err := callNativeGlobal(t, vm, "track", StrValue("cfg")); err != nil {
		t.Fatal(err)
	}
	vm.rt.RecordPhase("cfg", EventFreeze, PhaseCrystal, 3, "main")

	hist, err := callNativeGlobal(t, vm, "history", StrValue("cfg"))
	if err != nil {
		t.Fatal(err)
	}
	if hist.Kind != KindArray || len(hist.Arr.Elems) != 1 {
		t.Fatalf("history: %s", hist.Display())
	}
	entry := hist.Arr.Elems[0]
	if entry.MapV.Entries["event"].Str != "freeze" || entry.MapV.Entries["line"].Int != 3 {
		t.Errorf("entry: %s", entry.Display())
	}

	if _, err := callNativeGlobal(t, vm, "untrack", StrValue("cfg")); err != nil {
		t.Fatal(err)
	}
	vm.rt.RecordPhase("cfg", EventThaw, PhaseFluid, 4, "main")
	hist, _ = callNativeGlobal(t, vm, "history", StrValue("cfg"))
	if len(hist.Arr.Elems) != 0 {
		t.Error("untracked variable kept recording")
	}
}

func TestPressurizeNative(t *testing.T) {
	vm := NewStackVM(nil)
	vm.rt.DefineGlobal("xs", ArrayValue(nil))
	if _, err := callNativeGlobal(t, vm, "pressurize", StrValue("xs"), StrValue("no_grow")); err != nil {
		t.Fatalf("pressurize: %v", err)
	}
	_, err := callNativeGlobal(t, vm, "pressurize", StrValue("xs"), StrValue("everything"))
	if err == nil || !strings.Contains(err.Error(), "everything") {
		t.Errorf("unknown policy: %v", err)
	}
	if _, err := callNativeGlobal(t, vm, "depressurize", StrValue("xs")); err != nil {
		t.Fatalf("depressurize: %v", err)
	}
}

func TestCollectRegionsNative(t *testing.T) {
	vm := NewStackVM(nil)
	keep := vm.heap.Regions.CreateRegion()
	vm.heap.Regions.CreateRegion() // unreachable, collected below

	v := StrValue("resident")
	v.Region = keep.ID
	vm.rt.DefineGlobal("res", v)

	got, err := callNativeGlobal(t, vm, "collect_regions")
	if err != nil {
		t.Fatalf("collect_regions(): %v", err)
	}
	expectInt(t, got, 1)
	if vm.heap.Regions.RegionCount() != 1 {
		t.Errorf("regions left: %d", vm.heap.Regions.RegionCount())
	}
}
