package vm

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Fixed interpreter capacities. The stacks never reallocate, so open
// upvalues can reference slots by index for the life of the VM.
const (
	StackMax    = 4096
	FramesMax   = 256
	HandlersMax = 64
	DefersMax   = 256
)

// ErrResource wraps every resource-exhaustion error. All of them are
// catchable: an exception handler restores the stack pointer below the
// limit as part of unwinding, so resuming is always safe.
var ErrResource = errors.New("resource exhausted")

// RuntimeError is the terminal result of a run that ended in an uncaught
// error. Trace is the formatted call stack at the point of failure.
type RuntimeError struct {
	Msg   string
	Line  uint32
	Trace string
}

func (e *RuntimeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("runtime error at line %d: %s", e.Line, e.Msg)
	}
	return "runtime error: " + e.Msg
}

// Upvalue is a closure's link to an enclosing variable. While open it
// aliases a live stack slot by index; closing copies the slot's value into
// the upvalue's own cell. Closures capturing the same variable share one
// Upvalue.
type Upvalue struct {
	slot   int // stack slot while open
	cell   Value
	closed bool
	next   *Upvalue // open list, descending slot order
}

// Get reads through the upvalue.
func (u *Upvalue) Get(vm *StackVM) Value {
	if u.closed {
		return u.cell
	}
	return vm.stack[u.slot]
}

// Set writes through the upvalue.
func (u *Upvalue) Set(vm *StackVM, v Value) {
	if u.closed {
		u.cell = v
		return
	}
	vm.stack[u.slot] = v
}

// CallFrame is one activation record. bp is the frame's window into the
// shared value stack; slot i of the frame is stack[bp+i]. cleanupBase is
// set when the frame is a defer body sharing its parent's locals, so
// returning from it must not pop below the parent's live slots.
type CallFrame struct {
	closure     *Closure
	chunk       *Chunk
	ip          int
	bp          int
	cleanupBase int // -1 for ordinary frames
}

type handlerRecord struct {
	resumeIP   int
	frameIndex int
	stackTop   int
}

type deferRecord struct {
	bodyIP     int
	frameIndex int
	scopeDepth int
}

// StackVM executes stack bytecode. Exactly one StackVM runs per OS
// thread; nothing in it is synchronized. It owns its Runtime, DualHeap,
// module cache, and scratch arena.
type StackVM struct {
	stack []Value
	sp    int

	frames     []CallFrame
	frameCount int

	openUpvalues *Upvalue

	handlers     []handlerRecord
	handlerCount int

	defers     []deferRecord
	deferCount int

	rt   *Runtime
	heap *DualHeap
	eph  *BumpArena

	moduleCache map[string]Value
	importing   map[string]bool

	caches *cacheSet

	rng *rand.Rand

	// Output sink for OpPrint; the embedder may replace it.
	Print func(s string)
}

// NewStackVM constructs a VM bound to the given runtime. A nil runtime
// gets a fresh one.
func NewStackVM(rt *Runtime) *StackVM {
	if rt == nil {
		rt = NewRuntime()
	}
	vm := &StackVM{
		stack:       make([]Value, StackMax),
		frames:      make([]CallFrame, FramesMax),
		handlers:    make([]handlerRecord, HandlersMax),
		defers:      make([]deferRecord, DefersMax),
		rt:          rt,
		heap:        NewDualHeap(),
		eph:         NewBumpArena(),
		moduleCache: make(map[string]Value),
		importing:   make(map[string]bool),
		caches:      newCacheSet(),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		Print:       func(s string) { fmt.Print(s) },
	}
	rt.callFn = vm.CallValue
	vm.installCore()
	return vm
}

// Runtime returns the VM's environment.
func (vm *StackVM) Runtime() *Runtime { return vm.rt }

// Heap returns the VM's dual heap.
func (vm *StackVM) Heap() *DualHeap { return vm.heap }

// ---------------------------------------------------------------------------
// Stack discipline
// ---------------------------------------------------------------------------

func (vm *StackVM) push(v Value) error {
	if vm.sp >= StackMax {
		return fmt.Errorf("%w: value stack overflow", ErrResource)
	}
	vm.stack[vm.sp] = v
	vm.sp++
	return nil
}

func (vm *StackVM) pop() Value {
	vm.sp--
	v := vm.stack[vm.sp]
	vm.stack[vm.sp] = Value{}
	return v
}

func (vm *StackVM) peek(depth int) Value {
	return vm.stack[vm.sp-1-depth]
}

func (vm *StackVM) frame() *CallFrame {
	return &vm.frames[vm.frameCount-1]
}

// ---------------------------------------------------------------------------
// Upvalues
// ---------------------------------------------------------------------------

// captureUpvalue returns the open upvalue for a stack slot, creating it in
// descending-slot order if absent.
func (vm *StackVM) captureUpvalue(slot int) *Upvalue {
	var prev *Upvalue
	u := vm.openUpvalues
	for u != nil && u.slot > slot {
		prev = u
		u = u.next
	}
	if u != nil && u.slot == slot {
		return u
	}
	created := &Upvalue{slot: slot, next: u}
	if prev == nil {
		vm.openUpvalues = created
	} else {
		prev.next = created
	}
	return created
}

// closeUpvalues closes every open upvalue at or above the slot, copying
// the live stack value into the upvalue's own cell.
func (vm *StackVM) closeUpvalues(slot int) {
	for vm.openUpvalues != nil && vm.openUpvalues.slot >= slot {
		u := vm.openUpvalues
		u.cell = vm.stack[u.slot]
		u.closed = true
		vm.openUpvalues = u.next
		u.next = nil
	}
}

// ---------------------------------------------------------------------------
// Stack traces
// ---------------------------------------------------------------------------

func (vm *StackVM) stackTrace() string {
	var sb strings.Builder
	for i := vm.frameCount - 1; i >= 0; i-- {
		f := &vm.frames[i]
		name := "<script>"
		if f.closure != nil && f.closure.Name != "" {
			name = f.closure.Name
		}
		line := f.chunk.LineAt(f.ip - 1)
		fmt.Fprintf(&sb, "  at %s (line %d)\n", name, line)
	}
	return sb.String()
}

func (vm *StackVM) currentLine() uint32 {
	if vm.frameCount == 0 {
		return 0
	}
	f := vm.frame()
	return f.chunk.LineAt(f.ip - 1)
}

func (vm *StackVM) currentFunction() string {
	if vm.frameCount == 0 {
		return "<script>"
	}
	f := vm.frame()
	if f.closure != nil && f.closure.Name != "" {
		return f.closure.Name
	}
	return "<script>"
}

// ---------------------------------------------------------------------------
// Garbage collection
// ---------------------------------------------------------------------------

// CollectGarbage runs a mark/sweep pass over the fluid heap. Buffer values
// back onto tracked heap allocations; everything reachable from the value
// stack and the global table stays live. Runs at statement boundaries only,
// never concurrently with another VM.
func (vm *StackVM) CollectGarbage() int {
	vm.heap.Fluid.UnmarkAll()
	for i := 0; i < vm.sp; i++ {
		markValue(vm.heap.Fluid, vm.stack[i])
	}
	for _, name := range vm.rt.GlobalNames() {
		if v, ok := vm.rt.GetGlobal(name); ok {
			markValue(vm.heap.Fluid, v)
		}
	}
	return vm.heap.Fluid.Sweep()
}

func markValue(h *FluidHeap, v Value) {
	switch v.Kind {
	case KindBuffer:
		if v.Buf != nil && v.Buf.heapAlloc != nil {
			h.Mark(v.Buf.heapAlloc)
		}
	case KindArray:
		for _, e := range v.Arr.Elems {
			markValue(h, e)
		}
	case KindMap:
		for _, e := range v.MapV.Entries {
			markValue(h, e)
		}
	case KindSet:
		for _, e := range v.SetV.Elems {
			markValue(h, e)
		}
	case KindStruct:
		for _, e := range v.Struct.Fields {
			markValue(h, e)
		}
	case KindTuple:
		for _, e := range v.Tup.Elems {
			markValue(h, e)
		}
	case KindEnum:
		for _, e := range v.Enum.Payload {
			markValue(h, e)
		}
	case KindRef:
		markValue(h, v.Ref.Cell)
	case KindClosure:
		if v.Fn != nil {
			for _, u := range v.Fn.Upvalues {
				if u != nil && u.closed {
					markValue(h, u.cell)
				}
			}
		}
	}
}
