package vm

import (
	"fmt"
	"sort"
)

// PhaseEvent names a phase transition for reactions and history records.
type PhaseEvent uint8

const (
	EventFreeze PhaseEvent = iota
	EventThaw
	EventSublimate
)

func (e PhaseEvent) String() string {
	switch e {
	case EventFreeze:
		return "freeze"
	case EventThaw:
		return "thaw"
	default:
		return "sublimate"
	}
}

// StructMeta describes a struct type registered with the runtime: the
// declaration-order field list shared by every instance.
type StructMeta struct {
	Name       string
	FieldNames []string
}

// Bond cascades a freeze from a target variable to a dependency.
// Strategy "cascade" freezes the dependency too; "notify" only fires the
// dependency's reactions.
type Bond struct {
	Dep      string
	Strategy string
}

// Pressure restricts size changes on a named binding.
type Pressure struct {
	NoGrow   bool
	NoShrink bool
}

// PhaseSnapshot is one entry in a tracked variable's history.
type PhaseSnapshot struct {
	Event    PhaseEvent
	Phase    Phase
	Line     uint32
	Function string
}

// CompileFn turns module source into a chunk. The compiler front end is
// external; the runtime only holds the hook so imports can reach it.
type CompileFn func(source []byte, name string) (*Chunk, error)

// Runtime is the environment a StackVM executes against: the global
// variable table, struct metadata, and the name-indexed phase relation
// tables (reactions, bonds, seeds), plus pressure policies and variable
// history for tooling. One Runtime per interpreter thread; spawn clones
// what it needs rather than sharing.
type Runtime struct {
	globals map[string]Value

	structs map[string]*StructMeta

	reactions map[string][]Value
	bonds     map[string][]Bond
	seeds     map[string]Value
	pressures map[string]Pressure

	tracked map[string]bool
	history map[string][]PhaseSnapshot

	// ScriptDir anchors relative module imports.
	ScriptDir string

	// Compile is the front-end hook used by imports. Nil means imports of
	// source files fail; precompiled .latc modules still load.
	Compile CompileFn

	// callFn re-enters the interpreter for reaction and seed closures.
	// Installed by the VM that owns this runtime.
	callFn func(fn Value, args []Value) (Value, error)
}

// NewRuntime returns an empty runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		globals:   make(map[string]Value),
		structs:   make(map[string]*StructMeta),
		reactions: make(map[string][]Value),
		bonds:     make(map[string][]Bond),
		seeds:     make(map[string]Value),
		pressures: make(map[string]Pressure),
		tracked:   make(map[string]bool),
		history:   make(map[string][]PhaseSnapshot),
	}
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// DefineGlobal binds a name unconditionally.
func (rt *Runtime) DefineGlobal(name string, v Value) {
	rt.globals[name] = v
}

// GetGlobal looks a name up.
func (rt *Runtime) GetGlobal(name string) (Value, bool) {
	v, ok := rt.globals[name]
	return v, ok
}

// SetGlobal rebinds an existing name. Assigning an undefined global is an
// error, with a closest-name suggestion when one is near enough.
func (rt *Runtime) SetGlobal(name string, v Value) error {
	if _, ok := rt.globals[name]; !ok {
		return rt.undefinedError(name)
	}
	rt.globals[name] = v
	return nil
}

// GlobalNames returns the defined names in sorted order.
func (rt *Runtime) GlobalNames() []string {
	names := make([]string, 0, len(rt.globals))
	for name := range rt.globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (rt *Runtime) undefinedError(name string) error {
	if s := closestName(name, rt.GlobalNames()); s != "" {
		return fmt.Errorf("undefined variable '%s' (did you mean '%s'?)", name, s)
	}
	return fmt.Errorf("undefined variable '%s'", name)
}

// ---------------------------------------------------------------------------
// Struct metadata
// ---------------------------------------------------------------------------

// RegisterStruct records a struct type's field layout.
func (rt *Runtime) RegisterStruct(meta *StructMeta) {
	rt.structs[meta.Name] = meta
}

// StructLookup returns the metadata for a struct type name.
func (rt *Runtime) StructLookup(name string) (*StructMeta, bool) {
	m, ok := rt.structs[name]
	return m, ok
}

// ---------------------------------------------------------------------------
// Reactions, bonds, seeds
// ---------------------------------------------------------------------------

// React registers a callback fired when the named variable changes phase.
func (rt *Runtime) React(name string, callback Value) error {
	if !callback.IsCallable() {
		return fmt.Errorf("react requires a callable, got %s", callback.TypeName())
	}
	rt.reactions[name] = append(rt.reactions[name], callback)
	return nil
}

// Unreact removes all reactions for the name.
func (rt *Runtime) Unreact(name string) {
	delete(rt.reactions, name)
}

// BondVar declares that freezing target also affects dep per strategy.
// Both names must be defined at bond time.
func (rt *Runtime) BondVar(target, dep, strategy string) error {
	if _, ok := rt.globals[target]; !ok {
		return rt.undefinedError(target)
	}
	if _, ok := rt.globals[dep]; !ok {
		return rt.undefinedError(dep)
	}
	switch strategy {
	case "", "cascade":
		strategy = "cascade"
	case "notify":
	default:
		return fmt.Errorf("unknown bond strategy '%s' (want cascade or notify)", strategy)
	}
	rt.bonds[target] = append(rt.bonds[target], Bond{Dep: dep, Strategy: strategy})
	return nil
}

// Unbond removes the bond from target to dep.
func (rt *Runtime) Unbond(target, dep string) {
	list := rt.bonds[target]
	for i, b := range list {
		if b.Dep == dep {
			rt.bonds[target] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// SeedVar attaches a validator contract checked before the named variable
// may freeze. The contract is a closure returning a truthy value to pass.
func (rt *Runtime) SeedVar(name string, contract Value) error {
	if !contract.IsCallable() {
		return fmt.Errorf("seed requires a callable contract, got %s", contract.TypeName())
	}
	rt.seeds[name] = contract
	return nil
}

// Unseed removes the contract for the name.
func (rt *Runtime) Unseed(name string) {
	delete(rt.seeds, name)
}

// FreezeBinding runs the full named-freeze sequence: validate the seed
// contract against the would-be-frozen value, freeze, cascade bonds, then
// fire reactions, in that order. Seed failure aborts the freeze.
// The caller stores the returned value back into the binding.
func (rt *Runtime) FreezeBinding(name string, v Value) (Value, error) {
	if contract, ok := rt.seeds[name]; ok {
		res, err := rt.call(contract, []Value{v})
		if err != nil {
			return Value{}, fmt.Errorf("seed contract for '%s': %w", name, err)
		}
		if !res.IsTruthy() {
			return Value{}, fmt.Errorf("%w: seed validation failed for '%s'", ErrPhase, name)
		}
	}

	frozen, err := Freeze(v)
	if err != nil {
		if pe, ok := err.(*PhaseError); ok && pe.Variable == "" {
			pe.Variable = name
		}
		return Value{}, err
	}

	for _, b := range rt.bonds[name] {
		dep, ok := rt.globals[b.Dep]
		if !ok {
			continue // dep went out of scope since bonding
		}
		switch b.Strategy {
		case "cascade":
			cascaded, err := rt.FreezeBinding(b.Dep, dep)
			if err != nil {
				return Value{}, fmt.Errorf("bond cascade '%s' -> '%s': %w", name, b.Dep, err)
			}
			rt.globals[b.Dep] = cascaded
		case "notify":
			if err := rt.FireReactions(b.Dep, EventFreeze, dep); err != nil {
				return Value{}, err
			}
		}
	}

	if err := rt.FireReactions(name, EventFreeze, frozen); err != nil {
		return Value{}, err
	}
	return frozen, nil
}

// FireReactions invokes every callback registered for the name. The
// callback receives the post-transition value and the event name.
func (rt *Runtime) FireReactions(name string, event PhaseEvent, v Value) error {
	for _, cb := range rt.reactions[name] {
		if _, err := rt.call(cb, []Value{v, StrValue(event.String())}); err != nil {
			return fmt.Errorf("reaction for '%s': %w", name, err)
		}
	}
	return nil
}

func (rt *Runtime) call(fn Value, args []Value) (Value, error) {
	if fn.Kind == KindClosure && fn.Fn.Native != nil {
		return callNative(fn.Fn, args)
	}
	if rt.callFn == nil {
		return Value{}, fmt.Errorf("no interpreter attached to runtime")
	}
	return rt.callFn(fn, args)
}

// ---------------------------------------------------------------------------
// Pressure policies
// ---------------------------------------------------------------------------

// Pressurize restricts size changes on a named binding. policy is
// "no_grow", "no_shrink", or "fixed" (both).
func (rt *Runtime) Pressurize(name, policy string) error {
	p := Pressure{}
	switch policy {
	case "no_grow":
		p.NoGrow = true
	case "no_shrink":
		p.NoShrink = true
	case "fixed":
		p.NoGrow = true
		p.NoShrink = true
	default:
		return fmt.Errorf("unknown pressure policy '%s' (want no_grow, no_shrink, or fixed)", policy)
	}
	rt.pressures[name] = p
	return nil
}

// Depressurize removes any pressure policy from the binding.
func (rt *Runtime) Depressurize(name string) {
	delete(rt.pressures, name)
}

// CheckPressure rejects a grow or shrink forbidden on the named binding.
// Anonymous receivers (name "") are never pressurized.
func (rt *Runtime) CheckPressure(name string, grow bool) error {
	if name == "" {
		return nil
	}
	p, ok := rt.pressures[name]
	if !ok {
		return nil
	}
	if grow && p.NoGrow {
		return fmt.Errorf("'%s' is pressurized: growth is forbidden", name)
	}
	if !grow && p.NoShrink {
		return fmt.Errorf("'%s' is pressurized: shrinking is forbidden", name)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Variable history
// ---------------------------------------------------------------------------

// Track enables phase-history recording for the named variable.
func (rt *Runtime) Track(name string) {
	rt.tracked[name] = true
}

// Untrack stops recording and drops accumulated history.
func (rt *Runtime) Untrack(name string) {
	delete(rt.tracked, name)
	delete(rt.history, name)
}

// RecordPhase appends a history snapshot if the variable is tracked.
func (rt *Runtime) RecordPhase(name string, event PhaseEvent, phase Phase, line uint32, function string) {
	if !rt.tracked[name] {
		return
	}
	rt.history[name] = append(rt.history[name], PhaseSnapshot{
		Event:    event,
		Phase:    phase,
		Line:     line,
		Function: function,
	})
}

// History returns the recorded snapshots for a tracked variable.
func (rt *Runtime) History(name string) []PhaseSnapshot {
	return rt.history[name]
}

// ---------------------------------------------------------------------------
// Name suggestions
// ---------------------------------------------------------------------------

// closestName returns the candidate within edit distance 2 of name, or ""
// when nothing is close enough to suggest.
func closestName(name string, candidates []string) string {
	best := ""
	bestDist := 3
	for _, c := range candidates {
		if c == name {
			continue
		}
		if d := editDistance(name, c); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
