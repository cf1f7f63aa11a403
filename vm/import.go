package vm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// importModule resolves a module path, executes the module once, and
// returns its export map. Resolution is relative to the runtime's script
// directory; a bare path tries the source extension first, then the
// compiled form. Results are cached per VM by absolute path, so a module
// body runs at most once per interpreter.
//
// The module executes against the shared global table: all of its
// bindings land in the base scope (so its closures keep resolving
// globals after import), but the returned module value exposes only the
// names in its export declaration, or every new binding when it declares
// none.
func (vm *StackVM) importModule(path string) (Value, error) {
	abs, err := vm.resolveModulePath(path)
	if err != nil {
		return Value{}, err
	}
	if cached, ok := vm.moduleCache[abs]; ok {
		return cached, nil
	}
	if vm.importing[abs] {
		return Value{}, fmt.Errorf("import cycle detected at '%s'", path)
	}
	vm.importing[abs] = true
	defer delete(vm.importing, abs)

	chunk, err := vm.loadModuleChunk(abs)
	if err != nil {
		return Value{}, err
	}

	before := make(map[string]bool)
	for _, name := range vm.rt.GlobalNames() {
		before[name] = true
	}

	if _, err := vm.execModule(chunk); err != nil {
		return Value{}, fmt.Errorf("importing '%s': %w", path, err)
	}

	exported := MapValue()
	if len(chunk.Exports) > 0 {
		for _, name := range chunk.Exports {
			v, ok := vm.rt.GetGlobal(name)
			if !ok {
				return Value{}, fmt.Errorf("module '%s' exports undefined name '%s'", path, name)
			}
			exported.MapV.Entries[name] = v
		}
	} else {
		for _, name := range vm.rt.GlobalNames() {
			if !before[name] {
				if v, ok := vm.rt.GetGlobal(name); ok {
					exported.MapV.Entries[name] = v
				}
			}
		}
	}

	vm.moduleCache[abs] = exported
	return exported, nil
}

// execModule runs a module chunk in a nested dispatch without an
// implicit entry-point call.
func (vm *StackVM) execModule(c *Chunk) (Value, error) {
	script := &Closure{Chunk: c, Name: c.Name}
	if err := vm.push(ClosureValue(script)); err != nil {
		return Value{}, err
	}
	if err := vm.pushFrame(script, vm.sp); err != nil {
		return Value{}, err
	}
	return vm.run(vm.frameCount - 1)
}

func (vm *StackVM) resolveModulePath(path string) (string, error) {
	dir := vm.rt.ScriptDir
	if dir == "" {
		dir = "."
	}
	candidates := []string{path}
	if !strings.HasSuffix(path, ".lat") && !strings.HasSuffix(path, ".latc") {
		candidates = []string{path + ".lat", path + ".latc", path}
	}
	for _, cand := range candidates {
		full := cand
		if !filepath.IsAbs(full) {
			full = filepath.Join(dir, cand)
		}
		if _, err := os.Stat(full); err == nil {
			return filepath.Abs(full)
		}
	}
	return "", fmt.Errorf("module '%s' not found", path)
}

func (vm *StackVM) loadModuleChunk(abs string) (*Chunk, error) {
	if strings.HasSuffix(abs, ".latc") {
		return ChunkLoad(abs)
	}
	if vm.rt.Compile == nil {
		return nil, fmt.Errorf("no compiler attached: cannot import source module '%s'", abs)
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", abs, err)
	}
	return vm.rt.Compile(src, filepath.Base(abs))
}
