package vm

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

// buildChunk assembles a representative chunk: every constant kind, a
// nested closure two levels deep, local names with gaps.
func buildChunk(t *testing.T) *Chunk {
	t.Helper()

	grandchild := NewChunk("deep")
	grandchild.ParamCount = 1
	grandchild.Emit(OpGetLocal, 3)
	grandchild.EmitByte(0, 3)
	grandchild.Emit(OpReturn, 3)

	child := NewChunk("middle")
	child.ParamCount = 2
	child.HasVariadic = true
	child.AddConstant(ClosureValue(&Closure{Chunk: grandchild, Name: "deep", ParamCount: 1}))
	child.Emit(OpUnit, 2)
	child.Emit(OpReturn, 2)

	c := NewChunk("script")
	c.AddConstant(IntValue(-42))
	c.AddConstant(FloatValue(3.5))
	c.AddConstant(BoolValue(true))
	c.AddConstant(StrValue("lattice"))
	c.AddConstant(NilValue())
	c.AddConstant(UnitValue())
	c.AddConstant(ClosureValue(&Closure{Chunk: child, Name: "middle", ParamCount: 2, HasVariadic: true}))
	emitConst(c, IntValue(-42))
	c.Emit(OpHalt, 1)
	c.SetLocalName(0, "acc")
	c.SetLocalName(2, "tmp") // slot 1 stays unnamed
	return c
}

func TestChunkRoundTrip(t *testing.T) {
	src := buildChunk(t)
	got, err := ChunkDeserialize(ChunkSerialize(src))
	if err != nil {
		t.Fatalf("ChunkDeserialize: %v", err)
	}

	if string(got.Code) != string(src.Code) {
		t.Error("code mismatch")
	}
	if len(got.Lines) != len(src.Lines) {
		t.Fatalf("lines: got %d, want %d", len(got.Lines), len(src.Lines))
	}
	if got.Name != "script" {
		t.Errorf("name: got %q", got.Name)
	}
	if len(got.Constants) != len(src.Constants) {
		t.Fatalf("constants: got %d, want %d", len(got.Constants), len(src.Constants))
	}
	for i, want := range src.Constants {
		if want.Kind == KindClosure {
			continue
		}
		if !got.Constants[i].Equal(want) {
			t.Errorf("constant %d: got %s, want %s", i, got.Constants[i].Display(), want.Display())
		}
	}
	if got.LocalName(0) != "acc" || got.LocalName(1) != "" || got.LocalName(2) != "tmp" {
		t.Errorf("local names: %v", got.LocalNames)
	}

	mid := got.Constants[6]
	if mid.Kind != KindClosure || mid.Fn.Name != "middle" {
		t.Fatalf("closure constant: %s", mid.Display())
	}
	if mid.Fn.ParamCount != 2 || !mid.Fn.HasVariadic {
		t.Errorf("closure arity: params=%d variadic=%v", mid.Fn.ParamCount, mid.Fn.HasVariadic)
	}
	deep := mid.Fn.Chunk.Constants[0]
	if deep.Kind != KindClosure || deep.Fn.Name != "deep" || deep.Fn.ParamCount != 1 {
		t.Errorf("nested closure constant: %s", deep.Display())
	}
	if string(deep.Fn.Chunk.Code) != string(grandchildCode()) {
		t.Error("nested code mismatch")
	}
}

func grandchildCode() []byte {
	return []byte{byte(OpGetLocal), 0, byte(OpReturn)}
}

func TestRegChunkRoundTrip(t *testing.T) {
	inner := &RegChunk{
		Code:      []uint32{0x01020304},
		Lines:     []uint32{5},
		Constants: []Value{StrValue("leaf")},
		Name:      "leaf_fn",
		MaxReg:    3,
	}
	src := &RegChunk{
		Code:       []uint32{0xCAFEBABE, 0x00000001},
		Lines:      []uint32{1, 2},
		Constants:  []Value{IntValue(7), ClosureValue(&Closure{RegChunk: inner, Name: "leaf_fn", ParamCount: 1, UpvalCount: 2})},
		LocalNames: []string{"x"},
		Name:       "reg_script",
		MaxReg:     12,
	}

	got, err := RegChunkDeserialize(RegChunkSerialize(src))
	if err != nil {
		t.Fatalf("RegChunkDeserialize: %v", err)
	}
	if len(got.Code) != 2 || got.Code[0] != 0xCAFEBABE {
		t.Errorf("code: %#v", got.Code)
	}
	if got.MaxReg != 12 {
		t.Errorf("max reg: got %d", got.MaxReg)
	}
	fn := got.Constants[1]
	if fn.Kind != KindClosure || fn.Fn.UpvalCount != 2 {
		t.Fatalf("closure constant: upvals=%d", fn.Fn.UpvalCount)
	}
	if fn.Fn.RegChunk == nil || fn.Fn.RegChunk.MaxReg != 3 {
		t.Errorf("nested reg chunk: %+v", fn.Fn.RegChunk)
	}
}

func TestDeserializedChunkRuns(t *testing.T) {
	src := NewChunk("script")
	emitConst(src, IntValue(40))
	emitConst(src, IntValue(2))
	src.Emit(OpAddInt, 1)
	src.Emit(OpHalt, 1)

	got, err := ChunkDeserialize(ChunkSerialize(src))
	if err != nil {
		t.Fatalf("ChunkDeserialize: %v", err)
	}
	vm := NewStackVM(nil)
	res, err := vm.RunChunk(got)
	if err != nil {
		t.Fatalf("RunChunk: %v", err)
	}
	expectInt(t, res, 42)
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.latc")
	src := buildChunk(t)
	if err := ChunkSave(src, path); err != nil {
		t.Fatalf("ChunkSave: %v", err)
	}
	got, err := ChunkLoad(path)
	if err != nil {
		t.Fatalf("ChunkLoad: %v", err)
	}
	if got.Name != src.Name {
		t.Errorf("name: got %q", got.Name)
	}

	rpath := filepath.Join(dir, "out.rlatc")
	reg := &RegChunk{Code: []uint32{1}, Lines: []uint32{1}, Name: "r", MaxReg: 1}
	if err := RegChunkSave(reg, rpath); err != nil {
		t.Fatalf("RegChunkSave: %v", err)
	}
	if _, err := RegChunkLoad(rpath); err != nil {
		t.Fatalf("RegChunkLoad: %v", err)
	}
}

func TestDeserializeMalformed(t *testing.T) {
	valid := ChunkSerialize(buildChunk(t))

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrTruncated},
		{"short header", valid[:4], ErrTruncated},
		{"bad magic", append([]byte("NOPE"), valid[4:]...), ErrInvalidMagic},
		{"bad version", func() []byte {
			d := append([]byte(nil), valid...)
			d[4] = 0xFF
			return d
		}(), ErrVersionUnsupported},
		{"truncated body", valid[:len(valid)/2], ErrTruncated},
		{"register magic on stack decoder", RegChunkSerialize(&RegChunk{Name: "r"}), ErrInvalidMagic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ChunkDeserialize(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDeserializeHostileCounts(t *testing.T) {
	// A tiny buffer declaring a huge constant count must fail before
	// allocating.
	var w latcWriter
	w.bytes([]byte(latcMagic))
	w.u16(latcVersion)
	w.u16(0)
	w.u32(0)          // code len
	w.u32(0)          // line count
	w.u32(0xFFFFFFFF) // const count
	_, err := ChunkDeserialize(w.buf)
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("got %v, want %v", err, ErrTruncated)
	}
}

func TestDeserializeBadConstantTag(t *testing.T) {
	var w latcWriter
	w.bytes([]byte(latcMagic))
	w.u16(latcVersion)
	w.u16(0)
	w.u32(0)   // code len
	w.u32(0)   // line count
	w.u32(1)   // const count
	w.u8(0xEE) // bogus tag
	_, err := ChunkDeserialize(w.buf)
	if !errors.Is(err, ErrBadConstantTag) {
		t.Errorf("got %v, want %v", err, ErrBadConstantTag)
	}
}

func TestDeserializeDeepNesting(t *testing.T) {
	// Build a chunk whose constant pool nests closures past the depth cap.
	leaf := NewChunk("leaf")
	cur := leaf
	for i := 0; i < maxChunkDepth+2; i++ {
		parent := NewChunk("wrap")
		parent.AddConstant(ClosureValue(&Closure{Chunk: cur, Name: "wrap"}))
		cur = parent
	}
	_, err := ChunkDeserialize(ChunkSerialize(cur))
	if !errors.Is(err, ErrChunkTooDeep) {
		t.Errorf("got %v, want %v", err, ErrChunkTooDeep)
	}
}

func FuzzChunkDeserialize(f *testing.F) {
	f.Add(ChunkSerialize(NewChunk("empty")))
	c := NewChunk("seed")
	c.AddConstant(IntValue(1))
	c.AddConstant(StrValue("s"))
	sub := NewChunk("sub")
	c.AddConstant(ClosureValue(&Closure{Chunk: sub, Name: "sub"}))
	c.Emit(OpHalt, 1)
	f.Add(ChunkSerialize(c))
	f.Add([]byte("LATC\x01\x00\x00\x00"))

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) > 64*1024 {
			return
		}
		// Must never panic or read out of bounds; errors are fine.
		ChunkDeserialize(data)
	})
}

func FuzzRegChunkDeserialize(f *testing.F) {
	f.Add(RegChunkSerialize(&RegChunk{Name: "seed", Code: []uint32{1}, Lines: []uint32{1}}))
	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) > 64*1024 {
			return
		}
		RegChunkDeserialize(data)
	})
}

func TestDisassembleDoesNotPanic(t *testing.T) {
	c := buildChunk(t)
	out := c.Disassemble()
	if !strings.Contains(out, "HALT") {
		t.Errorf("disassembly missing HALT:\n%s", out)
	}
}

func TestDisassembleDecodesClosureCaptures(t *testing.T) {
	inner := NewChunk("inner")
	inner.Emit(OpReturn, 1)

	c := NewChunk("script")
	idx := c.AddConstant(ClosureValue(&Closure{Chunk: inner, Name: "inner"}))
	c.Emit(OpClosure, 1)
	c.EmitByte(byte(idx), 1)
	c.EmitByte(2, 1) // capture count
	c.EmitByte(1, 1) // local slot 0
	c.EmitByte(0, 1)
	c.EmitByte(0, 1) // enclosing upvalue 1
	c.EmitByte(1, 1)
	c.Emit(OpPop, 2)
	c.Emit(OpHalt, 2)

	out := c.Disassemble()
	if !strings.Contains(out, "local:0") || !strings.Contains(out, "upvalue:1") {
		t.Errorf("captures not decoded:\n%s", out)
	}
	// The capture bytes must not be read as instructions.
	if !strings.Contains(out, "POP") || !strings.Contains(out, "HALT") {
		t.Errorf("listing desynchronized after CLOSURE:\n%s", out)
	}
}
