package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Chunk is one compiled unit of stack bytecode: the instruction stream, a
// parallel line table, the constant pool, and debug/lookup metadata. Nested
// closures live in the constant pool as further Chunks wrapped in a Closure
// with no upvalues; capture happens at OpClosure time.
type Chunk struct {
	Code      []byte
	Lines     []uint32 // one entry per code byte
	Constants []Value

	// LocalNames is indexed by stack slot; empty string means the slot has
	// no recorded name. Used for freeze-var error messages and debugging.
	LocalNames []string

	Name        string
	ParamCount  int
	HasVariadic bool

	// Metadata carried in memory only, supplied by the compiler front end.
	ParamPhases []Phase
	Defaults    []Value
	Exports     []string
}

// NewChunk returns an empty chunk.
func NewChunk(name string) *Chunk {
	return &Chunk{Name: name}
}

// Emit appends an opcode byte tagged with a source line.
func (c *Chunk) Emit(op Op, line uint32) {
	c.Code = append(c.Code, byte(op))
	c.Lines = append(c.Lines, line)
}

// EmitByte appends a raw operand byte.
func (c *Chunk) EmitByte(b byte, line uint32) {
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// EmitU16 appends a big-endian 16-bit operand.
func (c *Chunk) EmitU16(v uint16, line uint32) {
	c.EmitByte(byte(v>>8), line)
	c.EmitByte(byte(v), line)
}

// PatchU16 overwrites a previously emitted 16-bit operand at offset.
func (c *Chunk) PatchU16(offset int, v uint16) {
	c.Code[offset] = byte(v >> 8)
	c.Code[offset+1] = byte(v)
}

// AddConstant appends to the constant pool, reusing an existing equal
// entry for scalar kinds, and returns the pool index.
func (c *Chunk) AddConstant(v Value) int {
	switch v.Kind {
	case KindInt, KindFloat, KindBool, KindStr, KindNil, KindUnit:
		for i, e := range c.Constants {
			if e.Kind == v.Kind && e.Equal(v) {
				return i
			}
		}
	}
	c.Constants = append(c.Constants, v)
	return len(c.Constants) - 1
}

// LineAt returns the source line for a code offset, 0 when unknown.
func (c *Chunk) LineAt(offset int) uint32 {
	if offset >= 0 && offset < len(c.Lines) {
		return c.Lines[offset]
	}
	return 0
}

// SetLocalName records the debug name for a stack slot.
func (c *Chunk) SetLocalName(slot int, name string) {
	for len(c.LocalNames) <= slot {
		c.LocalNames = append(c.LocalNames, "")
	}
	c.LocalNames[slot] = name
}

// LocalName returns the recorded name for a slot, or "".
func (c *Chunk) LocalName(slot int) string {
	if slot >= 0 && slot < len(c.LocalNames) {
		return c.LocalNames[slot]
	}
	return ""
}

// RegChunk is a register-format compilation unit. Instructions are
// fixed-width u32 words; the execution core persists and transports these
// but does not interpret them.
type RegChunk struct {
	Code      []uint32
	Lines     []uint32
	Constants []Value

	LocalNames []string
	Name       string

	ParamCount  int
	HasVariadic bool
	MaxReg      uint8
}

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// Disassemble renders the chunk's instruction stream for debugging.
func (c *Chunk) Disassemble() string {
	var sb strings.Builder
	name := c.Name
	if name == "" {
		name = "<script>"
	}
	fmt.Fprintf(&sb, "== %s ==\n", name)
	for offset := 0; offset < len(c.Code); {
		offset = c.disassembleInstruction(&sb, offset)
	}
	return sb.String()
}

func (c *Chunk) disassembleInstruction(sb *strings.Builder, offset int) int {
	fmt.Fprintf(sb, "%04d ", offset)
	if offset > 0 && c.LineAt(offset) == c.LineAt(offset-1) {
		sb.WriteString("   | ")
	} else {
		fmt.Fprintf(sb, "%4d ", c.LineAt(offset))
	}

	op := Op(c.Code[offset])
	switch op {
	case OpConstant, OpGetGlobal, OpSetGlobal, OpDefineGlobal,
		OpGetField, OpSetField, OpImport, OpReact, OpUnreact, OpBond,
		OpUnbond, OpSeed, OpUnseed:
		return c.constInstruction(sb, op, offset, 1)
	case OpConstant16, OpGetGlobal16, OpSetGlobal16, OpDefineGlobal16:
		return c.constInstruction(sb, op, offset, 2)
	case OpClosure:
		return c.closureInstruction(sb, op, offset, 1)
	case OpClosure16:
		return c.closureInstruction(sb, op, offset, 2)
	case OpGetLocal, OpSetLocal, OpGetUpvalue, OpSetUpvalue, OpCall,
		OpBuildArray, OpBuildMap, OpBuildTuple, OpPrint, OpIncLocal,
		OpDecLocal, OpDeferRun:
		return c.byteInstruction(sb, op, offset)
	case OpLoadInt8:
		fmt.Fprintf(sb, "%-24s %d\n", op, int8(c.operand(offset+1)))
		return offset + 2
	case OpJump, OpJumpIfFalse, OpJumpIfTrue, OpJumpIfNotNil, OpIterNext,
		OpPushExceptionHandler:
		return c.jumpInstruction(sb, op, offset, 1)
	case OpLoop:
		return c.jumpInstruction(sb, op, offset, -1)
	case OpBuildStruct, OpInvoke:
		n1, n2 := c.operand(offset+1), c.operand(offset+2)
		fmt.Fprintf(sb, "%-24s %d %d\n", op, n1, n2)
		return offset + 3
	case OpBuildEnum, OpInvokeLocal, OpInvokeGlobal, OpFreezeVar,
		OpThawVar, OpSublimateVar:
		n1, n2, n3 := c.operand(offset+1), c.operand(offset+2), c.operand(offset+3)
		fmt.Fprintf(sb, "%-24s %d %d %d\n", op, n1, n2, n3)
		return offset + 4
	case OpSetIndexLocal:
		return c.byteInstruction(sb, op, offset)
	case OpDeferPush:
		if offset+3 < len(c.Code) {
			target := binary.BigEndian.Uint16(c.Code[offset+1 : offset+3])
			fmt.Fprintf(sb, "%-24s body=%d depth=%d\n", op, offset+4+int(target), c.operand(offset+3))
		} else {
			fmt.Fprintf(sb, "%-24s <truncated>\n", op)
		}
		return offset + 4
	case OpScope:
		count := int(c.operand(offset + 1))
		fmt.Fprintf(sb, "%-24s spawns=%d\n", op, count)
		return offset + 3 + count
	case OpSelect:
		count := int(c.operand(offset + 1))
		fmt.Fprintf(sb, "%-24s arms=%d\n", op, count)
		return offset + 2 + count*4
	default:
		fmt.Fprintf(sb, "%s\n", op)
		return offset + 1
	}
}

func (c *Chunk) operand(offset int) byte {
	if offset < len(c.Code) {
		return c.Code[offset]
	}
	return 0
}

func (c *Chunk) constInstruction(sb *strings.Builder, op Op, offset, width int) int {
	var idx int
	if width == 2 {
		if offset+2 < len(c.Code) {
			idx = int(binary.BigEndian.Uint16(c.Code[offset+1 : offset+3]))
		}
	} else {
		idx = int(c.operand(offset + 1))
	}
	if idx < len(c.Constants) {
		fmt.Fprintf(sb, "%-24s %d '%s'\n", op, idx, c.Constants[idx].Display())
	} else {
		fmt.Fprintf(sb, "%-24s %d <out of range>\n", op, idx)
	}
	return offset + 1 + width
}

// closureInstruction decodes the per-upvalue (isLocal, index) pairs that
// follow the function constant so the listing stays aligned.
func (c *Chunk) closureInstruction(sb *strings.Builder, op Op, offset, width int) int {
	var idx int
	if width == 2 {
		if offset+2 < len(c.Code) {
			idx = int(binary.BigEndian.Uint16(c.Code[offset+1 : offset+3]))
		}
	} else {
		idx = int(c.operand(offset + 1))
	}
	if idx < len(c.Constants) {
		fmt.Fprintf(sb, "%-24s %d '%s'", op, idx, c.Constants[idx].Display())
	} else {
		fmt.Fprintf(sb, "%-24s %d <out of range>", op, idx)
	}
	next := offset + 1 + width
	count := int(c.operand(next))
	next++
	for i := 0; i < count; i++ {
		kind := "upvalue"
		if c.operand(next) != 0 {
			kind = "local"
		}
		fmt.Fprintf(sb, " %s:%d", kind, c.operand(next+1))
		next += 2
	}
	sb.WriteByte('\n')
	return next
}

func (c *Chunk) byteInstruction(sb *strings.Builder, op Op, offset int) int {
	fmt.Fprintf(sb, "%-24s %d\n", op, c.operand(offset+1))
	return offset + 2
}

func (c *Chunk) jumpInstruction(sb *strings.Builder, op Op, offset, sign int) int {
	var target int
	if offset+3 <= len(c.Code) {
		jump := int(binary.BigEndian.Uint16(c.Code[offset+1 : offset+3]))
		target = offset + 3 + sign*jump
	}
	fmt.Fprintf(sb, "%-24s %d -> %d\n", op, offset, target)
	return offset + 3
}
