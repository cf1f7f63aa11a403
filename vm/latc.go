package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
)

// Binary chunk formats.
//
// Both formats share the header layout:
//
//	magic(4) | format_version(u16 LE) | reserved(u16 LE) | body
//
// The stack format ("LATC", version 1) stores byte-width instructions; the
// register format ("RLAT", version 2) stores fixed-width u32 instructions,
// an upvalue count on each closure constant, and a trailing max_reg byte.
// Deserialization accepts untrusted input: every field is bounds-checked
// and declared counts are capped against the remaining input before any
// allocation.

const (
	latcMagic   = "LATC"
	latcVersion = 1

	rlatMagic   = "RLAT"
	rlatVersion = 2

	headerSize = 8

	// Nested closure constants may recurse; hostile input must not be able
	// to recurse deeper than a chunk a real compiler would emit.
	maxChunkDepth = 64
)

// Constant pool tags.
const (
	constTagInt     byte = 0
	constTagFloat   byte = 1
	constTagBool    byte = 2
	constTagStr     byte = 3
	constTagNil     byte = 4
	constTagUnit    byte = 5
	constTagClosure byte = 6
)

var (
	ErrInvalidMagic       = errors.New("invalid magic: not a .latc file")
	ErrVersionUnsupported = errors.New("unsupported bytecode format version")
	ErrTruncated          = errors.New("truncated chunk")
	ErrBadConstantTag     = errors.New("unknown constant type tag")
	ErrChunkTooDeep       = errors.New("closure nesting too deep")
)

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// ChunkSerialize encodes a stack chunk into the .latc wire form.
func ChunkSerialize(c *Chunk) []byte {
	var w latcWriter
	w.bytes([]byte(latcMagic))
	w.u16(latcVersion)
	w.u16(0) // reserved
	writeChunkBody(&w, c)
	return w.buf
}

func writeChunkBody(w *latcWriter, c *Chunk) {
	w.u32(uint32(len(c.Code)))
	w.bytes(c.Code)
	w.u32(uint32(len(c.Lines)))
	for _, line := range c.Lines {
		w.u32(line)
	}
	w.u32(uint32(len(c.Constants)))
	for _, v := range c.Constants {
		writeConstant(w, v, false)
	}
	w.u32(uint32(len(c.LocalNames)))
	for _, name := range c.LocalNames {
		if name == "" {
			w.u8(0)
			continue
		}
		w.u8(1)
		w.str(name)
	}
	if c.Name != "" {
		w.u8(1)
		w.str(c.Name)
	} else {
		w.u8(0)
	}
}

// RegChunkSerialize encodes a register chunk into the .rlatc wire form.
func RegChunkSerialize(c *RegChunk) []byte {
	var w latcWriter
	w.bytes([]byte(rlatMagic))
	w.u16(rlatVersion)
	w.u16(0)
	writeRegChunkBody(&w, c)
	return w.buf
}

func writeRegChunkBody(w *latcWriter, c *RegChunk) {
	w.u32(uint32(len(c.Code)))
	for _, ins := range c.Code {
		w.u32(ins)
	}
	w.u32(uint32(len(c.Lines)))
	for _, line := range c.Lines {
		w.u32(line)
	}
	w.u32(uint32(len(c.Constants)))
	for _, v := range c.Constants {
		writeConstant(w, v, true)
	}
	w.u32(uint32(len(c.LocalNames)))
	for _, name := range c.LocalNames {
		if name == "" {
			w.u8(0)
			continue
		}
		w.u8(1)
		w.str(name)
	}
	if c.Name != "" {
		w.u8(1)
		w.str(c.Name)
	} else {
		w.u8(0)
	}
	w.u8(c.MaxReg)
}

func writeConstant(w *latcWriter, v Value, register bool) {
	switch v.Kind {
	case KindInt:
		w.u8(constTagInt)
		w.u64(uint64(v.Int))
	case KindFloat:
		w.u8(constTagFloat)
		w.u64(math.Float64bits(v.Float))
	case KindBool:
		w.u8(constTagBool)
		if v.Int != 0 {
			w.u8(1)
		} else {
			w.u8(0)
		}
	case KindStr:
		w.u8(constTagStr)
		w.str(v.Str)
	case KindUnit:
		w.u8(constTagUnit)
	case KindClosure:
		w.u8(constTagClosure)
		w.u32(uint32(v.Fn.ParamCount))
		if v.Fn.HasVariadic {
			w.u8(1)
		} else {
			w.u8(0)
		}
		if register {
			w.u32(uint32(v.Fn.UpvalCount))
			writeRegChunkBody(w, v.Fn.RegChunk)
		} else {
			writeChunkBody(w, v.Fn.Chunk)
		}
	default:
		// Non-serializable constants (channels etc.) never appear in pools
		// emitted by the compiler; degrade to nil rather than corrupt.
		w.u8(constTagNil)
	}
}

type latcWriter struct {
	buf []byte
}

func (w *latcWriter) u8(v byte)      { w.buf = append(w.buf, v) }
func (w *latcWriter) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *latcWriter) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *latcWriter) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *latcWriter) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *latcWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.bytes([]byte(s))
}

// ---------------------------------------------------------------------------
// Deserialization
// ---------------------------------------------------------------------------

// ChunkDeserialize decodes a .latc buffer. It never reads past the buffer
// and returns a descriptive error for any malformed input.
func ChunkDeserialize(data []byte) (*Chunk, error) {
	r, err := newLatcReader(data, latcMagic, latcVersion)
	if err != nil {
		return nil, err
	}
	c, err := r.readChunkBody(0)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RegChunkDeserialize decodes a .rlatc buffer.
func RegChunkDeserialize(data []byte) (*RegChunk, error) {
	r, err := newLatcReader(data, rlatMagic, rlatVersion)
	if err != nil {
		return nil, err
	}
	c, err := r.readRegChunkBody(0)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ChunkSave writes a stack chunk to disk in .latc form.
func ChunkSave(c *Chunk, path string) error {
	if err := os.WriteFile(path, ChunkSerialize(c), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// ChunkLoad reads a .latc file from disk.
func ChunkLoad(path string) (*Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ChunkDeserialize(data)
}

// RegChunkSave writes a register chunk to disk in .rlatc form.
func RegChunkSave(c *RegChunk, path string) error {
	if err := os.WriteFile(path, RegChunkSerialize(c), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// RegChunkLoad reads a .rlatc file from disk.
func RegChunkLoad(path string) (*RegChunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return RegChunkDeserialize(data)
}

type latcReader struct {
	data   []byte
	offset int
}

func newLatcReader(data []byte, magic string, version uint16) (*latcReader, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: missing header", ErrTruncated)
	}
	if string(data[:4]) != magic {
		return nil, ErrInvalidMagic
	}
	got := binary.LittleEndian.Uint16(data[4:6])
	if got != version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionUnsupported, got, version)
	}
	return &latcReader{data: data, offset: headerSize}, nil
}

func (r *latcReader) remaining() int { return len(r.data) - r.offset }

func (r *latcReader) u8(field string) (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("%w: missing %s", ErrTruncated, field)
	}
	v := r.data[r.offset]
	r.offset++
	return v, nil
}

func (r *latcReader) u32(field string) (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("%w: missing %s", ErrTruncated, field)
	}
	v := binary.LittleEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return v, nil
}

func (r *latcReader) u64(field string) (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("%w: missing %s", ErrTruncated, field)
	}
	v := binary.LittleEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return v, nil
}

func (r *latcReader) bytesN(n int, field string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: missing %s", ErrTruncated, field)
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *latcReader) str(field string) (string, error) {
	n, err := r.u32(field + " length")
	if err != nil {
		return "", err
	}
	b, err := r.bytesN(int(n), field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// checkCount rejects a declared element count that could not possibly fit
// in the remaining input, with elemSize the minimum encoded size per
// element. This caps allocations on hostile length fields.
func (r *latcReader) checkCount(n uint32, elemSize int, field string) error {
	if int64(n)*int64(elemSize) > int64(r.remaining()) {
		return fmt.Errorf("%w: %s count %d exceeds input", ErrTruncated, field, n)
	}
	return nil
}

func (r *latcReader) readChunkBody(depth int) (*Chunk, error) {
	if depth > maxChunkDepth {
		return nil, ErrChunkTooDeep
	}
	c := &Chunk{}

	codeLen, err := r.u32("code_len")
	if err != nil {
		return nil, err
	}
	code, err := r.bytesN(int(codeLen), "code")
	if err != nil {
		return nil, err
	}
	c.Code = append([]byte(nil), code...)

	lineCount, err := r.u32("line_count")
	if err != nil {
		return nil, err
	}
	if err := r.checkCount(lineCount, 4, "line"); err != nil {
		return nil, err
	}
	c.Lines = make([]uint32, lineCount)
	for i := range c.Lines {
		if c.Lines[i], err = r.u32("line"); err != nil {
			return nil, err
		}
	}

	constCount, err := r.u32("const_count")
	if err != nil {
		return nil, err
	}
	if err := r.checkCount(constCount, 1, "constant"); err != nil {
		return nil, err
	}
	c.Constants = make([]Value, 0, constCount)
	for i := uint32(0); i < constCount; i++ {
		v, err := r.readConstant(depth, false)
		if err != nil {
			return nil, err
		}
		c.Constants = append(c.Constants, v)
	}

	if err := r.readNameTables(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *latcReader) readNameTables(c *Chunk) error {
	nameCap, err := r.u32("local_name_cap")
	if err != nil {
		return err
	}
	if err := r.checkCount(nameCap, 1, "local name"); err != nil {
		return err
	}
	c.LocalNames = make([]string, 0, nameCap)
	for i := uint32(0); i < nameCap; i++ {
		present, err := r.u8("local name flag")
		if err != nil {
			return err
		}
		if present == 0 {
			c.LocalNames = append(c.LocalNames, "")
			continue
		}
		name, err := r.str("local name")
		if err != nil {
			return err
		}
		c.LocalNames = append(c.LocalNames, name)
	}

	hasName, err := r.u8("chunk name flag")
	if err != nil {
		return err
	}
	if hasName != 0 {
		if c.Name, err = r.str("chunk name"); err != nil {
			return err
		}
	}
	return nil
}

func (r *latcReader) readRegChunkBody(depth int) (*RegChunk, error) {
	if depth > maxChunkDepth {
		return nil, ErrChunkTooDeep
	}
	c := &RegChunk{}

	codeLen, err := r.u32("code_len")
	if err != nil {
		return nil, err
	}
	if err := r.checkCount(codeLen, 4, "instruction"); err != nil {
		return nil, err
	}
	c.Code = make([]uint32, codeLen)
	for i := range c.Code {
		if c.Code[i], err = r.u32("instruction"); err != nil {
			return nil, err
		}
	}

	lineCount, err := r.u32("line_count")
	if err != nil {
		return nil, err
	}
	if err := r.checkCount(lineCount, 4, "line"); err != nil {
		return nil, err
	}
	c.Lines = make([]uint32, lineCount)
	for i := range c.Lines {
		if c.Lines[i], err = r.u32("line"); err != nil {
			return nil, err
		}
	}

	constCount, err := r.u32("const_count")
	if err != nil {
		return nil, err
	}
	if err := r.checkCount(constCount, 1, "constant"); err != nil {
		return nil, err
	}
	c.Constants = make([]Value, 0, constCount)
	for i := uint32(0); i < constCount; i++ {
		v, err := r.readConstant(depth, true)
		if err != nil {
			return nil, err
		}
		c.Constants = append(c.Constants, v)
	}

	nameCap, err := r.u32("local_name_cap")
	if err != nil {
		return nil, err
	}
	if err := r.checkCount(nameCap, 1, "local name"); err != nil {
		return nil, err
	}
	c.LocalNames = make([]string, 0, nameCap)
	for i := uint32(0); i < nameCap; i++ {
		present, err := r.u8("local name flag")
		if err != nil {
			return nil, err
		}
		if present == 0 {
			c.LocalNames = append(c.LocalNames, "")
			continue
		}
		name, err := r.str("local name")
		if err != nil {
			return nil, err
		}
		c.LocalNames = append(c.LocalNames, name)
	}

	hasName, err := r.u8("chunk name flag")
	if err != nil {
		return nil, err
	}
	if hasName != 0 {
		if c.Name, err = r.str("chunk name"); err != nil {
			return nil, err
		}
	}

	maxReg, err := r.u8("max_reg")
	if err != nil {
		return nil, err
	}
	c.MaxReg = maxReg
	return c, nil
}

func (r *latcReader) readConstant(depth int, register bool) (Value, error) {
	tag, err := r.u8("constant tag")
	if err != nil {
		return Value{}, err
	}
	switch tag {
	case constTagInt:
		v, err := r.u64("int constant")
		if err != nil {
			return Value{}, err
		}
		return IntValue(int64(v)), nil
	case constTagFloat:
		v, err := r.u64("float constant")
		if err != nil {
			return Value{}, err
		}
		return FloatValue(math.Float64frombits(v)), nil
	case constTagBool:
		v, err := r.u8("bool constant")
		if err != nil {
			return Value{}, err
		}
		return BoolValue(v != 0), nil
	case constTagStr:
		s, err := r.str("string constant")
		if err != nil {
			return Value{}, err
		}
		return StrValue(s), nil
	case constTagNil:
		return NilValue(), nil
	case constTagUnit:
		return UnitValue(), nil
	case constTagClosure:
		return r.readClosureConstant(depth, register)
	default:
		return Value{}, fmt.Errorf("%w: %d", ErrBadConstantTag, tag)
	}
}

func (r *latcReader) readClosureConstant(depth int, register bool) (Value, error) {
	paramCount, err := r.u32("closure param_count")
	if err != nil {
		return Value{}, err
	}
	variadic, err := r.u8("closure has_variadic")
	if err != nil {
		return Value{}, err
	}
	fn := &Closure{
		ParamCount:  int(paramCount),
		HasVariadic: variadic != 0,
	}
	if register {
		upvals, err := r.u32("closure upvalue_count")
		if err != nil {
			return Value{}, err
		}
		fn.UpvalCount = int(upvals)
		sub, err := r.readRegChunkBody(depth + 1)
		if err != nil {
			return Value{}, err
		}
		fn.RegChunk = sub
		fn.Name = sub.Name
		sub.ParamCount = fn.ParamCount
		sub.HasVariadic = fn.HasVariadic
	} else {
		sub, err := r.readChunkBody(depth + 1)
		if err != nil {
			return Value{}, err
		}
		fn.Chunk = sub
		fn.Name = sub.Name
		sub.ParamCount = fn.ParamCount
		sub.HasVariadic = fn.HasVariadic
	}
	return ClosureValue(fn), nil
}
