package vm

import "strconv"

// Op is a bytecode instruction opcode. Stack-format chunks encode an Op as
// one byte followed by its fixed-size operands; register-format chunks pack
// the same opcodes into u32 words.
type Op byte

const (
	// Stack manipulation
	OpConstant Op = iota // push constants[u8]
	OpNil
	OpTrue
	OpFalse
	OpUnit
	OpPop
	OpDup
	OpSwap

	// Arithmetic / logical
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg
	OpNot

	// Bitwise
	OpBitAnd
	OpBitOr
	OpBitXor
	OpBitNot
	OpLShift
	OpRShift

	// Comparison
	OpEq
	OpNeq
	OpLt
	OpGt
	OpLtEq
	OpGtEq

	OpConcat

	// Variables
	OpGetLocal  // push slots[u8]
	OpSetLocal  // slots[u8] = TOS, value stays on stack
	OpGetGlobal // push globals[constants[u8]]
	OpSetGlobal // globals[constants[u8]] = TOS
	OpDefineGlobal
	OpGetUpvalue
	OpSetUpvalue
	OpCloseUpvalue

	// Jumps; 2-byte big-endian offsets
	OpJump
	OpJumpIfFalse // does not pop
	OpJumpIfTrue  // does not pop
	OpJumpIfNotNil
	OpLoop

	// Calls
	OpCall    // u8 arg count
	OpClosure // u8 constant index
	OpReturn

	// Iterators
	OpIterInit
	OpIterNext // u16 exhausted-jump offset

	// Data structures
	OpBuildArray // u8 element count
	OpArrayFlatten
	OpBuildMap    // u8 pair count
	OpBuildTuple  // u8 element count
	OpBuildStruct // u8 name const, u8 field count
	OpBuildRange
	OpBuildEnum // u8 enum const, u8 variant const, u8 payload count
	OpIndex
	OpSetIndex
	OpGetField // u8 name const
	OpSetField // u8 name const
	OpInvoke   // u8 name const, u8 arg count
	OpInvokeLocal
	OpInvokeGlobal
	OpSetIndexLocal

	// Exceptions
	OpPushExceptionHandler // u16 catch offset
	OpPopExceptionHandler
	OpThrow
	OpTryUnwrap

	// Defer
	OpDeferPush // u16 body offset, u8 scope depth
	OpDeferRun  // u8 min scope depth

	// Phase transitions
	OpFreeze
	OpThaw
	OpClone
	OpMarkFluid

	// Phase relations
	OpReact // u8 name const
	OpUnreact
	OpBond // u8 target name const
	OpUnbond
	OpSeed // u8 name const
	OpUnseed
	OpFreezeVar    // u8 name const, u8 loc type, u8 loc slot
	OpThawVar      // same operands
	OpSublimateVar // same operands
	OpSublimate

	OpPrint // u8 value count

	OpImport // u8 path const

	// Concurrency; variable-length instructions
	OpScope  // u8 spawn count, u8 sync const, u8 window idx per spawn
	OpSelect // u8 arm count, per arm: u8 flags, u8 chan idx, u8 body idx, u8 binding idx

	// Integer fast paths
	OpIncLocal
	OpDecLocal
	OpAddInt
	OpSubInt
	OpMulInt
	OpLtInt
	OpLtEqInt
	OpLoadInt8 // signed 8-bit immediate

	// Wide constant-index variants, u16 big-endian
	OpConstant16
	OpGetGlobal16
	OpSetGlobal16
	OpDefineGlobal16
	OpClosure16

	OpHalt

	opCount
)

// Variable-location discriminators used by OpFreezeVar and friends.
const (
	locGlobal byte = 0
	locLocal  byte = 1
)

// Select arm flags.
const (
	selectArmChannel byte = 0
	selectArmDefault byte = 1
	selectArmTimeout byte = 2
)

var opNames = [opCount]string{
	OpConstant: "CONSTANT", OpNil: "NIL", OpTrue: "TRUE", OpFalse: "FALSE",
	OpUnit: "UNIT", OpPop: "POP", OpDup: "DUP", OpSwap: "SWAP",
	OpAdd: "ADD", OpSub: "SUB", OpMul: "MUL", OpDiv: "DIV", OpMod: "MOD",
	OpNeg: "NEG", OpNot: "NOT",
	OpBitAnd: "BIT_AND", OpBitOr: "BIT_OR", OpBitXor: "BIT_XOR",
	OpBitNot: "BIT_NOT", OpLShift: "LSHIFT", OpRShift: "RSHIFT",
	OpEq: "EQ", OpNeq: "NEQ", OpLt: "LT", OpGt: "GT", OpLtEq: "LTEQ",
	OpGtEq: "GTEQ", OpConcat: "CONCAT",
	OpGetLocal: "GET_LOCAL", OpSetLocal: "SET_LOCAL",
	OpGetGlobal: "GET_GLOBAL", OpSetGlobal: "SET_GLOBAL",
	OpDefineGlobal: "DEFINE_GLOBAL", OpGetUpvalue: "GET_UPVALUE",
	OpSetUpvalue: "SET_UPVALUE", OpCloseUpvalue: "CLOSE_UPVALUE",
	OpJump: "JUMP", OpJumpIfFalse: "JUMP_IF_FALSE",
	OpJumpIfTrue: "JUMP_IF_TRUE", OpJumpIfNotNil: "JUMP_IF_NOT_NIL",
	OpLoop: "LOOP",
	OpCall: "CALL", OpClosure: "CLOSURE", OpReturn: "RETURN",
	OpIterInit: "ITER_INIT", OpIterNext: "ITER_NEXT",
	OpBuildArray: "BUILD_ARRAY", OpArrayFlatten: "ARRAY_FLATTEN",
	OpBuildMap: "BUILD_MAP", OpBuildTuple: "BUILD_TUPLE",
	OpBuildStruct: "BUILD_STRUCT", OpBuildRange: "BUILD_RANGE",
	OpBuildEnum: "BUILD_ENUM", OpIndex: "INDEX", OpSetIndex: "SET_INDEX",
	OpGetField: "GET_FIELD", OpSetField: "SET_FIELD", OpInvoke: "INVOKE",
	OpInvokeLocal: "INVOKE_LOCAL", OpInvokeGlobal: "INVOKE_GLOBAL",
	OpSetIndexLocal:        "SET_INDEX_LOCAL",
	OpPushExceptionHandler: "PUSH_EXCEPTION_HANDLER",
	OpPopExceptionHandler:  "POP_EXCEPTION_HANDLER",
	OpThrow:                "THROW", OpTryUnwrap: "TRY_UNWRAP",
	OpDeferPush: "DEFER_PUSH", OpDeferRun: "DEFER_RUN",
	OpFreeze: "FREEZE", OpThaw: "THAW", OpClone: "CLONE",
	OpMarkFluid: "MARK_FLUID",
	OpReact:     "REACT", OpUnreact: "UNREACT", OpBond: "BOND",
	OpUnbond: "UNBOND", OpSeed: "SEED", OpUnseed: "UNSEED",
	OpFreezeVar: "FREEZE_VAR", OpThawVar: "THAW_VAR",
	OpSublimateVar: "SUBLIMATE_VAR", OpSublimate: "SUBLIMATE",
	OpPrint: "PRINT", OpImport: "IMPORT",
	OpScope: "SCOPE", OpSelect: "SELECT",
	OpIncLocal: "INC_LOCAL", OpDecLocal: "DEC_LOCAL",
	OpAddInt: "ADD_INT", OpSubInt: "SUB_INT", OpMulInt: "MUL_INT",
	OpLtInt: "LT_INT", OpLtEqInt: "LTEQ_INT", OpLoadInt8: "LOAD_INT8",
	OpConstant16: "CONSTANT_16", OpGetGlobal16: "GET_GLOBAL_16",
	OpSetGlobal16: "SET_GLOBAL_16", OpDefineGlobal16: "DEFINE_GLOBAL_16",
	OpClosure16: "CLOSURE_16",
	OpHalt:      "HALT",
}

// String returns the mnemonic, or a numeric fallback for bytes that do not
// name an opcode (possible in corrupt or fuzzed chunks).
func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return "OP_" + strconv.Itoa(int(op))
}
