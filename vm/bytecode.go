package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction encoding
// ---------------------------------------------------------------------------

// Instructions are 32-bit words. The low 8 bits hold the opcode; the
// remaining 24 bits carry up to three 8-bit fields (A, B, C), one 8-bit
// field plus a 16-bit field (A, D), or a signed offset (ES for jumps
// without a slot, DS for jumps with one).

// Opcode is the low byte of an instruction word.
type Opcode uint8

const (
	OpNoop Opcode = iota
	OpReturn
	OpReturnNil
	OpAddInteger
	OpAddImmediate
	OpAddReal
	OpAdd
	OpSubtractInteger
	OpSubtractReal
	OpSubtract
	OpMultiplyInteger
	OpMultiplyImmediate
	OpMultiplyReal
	OpMultiply
	OpDivideInteger
	OpDivideImmediate
	OpDivideReal
	OpDivide
	OpBAnd
	OpBOr
	OpBXor
	OpBNot
	OpShiftLeft
	OpShiftLeftImmediate
	OpShiftRight
	OpShiftRightImmediate
	OpShiftRightUnsigned
	OpShiftRightUnsignedImmediate
	OpMoveFar
	OpMoveNear
	OpJump
	OpJumpIf
	OpJumpIfNot
	OpGreaterThan
	OpGreaterThanInteger
	OpGreaterThanImmediate
	OpGreaterThanReal
	OpGreaterThanEqualReal
	OpLessThan
	OpLessThanInteger
	OpLessThanImmediate
	OpLessThanReal
	OpLessThanEqualReal
	OpEquals
	OpEqualsInteger
	OpEqualsImmediate
	OpEqualsReal
	OpCompare
	OpLoadNil
	OpLoadTrue
	OpLoadFalse
	OpLoadInteger
	OpLoadConstant
	OpLoadUpvalue
	OpLoadSelf
	OpSetUpvalue
	OpClosure
	OpPush
	OpPush2
	OpPush3
	OpPushArray
	OpCall
	OpTailcall
	OpResume
	OpSignal
	OpGet
	OpPut
	OpGetIndex
	OpPutIndex
	OpLength
	OpMakeArray
	OpMakeBuffer
	OpMakeString
	OpMakeStruct
	OpMakeTable
	OpMakeTuple
	OpcodeCount
)

// InstructionType describes an opcode's operand layout.
type InstructionType uint8

const (
	IT0   InstructionType = iota // no operands
	ITS                          // slot in A
	ITL                          // signed label in ES
	ITSS                         // slot in A, far slot in D
	ITSL                         // slot in A, signed label in DS
	ITSI                         // slot in A, signed immediate in DS
	ITSD                         // slot in A, funcdef index in D
	ITSU                         // slot in A, unsigned immediate in D
	ITSSS                        // slots in A, B, C
	ITSSI                        // slots in A, B; signed immediate in C
	ITSSU                        // slots in A, B; unsigned immediate in C
	ITSES                        // slot in A, environment in B, env slot in C
	ITSC                         // slot in A, constant index in D
)

type opcodeInfo struct {
	Name string
	Type InstructionType
}

var opcodeTable = [OpcodeCount]opcodeInfo{
	OpNoop:                        {"noop", IT0},
	OpReturn:                      {"return", ITS},
	OpReturnNil:                   {"return-nil", IT0},
	OpAddInteger:                  {"add-integer", ITSSS},
	OpAddImmediate:                {"add-immediate", ITSSI},
	OpAddReal:                     {"add-real", ITSSS},
	OpAdd:                         {"add", ITSSS},
	OpSubtractInteger:             {"subtract-integer", ITSSS},
	OpSubtractReal:                {"subtract-real", ITSSS},
	OpSubtract:                    {"subtract", ITSSS},
	OpMultiplyInteger:             {"multiply-integer", ITSSS},
	OpMultiplyImmediate:           {"multiply-immediate", ITSSI},
	OpMultiplyReal:                {"multiply-real", ITSSS},
	OpMultiply:                    {"multiply", ITSSS},
	OpDivideInteger:               {"divide-integer", ITSSS},
	OpDivideImmediate:             {"divide-immediate", ITSSI},
	OpDivideReal:                  {"divide-real", ITSSS},
	OpDivide:                      {"divide", ITSSS},
	OpBAnd:                        {"band", ITSSS},
	OpBOr:                         {"bor", ITSSS},
	OpBXor:                        {"bxor", ITSSS},
	OpBNot:                        {"bnot", ITSS},
	OpShiftLeft:                   {"shift-left", ITSSS},
	OpShiftLeftImmediate:          {"shift-left-immediate", ITSSU},
	OpShiftRight:                  {"shift-right", ITSSS},
	OpShiftRightImmediate:         {"shift-right-immediate", ITSSU},
	OpShiftRightUnsigned:          {"shift-right-unsigned", ITSSS},
	OpShiftRightUnsignedImmediate: {"shift-right-unsigned-immediate", ITSSU},
	OpMoveFar:                     {"move-far", ITSS},
	OpMoveNear:                    {"move-near", ITSS},
	OpJump:                        {"jump", ITL},
	OpJumpIf:                      {"jump-if", ITSL},
	OpJumpIfNot:                   {"jump-if-not", ITSL},
	OpGreaterThan:                 {"greater-than", ITSSS},
	OpGreaterThanInteger:          {"greater-than-integer", ITSSS},
	OpGreaterThanImmediate:        {"greater-than-immediate", ITSSI},
	OpGreaterThanReal:             {"greater-than-real", ITSSS},
	OpGreaterThanEqualReal:        {"greater-than-equal-real", ITSSS},
	OpLessThan:                    {"less-than", ITSSS},
	OpLessThanInteger:             {"less-than-integer", ITSSS},
	OpLessThanImmediate:           {"less-than-immediate", ITSSI},
	OpLessThanReal:                {"less-than-real", ITSSS},
	OpLessThanEqualReal:           {"less-than-equal-real", ITSSS},
	OpEquals:                      {"equals", ITSSS},
	OpEqualsInteger:               {"equals-integer", ITSSS},
	OpEqualsImmediate:             {"equals-immediate", ITSSI},
	OpEqualsReal:                  {"equals-real", ITSSS},
	OpCompare:                     {"compare", ITSSS},
	OpLoadNil:                     {"load-nil", ITS},
	OpLoadTrue:                    {"load-true", ITS},
	OpLoadFalse:                   {"load-false", ITS},
	OpLoadInteger:                 {"load-integer", ITSI},
	OpLoadConstant:                {"load-constant", ITSC},
	OpLoadUpvalue:                 {"load-upvalue", ITSES},
	OpLoadSelf:                    {"load-self", ITS},
	OpSetUpvalue:                  {"set-upvalue", ITSES},
	OpClosure:                     {"closure", ITSD},
	OpPush:                        {"push", ITS},
	OpPush2:                       {"push-2", ITSS},
	OpPush3:                       {"push-3", ITSSS},
	OpPushArray:                   {"push-array", ITS},
	OpCall:                        {"call", ITSS},
	OpTailcall:                    {"tailcall", ITS},
	OpResume:                      {"resume", ITSSS},
	OpSignal:                      {"signal", ITSSU},
	OpGet:                         {"get", ITSSS},
	OpPut:                         {"put", ITSSS},
	OpGetIndex:                    {"get-index", ITSSU},
	OpPutIndex:                    {"put-index", ITSSU},
	OpLength:                      {"length", ITSS},
	OpMakeArray:                   {"make-array", ITS},
	OpMakeBuffer:                  {"make-buffer", ITS},
	OpMakeString:                  {"make-string", ITS},
	OpMakeStruct:                  {"make-struct", ITS},
	OpMakeTable:                   {"make-table", ITS},
	OpMakeTuple:                   {"make-tuple", ITS},
}

// Name returns the assembler name of an opcode.
func (op Opcode) Name() string {
	if op < OpcodeCount {
		return opcodeTable[op].Name
	}
	return fmt.Sprintf("unknown-%02x", uint8(op))
}

// Layout returns the operand layout of an opcode.
func (op Opcode) Layout() InstructionType {
	if op < OpcodeCount {
		return opcodeTable[op].Type
	}
	return IT0
}

func (op Opcode) String() string { return op.Name() }

// ---------------------------------------------------------------------------
// Field access
// ---------------------------------------------------------------------------

// Op extracts the opcode from an instruction word.
func Op(instr uint32) Opcode { return Opcode(instr & 0xFF) }

// FieldA extracts the first 8-bit field.
func FieldA(instr uint32) uint32 { return (instr >> 8) & 0xFF }

// FieldB extracts the second 8-bit field.
func FieldB(instr uint32) uint32 { return (instr >> 16) & 0xFF }

// FieldC extracts the third 8-bit field.
func FieldC(instr uint32) uint32 { return (instr >> 24) & 0xFF }

// FieldD extracts the 16-bit field overlapping B and C.
func FieldD(instr uint32) uint32 { return (instr >> 16) & 0xFFFF }

// FieldDS extracts the 16-bit field as a signed immediate.
func FieldDS(instr uint32) int32 { return int32(instr) >> 16 }

// FieldES extracts the 24-bit field as a signed jump offset.
func FieldES(instr uint32) int32 { return int32(instr) >> 8 }

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders one instruction word.
func DisassembleInstruction(offset int32, instr uint32) string {
	op := Op(instr)
	switch op.Layout() {
	case IT0:
		return fmt.Sprintf("%04d  %s", offset, op)
	case ITS:
		return fmt.Sprintf("%04d  %s %d", offset, op, FieldA(instr))
	case ITSD, ITSU, ITSC:
		return fmt.Sprintf("%04d  %s %d %d", offset, op, FieldA(instr), FieldD(instr))
	case ITL:
		target := offset + FieldES(instr)
		return fmt.Sprintf("%04d  %s %d (-> %04d)", offset, op, FieldES(instr), target)
	case ITSL:
		target := offset + FieldDS(instr)
		return fmt.Sprintf("%04d  %s %d %d (-> %04d)", offset, op, FieldA(instr), FieldDS(instr), target)
	case ITSI:
		return fmt.Sprintf("%04d  %s %d %d", offset, op, FieldA(instr), FieldDS(instr))
	case ITSS:
		return fmt.Sprintf("%04d  %s %d %d", offset, op, FieldA(instr), FieldD(instr))
	case ITSSS, ITSES:
		return fmt.Sprintf("%04d  %s %d %d %d", offset, op, FieldA(instr), FieldB(instr), FieldC(instr))
	case ITSSI:
		return fmt.Sprintf("%04d  %s %d %d %d", offset, op, FieldA(instr), FieldB(instr), int8(FieldC(instr)))
	case ITSSU:
		return fmt.Sprintf("%04d  %s %d %d %d", offset, op, FieldA(instr), FieldB(instr), FieldC(instr))
	}
	return fmt.Sprintf("%04d  %s", offset, op)
}

// Disassemble renders a funcdef's bytecode, one instruction per line.
func Disassemble(def *FuncDef) string {
	var sb strings.Builder
	for i, instr := range def.Bytecode {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(DisassembleInstruction(int32(i), instr))
	}
	return sb.String()
}
