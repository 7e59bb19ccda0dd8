package vm

import (
	"math"
	"unsafe"

	"github.com/zeebo/xxh3"
)

// ---------------------------------------------------------------------------
// Value: tagged sum over all karst kinds
// ---------------------------------------------------------------------------

// Kind identifies the runtime type of a Value. The declaration order is
// significant: it defines the total order used for cross-kind comparison.
type Kind uint8

const (
	KindNil Kind = iota
	KindFalse
	KindTrue
	KindFiber
	KindInteger
	KindReal
	KindString
	KindSymbol
	KindKeyword
	KindArray
	KindTuple
	KindTable
	KindStruct
	KindBuffer
	KindFunction
	KindCFunction
	KindAbstract
	kindCount
)

var kindNames = [...]string{
	"nil", "false", "true", "fiber", "integer", "real", "string", "symbol",
	"keyword", "array", "tuple", "table", "struct", "buffer", "function",
	"cfunction", "abstract",
}

// String returns the kind name as it appears in diagnostics.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Value is a karst value. Immutable kinds (strings, symbols, keywords,
// tuples, structs, numbers) compare structurally; mutable containers and
// opaque kinds compare by identity.
type Value struct {
	kind Kind
	num  float64 // real payload
	i    int32   // integer payload
	ptr  any     // heap payload for all pointer-backed kinds
}

// Kind returns the value's runtime kind.
func (v Value) Kind() Kind { return v.kind }

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Nil returns the nil value.
func Nil() Value { return Value{kind: KindNil} }

// Bool returns the true or false value.
func Bool(b bool) Value {
	if b {
		return True()
	}
	return False()
}

// True returns the true value.
func True() Value { return Value{kind: KindTrue} }

// False returns the false value.
func False() Value { return Value{kind: KindFalse} }

// Int wraps a 32-bit integer.
func Int(i int32) Value { return Value{kind: KindInteger, i: i} }

// Real wraps a double.
func Real(f float64) Value { return Value{kind: KindReal, num: f} }

// Str wraps an immutable string.
func Str(s string) Value { return Value{kind: KindString, ptr: s} }

// SymbolValue wraps an interned symbol.
func SymbolValue(s *Symbol) Value { return Value{kind: KindSymbol, ptr: s} }

// KeywordValue wraps an interned symbol as a keyword.
func KeywordValue(s *Symbol) Value { return Value{kind: KindKeyword, ptr: s} }

// TupleValue wraps a tuple.
func TupleValue(t *Tuple) Value { return Value{kind: KindTuple, ptr: t} }

// StructValue wraps a struct.
func StructValue(s *Struct) Value { return Value{kind: KindStruct, ptr: s} }

// ArrayValue wraps a mutable array.
func ArrayValue(a *Array) Value { return Value{kind: KindArray, ptr: a} }

// TableValue wraps a mutable table.
func TableValue(t *Table) Value { return Value{kind: KindTable, ptr: t} }

// BufferValue wraps a mutable byte buffer.
func BufferValue(b *Buffer) Value { return Value{kind: KindBuffer, ptr: b} }

// FunctionValue wraps a VM function.
func FunctionValue(f *Function) Value { return Value{kind: KindFunction, ptr: f} }

// CFunValue wraps a native function.
func CFunValue(f *CFun) Value { return Value{kind: KindCFunction, ptr: f} }

// FiberValue wraps a fiber.
func FiberValue(f *Fiber) Value { return Value{kind: KindFiber, ptr: f} }

// AbstractValue wraps an opaque host value.
func AbstractValue(x any) Value { return Value{kind: KindAbstract, ptr: x} }

// ---------------------------------------------------------------------------
// Accessors. These panic on kind mismatch; callers check kinds first.
// ---------------------------------------------------------------------------

// Int returns the integer payload.
func (v Value) Int() int32 {
	if v.kind != KindInteger {
		panic("Value.Int: not an integer")
	}
	return v.i
}

// Real returns the real payload.
func (v Value) Real() float64 {
	if v.kind != KindReal {
		panic("Value.Real: not a real")
	}
	return v.num
}

// Str returns the string payload.
func (v Value) Str() string {
	if v.kind != KindString {
		panic("Value.Str: not a string")
	}
	return v.ptr.(string)
}

// Sym returns the interned symbol behind a symbol or keyword.
func (v Value) Sym() *Symbol {
	if v.kind != KindSymbol && v.kind != KindKeyword {
		panic("Value.Sym: not a symbol or keyword")
	}
	return v.ptr.(*Symbol)
}

// Tuple returns the tuple payload.
func (v Value) Tuple() *Tuple {
	if v.kind != KindTuple {
		panic("Value.Tuple: not a tuple")
	}
	return v.ptr.(*Tuple)
}

// Struct returns the struct payload.
func (v Value) Struct() *Struct {
	if v.kind != KindStruct {
		panic("Value.Struct: not a struct")
	}
	return v.ptr.(*Struct)
}

// Array returns the array payload.
func (v Value) Array() *Array {
	if v.kind != KindArray {
		panic("Value.Array: not an array")
	}
	return v.ptr.(*Array)
}

// Table returns the table payload.
func (v Value) Table() *Table {
	if v.kind != KindTable {
		panic("Value.Table: not a table")
	}
	return v.ptr.(*Table)
}

// Buffer returns the buffer payload.
func (v Value) Buffer() *Buffer {
	if v.kind != KindBuffer {
		panic("Value.Buffer: not a buffer")
	}
	return v.ptr.(*Buffer)
}

// Function returns the function payload.
func (v Value) Function() *Function {
	if v.kind != KindFunction {
		panic("Value.Function: not a function")
	}
	return v.ptr.(*Function)
}

// CFun returns the native function payload.
func (v Value) CFun() *CFun {
	if v.kind != KindCFunction {
		panic("Value.CFun: not a cfunction")
	}
	return v.ptr.(*CFun)
}

// Fiber returns the fiber payload.
func (v Value) Fiber() *Fiber {
	if v.kind != KindFiber {
		panic("Value.Fiber: not a fiber")
	}
	return v.ptr.(*Fiber)
}

// IsNil reports whether v is the nil value.
func (v Value) IsNil() bool { return v.kind == KindNil }

// Truthy reports whether v is truthy. Only nil and false are falsy.
func (v Value) Truthy() bool { return v.kind != KindNil && v.kind != KindFalse }

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// Equals reports strict equality with no conversions. Structural for
// numbers, strings, symbols, keywords, tuples and structs; identity for
// everything else.
func Equals(x, y Value) bool {
	if x.kind != y.kind {
		return false
	}
	switch x.kind {
	case KindNil, KindFalse, KindTrue:
		return true
	case KindInteger:
		return x.i == y.i
	case KindReal:
		return x.num == y.num
	case KindString:
		return x.ptr.(string) == y.ptr.(string)
	case KindSymbol, KindKeyword:
		// Interned: pointer comparison is string comparison.
		return x.ptr.(*Symbol) == y.ptr.(*Symbol)
	case KindTuple:
		return tupleEquals(x.ptr.(*Tuple), y.ptr.(*Tuple))
	case KindStruct:
		return structEquals(x.ptr.(*Struct), y.ptr.(*Struct))
	default:
		return x.ptr == y.ptr
	}
}

// ---------------------------------------------------------------------------
// Ordering
// ---------------------------------------------------------------------------

// Compare imposes a total order on all values. Values of different kinds
// order by kind. NaN reals sort below all other reals so the order stays
// total.
func Compare(x, y Value) int {
	if x.kind != y.kind {
		if x.kind < y.kind {
			return -1
		}
		return 1
	}
	switch x.kind {
	case KindNil, KindFalse, KindTrue:
		return 0
	case KindInteger:
		return cmpInt32(x.i, y.i)
	case KindReal:
		return cmpReal(x.num, y.num)
	case KindString:
		return cmpString(x.ptr.(string), y.ptr.(string))
	case KindSymbol, KindKeyword:
		return cmpString(x.ptr.(*Symbol).Name(), y.ptr.(*Symbol).Name())
	case KindTuple:
		return tupleCompare(x.ptr.(*Tuple), y.ptr.(*Tuple))
	case KindStruct:
		return structCompare(x.ptr.(*Struct), y.ptr.(*Struct))
	default:
		return cmpPointer(x.ptr, y.ptr)
	}
}

func cmpInt32(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpReal(a, b float64) int {
	// NaNs sort below every other real so the order stays total.
	if math.IsNaN(a) {
		if math.IsNaN(b) {
			return 0
		}
		return -1
	}
	if math.IsNaN(b) {
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// cmpPointer gives reference-identity kinds an arbitrary but stable order
// within one process.
func cmpPointer(a, b any) int {
	if a == b {
		return 0
	}
	ha := identHash(a)
	hb := identHash(b)
	switch {
	case ha < hb:
		return -1
	case ha > hb:
		return 1
	default:
		return 0
	}
}

// ---------------------------------------------------------------------------
// Hashing
// ---------------------------------------------------------------------------

// Hash returns a hash consistent with Equals.
func Hash(v Value) uint32 {
	switch v.kind {
	case KindNil:
		return 0
	case KindFalse:
		return 1
	case KindTrue:
		return 2
	case KindInteger:
		return uint32(v.i)
	case KindReal:
		f := v.num
		if f == 0 {
			f = 0 // -0 equals +0, so both hash alike
		}
		bits := math.Float64bits(f)
		return uint32(bits) ^ uint32(bits>>32)
	case KindString:
		return HashString(v.ptr.(string))
	case KindSymbol, KindKeyword:
		return v.ptr.(*Symbol).Hash()
	case KindTuple:
		return v.ptr.(*Tuple).Hash()
	case KindStruct:
		return v.ptr.(*Struct).Hash()
	default:
		return identHash(v.ptr)
	}
}

// HashString hashes identifier and string text the same way the intern
// table does.
func HashString(s string) uint32 {
	h := xxh3.HashString(s)
	return uint32(h) ^ uint32(h>>32)
}

// identHash derives a hash from object identity.
func identHash(x any) uint32 {
	switch p := x.(type) {
	case *Array:
		return ptrHash(unsafe.Pointer(p))
	case *Table:
		return ptrHash(unsafe.Pointer(p))
	case *Buffer:
		return ptrHash(unsafe.Pointer(p))
	case *Function:
		return ptrHash(unsafe.Pointer(p))
	case *CFun:
		return ptrHash(unsafe.Pointer(p))
	case *Fiber:
		return ptrHash(unsafe.Pointer(p))
	case *Symbol:
		return p.Hash()
	default:
		return 5381
	}
}

func ptrHash(p unsafe.Pointer) uint32 {
	h := uint64(uintptr(p))
	h >>= 3
	return uint32(h) ^ uint32(h>>32)
}
