// Package image serializes compiled funcdefs to and from .kimg files.
// An image is a small binary header followed by a canonically encoded
// CBOR body, so identical modules always serialize to identical bytes.
package image

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/karst-lang/karst/vm"
)

// Magic identifies a karst image file.
var Magic = [4]byte{'K', 'I', 'M', 'G'}

// Version is the image format version.
// v1: initial format: module = funcdef list + source names.
const Version uint32 = 1

// Image flags.
const (
	FlagNone      uint32 = 0
	FlagDebugInfo uint32 = 1 << 0 // includes source maps
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Module is the unit of serialization: the thunks of one source in
// compile order.
type Module struct {
	SourceName string
	Defs       []*vm.FuncDef
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type wireModule struct {
	SourceName string         `cbor:"source"`
	Defs       []*wireFuncDef `cbor:"defs"`
}

type wireFuncDef struct {
	Bytecode     []uint32       `cbor:"bytecode"`
	Constants    []wireValue    `cbor:"constants"`
	Defs         []*wireFuncDef `cbor:"defs,omitempty"`
	Environments []int32        `cbor:"envs,omitempty"`
	SourceLines  []int32        `cbor:"lines,omitempty"`
	SourceCols   []int32        `cbor:"cols,omitempty"`
	Source       string         `cbor:"source,omitempty"`
	Name         string         `cbor:"name,omitempty"`
	Arity        int32          `cbor:"arity"`
	Flags        int32          `cbor:"flags"`
	SlotCount    int32          `cbor:"slots"`
}

// wireValue is the tagged encoding of one constant. Only data kinds
// serialize; functions, cfunctions, fibers and abstracts do not.
type wireValue struct {
	Kind   string      `cbor:"k"`
	Int    int32       `cbor:"i,omitempty"`
	Real   float64     `cbor:"r,omitempty"`
	Str    string      `cbor:"s,omitempty"`
	Bytes  []byte      `cbor:"b,omitempty"`
	Items  []wireValue `cbor:"v,omitempty"`
	Flags  int32       `cbor:"f,omitempty"`
	Line   int32       `cbor:"l,omitempty"`
	Column int32       `cbor:"c,omitempty"`
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode serializes a module to image bytes.
func Encode(mod *Module) ([]byte, error) {
	wire := &wireModule{SourceName: mod.SourceName}
	for _, def := range mod.Defs {
		wd, err := encodeFuncDef(def)
		if err != nil {
			return nil, err
		}
		wire.Defs = append(wire.Defs, wd)
	}

	body, err := encMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("image: encode module: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(Magic[:])
	writeU32(&buf, Version)
	flags := FlagNone
	for _, def := range mod.Defs {
		if len(def.SourceMap) > 0 {
			flags |= FlagDebugInfo
			break
		}
	}
	writeU32(&buf, flags)
	buf.Write(body)
	return buf.Bytes(), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	buf.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func encodeFuncDef(def *vm.FuncDef) (*wireFuncDef, error) {
	wd := &wireFuncDef{
		Bytecode:     def.Bytecode,
		Environments: def.Environments,
		Source:       def.Source,
		Name:         def.Name,
		Arity:        def.Arity,
		Flags:        def.Flags,
		SlotCount:    def.SlotCount,
	}
	for _, k := range def.Constants {
		wv, err := encodeValue(k)
		if err != nil {
			return nil, err
		}
		wd.Constants = append(wd.Constants, wv)
	}
	for _, nested := range def.Defs {
		wn, err := encodeFuncDef(nested)
		if err != nil {
			return nil, err
		}
		wd.Defs = append(wd.Defs, wn)
	}
	for _, sm := range def.SourceMap {
		wd.SourceLines = append(wd.SourceLines, sm.Line)
		wd.SourceCols = append(wd.SourceCols, sm.Column)
	}
	return wd, nil
}

func encodeValue(v vm.Value) (wireValue, error) {
	switch v.Kind() {
	case vm.KindNil, vm.KindTrue, vm.KindFalse:
		return wireValue{Kind: v.Kind().String()}, nil
	case vm.KindInteger:
		return wireValue{Kind: "integer", Int: v.Int()}, nil
	case vm.KindReal:
		return wireValue{Kind: "real", Real: v.Real()}, nil
	case vm.KindString:
		return wireValue{Kind: "string", Str: v.Str()}, nil
	case vm.KindSymbol:
		return wireValue{Kind: "symbol", Str: v.Sym().Name()}, nil
	case vm.KindKeyword:
		return wireValue{Kind: "keyword", Str: v.Sym().Name()}, nil
	case vm.KindBuffer:
		return wireValue{Kind: "buffer", Bytes: v.Buffer().Bytes}, nil
	case vm.KindTuple:
		t := v.Tuple()
		wv := wireValue{Kind: "tuple", Flags: t.Flags, Line: t.Line, Column: t.Column}
		for _, el := range t.Values {
			we, err := encodeValue(el)
			if err != nil {
				return wireValue{}, err
			}
			wv.Items = append(wv.Items, we)
		}
		return wv, nil
	case vm.KindArray:
		wv := wireValue{Kind: "array"}
		for _, el := range v.Array().Values {
			we, err := encodeValue(el)
			if err != nil {
				return wireValue{}, err
			}
			wv.Items = append(wv.Items, we)
		}
		return wv, nil
	case vm.KindStruct, vm.KindTable:
		kind := "struct"
		var kvs []vm.KV
		if v.Kind() == vm.KindTable {
			kind = "table"
			kvs = v.Table().Entries()
		} else {
			kvs = v.Struct().Entries()
		}
		wv := wireValue{Kind: kind}
		for _, kv := range kvs {
			wk, err := encodeValue(kv.Key)
			if err != nil {
				return wireValue{}, err
			}
			wval, err := encodeValue(kv.Value)
			if err != nil {
				return wireValue{}, err
			}
			wv.Items = append(wv.Items, wk, wval)
		}
		return wv, nil
	default:
		return wireValue{}, fmt.Errorf("image: cannot serialize %s constant", v.Kind())
	}
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode reads image bytes back into a module, interning symbols and
// keywords through ctx.
func Decode(data []byte, ctx *vm.Context) (*Module, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("image: truncated header")
	}
	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, fmt.Errorf("image: bad magic")
	}
	version := readU32(data[4:8])
	if version != Version {
		return nil, fmt.Errorf("image: unsupported version %d", version)
	}

	var wire wireModule
	if err := cbor.Unmarshal(data[12:], &wire); err != nil {
		return nil, fmt.Errorf("image: decode module: %w", err)
	}

	mod := &Module{SourceName: wire.SourceName}
	for _, wd := range wire.Defs {
		def, err := decodeFuncDef(wd, ctx)
		if err != nil {
			return nil, err
		}
		mod.Defs = append(mod.Defs, def)
	}
	return mod, nil
}

func readU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func decodeFuncDef(wd *wireFuncDef, ctx *vm.Context) (*vm.FuncDef, error) {
	if len(wd.SourceLines) != len(wd.SourceCols) {
		return nil, fmt.Errorf("image: mismatched source map arrays")
	}
	def := &vm.FuncDef{
		Bytecode:     wd.Bytecode,
		Environments: wd.Environments,
		Source:       wd.Source,
		Name:         wd.Name,
		Arity:        wd.Arity,
		Flags:        wd.Flags,
		SlotCount:    wd.SlotCount,
	}
	for _, wv := range wd.Constants {
		v, err := decodeValue(wv, ctx)
		if err != nil {
			return nil, err
		}
		def.Constants = append(def.Constants, v)
	}
	for _, wn := range wd.Defs {
		nested, err := decodeFuncDef(wn, ctx)
		if err != nil {
			return nil, err
		}
		def.Defs = append(def.Defs, nested)
	}
	for i := range wd.SourceLines {
		def.SourceMap = append(def.SourceMap, vm.SourceMapping{
			Line:   wd.SourceLines[i],
			Column: wd.SourceCols[i],
		})
	}
	return def, nil
}

func decodeValue(wv wireValue, ctx *vm.Context) (vm.Value, error) {
	switch wv.Kind {
	case "nil":
		return vm.Nil(), nil
	case "true":
		return vm.True(), nil
	case "false":
		return vm.False(), nil
	case "integer":
		return vm.Int(wv.Int), nil
	case "real":
		return vm.Real(wv.Real), nil
	case "string":
		return vm.Str(wv.Str), nil
	case "symbol":
		return ctx.Symbol(wv.Str), nil
	case "keyword":
		return ctx.Keyword(wv.Str), nil
	case "buffer":
		buf := vm.NewBuffer(int32(len(wv.Bytes)))
		buf.PushBytes(wv.Bytes)
		return vm.BufferValue(buf), nil
	case "tuple":
		vals := make([]vm.Value, 0, len(wv.Items))
		for _, item := range wv.Items {
			v, err := decodeValue(item, ctx)
			if err != nil {
				return vm.Nil(), err
			}
			vals = append(vals, v)
		}
		t := vm.NewTuple(vals...)
		t.Flags = wv.Flags
		t.Line = wv.Line
		t.Column = wv.Column
		return vm.TupleValue(t), nil
	case "array":
		a := vm.NewArray(int32(len(wv.Items)))
		for _, item := range wv.Items {
			v, err := decodeValue(item, ctx)
			if err != nil {
				return vm.Nil(), err
			}
			a.Push(v)
		}
		return vm.ArrayValue(a), nil
	case "struct", "table":
		if len(wv.Items)%2 != 0 {
			return vm.Nil(), fmt.Errorf("image: odd dictionary entry count")
		}
		if wv.Kind == "table" {
			t := vm.NewTable(int32(len(wv.Items) / 2))
			for i := 0; i < len(wv.Items); i += 2 {
				k, err := decodeValue(wv.Items[i], ctx)
				if err != nil {
					return vm.Nil(), err
				}
				v, err := decodeValue(wv.Items[i+1], ctx)
				if err != nil {
					return vm.Nil(), err
				}
				t.Put(k, v)
			}
			return vm.TableValue(t), nil
		}
		b := vm.BeginStruct(int32(len(wv.Items) / 2))
		for i := 0; i < len(wv.Items); i += 2 {
			k, err := decodeValue(wv.Items[i], ctx)
			if err != nil {
				return vm.Nil(), err
			}
			v, err := decodeValue(wv.Items[i+1], ctx)
			if err != nil {
				return vm.Nil(), err
			}
			b.Put(k, v)
		}
		return vm.StructValue(b.End()), nil
	default:
		return vm.Nil(), fmt.Errorf("image: unknown value kind %q", wv.Kind)
	}
}
