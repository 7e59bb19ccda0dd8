package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Printer: render values in reader syntax
// ---------------------------------------------------------------------------

// Print renders a value so that data (values without functions, fibers,
// or abstract payloads) re-parses to an equal value.
func Print(v Value) string {
	var sb strings.Builder
	printValue(&sb, v)
	return sb.String()
}

func printValue(sb *strings.Builder, v Value) {
	switch v.Kind() {
	case KindNil:
		sb.WriteString("nil")
	case KindFalse:
		sb.WriteString("false")
	case KindTrue:
		sb.WriteString("true")
	case KindInteger:
		sb.WriteString(strconv.FormatInt(int64(v.Int()), 10))
	case KindReal:
		printReal(sb, v.Real())
	case KindString:
		printQuoted(sb, v.Str())
	case KindSymbol:
		sb.WriteString(v.Sym().Name())
	case KindKeyword:
		sb.WriteByte(':')
		sb.WriteString(v.Sym().Name())
	case KindTuple:
		t := v.Tuple()
		open, close := byte('('), byte(')')
		if t.Flags&TupleFlagBracket != 0 {
			open, close = '[', ']'
		}
		sb.WriteByte(open)
		for i, el := range t.Values {
			if i > 0 {
				sb.WriteByte(' ')
			}
			printValue(sb, el)
		}
		sb.WriteByte(close)
	case KindArray:
		sb.WriteString("@[")
		for i, el := range v.Array().Values {
			if i > 0 {
				sb.WriteByte(' ')
			}
			printValue(sb, el)
		}
		sb.WriteByte(']')
	case KindStruct:
		sb.WriteByte('{')
		for i, kv := range v.Struct().Entries() {
			if i > 0 {
				sb.WriteByte(' ')
			}
			printValue(sb, kv.Key)
			sb.WriteByte(' ')
			printValue(sb, kv.Value)
		}
		sb.WriteByte('}')
	case KindTable:
		sb.WriteString("@{")
		for i, kv := range v.Table().Entries() {
			if i > 0 {
				sb.WriteByte(' ')
			}
			printValue(sb, kv.Key)
			sb.WriteByte(' ')
			printValue(sb, kv.Value)
		}
		sb.WriteByte('}')
	case KindBuffer:
		sb.WriteByte('@')
		printQuoted(sb, string(v.Buffer().Bytes))
	case KindFunction:
		f := v.Function()
		name := f.Def.Name
		if name == "" {
			name = "anonymous"
		}
		fmt.Fprintf(sb, "<function %s>", name)
	case KindCFunction:
		fmt.Fprintf(sb, "<cfunction %s>", v.CFun().Name)
	case KindFiber:
		sb.WriteString("<fiber>")
	default:
		sb.WriteString("<abstract>")
	}
}

// printReal formats a finite real so it re-parses as a real, never an
// integer. NaN and the infinities print as nan, inf and -inf, which the
// reader reads back as symbols.
func printReal(sb *strings.Builder, f float64) {
	switch {
	case math.IsNaN(f):
		sb.WriteString("nan")
		return
	case math.IsInf(f, 1):
		sb.WriteString("inf")
		return
	case math.IsInf(f, -1):
		sb.WriteString("-inf")
		return
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	sb.WriteString(s)
	if !strings.ContainsAny(s, ".eE") {
		sb.WriteString(".0")
	}
}

var stringEscapes = map[byte]string{
	'"':  `\"`,
	'\\': `\\`,
	'\n': `\n`,
	'\t': `\t`,
	'\r': `\r`,
	0:    `\0`,
	'\f': `\f`,
	'\v': `\v`,
	27:   `\e`,
}

func printQuoted(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if esc, ok := stringEscapes[c]; ok {
			sb.WriteString(esc)
		} else if c < 32 || c == 127 {
			fmt.Fprintf(sb, "\\x%02x", c)
		} else {
			sb.WriteByte(c)
		}
	}
	sb.WriteByte('"')
}
