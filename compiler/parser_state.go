package compiler

import (
	"github.com/karst-lang/karst/vm"
)

// ---------------------------------------------------------------------------
// Reader introspection
// ---------------------------------------------------------------------------

// frameTypeName names a frame for the state report.
func frameTypeName(st *parseFrame) string {
	switch {
	case st.flags&(flagParens|flagSqrBrackets) != 0:
		if st.flags&flagAtSym != 0 {
			return "array"
		}
		return "tuple"
	case st.flags&flagCurlyBrackets != 0:
		if st.flags&flagAtSym != 0 {
			return "table"
		}
		return "struct"
	case st.flags&(flagString|flagLongString) != 0:
		if st.flags&flagBuffer != 0 {
			return "buffer"
		}
		return "string"
	case st.flags&flagComment != 0:
		return "comment"
	case st.flags&flagToken != 0:
		return "token"
	case st.flags&flagAtSym != 0:
		return "at"
	case st.flags&flagReaderMac != 0:
		switch byte(st.flags & 0xFF) {
		case '\'':
			return "quote"
		case ',':
			return "unquote"
		case ';':
			return "splice"
		case '~':
			return "quasiquote"
		default:
			return "<reader>"
		}
	default:
		return "root"
	}
}

// hasBufferContent reports whether a frame's pending text lives in the
// shared byte buffer.
func hasBufferContent(st *parseFrame) bool {
	return st.flags&(flagString|flagLongString|flagComment|flagToken) != 0
}

// frameState builds the introspection table for one frame. args holds
// the frame's pending arguments.
func (p *Parser) frameState(st *parseFrame, args []vm.Value) vm.Value {
	state := vm.NewTable(4)
	if st.flags&flagContainer != 0 {
		pending := vm.NewArray(int32(len(args)))
		pending.Values = append(pending.Values, args...)
		state.Put(p.ctx.Keyword("args"), vm.ArrayValue(pending))
	}
	state.Put(p.ctx.Keyword("type"), p.ctx.Keyword(frameTypeName(st)))
	if hasBufferContent(st) {
		state.Put(p.ctx.Keyword("buffer"), vm.Str(string(p.buf)))
	}
	state.Put(p.ctx.Keyword("line"), vm.Int(st.line))
	state.Put(p.ctx.Keyword("column"), vm.Int(st.column))
	return vm.TableValue(state)
}

// stateFrames reports every open frame, outermost first, with its type,
// source position, pending arguments, and pending text.
func (p *Parser) stateFrames() vm.Value {
	out := vm.NewArray(int32(len(p.frames)))
	out.Values = make([]vm.Value, len(p.frames))
	end := len(p.args)
	for i := len(p.frames) - 1; i >= 0; i-- {
		st := &p.frames[i]
		start := end - int(st.argn)
		if start < 0 {
			start = 0
		}
		out.Values[i] = p.frameState(st, p.args[start:end])
		end = start
	}
	return vm.ArrayValue(out)
}

// stateDelimiters lists the opening delimiters of the open frames,
// outermost first, e.g. `(["` while inside a string inside brackets
// inside parens.
func (p *Parser) stateDelimiters() vm.Value {
	var delims []byte
	for i := range p.frames {
		st := &p.frames[i]
		switch {
		case st.flags&flagParens != 0:
			delims = append(delims, '(')
		case st.flags&flagSqrBrackets != 0:
			delims = append(delims, '[')
		case st.flags&flagCurlyBrackets != 0:
			delims = append(delims, '{')
		case st.flags&flagString != 0:
			delims = append(delims, '"')
		case st.flags&flagLongString != 0:
			for j := int32(0); j < st.argn; j++ {
				delims = append(delims, '`')
			}
		}
	}
	return vm.Str(string(delims))
}

// State returns a machine-readable snapshot of the reader. With an empty
// key, every report is collected into one table; otherwise key selects
// "frames" or "delimiters".
func (p *Parser) State(key string) (vm.Value, error) {
	switch key {
	case "frames":
		return p.stateFrames(), nil
	case "delimiters":
		return p.stateDelimiters(), nil
	case "":
		t := vm.NewTable(2)
		t.Put(p.ctx.Keyword("frames"), p.stateFrames())
		t.Put(p.ctx.Keyword("delimiters"), p.stateDelimiters())
		return vm.TableValue(t), nil
	default:
		return vm.Nil(), &UnknownStateKeyError{Key: key}
	}
}

// UnknownStateKeyError reports an unsupported State key.
type UnknownStateKeyError struct {
	Key string
}

func (e *UnknownStateKeyError) Error() string {
	return "unexpected keyword :" + e.Key
}
