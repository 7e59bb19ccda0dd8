package vm

// ---------------------------------------------------------------------------
// Context: per-thread language state
// ---------------------------------------------------------------------------

// Context holds all state shared by one logical execution context: the
// symbol intern table and the gensym counter. Contexts are not safe for
// concurrent use; each OS thread that runs karst code owns its own.
type Context struct {
	syms   *symcache
	gensym [7]byte
}

// NewContext creates an isolated context.
func NewContext() *Context {
	return &Context{
		syms:   newSymcache(),
		gensym: [7]byte{'_', '0', '0', '0', '0', '0', '0'},
	}
}

// Intern returns the unique symbol for the given text.
func (ctx *Context) Intern(name string) *Symbol {
	return ctx.syms.intern(name)
}

// Symbol interns name and wraps it as a symbol value.
func (ctx *Context) Symbol(name string) Value {
	return SymbolValue(ctx.syms.intern(name))
}

// Keyword interns name and wraps it as a keyword value.
func (ctx *Context) Keyword(name string) Value {
	return KeywordValue(ctx.syms.intern(name))
}

// Evict removes a symbol from the intern table. Called by the collector
// when a symbol is reclaimed.
func (ctx *Context) Evict(s *Symbol) {
	ctx.syms.evict(s)
}

// Gensym returns a fresh symbol of the form _XXXXXX that is not currently
// interned. The counter walks base-62 digits 0-9a-zA-Z.
func (ctx *Context) Gensym() *Symbol {
	for {
		name := string(ctx.gensym[:])
		hash := HashString(name)
		if _, found := ctx.syms.find(name, hash); !found {
			s := &Symbol{name: name, hash: hash}
			idx, _ := ctx.syms.find(name, hash)
			ctx.syms.put(s, idx)
			return s
		}
		ctx.incGensym()
	}
}

func (ctx *Context) incGensym() {
	for i := len(ctx.gensym) - 1; i > 0; i-- {
		switch {
		case ctx.gensym[i] == '9':
			ctx.gensym[i] = 'a'
			return
		case ctx.gensym[i] == 'z':
			ctx.gensym[i] = 'A'
			return
		case ctx.gensym[i] == 'Z':
			ctx.gensym[i] = '0'
			// carry into the next digit
		default:
			ctx.gensym[i]++
			return
		}
	}
}
