package vm

// ---------------------------------------------------------------------------
// Environment tables
// ---------------------------------------------------------------------------

// An environment is a table mapping symbol values to binding entries.
// Each entry is itself a table:
//
//	:value  the bound value (def and macro entries)
//	:ref    a one-element array holding the current value (var entries)
//	:macro  true when the :value is a macro
//	:doc    optional docstring
//
// The compiler resolves free symbols through this shape, and top-level
// def/var forms create these entries.

// BindingType classifies how a symbol is bound in an environment.
type BindingType int

const (
	BindingNone BindingType = iota
	BindingDef
	BindingVar
	BindingMacro
)

// EnvResolve looks up sym in env. For defs and macros the returned value
// is the bound value; for vars it is the backing one-element ref array.
func EnvResolve(ctx *Context, env *Table, sym *Symbol) (BindingType, Value) {
	if env == nil {
		return BindingNone, Nil()
	}
	entry := env.Get(SymbolValue(sym))
	if entry.Kind() != KindTable {
		return BindingNone, Nil()
	}
	t := entry.Table()
	if ref := t.Get(ctx.Keyword("ref")); ref.Kind() == KindArray {
		return BindingVar, ref
	}
	value := t.Get(ctx.Keyword("value"))
	if t.Get(ctx.Keyword("macro")).Truthy() {
		return BindingMacro, value
	}
	return BindingDef, value
}

// EnvDef binds sym to an immutable value.
func EnvDef(ctx *Context, env *Table, name string, value Value) {
	entry := NewTable(1)
	entry.Put(ctx.Keyword("value"), value)
	env.Put(ctx.Symbol(name), TableValue(entry))
}

// EnvVar binds sym to a mutable reference cell initialized with value.
// The backing array is returned so hosts can read and write the var.
func EnvVar(ctx *Context, env *Table, name string, value Value) *Array {
	ref := NewArray(1)
	ref.Push(value)
	entry := NewTable(1)
	entry.Put(ctx.Keyword("ref"), ArrayValue(ref))
	env.Put(ctx.Symbol(name), TableValue(entry))
	return ref
}

// EnvMacro binds sym to a macro callable.
func EnvMacro(ctx *Context, env *Table, name string, fn Value) {
	entry := NewTable(2)
	entry.Put(ctx.Keyword("value"), fn)
	entry.Put(ctx.Keyword("macro"), True())
	env.Put(ctx.Symbol(name), TableValue(entry))
}
