package compiler

import (
	"fmt"

	"github.com/karst-lang/karst/vm"
)

// ---------------------------------------------------------------------------
// Compiler
// ---------------------------------------------------------------------------

const (
	// maxRecursion bounds value-compilation depth.
	maxRecursion = 1024
	// maxMacroExpand bounds repeated macro expansion of one form.
	maxMacroExpand = 200
)

// Fopts flag bits, carried alongside the accepted-kind set.
const (
	// foptsTail permits emitting a return or tailcall for the value.
	foptsTail int32 = 1 << 20
	// foptsDrop marks the value as discarded; no register is kept.
	foptsDrop int32 = 1 << 21
	// foptsHint requests the result in Fopts.Hint when possible.
	foptsHint int32 = 1 << 22
)

// Fopts are per-value compilation options threaded through recursion.
type Fopts struct {
	Flags int32
	Hint  Slot
}

func foptsDefault() Fopts {
	return Fopts{Hint: cslot(vm.Nil())}
}

// Status is the outcome of a compilation.
type Status int

const (
	// CompileOK: the funcdef is valid.
	CompileOK Status = iota
	// CompileError: the error fields are latched.
	CompileError
)

// Result is the outcome of one top-level compilation. After the first
// error it is latched: further compilation steps short-circuit and leave
// it untouched.
type Result struct {
	Status       Status
	FuncDef      *vm.FuncDef
	Error        string
	ErrorMapping vm.SourceMapping
	MacroFiber   *vm.Fiber
}

// Options configure a compilation.
type Options struct {
	// SourceName labels funcdefs and error messages (file name, repl).
	SourceName string
	// Caller runs macros. Compiling macro-free code needs none.
	Caller vm.Caller
	// Intrinsics specializes calls whose callee is a known constant.
	Intrinsics IntrinsicTable
}

// Compiler compiles one source value into a funcdef. It is single-shot:
// create one per top-level form.
type Compiler struct {
	ctx            *vm.Context
	scope          *Scope
	buffer         []uint32
	mapbuffer      []vm.SourceMapping
	env            *vm.Table
	source         string
	currentMapping vm.SourceMapping
	recursionGuard int
	caller         vm.Caller
	intrinsics     IntrinsicTable
	loops          []*loopFrame
	result         Result
}

// loopFrame tracks an enclosing while loop for break.
type loopFrame struct {
	breakJumps []int32
	iife       bool
}

// cerror latches a compile error. The first error wins.
func (c *Compiler) cerror(msg string) {
	if c.result.Status == CompileError {
		return
	}
	c.result.Status = CompileError
	c.result.Error = msg
}

// ---------------------------------------------------------------------------
// Call compilation
// ---------------------------------------------------------------------------

// toSlots compiles values into argument slots.
func (c *Compiler) toSlots(vals []vm.Value) []Slot {
	slots := make([]Slot, 0, len(vals))
	for _, v := range vals {
		slots = append(slots, c.value(foptsDefault(), v))
	}
	return slots
}

// toSlotsKV compiles a dictionary's entries into alternating key/value
// slots.
func (c *Compiler) toSlotsKV(ds vm.Value) []Slot {
	kvs, _ := vm.DictionaryView(ds)
	slots := make([]Slot, 0, 2*len(kvs))
	for _, kv := range kvs {
		slots = append(slots, c.value(foptsDefault(), kv.Key))
		slots = append(slots, c.value(foptsDefault(), kv.Value))
	}
	return slots
}

// pushSlots emits argument pushes, batching three at a time. Spliced
// slots unpack with push-array.
func (c *Compiler) pushSlots(slots []Slot) {
	run := make([]Slot, 0, 3)
	flush := func() {
		for len(run) >= 3 {
			c.emitSSS(vm.OpPush3, run[0], run[1], run[2], false)
			run = run[3:]
		}
		switch len(run) {
		case 2:
			c.emitSS(vm.OpPush2, run[0], run[1], false)
		case 1:
			c.emitS(vm.OpPush, run[0], false)
		}
		run = run[:0]
	}
	for _, s := range slots {
		if s.Flags&SlotSpliced != 0 {
			flush()
			c.emitS(vm.OpPushArray, s, false)
		} else {
			run = append(run, s)
		}
	}
	flush()
}

// freeSlots releases argument slots.
func (c *Compiler) freeSlots(slots []Slot) {
	for _, s := range slots {
		c.freeSlot(s)
	}
}

// getTarget picks the destination register for an instruction, honoring
// a near-register hint.
func (c *Compiler) getTarget(opts Fopts) Slot {
	if opts.Flags&foptsHint != 0 &&
		opts.Hint.EnvIndex < 0 &&
		opts.Hint.Index >= 0 && opts.Hint.Index <= 0xFF {
		return opts.Hint
	}
	return Slot{
		Flags:    0,
		Index:    c.allocFar(),
		EnvIndex: -1,
		Constant: vm.Nil(),
	}
}

// returnSlot emits a return for a slot unless one was already emitted.
func (c *Compiler) returnSlot(s Slot) Slot {
	if s.Flags&SlotSpliced != 0 {
		c.cerror("splice can only be used in function calls and data constructors")
		return cslot(vm.Nil())
	}
	if s.Flags&SlotReturned == 0 {
		if s.Flags&SlotConstant != 0 && s.Constant.IsNil() {
			c.emit(uint32(vm.OpReturnNil))
		} else {
			c.emitS(vm.OpReturn, s, false)
		}
		s.Flags |= SlotReturned
	}
	return s
}

// call emits a call or tailcall, after trying intrinsic specialization
// for constant callees.
func (c *Compiler) call(opts Fopts, slots []Slot, fun Slot) Slot {
	var retslot Slot
	specialized := false
	if fun.Flags&SlotConstant != 0 && fun.Constant.Kind() == vm.KindCFunction {
		if intr, ok := c.intrinsics[fun.Constant.CFun()]; ok {
			if intr.CanOptimize == nil || intr.CanOptimize(c, opts, slots) {
				retslot = intr.Optimize(c, opts, slots)
				specialized = true
			}
		}
	}
	if !specialized {
		c.pushSlots(slots)
		if opts.Flags&foptsTail != 0 {
			c.emitS(vm.OpTailcall, fun, false)
			retslot = cslot(vm.Nil())
			retslot.Flags = SlotReturned
		} else {
			retslot = c.getTarget(opts)
			c.emitSS(vm.OpCall, retslot, fun, true)
		}
	}
	c.freeSlots(slots)
	return retslot
}

// maker emits a container constructor over pushed slots.
func (c *Compiler) maker(opts Fopts, slots []Slot, op vm.Opcode) Slot {
	c.pushSlots(slots)
	c.freeSlots(slots)
	retslot := c.getTarget(opts)
	c.emitS(op, retslot, true)
	return retslot
}

func (c *Compiler) arrayCtor(opts Fopts, x vm.Value) Slot {
	return c.maker(opts, c.toSlots(x.Array().Values), vm.OpMakeArray)
}

func (c *Compiler) dictCtor(opts Fopts, x vm.Value, op vm.Opcode) Slot {
	return c.maker(opts, c.toSlotsKV(x), op)
}

func (c *Compiler) bufferCtor(opts Fopts, x vm.Value) Slot {
	onearg := vm.Str(string(x.Buffer().Bytes))
	return c.maker(opts, c.toSlots([]vm.Value{onearg}), vm.OpMakeBuffer)
}

// symbolSlot compiles a symbol reference. Keywords and colon-prefixed
// symbols are constants; everything else resolves through scopes.
func (c *Compiler) symbolSlot(sym *vm.Symbol) Slot {
	name := sym.Name()
	if len(name) > 0 && name[0] != ':' {
		return c.resolve(sym)
	}
	if len(name) > 0 {
		return cslot(vm.KeywordValue(c.ctx.Intern(name[1:])))
	}
	return cslot(vm.SymbolValue(sym))
}

// throwaway compiles dead code in a discarded scope so it is still
// validated, then drops the emitted words.
func (c *Compiler) throwaway(opts Fopts, x vm.Value) {
	bufstart := len(c.buffer)
	c.pushScope(scopeUnused, "unused")
	c.value(opts, x)
	c.popScope()
	c.buffer = c.buffer[:bufstart]
	c.mapbuffer = c.mapbuffer[:bufstart]
}

// ---------------------------------------------------------------------------
// Macro expansion
// ---------------------------------------------------------------------------

// macroExpand1 expands x one step. It also detects special forms (which
// bypass expansion) and refines the source mapping cursor from tuple
// stamps. Returns whether an expansion happened.
func (c *Compiler) macroExpand1(x vm.Value, out *vm.Value, spec *specialFn) bool {
	if x.Kind() != vm.KindTuple {
		return false
	}
	form := x.Tuple()
	if form.Len() == 0 {
		return false
	}
	if form.Line > 0 {
		c.currentMapping = vm.SourceMapping{Line: form.Line, Column: form.Column}
	}
	if form.Values[0].Kind() != vm.KindSymbol {
		return false
	}
	name := form.Values[0].Sym()
	if s, ok := specials[name.Name()]; ok {
		*spec = s
		return false
	}
	btype, macroval := vm.EnvResolve(c.ctx, c.env, name)
	if btype != vm.BindingMacro {
		return false
	}
	switch macroval.Kind() {
	case vm.KindFunction, vm.KindCFunction:
	default:
		return false
	}

	if c.caller == nil {
		c.cerror(fmt.Sprintf("cannot expand macro %s without a VM", name.Name()))
		return false
	}
	// Hand control to the VM. The caller must hold the GC lock for the
	// duration; the compiler's state is not collectible.
	ret, fiber, err := c.caller.Call(macroval, form.Values[1:])
	if err != nil {
		c.result.MacroFiber = fiber
		c.cerror(fmt.Sprintf("(macro) %s", err.Error()))
		return false
	}
	*out = ret
	return true
}

// ---------------------------------------------------------------------------
// Value compilation
// ---------------------------------------------------------------------------

// value compiles a single value, returning the slot holding the result.
func (c *Compiler) value(opts Fopts, x vm.Value) Slot {
	var ret Slot
	lastMapping := c.currentMapping
	c.recursionGuard--
	defer func() { c.recursionGuard++ }()

	if c.result.Status == CompileError {
		return cslot(vm.Nil())
	}
	if c.recursionGuard <= 0 {
		c.cerror("recursed too deeply")
		return cslot(vm.Nil())
	}

	// Macro expansion, bounded. Also finds the special-form handler.
	var spec specialFn
	macroi := maxMacroExpand
	for macroi > 0 && c.result.Status != CompileError && c.macroExpand1(x, &x, &spec) {
		macroi--
	}
	if macroi == 0 {
		c.cerror("recursed too deeply in macro expansion")
		return cslot(vm.Nil())
	}

	if spec != nil {
		tup := x.Tuple()
		ret = spec(c, opts, tup.Values[1:])
	} else {
		switch x.Kind() {
		case vm.KindTuple:
			tup := x.Tuple()
			if tup.Len() == 0 {
				// The empty tuple is a tuple literal.
				ret = cslot(x)
			} else {
				subopts := foptsDefault()
				head := c.value(subopts, tup.Values[0])
				ret = c.call(opts, c.toSlots(tup.Values[1:]), head)
				c.freeSlot(head)
			}
		case vm.KindSymbol:
			ret = c.symbolSlot(x.Sym())
		case vm.KindArray:
			ret = c.arrayCtor(opts, x)
		case vm.KindStruct:
			ret = c.dictCtor(opts, x, vm.OpMakeStruct)
		case vm.KindTable:
			ret = c.dictCtor(opts, x, vm.OpMakeTable)
		case vm.KindBuffer:
			ret = c.bufferCtor(opts, x)
		default:
			ret = cslot(x)
		}
	}

	if c.result.Status == CompileError {
		return cslot(vm.Nil())
	}
	c.currentMapping = lastMapping
	if opts.Flags&foptsTail != 0 {
		ret = c.returnSlot(ret)
	}
	if opts.Flags&foptsHint != 0 {
		c.copySlot(opts.Hint, ret)
		ret = opts.Hint
	}
	return ret
}

// ---------------------------------------------------------------------------
// Funcdef finalization
// ---------------------------------------------------------------------------

// popFuncDef compacts the current function scope into an immutable
// funcdef and pops the scope.
func (c *Compiler) popFuncDef() *vm.FuncDef {
	scope := c.scope
	if scope.flags&scopeFunction == 0 {
		panic("expected function scope")
	}
	def := &vm.FuncDef{
		SlotCount:    scope.ra.max + 1,
		Environments: append([]int32(nil), scope.envs...),
		Constants:    append([]vm.Value(nil), scope.consts...),
		Defs:         append([]*vm.FuncDef(nil), scope.defs...),
		Source:       c.source,
	}

	// Claim this scope's chunk of the shared bytecode buffer.
	n := int32(len(c.buffer)) - scope.bytecodeStart
	if n > 0 {
		def.Bytecode = append([]uint32(nil), c.buffer[scope.bytecodeStart:]...)
		def.SourceMap = append([]vm.SourceMapping(nil), c.mapbuffer[scope.bytecodeStart:]...)
		c.buffer = c.buffer[:scope.bytecodeStart]
		c.mapbuffer = c.mapbuffer[:scope.bytecodeStart]
	}

	if scope.flags&scopeEnv != 0 {
		def.Flags |= vm.FuncDefFlagNeedsEnv
	}
	c.popScope()
	return def
}

// addFuncDef registers a nested funcdef with the enclosing function
// scope, returning its index.
func (c *Compiler) addFuncDef(def *vm.FuncDef) int32 {
	scope := c.scope
	for scope != nil && scope.flags&scopeFunction == 0 {
		scope = scope.parent
	}
	if scope == nil {
		panic("could not add funcdef")
	}
	scope.defs = append(scope.defs, def)
	return int32(len(scope.defs) - 1)
}

// ---------------------------------------------------------------------------
// Entry point
// ---------------------------------------------------------------------------

// Compile compiles one source value against an environment table,
// producing the thunk funcdef or a latched error with source position.
func Compile(ctx *vm.Context, source vm.Value, env *vm.Table, options *Options) Result {
	if options == nil {
		options = &Options{}
	}
	c := &Compiler{
		ctx:            ctx,
		env:            env,
		source:         options.SourceName,
		recursionGuard: maxRecursion,
		caller:         options.Caller,
		intrinsics:     options.Intrinsics,
	}

	c.pushScope(scopeFunction|scopeTop, "root")

	fopts := Fopts{
		Flags: foptsTail | slotTypeAny,
		Hint:  cslot(vm.Nil()),
	}
	c.value(fopts, source)

	if c.result.Status == CompileOK {
		def := c.popFuncDef()
		def.Name = "_thunk"
		c.result.FuncDef = def
	} else {
		c.result.ErrorMapping = c.currentMapping
		c.popScope()
	}
	return c.result
}
