package compiler

import (
	"github.com/karst-lang/karst/vm"
)

// ---------------------------------------------------------------------------
// Special forms
// ---------------------------------------------------------------------------

// specialFn compiles one special form. argv is the tuple tail after the
// form's name. Special handlers manage their own scopes and are the only
// code that emits branch and upvalue opcodes directly.
type specialFn func(c *Compiler, opts Fopts, argv []vm.Value) Slot

var specials map[string]specialFn

func init() {
	specials = map[string]specialFn{
		"def":        specialDef,
		"var":        specialVar,
		"set":        specialSet,
		"if":         specialIf,
		"do":         specialDo,
		"while":      specialWhile,
		"fn":         specialFnLiteral,
		"quote":      specialQuote,
		"quasiquote": specialQuasiquote,
		"unquote":    specialUnquote,
		"splice":     specialSplice,
		"break":      specialBreak,
	}
}

// ---------------------------------------------------------------------------
// quote
// ---------------------------------------------------------------------------

func specialQuote(c *Compiler, opts Fopts, argv []vm.Value) Slot {
	if len(argv) != 1 {
		c.cerror("expected 1 argument")
		return cslot(vm.Nil())
	}
	return cslot(argv[0])
}

// ---------------------------------------------------------------------------
// Destructuring
// ---------------------------------------------------------------------------

// leafFn binds one symbol of a destructuring pattern to a slot. The
// return value reports whether the right-hand slot was copied and can be
// freed by the caller.
type leafFn func(c *Compiler, sym *vm.Symbol, s Slot, attr *vm.Table) bool

// destructure walks a binding pattern, emitting indexed and keyed gets
// for nested positions. Returns whether right can be freed.
func (c *Compiler) destructure(left vm.Value, right Slot, leaf leafFn, attr *vm.Table) bool {
	switch left.Kind() {
	case vm.KindSymbol:
		return leaf(c, left.Sym(), right, attr)
	case vm.KindTuple, vm.KindArray:
		values, _ := vm.IndexedView(left)
		for i, subval := range values {
			nextright := c.farSlot()
			if i < 0x100 {
				c.emitSSU(vm.OpGetIndex, nextright, right, uint8(i), true)
			} else {
				k := cslot(vm.Int(int32(i)))
				c.emitSSS(vm.OpGet, nextright, right, k, true)
			}
			if c.destructure(subval, nextright, leaf, attr) {
				c.freeSlot(nextright)
			}
		}
		return true
	case vm.KindTable, vm.KindStruct:
		kvs, _ := vm.DictionaryView(left)
		for _, kv := range kvs {
			nextright := c.farSlot()
			k := c.value(foptsDefault(), kv.Key)
			c.emitSSS(vm.OpGet, nextright, right, k, true)
			if c.destructure(kv.Value, nextright, leaf, attr) {
				c.freeSlot(nextright)
			}
		}
		return true
	default:
		c.cerror("unexpected type in destructuring")
		return true
	}
}

// ---------------------------------------------------------------------------
// set
// ---------------------------------------------------------------------------

func specialSet(c *Compiler, opts Fopts, argv []vm.Value) Slot {
	if len(argv) != 2 {
		c.cerror("expected 2 arguments")
		return cslot(vm.Nil())
	}
	head := argv[0]

	// Indexed place: (set (collection key) value) lowers to put.
	if head.Kind() == vm.KindTuple && head.Tuple().Len() == 2 {
		place := head.Tuple()
		dsslot := c.value(foptsDefault(), place.Values[0])
		keyslot := c.value(foptsDefault(), place.Values[1])
		valslot := c.value(foptsDefault(), argv[1])
		c.emitSSS(vm.OpPut, dsslot, keyslot, valslot, false)
		c.freeSlot(dsslot)
		c.freeSlot(keyslot)
		return valslot
	}

	if head.Kind() != vm.KindSymbol {
		c.cerror("expected symbol or indexed place")
		return cslot(vm.Nil())
	}
	dest := c.resolve(head.Sym())
	if dest.Flags&SlotMutable == 0 {
		c.cerror("cannot set constant")
		return cslot(vm.Nil())
	}
	subopts := foptsDefault()
	subopts.Flags = foptsHint
	subopts.Hint = dest
	ret := c.value(subopts, argv[1])
	c.copySlot(dest, ret)
	return ret
}

// ---------------------------------------------------------------------------
// def and var
// ---------------------------------------------------------------------------

// handleattr collects binding metadata: symbols become boolean
// attributes, strings become the docstring.
func (c *Compiler) handleattr(argv []vm.Value) *vm.Table {
	tab := vm.NewTable(2)
	for i := 1; i < len(argv)-1; i++ {
		attr := argv[i]
		switch attr.Kind() {
		case vm.KindSymbol:
			tab.Put(attr, vm.True())
		case vm.KindString:
			tab.Put(c.ctx.Keyword("doc"), attr)
		default:
			c.cerror("could not add metadata to binding")
		}
	}
	return tab
}

// dohead compiles the value expression of a def or var form.
func (c *Compiler) dohead(opts Fopts, argv []vm.Value) Slot {
	if len(argv) < 2 {
		c.cerror("expected at least 2 arguments")
		return cslot(vm.Nil())
	}
	subopts := foptsDefault()
	subopts.Flags = opts.Flags &^ (foptsTail | foptsDrop)
	subopts.Hint = opts.Hint
	return c.value(subopts, argv[len(argv)-1])
}

// nameLocal gives a slot a name in the current scope, copying it into a
// fresh register when the slot cannot be named in place.
func (c *Compiler) nameLocal(sym *vm.Symbol, flags int32, ret Slot) bool {
	canName := ret.Flags&SlotNamed == 0 &&
		ret.Index > 0 &&
		ret.EnvIndex < 0 &&
		ret.Flags&(SlotConstant|SlotRef) == 0
	if !canName {
		localslot := c.farSlot()
		c.copySlot(localslot, ret)
		ret = localslot
	}
	ret.Flags |= flags
	c.nameSlot(sym, ret)
	return !canName
}

// mergeAttr copies attribute entries into a binding entry table.
func mergeAttr(entry, attr *vm.Table) {
	if attr == nil {
		return
	}
	for _, kv := range attr.Entries() {
		entry.Put(kv.Key, kv.Value)
	}
}

func defLeaf(c *Compiler, sym *vm.Symbol, s Slot, attr *vm.Table) bool {
	if c.scope.flags&scopeTop != 0 {
		// Top-level def: create the environment entry now and emit the
		// store that fills :value when the thunk runs.
		tab := vm.NewTable(2)
		mergeAttr(tab, attr)
		valsym := cslot(c.ctx.Keyword("value"))
		tabslot := cslot(vm.TableValue(tab))
		c.env.Put(vm.SymbolValue(sym), vm.TableValue(tab))
		c.emitSSS(vm.OpPut, tabslot, valsym, s, false)
		return true
	}
	return c.nameLocal(sym, 0, s)
}

func varLeaf(c *Compiler, sym *vm.Symbol, s Slot, attr *vm.Table) bool {
	if c.scope.flags&scopeTop != 0 {
		// Top-level var: the binding is a one-element reference array.
		reftab := vm.NewTable(1)
		mergeAttr(reftab, attr)
		ref := vm.NewArray(1)
		ref.Push(vm.Nil())
		reftab.Put(c.ctx.Keyword("ref"), vm.ArrayValue(ref))
		c.env.Put(vm.SymbolValue(sym), vm.TableValue(reftab))
		refslot := cslot(vm.ArrayValue(ref))
		c.emitSSU(vm.OpPutIndex, refslot, s, 0, false)
		return true
	}
	return c.nameLocal(sym, SlotMutable, s)
}

func specialDef(c *Compiler, opts Fopts, argv []vm.Value) Slot {
	opts.Flags &^= foptsHint
	ret := c.dohead(opts, argv)
	if c.result.Status == CompileError {
		return cslot(vm.Nil())
	}
	if c.destructure(argv[0], ret, defLeaf, c.handleattr(argv)) {
		c.freeSlot(ret)
	}
	return cslot(vm.Nil())
}

func specialVar(c *Compiler, opts Fopts, argv []vm.Value) Slot {
	ret := c.dohead(opts, argv)
	if c.result.Status == CompileError {
		return cslot(vm.Nil())
	}
	if c.destructure(argv[0], ret, varLeaf, c.handleattr(argv)) {
		c.freeSlot(ret)
	}
	return cslot(vm.Nil())
}

// ---------------------------------------------------------------------------
// if
// ---------------------------------------------------------------------------

// Layout:
//
//	<condition>
//	jump-if-not cond :right
//	<left body>
//	jump :done            (skipped in tail position)
//	:right
//	<right body>
//	:done
func specialIf(c *Compiler, opts Fopts, argv []vm.Value) Slot {
	if len(argv) < 2 || len(argv) > 3 {
		c.cerror("expected 2 or 3 arguments to if")
		return cslot(vm.Nil())
	}
	tail := opts.Flags&foptsTail != 0
	drop := opts.Flags&foptsDrop != 0

	truebody := argv[1]
	falsebody := vm.Nil()
	if len(argv) > 2 {
		falsebody = argv[2]
	}

	condopts := foptsDefault()
	bodyopts := opts

	var target Slot
	if drop || tail {
		target = cslot(vm.Nil())
	} else {
		target = c.getTarget(opts)
	}

	c.pushScope(0, "if")
	cond := c.value(condopts, argv[0])

	// A constant condition compiles only the live branch; the dead
	// branch is validated in a throwaway scope.
	if cond.Flags&SlotConstant != 0 {
		if !cond.Constant.Truthy() {
			truebody, falsebody = falsebody, truebody
		}
		c.pushScope(0, "if-body")
		target = c.value(bodyopts, truebody)
		c.popScope()
		c.popScope()
		c.throwaway(bodyopts, falsebody)
		return target
	}

	labeljr := c.emitSI(vm.OpJumpIfNot, cond, 0, false)

	c.pushScope(0, "if-true")
	left := c.value(bodyopts, truebody)
	if !drop && !tail {
		c.copySlot(target, left)
	}
	c.popScope()

	labeljd := int32(len(c.buffer))
	if !tail {
		c.emit(uint32(vm.OpJump))
	}

	labelr := int32(len(c.buffer))
	c.pushScope(0, "if-false")
	right := c.value(bodyopts, falsebody)
	if !drop && !tail {
		c.copySlot(target, right)
	}
	c.popScope()

	c.popScope()

	labeld := int32(len(c.buffer))
	c.buffer[labeljr] |= uint32(uint16(labelr-labeljr)) << 16
	if !tail {
		c.buffer[labeljd] |= uint32(labeld-labeljd) << 8
	}

	if tail {
		target.Flags |= SlotReturned
	}
	return target
}

// ---------------------------------------------------------------------------
// do
// ---------------------------------------------------------------------------

func specialDo(c *Compiler, opts Fopts, argv []vm.Value) Slot {
	ret := cslot(vm.Nil())
	subopts := foptsDefault()
	c.pushScope(0, "do")
	for i, arg := range argv {
		if i != len(argv)-1 {
			subopts.Flags = foptsDrop
		} else {
			subopts = opts
		}
		ret = c.value(subopts, arg)
		if i != len(argv)-1 {
			c.freeSlot(ret)
		}
	}
	c.popScopeKeepSlot(ret)
	return ret
}

// ---------------------------------------------------------------------------
// while
// ---------------------------------------------------------------------------

// Layout:
//
//	:whiletop
//	<condition>
//	jump-if-not cond :done
//	<body>
//	jump :whiletop
//	:done
//
// A body that creates a closure cannot keep captured locals in block
// registers, so the whole loop is recompiled as a self-tail-calling
// immediate function.
func specialWhile(c *Compiler, opts Fopts, argv []vm.Value) Slot {
	if len(argv) < 2 {
		c.cerror("expected at least 2 arguments")
		return cslot(vm.Nil())
	}
	subopts := foptsDefault()

	labelwt := int32(len(c.buffer))
	loop := &loopFrame{}
	c.loops = append(c.loops, loop)
	defer func() { c.loops = c.loops[:len(c.loops)-1] }()

	// Funcdefs added by a body that gets rolled back are dropped again.
	fnscope := c.scope
	for fnscope.flags&scopeFunction == 0 {
		fnscope = fnscope.parent
	}
	defcount := len(fnscope.defs)

	scope := c.pushScope(0, "while")
	cond := c.value(subopts, argv[0])

	infinite := false
	if cond.Flags&SlotConstant != 0 {
		if !cond.Constant.Truthy() {
			// The loop never executes; the body is validated but dropped.
			c.popScope()
			for _, arg := range argv[1:] {
				c.throwaway(subopts, arg)
			}
			return cslot(vm.Nil())
		}
		infinite = true
	}

	var labelc int32
	if !infinite {
		labelc = c.emitSI(vm.OpJumpIfNot, cond, 0, false)
	}

	for _, arg := range argv[1:] {
		subopts.Flags = foptsDrop
		c.freeSlot(c.value(subopts, arg))
	}

	if scope.flags&scopeClosure != 0 {
		// Roll back and recompile in a function scope.
		scope.flags |= scopeUnused
		c.popScope()
		c.buffer = c.buffer[:labelwt]
		c.mapbuffer = c.mapbuffer[:labelwt]
		fnscope.defs = fnscope.defs[:defcount]
		loop.breakJumps = nil
		loop.iife = true

		c.pushScope(scopeFunction, "while-iife")
		cond = c.value(subopts, argv[0])
		if cond.Flags&SlotConstant == 0 {
			// Return nil when the condition goes false.
			c.emitSI(vm.OpJumpIf, cond, 2, false)
			c.emit(uint32(vm.OpReturnNil))
		}
		for _, arg := range argv[1:] {
			subopts.Flags = foptsDrop
			c.freeSlot(c.value(subopts, arg))
		}
		// Tail-call self to loop.
		tempself := c.scope.ra.temp(regTemp0)
		c.emit(uint32(vm.OpLoadSelf) | uint32(tempself)<<8)
		c.emit(uint32(vm.OpTailcall) | uint32(tempself)<<8)
		c.scope.ra.freeTemp(tempself, regTemp0)

		def := c.popFuncDef()
		def.Name = "_while"
		defindex := c.addFuncDef(def)

		// Instantiate and immediately call the loop closure.
		cloreg := c.scope.ra.temp(regTemp0)
		c.emit(uint32(vm.OpClosure) | uint32(cloreg)<<8 | uint32(defindex)<<16)
		c.emit(uint32(vm.OpCall) | uint32(cloreg)<<8 | uint32(cloreg)<<16)
		c.scope.ra.freeTemp(cloreg, regTemp0)
		c.scope.flags |= scopeClosure
		return cslot(vm.Nil())
	}

	labeljt := c.emit(uint32(vm.OpJump))

	labeld := int32(len(c.buffer))
	if !infinite {
		c.buffer[labelc] |= uint32(uint16(labeld-labelc)) << 16
	}
	c.buffer[labeljt] |= uint32(labelwt-labeljt) << 8
	for _, j := range loop.breakJumps {
		c.buffer[j] |= uint32(labeld-j) << 8
	}

	c.popScope()
	return cslot(vm.Nil())
}

// ---------------------------------------------------------------------------
// break
// ---------------------------------------------------------------------------

func specialBreak(c *Compiler, opts Fopts, argv []vm.Value) Slot {
	if len(argv) > 1 {
		c.cerror("expected at most 1 argument")
		return cslot(vm.Nil())
	}
	if len(argv) == 1 {
		sub := foptsDefault()
		sub.Flags = foptsDrop
		c.freeSlot(c.value(sub, argv[0]))
	}
	if len(c.loops) == 0 {
		c.cerror("break outside of loop")
		return cslot(vm.Nil())
	}
	loop := c.loops[len(c.loops)-1]
	if loop.iife {
		// The loop body is its own function; leaving it is a return.
		c.emit(uint32(vm.OpReturnNil))
	} else {
		loop.breakJumps = append(loop.breakJumps, c.emit(uint32(vm.OpJump)))
	}
	return cslot(vm.Nil())
}

// ---------------------------------------------------------------------------
// fn
// ---------------------------------------------------------------------------

func specialFnLiteral(c *Compiler, opts Fopts, argv []vm.Value) Slot {
	// The enclosing scope creates a closure.
	c.scope.flags |= scopeClosure
	c.pushScope(scopeFunction, "function")

	errorExit := func(msg string) Slot {
		if msg != "" {
			c.cerror(msg)
		}
		c.popScope()
		return cslot(vm.Nil())
	}

	if len(argv) < 2 {
		return errorExit("expected at least 2 arguments to function literal")
	}

	parami := 0
	selfref := false
	head := argv[0]
	if head.Kind() == vm.KindSymbol {
		selfref = true
		parami = 1
	}
	if parami >= len(argv) {
		return errorExit("expected function parameters")
	}

	paramv := argv[parami]
	params, ok := vm.IndexedView(paramv)
	if !ok {
		return errorExit("expected function parameters")
	}

	arity := int32(0)
	varargs := false
	for i, param := range params {
		if param.Kind() == vm.KindSymbol {
			if param.Sym().Name() == "&" {
				if i != len(params)-2 {
					return errorExit("variable argument symbol in unexpected location")
				}
				varargs = true
				arity--
				continue
			}
			c.nameSlot(param.Sym(), c.farSlot())
		} else {
			c.destructure(param, c.farSlot(), defLeaf, nil)
		}
		arity++
	}

	if selfref {
		slot := c.farSlot()
		slot.Flags = SlotNamed | kindBit(vm.KindFunction)
		c.emitS(vm.OpLoadSelf, slot, true)
		c.nameSlot(head.Sym(), slot)
	}

	// Compile the body; the last form is in tail position.
	if parami+1 == len(argv) {
		c.emit(uint32(vm.OpReturnNil))
	} else {
		subopts := foptsDefault()
		for argi := parami + 1; argi < len(argv); argi++ {
			if argi == len(argv)-1 {
				subopts.Flags = foptsTail
			} else {
				subopts.Flags = foptsDrop
			}
			c.value(subopts, argv[argi])
			if c.result.Status == CompileError {
				return errorExit("")
			}
		}
	}

	def := c.popFuncDef()
	def.Arity = arity
	if varargs {
		def.Flags |= vm.FuncDefFlagVarArg
	} else if paramv.Kind() == vm.KindTuple {
		def.Flags |= vm.FuncDefFlagFixArity
	}
	if selfref {
		def.Name = head.Sym().Name()
	}
	defindex := c.addFuncDef(def)

	// A vararg function needs a slot for the gathered rest argument.
	extra := arity
	if varargs {
		extra++
	}
	if extra > def.SlotCount {
		def.SlotCount = extra
	}

	ret := c.getTarget(opts)
	c.emitSU(vm.OpClosure, ret, uint16(defindex), true)
	return ret
}

// ---------------------------------------------------------------------------
// quasiquote, unquote, splice
// ---------------------------------------------------------------------------

const maxQQDepth = 64

func isFormOf(ctx *vm.Context, x vm.Value, name string) bool {
	if x.Kind() != vm.KindTuple {
		return false
	}
	t := x.Tuple()
	return t.Len() == 2 &&
		t.Values[0].Kind() == vm.KindSymbol &&
		t.Values[0].Sym() == ctx.Intern(name)
}

// qqSlots compiles container elements of a template. Spliced elements at
// unquoting depth are compiled for value and unpack at push time.
func (c *Compiler) qqSlots(vals []vm.Value, depth, level int) []Slot {
	slots := make([]Slot, 0, len(vals))
	for _, el := range vals {
		if level == 0 && isFormOf(c.ctx, el, "splice") {
			s := c.value(foptsDefault(), el.Tuple().Values[1])
			s.Flags |= SlotSpliced
			slots = append(slots, s)
			continue
		}
		slots = append(slots, c.qq(foptsDefault(), el, depth-1, level))
	}
	return slots
}

// qq compiles one template value. level counts enclosing quasiquotes
// beyond the outermost: unquote only evaluates at level 0.
func (c *Compiler) qq(opts Fopts, x vm.Value, depth, level int) Slot {
	if depth == 0 {
		c.cerror("recursed too deeply")
		return cslot(vm.Nil())
	}
	switch x.Kind() {
	case vm.KindTuple:
		t := x.Tuple()
		if isFormOf(c.ctx, x, "unquote") {
			if level == 0 {
				return c.value(foptsDefault(), t.Values[1])
			}
			return c.maker(opts, c.qqSlots(t.Values, depth, level-1), vm.OpMakeTuple)
		}
		if isFormOf(c.ctx, x, "quasiquote") {
			return c.maker(opts, c.qqSlots(t.Values, depth, level+1), vm.OpMakeTuple)
		}
		if t.Len() == 0 {
			return cslot(x)
		}
		return c.maker(opts, c.qqSlots(t.Values, depth, level), vm.OpMakeTuple)
	case vm.KindArray:
		return c.maker(opts, c.qqSlots(x.Array().Values, depth, level), vm.OpMakeArray)
	case vm.KindTable, vm.KindStruct:
		kvs, _ := vm.DictionaryView(x)
		slots := make([]Slot, 0, 2*len(kvs))
		for _, kv := range kvs {
			slots = append(slots, c.qq(foptsDefault(), kv.Key, depth-1, level))
			slots = append(slots, c.qq(foptsDefault(), kv.Value, depth-1, level))
		}
		op := vm.OpMakeStruct
		if x.Kind() == vm.KindTable {
			op = vm.OpMakeTable
		}
		return c.maker(opts, slots, op)
	default:
		return cslot(x)
	}
}

func specialQuasiquote(c *Compiler, opts Fopts, argv []vm.Value) Slot {
	if len(argv) != 1 {
		c.cerror("expected 1 argument")
		return cslot(vm.Nil())
	}
	return c.qq(opts, argv[0], maxQQDepth, 0)
}

func specialUnquote(c *Compiler, opts Fopts, argv []vm.Value) Slot {
	c.cerror("cannot use unquote here")
	return cslot(vm.Nil())
}

// specialSplice compiles its argument for value and marks the slot
// spliced; only argument pushes know how to unpack it.
func specialSplice(c *Compiler, opts Fopts, argv []vm.Value) Slot {
	if len(argv) != 1 {
		c.cerror("expected 1 argument")
		return cslot(vm.Nil())
	}
	s := c.value(foptsDefault(), argv[0])
	s.Flags |= SlotSpliced
	return s
}
