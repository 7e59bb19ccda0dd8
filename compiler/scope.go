package compiler

import (
	"fmt"

	"github.com/karst-lang/karst/vm"
)

// ---------------------------------------------------------------------------
// Slots
// ---------------------------------------------------------------------------

// Slot flag bits. The low bits are a kind set describing what the slot
// may hold; the high bits describe the slot itself.
const (
	// slotTypeAny accepts every kind.
	slotTypeAny int32 = (1 << 17) - 1

	// SlotConstant: the slot is a compile-time constant, no register.
	SlotConstant int32 = 1 << 24
	// SlotNamed: the slot is bound to a symbol in some scope.
	SlotNamed int32 = 1 << 25
	// SlotMutable: the slot may be written with set.
	SlotMutable int32 = 1 << 26
	// SlotRef: the slot is a var reference cell; Constant holds the
	// backing one-element array and reads/writes go through index 0.
	SlotRef int32 = 1 << 27
	// SlotReturned: a return for this slot was already emitted.
	SlotReturned int32 = 1 << 28
	// SlotSpliced: the slot came from a splice form and unpacks into
	// argument pushes.
	SlotSpliced int32 = 1 << 29
)

func kindBit(k vm.Kind) int32 { return 1 << int32(k) }

// Slot describes where a compiled value lives: a register in the current
// function (Index >= 0), an upvalue (EnvIndex >= 0), or a constant.
// Slots are value-like; copying is cheap and meaningful.
type Slot struct {
	Flags    int32
	Index    int32 // register, or -1 when not in a register
	EnvIndex int32 // captured environment index, or -1 when local
	Constant vm.Value
}

// cslot makes a constant slot.
func cslot(x vm.Value) Slot {
	return Slot{
		Flags:    kindBit(x.Kind()) | SlotConstant,
		Index:    -1,
		EnvIndex: -1,
		Constant: x,
	}
}

// ---------------------------------------------------------------------------
// Scopes
// ---------------------------------------------------------------------------

// Scope flags.
const (
	// scopeFunction roots a function: it owns a fresh register space
	// and the funcdef artifacts.
	scopeFunction int32 = 1 << iota
	// scopeEnv is set when a nested function captures this function's
	// environment.
	scopeEnv
	// scopeTop marks the root scope of a top-level compilation, where
	// def and var write into the environment table.
	scopeTop
	// scopeUnused compiles dead code for validation only.
	scopeUnused
	// scopeClosure is set when a closure was created in this scope.
	scopeClosure
)

// SymPair binds a symbol to a slot within one scope. keep preserves the
// slot's register across scope pop for captured locals.
type SymPair struct {
	Sym  *vm.Symbol
	Slot Slot
	Keep bool
}

// Scope is one level of the compiler's scope stack. Function scopes own
// a register allocator; block scopes share their parent's.
type Scope struct {
	name          string
	parent        *Scope
	child         *Scope
	ra            regAllocator
	syms          []SymPair
	consts        []vm.Value
	defs          []*vm.FuncDef
	envs          []int32
	bytecodeStart int32
	flags         int32
}

// pushScope enters a new scope. Non-function scopes inherit the parent's
// register allocation.
func (c *Compiler) pushScope(flags int32, name string) *Scope {
	s := &Scope{
		name:          name,
		flags:         flags,
		bytecodeStart: int32(len(c.buffer)),
	}
	if flags&scopeFunction == 0 && c.scope != nil {
		s.ra.cloneFrom(&c.scope.ra)
	} else {
		s.ra.init()
	}
	s.parent = c.scope
	if c.scope != nil {
		c.scope.child = s
	}
	c.scope = s
	return s
}

// popScope leaves the current scope, migrating kept slots and the
// high-water mark into the parent. The allocator is always released,
// even on error paths.
func (c *Compiler) popScope() {
	old := c.scope
	parent := old.parent
	if old.flags&(scopeFunction|scopeUnused) == 0 && parent != nil {
		// A closure created inside a block is a closure in the
		// enclosing scope too; while relies on this.
		if old.flags&scopeClosure != 0 {
			parent.flags |= scopeClosure
		}
		if parent.ra.max < old.ra.max {
			parent.ra.max = old.ra.max
		}
		for _, pair := range old.syms {
			if pair.Keep {
				// Keep the register live but not lexically visible.
				pair.Sym = nil
				parent.syms = append(parent.syms, pair)
				parent.ra.touch(pair.Slot.Index)
			}
		}
	}
	old.ra.init()
	if parent != nil {
		parent.child = nil
	}
	c.scope = parent
}

// popScopeKeepSlot pops a scope but keeps retslot's register allocated in
// the parent so the block's result survives.
func (c *Compiler) popScopeKeepSlot(retslot Slot) {
	c.popScope()
	if c.scope != nil && retslot.EnvIndex < 0 && retslot.Index >= 0 {
		c.scope.ra.touch(retslot.Index)
	}
}

// freeSlot releases a slot's register if it owns one.
func (c *Compiler) freeSlot(s Slot) {
	if s.Flags&(SlotConstant|SlotRef|SlotNamed) != 0 {
		return
	}
	if s.EnvIndex >= 0 {
		return
	}
	c.scope.ra.free(s.Index)
}

// nameSlot binds a symbol to a slot in the current scope.
func (c *Compiler) nameSlot(sym *vm.Symbol, s Slot) {
	s.Flags |= SlotNamed
	c.scope.syms = append(c.scope.syms, SymPair{Sym: sym, Slot: s})
}

// farSlot allocates a fresh register slot (any index up to 0xFFFF).
func (c *Compiler) farSlot() Slot {
	return Slot{
		Flags:    slotTypeAny,
		Index:    c.allocFar(),
		EnvIndex: -1,
		Constant: vm.Nil(),
	}
}

// ---------------------------------------------------------------------------
// Symbol resolution
// ---------------------------------------------------------------------------

// resolve finds the slot for a symbol, searching scopes inner to outer
// and falling back to the environment table. References from a nested
// function mark the owning function's environment captured and thread an
// upvalue index through every intervening function scope.
func (c *Compiler) resolve(sym *vm.Symbol) Slot {
	scope := c.scope
	foundLocal := true
	unused := false
	var ret Slot
	var pair *SymPair

search:
	for scope != nil {
		if scope.flags&scopeUnused != 0 {
			unused = true
		}
		for i := len(scope.syms) - 1; i >= 0; i-- {
			if scope.syms[i].Sym == sym {
				pair = &scope.syms[i]
				ret = pair.Slot
				break search
			}
		}
		if scope.flags&scopeFunction != 0 {
			foundLocal = false
		}
		scope = scope.parent
	}

	if scope == nil {
		// Not lexically bound: consult the environment.
		btype, value := vm.EnvResolve(c.ctx, c.env, sym)
		switch btype {
		case vm.BindingDef, vm.BindingMacro:
			// Macros behave like defs outside calling position.
			return cslot(value)
		case vm.BindingVar:
			ref := cslot(value)
			ref.Flags |= SlotRef | SlotNamed | SlotMutable | slotTypeAny
			ref.Flags &^= SlotConstant
			return ref
		default:
			c.cerror(fmt.Sprintf("unknown symbol %s", sym.Name()))
			return cslot(vm.Nil())
		}
	}

	// Constants and refs are stateless and can be used from anywhere.
	if ret.Flags&(SlotConstant|SlotRef) != 0 {
		return ret
	}

	// Unused references and same-function locals need no capture.
	if unused || foundLocal {
		ret.EnvIndex = -1
		return ret
	}

	// The binding lives in an outer function: keep its slot across scope
	// pops and expose the owning function's environment.
	pair.Keep = true
	for scope != nil && scope.flags&scopeFunction == 0 {
		scope = scope.parent
	}
	if scope == nil {
		panic("invalid scopes")
	}
	scope.flags |= scopeEnv
	scope = scope.child

	// Propagate the environment index down through every function scope
	// between the owner and the current scope.
	envIndex := int32(-1)
	for scope != nil {
		if scope.flags&scopeFunction != 0 {
			found := false
			for j, e := range scope.envs {
				if e == envIndex {
					found = true
					envIndex = int32(j)
					break
				}
			}
			if !found {
				scope.envs = append(scope.envs, envIndex)
				envIndex = int32(len(scope.envs) - 1)
			}
		}
		scope = scope.child
	}

	ret.EnvIndex = envIndex
	return ret
}
