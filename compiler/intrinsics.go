package compiler

import (
	"github.com/karst-lang/karst/vm"
)

// ---------------------------------------------------------------------------
// Intrinsic call specialization
// ---------------------------------------------------------------------------

// When a call's callee compiles to a constant cfunction found in the
// intrinsic table, the call is replaced with direct opcodes instead of
// pushes and a call instruction.

// Intrinsic specializes calls to one native function.
type Intrinsic struct {
	// CanOptimize gates specialization; nil means always.
	CanOptimize func(c *Compiler, opts Fopts, slots []Slot) bool
	// Optimize emits the specialized code and returns the result slot.
	Optimize func(c *Compiler, opts Fopts, slots []Slot) Slot
}

// IntrinsicTable maps native functions to their specializers, keyed on
// identity.
type IntrinsicTable map[*vm.CFun]*Intrinsic

// noSpliced refuses specialization when any argument is spliced, since
// specialized opcodes take a fixed number of registers.
func noSpliced(c *Compiler, opts Fopts, slots []Slot) bool {
	for _, s := range slots {
		if s.Flags&SlotSpliced != 0 {
			return false
		}
	}
	return true
}

// opReduce folds a variadic arithmetic call left-to-right with a single
// opcode. identity handles the zero-argument case; unaryFirst supplies
// the implicit left operand of one-argument calls (0 for -, 1 for /).
func opReduce(op vm.Opcode, identity vm.Value, unaryFirst *vm.Value) *Intrinsic {
	return &Intrinsic{
		CanOptimize: noSpliced,
		Optimize: func(c *Compiler, opts Fopts, slots []Slot) Slot {
			switch len(slots) {
			case 0:
				return cslot(identity)
			case 1:
				if unaryFirst == nil {
					// +x and *x are x.
					target := c.getTarget(opts)
					c.copySlot(target, slots[0])
					return target
				}
				target := c.getTarget(opts)
				c.emitSSS(op, target, cslot(*unaryFirst), slots[0], true)
				return target
			default:
				target := c.getTarget(opts)
				c.emitSSS(op, target, slots[0], slots[1], true)
				for _, s := range slots[2:] {
					c.emitSSS(op, target, target, s, true)
				}
				return target
			}
		},
	}
}

// opCompare specializes a two-argument comparison.
func opCompare(op vm.Opcode) *Intrinsic {
	return &Intrinsic{
		CanOptimize: func(c *Compiler, opts Fopts, slots []Slot) bool {
			return len(slots) == 2 && noSpliced(c, opts, slots)
		},
		Optimize: func(c *Compiler, opts Fopts, slots []Slot) Slot {
			target := c.getTarget(opts)
			c.emitSSS(op, target, slots[0], slots[1], true)
			return target
		},
	}
}

// opGet specializes (get ds key).
func opGet() *Intrinsic {
	return &Intrinsic{
		CanOptimize: func(c *Compiler, opts Fopts, slots []Slot) bool {
			return len(slots) == 2 && noSpliced(c, opts, slots)
		},
		Optimize: func(c *Compiler, opts Fopts, slots []Slot) Slot {
			target := c.getTarget(opts)
			c.emitSSS(vm.OpGet, target, slots[0], slots[1], true)
			return target
		},
	}
}

// opPut specializes (put ds key value), which evaluates to ds.
func opPut() *Intrinsic {
	return &Intrinsic{
		CanOptimize: func(c *Compiler, opts Fopts, slots []Slot) bool {
			return len(slots) == 3 && noSpliced(c, opts, slots)
		},
		Optimize: func(c *Compiler, opts Fopts, slots []Slot) Slot {
			c.emitSSS(vm.OpPut, slots[0], slots[1], slots[2], false)
			target := c.getTarget(opts)
			c.copySlot(target, slots[0])
			return target
		},
	}
}

// opLength specializes (length x).
func opLength() *Intrinsic {
	return &Intrinsic{
		CanOptimize: func(c *Compiler, opts Fopts, slots []Slot) bool {
			return len(slots) == 1 && noSpliced(c, opts, slots)
		},
		Optimize: func(c *Compiler, opts Fopts, slots []Slot) Slot {
			target := c.getTarget(opts)
			c.emitSS(vm.OpLength, target, slots[0], true)
			return target
		},
	}
}
