package compiler

import (
	"math"

	"github.com/karst-lang/karst/vm"
)

// ---------------------------------------------------------------------------
// Emitter
// ---------------------------------------------------------------------------

// The emitter turns slots into registers and appends 32-bit instruction
// words. Every word gets a parallel source-map entry. Slots that are not
// already near registers are materialized through loads, moves, or
// reserved temporaries and written back afterwards when the instruction
// mutates them.

// allocFar returns a register that fits in 16 bits.
func (c *Compiler) allocFar() int32 {
	reg := c.scope.ra.alloc()
	if reg > 0xFFFF {
		c.cerror("ran out of internal registers")
	}
	return reg
}

// allocNear returns a register that fits in 8 bits.
func (c *Compiler) allocNear(tag regTemp) int32 {
	return c.scope.ra.temp(tag)
}

// emit appends one instruction word with the current source mapping.
func (c *Compiler) emit(instr uint32) int32 {
	label := int32(len(c.buffer))
	c.buffer = append(c.buffer, instr)
	c.mapbuffer = append(c.mapbuffer, c.currentMapping)
	return label
}

// constIndex adds a constant to the current function's pool, deduplicated
// by structural equality. The pool lives on the nearest function scope.
func (c *Compiler) constIndex(x vm.Value) int32 {
	scope := c.scope
	for scope != nil && scope.flags&scopeFunction == 0 {
		scope = scope.parent
	}
	if scope == nil {
		panic("constIndex: no function scope")
	}
	for i, k := range scope.consts {
		if vm.Equals(x, k) {
			return int32(i)
		}
	}
	if len(scope.consts) >= 0xFFFF {
		c.cerror("too many constants")
		return 0
	}
	scope.consts = append(scope.consts, x)
	return int32(len(scope.consts) - 1)
}

// loadConst loads a constant into a near register, specializing nil,
// booleans, and small integers to immediate loads.
func (c *Compiler) loadConst(k vm.Value, reg int32) {
	switch k.Kind() {
	case vm.KindNil:
		c.emit(uint32(reg)<<8 | uint32(vm.OpLoadNil))
	case vm.KindTrue:
		c.emit(uint32(reg)<<8 | uint32(vm.OpLoadTrue))
	case vm.KindFalse:
		c.emit(uint32(reg)<<8 | uint32(vm.OpLoadFalse))
	case vm.KindInteger:
		i := k.Int()
		if i >= math.MinInt16 && i <= math.MaxInt16 {
			c.emit(uint32(uint16(i))<<16 | uint32(reg)<<8 | uint32(vm.OpLoadInteger))
			return
		}
		fallthrough
	default:
		cindex := c.constIndex(k)
		c.emit(uint32(cindex)<<16 | uint32(reg)<<8 | uint32(vm.OpLoadConstant))
	}
}

// moveNear materializes a slot into a specific near register.
func (c *Compiler) moveNear(dest int32, src Slot) {
	switch {
	case src.Flags&(SlotConstant|SlotRef) != 0:
		c.loadConst(src.Constant, dest)
		// A ref is the backing array; dereference element 0.
		if src.Flags&SlotRef != 0 {
			c.emit(uint32(dest)<<16 | uint32(dest)<<8 | uint32(vm.OpGetIndex))
		}
	case src.EnvIndex >= 0:
		c.emit(uint32(src.Index)<<24 |
			uint32(src.EnvIndex)<<16 |
			uint32(dest)<<8 |
			uint32(vm.OpLoadUpvalue))
	case src.Index > 0xFF || src.Index != dest:
		c.emit(uint32(src.Index)<<16 |
			uint32(dest)<<8 |
			uint32(vm.OpMoveNear))
	}
}

// moveBack writes a near register out to a slot.
func (c *Compiler) moveBack(dest Slot, src int32) {
	switch {
	case dest.Flags&SlotRef != 0:
		refreg := c.allocNear(regTemp5)
		c.loadConst(dest.Constant, refreg)
		c.emit(uint32(src)<<16 | uint32(refreg)<<8 | uint32(vm.OpPutIndex))
		c.scope.ra.freeTemp(refreg, regTemp5)
	case dest.EnvIndex >= 0:
		c.emit(uint32(dest.Index)<<24 |
			uint32(dest.EnvIndex)<<16 |
			uint32(src)<<8 |
			uint32(vm.OpSetUpvalue))
	case dest.Index != src:
		c.emit(uint32(dest.Index)<<16 |
			uint32(src)<<8 |
			uint32(vm.OpMoveFar))
	}
}

// freeRegNear releases a temporary register obtained for a slot.
func (c *Compiler) freeRegNear(s Slot, reg int32, tag regTemp) {
	if reg != s.Index ||
		s.EnvIndex >= 0 ||
		s.Flags&(SlotConstant|SlotRef) != 0 {
		c.scope.ra.freeTemp(reg, tag)
	}
}

// regFar gives the slot a register fitting in 16 bits.
func (c *Compiler) regFar(s Slot, tag regTemp) int32 {
	if s.EnvIndex < 0 && s.Index >= 0 {
		return s.Index
	}
	nearreg := c.scope.ra.temp(tag)
	c.moveNear(nearreg, s)
	if nearreg >= 0xF0 {
		reg := c.allocFar()
		c.emit(uint32(vm.OpMoveFar) | uint32(nearreg)<<8 | uint32(reg)<<16)
		c.scope.ra.freeTemp(nearreg, tag)
		return reg
	}
	c.scope.ra.freeTemp(nearreg, tag)
	c.scope.ra.touch(nearreg)
	return nearreg
}

// regNear gives the slot a register fitting in 8 bits.
func (c *Compiler) regNear(s Slot, tag regTemp) int32 {
	if s.EnvIndex < 0 && s.Index >= 0 && s.Index <= 0xFF {
		return s.Index
	}
	reg := c.scope.ra.temp(tag)
	c.moveNear(reg, s)
	return reg
}

// slotsEqual reports whether two slots name the same location.
func slotsEqual(lhs, rhs Slot) bool {
	if lhs.Flags&^slotTypeAny == rhs.Flags&^slotTypeAny &&
		lhs.Index == rhs.Index &&
		lhs.EnvIndex == rhs.EnvIndex {
		if lhs.Flags&(SlotRef|SlotConstant) != 0 {
			return vm.Equals(lhs.Constant, rhs.Constant)
		}
		return true
	}
	return false
}

// copySlot moves a value between slots. The destination must be writable.
func (c *Compiler) copySlot(dest, src Slot) {
	if dest.Flags&SlotConstant != 0 {
		c.cerror("cannot write to constant")
		return
	}
	if src.Flags&SlotSpliced != 0 {
		c.cerror("splice can only be used in function calls and data constructors")
		return
	}
	if slotsEqual(dest, src) {
		return
	}
	// Near-register destination: load straight into it.
	if dest.EnvIndex < 0 && dest.Index >= 0 && dest.Index <= 0xFF {
		c.moveNear(dest.Index, src)
		return
	}
	// Near-register source: write it out.
	if src.EnvIndex < 0 && src.Index >= 0 && src.Index <= 0xFF {
		c.moveBack(dest, src.Index)
		return
	}
	// src -> temp -> dest
	near := c.allocNear(regTemp3)
	c.moveNear(near, src)
	c.moveBack(dest, near)
	c.scope.ra.freeTemp(near, regTemp3)
}

// ---------------------------------------------------------------------------
// Templated emitters. Each returns the label of the emitted word. wr
// writes the first slot back after the instruction.
// ---------------------------------------------------------------------------

func (c *Compiler) emit1s(op vm.Opcode, s Slot, rest int32, wr bool) int32 {
	reg := c.regNear(s, regTemp0)
	label := c.emit(uint32(op) | uint32(reg)<<8 | uint32(uint16(rest))<<16)
	if wr {
		c.moveBack(s, reg)
	}
	c.freeRegNear(s, reg, regTemp0)
	return label
}

func (c *Compiler) emitS(op vm.Opcode, s Slot, wr bool) int32 {
	reg := c.regFar(s, regTemp0)
	label := c.emit(uint32(op) | uint32(reg)<<8)
	if wr {
		c.moveBack(s, reg)
	}
	c.freeRegNear(s, reg, regTemp0)
	return label
}

// emitSL emits a jump-with-slot to an already-known label.
func (c *Compiler) emitSL(op vm.Opcode, s Slot, label int32) int32 {
	current := int32(len(c.buffer)) - 1
	jump := label - current
	if jump < math.MinInt16 || jump > math.MaxInt16 {
		c.cerror("jump is too far")
	}
	return c.emit1s(op, s, jump, false)
}

func (c *Compiler) emitSI(op vm.Opcode, s Slot, immediate int16, wr bool) int32 {
	return c.emit1s(op, s, int32(immediate), wr)
}

func (c *Compiler) emitSU(op vm.Opcode, s Slot, immediate uint16, wr bool) int32 {
	return c.emit1s(op, s, int32(immediate), wr)
}

func (c *Compiler) emitSS(op vm.Opcode, s1, s2 Slot, wr bool) int32 {
	reg1 := c.regNear(s1, regTemp0)
	reg2 := c.regFar(s2, regTemp1)
	label := c.emit(uint32(op) | uint32(reg1)<<8 | uint32(reg2)<<16)
	c.freeRegNear(s2, reg2, regTemp1)
	if wr {
		c.moveBack(s1, reg1)
	}
	c.freeRegNear(s1, reg1, regTemp0)
	return label
}

func (c *Compiler) emit2s(op vm.Opcode, s1, s2 Slot, rest int32, wr bool) int32 {
	reg1 := c.regNear(s1, regTemp0)
	reg2 := c.regNear(s2, regTemp1)
	label := c.emit(uint32(op) | uint32(reg1)<<8 | uint32(reg2)<<16 | uint32(uint8(rest))<<24)
	c.freeRegNear(s2, reg2, regTemp1)
	if wr {
		c.moveBack(s1, reg1)
	}
	c.freeRegNear(s1, reg1, regTemp0)
	return label
}

func (c *Compiler) emitSSI(op vm.Opcode, s1, s2 Slot, immediate int8, wr bool) int32 {
	return c.emit2s(op, s1, s2, int32(immediate), wr)
}

func (c *Compiler) emitSSU(op vm.Opcode, s1, s2 Slot, immediate uint8, wr bool) int32 {
	return c.emit2s(op, s1, s2, int32(immediate), wr)
}

func (c *Compiler) emitSSS(op vm.Opcode, s1, s2, s3 Slot, wr bool) int32 {
	reg1 := c.regNear(s1, regTemp0)
	reg2 := c.regNear(s2, regTemp1)
	reg3 := c.regNear(s3, regTemp2)
	label := c.emit(uint32(op) | uint32(reg1)<<8 | uint32(reg2)<<16 | uint32(reg3)<<24)
	c.freeRegNear(s2, reg2, regTemp1)
	c.freeRegNear(s3, reg3, regTemp2)
	if wr {
		c.moveBack(s1, reg1)
	}
	c.freeRegNear(s1, reg1, regTemp0)
	return label
}
