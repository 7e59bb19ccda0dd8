package compiler

import "testing"

func TestAllocLowestFirst(t *testing.T) {
	var ra regAllocator
	ra.init()
	for want := int32(0); want < 5; want++ {
		if got := ra.alloc(); got != want {
			t.Fatalf("alloc = %d, want %d", got, want)
		}
	}
	ra.free(1)
	ra.free(3)
	if got := ra.alloc(); got != 1 {
		t.Errorf("after free, alloc = %d, want 1", got)
	}
	if got := ra.alloc(); got != 3 {
		t.Errorf("second alloc = %d, want 3", got)
	}
}

func TestAllocNoSharedRegisters(t *testing.T) {
	var ra regAllocator
	ra.init()
	seen := make(map[int32]bool)
	for i := 0; i < 300; i++ {
		reg := ra.alloc()
		if seen[reg] {
			t.Fatalf("register %d allocated twice", reg)
		}
		seen[reg] = true
	}
}

func TestAllocSkipsReservedRange(t *testing.T) {
	var ra regAllocator
	ra.init()
	for i := 0; i < 0xF0; i++ {
		ra.alloc()
	}
	// The next plain allocation must skip the reserved 0xF0-0xFF block.
	if got := ra.alloc(); got != 0x100 {
		t.Errorf("alloc after 240 = %d, want 256", got)
	}
}

func TestTempFallsBackToReserved(t *testing.T) {
	var ra regAllocator
	ra.init()
	for i := 0; i < 0xF0; i++ {
		ra.alloc()
	}
	reg := ra.temp(regTemp2)
	if reg != 0xF0+2 {
		t.Errorf("temp with full low registers = %d, want %d", reg, 0xF0+2)
	}
	ra.freeTemp(reg, regTemp2)
	// The tag is reusable after freeing.
	if got := ra.temp(regTemp2); got != 0xF0+2 {
		t.Errorf("temp after free = %d", got)
	}
}

func TestTempPrefersLowRegisters(t *testing.T) {
	var ra regAllocator
	ra.init()
	if got := ra.temp(regTemp0); got != 0 {
		t.Errorf("temp on empty allocator = %d, want 0", got)
	}
}

func TestHighWaterMark(t *testing.T) {
	var ra regAllocator
	ra.init()
	ra.touch(40)
	if ra.max != 40 {
		t.Errorf("max after touch = %d, want 40", ra.max)
	}
	ra.free(40)
	if ra.max != 40 {
		t.Errorf("max must not shrink on free, got %d", ra.max)
	}
}

func TestCloneSharesState(t *testing.T) {
	var parent regAllocator
	parent.init()
	a := parent.alloc()
	b := parent.alloc()

	var child regAllocator
	child.cloneFrom(&parent)
	c := child.alloc()
	if c == a || c == b {
		t.Errorf("child allocated an in-use register %d", c)
	}
	// Child allocations do not affect the parent.
	if got := parent.alloc(); got != c {
		t.Errorf("parent alloc = %d, want %d (child state must be private)", got, c)
	}
}

func TestScopePopPropagatesHighWater(t *testing.T) {
	// On scope pop the parent's high-water mark is max(parent, child).
	c := &Compiler{recursionGuard: maxRecursion}
	root := c.pushScope(scopeFunction, "root")
	c.pushScope(0, "block")
	c.scope.ra.touch(77)
	c.popScope()
	if root.ra.max != 77 {
		t.Errorf("parent max = %d, want 77", root.ra.max)
	}
	c.popScope()
}
