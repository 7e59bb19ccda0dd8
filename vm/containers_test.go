package vm

import (
	"fmt"
	"testing"
)

func TestStructGet(t *testing.T) {
	ctx := NewContext()
	b := BeginStruct(3)
	b.Put(ctx.Keyword("a"), Int(1))
	b.Put(ctx.Keyword("b"), Int(2))
	b.Put(Str("s"), Int(3))
	st := b.End()

	if st.Len() != 3 {
		t.Errorf("Len = %d, want 3", st.Len())
	}
	if got := st.Get(ctx.Keyword("a")); !Equals(got, Int(1)) {
		t.Errorf("Get(:a) = %v, want 1", got)
	}
	if got := st.Get(ctx.Keyword("missing")); !got.IsNil() {
		t.Errorf("Get(:missing) = %v, want nil", got)
	}
	if got := st.Get(Nil()); !got.IsNil() {
		t.Errorf("Get(nil) = %v, want nil", got)
	}
}

func TestStructDuplicateKeys(t *testing.T) {
	b := BeginStruct(2)
	b.Put(Str("k"), Int(1))
	b.Put(Str("k"), Int(2))
	st := b.End()
	if st.Len() != 1 {
		t.Errorf("Len = %d, want 1 after duplicate put", st.Len())
	}
	if got := st.Get(Str("k")); !Equals(got, Int(2)) {
		t.Errorf("Get = %v, want the later value", got)
	}
}

func TestTablePutGetRemove(t *testing.T) {
	tab := NewTable(0)
	for i := int32(0); i < 100; i++ {
		tab.Put(Int(i), Int(i*2))
	}
	if tab.Len() != 100 {
		t.Fatalf("Len = %d, want 100", tab.Len())
	}
	for i := int32(0); i < 100; i++ {
		if got := tab.Get(Int(i)); !Equals(got, Int(i*2)) {
			t.Fatalf("Get(%d) = %v, want %d", i, got, i*2)
		}
	}
	tab.Remove(Int(50))
	if tab.Len() != 99 {
		t.Errorf("Len = %d after remove, want 99", tab.Len())
	}
	if got := tab.Get(Int(50)); !got.IsNil() {
		t.Errorf("removed key still present: %v", got)
	}
	// Tombstones must not hide later inserts.
	tab.Put(Int(50), Int(500))
	if got := tab.Get(Int(50)); !Equals(got, Int(500)) {
		t.Errorf("re-inserted key = %v, want 500", got)
	}
}

func TestTableNilValueRemoves(t *testing.T) {
	tab := NewTable(1)
	tab.Put(Str("k"), Int(1))
	tab.Put(Str("k"), Nil())
	if tab.Len() != 0 {
		t.Errorf("putting nil should remove the key, Len = %d", tab.Len())
	}
}

func TestTableStructuralKeys(t *testing.T) {
	tab := NewTable(1)
	tab.Put(TupleValue(NewTuple(Int(1), Int(2))), Str("v"))
	if got := tab.Get(TupleValue(NewTuple(Int(1), Int(2)))); !Equals(got, Str("v")) {
		t.Errorf("tuple key lookup = %v, want v", got)
	}
}

func TestTableRehashKeepsEntries(t *testing.T) {
	tab := NewTable(1)
	for i := 0; i < 1000; i++ {
		tab.Put(Str(fmt.Sprintf("key-%d", i)), Int(int32(i)))
	}
	for i := 0; i < 1000; i++ {
		if got := tab.Get(Str(fmt.Sprintf("key-%d", i))); !Equals(got, Int(int32(i))) {
			t.Fatalf("key-%d = %v after rehash", i, got)
		}
	}
}

func TestArraySetGrows(t *testing.T) {
	a := NewArray(0)
	a.Set(4, Int(9))
	if a.Len() != 5 {
		t.Errorf("Len = %d, want 5", a.Len())
	}
	if !a.Get(2).IsNil() {
		t.Error("gap elements should be nil")
	}
	if !Equals(a.Get(4), Int(9)) {
		t.Error("set element lost")
	}
	if !a.Get(99).IsNil() {
		t.Error("out of range should read nil")
	}
}

func TestGenericGetPut(t *testing.T) {
	ctx := NewContext()
	tup := TupleValue(NewTuple(Int(10), Int(20)))
	if got := Get(tup, Int(1)); !Equals(got, Int(20)) {
		t.Errorf("Get(tuple, 1) = %v", got)
	}
	if got := Get(tup, Int(5)); !got.IsNil() {
		t.Errorf("out of range tuple index = %v", got)
	}
	if got := Get(Str("ab"), Int(0)); !Equals(got, Int('a')) {
		t.Errorf("Get(string, 0) = %v", got)
	}

	tab := TableValue(NewTable(1))
	Put(tab, ctx.Keyword("k"), Int(3))
	if got := Get(tab, ctx.Keyword("k")); !Equals(got, Int(3)) {
		t.Errorf("table get = %v", got)
	}

	buf := BufferValue(NewBuffer(0))
	Put(buf, Int(2), Int(65))
	if got := Get(buf, Int(2)); !Equals(got, Int(65)) {
		t.Errorf("buffer get = %v", got)
	}
	if Length(buf) != 3 {
		t.Errorf("buffer length = %d, want 3", Length(buf))
	}
}
