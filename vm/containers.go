package vm

// ---------------------------------------------------------------------------
// Tuple: immutable sequence
// ---------------------------------------------------------------------------

// Tuple flag bits.
const (
	// TupleFlagBracket marks a tuple read from square brackets. The
	// reader sets it so the compiler can distinguish [x y] parameter
	// lists from (x y) call forms.
	TupleFlagBracket int32 = 1 << iota
)

// Tuple is an immutable ordered sequence of values. It carries the source
// line/column of its opening delimiter and a lazily computed hash.
type Tuple struct {
	Values []Value
	Flags  int32
	Line   int32
	Column int32
	hash   uint32
}

// NewTuple wraps vals in a tuple. The slice must not be mutated afterwards.
func NewTuple(vals ...Value) *Tuple {
	return &Tuple{Values: vals, Line: -1, Column: -1}
}

// Len returns the number of elements.
func (t *Tuple) Len() int32 { return int32(len(t.Values)) }

// Hash returns the tuple's hash, computing and caching it on first use.
// Zero means "unset"; a tuple that genuinely hashes to zero is rehashed
// each call, which is harmless.
func (t *Tuple) Hash() uint32 {
	if t.hash == 0 {
		h := uint32(5381)
		for _, v := range t.Values {
			h = (h << 5) + h + Hash(v)
		}
		t.hash = h
	}
	return t.hash
}

func tupleEquals(x, y *Tuple) bool {
	if x == y {
		return true
	}
	if len(x.Values) != len(y.Values) {
		return false
	}
	if x.Hash() != y.Hash() {
		return false
	}
	for i := range x.Values {
		if !Equals(x.Values[i], y.Values[i]) {
			return false
		}
	}
	return true
}

func tupleCompare(x, y *Tuple) int {
	n := len(x.Values)
	if len(y.Values) < n {
		n = len(y.Values)
	}
	for i := 0; i < n; i++ {
		if c := Compare(x.Values[i], y.Values[i]); c != 0 {
			return c
		}
	}
	return cmpInt32(int32(len(x.Values)), int32(len(y.Values)))
}

// ---------------------------------------------------------------------------
// Struct: immutable hash table
// ---------------------------------------------------------------------------

// KV is one key/value entry in a struct or table. An entry with a nil key
// is an empty bucket.
type KV struct {
	Key   Value
	Value Value
}

// Struct is an immutable hash table with a fixed power-of-two bucket
// array. Build one with BeginStruct/Put/End.
type Struct struct {
	kvs   []KV
	count int32
	hash  uint32
}

// StructBuilder accumulates entries for a struct under construction.
type StructBuilder struct {
	kvs   []KV
	count int32
}

// BeginStruct starts building a struct sized for count entries.
func BeginStruct(count int32) *StructBuilder {
	capacity := tablen(uint32(count) * 2)
	if capacity < 1 {
		capacity = 1
	}
	return &StructBuilder{kvs: make([]KV, capacity)}
}

// Put adds an entry. Nil keys are ignored; putting an existing key again
// replaces the value.
func (b *StructBuilder) Put(key, value Value) {
	if key.IsNil() {
		return
	}
	mask := uint32(len(b.kvs)) - 1
	i := Hash(key) & mask
	for {
		if b.kvs[i].Key.IsNil() {
			b.kvs[i] = KV{Key: key, Value: value}
			b.count++
			return
		}
		if Equals(b.kvs[i].Key, key) {
			b.kvs[i].Value = value
			return
		}
		i = (i + 1) & mask
	}
}

// End finalizes the struct, freezing the bucket layout and precomputing
// the hash.
func (b *StructBuilder) End() *Struct {
	st := &Struct{kvs: b.kvs, count: b.count}
	h := uint32(5381)
	for _, kv := range st.kvs {
		if kv.Key.IsNil() {
			continue
		}
		h ^= Hash(kv.Key) * 2654435761
		h ^= Hash(kv.Value)
	}
	st.hash = h
	b.kvs = nil
	return st
}

// Get looks up a key, returning nil when absent.
func (s *Struct) Get(key Value) Value {
	if key.IsNil() || len(s.kvs) == 0 {
		return Nil()
	}
	mask := uint32(len(s.kvs)) - 1
	i := Hash(key) & mask
	for probes := 0; probes <= len(s.kvs); probes++ {
		if s.kvs[i].Key.IsNil() {
			return Nil()
		}
		if Equals(s.kvs[i].Key, key) {
			return s.kvs[i].Value
		}
		i = (i + 1) & mask
	}
	return Nil()
}

// Len returns the number of entries.
func (s *Struct) Len() int32 { return s.count }

// Hash returns the precomputed entry hash.
func (s *Struct) Hash() uint32 { return s.hash }

// Entries returns the occupied entries in bucket order.
func (s *Struct) Entries() []KV {
	out := make([]KV, 0, s.count)
	for _, kv := range s.kvs {
		if !kv.Key.IsNil() {
			out = append(out, kv)
		}
	}
	return out
}

func structEquals(x, y *Struct) bool {
	if x == y {
		return true
	}
	if x.count != y.count || x.hash != y.hash {
		return false
	}
	for _, kv := range x.kvs {
		if kv.Key.IsNil() {
			continue
		}
		if !Equals(y.Get(kv.Key), kv.Value) {
			return false
		}
	}
	return true
}

// structCompare orders structs lexicographically over their entries.
func structCompare(x, y *Struct) int {
	if c := cmpInt32(x.count, y.count); c != 0 {
		return c
	}
	xe := x.Entries()
	ye := y.Entries()
	for i := range xe {
		if c := Compare(xe[i].Key, ye[i].Key); c != 0 {
			return c
		}
		if c := Compare(xe[i].Value, ye[i].Value); c != 0 {
			return c
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// Array: mutable sequence
// ---------------------------------------------------------------------------

// Array is a mutable ordered sequence.
type Array struct {
	Values []Value
}

// NewArray creates an empty array with the given capacity hint.
func NewArray(capacity int32) *Array {
	return &Array{Values: make([]Value, 0, capacity)}
}

// Push appends a value.
func (a *Array) Push(v Value) { a.Values = append(a.Values, v) }

// Len returns the element count.
func (a *Array) Len() int32 { return int32(len(a.Values)) }

// Get returns the element at index, or nil when out of range.
func (a *Array) Get(index int32) Value {
	if index < 0 || index >= int32(len(a.Values)) {
		return Nil()
	}
	return a.Values[index]
}

// Set writes the element at index, growing the array as needed.
func (a *Array) Set(index int32, v Value) {
	if index < 0 {
		return
	}
	for int32(len(a.Values)) <= index {
		a.Values = append(a.Values, Nil())
	}
	a.Values[index] = v
}

// ---------------------------------------------------------------------------
// Table: mutable hash table
// ---------------------------------------------------------------------------

type tableSlot struct {
	kv   KV
	tomb bool
}

// Table is a mutable open-addressed hash table with tombstone deletion.
// Nil keys and nil values are not stored; putting nil removes the key.
type Table struct {
	slots   []tableSlot
	count   int32
	deleted int32
}

// NewTable creates a table sized for the given entry count.
func NewTable(count int32) *Table {
	capacity := tablen(uint32(count) * 2)
	if capacity < 4 {
		capacity = 4
	}
	return &Table{slots: make([]tableSlot, capacity)}
}

// Len returns the number of live entries.
func (t *Table) Len() int32 { return t.count }

// find returns the slot index for key: the slot holding it, or the slot
// where it would go.
func (t *Table) find(key Value) (idx int, found bool) {
	mask := uint32(len(t.slots)) - 1
	i := Hash(key) & mask
	firstTomb := -1
	for probes := 0; probes <= len(t.slots); probes++ {
		s := &t.slots[i]
		if s.tomb {
			if firstTomb < 0 {
				firstTomb = int(i)
			}
		} else if s.kv.Key.IsNil() {
			if firstTomb >= 0 {
				return firstTomb, false
			}
			return int(i), false
		} else if Equals(s.kv.Key, key) {
			return int(i), true
		}
		i = (i + 1) & mask
	}
	return firstTomb, false
}

// Get looks up a key, returning nil when absent.
func (t *Table) Get(key Value) Value {
	if key.IsNil() {
		return Nil()
	}
	if idx, found := t.find(key); found {
		return t.slots[idx].kv.Value
	}
	return Nil()
}

// Put stores key -> value. A nil value removes the key.
func (t *Table) Put(key, value Value) {
	if key.IsNil() {
		return
	}
	if value.IsNil() {
		t.Remove(key)
		return
	}
	if 2*(t.count+t.deleted+1) > int32(len(t.slots)) {
		t.rehash()
	}
	idx, found := t.find(key)
	if found {
		t.slots[idx].kv.Value = value
		return
	}
	if t.slots[idx].tomb {
		t.deleted--
	}
	t.slots[idx] = tableSlot{kv: KV{Key: key, Value: value}}
	t.count++
}

// Remove deletes a key, leaving a tombstone.
func (t *Table) Remove(key Value) {
	if key.IsNil() {
		return
	}
	if idx, found := t.find(key); found {
		t.slots[idx] = tableSlot{tomb: true}
		t.count--
		t.deleted++
	}
}

func (t *Table) rehash() {
	old := t.slots
	capacity := tablen(uint32(t.count)*4 + 4)
	t.slots = make([]tableSlot, capacity)
	t.deleted = 0
	t.count = 0
	for _, s := range old {
		if !s.tomb && !s.kv.Key.IsNil() {
			t.Put(s.kv.Key, s.kv.Value)
		}
	}
}

// Entries returns the live entries in bucket order.
func (t *Table) Entries() []KV {
	out := make([]KV, 0, t.count)
	for _, s := range t.slots {
		if !s.tomb && !s.kv.Key.IsNil() {
			out = append(out, s.kv)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Buffer: mutable bytes
// ---------------------------------------------------------------------------

// Buffer is a mutable byte sequence.
type Buffer struct {
	Bytes []byte
}

// NewBuffer creates a buffer with the given capacity hint.
func NewBuffer(capacity int32) *Buffer {
	return &Buffer{Bytes: make([]byte, 0, capacity)}
}

// PushBytes appends raw bytes.
func (b *Buffer) PushBytes(data []byte) { b.Bytes = append(b.Bytes, data...) }

// PushString appends the bytes of a string.
func (b *Buffer) PushString(s string) { b.Bytes = append(b.Bytes, s...) }

// Len returns the byte count.
func (b *Buffer) Len() int32 { return int32(len(b.Bytes)) }

// ---------------------------------------------------------------------------
// Generic access used by the compiler
// ---------------------------------------------------------------------------

// IndexedView returns the elements of a tuple or array, reporting whether
// the value is an indexed sequence.
func IndexedView(v Value) ([]Value, bool) {
	switch v.Kind() {
	case KindTuple:
		return v.Tuple().Values, true
	case KindArray:
		return v.Array().Values, true
	default:
		return nil, false
	}
}

// DictionaryView returns the entries of a struct or table, reporting
// whether the value is associative.
func DictionaryView(v Value) ([]KV, bool) {
	switch v.Kind() {
	case KindStruct:
		return v.Struct().Entries(), true
	case KindTable:
		return v.Table().Entries(), true
	default:
		return nil, false
	}
}

// Length returns the length of any container, string, or buffer.
func Length(v Value) int32 {
	switch v.Kind() {
	case KindString:
		return int32(len(v.Str()))
	case KindSymbol, KindKeyword:
		return int32(len(v.Sym().Name()))
	case KindArray:
		return v.Array().Len()
	case KindBuffer:
		return v.Buffer().Len()
	case KindTuple:
		return v.Tuple().Len()
	case KindStruct:
		return v.Struct().Len()
	case KindTable:
		return v.Table().Len()
	default:
		return 0
	}
}

// Get indexes any associative or indexed value, returning nil for invalid
// keys or kinds.
func Get(ds, key Value) Value {
	switch ds.Kind() {
	case KindArray:
		if key.Kind() == KindInteger {
			return ds.Array().Get(key.Int())
		}
	case KindTuple:
		if key.Kind() == KindInteger {
			t := ds.Tuple()
			if key.Int() >= 0 && key.Int() < t.Len() {
				return t.Values[key.Int()]
			}
		}
	case KindBuffer:
		if key.Kind() == KindInteger {
			b := ds.Buffer()
			if key.Int() >= 0 && key.Int() < b.Len() {
				return Int(int32(b.Bytes[key.Int()]))
			}
		}
	case KindString, KindSymbol, KindKeyword:
		if key.Kind() == KindInteger {
			var s string
			if ds.Kind() == KindString {
				s = ds.Str()
			} else {
				s = ds.Sym().Name()
			}
			if key.Int() >= 0 && key.Int() < int32(len(s)) {
				return Int(int32(s[key.Int()]))
			}
		}
	case KindStruct:
		return ds.Struct().Get(key)
	case KindTable:
		return ds.Table().Get(key)
	}
	return Nil()
}

// Put writes into a mutable container. Invalid targets are ignored.
func Put(ds, key, value Value) {
	switch ds.Kind() {
	case KindArray:
		if key.Kind() == KindInteger && key.Int() >= 0 {
			ds.Array().Set(key.Int(), value)
		}
	case KindBuffer:
		if key.Kind() == KindInteger && key.Int() >= 0 && value.Kind() == KindInteger {
			b := ds.Buffer()
			for b.Len() <= key.Int() {
				b.Bytes = append(b.Bytes, 0)
			}
			b.Bytes[key.Int()] = byte(value.Int())
		}
	case KindTable:
		ds.Table().Put(key, value)
	}
}
