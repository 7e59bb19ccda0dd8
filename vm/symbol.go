package vm

// ---------------------------------------------------------------------------
// Symbol interning
// ---------------------------------------------------------------------------

// Symbol is an interned identifier. Every textually equal symbol within
// one Context is the same *Symbol, so equality checks reduce to pointer
// comparison.
type Symbol struct {
	name string
	hash uint32
}

// Name returns the symbol text.
func (s *Symbol) Name() string { return s.name }

// Hash returns the precomputed hash of the symbol text.
func (s *Symbol) Hash() uint32 { return s.hash }

func (s *Symbol) String() string { return s.name }

// tombstone marks a deleted intern slot. Probing continues past it, but
// insertion may reuse it.
var tombstone = &Symbol{}

// symcache is an open-addressed hash set of interned symbols with
// tombstone deletion. It is consulted on every symbol construction and
// owned by exactly one Context, so no locking is needed.
type symcache struct {
	slots   []*Symbol
	count   uint32
	deleted uint32
}

func newSymcache() *symcache {
	return &symcache{slots: make([]*Symbol, 1024)}
}

// find locates the slot holding a symbol with the given text, or the slot
// where it would be inserted. found reports which.
func (c *symcache) find(name string, hash uint32) (idx int, found bool) {
	capacity := uint32(len(c.slots))
	index := hash & (capacity - 1)
	firstEmpty := -1
	// Search index..capacity then 0..index.
	bounds := [4]uint32{index, capacity, 0, index}
	for j := 0; j < 4; j += 2 {
		for i := bounds[j]; i < bounds[j+1]; i++ {
			s := c.slots[i]
			if s == nil {
				if firstEmpty < 0 {
					firstEmpty = int(i)
				}
				return firstEmpty, false
			}
			if s == tombstone {
				if firstEmpty < 0 {
					firstEmpty = int(i)
				}
				continue
			}
			if s.hash == hash && s.name == name {
				// Move the entry into an earlier tombstone so the next
				// lookup terminates sooner.
				if firstEmpty >= 0 {
					c.slots[firstEmpty] = s
					c.slots[i] = tombstone
					return firstEmpty, true
				}
				return int(i), true
			}
		}
	}
	return firstEmpty, false
}

func (c *symcache) resize(newCapacity uint32) {
	old := c.slots
	c.slots = make([]*Symbol, newCapacity)
	c.deleted = 0
	for _, s := range old {
		if s != nil && s != tombstone {
			idx, _ := c.find(s.name, s.hash)
			c.slots[idx] = s
		}
	}
}

func (c *symcache) put(s *Symbol, idx int) {
	if (c.count+c.deleted)*2 > uint32(len(c.slots)) {
		c.resize(tablen(2*c.count + 1))
		idx, _ = c.find(s.name, s.hash)
	}
	c.count++
	c.slots[idx] = s
}

// intern returns the unique *Symbol for name, creating it if needed.
func (c *symcache) intern(name string) *Symbol {
	hash := HashString(name)
	idx, found := c.find(name, hash)
	if found {
		return c.slots[idx]
	}
	s := &Symbol{name: name, hash: hash}
	c.put(s, idx)
	return s
}

// evict removes a symbol from the cache, leaving a tombstone. Used by the
// collector's deinit hook when a symbol dies.
func (c *symcache) evict(s *Symbol) {
	idx, found := c.find(s.name, s.hash)
	if found {
		c.count--
		c.deleted++
		c.slots[idx] = tombstone
	}
}

// tablen rounds up to the next power of two, minimum 1.
func tablen(n uint32) uint32 {
	cap := uint32(1)
	for cap < n {
		cap *= 2
	}
	return cap
}
