package cache

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t)
	hash := SourceHash([]byte("(def x 1)"))
	if err := s.Put(hash, "a.kst", []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	data, ok, err := s.Get(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("entry should exist")
	}
	if len(data) != 3 || data[0] != 1 {
		t.Errorf("data = %v", data)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(SourceHash([]byte("never stored")))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("missing entry reported present")
	}
}

func TestHas(t *testing.T) {
	s := openTestStore(t)
	hash := SourceHash([]byte("src"))
	if ok, _ := s.Has(hash); ok {
		t.Error("Has before Put")
	}
	if err := s.Put(hash, "b.kst", []byte{9}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Has(hash); !ok {
		t.Error("Has after Put")
	}
}

func TestPutReplaces(t *testing.T) {
	s := openTestStore(t)
	hash := SourceHash([]byte("src"))
	if err := s.Put(hash, "c.kst", []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(hash, "c.kst", []byte{2}); err != nil {
		t.Fatal(err)
	}
	data, _, err := s.Get(hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 1 || data[0] != 2 {
		t.Errorf("data = %v, want replacement", data)
	}
}

func TestSourceHashDiffers(t *testing.T) {
	if SourceHash([]byte("a")) == SourceHash([]byte("b")) {
		t.Error("different sources must hash differently")
	}
	if SourceHash([]byte("a")) != SourceHash([]byte("a")) {
		t.Error("equal sources must hash equally")
	}
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	hash := SourceHash([]byte("old"))
	if err := s.Put(hash, "d.kst", []byte{1}); err != nil {
		t.Fatal(err)
	}
	// Nothing is older than an hour.
	n, err := s.Prune(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("pruned %d entries, want 0", n)
	}
	// Everything is older than a negative age.
	n, err = s.Prune(-time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d entries, want 1", n)
	}
	if ok, _ := s.Has(hash); ok {
		t.Error("pruned entry still present")
	}
}
