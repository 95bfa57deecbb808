package hamt

import (
	"sync"
	"testing"
)

func identityHash(x int) uint64 { return uint64(x) }

func zeroHash[K comparable](K) uint64 { return 0 }

// TestDistinctHashes checks basic insert/lookup/remove with distinct hashes.
func TestDistinctHashes(t *testing.T) {
	h := New[int, string](WithHashFunc[int](identityHash))
	h.Insert(1, "a")
	h.Insert(2, "b")
	h.Insert(3, "c")

	if v, ok := h.Lookup(2); !ok || v != "b" {
		t.Fatalf("Lookup(2) = (%q, %v), want (\"b\", true)", v, ok)
	}
	if v, ok := h.Remove(2); !ok || v != "b" {
		t.Fatalf("Remove(2) = (%q, %v), want (\"b\", true)", v, ok)
	}
	if _, ok := h.Lookup(2); ok {
		t.Fatal("expected Lookup(2) == NotFound after Remove(2)")
	}
	if v, ok := h.Lookup(1); !ok || v != "a" {
		t.Fatalf("Lookup(1) = (%q, %v), want (\"a\", true)", v, ok)
	}
	if v, ok := h.Lookup(3); !ok || v != "c" {
		t.Fatalf("Lookup(3) = (%q, %v), want (\"c\", true)", v, ok)
	}
}

// TestHashCollision checks insert/lookup/remove when every key hashes identically.
func TestHashCollision(t *testing.T) {
	h := New[string, int](WithHashFunc[string](zeroHash[string]))
	h.Insert("x", 1)
	h.Insert("y", 2)
	h.Insert("z", 3)

	if v, ok := h.Lookup("x"); !ok || v != 1 {
		t.Fatalf("Lookup(x) = (%v, %v), want (1, true)", v, ok)
	}
	if v, ok := h.Lookup("y"); !ok || v != 2 {
		t.Fatalf("Lookup(y) = (%v, %v), want (2, true)", v, ok)
	}
	if v, ok := h.Lookup("z"); !ok || v != 3 {
		t.Fatalf("Lookup(z) = (%v, %v), want (3, true)", v, ok)
	}

	if v, ok := h.Remove("y"); !ok || v != 2 {
		t.Fatalf("Remove(y) = (%v, %v), want (2, true)", v, ok)
	}
	if v, ok := h.Lookup("x"); !ok || v != 1 {
		t.Fatalf("Lookup(x) after remove(y) = (%v, %v), want (1, true)", v, ok)
	}
	if v, ok := h.Lookup("z"); !ok || v != 3 {
		t.Fatalf("Lookup(z) after remove(y) = (%v, %v), want (3, true)", v, ok)
	}
	if _, ok := h.Lookup("y"); ok {
		t.Fatal("expected Lookup(y) == NotFound after Remove(y)")
	}
}

// TestSplitOnInsert checks that two keys whose hashes differ in the
// second 5-bit slice split into one inode below the root with two
// direct snode children.
func TestSplitOnInsert(t *testing.T) {
	hashes := map[string]uint64{"a": 0x00, "b": 0x20}
	hashFn := func(k string) uint64 { return hashes[k] }

	h := New[string, int](WithHashFunc[string](hashFn))
	h.Insert("a", 1)
	h.Insert("b", 2)

	rootMain := (*cnode)(h.root.main)
	if rootMain == nil {
		t.Fatal("expected a populated root cnode")
	}
	if popcount(rootMain.bitmap) != 1 {
		t.Fatalf("expected exactly one child under root, bitmap=%#x", rootMain.bitmap)
	}
	sub, ok := rootMain.children[0].(*inode)
	if !ok {
		t.Fatalf("expected root's single child to be an inode, got %T", rootMain.children[0])
	}
	subMain := (*cnode)(sub.main)
	if popcount(subMain.bitmap) != 2 {
		t.Fatalf("expected 2 children in the split inode, bitmap=%#x", subMain.bitmap)
	}
	for _, c := range subMain.children {
		if _, ok := c.(*snode[string, int]); !ok {
			t.Fatalf("expected both split children to be snodes, got %T", c)
		}
	}

	idxA := slice(hashes["a"], 1)
	idxB := slice(hashes["b"], 1)
	if idxA == idxB {
		t.Fatal("test fixture chose hashes that do not diverge at level 1")
	}
	posA := popcount(subMain.bitmap & ((1 << idxA) - 1))
	posB := popcount(subMain.bitmap & ((1 << idxB) - 1))
	if sn, ok := subMain.children[posA].(*snode[string, int]); !ok || sn.hash != hashes["a"] {
		t.Fatalf("slot %d does not hold a's snode", idxA)
	}
	if sn, ok := subMain.children[posB].(*snode[string, int]); !ok || sn.hash != hashes["b"] {
		t.Fatalf("slot %d does not hold b's snode", idxB)
	}

	if v, ok := h.Lookup("a"); !ok || v != 1 {
		t.Fatalf("Lookup(a) = (%v, %v), want (1, true)", v, ok)
	}
	if v, ok := h.Lookup("b"); !ok || v != 2 {
		t.Fatalf("Lookup(b) = (%v, %v), want (2, true)", v, ok)
	}
}

func TestRemoveAbsentKeyReturnsNotFoundAndMutatesNothing(t *testing.T) {
	h := New[int, string](WithHashFunc[int](identityHash))
	h.Insert(1, "a")
	if _, ok := h.Remove(42); ok {
		t.Fatal("expected Remove(42) to report NotFound")
	}
	if v, ok := h.Lookup(1); !ok || v != "a" {
		t.Fatalf("expected key 1 untouched, got (%q, %v)", v, ok)
	}
}

func TestInsertReplaceReturnsOldValue(t *testing.T) {
	h := New[int, string](WithHashFunc[int](identityHash))
	if res, _ := h.Insert(1, "a"); res != Inserted {
		t.Fatalf("first insert result = %v, want Inserted", res)
	}
	res, old := h.Insert(1, "b")
	if res != Replaced || old != "a" {
		t.Fatalf("second insert = (%v, %q), want (Replaced, \"a\")", res, old)
	}
	if v, ok := h.Lookup(1); !ok || v != "b" {
		t.Fatalf("Lookup(1) = (%q, %v), want (\"b\", true)", v, ok)
	}
}

func TestInsertRemoveInsertEquivalentToSingleInsert(t *testing.T) {
	h := New[int, string](WithHashFunc[int](identityHash))
	h.Insert(1, "a")
	h.Remove(1)
	h.Insert(1, "a")
	if v, ok := h.Lookup(1); !ok || v != "a" {
		t.Fatalf("Lookup(1) = (%q, %v), want (\"a\", true)", v, ok)
	}
}

// TestNoTombReachableAfterRevisiting checks the no-tomb and shape
// invariants. Remove contracts its own parent eagerly, and any tomb a
// removal's own contraction attempt missed is contracted by the next
// traversal that passes through it, so re-looking-up every surviving
// key drives the tree to a state with no reachable tomb and
// popcount(bitmap) == len(children) everywhere.
func TestNoTombReachableAfterRevisiting(t *testing.T) {
	h := New[int, int](WithHashFunc[int](identityHash))
	for i := 0; i < 200; i++ {
		h.Insert(i, i)
	}
	for i := 0; i < 200; i += 2 {
		h.Remove(i)
	}
	for pass := 0; pass < 2; pass++ {
		for i := 1; i < 200; i += 2 {
			h.Lookup(i)
		}
	}

	root := (*cnode)(h.root.main)
	if root == nil {
		return
	}
	if root.isTomb {
		t.Fatal("root's own cnode must never be tomb-marked")
	}
	walkNoTomb(t, root)
}

func walkNoTomb(t *testing.T, main *cnode) {
	t.Helper()
	if popcount(main.bitmap) != len(main.children) {
		t.Fatalf("shape invariant violated: popcount(bitmap)=%d, len(children)=%d",
			popcount(main.bitmap), len(main.children))
	}
	for _, c := range main.children {
		in, ok := c.(*inode)
		if !ok {
			continue
		}
		childMain := (*cnode)(in.main)
		if childMain == nil {
			continue
		}
		if childMain.isTomb {
			t.Fatal("found a tomb-marked cnode still reachable after revisiting every surviving key")
		}
		walkNoTomb(t, childMain)
	}
}

func TestConcurrentInsertLookup(t *testing.T) {
	h := New[int, int]()
	const n = 2000
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				k := base*n + i
				h.Insert(k, k)
				if v, ok := h.Lookup(k); !ok || v != k {
					t.Errorf("Lookup(%d) = (%d, %v), want (%d, true)", k, v, ok, k)
				}
			}
		}(g)
	}
	wg.Wait()

	for g := 0; g < 8; g++ {
		for i := 0; i < n; i++ {
			k := g*n + i
			if v, ok := h.Lookup(k); !ok || v != k {
				t.Fatalf("post-insert Lookup(%d) = (%d, %v), want (%d, true)", k, v, ok, k)
			}
		}
	}
}
