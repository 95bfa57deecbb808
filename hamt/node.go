// Package hamt implements a lock-free hash-array-mapped trie: a tree of
// indirection nodes (inode) each pointing to a compressed array node
// (cnode) of up to Fanout children, which are themselves either inodes
// or singleton/collision nodes (snode).
//
// Grounded on cds/container/hamt.h for the node shapes, bitmap indexing,
// and restart-on-interference policy.
package hamt

import (
	"math/bits"
	"unsafe"
)

const (
	hashBits  = 64
	sliceBits = 5
	fanout    = 1 << sliceBits // 32
	maxDepth  = 13             // ceil(64/5)
)

// slice extracts the Slice-bit chunk of h used to index a cnode at the
// given trie depth.
func slice(h uint64, level int) uint32 {
	shift := uint(level) * sliceBits
	return uint32((h >> shift) & (fanout - 1))
}

func popcount(bitmap uint32) int {
	return bits.OnesCount32(bitmap)
}

// branch is the tagged-variant discriminator for a cnode child: either
// *inode or *snode[K, V] for the instantiated K, V. Both implement it
// with an empty marker method rather than a common field, since a cnode
// holds children of a fixed V but must be able to name the interface
// without embedding K/V itself (branch is declared outside any generic
// scope).
type branch interface{ isBranch() }

// inode is an indirection node: a single atomically-swapped pointer to
// its current cnode. main is read with Guard.Protect and written with a
// plain CAS, matching the stack's top field — both are the same
// "shared mutable pointer guarded by SMR" shape.
type inode struct {
	main unsafe.Pointer // *cnode
}

func (*inode) isBranch() {}

// cnode is a compressed array node: bitmap bit i set means a child
// exists at logical slot i, stored at physical index
// popcount(bitmap & (1<<i - 1)) in children. cnodes are immutable once
// published; every mutation builds a new cnode and CASes it into some
// inode.main.
type cnode struct {
	bitmap   uint32
	children []branch
	isTomb   bool
}

func newCnode(idx uint32, child branch) *cnode {
	return &cnode{bitmap: 1 << idx, children: []branch{child}}
}

func withInserted(old *cnode, idx uint32, child branch) *cnode {
	bit := uint32(1) << idx
	pos := popcount(old.bitmap & (bit - 1))
	children := make([]branch, len(old.children)+1)
	copy(children, old.children[:pos])
	children[pos] = child
	copy(children[pos+1:], old.children[pos:])
	return &cnode{bitmap: old.bitmap | bit, children: children}
}

func withReplaced(old *cnode, idx uint32, child branch) *cnode {
	bit := uint32(1) << idx
	pos := popcount(old.bitmap & (bit - 1))
	children := make([]branch, len(old.children))
	copy(children, old.children)
	children[pos] = child
	return &cnode{bitmap: old.bitmap, children: children}
}

func withRemoved(old *cnode, idx uint32) *cnode {
	bit := uint32(1) << idx
	pos := popcount(old.bitmap & (bit - 1))
	children := make([]branch, len(old.children)-1)
	copy(children, old.children[:pos])
	copy(children[pos:], old.children[pos+1:])
	return &cnode{bitmap: old.bitmap &^ bit, children: children}
}

// entry is one key/value pair inside an snode's collision chain.
type entry[K comparable, V any] struct {
	key   K
	value V
}

// snode is a singleton or collision node: all entries share hash, the
// chain existing because the trie ran out of bits (maxDepth) or because
// two keys happen to hash identically.
type snode[K comparable, V any] struct {
	hash    uint64
	entries []entry[K, V]
}

func (*snode[K, V]) isBranch() {}

func newLeaf[K comparable, V any](hash uint64, k K, v V) *snode[K, V] {
	return &snode[K, V]{hash: hash, entries: []entry[K, V]{{key: k, value: v}}}
}

func (s *snode[K, V]) lookup(k K) (V, bool) {
	for _, e := range s.entries {
		if e.key == k {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// merge returns a new snode with k/v inserted or replacing an existing
// entry for k, along with whether an existing entry was replaced and
// its old value.
func (s *snode[K, V]) merge(k K, v V) (_ *snode[K, V], replaced bool, old V) {
	for i, e := range s.entries {
		if e.key == k {
			entries := append([]entry[K, V]{}, s.entries...)
			entries[i] = entry[K, V]{key: k, value: v}
			return &snode[K, V]{hash: s.hash, entries: entries}, true, e.value
		}
	}
	entries := append(append([]entry[K, V]{}, s.entries...), entry[K, V]{key: k, value: v})
	var zero V
	return &snode[K, V]{hash: s.hash, entries: entries}, false, zero
}

// without returns a new snode with k removed, or nil if k was the sole
// entry (the caller must then drop the slot rather than keep an empty
// snode), along with the removed value and whether k was present.
func (s *snode[K, V]) without(k K) (_ *snode[K, V], removed V, found bool) {
	for i, e := range s.entries {
		if e.key != k {
			continue
		}
		if len(s.entries) == 1 {
			return nil, e.value, true
		}
		entries := make([]entry[K, V], 0, len(s.entries)-1)
		entries = append(entries, s.entries[:i]...)
		entries = append(entries, s.entries[i+1:]...)
		return &snode[K, V]{hash: s.hash, entries: entries}, e.value, true
	}
	var zero V
	return s, zero, false
}

// split builds the chain of cnodes/inodes needed to distinguish
// existing's hash from leaf's hash at successive slice positions,
// starting comparison at level, until they diverge or maxDepth is
// reached (at which point, by construction, the hashes must already be
// equal across every meaningful bit, so the two are merged into one
// collision snode as a defensive fallback).
func split[K comparable, V any](existing *snode[K, V], leaf *snode[K, V], level int) branch {
	if level >= maxDepth {
		entries := append(append([]entry[K, V]{}, existing.entries...), leaf.entries...)
		return &snode[K, V]{hash: existing.hash, entries: entries}
	}
	i1 := slice(existing.hash, level)
	i2 := slice(leaf.hash, level)
	if i1 == i2 {
		child := split(existing, leaf, level+1)
		return &inode{main: unsafe.Pointer(newCnode(i1, child))}
	}
	bit1 := uint32(1) << i1
	bit2 := uint32(1) << i2
	bitmap := bit1 | bit2
	children := make([]branch, 2)
	children[popcount(bitmap&(bit1-1))] = existing
	children[popcount(bitmap&(bit2-1))] = leaf
	return &inode{main: unsafe.Pointer(&cnode{bitmap: bitmap, children: children})}
}
