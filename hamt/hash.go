package hamt

import (
	"encoding/binary"
	"hash/maphash"

	"golang.org/x/crypto/blake2b"
)

var defaultSeed = maphash.MakeSeed()

// defaultHash is the built-in pluggable hash function:
// hash/maphash.Comparable needs no per-K marshaling code and is seeded
// once per process so hash values are stable for the process's
// lifetime but not predictable across runs.
func defaultHash[K comparable](k K) uint64 {
	return maphash.Comparable(defaultSeed, k)
}

// Blake2bHash builds a hash_function option for keys that can marshal
// themselves to bytes, for callers that want a cryptographically mixed
// hash rather than the fast default — e.g. to exercise the trie against
// an adversarial key distribution where maphash's seed alone isn't a
// strong enough guarantee. toBytes must be stable for equal keys.
func Blake2bHash[K comparable](toBytes func(K) []byte) func(K) uint64 {
	return func(k K) uint64 {
		sum := blake2b.Sum256(toBytes(k))
		return binary.LittleEndian.Uint64(sum[:8])
	}
}
