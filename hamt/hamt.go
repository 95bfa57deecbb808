package hamt

import (
	"sync/atomic"
	"unsafe"

	"lockfree/config"
	"lockfree/logger"
	"lockfree/smr"
)

// InsertResult reports whether Insert added a new key or replaced an
// existing one.
type InsertResult int

const (
	Inserted InsertResult = iota
	Replaced
)

type hamtOptions[K comparable] struct {
	hash   func(K) uint64
	domain *smr.Domain
}

// Option configures a Hamt at construction time. It is parameterized
// only by K because the hash function and shared domain never depend
// on V.
type Option[K comparable] func(*hamtOptions[K])

// WithHashFunc overrides the default hash/maphash-based hash_function.
func WithHashFunc[K comparable](f func(K) uint64) Option[K] {
	return func(o *hamtOptions[K]) { o.hash = f }
}

// WithDomain attaches an existing smr.Domain instead of letting New
// create a private one — e.g. to share one reclamation domain between a
// Hamt and a Stack.
func WithDomain[K comparable](d *smr.Domain) Option[K] {
	return func(o *hamtOptions[K]) { o.domain = d }
}

// Hamt is a lock-free hash-array-mapped trie map. The zero value is not
// usable; construct with New.
type Hamt[K comparable, V any] struct {
	root   *inode
	hash   func(K) uint64
	domain *smr.Domain
}

// New constructs an empty Hamt. hash defaults to hash/maphash.Comparable
// seeded once per process; override with WithHashFunc.
func New[K comparable, V any](opts ...Option[K]) *Hamt[K, V] {
	o := hamtOptions[K]{hash: defaultHash[K]}
	for _, opt := range opts {
		opt(&o)
	}
	if o.domain == nil {
		o.domain = smr.Init(config.Default())
	}
	logger.Info("hamt: constructed")
	return &Hamt[K, V]{root: &inode{}, hash: o.hash, domain: o.domain}
}

// Lookup returns the value associated with k, or (zero, false) if k is
// absent. It never blocks and never fails other than NotFound: any CAS
// interference it observes along the way (a tombed cnode) is resolved
// by a transparent restart, not a visible error.
func (h *Hamt[K, V]) Lookup(k K) (V, bool) {
	var zero V
	hsh := h.hash(k)
	tr := h.domain.AttachThread()
	defer h.domain.DetachThread(tr)

	guards, err := tr.AcquireGuardArray(3)
	if err != nil {
		logger.Error("hamt: lookup could not acquire guards: %v", err)
		return zero, false
	}
	defer func() {
		for _, g := range guards {
			g.Release()
		}
	}()

restart:
	var parent *inode
	parentGuard, curGuard, curNodeGuard := guards[0], guards[1], guards[2]
	cur := h.root
	curNodeGuard.Assign(unsafe.Pointer(cur))
	level := 0

	for {
		mainPtr := curGuard.Protect(&cur.main)
		if mainPtr == nil {
			return zero, false
		}
		main := (*cnode)(mainPtr)

		if parent != nil && main.isTomb {
			h.contract(tr, parent, parentGuard, cur)
			goto restart
		}

		idx := slice(hsh, level)
		bit := uint32(1) << idx
		if main.bitmap&bit == 0 {
			return zero, false
		}
		pos := popcount(main.bitmap & (bit - 1))
		child := main.children[pos]

		switch c := child.(type) {
		case *snode[K, V]:
			if c.hash != hsh {
				return zero, false
			}
			return c.lookup(k)
		case *inode:
			parent = cur
			parentGuard, curGuard = curGuard, parentGuard
			cur = c
			curNodeGuard.Assign(unsafe.Pointer(cur))
			level++
		}
	}
}

// Insert adds k/v, or replaces the value already stored for k.
// Concurrent interference causes an internal restart from the root;
// callers never observe a transient failure.
func (h *Hamt[K, V]) Insert(k K, v V) (InsertResult, V) {
	var zero V
	hsh := h.hash(k)
	tr := h.domain.AttachThread()
	defer h.domain.DetachThread(tr)

	guards, err := tr.AcquireGuardArray(3)
	if err != nil {
		logger.Error("hamt: insert could not acquire guards: %v", err)
		return Inserted, zero
	}
	defer func() {
		for _, g := range guards {
			g.Release()
		}
	}()

restart:
	var parent *inode
	parentGuard, curGuard, curNodeGuard := guards[0], guards[1], guards[2]
	cur := h.root
	curNodeGuard.Assign(unsafe.Pointer(cur))
	level := 0

	for {
		mainPtr := curGuard.Protect(&cur.main)

		if mainPtr == nil {
			idx := slice(hsh, level)
			nc := newCnode(idx, newLeaf[K, V](hsh, k, v))
			if atomic.CompareAndSwapPointer(&cur.main, nil, unsafe.Pointer(nc)) {
				return Inserted, zero
			}
			goto restart
		}
		main := (*cnode)(mainPtr)

		if parent != nil && main.isTomb {
			h.contract(tr, parent, parentGuard, cur)
			goto restart
		}

		idx := slice(hsh, level)
		bit := uint32(1) << idx

		if main.bitmap&bit == 0 {
			nc := withInserted(main, idx, newLeaf[K, V](hsh, k, v))
			if atomic.CompareAndSwapPointer(&cur.main, mainPtr, unsafe.Pointer(nc)) {
				smr.Retire(tr, main, func(*cnode) {})
				return Inserted, zero
			}
			goto restart
		}

		pos := popcount(main.bitmap & (bit - 1))
		child := main.children[pos]

		switch c := child.(type) {
		case *snode[K, V]:
			if c.hash == hsh {
				merged, replaced, old := c.merge(k, v)
				nc := withReplaced(main, idx, merged)
				if atomic.CompareAndSwapPointer(&cur.main, mainPtr, unsafe.Pointer(nc)) {
					smr.Retire(tr, main, func(*cnode) {})
					smr.Retire(tr, c, func(*snode[K, V]) {})
					if replaced {
						return Replaced, old
					}
					return Inserted, zero
				}
				goto restart
			}
			leaf := newLeaf[K, V](hsh, k, v)
			sub := split(c, leaf, level+1)
			nc := withReplaced(main, idx, sub)
			if atomic.CompareAndSwapPointer(&cur.main, mainPtr, unsafe.Pointer(nc)) {
				smr.Retire(tr, main, func(*cnode) {})
				smr.Retire(tr, c, func(*snode[K, V]) {})
				return Inserted, zero
			}
			goto restart
		case *inode:
			parent = cur
			parentGuard, curGuard = curGuard, parentGuard
			cur = c
			curNodeGuard.Assign(unsafe.Pointer(cur))
			level++
		}
	}
}

// Remove deletes k, returning its value, or (zero, false) if absent.
func (h *Hamt[K, V]) Remove(k K) (V, bool) {
	var zero V
	hsh := h.hash(k)
	tr := h.domain.AttachThread()
	defer h.domain.DetachThread(tr)

	guards, err := tr.AcquireGuardArray(3)
	if err != nil {
		logger.Error("hamt: remove could not acquire guards: %v", err)
		return zero, false
	}
	defer func() {
		for _, g := range guards {
			g.Release()
		}
	}()

restart:
	var parent *inode
	parentGuard, curGuard, curNodeGuard := guards[0], guards[1], guards[2]
	cur := h.root
	curNodeGuard.Assign(unsafe.Pointer(cur))
	level := 0

	for {
		mainPtr := curGuard.Protect(&cur.main)
		if mainPtr == nil {
			return zero, false
		}
		main := (*cnode)(mainPtr)

		if parent != nil && main.isTomb {
			h.contract(tr, parent, parentGuard, cur)
			goto restart
		}

		idx := slice(hsh, level)
		bit := uint32(1) << idx
		if main.bitmap&bit == 0 {
			return zero, false
		}
		pos := popcount(main.bitmap & (bit - 1))
		child := main.children[pos]

		switch c := child.(type) {
		case *snode[K, V]:
			if c.hash != hsh {
				return zero, false
			}
			newSnode, val, found := c.without(k)
			if !found {
				return zero, false
			}
			var nc *cnode
			if newSnode == nil {
				nc = withRemoved(main, idx)
				if len(nc.children) == 1 && parent != nil {
					if _, ok := nc.children[0].(*snode[K, V]); ok {
						nc.isTomb = true
					}
				}
			} else {
				nc = withReplaced(main, idx, newSnode)
			}
			if atomic.CompareAndSwapPointer(&cur.main, mainPtr, unsafe.Pointer(nc)) {
				smr.Retire(tr, main, func(*cnode) {})
				smr.Retire(tr, c, func(*snode[K, V]) {})
				if parent != nil {
					h.contract(tr, parent, parentGuard, cur)
				}
				return val, true
			}
			goto restart
		case *inode:
			parent = cur
			parentGuard, curGuard = curGuard, parentGuard
			cur = c
			curNodeGuard.Assign(unsafe.Pointer(cur))
			level++
		}
	}
}

// contract replaces, within parent's cnode, the slot pointing at tomb
// with the tomb's sole surviving child pulled up one level, then
// retires the tomb inode and its cnode alongside the grandparent's old
// cnode — every node contraction removes from the live tree is handed
// to the SMR domain, not just the one directly CAS'd out. Failure (a
// lost CAS, or the topology having already changed) is silent and
// best-effort: any future traversal through parent will retry the
// contraction.
func (h *Hamt[K, V]) contract(tr *smr.ThreadRecord, parent *inode, parentGuard *smr.Guard, tomb *inode) bool {
	parentMainPtr := parentGuard.Get()
	if parentMainPtr == nil {
		return false
	}
	parentMain := (*cnode)(parentMainPtr)

	idx := -1
	for i, ch := range parentMain.children {
		if in, ok := ch.(*inode); ok && in == tomb {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	tombMainPtr := atomic.LoadPointer(&tomb.main)
	tombMain := (*cnode)(tombMainPtr)
	if tombMain == nil || !tombMain.isTomb || len(tombMain.children) != 1 {
		return false
	}
	soleChild := tombMain.children[0]

	children := make([]branch, len(parentMain.children))
	copy(children, parentMain.children)
	children[idx] = soleChild
	newParentMain := &cnode{bitmap: parentMain.bitmap, children: children}

	if atomic.CompareAndSwapPointer(&parent.main, parentMainPtr, unsafe.Pointer(newParentMain)) {
		smr.Retire(tr, parentMain, func(*cnode) {})
		smr.Retire(tr, tomb, func(*inode) {})
		smr.Retire(tr, tombMain, func(*cnode) {})
		return true
	}
	return false
}
