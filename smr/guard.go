package smr

import (
	"sync/atomic"
	"unsafe"
)

// Guard is one hazard pointer slot: a single published pointer value
// that Scan treats as live regardless of whether the container's own
// structure still links to it. A Guard belongs to exactly one
// ThreadRecord for its lifetime and is reused across many operations via
// AcquireGuard/Release.
type Guard struct {
	value unsafe.Pointer
	tr    *ThreadRecord
	idx   int
}

// Protect publishes the value currently stored at addr into g, using the
// standard hazard-pointer double-read: load, publish, re-load, and
// retry if the second load disagrees with the first. This closes the
// race where addr is CAS'd and the old value retired between the first
// load and the publish.
func (g *Guard) Protect(addr *unsafe.Pointer) unsafe.Pointer {
	for {
		p := atomic.LoadPointer(addr)
		atomic.StorePointer(&g.value, p)
		p2 := atomic.LoadPointer(addr)
		if p2 == p {
			return p
		}
	}
}

// Assign publishes p directly into g without reading any shared location
// first — used when the caller already holds p from a single atomic load
// it trusts (e.g. a CAS's own old value) and only needs it protected
// going forward.
func (g *Guard) Assign(p unsafe.Pointer) unsafe.Pointer {
	atomic.StorePointer(&g.value, p)
	return p
}

// Get returns the pointer g currently publishes, or nil if g is clear.
func (g *Guard) Get() unsafe.Pointer {
	return atomic.LoadPointer(&g.value)
}

// Clear withdraws g's publication. After Clear, Scan no longer treats
// g's former value as protected.
func (g *Guard) Clear() {
	atomic.StorePointer(&g.value, nil)
}

// Release clears g and returns its slot to tr's free pool so a later
// AcquireGuard on the same ThreadRecord can reuse it.
func (g *Guard) Release() {
	g.Clear()
	g.tr.inUse[g.idx] = false
}

// AcquireGuard reserves one of tr's fixed guard slots. It returns
// ErrNotAttached if tr has already been handed back to the domain via
// DetachThread — a caller that kept a reference past its own
// DetachThread call and tried to use it again — and ErrGuardExhausted
// if every slot is already in use; callers hold at most
// Config.HazardsPerThread guards concurrently by construction (the
// stack needs one, the Hamt needs three — the parent's cnode, the
// current node's cnode, and the current node itself), so exhaustion
// indicates a caller holding guards longer than it should.
func (tr *ThreadRecord) AcquireGuard() (*Guard, error) {
	if tr.state.Load() != stateOwned {
		return nil, ErrNotAttached
	}
	for i := range tr.guards {
		if !tr.inUse[i] {
			tr.inUse[i] = true
			return &tr.guards[i], nil
		}
	}
	return nil, ErrGuardExhausted
}

// AcquireGuardArray reserves n guard slots atomically with respect to
// the caller's own bookkeeping: either all n are granted or none are,
// so a caller never has to unwind a partial acquisition. It returns
// ErrNotAttached under the same condition as AcquireGuard.
func (tr *ThreadRecord) AcquireGuardArray(n int) ([]*Guard, error) {
	if tr.state.Load() != stateOwned {
		return nil, ErrNotAttached
	}
	if n > len(tr.guards) {
		return nil, ErrGuardExhausted
	}
	free := make([]int, 0, n)
	for i := range tr.guards {
		if !tr.inUse[i] {
			free = append(free, i)
			if len(free) == n {
				break
			}
		}
	}
	if len(free) < n {
		return nil, ErrGuardExhausted
	}
	out := make([]*Guard, n)
	for j, i := range free {
		tr.inUse[i] = true
		out[j] = &tr.guards[i]
	}
	return out, nil
}
