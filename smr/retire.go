package smr

import (
	"unsafe"

	"lockfree/logger"
)

// RetiredEntry pairs a retired pointer with the disposer that frees it.
// The pointer is stored as unsafe.Pointer so one ThreadRecord's retired
// list can hold entries from different containers (stack nodes, Hamt
// nodes) without a generic container type; Retire captures the concrete
// T in a closure over dispose instead.
type RetiredEntry struct {
	ptr     unsafe.Pointer
	dispose func(unsafe.Pointer)
}

// Retire hands ownership of p to tr's retired list: p must never be
// dereferenced by the caller again. The node is freed once Scan proves
// no guard in the domain protects it. Retire may trigger an eager Scan
// if tr's retired list has crossed its capacity or pressure threshold
// (see pressure.go).
func Retire[T any](tr *ThreadRecord, p *T, dispose func(*T)) {
	entry := RetiredEntry{
		ptr: unsafe.Pointer(p),
		dispose: func(raw unsafe.Pointer) {
			dispose((*T)(raw))
		},
	}
	tr.retired = append(tr.retired, entry)
	logger.TraceIf("smr", "retire: list now holds %d entries", len(tr.retired))
	if shouldScan(tr) {
		tr.Scan()
	}
}

// Scan reclaims every entry in tr's own retired list that no guard in
// the domain currently protects, then helps drain one free ThreadRecord
// elsewhere in the domain whose retired list is non-empty. It is safe to
// call Scan as often as desired; it is a no-op once nothing is
// reclaimable.
//
// The scanning flag prevents a disposer callback that itself calls
// Retire/Scan on the same ThreadRecord from recursively re-entering
// this method — disposers run application code and could, in
// principle, retire further nodes of their own.
func (tr *ThreadRecord) Scan() {
	if !tr.scanning.CompareAndSwap(false, true) {
		return
	}
	defer tr.scanning.Store(false)

	tr.localScan()
	tr.helpScanOne()
}

// localScan reclaims only tr's own retired entries, using a fresh
// guarded-set snapshot. Exposed indirectly through Scan and directly to
// DetachThread, which must not attempt a help-scan (the record is about
// to become eligible for help-scan itself).
func (tr *ThreadRecord) localScan() {
	if len(tr.retired) == 0 {
		return
	}
	guarded := tr.domain.guardedSet()
	entries := tr.retired
	tr.retired = nil
	survivors := reclaim(entries, guarded)
	// A disposer may have retired further nodes onto tr.retired while
	// reclaim ran; keep them after the survivors.
	tr.retired = append(survivors, tr.retired...)
}

// helpScanOne looks for one free ThreadRecord elsewhere in the domain,
// claims it by CASing its state from stateFree to stateHelping, and
// migrates whatever survives reclamation into the caller's own retired
// list before releasing the claim back to stateFree. Moving the
// entries into tr's own, exclusively-owned list — rather than writing
// them back onto r — means r.retired is only ever touched while its
// state CAS is held, so it can never be read or appended to by a
// concurrent AttachThread that reuses r the instant it goes free
// again. This is what lets a busy thread's retired nodes eventually
// get freed even if that thread never calls Scan again before exiting.
func (tr *ThreadRecord) helpScanOne() {
	for r := tr.domain.head.Load(); r != nil; r = r.next.Load() {
		if r == tr {
			continue
		}
		if !r.state.CompareAndSwap(stateFree, stateHelping) {
			continue
		}
		if len(r.retired) == 0 {
			r.state.Store(stateFree)
			continue
		}
		guarded := tr.domain.guardedSet()
		survivors := reclaim(r.retired, guarded)
		r.retired = nil
		r.state.Store(stateFree)
		tr.retired = append(tr.retired, survivors...)
		return
	}
}

// reclaim partitions entries into those still guarded (kept) and those
// not (disposed), returning the survivors. Disposal order is unspecified
// and callers must not depend on it.
func reclaim(entries []RetiredEntry, guarded map[unsafe.Pointer]struct{}) []RetiredEntry {
	survivors := entries[:0]
	freed := 0
	for _, e := range entries {
		if _, live := guarded[e.ptr]; live {
			survivors = append(survivors, e)
			continue
		}
		e.dispose(e.ptr)
		freed++
	}
	if freed > 0 {
		logger.TraceIf("smr", "scan: freed %d entries, %d survive", freed, len(survivors))
	}
	return survivors
}
