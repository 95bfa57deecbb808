// Package smr implements the hazard-pointer safe memory reclamation
// engine shared by stack and hamt: a process-wide Domain tracks, per
// attached goroutine, a small array of guards protecting in-flight
// pointers and a bounded list of retired-but-not-yet-freed nodes, and
// provides Scan to free retired nodes no guard currently protects.
//
// The closest C++ reference available, cds/gc/hrc/hrc.h, is a
// reference-counting scheme rather than hazard pointers, so it informed
// only the shape of a pluggable GC singleton with thread attach/detach,
// not the reclamation algorithm itself.
package smr

import (
	"sync/atomic"
	"unsafe"

	"lockfree/config"
	"lockfree/logger"
)

const (
	stateFree int32 = iota
	stateOwned
	// stateHelping is a transient claim a help-scan takes on a free
	// record while it migrates that record's retired entries into the
	// helper's own list. It shares the same state field AttachThread
	// CASes on, so the two can never both believe they hold the same
	// record at once: AttachThread's CAS only succeeds out of
	// stateFree, and so does help-scan's.
	stateHelping
)

// Domain is the process-wide hazard-pointer registry. Containers each
// hold one Domain (or share one, if constructed that way) and call
// AttachThread/DetachThread around every operation that needs to
// dereference a shared pointer.
type Domain struct {
	cfg  config.Config
	head atomic.Pointer[ThreadRecord]

	// records counts every ThreadRecord ever allocated, for diagnostics
	// only (logging, tests); it is not consulted by the reclamation
	// algorithm itself.
	records atomic.Int64
}

// Init constructs a Domain from cfg. A zero-value cfg is not valid;
// callers should start from config.Default() or config.Load().
func Init(cfg config.Config) *Domain {
	if cfg.HazardsPerThread <= 0 {
		cfg.HazardsPerThread = config.Default().HazardsPerThread
	}
	if cfg.RetireCapacity <= 0 {
		cfg.RetireCapacity = config.Default().RetireCapacity
	}
	if cfg.RetirePressureRatio <= 0 || cfg.RetirePressureRatio > 1 {
		cfg.RetirePressureRatio = config.Default().RetirePressureRatio
	}
	d := &Domain{cfg: cfg}
	logger.Info("smr: domain initialized (hazards_per_thread=%d retire_capacity=%d)",
		cfg.HazardsPerThread, cfg.RetireCapacity)
	return d
}

// Shutdown forces reclamation of every retired pointer still outstanding
// across every ThreadRecord. It assumes single-threaded quiescence: no
// other goroutine is concurrently attaching, retiring, or guarding.
func (d *Domain) Shutdown() {
	d.ForceReclaim()
	logger.Info("smr: domain shutdown")
}

// ThreadRecord is the per-attached-goroutine state: a fixed array of
// guards and a bounded retired list. A ThreadRecord is either owned
// (currently bound to a goroutine via AttachThread) or free (available
// for reuse by a future AttachThread, possibly from a different
// goroutine).
type ThreadRecord struct {
	domain *Domain
	next   atomic.Pointer[ThreadRecord]
	state  atomic.Int32

	guards  []Guard
	inUse   []bool // owner-goroutine-only bookkeeping; no atomics needed
	retired []RetiredEntry

	// scanning is the re-entrancy guard described in DESIGN.md: it
	// prevents a disposer that itself calls Retire/Scan on this same
	// record from recursively re-entering Scan.
	scanning atomic.Bool
}

func newThreadRecord(d *Domain) *ThreadRecord {
	tr := &ThreadRecord{
		domain: d,
		guards: make([]Guard, d.cfg.HazardsPerThread),
		inUse:  make([]bool, d.cfg.HazardsPerThread),
	}
	for i := range tr.guards {
		tr.guards[i] = Guard{tr: tr, idx: i}
	}
	d.records.Add(1)
	return tr
}

// AttachThread binds the calling goroutine to a ThreadRecord, reusing a
// free record if one exists (the recycling path) or allocating a new one
// and prepending it to the domain's lock-free intrusive list otherwise.
// Attach is idempotent in the sense that calling it again from a fresh
// goroutine never observes a record some other goroutine is still using:
// ownership transfer is a single CAS on ThreadRecord.state.
func (d *Domain) AttachThread() *ThreadRecord {
	for r := d.head.Load(); r != nil; r = r.next.Load() {
		if r.state.CompareAndSwap(stateFree, stateOwned) {
			logger.TraceIf("smr", "attach: reused thread record")
			return r
		}
	}
	tr := newThreadRecord(d)
	tr.state.Store(stateOwned)
	for {
		old := d.head.Load()
		tr.next.Store(old)
		if d.head.CompareAndSwap(old, tr) {
			logger.TraceIf("smr", "attach: allocated new thread record")
			return tr
		}
	}
}

// DetachThread releases tr back to the shared pool. It first performs a
// local scan (no help-scan, since tr is about to become available for
// another goroutine's help-scan itself) to dispose of as much as
// possible; anything left in the retired list stays there for a future
// help-scan to pick up.
func (d *Domain) DetachThread(tr *ThreadRecord) {
	for i := range tr.guards {
		tr.guards[i].Clear()
		tr.inUse[i] = false
	}
	tr.localScan()
	remaining := len(tr.retired)
	tr.state.Store(stateFree)
	logger.TraceIf("smr", "detach: thread record freed (retired=%d)", remaining)
}

// ForceReclaim blocks until every currently-retired pointer across every
// ThreadRecord in the domain has been disposed. It is a test/shutdown
// helper and assumes no guard can still legitimately protect the
// retired pointers, i.e. the caller has reached quiescence.
func (d *Domain) ForceReclaim() {
	helper := d.AttachThread()
	defer d.DetachThread(helper)
	// Iterate: each pass drains the helper's own list and at most one
	// free record's list via help-scan, so one pass per record in the
	// domain (plus one) is enough once truly quiescent.
	passes := 1
	for r := d.head.Load(); r != nil; r = r.next.Load() {
		passes++
	}
	for pass := 0; pass < passes; pass++ {
		helper.Scan()
		if d.totalRetired() == 0 {
			return
		}
	}
}

func (d *Domain) totalRetired() int {
	n := 0
	for r := d.head.Load(); r != nil; r = r.next.Load() {
		n += len(r.retired)
	}
	return n
}

// guardedSet returns the set of pointers currently protected by some
// guard across every ThreadRecord in the domain, live or free (a free
// record's guards are expected to be empty, but scanning them costs
// nothing and guards against a detach/scan race window).
func (d *Domain) guardedSet() map[unsafe.Pointer]struct{} {
	set := make(map[unsafe.Pointer]struct{})
	for r := d.head.Load(); r != nil; r = r.next.Load() {
		for i := range r.guards {
			if p := r.guards[i].Get(); p != nil {
				set[p] = struct{}{}
			}
		}
	}
	return set
}
