// Package stack implements a Treiber stack: a single atomic
// top-of-stack pointer mutated by compare-and-swap, with an optional
// elimination array that lets colliding push/pop pairs exchange a value
// directly instead of contending on top.
//
// Grounded on cds/intrusive/treiber_stack.h for the push/pop CAS loop
// shape and its `stat` counters; elimination is in elimination.go.
package stack

import (
	"sync/atomic"
	"unsafe"

	"lockfree/backoff"
	"lockfree/config"
	"lockfree/logger"
	"lockfree/smr"
)

type stackNode[T any] struct {
	value T
	next  unsafe.Pointer // *stackNode[T]
}

// Stat mirrors cds::intrusive::treiber_stack::stat: best-effort counters
// describing a Stack's contention and elimination behavior, safe to read
// concurrently with ongoing operations.
type Stat struct {
	Pushes               int64
	Pops                 int64
	Races                int64
	ActiveEliminations   int64
	PassiveEliminations  int64
}

// Stack is a lock-free LIFO. The zero value is not usable; construct
// with New.
type Stack[T any] struct {
	top         unsafe.Pointer // *stackNode[T]
	domain      *smr.Domain
	elimination *eliminationArray[T]

	backoffLower int
	backoffUpper int

	pushes, pops                       atomic.Int64
	races                               atomic.Int64
	activeEliminations, passiveEliminations atomic.Int64
}

// Option configures a Stack at construction time.
type Option[T any] func(*Stack[T])

// WithDomain attaches an existing smr.Domain instead of letting New
// create a private one. Useful when a stack and a hamt should share one
// reclamation domain's thread records.
func WithDomain[T any](d *smr.Domain) Option[T] {
	return func(s *Stack[T]) { s.domain = d }
}

// WithEliminationSlots overrides the elimination array size from
// config.Default(). 0 disables elimination entirely, degrading to a
// plain Treiber stack (spec boundary behavior).
func WithEliminationSlots[T any](n int) Option[T] {
	return func(s *Stack[T]) {
		if n <= 0 {
			s.elimination = nil
			return
		}
		s.elimination = newEliminationArray[T](n)
	}
}

// WithBackoff overrides the exponential back-off bounds used by the CAS
// retry loop.
func WithBackoff[T any](lower, upper int) Option[T] {
	return func(s *Stack[T]) {
		s.backoffLower = lower
		s.backoffUpper = upper
	}
}

// New constructs an empty Stack using config.Default() for elimination
// slot count and back-off bounds, both overridable via opts.
func New[T any](opts ...Option[T]) *Stack[T] {
	cfg := config.Default()
	s := &Stack[T]{
		backoffLower: cfg.BackoffLower,
		backoffUpper: cfg.BackoffUpper,
	}
	if cfg.EliminationSlots > 0 {
		s.elimination = newEliminationArray[T](cfg.EliminationSlots)
	}
	for _, o := range opts {
		o(s)
	}
	if s.domain == nil {
		s.domain = smr.Init(cfg)
	}
	logger.Info("stack: constructed (elimination_slots=%d)", eliminationSlotCount(s.elimination))
	return s
}

func eliminationSlotCount[T any](e *eliminationArray[T]) int {
	if e == nil {
		return 0
	}
	return len(e.slots)
}

// Push never fails: it loops installing a new node as the new top until
// a CAS succeeds, falling back to elimination on contention.
func (s *Stack[T]) Push(v T) {
	n := &stackNode[T]{value: v}
	bo := backoff.NewExponential(s.backoffLower, s.backoffUpper)
	for {
		t := atomic.LoadPointer(&s.top)
		n.next = t
		if atomic.CompareAndSwapPointer(&s.top, t, unsafe.Pointer(n)) {
			s.pushes.Add(1)
			return
		}
		s.races.Add(1)
		if s.elimination != nil && s.tryEliminatePush(v, bo) {
			s.pushes.Add(1)
			return
		}
		bo.Wait()
	}
}

// Pop returns the most recently pushed value, or (zero, false) if the
// stack was empty. The popped node is handed to the SMR domain via
// smr.Retire once unlinked; it is never reused directly.
func (s *Stack[T]) Pop() (T, bool) {
	var zero T
	tr := s.domain.AttachThread()
	defer s.domain.DetachThread(tr)

	g, err := tr.AcquireGuard()
	if err != nil {
		// Pop only ever needs one guard and the default budget is 8;
		// reaching exhaustion here means a caller is holding guards
		// open elsewhere on the same ThreadRecord across this call.
		logger.Error("stack: pop could not acquire a guard: %v", err)
		return zero, false
	}
	defer g.Release()

	bo := backoff.NewExponential(s.backoffLower, s.backoffUpper)
	for {
		t := g.Protect(&s.top)
		if t == nil {
			return zero, false
		}
		node := (*stackNode[T])(t)
		next := atomic.LoadPointer(&node.next)
		if atomic.CompareAndSwapPointer(&s.top, t, next) {
			v := node.value
			smr.Retire(tr, node, func(*stackNode[T]) {})
			s.pops.Add(1)
			return v, true
		}
		s.races.Add(1)
		if s.elimination != nil {
			if val, ok := s.tryEliminatePop(bo); ok {
				s.pops.Add(1)
				return val, true
			}
		}
		bo.Wait()
	}
}

// IsEmpty reports whether the stack currently has no elements. As with
// any concurrent structure, the result may be stale by the time the
// caller acts on it.
func (s *Stack[T]) IsEmpty() bool {
	return atomic.LoadPointer(&s.top) == nil
}

// Stats returns a snapshot of the stack's best-effort counters.
func (s *Stack[T]) Stats() Stat {
	return Stat{
		Pushes:              s.pushes.Load(),
		Pops:                s.pops.Load(),
		Races:               s.races.Load(),
		ActiveEliminations:  s.activeEliminations.Load(),
		PassiveEliminations: s.passiveEliminations.Load(),
	}
}
