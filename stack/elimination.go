package stack

import (
	"encoding/binary"
	"hash/fnv"
	"sync/atomic"

	"lockfree/backoff"
)

// eliminationWaitSteps bounds how many short back-off steps an installed
// op record waits for a collision partner before giving up and falling
// back to the plain CAS loop.
const eliminationWaitSteps = 8

const (
	opPush int32 = iota
	opPop
)

const (
	statusBusy int32 = iota
	statusCollided
)

// opRecord is published into an elimination slot by a contending push or
// pop. value is written without synchronization: a waiting pusher sets
// it before publishing the record under the slot lock, and a push that
// collides with a waiting pop writes it just before storing
// statusCollided. A pop that collides with a waiting push reads value
// under the slot lock; a waiting pop reads its own record's value only
// after observing status == statusCollided, which — being an atomic
// store — establishes the happens-before edge the plain read relies on.
type opRecord[T any] struct {
	kind   int32
	value  T
	status atomic.Int32
}

// eliminationSlot pairs one published op record with a spin lock
// guarding install/collide/remove against concurrent access from
// another goroutine targeting the same slot.
//
// The spin lock guards a short, non-blocking critical section around a
// small shared cell; it never suspends on the OS scheduler the way a
// sync.Mutex would, since elimination must not block.
type eliminationSlot[T any] struct {
	rec  atomic.Pointer[opRecord[T]]
	lock spinlock
}

type spinlock struct{ state atomic.Int32 }

func (l *spinlock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		backoff.Yield{}.Wait()
	}
}

func (l *spinlock) Unlock() { l.state.Store(0) }

// eliminationArray is a fixed-size table of elimination slots. Slot
// selection is pseudo-random: instead of hashing a caller-supplied key
// (there is no natural key for a stack operation), it hashes a
// monotonically increasing nonce, which scatters contending goroutines
// across slots just as evenly as a key hash would.
type eliminationArray[T any] struct {
	slots []eliminationSlot[T]
	nonce atomic.Uint64
}

func newEliminationArray[T any](n int) *eliminationArray[T] {
	return &eliminationArray[T]{slots: make([]eliminationSlot[T], n)}
}

func (e *eliminationArray[T]) pickSlot() *eliminationSlot[T] {
	n := e.nonce.Add(1)
	h := fnv.New32a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	h.Write(buf[:])
	idx := int(h.Sum32()) % len(e.slots)
	return &e.slots[idx]
}

// tryEliminatePush attempts to pair v with a waiting pop in a randomly
// chosen elimination slot. It returns true if and only if a pop
// collided with it, in which case the push is complete without ever
// touching top.
func (s *Stack[T]) tryEliminatePush(v T, _ *backoff.Exponential) bool {
	slot := s.elimination.pickSlot()

	slot.lock.Lock()
	existing := slot.rec.Load()
	if existing == nil {
		rec := &opRecord[T]{kind: opPush, value: v}
		rec.status.Store(statusBusy)
		slot.rec.Store(rec)
		slot.lock.Unlock()

		waitBO := backoff.NewFixed(2)
		collided := backoff.WaitPredicate(waitBO, func() bool {
			return rec.status.Load() == statusCollided
		}, eliminationWaitSteps)

		slot.lock.Lock()
		// A pop may have collided after the wait gave up but before the
		// lock was retaken; colliders write status under this lock.
		collided = rec.status.Load() == statusCollided
		if slot.rec.Load() == rec {
			slot.rec.Store(nil)
		}
		slot.lock.Unlock()

		if collided {
			s.passiveEliminations.Add(1)
		}
		return collided
	}

	if existing.kind == opPop && existing.status.Load() == statusBusy {
		existing.value = v
		existing.status.Store(statusCollided)
		slot.lock.Unlock()
		s.activeEliminations.Add(1)
		return true
	}

	slot.lock.Unlock()
	return false
}

// tryEliminatePop is tryEliminatePush's mirror image for the pop side.
func (s *Stack[T]) tryEliminatePop(_ *backoff.Exponential) (T, bool) {
	var zero T
	slot := s.elimination.pickSlot()

	slot.lock.Lock()
	existing := slot.rec.Load()
	if existing == nil {
		rec := &opRecord[T]{kind: opPop}
		rec.status.Store(statusBusy)
		slot.rec.Store(rec)
		slot.lock.Unlock()

		waitBO := backoff.NewFixed(2)
		collided := backoff.WaitPredicate(waitBO, func() bool {
			return rec.status.Load() == statusCollided
		}, eliminationWaitSteps)

		slot.lock.Lock()
		// A push may have collided after the wait gave up but before the
		// lock was retaken; colliders write status under this lock.
		collided = rec.status.Load() == statusCollided
		if slot.rec.Load() == rec {
			slot.rec.Store(nil)
		}
		slot.lock.Unlock()

		if collided {
			s.passiveEliminations.Add(1)
			return rec.value, true
		}
		return zero, false
	}

	if existing.kind == opPush && existing.status.Load() == statusBusy {
		v := existing.value
		existing.status.Store(statusCollided)
		slot.lock.Unlock()
		s.activeEliminations.Add(1)
		return v, true
	}

	slot.lock.Unlock()
	return zero, false
}
