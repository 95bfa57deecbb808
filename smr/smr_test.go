package smr

import (
	"sync"
	"testing"
	"unsafe"

	"lockfree/config"
)

type node struct {
	val int
}

func newDomain(t *testing.T) *Domain {
	t.Helper()
	cfg := config.Default()
	cfg.HazardsPerThread = 4
	cfg.RetireCapacity = 4
	return Init(cfg)
}

func TestAttachDetachRecycles(t *testing.T) {
	d := newDomain(t)
	tr1 := d.AttachThread()
	d.DetachThread(tr1)
	tr2 := d.AttachThread()
	if tr1 != tr2 {
		t.Fatal("expected DetachThread to make tr1 eligible for reuse")
	}
}

func TestAcquireGuardExhaustion(t *testing.T) {
	d := newDomain(t)
	tr := d.AttachThread()
	defer d.DetachThread(tr)

	var guards []*Guard
	for i := 0; i < 4; i++ {
		g, err := tr.AcquireGuard()
		if err != nil {
			t.Fatalf("unexpected error acquiring guard %d: %v", i, err)
		}
		guards = append(guards, g)
	}
	if _, err := tr.AcquireGuard(); err != ErrGuardExhausted {
		t.Fatalf("expected ErrGuardExhausted, got %v", err)
	}
	guards[0].Release()
	if _, err := tr.AcquireGuard(); err != nil {
		t.Fatalf("expected a guard to be available after Release, got %v", err)
	}
}

func TestAcquireGuardAfterDetachReturnsErrNotAttached(t *testing.T) {
	d := newDomain(t)
	tr := d.AttachThread()
	d.DetachThread(tr)

	if _, err := tr.AcquireGuard(); err != ErrNotAttached {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
	if _, err := tr.AcquireGuardArray(2); err != ErrNotAttached {
		t.Fatalf("expected ErrNotAttached, got %v", err)
	}
}

func TestAcquireGuardArrayAllOrNone(t *testing.T) {
	d := newDomain(t)
	tr := d.AttachThread()
	defer d.DetachThread(tr)

	if _, err := tr.AcquireGuard(); err != nil {
		t.Fatal(err)
	}
	// 3 slots remain; asking for 4 must fail without consuming any.
	if _, err := tr.AcquireGuardArray(4); err != ErrGuardExhausted {
		t.Fatalf("expected ErrGuardExhausted, got %v", err)
	}
	arr, err := tr.AcquireGuardArray(3)
	if err != nil {
		t.Fatalf("expected all 3 remaining slots to be grantable, got %v", err)
	}
	if len(arr) != 3 {
		t.Fatalf("got %d guards, want 3", len(arr))
	}
}

// TestGuardedRetireNotDisposed checks the SMR-safety property: a node
// guarded by one goroutine survives Scan calls driven by retirement on
// another goroutine.
func TestGuardedRetireNotDisposed(t *testing.T) {
	d := newDomain(t)
	reader := d.AttachThread()
	defer d.DetachThread(reader)

	n := &node{val: 42}
	var shared unsafe.Pointer = unsafe.Pointer(n)

	g, err := reader.AcquireGuard()
	if err != nil {
		t.Fatal(err)
	}
	p := g.Protect(&shared)
	if p != unsafe.Pointer(n) {
		t.Fatal("Protect did not observe the expected pointer")
	}

	disposed := false
	writer := d.AttachThread()
	defer d.DetachThread(writer)
	Retire(writer, n, func(*node) { disposed = true })

	// Force enough churn to guarantee a Scan runs.
	for i := 0; i < 10; i++ {
		writer.Scan()
	}
	if disposed {
		t.Fatal("guarded node was disposed while still protected")
	}

	g.Release()
	writer.Scan()
	if !disposed {
		t.Fatal("node was never disposed after the guard was released")
	}
}

// TestUnguardedRetireEventuallyDisposed is the SMR-progress property:
// once nothing protects a retired node, it is eventually reclaimed.
func TestUnguardedRetireEventuallyDisposed(t *testing.T) {
	d := newDomain(t)
	tr := d.AttachThread()

	disposed := 0
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		n := &node{val: i}
		Retire(tr, n, func(*node) {
			mu.Lock()
			disposed++
			mu.Unlock()
		})
	}
	// DetachThread runs a final localScan and frees whatever is left,
	// then ForceReclaim mops up via help-scan in case anything remains.
	d.DetachThread(tr)
	d.ForceReclaim()
	mu.Lock()
	defer mu.Unlock()
	if disposed != 20 {
		t.Fatalf("disposed = %d, want 20", disposed)
	}
}

// TestHelpScanDrainsFreeRecord exercises the help-scan path: a
// ThreadRecord detaches with undisposed retired entries, and a
// different, still-attached ThreadRecord's Scan drains them.
func TestHelpScanDrainsFreeRecord(t *testing.T) {
	d := newDomain(t)

	reader := d.AttachThread()
	n := &node{val: 7}
	var shared unsafe.Pointer = unsafe.Pointer(n)
	g, err := reader.AcquireGuard()
	if err != nil {
		t.Fatal(err)
	}
	g.Protect(&shared)

	owner := d.AttachThread()
	disposed := false
	Retire(owner, n, func(*node) { disposed = true })
	// owner's localScan sees reader's guard and keeps the entry; owner
	// becomes free with the entry still in its retired list.
	d.DetachThread(owner)
	if disposed {
		t.Fatal("node disposed while still guarded by reader")
	}

	g.Release()
	reader.Scan() // must help-scan owner's now-free, non-empty record
	d.DetachThread(reader)

	if !disposed {
		t.Fatal("help-scan never drained the detached record's retired entry")
	}
}

func TestConcurrentAttachDetachIsRaceFree(t *testing.T) {
	d := newDomain(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tr := d.AttachThread()
				n := &node{val: j}
				Retire(tr, n, func(*node) {})
				d.DetachThread(tr)
			}
		}()
	}
	wg.Wait()
	d.ForceReclaim()
}
